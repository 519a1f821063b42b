package deltalog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/lakelink/internal/model"
	"github.com/devrev/lakelink/internal/storage/objectstore"
)

func testColumns() []StructField {
	return []StructField{
		NewField("id", LongType),
		NewField("name", StringType),
		NewField("tags", ArrayType(StringType, true)),
	}
}

func newTestBuilder(t *testing.T) (*Builder, string) {
	t.Helper()
	return NewBuilder(nil, zap.NewNop()), filepath.Join(t.TempDir(), "1", "2")
}

func readEntry(t *testing.T, location string, version int64) []Action {
	t.Helper()
	store, err := objectstore.NewLocalStore(location)
	require.NoError(t, err)
	data, err := store.Get(context.Background(), LogKey(version))
	require.NoError(t, err)
	actions, err := DecodeEntry(data)
	require.NoError(t, err)
	return actions
}

func logObjects(t *testing.T, location string) []objectstore.ObjectInfo {
	t.Helper()
	store, err := objectstore.NewLocalStore(location)
	require.NoError(t, err)
	objects, err := store.List(context.Background(), LogDir+"/")
	require.NoError(t, err)
	return objects
}

func TestBuilder_CreateTable(t *testing.T) {
	ctx := context.Background()
	b, location := newTestBuilder(t)

	snapshot, err := b.CreateTable(ctx, "public.orders", location, nil, testColumns())
	require.NoError(t, err)
	assert.Equal(t, int64(0), snapshot.Version())
	assert.Equal(t, 0, snapshot.NumFiles())

	actions := readEntry(t, location, 0)
	require.Len(t, actions, 3)

	require.NotNil(t, actions[0].Protocol)
	assert.Equal(t, 3, actions[0].Protocol.MinReaderVersion)
	assert.Equal(t, 7, actions[0].Protocol.MinWriterVersion)
	assert.Empty(t, actions[0].Protocol.ReaderFeatures)
	assert.Empty(t, actions[0].Protocol.WriterFeatures)

	require.NotNil(t, actions[1].Metadata)
	meta := actions[1].Metadata
	assert.Equal(t, "public.orders", meta.Name)
	assert.Equal(t, "parquet", meta.Format.Provider)
	assert.NotEmpty(t, meta.ID)
	assert.NotZero(t, meta.CreatedTime)

	schema, err := meta.Schema()
	require.NoError(t, err)
	assert.Equal(t, "struct", schema.Type)
	assert.Equal(t, testColumns(), schema.Fields)

	require.NotNil(t, actions[2].CommitInfo)
	assert.Equal(t, OperationCreateTable, actions[2].CommitInfo.Operation)
	assert.Equal(t, EngineInfo, actions[2].CommitInfo.EngineInfo)
}

func TestBuilder_CreateTableWritesEmptyFeatureLists(t *testing.T) {
	b, location := newTestBuilder(t)
	_, err := b.CreateTable(context.Background(), "t", location, nil, nil)
	require.NoError(t, err)

	store, err := objectstore.NewLocalStore(location)
	require.NoError(t, err)
	raw, err := store.Get(context.Background(), LogKey(0))
	require.NoError(t, err)

	firstLine := strings.SplitN(string(raw), "\n", 2)[0]
	assert.Contains(t, firstLine, `"readerFeatures":[]`)
	assert.Contains(t, firstLine, `"writerFeatures":[]`)
}

func TestBuilder_CreateTableTwiceFails(t *testing.T) {
	ctx := context.Background()
	b, location := newTestBuilder(t)

	_, err := b.CreateTable(ctx, "t", location, nil, testColumns())
	require.NoError(t, err)

	_, err = b.CreateTable(ctx, "t", location, nil, testColumns())
	assert.ErrorIs(t, err, ErrTableExists)

	// a second builder without a cached handle sees the same log
	_, err = NewBuilder(nil, zap.NewNop()).CreateTable(ctx, "t", location, nil, testColumns())
	assert.ErrorIs(t, err, ErrTableExists)

	assert.Len(t, logObjects(t, location), 1)
}

func TestBuilder_CommitAddsThenRemove(t *testing.T) {
	ctx := context.Background()
	b, location := newTestBuilder(t)

	_, err := b.CreateTable(ctx, "t", location, nil, testColumns())
	require.NoError(t, err)

	rows := int64(10)
	adds := []model.FileAction{
		model.AddFile("part-0.parquet", 100),
		model.AddFile("part-1.parquet", 200),
		{Kind: model.FileActionAdd, Path: "part-2.parquet", SizeBytes: 300, NumRecords: &rows},
	}
	snapshot, err := b.CommitFileActions(ctx, location, nil, adds)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.Version())
	assert.Equal(t, 3, snapshot.NumFiles())

	actions := readEntry(t, location, 1)
	require.Len(t, actions, 4)
	require.NotNil(t, actions[0].CommitInfo)
	assert.Equal(t, OperationWrite, actions[0].CommitInfo.Operation)
	assert.Equal(t, ModeAppend, actions[0].CommitInfo.OperationParameters["mode"])
	for i, action := range actions[1:] {
		require.NotNil(t, action.Add)
		assert.Equal(t, adds[i].Path, action.Add.Path)
		assert.Equal(t, adds[i].SizeBytes, action.Add.Size)
		assert.True(t, action.Add.DataChange)
	}

	// a fresh handle replays the same state
	reopened, err := NewBuilder(nil, zap.NewNop()).Snapshot(ctx, location, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reopened.Version())
	assert.Equal(t, 3, reopened.NumFiles())

	total, complete := reopened.NumRecords()
	assert.Equal(t, int64(10), total)
	assert.False(t, complete)

	snapshot, err = b.CommitFileActions(ctx, location, nil, []model.FileAction{model.RemoveFile("part-1.parquet")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), snapshot.Version())

	actions = readEntry(t, location, 2)
	require.Len(t, actions, 2)
	require.NotNil(t, actions[1].Remove)
	assert.Equal(t, "part-1.parquet", actions[1].Remove.Path)
	assert.True(t, actions[1].Remove.DataChange)

	reopened, err = NewBuilder(nil, zap.NewNop()).Snapshot(ctx, location, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reopened.Version())
	files := reopened.Files()
	require.Len(t, files, 2)
	assert.Equal(t, "part-0.parquet", files[0].Path)
	assert.Equal(t, "part-2.parquet", files[1].Path)
	_, ok := reopened.File("part-1.parquet")
	assert.False(t, ok)
}

func TestBuilder_CommitSeesWritesFromOtherBuilders(t *testing.T) {
	ctx := context.Background()
	first, location := newTestBuilder(t)
	second := NewBuilder(nil, zap.NewNop())

	_, err := first.CreateTable(ctx, "t", location, nil, nil)
	require.NoError(t, err)

	_, err = second.CommitFileActions(ctx, location, nil, []model.FileAction{model.AddFile("a.parquet", 1)})
	require.NoError(t, err)

	// first still caches version 0 and must refresh before committing
	snapshot, err := first.CommitFileActions(ctx, location, nil, []model.FileAction{model.AddFile("b.parquet", 1)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), snapshot.Version())
	assert.Equal(t, 2, snapshot.NumFiles())
}

func TestTable_CommitOnStaleHandle(t *testing.T) {
	ctx := context.Background()
	b, location := newTestBuilder(t)
	_, err := b.CreateTable(ctx, "t", location, nil, nil)
	require.NoError(t, err)

	store, err := objectstore.NewLocalStore(location)
	require.NoError(t, err)
	stale, err := LoadTable(ctx, store)
	require.NoError(t, err)

	_, err = b.CommitFileActions(ctx, location, nil, []model.FileAction{model.AddFile("a.parquet", 1)})
	require.NoError(t, err)

	_, err = stale.Commit(ctx, store, []Action{{Add: &Add{Path: "b.parquet", DataChange: true}}})
	assert.ErrorIs(t, err, ErrConcurrentCommit)
	assert.Equal(t, int64(0), stale.Snapshot().Version())
}

func TestBuilder_CommitErrors(t *testing.T) {
	ctx := context.Background()
	b, location := newTestBuilder(t)

	_, err := b.CommitFileActions(ctx, location, nil, []model.FileAction{model.AddFile("a.parquet", 1)})
	assert.ErrorIs(t, err, ErrTableNotFound)

	_, err = b.CommitFileActions(ctx, location, nil, nil)
	assert.ErrorIs(t, err, ErrNoActions)

	_, err = b.CreateTable(ctx, "t", location, nil, nil)
	require.NoError(t, err)

	_, err = b.CommitFileActions(ctx, location, nil, []model.FileAction{{Kind: 9, Path: "x"}})
	assert.Error(t, err)
	_, err = b.CommitFileActions(ctx, location, nil, []model.FileAction{model.AddFile("", 1)})
	assert.Error(t, err)

	snapshot, err := b.Snapshot(ctx, location, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snapshot.Version(), "rejected batches must not write entries")
}

func TestBuilder_CommitTxn(t *testing.T) {
	ctx := context.Background()
	b, location := newTestBuilder(t)
	_, err := b.CreateTable(ctx, "t", location, nil, nil)
	require.NoError(t, err)

	_, err = b.CommitTxn(ctx, location, nil, EngineInfo, 42)
	require.NoError(t, err)
	_, err = b.CommitTxn(ctx, location, nil, EngineInfo, 57)
	require.NoError(t, err)

	snapshot, err := NewBuilder(nil, zap.NewNop()).Snapshot(ctx, location, nil)
	require.NoError(t, err)
	v, ok := snapshot.TxnVersion(EngineInfo)
	require.True(t, ok)
	assert.Equal(t, int64(57), v)
	assert.Equal(t, int64(2), snapshot.Version())
}

func TestBuilder_DeleteTable(t *testing.T) {
	ctx := context.Background()
	b, location := newTestBuilder(t)
	_, err := b.CreateTable(ctx, "t", location, nil, nil)
	require.NoError(t, err)

	require.NoError(t, b.DeleteTable(ctx, location, nil))

	_, err = b.Snapshot(ctx, location, nil)
	assert.ErrorIs(t, err, ErrTableNotFound)

	_, err = b.CreateTable(ctx, "t", location, nil, nil)
	assert.NoError(t, err, "a dropped location can be recreated")
}

func TestLoadTable_MissingVersionIsCorrupt(t *testing.T) {
	ctx := context.Background()
	location := t.TempDir()
	store, err := objectstore.NewLocalStore(location)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, LogKey(1), []byte(`{"commitInfo":{"operation":"WRITE"}}`+"\n")))

	_, err = LoadTable(ctx, store)
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestDataType_ArrayJSON(t *testing.T) {
	typ := ArrayType(IntegerType, true)
	data, err := json.Marshal(typ)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"array","elementType":"integer","containsNull":true}`, string(data))

	var decoded DataType
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, typ, decoded)

	elem, ok := decoded.Element()
	require.True(t, ok)
	assert.Equal(t, IntegerType, elem)
	assert.Equal(t, "array<integer>", decoded.String())

	_, err = json.Marshal(DataType{})
	assert.Error(t, err)
}
