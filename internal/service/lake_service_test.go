package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/lakelink/internal/errors"
	"github.com/devrev/lakelink/internal/model"
	"github.com/devrev/lakelink/internal/storage/catalog"
	"github.com/devrev/lakelink/internal/storage/deltalog"
	"github.com/devrev/lakelink/internal/storage/objectstore"
)

const loopbackURI = "postgresql:///app?host=%2Ftmp&port=5432&user=app"

type fakeColumns struct {
	mu      sync.Mutex
	columns []model.ColumnSpec
	err     error
	uris    []string
}

func (f *fakeColumns) Columns(_ context.Context, uri, _ string) ([]model.ColumnSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uris = append(f.uris, uri)
	return f.columns, f.err
}

type fakeCounter struct {
	mu   sync.Mutex
	rows map[string]int64
}

func (f *fakeCounter) CountRows(_ context.Context, uri string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.rows[filepath.Base(uri)]
	if !ok {
		return 0, stderrors.New("not a parquet file")
	}
	return n, nil
}

type lakeFixture struct {
	svc     *LakeService
	catalog *catalog.Catalog
	root    string
	counter *fakeCounter
	columns *fakeColumns
}

func newLakeFixture(t *testing.T) *lakeFixture {
	t.Helper()
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	f := &lakeFixture{
		catalog: cat,
		root:    filepath.Join(dir, "tables"),
		counter: &fakeCounter{rows: map[string]int64{}},
		columns: &fakeColumns{columns: []model.ColumnSpec{
			{Name: "id", TypeName: "bigint"},
			{Name: "tags", TypeName: "text[]"},
		}},
	}
	f.svc = NewLakeService(&LakeConfig{StorageRoot: f.root, StatConcurrency: 2}, LakeDeps{
		Catalog: cat,
		Columns: f.columns,
		Counter: f.counter,
	}, zap.NewNop())
	return f
}

// writeDataFile creates a data file under the table location
func (f *lakeFixture) writeDataFile(t *testing.T, id model.TableIdentity, name string, rows int64) {
	t.Helper()
	path := filepath.Join(f.svc.Location(id), name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 16)), 0644))
	if rows >= 0 {
		f.counter.mu.Lock()
		f.counter.rows[name] = rows
		f.counter.mu.Unlock()
	}
}

func (f *lakeFixture) tableSchema(t *testing.T, location string) deltalog.Schema {
	t.Helper()
	snapshot, err := deltalog.NewBuilder(nil, zap.NewNop()).Snapshot(context.Background(), location, nil)
	require.NoError(t, err)
	schema, err := snapshot.Metadata().Schema()
	require.NoError(t, err)
	return schema
}

func (f *lakeFixture) table(t *testing.T, id model.TableIdentity) model.TableInfo {
	t.Helper()
	tables, err := f.svc.ListTables(context.Background())
	require.NoError(t, err)
	for _, info := range tables {
		if info.Identity == id {
			return info
		}
	}
	t.Fatalf("table %s not listed", id)
	return model.TableInfo{}
}

func TestLakeService_CreateTable(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)

	require.NoError(t, f.svc.CreateTable(ctx, tableA, "", "public.orders", "postgres://src"))

	info := f.table(t, tableA)
	assert.Equal(t, "public.orders", info.Name)
	assert.Equal(t, filepath.Join(f.root, "1", "10"), info.StorageLocation)
	assert.Equal(t, uint64(0), info.Cardinality)
	assert.Nil(t, info.FlushLSN)

	schema := f.tableSchema(t, info.StorageLocation)
	require.Len(t, schema.Fields, 2)
	assert.Equal(t, deltalog.LongType, schema.Fields[0].Type)
	assert.Equal(t, deltalog.ArrayType(deltalog.StringType, true), schema.Fields[1].Type)
}

func TestLakeService_CreateTableWithLoopbackURI(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)

	require.NoError(t, f.svc.CreateTable(ctx, tableA, loopbackURI, "public.orders", loopbackURI))

	entry, err := f.catalog.Get(ctx, tableA)
	require.NoError(t, err)
	assert.Equal(t, f.svc.Location(tableA), entry.Location)
	assert.Equal(t, loopbackURI, entry.DestinationURI)
	assert.Equal(t, loopbackURI, entry.SourceURI)

	snapshot, err := f.svc.builder.Snapshot(ctx, entry.Location, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snapshot.Version())
}

func TestLakeService_CreateTableSourceFallsBackToDestination(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)

	require.NoError(t, f.svc.CreateTable(ctx, tableA, loopbackURI, "public.orders", ""))
	assert.Equal(t, []string{loopbackURI}, f.columns.uris)

	entry, err := f.catalog.Get(ctx, tableA)
	require.NoError(t, err)
	assert.Equal(t, loopbackURI, entry.SourceURI)

	schema := f.tableSchema(t, entry.Location)
	assert.Len(t, schema.Fields, 2)
}

func TestLakeService_CreateTableRequiresSource(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)

	err := f.svc.CreateTable(ctx, tableA, "", "public.orders", "")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	err = f.svc.CreateTable(ctx, tableA, loopbackURI, "", "")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	assert.Empty(t, f.columns.uris)
	_, err = f.catalog.Get(ctx, tableA)
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	// without a column source no table is written with an empty schema
	f.svc.columns = nil
	err = f.svc.CreateTable(ctx, tableA, loopbackURI, "public.orders", "")
	assert.Equal(t, errors.ErrCodeUnavailable, errors.GetCode(err))
	_, err = os.Stat(f.svc.Location(tableA))
	assert.True(t, os.IsNotExist(err))
}

func TestLakeService_CreateTableAlreadyExists(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)

	require.NoError(t, f.svc.CreateTable(ctx, tableA, loopbackURI, "t", ""))
	err := f.svc.CreateTable(ctx, tableA, loopbackURI, "t", "")
	assert.Equal(t, errors.ErrCodeAlreadyExists, errors.GetCode(err))

	// a log left at the table location by someone else is also a conflict,
	// and the catalog row is rolled back
	_, err = deltalog.NewBuilder(nil, zap.NewNop()).CreateTable(ctx, "foreign", f.svc.Location(tableB), nil, nil)
	require.NoError(t, err)

	err = f.svc.CreateTable(ctx, tableB, loopbackURI, "t", "")
	assert.Equal(t, errors.ErrCodeAlreadyExists, errors.GetCode(err))
	_, err = f.catalog.Get(ctx, tableB)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestLakeService_CreateTableSourceUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)
	f.columns.err = stderrors.New("connection refused")

	err := f.svc.CreateTable(ctx, tableA, "", "t", "postgres://src")
	assert.Equal(t, errors.ErrCodeUnavailable, errors.GetCode(err))

	tables, err := f.svc.ListTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestLakeService_DropTableIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)

	assert.NoError(t, f.svc.DropTable(ctx, tableA))

	require.NoError(t, f.svc.CreateTable(ctx, tableA, loopbackURI, "t", ""))
	require.NoError(t, f.svc.DropTable(ctx, tableA))
	assert.NoError(t, f.svc.DropTable(ctx, tableA))

	_, err := os.Stat(f.svc.Location(tableA))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, f.svc.CreateTable(ctx, tableA, loopbackURI, "t", ""), "a dropped table can be recreated")
}

func TestLakeService_LoadFilesThenRemove(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)
	require.NoError(t, f.svc.CreateTable(ctx, tableA, loopbackURI, "t", ""))

	f.writeDataFile(t, tableA, "part-0.parquet", 10)
	f.writeDataFile(t, tableA, "part-1.parquet", 20)
	f.writeDataFile(t, tableA, "part-2.parquet", 30)

	abs := filepath.Join(f.svc.Location(tableA), "part-2.parquet")
	require.NoError(t, f.svc.LoadFiles(ctx, tableA, []string{"part-0.parquet", "part-1.parquet", abs}))

	info := f.table(t, tableA)
	assert.Equal(t, uint64(60), info.Cardinality)

	snapshot, err := deltalog.NewBuilder(nil, zap.NewNop()).Snapshot(ctx, info.StorageLocation, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.Version(), "one load is one log version")
	assert.Equal(t, 3, snapshot.NumFiles())

	require.NoError(t, os.Remove(filepath.Join(f.svc.Location(tableA), "part-1.parquet")))
	require.NoError(t, f.svc.OptimizeTable(ctx, tableA, "data"))

	info = f.table(t, tableA)
	assert.Equal(t, uint64(40), info.Cardinality)

	snapshot, err = deltalog.NewBuilder(nil, zap.NewNop()).Snapshot(ctx, info.StorageLocation, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snapshot.Version())
	_, ok := snapshot.File("part-1.parquet")
	assert.False(t, ok)
}

func TestLakeService_CardinalityRefreshWaitsForCommit(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)
	require.NoError(t, f.svc.CreateTable(ctx, tableA, loopbackURI, "t", ""))
	f.writeDataFile(t, tableA, "part-0.parquet", 5)
	require.NoError(t, f.svc.LoadFiles(ctx, tableA, []string{"part-0.parquet"}))

	entry, err := f.catalog.Get(ctx, tableA)
	require.NoError(t, err)

	// hold the table lock the way an in-flight commit does
	unlock := f.svc.lock(tableA)
	done := make(chan uint64, 1)
	go func() {
		rows, err := f.svc.Cardinality(ctx, entry)
		assert.NoError(t, err)
		done <- rows
	}()

	select {
	case <-done:
		t.Fatal("cardinality refreshed while the table was locked")
	case <-time.After(50 * time.Millisecond):
	}

	f.writeDataFile(t, tableA, "part-1.parquet", 7)
	added := model.AddFile("part-1.parquet", 16)
	rows := int64(7)
	added.NumRecords = &rows
	_, err = f.svc.builder.CommitFileActions(ctx, entry.Location, f.svc.storageOptions(), []model.FileAction{added})
	require.NoError(t, err)
	f.svc.cardinality.Invalidate(tableA)
	unlock()

	assert.Equal(t, uint64(12), <-done)
	cached, _, ok := f.svc.cardinality.Get(tableA)
	require.True(t, ok)
	assert.Equal(t, uint64(12), cached)
}

func TestLakeService_LoadFilesErrors(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)

	err := f.svc.LoadFiles(ctx, tableA, []string{"a.parquet"})
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))

	require.NoError(t, f.svc.CreateTable(ctx, tableA, loopbackURI, "t", ""))
	assert.NoError(t, f.svc.LoadFiles(ctx, tableA, nil))

	err = f.svc.LoadFiles(ctx, tableA, []string{"missing.parquet"})
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))

	err = f.svc.LoadFiles(ctx, tableA, []string{"/elsewhere/a.parquet"})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	f.writeDataFile(t, tableA, "a.parquet", 1)
	err = f.svc.LoadFiles(ctx, tableA, []string{"a.parquet", "./a.parquet"})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	snapshot, err := f.svc.builder.Snapshot(ctx, f.svc.Location(tableA), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snapshot.Version(), "failed loads must not commit")
}

func TestLakeService_LoadFilesWithoutRowCounts(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)
	require.NoError(t, f.svc.CreateTable(ctx, tableA, loopbackURI, "t", ""))

	f.writeDataFile(t, tableA, "counted.parquet", 5)
	f.writeDataFile(t, tableA, "opaque.bin", -1)
	require.NoError(t, f.svc.LoadFiles(ctx, tableA, []string{"counted.parquet", "opaque.bin"}))

	assert.Equal(t, uint64(5), f.table(t, tableA).Cardinality)
}

func TestLakeService_CreateSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)

	err := f.svc.CreateSnapshot(ctx, tableA, 10)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))

	require.NoError(t, f.svc.CreateTable(ctx, tableA, loopbackURI, "t", ""))
	require.NoError(t, f.svc.CreateSnapshot(ctx, tableA, 10))

	info := f.table(t, tableA)
	require.NotNil(t, info.FlushLSN)
	assert.Equal(t, uint64(10), *info.FlushLSN)
	assert.Equal(t, uint64(10), info.CommitLSN)

	// stale and repeated LSNs do not write log entries
	require.NoError(t, f.svc.CreateSnapshot(ctx, tableA, 10))
	require.NoError(t, f.svc.CreateSnapshot(ctx, tableA, 5))

	snapshot, err := f.svc.builder.Snapshot(ctx, info.StorageLocation, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.Version())
	v, ok := snapshot.TxnVersion(SnapshotAppID)
	require.True(t, ok)
	assert.Equal(t, int64(10), v)
}

func TestLakeService_ScanTable(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)
	require.NoError(t, f.svc.CreateTable(ctx, tableA, loopbackURI, "t", ""))
	f.writeDataFile(t, tableA, "part-0.parquet", 7)
	require.NoError(t, f.svc.LoadFiles(ctx, tableA, []string{"part-0.parquet"}))

	data, err := f.svc.ScanTable(ctx, tableA, 99)
	require.NoError(t, err)

	var state model.ScanState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, uint32(1), state.DatabaseID)
	assert.Equal(t, uint32(10), state.TableID)
	assert.Equal(t, uint64(99), state.LSN)
	assert.Equal(t, int64(1), state.Version)
	require.Len(t, state.Files, 1)
	assert.Equal(t, "part-0.parquet", state.Files[0].Path)
	require.NotNil(t, state.Files[0].NumRecords)
	assert.Equal(t, int64(7), *state.Files[0].NumRecords)

	assert.Equal(t, uint64(99), f.table(t, tableA).CommitLSN)

	// commit LSN never moves backwards
	_, err = f.svc.ScanTable(ctx, tableA, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), f.table(t, tableA).CommitLSN)

	_, err = f.svc.ScanTable(ctx, tableB, 1)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))
}

func TestLakeService_OptimizeModes(t *testing.T) {
	ctx := context.Background()
	f := newLakeFixture(t)
	require.NoError(t, f.svc.CreateTable(ctx, tableA, loopbackURI, "t", ""))

	err := f.svc.OptimizeTable(ctx, tableA, "vacuum")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	for _, mode := range []string{"data", "index", "full"} {
		assert.NoError(t, f.svc.OptimizeTable(ctx, tableA, mode), mode)
	}

	entry, err := f.catalog.Get(ctx, tableA)
	require.NoError(t, err)
	require.NotNil(t, entry.OptimizedAt)
	assert.WithinDuration(t, time.Now(), *entry.OptimizedAt, time.Minute)

	err = f.svc.OptimizeTable(ctx, tableB, "full")
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))
}

func TestLakeService_StorageOptionsAlwaysAllowUnsafeRename(t *testing.T) {
	var seen []objectstore.Options
	var mu sync.Mutex
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"), zap.NewNop())
	require.NoError(t, err)
	defer cat.Close()

	svc := NewLakeService(&LakeConfig{
		StorageRoot:    filepath.Join(dir, "tables"),
		StorageOptions: map[string]string{"aws_region": "eu-west-1"},
	}, LakeDeps{
		Catalog: cat,
		Columns: &fakeColumns{},
		Opener: func(ctx context.Context, location string, opts objectstore.Options) (objectstore.Store, error) {
			mu.Lock()
			seen = append(seen, opts)
			mu.Unlock()
			return objectstore.Open(ctx, location, opts)
		},
	}, zap.NewNop())

	require.NoError(t, svc.CreateTable(context.Background(), tableA, loopbackURI, "t", ""))

	require.NotEmpty(t, seen)
	for _, opts := range seen {
		assert.Equal(t, "true", opts[objectstore.OptionAllowUnsafeRename])
		assert.Equal(t, "eu-west-1", opts["aws_region"])
	}
	_, leaked := svc.config.StorageOptions[objectstore.OptionAllowUnsafeRename]
	assert.False(t, leaked)
}
