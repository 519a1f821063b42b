package objectstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_PutGetStat(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotExist)

	require.NoError(t, store.Put(ctx, "a/b/c.json", []byte("hello")))
	data, err := store.Get(ctx, "a/b/c.json")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	info, err := store.Stat(ctx, "a/b/c.json")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, "a/b/c.json", info.Key)

	_, err = store.Stat(ctx, "a/b")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestLocalStore_PutIfAbsent(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.PutIfAbsent(ctx, "_log/0.json", []byte("first")))
	err = store.PutIfAbsent(ctx, "_log/0.json", []byte("second"))
	assert.ErrorIs(t, err, ErrExist)

	data, err := store.Get(ctx, "_log/0.json")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	objects, err := store.List(ctx, "_log/")
	require.NoError(t, err)
	require.Len(t, objects, 1, "temp files must not be left behind")
}

func TestLocalStore_PutIfAbsentRace(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.PutIfAbsent(ctx, "v1", []byte("x")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestLocalStore_ListAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"_log/2.json", "_log/1.json", "data/part-0.parquet"} {
		require.NoError(t, store.Put(ctx, key, []byte(key)))
	}

	objects, err := store.List(ctx, "_log/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "_log/1.json", objects[0].Key)
	assert.Equal(t, "_log/2.json", objects[1].Key)

	require.NoError(t, store.DeletePrefix(ctx, "_log/"))
	objects, err = store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "data/part-0.parquet", objects[0].Key)
}

func TestLocalStore_ListMissingRoot(t *testing.T) {
	store, err := NewLocalStore(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)

	objects, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestOpen_SelectsStoreByScheme(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	store, err = Open(context.Background(), "file://"+dir, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	_, err = Open(context.Background(), "ftp://host/path", nil)
	assert.Error(t, err)

	_, err = Open(context.Background(), "az://container/path", Options{})
	assert.Error(t, err, "azure requires account credentials")
}

func TestRelativeKey(t *testing.T) {
	tests := []struct {
		name     string
		location string
		path     string
		want     string
		wantErr  bool
	}{
		{"relative", "/lake/1/2", "part-0.parquet", "part-0.parquet", false},
		{"nested relative", "/lake/1/2", "x/../part-0.parquet", "part-0.parquet", false},
		{"absolute inside", "/lake/1/2", "/lake/1/2/data/p.parquet", "data/p.parquet", false},
		{"uri inside", "s3://b/lake/1/2", "s3://b/lake/1/2/p.parquet", "p.parquet", false},
		{"absolute outside", "/lake/1/2", "/other/p.parquet", "", true},
		{"uri outside", "s3://b/lake/1/2", "s3://c/p.parquet", "", true},
		{"escape", "/lake/1/2", "../3/p.parquet", "", true},
		{"empty", "/lake/1/2", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RelativeKey(tt.location, tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "/lake/1/2", Join("/lake", "1", "2"))
	assert.Equal(t, "s3://bucket/lake/1/2", Join("s3://bucket/lake", "1", "2"))
	assert.Equal(t, "s3://bucket/1", Join("s3://bucket", "1"))
}

func TestOptions_Bool(t *testing.T) {
	opts := Options{OptionAllowUnsafeRename: "true", "bad": "maybe"}
	assert.True(t, opts.Bool(OptionAllowUnsafeRename))
	assert.False(t, opts.Bool("bad"))
	assert.False(t, opts.Bool("unset"))
}
