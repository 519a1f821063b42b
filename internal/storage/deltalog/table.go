package deltalog

import (
	"context"
	stderrors "errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"sync"

	"github.com/devrev/lakelink/internal/storage/objectstore"
)

// LogDir is the log directory relative to the table location
const LogDir = "_delta_log"

var (
	ErrTableExists      = stderrors.New("deltalog: table already exists")
	ErrTableNotFound    = stderrors.New("deltalog: table not found")
	ErrConcurrentCommit = stderrors.New("deltalog: log version already committed")
	ErrCorruptLog       = stderrors.New("deltalog: corrupt log")
	ErrNoActions        = stderrors.New("deltalog: commit has no file actions")
)

var entryName = regexp.MustCompile(`^(\d{20})\.json$`)

// LogKey returns the store key of a log version
func LogKey(version int64) string {
	return fmt.Sprintf("%s/%020d.json", LogDir, version)
}

// Table is an in-memory handle to a table's latest known snapshot
type Table struct {
	location string

	mu       sync.Mutex
	snapshot *Snapshot
}

// LoadTable replays the full log under store. It returns ErrTableNotFound
// when no entry exists.
func LoadTable(ctx context.Context, store objectstore.Store) (*Table, error) {
	versions, err := listVersions(ctx, store)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrTableNotFound
	}

	snapshot := newSnapshot()
	for i, v := range versions {
		if v != int64(i) {
			return nil, fmt.Errorf("%w: missing version %d", ErrCorruptLog, i)
		}
		if err := replay(ctx, store, snapshot, v); err != nil {
			return nil, err
		}
	}
	if snapshot.metadata == nil || snapshot.protocol == nil {
		return nil, fmt.Errorf("%w: no metadata or protocol after version %d", ErrCorruptLog, snapshot.version)
	}

	return &Table{location: store.Location(), snapshot: snapshot}, nil
}

func (t *Table) Location() string { return t.location }

// Snapshot returns the latest known snapshot
func (t *Table) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

// Update replays entries written after the current snapshot
func (t *Table) Update(ctx context.Context, store objectstore.Store) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.snapshot.clone()
	for {
		err := replay(ctx, store, next, next.version+1)
		if stderrors.Is(err, objectstore.ErrNotExist) {
			break
		}
		if err != nil {
			return err
		}
	}
	t.snapshot = next
	return nil
}

// Commit writes actions as the version after the current snapshot.
// It returns ErrConcurrentCommit when that version is already taken.
func (t *Table) Commit(ctx context.Context, store objectstore.Store, actions []Action) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	version := t.snapshot.version + 1
	data, err := EncodeEntry(actions)
	if err != nil {
		return nil, err
	}
	if err := store.PutIfAbsent(ctx, LogKey(version), data); err != nil {
		if stderrors.Is(err, objectstore.ErrExist) {
			return nil, fmt.Errorf("%w: version %d", ErrConcurrentCommit, version)
		}
		return nil, fmt.Errorf("write log version %d: %w", version, err)
	}

	next := t.snapshot.clone()
	next.apply(version, actions)
	t.snapshot = next
	return next, nil
}

func replay(ctx context.Context, store objectstore.Store, snapshot *Snapshot, version int64) error {
	data, err := store.Get(ctx, LogKey(version))
	if err != nil {
		if stderrors.Is(err, objectstore.ErrNotExist) {
			return err
		}
		return fmt.Errorf("read log version %d: %w", version, err)
	}
	actions, err := DecodeEntry(data)
	if err != nil {
		return fmt.Errorf("%w: version %d: %v", ErrCorruptLog, version, err)
	}
	snapshot.apply(version, actions)
	return nil
}

func listVersions(ctx context.Context, store objectstore.Store) ([]int64, error) {
	objects, err := store.List(ctx, LogDir+"/")
	if err != nil {
		return nil, fmt.Errorf("list log: %w", err)
	}

	var versions []int64
	for _, obj := range objects {
		m := entryName.FindStringSubmatch(path.Base(obj.Key))
		if m == nil || path.Dir(obj.Key) != LogDir {
			continue
		}
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q", ErrCorruptLog, obj.Key)
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// hasEntries reports whether any log object exists under store
func hasEntries(ctx context.Context, store objectstore.Store) (bool, error) {
	objects, err := store.List(ctx, LogDir+"/")
	if err != nil {
		return false, fmt.Errorf("list log: %w", err)
	}
	return len(objects) > 0, nil
}
