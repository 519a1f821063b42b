package deltalog

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/lakelink/internal/model"
	"github.com/devrev/lakelink/internal/storage/objectstore"
)

// StoreOpener opens the object store rooted at a table location
type StoreOpener func(ctx context.Context, location string, opts objectstore.Options) (objectstore.Store, error)

// Builder creates tables and appends file actions to their logs. It keeps one
// in-memory handle per location and refreshes it after every commit.
// Callers must ensure a single writer per location.
type Builder struct {
	open   StoreOpener
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	tables map[string]*Table
}

// NewBuilder creates a builder. A nil opener uses objectstore.Open.
func NewBuilder(open StoreOpener, logger *zap.Logger) *Builder {
	if open == nil {
		open = objectstore.Open
	}
	return &Builder{
		open:   open,
		logger: logger,
		now:    time.Now,
		tables: make(map[string]*Table),
	}
}

// CreateTable writes version 0 with protocol, metadata and commit info.
// It returns ErrTableExists if any log entry is already present.
func (b *Builder) CreateTable(ctx context.Context, name, location string, opts objectstore.Options, fields []StructField) (*Snapshot, error) {
	store, err := b.open(ctx, location, opts)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	exists, err := hasEntries(ctx, store)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrTableExists
	}

	now := b.now().UnixMilli()
	schema := NewSchema(fields)
	actions := []Action{
		{Protocol: &Protocol{
			MinReaderVersion: MinReaderVersion,
			MinWriterVersion: MinWriterVersion,
			ReaderFeatures:   []string{},
			WriterFeatures:   []string{},
		}},
		{Metadata: &Metadata{
			ID:               uuid.NewString(),
			Name:             name,
			Format:           Format{Provider: "parquet", Options: map[string]string{}},
			SchemaString:     schema.String(),
			PartitionColumns: []string{},
			CreatedTime:      now,
			Configuration:    map[string]string{},
		}},
		{CommitInfo: &CommitInfo{
			Timestamp:           now,
			Operation:           OperationCreateTable,
			OperationParameters: map[string]string{"mode": "ErrorIfExists", "location": location},
			EngineInfo:          EngineInfo,
			TxnID:               uuid.NewString(),
		}},
	}

	table := &Table{location: location, snapshot: newSnapshot()}
	snapshot, err := table.Commit(ctx, store, actions)
	if err != nil {
		if stderrors.Is(err, ErrConcurrentCommit) {
			return nil, ErrTableExists
		}
		return nil, err
	}

	b.mu.Lock()
	b.tables[location] = table
	b.mu.Unlock()

	b.logger.Info("Created table log",
		zap.String("name", name),
		zap.String("location", location),
		zap.Int("columns", len(fields)))
	return snapshot, nil
}

// CommitFileActions appends one WRITE/Append entry carrying actions in order
func (b *Builder) CommitFileActions(ctx context.Context, location string, opts objectstore.Options, actions []model.FileAction) (*Snapshot, error) {
	if len(actions) == 0 {
		return nil, ErrNoActions
	}

	now := b.now().UnixMilli()
	entry := make([]Action, 0, len(actions)+1)
	entry = append(entry, Action{CommitInfo: &CommitInfo{
		Timestamp:           now,
		Operation:           OperationWrite,
		OperationParameters: map[string]string{"mode": ModeAppend},
		EngineInfo:          EngineInfo,
		TxnID:               uuid.NewString(),
	}})
	for _, fa := range actions {
		action, err := fileAction(fa, now)
		if err != nil {
			return nil, err
		}
		entry = append(entry, action)
	}

	return b.commit(ctx, location, opts, entry)
}

// CommitTxn appends an entry recording version for appID
func (b *Builder) CommitTxn(ctx context.Context, location string, opts objectstore.Options, appID string, version int64) (*Snapshot, error) {
	now := b.now().UnixMilli()
	entry := []Action{
		{CommitInfo: &CommitInfo{
			Timestamp:           now,
			Operation:           OperationTxn,
			OperationParameters: map[string]string{"appId": appID, "version": fmt.Sprint(version)},
			EngineInfo:          EngineInfo,
			TxnID:               uuid.NewString(),
		}},
		{Txn: &Txn{AppID: appID, Version: version, LastUpdated: now}},
	}
	return b.commit(ctx, location, opts, entry)
}

// Snapshot returns the latest snapshot of the table at location
func (b *Builder) Snapshot(ctx context.Context, location string, opts objectstore.Options) (*Snapshot, error) {
	store, err := b.open(ctx, location, opts)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	table, err := b.table(ctx, location, store)
	if err != nil {
		return nil, err
	}
	return table.Snapshot(), nil
}

// DeleteTable removes every object under location and forgets its handle
func (b *Builder) DeleteTable(ctx context.Context, location string, opts objectstore.Options) error {
	b.Forget(location)

	store, err := b.open(ctx, location, opts)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.DeletePrefix(ctx, "")
}

// Forget drops the cached handle for location
func (b *Builder) Forget(location string) {
	b.mu.Lock()
	delete(b.tables, location)
	b.mu.Unlock()
}

func (b *Builder) commit(ctx context.Context, location string, opts objectstore.Options, entry []Action) (*Snapshot, error) {
	store, err := b.open(ctx, location, opts)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	table, err := b.table(ctx, location, store)
	if err != nil {
		return nil, err
	}

	snapshot, err := table.Commit(ctx, store, entry)
	if err != nil {
		if stderrors.Is(err, ErrConcurrentCommit) {
			// the handle is stale; the next caller reloads
			b.Forget(location)
		}
		return nil, err
	}

	b.logger.Debug("Committed log entry",
		zap.String("location", location),
		zap.Int64("version", snapshot.Version()),
		zap.Int("actions", len(entry)))
	return snapshot, nil
}

// table returns the cached handle refreshed against the store, loading it on first use
func (b *Builder) table(ctx context.Context, location string, store objectstore.Store) (*Table, error) {
	b.mu.Lock()
	table, ok := b.tables[location]
	b.mu.Unlock()

	if ok {
		if err := table.Update(ctx, store); err != nil {
			return nil, err
		}
		return table, nil
	}

	table, err := LoadTable(ctx, store)
	if err != nil {
		return nil, err
	}
	table.location = location

	b.mu.Lock()
	b.tables[location] = table
	b.mu.Unlock()
	return table, nil
}

func fileAction(fa model.FileAction, now int64) (Action, error) {
	if fa.Path == "" {
		return Action{}, fmt.Errorf("file action has empty path")
	}

	switch fa.Kind {
	case model.FileActionAdd:
		add := &Add{
			Path:             fa.Path,
			PartitionValues:  map[string]string{},
			Size:             fa.SizeBytes,
			ModificationTime: now,
			DataChange:       true,
		}
		if fa.NumRecords != nil {
			stats, err := json.Marshal(FileStats{NumRecords: *fa.NumRecords})
			if err != nil {
				return Action{}, err
			}
			add.Stats = string(stats)
		}
		return Action{Add: add}, nil
	case model.FileActionRemove:
		return Action{Remove: &Remove{Path: fa.Path, DeletionTimestamp: now, DataChange: true}}, nil
	default:
		return Action{}, fmt.Errorf("unknown file action kind %d", fa.Kind)
	}
}
