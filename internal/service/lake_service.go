package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/lakelink/internal/errors"
	"github.com/devrev/lakelink/internal/metrics"
	"github.com/devrev/lakelink/internal/model"
	"github.com/devrev/lakelink/internal/schema"
	"github.com/devrev/lakelink/internal/storage/catalog"
	"github.com/devrev/lakelink/internal/storage/deltalog"
	"github.com/devrev/lakelink/internal/storage/objectstore"
	"github.com/devrev/lakelink/internal/storage/parquetstats"
)

// SnapshotAppID identifies snapshot LSNs published in table logs
const SnapshotAppID = deltalog.EngineInfo

// LakeConfig holds lake backend configuration
type LakeConfig struct {
	StorageRoot     string
	StorageOptions  map[string]string
	StatConcurrency int
}

// LakeService owns the table catalog and drives the transaction log of every table.
// Operations on one table are serialized; different tables proceed in parallel.
type LakeService struct {
	config      *LakeConfig
	catalog     *catalog.Catalog
	builder     *deltalog.Builder
	open        deltalog.StoreOpener
	columns     schema.ColumnSource
	counter     parquetstats.RowCounter
	cardinality *CardinalityCache
	metrics     *metrics.Metrics
	logger      *zap.Logger

	locksMu sync.Mutex
	locks   map[model.TableIdentity]*sync.Mutex
}

// LakeDeps groups the collaborators of LakeService. Counter is optional;
// without Columns no table can be created.
type LakeDeps struct {
	Catalog     *catalog.Catalog
	Opener      deltalog.StoreOpener
	Columns     schema.ColumnSource
	Counter     parquetstats.RowCounter
	Cardinality *CardinalityCache
	Metrics     *metrics.Metrics
}

// NewLakeService creates the backend
func NewLakeService(cfg *LakeConfig, deps LakeDeps, logger *zap.Logger) *LakeService {
	if cfg.StatConcurrency <= 0 {
		cfg.StatConcurrency = 8
	}
	open := deps.Opener
	if open == nil {
		open = objectstore.Open
	}
	cardinality := deps.Cardinality
	if cardinality == nil {
		cardinality = NewCardinalityCache(&CardinalityCacheConfig{TTL: time.Minute}, deps.Metrics, logger)
	}

	return &LakeService{
		config:      cfg,
		catalog:     deps.Catalog,
		builder:     deltalog.NewBuilder(open, logger),
		open:        open,
		columns:     deps.Columns,
		counter:     deps.Counter,
		cardinality: cardinality,
		metrics:     deps.Metrics,
		logger:      logger,
		locks:       make(map[model.TableIdentity]*sync.Mutex),
	}
}

// CreateTable registers a table and writes its initial log entry at
// <root>/<database_id>/<table_id>. destinationURI and sourceURI are
// connection URIs of the owning and source databases; columns are read from
// sourceTable through sourceURI, or through destinationURI when no source URI
// is given.
func (s *LakeService) CreateTable(ctx context.Context, id model.TableIdentity, destinationURI, sourceTable, sourceURI string) error {
	if sourceURI == "" {
		sourceURI = destinationURI
	}
	if sourceURI == "" {
		return errors.InvalidArgument("no connection uri to read source columns from", nil)
	}
	if sourceTable == "" {
		return errors.InvalidArgument("source table is required", nil)
	}
	if s.columns == nil {
		return errors.Unavailable("no column source configured", nil)
	}

	unlock := s.lock(id)
	defer unlock()

	location := s.Location(id)
	name := sourceTable

	columns, err := s.columns.Columns(ctx, sourceURI, sourceTable)
	if err != nil {
		return errors.Unavailable("failed to read source table columns", err).
			WithDetail("table", sourceTable)
	}

	err = s.catalog.Insert(ctx, catalog.Entry{
		Identity:       id,
		Name:           name,
		Location:       location,
		DestinationURI: destinationURI,
		SourceTable:    sourceTable,
		SourceURI:      sourceURI,
	})
	if stderrors.Is(err, catalog.ErrExists) {
		return errors.TableAlreadyExists(id.String(), location)
	}
	if err != nil {
		return errors.StorageFailed("failed to register table", err)
	}

	start := time.Now()
	_, err = s.builder.CreateTable(ctx, name, location, s.storageOptions(), schema.MapColumns(columns))
	s.recordCommit(deltalog.OperationCreateTable, err, start, 0, 0)
	if err != nil {
		if _, rbErr := s.catalog.Delete(ctx, id); rbErr != nil {
			s.logger.Error("Failed to roll back catalog entry",
				zap.Uint32("database_id", id.DatabaseID),
				zap.Uint32("table_id", id.TableID),
				zap.Error(rbErr))
		}
		if stderrors.Is(err, deltalog.ErrTableExists) {
			return errors.TableAlreadyExists(id.String(), location)
		}
		return errors.StorageFailed("failed to create table log", err).WithDetail("location", location)
	}

	if s.metrics != nil {
		s.metrics.TablesTotal.Inc()
	}
	s.logger.Info("Table created",
		zap.Uint32("database_id", id.DatabaseID),
		zap.Uint32("table_id", id.TableID),
		zap.String("location", location),
		zap.Int("columns", len(columns)))
	return nil
}

// DropTable removes a table's data and registration. Dropping an unknown table succeeds.
func (s *LakeService) DropTable(ctx context.Context, id model.TableIdentity) error {
	unlock := s.lock(id)
	defer unlock()

	entry, err := s.catalog.Get(ctx, id)
	if stderrors.Is(err, catalog.ErrNotFound) {
		s.logger.Debug("Drop of unknown table ignored",
			zap.Uint32("database_id", id.DatabaseID),
			zap.Uint32("table_id", id.TableID))
		return nil
	}
	if err != nil {
		return errors.StorageFailed("failed to read catalog", err)
	}

	if err := s.builder.DeleteTable(ctx, entry.Location, s.storageOptions()); err != nil {
		return errors.StorageFailed("failed to delete table data", err).WithDetail("location", entry.Location)
	}
	if _, err := s.catalog.Delete(ctx, id); err != nil {
		return errors.StorageFailed("failed to unregister table", err)
	}
	s.cardinality.Invalidate(id)

	if s.metrics != nil {
		s.metrics.TablesTotal.Dec()
	}
	s.logger.Info("Table dropped",
		zap.Uint32("database_id", id.DatabaseID),
		zap.Uint32("table_id", id.TableID),
		zap.String("location", entry.Location))
	return nil
}

// CreateSnapshot publishes lsn in the table log when it is newer than the
// last flushed LSN. Older or equal LSNs are ignored.
func (s *LakeService) CreateSnapshot(ctx context.Context, id model.TableIdentity, lsn uint64) error {
	unlock := s.lock(id)
	defer unlock()

	entry, err := s.entry(ctx, id)
	if err != nil {
		return err
	}
	if entry.FlushLSN != nil && lsn <= *entry.FlushLSN {
		return nil
	}

	start := time.Now()
	snapshot, err := s.builder.CommitTxn(ctx, entry.Location, s.storageOptions(), SnapshotAppID, int64(lsn))
	s.recordCommit(deltalog.OperationTxn, err, start, 0, 0)
	if err != nil {
		return errors.CommitFailed("failed to publish snapshot", err).WithDetail("lsn", lsn)
	}

	flush := lsn
	if err := s.catalog.SetLSNs(ctx, id, max(entry.CommitLSN, lsn), &flush); err != nil {
		return errors.StorageFailed("failed to record snapshot lsn", err)
	}

	s.logger.Debug("Snapshot published",
		zap.Uint32("database_id", id.DatabaseID),
		zap.Uint32("table_id", id.TableID),
		zap.Uint64("lsn", lsn),
		zap.Int64("version", snapshot.Version()))
	return nil
}

// ScanTable materializes the current snapshot for a scan at lsn
func (s *LakeService) ScanTable(ctx context.Context, id model.TableIdentity, lsn uint64) ([]byte, error) {
	unlock := s.lock(id)
	defer unlock()

	entry, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.builder.Snapshot(ctx, entry.Location, s.storageOptions())
	if err != nil {
		return nil, errors.StorageFailed("failed to load table snapshot", err).WithDetail("location", entry.Location)
	}

	if lsn > entry.CommitLSN {
		if err := s.catalog.SetLSNs(ctx, id, lsn, entry.FlushLSN); err != nil {
			return nil, errors.StorageFailed("failed to record commit lsn", err)
		}
	}

	state := model.ScanState{
		DatabaseID: id.DatabaseID,
		TableID:    id.TableID,
		Location:   entry.Location,
		LSN:        lsn,
		Version:    snapshot.Version(),
		Files:      make([]model.ScanFile, 0, snapshot.NumFiles()),
	}
	for _, add := range snapshot.Files() {
		file := model.ScanFile{Path: add.Path, Size: add.Size}
		if n, ok := add.NumRecords(); ok {
			file.NumRecords = &n
		}
		state.Files = append(state.Files, file)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, errors.InternalError("failed to encode scan state", err)
	}
	return data, nil
}

// ListTables returns every registered table with its cardinality and LSNs
func (s *LakeService) ListTables(ctx context.Context) ([]model.TableInfo, error) {
	entries, err := s.catalog.List(ctx)
	if err != nil {
		return nil, errors.StorageFailed("failed to list tables", err)
	}
	if s.metrics != nil {
		s.metrics.UpdateTables(len(entries))
	}

	tables := make([]model.TableInfo, 0, len(entries))
	for _, entry := range entries {
		info := model.TableInfo{
			Identity:        entry.Identity,
			Name:            entry.Name,
			CommitLSN:       entry.CommitLSN,
			FlushLSN:        entry.FlushLSN,
			StorageLocation: entry.Location,
		}
		rows, err := s.Cardinality(ctx, entry)
		if err != nil {
			s.logger.Warn("Cardinality unavailable",
				zap.Uint32("database_id", entry.Identity.DatabaseID),
				zap.Uint32("table_id", entry.Identity.TableID),
				zap.Error(err))
		}
		info.Cardinality = rows
		tables = append(tables, info)
	}
	return tables, nil
}

// Cardinality returns the row count of a table, from cache when fresh. A
// refresh holds the table lock so it cannot race a commit's invalidation.
func (s *LakeService) Cardinality(ctx context.Context, entry catalog.Entry) (uint64, error) {
	if rows, _, ok := s.cardinality.Get(entry.Identity); ok {
		return rows, nil
	}

	unlock := s.lock(entry.Identity)
	defer unlock()

	if rows, _, ok := s.cardinality.Get(entry.Identity); ok {
		return rows, nil
	}
	return s.refreshCardinality(ctx, entry)
}

// refreshCardinality must be called with the table lock held
func (s *LakeService) refreshCardinality(ctx context.Context, entry catalog.Entry) (uint64, error) {
	snapshot, err := s.builder.Snapshot(ctx, entry.Location, s.storageOptions())
	if err != nil {
		return 0, err
	}
	total, complete := snapshot.NumRecords()
	rows := uint64(max(total, 0))
	s.cardinality.Put(entry.Identity, rows, complete)
	return rows, nil
}

// LoadFiles commits existing data files to the table in one entry. Paths are
// relative to the table location or absolute URIs inside it.
func (s *LakeService) LoadFiles(ctx context.Context, id model.TableIdentity, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	unlock := s.lock(id)
	defer unlock()

	entry, err := s.entry(ctx, id)
	if err != nil {
		return err
	}

	keys := make([]string, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for i, p := range paths {
		key, err := objectstore.RelativeKey(entry.Location, p)
		if err != nil {
			return errors.InvalidArgument("invalid data file path", err).WithDetail("path", p)
		}
		if _, dup := seen[key]; dup {
			return errors.InvalidArgument(fmt.Sprintf("duplicate data file %q", p), nil)
		}
		seen[key] = struct{}{}
		keys[i] = key
	}

	store, err := s.open(ctx, entry.Location, s.storageOptions())
	if err != nil {
		return errors.StorageFailed("failed to open table storage", err)
	}
	defer store.Close()

	actions := make([]model.FileAction, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.StatConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			info, err := store.Stat(gctx, key)
			if stderrors.Is(err, objectstore.ErrNotExist) {
				return errors.NewLakeError(errors.ErrCodeNotFound, fmt.Sprintf("data file %s does not exist", key), nil)
			}
			if err != nil {
				return errors.StorageFailed("failed to stat data file", err).WithDetail("path", key)
			}

			action := model.AddFile(key, info.Size)
			action.NumRecords = s.countRows(gctx, entry.Location, key)
			actions[i] = action
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	start := time.Now()
	snapshot, err := s.builder.CommitFileActions(ctx, entry.Location, s.storageOptions(), actions)
	s.recordCommit(deltalog.OperationWrite, err, start, len(actions), 0)
	if err != nil {
		return errors.CommitFailed("failed to commit data files", err).WithDetail("location", entry.Location)
	}
	s.cardinality.Invalidate(id)

	s.logger.Info("Data files loaded",
		zap.Uint32("database_id", id.DatabaseID),
		zap.Uint32("table_id", id.TableID),
		zap.Int("files", len(actions)),
		zap.Int64("version", snapshot.Version()))
	return nil
}

// countRows returns nil when no counter is configured or counting fails
func (s *LakeService) countRows(ctx context.Context, location, key string) *int64 {
	if s.counter == nil {
		return nil
	}
	uri := objectstore.Join(location, key)
	rows, err := s.counter.CountRows(ctx, uri)
	if err != nil {
		s.logger.Warn("Row count unavailable", zap.String("file", uri), zap.Error(err))
		return nil
	}
	return &rows
}

// OptimizeTable runs maintenance on a table. Data mode drops files whose
// objects have disappeared, index mode refreshes the cached cardinality,
// full mode does both.
func (s *LakeService) OptimizeTable(ctx context.Context, id model.TableIdentity, mode string) error {
	optimizeMode, ok := model.ParseOptimizeMode(mode)
	if !ok {
		return errors.InvalidArgument(fmt.Sprintf("unknown optimize mode %q", mode), nil)
	}

	unlock := s.lock(id)
	defer unlock()

	entry, err := s.entry(ctx, id)
	if err != nil {
		return err
	}

	if optimizeMode == model.OptimizeModeData || optimizeMode == model.OptimizeModeFull {
		if err := s.removeMissingFiles(ctx, entry); err != nil {
			return err
		}
	}
	if optimizeMode == model.OptimizeModeIndex || optimizeMode == model.OptimizeModeFull {
		if _, err := s.refreshCardinality(ctx, entry); err != nil {
			return errors.StorageFailed("failed to refresh cardinality", err)
		}
	}

	if err := s.catalog.MarkOptimized(ctx, id, time.Now()); err != nil {
		return errors.StorageFailed("failed to record optimize time", err)
	}
	return nil
}

func (s *LakeService) removeMissingFiles(ctx context.Context, entry catalog.Entry) error {
	opts := s.storageOptions()
	snapshot, err := s.builder.Snapshot(ctx, entry.Location, opts)
	if err != nil {
		return errors.StorageFailed("failed to load table snapshot", err)
	}

	store, err := s.open(ctx, entry.Location, opts)
	if err != nil {
		return errors.StorageFailed("failed to open table storage", err)
	}
	defer store.Close()

	var removes []model.FileAction
	for _, add := range snapshot.Files() {
		_, err := store.Stat(ctx, add.Path)
		if stderrors.Is(err, objectstore.ErrNotExist) {
			removes = append(removes, model.RemoveFile(add.Path))
			continue
		}
		if err != nil {
			return errors.StorageFailed("failed to stat data file", err).WithDetail("path", add.Path)
		}
	}
	if len(removes) == 0 {
		return nil
	}

	start := time.Now()
	_, err = s.builder.CommitFileActions(ctx, entry.Location, opts, removes)
	s.recordCommit(deltalog.OperationWrite, err, start, 0, len(removes))
	if err != nil {
		return errors.CommitFailed("failed to remove missing files", err)
	}
	s.cardinality.Invalidate(entry.Identity)

	s.logger.Info("Removed missing data files",
		zap.Uint32("database_id", entry.Identity.DatabaseID),
		zap.Uint32("table_id", entry.Identity.TableID),
		zap.Int("files", len(removes)))
	return nil
}

// Location returns the default storage location of a table
func (s *LakeService) Location(id model.TableIdentity) string {
	return objectstore.Join(s.config.StorageRoot,
		strconv.FormatUint(uint64(id.DatabaseID), 10),
		strconv.FormatUint(uint64(id.TableID), 10))
}

// Ping checks that the catalog is reachable
func (s *LakeService) Ping(ctx context.Context) error {
	return s.catalog.Ping(ctx)
}

func (s *LakeService) entry(ctx context.Context, id model.TableIdentity) (catalog.Entry, error) {
	entry, err := s.catalog.Get(ctx, id)
	if stderrors.Is(err, catalog.ErrNotFound) {
		return catalog.Entry{}, errors.TableNotFound(id.String())
	}
	if err != nil {
		return catalog.Entry{}, errors.StorageFailed("failed to read catalog", err)
	}
	return entry, nil
}

// storageOptions is rebuilt for every call and always allows unsafe rename
func (s *LakeService) storageOptions() objectstore.Options {
	opts := objectstore.Options(s.config.StorageOptions).Clone()
	opts[objectstore.OptionAllowUnsafeRename] = "true"
	return opts
}

func (s *LakeService) lock(id model.TableIdentity) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (s *LakeService) recordCommit(operation string, err error, start time.Time, adds, removes int) {
	if s.metrics != nil {
		s.metrics.RecordCommit(operation, err, time.Since(start).Seconds(), adds, removes)
	}
}
