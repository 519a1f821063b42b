// Package catalog persists the registry of lake tables in SQLite.
package catalog

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/devrev/lakelink/internal/model"
)

var (
	ErrNotFound = stderrors.New("catalog: table not registered")
	ErrExists   = stderrors.New("catalog: table already registered")
)

// Entry is one registered table. DestinationURI and SourceURI are database
// connection URIs; Location is where the table log lives.
type Entry struct {
	Identity       model.TableIdentity
	Name           string
	Location       string
	DestinationURI string
	SourceTable    string
	SourceURI      string
	CommitLSN      uint64
	FlushLSN       *uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	OptimizedAt    *time.Time
}

// Catalog is the SQLite-backed table registry
type Catalog struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the catalog at path and applies migrations
func Open(path string, logger *zap.Logger) (*Catalog, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Catalog opened", zap.String("path", path))
	return &Catalog{db: db, logger: logger}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping checks the database is reachable
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Insert registers a new table. It returns ErrExists when the identity
// or the location is already taken.
func (c *Catalog) Insert(ctx context.Context, e Entry) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO lake_tables
			(database_id, table_id, name, location, destination_uri, source_table, source_uri,
			 commit_lsn, flush_lsn, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Identity.DatabaseID, e.Identity.TableID, e.Name, e.Location, e.DestinationURI, e.SourceTable, e.SourceURI,
		int64(e.CommitLSN), nullLSN(e.FlushLSN), now, now)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", ErrExists, e.Identity)
		}
		return fmt.Errorf("insert %s: %w", e.Identity, err)
	}
	return nil
}

// Get returns the entry for id or ErrNotFound
func (c *Catalog) Get(ctx context.Context, id model.TableIdentity) (Entry, error) {
	row := c.db.QueryRowContext(ctx, selectEntries+` WHERE database_id = ? AND table_id = ?`,
		id.DatabaseID, id.TableID)
	e, err := scanEntry(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", id, err)
	}
	return e, nil
}

// List returns every entry ordered by identity
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, selectEntries+` ORDER BY database_id, table_id`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes the entry for id, reporting whether it existed
func (c *Catalog) Delete(ctx context.Context, id model.TableIdentity) (bool, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM lake_tables WHERE database_id = ? AND table_id = ?`,
		id.DatabaseID, id.TableID)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetLSNs stores the commit and flush LSNs of id
func (c *Catalog) SetLSNs(ctx context.Context, id model.TableIdentity, commitLSN uint64, flushLSN *uint64) error {
	return c.update(ctx, id, `commit_lsn = ?, flush_lsn = ?`, int64(commitLSN), nullLSN(flushLSN))
}

// MarkOptimized records the time of the last optimize run of id
func (c *Catalog) MarkOptimized(ctx context.Context, id model.TableIdentity, at time.Time) error {
	return c.update(ctx, id, `optimized_at = ?`, at.UTC())
}

func (c *Catalog) update(ctx context.Context, id model.TableIdentity, set string, args ...any) error {
	args = append(args, time.Now().UTC(), id.DatabaseID, id.TableID)
	res, err := c.db.ExecContext(ctx,
		`UPDATE lake_tables SET `+set+`, updated_at = ? WHERE database_id = ? AND table_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectEntries = `
	SELECT database_id, table_id, name, location, destination_uri, source_table, source_uri,
	       commit_lsn, flush_lsn, created_at, updated_at, optimized_at
	FROM lake_tables`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e           Entry
		commitLSN   int64
		flushLSN    sql.NullInt64
		optimizedAt sql.NullTime
	)
	err := s.Scan(&e.Identity.DatabaseID, &e.Identity.TableID, &e.Name, &e.Location,
		&e.DestinationURI, &e.SourceTable, &e.SourceURI, &commitLSN, &flushLSN, &e.CreatedAt, &e.UpdatedAt, &optimizedAt)
	if err != nil {
		return Entry{}, err
	}
	e.CommitLSN = uint64(commitLSN)
	if flushLSN.Valid {
		v := uint64(flushLSN.Int64)
		e.FlushLSN = &v
	}
	if optimizedAt.Valid {
		t := optimizedAt.Time
		e.OptimizedAt = &t
	}
	return e, nil
}

func nullLSN(lsn *uint64) sql.NullInt64 {
	if lsn == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*lsn), Valid: true}
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return stderrors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
