// Package parquetstats reads row counts from parquet file footers.
package parquetstats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/devrev/lakelink/internal/storage/objectstore"
)

// RowCounter returns the number of rows stored in a data file
type RowCounter interface {
	CountRows(ctx context.Context, uri string) (int64, error)
}

// DuckDBCounter counts rows with an in-process DuckDB reading parquet metadata
type DuckDBCounter struct {
	db     *sql.DB
	opts   objectstore.Options
	logger *zap.Logger

	remoteMu    sync.Mutex
	remoteReady bool
}

var _ RowCounter = (*DuckDBCounter)(nil)

// NewDuckDBCounter opens an in-memory DuckDB. opts supplies S3 credentials for remote files.
func NewDuckDBCounter(opts objectstore.Options, logger *zap.Logger) (*DuckDBCounter, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(4)

	return &DuckDBCounter{db: db, opts: opts, logger: logger}, nil
}

func (c *DuckDBCounter) Close() error {
	return c.db.Close()
}

// CountRows reads num_rows from the parquet footer without scanning data pages
func (c *DuckDBCounter) CountRows(ctx context.Context, uri string) (int64, error) {
	if isRemote(uri) {
		if err := c.ensureRemote(ctx); err != nil {
			return 0, err
		}
	}

	query := fmt.Sprintf("SELECT COALESCE(SUM(num_rows), 0) FROM parquet_file_metadata(%s)", quote(uri))
	var rows int64
	if err := c.db.QueryRowContext(ctx, query).Scan(&rows); err != nil {
		return 0, fmt.Errorf("read parquet metadata of %s: %w", uri, err)
	}
	return rows, nil
}

// ensureRemote loads httpfs and registers an S3 secret on first remote access
func (c *DuckDBCounter) ensureRemote(ctx context.Context) error {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()
	if c.remoteReady {
		return nil
	}

	stmts := []string{"INSTALL httpfs", "LOAD httpfs"}
	if key := c.opts[objectstore.OptionAWSAccessKeyID]; key != "" {
		parts := []string{
			"TYPE s3",
			"KEY_ID " + quote(key),
			"SECRET " + quote(c.opts[objectstore.OptionAWSSecretAccessKey]),
		}
		if region := c.opts[objectstore.OptionAWSRegion]; region != "" {
			parts = append(parts, "REGION "+quote(region))
		}
		if endpoint := c.opts[objectstore.OptionAWSEndpoint]; endpoint != "" {
			endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
			parts = append(parts, "ENDPOINT "+quote(endpoint))
		}
		if c.opts.Bool(objectstore.OptionAWSPathStyle) {
			parts = append(parts, "URL_STYLE 'path'")
		}
		stmts = append(stmts, "CREATE OR REPLACE SECRET lakelink_s3 ("+strings.Join(parts, ", ")+")")
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("prepare remote access: %w", err)
		}
	}
	c.remoteReady = true
	c.logger.Info("DuckDB remote file access enabled")
	return nil
}

func isRemote(uri string) bool {
	return strings.Contains(uri, "://") && !strings.HasPrefix(uri, "file://")
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
