package schema

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/lakelink/internal/model"
)

// ColumnSource lists the ordered columns of a source table
type ColumnSource interface {
	Columns(ctx context.Context, sourceURI, table string) ([]model.ColumnSpec, error)
}

const columnsQuery = `
	SELECT a.attname, format_type(a.atttypid, a.atttypmod)
	FROM pg_attribute a
	WHERE a.attrelid = $1::regclass
	  AND a.attnum > 0
	  AND NOT a.attisdropped
	ORDER BY a.attnum
`

// PostgresSource reads column definitions from the source PostgreSQL
// database. One pool is kept per connection URI.
type PostgresSource struct {
	logger *zap.Logger

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

var _ ColumnSource = (*PostgresSource)(nil)

func NewPostgresSource(logger *zap.Logger) *PostgresSource {
	return &PostgresSource{
		logger: logger,
		pools:  make(map[string]*pgxpool.Pool),
	}
}

// Columns returns the live columns of table in attribute order. table may be
// schema-qualified ("public.orders").
func (s *PostgresSource) Columns(ctx context.Context, sourceURI, table string) ([]model.ColumnSpec, error) {
	if table == "" {
		return nil, fmt.Errorf("source table name is empty")
	}
	pool, err := s.pool(ctx, sourceURI)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, columnsQuery, QualifiedName(table))
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []model.ColumnSpec
	for rows.Next() {
		var col model.ColumnSpec
		if err := rows.Scan(&col.Name, &col.TypeName); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %s: %w", table, err)
	}

	s.logger.Debug("Read source columns",
		zap.String("table", table),
		zap.Int("columns", len(columns)))
	return columns, nil
}

func (s *PostgresSource) pool(ctx context.Context, uri string) (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pool, ok := s.pools[uri]; ok {
		return pool, nil
	}

	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("parse source uri: %w", err)
	}
	cfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to source: %w", err)
	}
	s.pools[uri] = pool
	return pool, nil
}

// Close closes every cached pool
func (s *PostgresSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for uri, pool := range s.pools {
		pool.Close()
		delete(s.pools, uri)
	}
}

// QualifiedName quotes each dot-separated part of a table name
func QualifiedName(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}
