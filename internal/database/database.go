package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nikhilbhutani/grcgate/internal/config"
)

// DBTX is the query surface shared by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)

	return open(ctx, poolCfg)
}

// NewSchemaPool opens a pool whose every connection is pinned to schema via the
// search_path startup parameter. The effective search path is checked when a
// connection is created and again on every acquire, so a session that ran SET
// search_path (or set_config) is destroyed instead of being handed to the next
// caller of this tenant.
func NewSchemaPool(ctx context.Context, cfg config.DatabaseConfig, schema string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.TenantMaxConns)
	poolCfg.MinConns = 0
	poolCfg.ConnConfig.RuntimeParams["search_path"] = pgx.Identifier{schema}.Sanitize()
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return checkSearchPath(ctx, conn, schema)
	}
	poolCfg.PrepareConn = func(ctx context.Context, conn *pgx.Conn) (bool, error) {
		if err := checkSearchPath(ctx, conn, schema); err != nil {
			// destroy it; the pool retries on a fresh connection
			slog.Warn("tenant connection left its schema, discarding", "schema", schema, "error", err)
			return false, nil
		}
		return true, nil
	}

	return open(ctx, poolCfg)
}

// checkSearchPath fails unless schema is the only schema on the effective
// search path. current_schemas(false) leaves out the implicit pg_catalog and
// temp schemas.
func checkSearchPath(ctx context.Context, conn *pgx.Conn, schema string) error {
	var schemas []string
	if err := conn.QueryRow(ctx, "SELECT current_schemas(false)").Scan(&schemas); err != nil {
		return fmt.Errorf("read search path: %w", err)
	}
	if len(schemas) != 1 || schemas[0] != schema {
		return fmt.Errorf("connection bound to wrong schema: want %q, have %v", schema, schemas)
	}
	return nil
}

func open(ctx context.Context, poolCfg *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
