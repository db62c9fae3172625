package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/nikhilbhutani/grcgate/internal/config"
	"github.com/nikhilbhutani/grcgate/internal/database"
	"github.com/nikhilbhutani/grcgate/internal/models"
)

// Pool is what a Handle needs from a connection pool. *pgxpool.Pool
// satisfies it.
type Pool interface {
	database.DBTX
	Close()
}

// Handle is a database handle whose queries run inside a single tenant schema.
type Handle struct {
	schemaID   string
	schemaName string
	pool       Pool
}

func NewHandle(schemaID, schemaName string, pool Pool) *Handle {
	return &Handle{schemaID: schemaID, schemaName: schemaName, pool: pool}
}

func (h *Handle) SchemaID() string   { return h.schemaID }
func (h *Handle) SchemaName() string { return h.schemaName }

func (h *Handle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return h.pool.Exec(ctx, sql, args...)
}

func (h *Handle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return h.pool.Query(ctx, sql, args...)
}

func (h *Handle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return h.pool.QueryRow(ctx, sql, args...)
}

func (h *Handle) Begin(ctx context.Context) (pgx.Tx, error) {
	return h.pool.Begin(ctx)
}

// Lookup maps a schema id to its registered tenant.
type Lookup interface {
	Lookup(ctx context.Context, schemaID string) (*models.Tenant, error)
}

// Connector opens a pool bound to the named schema.
type Connector func(ctx context.Context, schemaName string) (Pool, error)

// Resolver hands out one Handle per schema id for the life of the process.
//
// Lookups take a read lock. The first resolution of an id is coalesced
// through singleflight, so concurrent callers share a single pool and no two
// ids can ever share a cache slot. Every hit is re-checked against the
// requested id before it is returned.
type Resolver struct {
	lookup  Lookup
	connect Connector

	mu      sync.RWMutex
	handles map[string]*Handle
	group   singleflight.Group
}

func NewResolver(lookup Lookup, connect Connector) *Resolver {
	return &Resolver{
		lookup:  lookup,
		connect: connect,
		handles: make(map[string]*Handle),
	}
}

// PgxConnector opens schema pools with database.NewSchemaPool.
func PgxConnector(cfg config.DatabaseConfig) Connector {
	return func(ctx context.Context, schemaName string) (Pool, error) {
		pool, err := database.NewSchemaPool(ctx, cfg, schemaName)
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
}

func (r *Resolver) Resolve(ctx context.Context, schemaID string) (*Handle, error) {
	if schemaID == "" {
		return nil, ErrNotFound
	}

	if h := r.cached(schemaID); h != nil {
		return h, nil
	}

	// The pool outlives the request that happened to open it.
	openCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(schemaID, func() (any, error) {
		if h := r.cached(schemaID); h != nil {
			return h, nil
		}

		t, err := r.lookup.Lookup(openCtx, schemaID)
		if err != nil {
			return nil, err
		}

		pool, err := r.connect(openCtx, t.SchemaName)
		if err != nil {
			return nil, fmt.Errorf("connect tenant %s: %w", schemaID, err)
		}

		h := NewHandle(t.SchemaID, t.SchemaName, pool)
		if h.SchemaID() != schemaID {
			pool.Close()
			return nil, fmt.Errorf("registry returned schema %q for %q", h.SchemaID(), schemaID)
		}

		r.mu.Lock()
		r.handles[schemaID] = h
		n := len(r.handles)
		r.mu.Unlock()

		tenantHandles.Set(float64(n))
		slog.Info("tenant handle opened", "schema_id", schemaID, "schema", t.SchemaName)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (r *Resolver) cached(schemaID string) *Handle {
	r.mu.RLock()
	h, ok := r.handles[schemaID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if h.SchemaID() != schemaID {
		slog.Error("tenant handle cache slot holds wrong schema", "want", schemaID, "got", h.SchemaID())
		return nil
	}
	return h
}

func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Close releases every pool. The resolver must not be used afterwards.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, h := range r.handles {
		h.pool.Close()
		delete(r.handles, id)
	}
	tenantHandles.Set(0)
}

var tenantHandles = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "grcgate_tenant_handles",
	Help: "Open tenant schema handles",
})
