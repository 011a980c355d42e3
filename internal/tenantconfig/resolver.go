package tenantconfig

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Source loads raw tenant configuration and reports an invalidation
// generation that changes whenever a tenant's configuration is written.
type Source interface {
	Load(ctx context.Context, tenantID string) (map[string]string, error)
	Generation(ctx context.Context, tenantID string) (int64, error)
}

// Writer persists configuration values and bumps the tenant's generation.
type Writer interface {
	Set(ctx context.Context, tenantID string, values map[string]string) error
}

// Lookup resolves a tenant's configuration.
type Lookup interface {
	Resolve(ctx context.Context, tenantID string) (*TenantConfig, error)
}

// Resolver caches parsed configuration per tenant. A cached entry is reused
// while its generation matches the source's, and for at most ttl.
type Resolver struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	cfg      *TenantConfig
	loadedAt time.Time
}

// NewResolver returns a resolver on src. A non-positive ttl disables expiry;
// generation checks still apply.
func NewResolver(src Source, ttl time.Duration) *Resolver {
	return &Resolver{src: src, ttl: ttl, now: time.Now, cache: make(map[string]cacheEntry)}
}

// Resolve returns the tenant's configuration.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*TenantConfig, error) {
	gen, err := r.src.Generation(ctx, tenantID)
	if err != nil {
		return nil, eris.Wrapf(err, "tenantconfig: generation for %s", tenantID)
	}

	r.mu.Lock()
	entry, ok := r.cache[tenantID]
	r.mu.Unlock()
	if ok && entry.cfg.Generation == gen && (r.ttl <= 0 || r.now().Sub(entry.loadedAt) < r.ttl) {
		return entry.cfg, nil
	}

	raw, err := r.src.Load(ctx, tenantID)
	if err != nil {
		return nil, eris.Wrapf(err, "tenantconfig: load %s", tenantID)
	}
	cfg, err := Parse(tenantID, raw)
	if err != nil {
		return nil, err
	}
	cfg.Generation = gen

	r.mu.Lock()
	r.cache[tenantID] = cacheEntry{cfg: cfg, loadedAt: r.now()}
	r.mu.Unlock()

	if ok {
		zap.L().Debug("tenantconfig: reloaded",
			zap.String("tenant_id", tenantID),
			zap.Int64("generation", gen),
		)
	}
	return cfg, nil
}

// Invalidate drops a tenant's cached configuration.
func (r *Resolver) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}

// Memory is an in-process Source and Writer.
type Memory struct {
	mu     sync.RWMutex
	values map[string]map[string]string
	gens   map[string]int64
}

// NewMemory returns an empty source.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]map[string]string), gens: make(map[string]int64)}
}

func (m *Memory) Load(_ context.Context, tenantID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values[tenantID]), nil
}

func (m *Memory) Generation(_ context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gens[tenantID], nil
}

// Set stores values and bumps the generation.
func (m *Memory) Set(_ context.Context, tenantID string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[tenantID] == nil {
		m.values[tenantID] = make(map[string]string)
	}
	maps.Copy(m.values[tenantID], values)
	m.gens[tenantID]++
	return nil
}
