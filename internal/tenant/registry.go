// Package tenant resolves which mall a request belongs to and carries that
// identity through the request context.
package tenant

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/store"
)

// hostCacheTTL bounds how long a host->tenant mapping is served from memory
// before the registry re-reads the store.
const hostCacheTTL = 5 * time.Minute

// Registry resolves tenants by id or host domain. Host lookups are cached;
// tenant onboarding is rare and a short staleness window is acceptable.
type Registry struct {
	store store.Store
	clock core.Clock

	mu      sync.RWMutex
	byHost  map[string]*hostEntry
}

type hostEntry struct {
	tenant  *core.Tenant
	loaded  time.Time
}

// NewRegistry builds a registry over the store.
func NewRegistry(st store.Store) *Registry {
	return &Registry{
		store:  st,
		clock:  core.SystemClock,
		byHost: make(map[string]*hostEntry),
	}
}

// SetClock overrides time for tests.
func (r *Registry) SetClock(clock core.Clock) { r.clock = clock }

// Resolve maps a request host to its tenant. The port, if any, is ignored.
func (r *Registry) Resolve(ctx context.Context, host string) (*core.Tenant, error) {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}

	r.mu.RLock()
	e, ok := r.byHost[host]
	r.mu.RUnlock()
	if ok && r.clock().Sub(e.loaded) < hostCacheTTL {
		return e.tenant, nil
	}

	t, err := r.store.GetTenantByHost(ctx, host)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byHost[host] = &hostEntry{tenant: t, loaded: r.clock()}
	r.mu.Unlock()
	return t, nil
}

// Get loads a tenant by id.
func (r *Registry) Get(ctx context.Context, tenantID string) (*core.Tenant, error) {
	return r.store.GetTenant(ctx, tenantID)
}

// List returns every registered tenant.
func (r *Registry) List(ctx context.Context) ([]*core.Tenant, error) {
	return r.store.ListTenants(ctx)
}

// Add registers a new mall and invalidates the host cache entry.
func (r *Registry) Add(ctx context.Context, name, hostDomain, timezone string, ssids []string) (*core.Tenant, error) {
	if name == "" || hostDomain == "" {
		return nil, core.E(core.KindValidation, "tenant name and host domain are required")
	}
	hostDomain = strings.ToLower(hostDomain)

	t := &core.Tenant{
		ID:         uuid.NewString(),
		Name:       name,
		HostDomain: hostDomain,
		ShardKey:   hostDomain,
		Timezone:   timezone,
		WiFiSSIDs:  ssids,
		CreatedAt:  r.clock(),
	}
	if err := r.store.PutTenant(ctx, t); err != nil {
		return nil, err
	}

	r.mu.Lock()
	delete(r.byHost, hostDomain)
	r.mu.Unlock()
	return t, nil
}

// ---------------------------------------------------------------------------
// Context plumbing
// ---------------------------------------------------------------------------

type contextKey string

const (
	tenantIDKey contextKey = "tenant_id"
	tenantKey   contextKey = "tenant"
)

// WithTenant attaches the resolved tenant to the request context.
func WithTenant(ctx context.Context, t *core.Tenant) context.Context {
	ctx = context.WithValue(ctx, tenantIDKey, t.ID)
	return context.WithValue(ctx, tenantKey, t)
}

// FromContext extracts the tenant, or nil.
func FromContext(ctx context.Context) *core.Tenant {
	t, _ := ctx.Value(tenantKey).(*core.Tenant)
	return t
}

// IDFromContext extracts the tenant id, or an unauthenticated error.
func IDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantIDKey).(string)
	if !ok || id == "" {
		return "", core.E(core.KindUnauthenticated, "no tenant in context")
	}
	return id, nil
}
