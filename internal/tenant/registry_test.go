package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/store"
)

func newRegistry(t *testing.T) (*Registry, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.PutTenant(context.Background(), &core.Tenant{
		ID: "t1", Name: "Dubai Mall", HostDomain: "dubai.mallquest.app", Timezone: "Asia/Dubai",
	}))
	return NewRegistry(st), st
}

func TestResolveByHost(t *testing.T) {
	r, _ := newRegistry(t)

	got, err := r.Resolve(context.Background(), "dubai.mallquest.app")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)

	// Case and port are irrelevant.
	got, err = r.Resolve(context.Background(), "DUBAI.MallQuest.App:8443")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)

	_, err = r.Resolve(context.Background(), "unknown.example.com")
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestResolveCaches(t *testing.T) {
	r, _ := newRegistry(t)

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	_, err := r.Resolve(context.Background(), "dubai.mallquest.app")
	require.NoError(t, err)

	// The mapping survives a store-side delete while the cache entry is warm.
	fresh := store.NewMemory()
	r.store = fresh

	got, err := r.Resolve(context.Background(), "dubai.mallquest.app")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)

	// Past the TTL the registry re-reads the store and sees the truth.
	now = now.Add(6 * time.Minute)
	_, err = r.Resolve(context.Background(), "dubai.mallquest.app")
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestAdd(t *testing.T) {
	r, st := newRegistry(t)

	created, err := r.Add(context.Background(), "Abu Dhabi Mall", "AUH.MallQuest.App", "Asia/Dubai", []string{"Mall-WiFi"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "auh.mallquest.app", created.HostDomain)
	assert.Equal(t, []string{"Mall-WiFi"}, created.WiFiSSIDs)

	got, err := st.GetTenantByHost(context.Background(), "auh.mallquest.app")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	tenants, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, tenants, 2)
}

func TestAddValidation(t *testing.T) {
	r, _ := newRegistry(t)

	_, err := r.Add(context.Background(), "", "host.example.com", "UTC", nil)
	assert.True(t, core.IsKind(err, core.KindValidation))
	_, err = r.Add(context.Background(), "Mall", "", "UTC", nil)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestContextPlumbing(t *testing.T) {
	tn := &core.Tenant{ID: "t1", Name: "Mall"}
	ctx := WithTenant(context.Background(), tn)

	assert.Equal(t, tn, FromContext(ctx))
	id, err := IDFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	assert.Nil(t, FromContext(context.Background()))
	_, err = IDFromContext(context.Background())
	assert.True(t, core.IsKind(err, core.KindUnauthenticated))
}
