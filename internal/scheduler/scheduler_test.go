package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallquest/backend/internal/cache"
	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/store"
)

type stubNotifier struct {
	mu    sync.Mutex
	queue []*core.Notification
}

func (n *stubNotifier) Enqueue(x *core.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = append(n.queue, x)
}

func (n *stubNotifier) PushEvents(string, string, []core.DerivedEvent) {}

func (n *stubNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.queue))
	for i, x := range n.queue {
		out[i] = x.Kind
	}
	return out
}

func seedUser(t *testing.T, st *store.Memory, id string, streakDays int, lastDay string) {
	t.Helper()
	require.NoError(t, st.CreateUser(context.Background(), &core.User{
		ID: id, TenantID: "t1", Handle: id, DisplayName: id,
		Streak:  core.Streak{Days: streakDays, LastDay: lastDay},
		Version: 1,
	}))
}

func TestResetStreaks(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, "active", 5, "2026-08-25")
	seedUser(t, st, "stale", 9, "2026-08-23")
	seedUser(t, st, "idle", 0, "")

	s := New(st, nil, nil, nil, nil, nil)
	// Midnight of Aug 26: the cutoff day is Aug 25; anyone last active
	// before it lost the chain.
	s.SetClock(func() time.Time {
		return time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	})

	require.NoError(t, s.resetStreaks(context.Background(), "t1", "UTC"))

	active, _ := st.LoadUser(context.Background(), "t1", "active")
	assert.Equal(t, 5, active.Streak.Days)
	stale, _ := st.LoadUser(context.Background(), "t1", "stale")
	assert.Equal(t, 0, stale.Streak.Days)
	idle, _ := st.LoadUser(context.Background(), "t1", "idle")
	assert.Equal(t, 0, idle.Streak.Days)
}

func TestExpireMissions(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, "u1", 0, "")

	created := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	mission := &core.Mission{
		ID: "m1", TenantID: "t1", UserID: "u1", Type: core.MissionDaily,
		TemplateID: "daily_shopper", Title: "Daily Shopper", Target: 3,
		Status: core.MissionActive, CreatedAt: created, ExpiresAt: created.Add(24 * time.Hour),
	}
	_, err := st.ApplyUserDelta(context.Background(), "t1", "u1", &core.Delta{
		NewMissions: []*core.Mission{mission},
	}, core.Idempotency{}, nil)
	require.NoError(t, err)

	notifier := &stubNotifier{}
	s := New(st, nil, nil, nil, notifier, nil)

	// Before the deadline nothing moves.
	s.SetClock(func() time.Time { return created.Add(time.Hour) })
	require.NoError(t, s.expireMissions(context.Background()))
	got, err := st.GetMission(context.Background(), "t1", "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, core.MissionActive, got.Status)

	s.SetClock(func() time.Time { return created.Add(25 * time.Hour) })
	require.NoError(t, s.expireMissions(context.Background()))
	got, err = st.GetMission(context.Background(), "t1", "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, core.MissionExpired, got.Status)

	assert.Equal(t, []string{core.EvMissionExpired}, notifier.kinds())

	// A second sweep finds nothing to do.
	require.NoError(t, s.expireMissions(context.Background()))
	assert.Len(t, notifier.kinds(), 1)
}

func TestRefreshTemplates(t *testing.T) {
	blobs := cache.NewBlobCache(10, time.Minute)
	s := New(store.NewMemory(), nil, nil, blobs, nil, nil)

	require.NoError(t, s.refreshTemplates(context.Background()))
	blob := blobs.Get("mission_templates")
	require.NotNil(t, blob)
	assert.Greater(t, len(blob), 2)

	// A nil cache is tolerated: the job is a no-op.
	bare := New(store.NewMemory(), nil, nil, nil, nil, nil)
	assert.NoError(t, bare.refreshTemplates(context.Background()))
}

func TestSweepSessions(t *testing.T) {
	st := store.NewMemory()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.RecordSession(context.Background(), &core.Session{
		ID: "s1", TenantID: "t1", UserID: "u1", TokenHash: "h1", ChainID: "c1",
		Kind: "access", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, st.RecordSession(context.Background(), &core.Session{
		ID: "s2", TenantID: "t1", UserID: "u1", TokenHash: "h2", ChainID: "c1",
		Kind: "access", IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	s := New(st, nil, nil, nil, nil, nil)
	s.SetClock(func() time.Time { return now })
	require.NoError(t, s.sweepSessions(context.Background()))

	_, err := st.GetSession(context.Background(), "h1")
	assert.True(t, core.IsKind(err, core.KindNotFound))
	_, err = st.GetSession(context.Background(), "h2")
	assert.NoError(t, err)
}
