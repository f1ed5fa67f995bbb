package companion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallquest/backend/internal/cache"
	"github.com/mallquest/backend/internal/config"
	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/progression"
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

func (n *stubNotifier) byKind(kind string) []*core.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*core.Notification
	for _, x := range n.queue {
		if x.Kind == kind {
			out = append(out, x)
		}
	}
	return out
}

type testEnv struct {
	svc      *Service
	store    *store.Memory
	notifier *stubNotifier
}

func newTestEnv(t *testing.T, coins int64) *testEnv {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.PutTenant(context.Background(), &core.Tenant{
		ID: "t1", Name: "Test Mall", HostDomain: "mall.test", Timezone: "UTC",
	}))
	require.NoError(t, st.CreateUser(context.Background(), &core.User{
		ID: "u1", TenantID: "t1", Handle: "keeper", DisplayName: "Keeper",
		Role: core.RolePlayer, Level: 1, Coins: coins, VIPTier: core.TierBronze,
		VisitedCategories: map[string]bool{}, Version: 1,
	}))

	policies, err := config.NewManager(config.PolicyConfig{
		BaseRate: 0.10, XPRate: 0.20, XPPerLevel: 100,
		EventMultiplierCap: 3.0, MaxReceiptAmount: 10000, SuspiciousAmount: 5000,
		DuplicateWindow: 10 * time.Minute, DuplicateCount: 3,
	}, "")
	require.NoError(t, err)

	users := cache.NewUserCache(100, time.Minute, nil)
	blobs := cache.NewBlobCache(100, time.Minute)
	coord := progression.New(st, users, blobs, policies, nil, nil, "UTC")

	notifier := &stubNotifier{}
	return &testEnv{svc: New(st, coord, users, notifier), store: st, notifier: notifier}
}

func TestGetOrAdopt(t *testing.T) {
	env := newTestEnv(t, 0)

	pet, err := env.svc.GetOrAdopt(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Deer", pet.Name)
	assert.Equal(t, "deer", pet.Type)
	assert.Equal(t, 100, pet.Stats.Health)
	assert.Equal(t, 80, pet.Stats.Happiness)
	assert.Equal(t, 90, pet.Stats.Energy)
	assert.Equal(t, 1, pet.Stats.Level)
	assert.Equal(t, 0, pet.Stats.XP)

	// Adoption happens once; later calls return the same deer.
	again, err := env.svc.GetOrAdopt(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, pet.ID, again.ID)
}

func TestFeed(t *testing.T) {
	env := newTestEnv(t, 100)
	_, err := env.svc.GetOrAdopt(context.Background(), "t1", "u1")
	require.NoError(t, err)

	res, err := env.svc.Feed(context.Background(), "t1", "u1", "fresh_grass")
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Cost)
	assert.Equal(t, int64(92), res.Coins)
	assert.Equal(t, 6, res.XPGained)

	// Health and energy clamp at 100.
	assert.Equal(t, 100, res.Companion.Stats.Health)
	assert.Equal(t, 88, res.Companion.Stats.Happiness)
	assert.Equal(t, 100, res.Companion.Stats.Energy)
	assert.Equal(t, 6, res.Companion.Stats.XP)

	u, err := env.store.LoadUser(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(92), u.Coins)
}

func TestFeedValidation(t *testing.T) {
	env := newTestEnv(t, 100)
	_, err := env.svc.GetOrAdopt(context.Background(), "t1", "u1")
	require.NoError(t, err)

	_, err = env.svc.Feed(context.Background(), "t1", "u1", "chocolate")
	assert.True(t, core.IsKind(err, core.KindValidation))

	broke := newTestEnv(t, 2)
	_, err = broke.svc.GetOrAdopt(context.Background(), "t1", "u1")
	require.NoError(t, err)
	_, err = broke.svc.Feed(context.Background(), "t1", "u1", "fresh_grass")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
	assert.Contains(t, err.Error(), "insufficient coins")
}

func TestCareXPLevelsTheDeer(t *testing.T) {
	env := newTestEnv(t, 1000)
	_, err := env.svc.GetOrAdopt(context.Background(), "t1", "u1")
	require.NoError(t, err)

	// fresh_water grants 5 care XP a serving; 20 servings reach level 2.
	var res *InteractionResult
	for i := 0; i < 20; i++ {
		res, err = env.svc.Feed(context.Background(), "t1", "u1", "fresh_water")
		require.NoError(t, err)
	}
	assert.Equal(t, 100, res.Companion.Stats.XP)
	assert.Equal(t, 2, res.Companion.Stats.Level)
}

func TestEntertain(t *testing.T) {
	env := newTestEnv(t, 100)
	_, err := env.svc.GetOrAdopt(context.Background(), "t1", "u1")
	require.NoError(t, err)

	res, err := env.svc.Entertain(context.Background(), "t1", "u1", "star_gazing")
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Cost)
	assert.Equal(t, 100, res.Companion.Stats.Happiness, "80 + 25 clamps at 100")
	assert.Equal(t, 88, res.Companion.Stats.Energy)
	assert.Equal(t, 6, res.XPGained)

	_, err = env.svc.Entertain(context.Background(), "t1", "u1", "bungee_jumping")
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestEntertainTooTired(t *testing.T) {
	env := newTestEnv(t, 500)
	_, err := env.svc.GetOrAdopt(context.Background(), "t1", "u1")
	require.NoError(t, err)

	// Racing burns 10 energy a round; 9 rounds drain the deer from 90 to 0.
	for i := 0; i < 9; i++ {
		_, err := env.svc.Entertain(context.Background(), "t1", "u1", "racing_games")
		require.NoError(t, err, "round %d", i+1)
	}

	_, err = env.svc.Entertain(context.Background(), "t1", "u1", "racing_games")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
	assert.Contains(t, err.Error(), "too tired")
}

func TestDecaySweep(t *testing.T) {
	env := newTestEnv(t, 0)
	pet, err := env.svc.GetOrAdopt(context.Background(), "t1", "u1")
	require.NoError(t, err)

	n, err := env.svc.DecaySweep(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.store.GetCompanion(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, pet.Stats.Happiness-2, got.Stats.Happiness)
	assert.Equal(t, pet.Stats.Energy-1, got.Stats.Energy)
	assert.Equal(t, 100, got.Stats.Health, "health holds while happiness is above zero")
}

func TestDecaySweepRaisesHungryAlertOnce(t *testing.T) {
	env := newTestEnv(t, 0)
	_, err := env.svc.GetOrAdopt(context.Background(), "t1", "u1")
	require.NoError(t, err)

	// Happiness decays 2 a sweep from 80; the hungry threshold is crossed
	// exactly once on the way down.
	for i := 0; i < 30; i++ {
		_, err := env.svc.DecaySweep(context.Background(), 100)
		require.NoError(t, err)
	}

	hungry := env.notifier.byKind(core.EvDeerHungry)
	assert.Len(t, hungry, 1)
	assert.Empty(t, env.notifier.byKind(core.EvDeerBored), "energy is still above the bored threshold")
}

func TestDecayEatsHealthOnceMiserable(t *testing.T) {
	env := newTestEnv(t, 0)
	_, err := env.svc.GetOrAdopt(context.Background(), "t1", "u1")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := env.svc.DecaySweep(context.Background(), 100)
		require.NoError(t, err)
	}

	got, err := env.store.GetCompanion(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Stats.Happiness)
	assert.Less(t, got.Stats.Health, 100)
}
