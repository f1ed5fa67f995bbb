package empire

import (
	"context"
	"encoding/json"
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

type testEnv struct {
	svc   *Service
	coord *progression.Coordinator
	store *store.Memory
	now   time.Time
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
	clock := func() time.Time { return e.now }
	e.svc.SetClock(clock)
	e.coord.SetClock(clock)
}

func newTestEnv(t *testing.T, level int, coins int64) *testEnv {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.PutTenant(context.Background(), &core.Tenant{
		ID: "t1", Name: "Test Mall", HostDomain: "mall.test", Timezone: "UTC",
	}))
	require.NoError(t, st.CreateUser(context.Background(), &core.User{
		ID: "u1", TenantID: "t1", Handle: "tycoon", DisplayName: "Tycoon",
		Role: core.RolePlayer, Level: level, Coins: coins, VIPTier: core.TierBronze,
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
	svc := New(st, coord, users, nil)

	env := &testEnv{svc: svc, coord: coord, store: st,
		now: time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)}
	env.advance(0)
	return env
}

func decode(t *testing.T, blob []byte) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(blob, &body))
	return body
}

func TestCatalogMath(t *testing.T) {
	fc := TypeByID("food_court")
	require.NotNil(t, fc)

	assert.Equal(t, int64(500), fc.UpgradeCost(1))
	assert.Equal(t, int64(750), fc.UpgradeCost(2))
	assert.Equal(t, int64(1125), fc.UpgradeCost(3))

	assert.Equal(t, int64(50), fc.IncomeAt(1))
	assert.Equal(t, int64(62), fc.IncomeAt(2))
	assert.Equal(t, int64(75), fc.IncomeAt(3))

	assert.Nil(t, TypeByID("space_elevator"))
}

func TestCatalogOrderedByUnlockLevel(t *testing.T) {
	catalog := Catalog()
	require.NotEmpty(t, catalog)
	for i := 1; i < len(catalog); i++ {
		assert.GreaterOrEqual(t, catalog[i].UnlockLevel, catalog[i-1].UnlockLevel)
	}
}

func TestPurchase(t *testing.T) {
	env := newTestEnv(t, 5, 600)

	blob, replayed, err := env.svc.Purchase(context.Background(), "t1", "u1", "food_court", "")
	require.NoError(t, err)
	assert.False(t, replayed)

	body := decode(t, blob)
	assert.Equal(t, float64(500), body["cost"])
	assert.Equal(t, float64(100), body["coins"])

	u, err := env.store.LoadUser(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.Coins)

	facilities, err := env.store.ListFacilities(context.Background(), "t1", "u1")
	require.NoError(t, err)
	require.Len(t, facilities, 1)
	assert.Equal(t, "food_court", facilities[0].Type)
	assert.Equal(t, 1, facilities[0].Level)
	assert.Equal(t, int64(50), facilities[0].IncomePerHour)

	// The default idempotency key makes a retried purchase a replay, not a
	// second facility.
	again, replayed, err := env.svc.Purchase(context.Background(), "t1", "u1", "food_court", "")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, blob, again)

	u, _ = env.store.LoadUser(context.Background(), "t1", "u1")
	assert.Equal(t, int64(100), u.Coins)
}

func TestPurchaseGates(t *testing.T) {
	env := newTestEnv(t, 4, 10000)

	_, _, err := env.svc.Purchase(context.Background(), "t1", "u1", "space_elevator", "")
	assert.True(t, core.IsKind(err, core.KindValidation))

	// Level 4 is below the food court's unlock level.
	_, _, err = env.svc.Purchase(context.Background(), "t1", "u1", "food_court", "")
	assert.True(t, core.IsKind(err, core.KindForbidden))

	broke := newTestEnv(t, 5, 100)
	_, _, err = broke.svc.Purchase(context.Background(), "t1", "u1", "food_court", "")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
	assert.Contains(t, err.Error(), "insufficient coins")
}

func TestPurchaseDuplicateType(t *testing.T) {
	env := newTestEnv(t, 5, 2000)

	_, _, err := env.svc.Purchase(context.Background(), "t1", "u1", "food_court", "k1")
	require.NoError(t, err)
	_, _, err = env.svc.Purchase(context.Background(), "t1", "u1", "food_court", "k2")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
	assert.Contains(t, err.Error(), "already owned")
}

func TestUpgrade(t *testing.T) {
	env := newTestEnv(t, 5, 2000)

	_, _, err := env.svc.Purchase(context.Background(), "t1", "u1", "food_court", "")
	require.NoError(t, err)
	facilities, _ := env.store.ListFacilities(context.Background(), "t1", "u1")
	fid := facilities[0].ID

	blob, replayed, err := env.svc.Upgrade(context.Background(), "t1", "u1", fid, "")
	require.NoError(t, err)
	assert.False(t, replayed)

	body := decode(t, blob)
	assert.Equal(t, float64(2), body["level"])
	assert.Equal(t, float64(62), body["income_per_hour"])
	assert.Equal(t, float64(500), body["cost"])
	assert.Equal(t, float64(1000), body["coins"])

	f, err := env.store.GetFacility(context.Background(), "t1", "u1", fid)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Level)
	assert.Equal(t, int64(62), f.IncomePerHour)
}

func TestUpgradeToMaxLevel(t *testing.T) {
	env := newTestEnv(t, 5, 100_000_000)

	_, _, err := env.svc.Purchase(context.Background(), "t1", "u1", "food_court", "")
	require.NoError(t, err)
	facilities, _ := env.store.ListFacilities(context.Background(), "t1", "u1")
	fid := facilities[0].ID

	spec := TypeByID("food_court")
	for level := 1; level < spec.MaxLevel; level++ {
		_, _, err := env.svc.Upgrade(context.Background(), "t1", "u1", fid, "")
		require.NoError(t, err, "upgrade from level %d", level)
	}

	_, _, err = env.svc.Upgrade(context.Background(), "t1", "u1", fid, "")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
	assert.Contains(t, err.Error(), "max level")
}

func TestAccrueAndCollect(t *testing.T) {
	env := newTestEnv(t, 5, 600)
	_, _, err := env.svc.Purchase(context.Background(), "t1", "u1", "food_court", "")
	require.NoError(t, err)
	facilities, _ := env.store.ListFacilities(context.Background(), "t1", "u1")
	fid := facilities[0].ID

	// Too soon: nothing is due yet.
	n, err := env.svc.AccrueDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// One hour at 50/hour accrues exactly 50.
	env.advance(time.Hour)
	n, err = env.svc.AccrueDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f, err := env.store.GetFacility(context.Background(), "t1", "u1", fid)
	require.NoError(t, err)
	assert.Equal(t, int64(50), f.PendingIncome)

	blob, replayed, err := env.svc.Collect(context.Background(), "t1", "u1", fid, "c1")
	require.NoError(t, err)
	assert.False(t, replayed)
	body := decode(t, blob)
	assert.Equal(t, float64(50), body["collected"])
	assert.Equal(t, float64(150), body["coins"])

	f, _ = env.store.GetFacility(context.Background(), "t1", "u1", fid)
	assert.Equal(t, int64(0), f.PendingIncome)

	// Nothing left to collect.
	_, _, err = env.svc.Collect(context.Background(), "t1", "u1", fid, "c2")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestAccrueSkipsSubCoinSpans(t *testing.T) {
	env := newTestEnv(t, 5, 600)
	_, _, err := env.svc.Purchase(context.Background(), "t1", "u1", "food_court", "")
	require.NoError(t, err)

	// One minute at 50/hour is under a whole coin; the span keeps growing.
	env.advance(time.Minute)
	n, err := env.svc.AccrueDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.advance(time.Hour)
	n, err = env.svc.AccrueDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	facilities, _ := env.store.ListFacilities(context.Background(), "t1", "u1")
	// The full 61 minutes accrued in one step.
	assert.Equal(t, int64(50), facilities[0].PendingIncome)
}

func TestGetOverview(t *testing.T) {
	env := newTestEnv(t, 8, 2000)
	_, _, err := env.svc.Purchase(context.Background(), "t1", "u1", "food_court", "")
	require.NoError(t, err)

	ov, err := env.svc.GetOverview(context.Background(), "t1", "u1")
	require.NoError(t, err)
	require.Len(t, ov.Facilities, 1)
	assert.Equal(t, int64(50), ov.TotalIncome)
	require.Len(t, ov.Catalog, len(Catalog()))

	byID := make(map[string]*CatalogEntry)
	for _, e := range ov.Catalog {
		byID[e.FacilityType.ID] = e
	}
	fc := byID["food_court"]
	assert.True(t, fc.Owned)
	assert.True(t, fc.Unlocked)
	assert.Equal(t, int64(500), fc.NextCost, "next upgrade price once owned")

	ec := byID["entertainment_center"]
	assert.False(t, ec.Owned)
	assert.True(t, ec.Unlocked, "level 8 unlocks the entertainment center")
	assert.Equal(t, int64(1000), ec.NextCost)

	cinema := byID["cinema"]
	assert.False(t, cinema.Unlocked)
}

func TestCollectReadsPendingUnderUserLock(t *testing.T) {
	env := newTestEnv(t, 5, 600)
	_, _, err := env.svc.Purchase(context.Background(), "t1", "u1", "food_court", "")
	require.NoError(t, err)
	facilities, _ := env.store.ListFacilities(context.Background(), "t1", "u1")
	fid := facilities[0].ID

	env.advance(time.Hour)
	_, err = env.svc.AccrueDue(context.Background(), 100)
	require.NoError(t, err)

	release, err := env.coord.Locks().Acquire(context.Background(), "t1", "u1")
	require.NoError(t, err)

	type outcome struct {
		blob []byte
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		blob, _, err := env.svc.Collect(context.Background(), "t1", "u1", fid, "c1")
		done <- outcome{blob, err}
	}()

	// More income lands while the collect is waiting for the lock; the
	// commit must take all of it, not the amount visible at call time.
	env.advance(time.Hour)
	_, err = env.svc.AccrueDue(context.Background(), 100)
	require.NoError(t, err)
	release()

	res := <-done
	require.NoError(t, res.err)
	body := decode(t, res.blob)
	assert.Equal(t, float64(100), body["collected"])

	f, err := env.store.GetFacility(context.Background(), "t1", "u1", fid)
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.PendingIncome)
}
