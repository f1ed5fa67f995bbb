package progression

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallquest/backend/internal/cache"
	"github.com/mallquest/backend/internal/config"
	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/store"
)

// testNow is a Wednesday 14:00 UTC: neutral time bucket, no weekend bonus.
var testNow = time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)

type testEnv struct {
	coord *Coordinator
	store *store.Memory
	now   time.Time
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
	e.coord.SetClock(func() time.Time { return e.now })
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.PutTenant(context.Background(), &core.Tenant{
		ID: "t1", Name: "Test Mall", HostDomain: "mall.test", Timezone: "UTC",
	}))
	require.NoError(t, st.CreateUser(context.Background(), &core.User{
		ID: "u1", TenantID: "t1", Handle: "shopper", DisplayName: "Shopper",
		Role: core.RolePlayer, Level: 1, VIPTier: core.TierBronze,
		VisitedCategories: map[string]bool{}, Version: 1,
	}))

	policies, err := config.NewManager(config.PolicyConfig{
		BaseRate:           0.10,
		XPRate:             0.20,
		XPPerLevel:         100,
		EventMultiplierCap: 3.0,
		MaxReceiptAmount:   10000,
		SuspiciousAmount:   5000,
		DuplicateWindow:    10 * time.Minute,
		DuplicateCount:     3,
	}, "")
	require.NoError(t, err)

	users := cache.NewUserCache(100, time.Minute, nil)
	blobs := cache.NewBlobCache(100, time.Minute)
	coord := New(st, users, blobs, policies, nil, nil, "UTC")

	env := &testEnv{coord: coord, store: st, now: testNow}
	coord.SetClock(func() time.Time { return env.now })
	return env
}

func submit(t *testing.T, env *testEnv, in SubmitReceiptInput) map[string]interface{} {
	t.Helper()
	blob, _, err := env.coord.SubmitReceipt(context.Background(), "t1", "u1", in)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(blob, &body))
	return body
}

func TestSubmitReceiptCreditsRewards(t *testing.T) {
	env := newTestEnv(t)

	body := submit(t, env, SubmitReceiptInput{
		Amount:   decimal.NewFromFloat(100.00),
		Store:    "Zara",
		Category: "fashion",
		IdemKey:  "r1",
	})

	assert.Equal(t, "verified", body["status"])
	reward := body["reward"].(map[string]interface{})
	// 100 x 0.10 x 1.3 x 1.01 (streak day 1) rounds to 13.
	assert.Equal(t, float64(13), reward["coins"])
	assert.Equal(t, float64(26), reward["xp"])
	assert.Equal(t, float64(25), reward["bonus"], "first visit to the category")

	u, err := env.store.LoadUser(context.Background(), "t1", "u1")
	require.NoError(t, err)
	// 13 + 25 bonus + 10 first_receipt achievement coins.
	assert.Equal(t, int64(48), u.Coins)
	assert.Equal(t, int64(26), u.XP)
	assert.Equal(t, 1, u.Streak.Days)
	assert.Equal(t, 1, u.TotalPurchases)
	assert.True(t, u.VisitedCategories["fashion"])

	achs, err := env.store.ListAchievements(context.Background(), "t1", "u1")
	require.NoError(t, err)
	require.Len(t, achs, 1)
	assert.Equal(t, "first_receipt", achs[0].Type)
}

func TestSubmitReceiptEventOrder(t *testing.T) {
	env := newTestEnv(t)

	body := submit(t, env, SubmitReceiptInput{
		Amount: decimal.NewFromInt(100), Store: "Zara", Category: "fashion", IdemKey: "r1",
	})

	events := body["events"].([]interface{})
	require.GreaterOrEqual(t, len(events), 3)
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.(map[string]interface{})["kind"].(string)
	}
	assert.Equal(t, core.EvReceiptVerified, kinds[0])
	assert.Equal(t, core.EvStreakExtended, kinds[1])
	assert.Contains(t, kinds, core.EvAchievementUnlocked)
}

func TestSubmitReceiptReplayIsByteIdentical(t *testing.T) {
	env := newTestEnv(t)

	in := SubmitReceiptInput{
		Amount: decimal.NewFromInt(100), Store: "Zara", Category: "fashion", IdemKey: "r1",
	}
	first, replayed, err := env.coord.SubmitReceipt(context.Background(), "t1", "u1", in)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := env.coord.SubmitReceipt(context.Background(), "t1", "u1", in)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)

	// The credit happened exactly once.
	u, err := env.store.LoadUser(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(48), u.Coins)
	assert.Equal(t, 1, u.TotalPurchases)
}

func TestSubmitReceiptSuspiciousWithholdsCredit(t *testing.T) {
	env := newTestEnv(t)

	body := submit(t, env, SubmitReceiptInput{
		Amount: decimal.NewFromInt(6000), Store: "Jewelry Palace", Category: "luxury", IdemKey: "r1",
	})
	assert.Equal(t, "suspicious", body["status"])

	// The reward snapshot is reported but nothing moves.
	u, err := env.store.LoadUser(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.Coins)
	assert.Equal(t, int64(0), u.XP)
	assert.Equal(t, 0, u.TotalPurchases)
	assert.Equal(t, 0, u.Streak.Days)
}

func TestSubmitReceiptRepeatStoreFraud(t *testing.T) {
	env := newTestEnv(t)

	for i, key := range []string{"r1", "r2"} {
		body := submit(t, env, SubmitReceiptInput{
			Amount: decimal.NewFromInt(50), Store: "Zara", Category: "fashion", IdemKey: key,
		})
		assert.Equal(t, "verified", body["status"], "receipt %d", i+1)
	}

	// The third same-store receipt inside the window trips the heuristic.
	body := submit(t, env, SubmitReceiptInput{
		Amount: decimal.NewFromInt(50), Store: "Zara", Category: "fashion", IdemKey: "r3",
	})
	assert.Equal(t, "suspicious", body["status"])
}

func TestSubmitReceiptValidation(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.coord.SubmitReceipt(context.Background(), "t1", "u1", SubmitReceiptInput{
		Amount: decimal.NewFromInt(-5), Store: "Zara",
	})
	assert.True(t, core.IsKind(err, core.KindValidation))

	_, _, err = env.coord.SubmitReceipt(context.Background(), "t1", "u1", SubmitReceiptInput{
		Amount: decimal.NewFromInt(20000), Store: "Zara",
	})
	assert.True(t, core.IsKind(err, core.KindValidation))

	_, _, err = env.coord.SubmitReceipt(context.Background(), "t1", "u1", SubmitReceiptInput{
		Amount: decimal.NewFromInt(100), Store: "   ",
	})
	assert.True(t, core.IsKind(err, core.KindValidation))

	_, _, err = env.coord.SubmitReceipt(context.Background(), "t1", "u1", SubmitReceiptInput{
		Amount: decimal.NewFromInt(100), Store: "Zara", IdemKey: "bad key with spaces",
	})
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestSubmitReceiptUnknownCategoryBecomesGeneral(t *testing.T) {
	env := newTestEnv(t)

	submit(t, env, SubmitReceiptInput{
		Amount: decimal.NewFromInt(100), Store: "Pop-up", Category: "cryptids", IdemKey: "r1",
	})

	u, err := env.store.LoadUser(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.True(t, u.VisitedCategories["general"])
	assert.False(t, u.VisitedCategories["cryptids"])
}

func TestStreakAcrossDays(t *testing.T) {
	env := newTestEnv(t)

	submit(t, env, SubmitReceiptInput{Amount: decimal.NewFromInt(50), Store: "A", Category: "food", IdemKey: "d1"})
	u, _ := env.store.LoadUser(context.Background(), "t1", "u1")
	assert.Equal(t, 1, u.Streak.Days)

	// A second receipt the same day does not extend the streak.
	submit(t, env, SubmitReceiptInput{Amount: decimal.NewFromInt(50), Store: "B", Category: "food", IdemKey: "d1b"})
	u, _ = env.store.LoadUser(context.Background(), "t1", "u1")
	assert.Equal(t, 1, u.Streak.Days)

	env.advance(24 * time.Hour)
	submit(t, env, SubmitReceiptInput{Amount: decimal.NewFromInt(50), Store: "C", Category: "food", IdemKey: "d2"})
	u, _ = env.store.LoadUser(context.Background(), "t1", "u1")
	assert.Equal(t, 2, u.Streak.Days)

	// A gap resets the chain to one.
	env.advance(3 * 24 * time.Hour)
	submit(t, env, SubmitReceiptInput{Amount: decimal.NewFromInt(50), Store: "D", Category: "food", IdemKey: "d5"})
	u, _ = env.store.LoadUser(context.Background(), "t1", "u1")
	assert.Equal(t, 1, u.Streak.Days)
}

func TestDailyLoginBonus(t *testing.T) {
	env := newTestEnv(t)

	blob, replayed, err := env.coord.DailyLoginBonus(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.False(t, replayed)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(blob, &body))
	// Bronze daily 5 + streak part 2, multiplier 1.0.
	assert.Equal(t, float64(7), body["bonus"])
	assert.Equal(t, float64(12), body["xp"])

	// Same day: replayed byte-identical, no second credit.
	again, replayed, err := env.coord.DailyLoginBonus(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, blob, again)

	u, _ := env.store.LoadUser(context.Background(), "t1", "u1")
	assert.Equal(t, int64(7), u.Coins)
	assert.Equal(t, 1, u.Streak.Days)

	// Next day the streak part grows.
	env.advance(24 * time.Hour)
	blob, _, err = env.coord.DailyLoginBonus(context.Background(), "t1", "u1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(blob, &body))
	assert.Equal(t, float64(9), body["bonus"])
	assert.Equal(t, float64(14), body["xp"])
}

func TestGenerateMissionFillsSlotsInOrder(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.coord.GenerateMission(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "daily_shopper", first.TemplateID)
	assert.Equal(t, core.MissionActive, first.Status)

	second, err := env.coord.GenerateMission(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "fashion_spree", second.TemplateID)
}

func TestGenerateMissionExhaustsCatalog(t *testing.T) {
	env := newTestEnv(t)

	for range MissionCatalog() {
		_, err := env.coord.GenerateMission(context.Background(), "t1", "u1")
		require.NoError(t, err)
	}
	_, err := env.coord.GenerateMission(context.Background(), "t1", "u1")
	assert.True(t, core.IsKind(err, core.KindConflict))
}

func TestClaimMissionFlow(t *testing.T) {
	env := newTestEnv(t)

	mission, err := env.coord.GenerateMission(context.Background(), "t1", "u1")
	require.NoError(t, err)
	require.Equal(t, 3, mission.Target)

	// Claiming before the target is a conflict.
	_, _, err = env.coord.ClaimMission(context.Background(), "t1", "u1", mission.ID, "")
	assert.True(t, core.IsKind(err, core.KindConflict))

	for i, storeName := range []string{"Zara", "Nike", "Books Inc"} {
		submit(t, env, SubmitReceiptInput{
			Amount: decimal.NewFromInt(50), Store: storeName, Category: "food",
			IdemKey: "r" + string(rune('1'+i)),
		})
	}
	got, err := env.store.GetMission(context.Background(), "t1", "u1", mission.ID)
	require.NoError(t, err)
	assert.Equal(t, core.MissionReadyToClaim, got.Status)

	coinsBefore, _ := env.store.LoadUser(context.Background(), "t1", "u1")

	blob, replayed, err := env.coord.ClaimMission(context.Background(), "t1", "u1", mission.ID, "")
	require.NoError(t, err)
	assert.False(t, replayed)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(blob, &body))
	assert.Equal(t, string(core.MissionCompleted), body["status"])

	u, _ := env.store.LoadUser(context.Background(), "t1", "u1")
	assert.Equal(t, coinsBefore.Coins+mission.RewardCoins, u.Coins)
	assert.Equal(t, coinsBefore.XP+mission.RewardXP, u.XP)

	// A second claim replays the stored outcome.
	again, replayed, err := env.coord.ClaimMission(context.Background(), "t1", "u1", mission.ID, "")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, blob, again)
}

func TestAddFriend(t *testing.T) {
	env := newTestEnv(t)

	u, err := env.coord.AddFriend(context.Background(), "t1", "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, u.Friends)
	assert.Equal(t, int64(10), u.SocialScore)

	// Adding the same friend again changes nothing.
	u, err = env.coord.AddFriend(context.Background(), "t1", "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, u.Friends)
	assert.Equal(t, int64(10), u.SocialScore)

	_, err = env.coord.AddFriend(context.Background(), "t1", "u1", "u1")
	assert.True(t, core.IsKind(err, core.KindValidation))

	_, err = env.coord.AddFriend(context.Background(), "t1", "u1", "")
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestLeaderboardMemoized(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.CreateUser(context.Background(), &core.User{
		ID: "u2", TenantID: "t1", Handle: "rival", DisplayName: "Rival", Coins: 500,
	}))

	entries, err := env.coord.Leaderboard(context.Background(), "t1", core.BoardCoins, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "u2", entries[0].UserID)

	// The cached page is served even after the store changes.
	require.NoError(t, env.store.CreateUser(context.Background(), &core.User{
		ID: "u3", TenantID: "t1", Handle: "late", DisplayName: "Late", Coins: 900,
	}))
	entries, err = env.coord.Leaderboard(context.Background(), "t1", core.BoardCoins, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAdvanceStreak(t *testing.T) {
	loc := time.UTC

	s, extended := advanceStreak(core.Streak{}, "2026-03-04", loc)
	assert.True(t, extended)
	assert.Equal(t, core.Streak{Days: 1, LastDay: "2026-03-04"}, s)

	s, extended = advanceStreak(core.Streak{Days: 1, LastDay: "2026-03-04"}, "2026-03-04", loc)
	assert.False(t, extended)
	assert.Equal(t, 1, s.Days)

	s, extended = advanceStreak(core.Streak{Days: 1, LastDay: "2026-03-04"}, "2026-03-05", loc)
	assert.True(t, extended)
	assert.Equal(t, 2, s.Days)

	s, extended = advanceStreak(core.Streak{Days: 7, LastDay: "2026-03-04"}, "2026-03-08", loc)
	assert.True(t, extended)
	assert.Equal(t, 1, s.Days)
}

func TestSubmitReceiptAfterStreakLapseKeepsVIPStanding(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.CreateUser(context.Background(), &core.User{
		ID: "lapsed", TenantID: "t1", Handle: "lapsed", DisplayName: "Lapsed",
		Role: core.RolePlayer, Level: 1, VIPTier: core.TierSilver, VIPPoints: 500,
		Streak:            core.Streak{Days: 50, LastDay: "2026-01-01"},
		VisitedCategories: map[string]bool{},
		Version:           1,
	}))

	blob, _, err := env.coord.SubmitReceipt(context.Background(), "t1", "lapsed", SubmitReceiptInput{
		Amount: decimal.NewFromInt(100), Store: "Zara", Category: "fashion", IdemKey: "r1",
	})
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(blob, &body))
	for _, ev := range body["events"].([]interface{}) {
		assert.NotEqual(t, core.EvVIPTierUp, ev.(map[string]interface{})["kind"])
	}

	u, err := env.store.LoadUser(context.Background(), "t1", "lapsed")
	require.NoError(t, err)
	// The streak restarted, but standing already earned stays put.
	assert.Equal(t, 1, u.Streak.Days)
	assert.Equal(t, int64(500), u.VIPPoints)
	assert.Equal(t, core.TierSilver, u.VIPTier)
}

func TestDailyLoginBonusAfterStreakLapseKeepsVIPStanding(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.CreateUser(context.Background(), &core.User{
		ID: "lapsed", TenantID: "t1", Handle: "lapsed2", DisplayName: "Lapsed",
		Role: core.RolePlayer, Level: 1, VIPTier: core.TierSilver, VIPPoints: 500,
		Streak:            core.Streak{Days: 50, LastDay: "2026-01-01"},
		VisitedCategories: map[string]bool{},
		Version:           1,
	}))

	_, replayed, err := env.coord.DailyLoginBonus(context.Background(), "t1", "lapsed")
	require.NoError(t, err)
	assert.False(t, replayed)

	u, err := env.store.LoadUser(context.Background(), "t1", "lapsed")
	require.NoError(t, err)
	assert.Equal(t, 1, u.Streak.Days)
	assert.Equal(t, int64(500), u.VIPPoints)
	assert.Equal(t, core.TierSilver, u.VIPTier)
	assert.Greater(t, u.Coins, int64(0))
}

func TestSubmitReceiptIdemKeyPayloadConflict(t *testing.T) {
	env := newTestEnv(t)
	submit(t, env, SubmitReceiptInput{
		Amount: decimal.NewFromInt(100), Store: "Zara", Category: "fashion", IdemKey: "k1",
	})

	_, replayed, err := env.coord.SubmitReceipt(context.Background(), "t1", "u1", SubmitReceiptInput{
		Amount: decimal.NewFromInt(999), Store: "Nike", Category: "fashion", IdemKey: "k1",
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConflict))
	assert.False(t, replayed)

	// The original outcome is intact: the same payload still replays, and
	// the conflicting one credited nothing.
	blob, replayed, err := env.coord.SubmitReceipt(context.Background(), "t1", "u1", SubmitReceiptInput{
		Amount: decimal.NewFromInt(100), Store: "Zara", Category: "fashion", IdemKey: "k1",
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	require.NotNil(t, blob)

	u, err := env.store.LoadUser(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.TotalPurchases)
}
