package progression

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unlockedTypes(t *testing.T, s achievementState, earned map[string]bool) []string {
	t.Helper()
	rows := checkAchievements("t1", "u1", s, earned, time.Now())
	var out []string
	for _, r := range rows {
		out = append(out, r.Type)
	}
	return out
}

func TestCheckAchievementsThresholds(t *testing.T) {
	cases := []struct {
		name  string
		state achievementState
		want  []string
	}{
		{"nothing", achievementState{}, nil},
		{"first purchase", achievementState{TotalPurchases: 1}, []string{"first_receipt"}},
		{"big receipt", achievementState{TotalPurchases: 1, ReceiptAmount: decimal.NewFromInt(1000)},
			[]string{"first_receipt", "high_spender"}},
		{"just under big receipt", achievementState{TotalPurchases: 1, ReceiptAmount: decimal.NewFromFloat(999.99)},
			[]string{"first_receipt"}},
		{"five categories", achievementState{TotalPurchases: 5, Categories: 5},
			[]string{"first_receipt", "category_explorer"}},
		{"ten purchases", achievementState{TotalPurchases: 10},
			[]string{"first_receipt", "frequent_shopper"}},
		{"lifetime spend", achievementState{TotalPurchases: 1, TotalSpent: decimal.NewFromInt(5000)},
			[]string{"first_receipt", "vip_spender"}},
		{"level five", achievementState{Level: 5}, []string{"level_5"}},
		{"level fifty sweeps the ladder", achievementState{Level: 50},
			[]string{"level_5", "level_10", "level_25", "level_50"}},
		{"streak three", achievementState{StreakDays: 3}, []string{"streak_3"}},
		{"streak sixty sweeps the ladder", achievementState{StreakDays: 60},
			[]string{"streak_3", "streak_7", "streak_14", "streak_30", "streak_60"}},
		{"coin collector", achievementState{Coins: 10000}, []string{"coin_collector"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, unlockedTypes(t, tc.state, map[string]bool{}))
		})
	}
}

func TestCheckAchievementsSkipsEarned(t *testing.T) {
	earned := map[string]bool{"first_receipt": true, "streak_3": true}
	got := unlockedTypes(t, achievementState{TotalPurchases: 3, StreakDays: 4}, earned)
	assert.Empty(t, got)
}

func TestCheckAchievementsRowShape(t *testing.T) {
	rows := checkAchievements("t1", "u1", achievementState{TotalPurchases: 1}, map[string]bool{}, time.Now())
	require.Len(t, rows, 1)
	a := rows[0]
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "t1", a.TenantID)
	assert.Equal(t, "u1", a.UserID)
	assert.Equal(t, "First Receipt", a.Name)
	assert.Equal(t, int64(10), a.Points)
	assert.Equal(t, int64(10), a.Coins)
	assert.False(t, a.EarnedAt.IsZero())
}
