package progression

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mallquest/backend/internal/core"
)

// achievementState is the post-commit view an unlock rule sees.
type achievementState struct {
	TotalPurchases int
	TotalSpent     decimal.Decimal
	Categories     int
	Level          int
	StreakDays     int
	Coins          int64
	ReceiptAmount  decimal.Decimal // the receipt that triggered this check, zero otherwise
}

type achievementRule struct {
	Type     string
	Name     string
	Points   int64
	Coins    int64
	Unlocked func(s achievementState) bool
}

// achievementRules is the full catalog. Rules fire at most once per user;
// the store's (user, type) uniqueness makes re-insertion a no-op.
var achievementRules = []achievementRule{
	{
		Type: "first_receipt", Name: "First Receipt", Points: 10, Coins: 10,
		Unlocked: func(s achievementState) bool { return s.TotalPurchases >= 1 },
	},
	{
		Type: "high_spender", Name: "High Roller", Points: 50, Coins: 0,
		Unlocked: func(s achievementState) bool {
			return s.ReceiptAmount.GreaterThanOrEqual(decimal.NewFromInt(1000))
		},
	},
	{
		Type: "category_explorer", Name: "Category Explorer", Points: 30, Coins: 0,
		Unlocked: func(s achievementState) bool { return s.Categories >= 5 },
	},
	{
		Type: "frequent_shopper", Name: "Frequent Shopper", Points: 40, Coins: 0,
		Unlocked: func(s achievementState) bool { return s.TotalPurchases >= 10 },
	},
	{
		Type: "vip_spender", Name: "VIP Spender", Points: 100, Coins: 0,
		Unlocked: func(s achievementState) bool {
			return s.TotalSpent.GreaterThanOrEqual(decimal.NewFromInt(5000))
		},
	},
	{
		Type: "level_5", Name: "Rising Star", Points: 25, Coins: 25,
		Unlocked: func(s achievementState) bool { return s.Level >= 5 },
	},
	{
		Type: "level_10", Name: "Mall Regular", Points: 60, Coins: 60,
		Unlocked: func(s achievementState) bool { return s.Level >= 10 },
	},
	{
		Type: "level_25", Name: "Mall Veteran", Points: 120, Coins: 120,
		Unlocked: func(s achievementState) bool { return s.Level >= 25 },
	},
	{
		Type: "level_50", Name: "Mall Legend", Points: 250, Coins: 250,
		Unlocked: func(s achievementState) bool { return s.Level >= 50 },
	},
	{
		Type: "streak_3", Name: "Warming Up", Points: 15, Coins: 15,
		Unlocked: func(s achievementState) bool { return s.StreakDays >= 3 },
	},
	{
		Type: "streak_7", Name: "Week Warrior", Points: 30, Coins: 30,
		Unlocked: func(s achievementState) bool { return s.StreakDays >= 7 },
	},
	{
		Type: "streak_14", Name: "Fortnight Faithful", Points: 50, Coins: 50,
		Unlocked: func(s achievementState) bool { return s.StreakDays >= 14 },
	},
	{
		Type: "streak_30", Name: "Habit Builder", Points: 80, Coins: 80,
		Unlocked: func(s achievementState) bool { return s.StreakDays >= 30 },
	},
	{
		Type: "streak_60", Name: "Iron Streak", Points: 150, Coins: 150,
		Unlocked: func(s achievementState) bool { return s.StreakDays >= 60 },
	},
	{
		Type: "coin_collector", Name: "Coin Collector", Points: 70, Coins: 0,
		Unlocked: func(s achievementState) bool { return s.Coins >= 10000 },
	},
}

// checkAchievements returns the rows for every rule that newly holds.
// earned is the set of achievement types the user already has.
func checkAchievements(tenantID, userID string, s achievementState, earned map[string]bool, now time.Time) []*core.Achievement {
	var out []*core.Achievement
	for _, rule := range achievementRules {
		if earned[rule.Type] || !rule.Unlocked(s) {
			continue
		}
		out = append(out, &core.Achievement{
			ID:       uuid.NewString(),
			TenantID: tenantID,
			UserID:   userID,
			Type:     rule.Type,
			Name:     rule.Name,
			Points:   rule.Points,
			Coins:    rule.Coins,
			EarnedAt: now,
		})
	}
	return out
}
