package progression

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mallquest/backend/internal/core"
)

// MissionTemplate declares one mission slot: its predicate over receipts,
// its target and its reward. One active mission per (user, template).
type MissionTemplate struct {
	ID          string
	Title       string
	Type        core.MissionType
	Category    string // "" matches any category
	MinAmount   decimal.Decimal
	Target      int
	RewardCoins int64
	RewardXP    int64
	Duration    time.Duration
}

// Matches is the template predicate: does this receipt advance the mission.
func (t *MissionTemplate) Matches(r *core.Receipt) bool {
	if t.Category != "" && t.Category != r.Category {
		return false
	}
	return !r.Amount.LessThan(t.MinAmount)
}

// Instantiate creates an active mission from the template.
func (t *MissionTemplate) Instantiate(tenantID, userID string, now time.Time) *core.Mission {
	return &core.Mission{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		UserID:      userID,
		Type:        t.Type,
		TemplateID:  t.ID,
		Title:       t.Title,
		Category:    t.Category,
		Target:      t.Target,
		MinAmount:   t.MinAmount,
		RewardCoins: t.RewardCoins,
		RewardXP:    t.RewardXP,
		Status:      core.MissionActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(t.Duration),
	}
}

// MissionCatalog returns the stock templates. Dailies run 24h, weeklies 7d,
// seasonals 30d.
func MissionCatalog() []*MissionTemplate {
	day := 24 * time.Hour
	return []*MissionTemplate{
		{
			ID: "daily_shopper", Title: "Daily Shopper", Type: core.MissionDaily,
			Target: 3, RewardCoins: 30, RewardXP: 20, Duration: day,
		},
		{
			ID: "fashion_spree", Title: "Fashion Spree", Type: core.MissionDaily,
			Category: "fashion", Target: 2, RewardCoins: 40, RewardXP: 30, Duration: day,
		},
		{
			ID: "food_tour", Title: "Food Court Tour", Type: core.MissionDaily,
			Category: "food", Target: 2, RewardCoins: 25, RewardXP: 15, Duration: day,
		},
		{
			ID: "big_ticket", Title: "Big Ticket", Type: core.MissionDaily,
			MinAmount: decimal.NewFromInt(200), Target: 1,
			RewardCoins: 50, RewardXP: 40, Duration: day,
		},
		{
			ID: "weekly_regular", Title: "Mall Regular", Type: core.MissionWeekly,
			Target: 10, RewardCoins: 150, RewardXP: 100, Duration: 7 * day,
		},
		{
			ID: "weekly_luxury", Title: "Taste of Luxury", Type: core.MissionWeekly,
			Category: "luxury", Target: 1, MinAmount: decimal.NewFromInt(500),
			RewardCoins: 120, RewardXP: 80, Duration: 7 * day,
		},
		{
			ID: "season_collector", Title: "Season Collector", Type: core.MissionSeasonal,
			Target: 30, RewardCoins: 500, RewardXP: 400, Duration: 30 * day,
		},
	}
}
