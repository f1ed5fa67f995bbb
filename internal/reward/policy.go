// Package reward computes receipt rewards. The engine is pure: given the
// same user snapshot, receipt, policy, event set and clock instant it always
// produces the same outcome, which makes replay and audit trivial.
package reward

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mallquest/backend/internal/config"
	"github.com/mallquest/backend/internal/core"
)

// Policy is the effective reward policy for one tenant. Immutable once
// built; the coordinator snapshots the multipliers it used onto the receipt.
type Policy struct {
	BaseRate   float64
	XPRate     float64
	XPPerLevel int64

	CategoryMultipliers map[string]float64
	TimeMultipliers     map[string]float64

	EventMultiplierCap float64
	MaxReceiptAmount   decimal.Decimal
	SuspiciousAmount   decimal.Decimal
	DuplicateWindow    time.Duration
	DuplicateCount     int

	// AllowedStores is a prefix allow-list; empty admits every store.
	AllowedStores []string
}

// DefaultCategoryMultipliers returns the stock category table.
func DefaultCategoryMultipliers() map[string]float64 {
	return map[string]float64{
		"fashion":     1.3,
		"electronics": 1.2,
		"food":        0.8,
		"luxury":      1.5,
		"books":       1.4,
		"sports":      1.1,
		"beauty":      1.25,
		"home":        1.15,
	}
}

// DefaultTimeMultipliers returns the stock time-bucket table.
func DefaultTimeMultipliers() map[string]float64 {
	return map[string]float64{
		"morning":   1.1, // 06-12
		"afternoon": 1.0, // 12-18
		"evening":   1.3, // 18-22
		"night":     0.8, // 22-06
		"weekend":   1.2,
	}
}

// FromConfig builds a tenant policy from the merged config, applying any
// per-tenant category overrides on top of the defaults.
func FromConfig(pc config.PolicyConfig, categoryOverrides map[string]float64) Policy {
	cats := DefaultCategoryMultipliers()
	for k, v := range categoryOverrides {
		cats[k] = v
	}
	return Policy{
		BaseRate:            pc.BaseRate,
		XPRate:              pc.XPRate,
		XPPerLevel:          pc.XPPerLevel,
		CategoryMultipliers: cats,
		TimeMultipliers:     DefaultTimeMultipliers(),
		EventMultiplierCap:  pc.EventMultiplierCap,
		MaxReceiptAmount:    decimal.NewFromFloat(pc.MaxReceiptAmount),
		SuspiciousAmount:    decimal.NewFromFloat(pc.SuspiciousAmount),
		DuplicateWindow:     pc.DuplicateWindow,
		DuplicateCount:      pc.DuplicateCount,
	}
}

// TimeBucket classifies an instant in the tenant's timezone. Weekends win
// over the hour bucket.
func TimeBucket(t time.Time) string {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return "weekend"
	}
	switch hour := t.Hour(); {
	case hour >= 6 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 18:
		return "afternoon"
	case hour >= 18 && hour < 22:
		return "evening"
	default:
		return "night"
	}
}

// LevelFor is the level step function: 1 + floor(xp / xp_per_level).
func LevelFor(xp, xpPerLevel int64) int {
	if xpPerLevel <= 0 {
		xpPerLevel = 100
	}
	return int(1 + xp/xpPerLevel)
}

// ===== VIP TIERS =====

// VIPBenefit is what a tier grants.
type VIPBenefit struct {
	CoinMultiplier float64
	XPMultiplier   float64
	DailyBonus     int64
	TierUpBonus    int64
}

var vipBenefits = map[core.VIPTier]VIPBenefit{
	core.TierBronze:   {CoinMultiplier: 1.0, XPMultiplier: 1.0, DailyBonus: 5, TierUpBonus: 0},
	core.TierSilver:   {CoinMultiplier: 1.2, XPMultiplier: 1.1, DailyBonus: 10, TierUpBonus: 50},
	core.TierGold:     {CoinMultiplier: 1.5, XPMultiplier: 1.2, DailyBonus: 20, TierUpBonus: 100},
	core.TierPlatinum: {CoinMultiplier: 2.0, XPMultiplier: 1.5, DailyBonus: 50, TierUpBonus: 200},
	core.TierDiamond:  {CoinMultiplier: 2.5, XPMultiplier: 2.0, DailyBonus: 100, TierUpBonus: 500},
}

// BenefitFor returns the benefits of a tier. Unknown tiers get Bronze.
func BenefitFor(tier core.VIPTier) VIPBenefit {
	if b, ok := vipBenefits[tier]; ok {
		return b
	}
	return vipBenefits[core.TierBronze]
}

// TierFor is the VIP step function of VIP points.
func TierFor(points int64) core.VIPTier {
	switch {
	case points >= 10000:
		return core.TierDiamond
	case points >= 5000:
		return core.TierPlatinum
	case points >= 2000:
		return core.TierGold
	case points >= 500:
		return core.TierSilver
	default:
		return core.TierBronze
	}
}

// tierRank orders tiers for upgrade detection.
func tierRank(tier core.VIPTier) int {
	switch tier {
	case core.TierDiamond:
		return 4
	case core.TierPlatinum:
		return 3
	case core.TierGold:
		return 2
	case core.TierSilver:
		return 1
	default:
		return 0
	}
}

// TierUpgraded reports whether b outranks a.
func TierUpgraded(a, b core.VIPTier) bool { return tierRank(b) > tierRank(a) }

// VIPPointsFor recomputes VIP points from their sources: one point per 100
// spent, ten per streak day, plus achievement points and social score.
func VIPPointsFor(totalSpent decimal.Decimal, streakDays int, achievementPoints, socialScore int64) int64 {
	spending := totalSpent.Div(decimal.NewFromInt(100)).IntPart()
	return spending + int64(streakDays)*10 + achievementPoints + socialScore
}
