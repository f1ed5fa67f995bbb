package reward

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mallquest/backend/internal/core"
)

// Input is everything the engine needs; it reads nothing else.
type Input struct {
	User    *core.User
	Receipt *core.Receipt
	Tenant  *core.Tenant
	Policy  Policy
	Events  []*core.Event
	// Now must already be in the tenant's timezone; the time bucket and
	// weekend bonus depend on the wall clock the shopper sees.
	Now time.Time
	// StreakDays is the effective streak after today's extension, which the
	// coordinator resolves before computing.
	StreakDays int
	// SameStoreRecent counts this user's receipts for the same store within
	// the duplicate window, excluding the one being submitted.
	SameStoreRecent int
}

// Outcome is the computed reward plus the fraud verdict. Credit is the
// coordinator's decision; the engine only flags.
type Outcome struct {
	Coins       int64              // multiplied reward, excluding bonus
	Bonus       int64              // flat bonus coins
	XP          int64
	Multipliers map[string]float64 // category, time, vip, event, streak
	EventID     string             // first contributing event, for the snapshot

	Suspicious bool
	Reasons    []string
}

// TotalCoins is the full coin credit of the outcome.
func (o *Outcome) TotalCoins() int64 { return o.Coins + o.Bonus }

// Compute runs the reward formula:
//
//	coins = roundBank(amount × base_rate × category × time × vip × event × streak)
//	xp    = roundBank(amount × xp_rate × category × vip_xp × event)
//
// Rounding is half-to-even and happens once, at the end. A non-positive
// multiplier anywhere is a policy bug and fails the computation.
func Compute(in Input) (*Outcome, error) {
	p := in.Policy

	categoryM := 1.0
	if in.Receipt.Category != "" {
		if m, ok := p.CategoryMultipliers[strings.ToLower(in.Receipt.Category)]; ok {
			categoryM = m
		}
	}
	bucket := TimeBucket(in.Now)
	timeM, ok := p.TimeMultipliers[bucket]
	if !ok {
		timeM = 1.0
	}
	benefit := BenefitFor(in.User.VIPTier)
	vipM := benefit.CoinMultiplier
	vipXPM := benefit.XPMultiplier

	eventM, eventID := composeEvents(in.Events, in.Receipt, p.EventMultiplierCap)

	streakDays := in.StreakDays
	if streakDays > 60 {
		streakDays = 60 // multiplier saturates; the counter keeps going
	}
	streakM := 1.0 + float64(streakDays)*0.01

	for _, m := range []float64{p.BaseRate, p.XPRate, categoryM, timeM, vipM, vipXPM, eventM, streakM} {
		if m <= 0 {
			return nil, core.E(core.KindFatal, "invalid_policy: non-positive multiplier")
		}
	}

	amount := in.Receipt.Amount
	coins := amount.
		Mul(decimal.NewFromFloat(p.BaseRate)).
		Mul(decimal.NewFromFloat(categoryM)).
		Mul(decimal.NewFromFloat(timeM)).
		Mul(decimal.NewFromFloat(vipM)).
		Mul(decimal.NewFromFloat(eventM)).
		Mul(decimal.NewFromFloat(streakM)).
		RoundBank(0).IntPart()
	xp := amount.
		Mul(decimal.NewFromFloat(p.XPRate)).
		Mul(decimal.NewFromFloat(categoryM)).
		Mul(decimal.NewFromFloat(vipXPM)).
		Mul(decimal.NewFromFloat(eventM)).
		RoundBank(0).IntPart()

	out := &Outcome{
		Coins: coins,
		XP:    xp,
		Bonus: bonusCoins(amount, !in.User.HasVisited(strings.ToLower(in.Receipt.Category)), in.Now),
		Multipliers: map[string]float64{
			"category": categoryM,
			"time":     timeM,
			"vip":      vipM,
			"event":    eventM,
			"streak":   streakM,
		},
		EventID: eventID,
	}

	out.Suspicious, out.Reasons = fraudCheck(in)
	return out, nil
}

// composeEvents multiplies every eligible event's multiplier, clamped to the
// cap. Returns 1.0 for an empty or ineligible set.
func composeEvents(events []*core.Event, r *core.Receipt, limit float64) (float64, string) {
	m := 1.0
	eventID := ""
	for _, e := range events {
		if !e.EligibleFor(r) {
			continue
		}
		m *= e.Multiplier
		if eventID == "" {
			eventID = e.ID
		}
	}
	if limit > 0 && m > limit {
		m = limit
	}
	return m, eventID
}

// bonusCoins is the flat-bonus table. Tiers are exclusive by amount; the
// first-category and weekend bonuses stack on top.
func bonusCoins(amount decimal.Decimal, firstInCategory bool, now time.Time) int64 {
	var bonus int64
	switch {
	case amount.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		bonus += 100
	case amount.GreaterThanOrEqual(decimal.NewFromInt(500)):
		bonus += 50
	}
	if firstInCategory {
		bonus += 25
	}
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		bonus += 20
	}
	return bonus
}

// fraudCheck runs the O(1) heuristics. Every reason is reported, not just
// the first, so review queues see the full picture.
func fraudCheck(in Input) (bool, []string) {
	var reasons []string
	p := in.Policy

	if in.Receipt.Amount.GreaterThan(p.SuspiciousAmount) {
		reasons = append(reasons, "amount_exceeds_threshold")
	}
	if p.DuplicateCount > 0 && in.SameStoreRecent+1 >= p.DuplicateCount {
		reasons = append(reasons, "repeat_receipts_same_store")
	}
	if len(p.AllowedStores) > 0 && !storeAllowed(p.AllowedStores, in.Receipt.Store) {
		reasons = append(reasons, "store_not_on_allow_list")
	}
	if in.Tenant != nil && in.Tenant.EnforcesSSID() && !in.Tenant.AllowsSSID(in.Receipt.SSID) {
		reasons = append(reasons, "ssid_mismatch")
	}
	return len(reasons) > 0, reasons
}

func storeAllowed(prefixes []string, store string) bool {
	lower := strings.ToLower(store)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
