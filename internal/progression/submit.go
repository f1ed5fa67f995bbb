package progression

import (
	"context"
	"encoding/json"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/reward"
	"github.com/mallquest/backend/internal/store"
)

// SubmitReceiptInput is the validated submission payload.
type SubmitReceiptInput struct {
	Amount   decimal.Decimal
	Store    string
	Category string
	SSID     string
	IdemKey  string
	Source   core.ReceiptSource
}

var idemKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// validate normalizes the input in place.
func (in *SubmitReceiptInput) validate(policy reward.Policy) error {
	if in.Amount.LessThanOrEqual(decimal.Zero) {
		return core.E(core.KindValidation, "amount must be positive")
	}
	if in.Amount.GreaterThan(policy.MaxReceiptAmount) {
		return core.E(core.KindValidation, "amount exceeds the maximum receipt amount")
	}
	in.Amount = in.Amount.Round(2)

	in.Store = strings.TrimSpace(html.EscapeString(in.Store))
	if in.Store == "" {
		return core.E(core.KindValidation, "store is required")
	}
	if len(in.Store) > 100 {
		return core.E(core.KindValidation, "store name too long")
	}

	in.Category = strings.ToLower(strings.TrimSpace(in.Category))
	if in.Category != "" {
		if _, known := policy.CategoryMultipliers[in.Category]; !known {
			in.Category = "general"
		}
	}

	if in.IdemKey == "" {
		in.IdemKey = uuid.NewString()
	}
	if !idemKeyPattern.MatchString(in.IdemKey) {
		return core.E(core.KindValidation, "malformed idempotency key")
	}
	if in.Source == "" {
		in.Source = core.SourceMobile
	}
	return nil
}

// SubmitReceipt runs the canonical flow: validate, admit, load, compute,
// commit, fan out, respond. The response body is rendered inside the commit
// so that a replay under the same idempotency key is byte-identical.
func (c *Coordinator) SubmitReceipt(ctx context.Context, tenantID, userID string, in SubmitReceiptInput) ([]byte, bool, error) {
	tenant, loc, policy, err := c.tenantContext(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	if err := in.validate(policy); err != nil {
		return nil, false, err
	}

	release, err := c.locks.Acquire(ctx, tenantID, userID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	requestHash := core.HashRequest("submit_receipt", tenantID, userID,
		in.Amount.StringFixed(2), in.Store, in.Category)

	// Pre-check before computing anything: a retry of a committed
	// submission returns the stored outcome unchanged, and a reused key
	// with a different payload is rejected.
	if blob, found, err := c.store.LookupOutcome(ctx, tenantID, userID, in.IdemKey, requestHash); err != nil {
		return nil, false, err
	} else if found {
		return blob, true, nil
	}

	for attempt := 0; ; attempt++ {
		blob, replayed, err := c.submitOnce(ctx, tenant, loc, policy, tenantID, userID, in, requestHash)
		if err == store.ErrVersionConflict && attempt < versionRetries {
			continue
		}
		return blob, replayed, err
	}
}

func (c *Coordinator) submitOnce(ctx context.Context, tenant *core.Tenant, loc *time.Location, policy reward.Policy, tenantID, userID string, in SubmitReceiptInput, requestHash string) ([]byte, bool, error) {
	u, err := c.store.LoadUser(ctx, tenantID, userID)
	if err != nil {
		return nil, false, err
	}

	now := c.clock().In(loc)
	today := dayOf(now, loc)
	streakAfter, extended := advanceStreak(u.Streak, today, loc)

	sameStore, err := c.store.CountRecentReceipts(ctx, tenantID, userID, in.Store, now.Add(-policy.DuplicateWindow))
	if err != nil {
		return nil, false, err
	}

	receipt := &core.Receipt{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		UserID:      userID,
		Store:       in.Store,
		Category:    in.Category,
		Amount:      in.Amount,
		Currency:    "AED",
		SSID:        in.SSID,
		Source:      in.Source,
		Status:      core.ReceiptVerified,
		IdemKey:     in.IdemKey,
		SubmittedAt: now,
	}

	out, err := reward.Compute(reward.Input{
		User:            u,
		Receipt:         receipt,
		Tenant:          tenant,
		Policy:          policy,
		Events:          c.activeEvents(ctx, tenantID, now),
		Now:             now,
		StreakDays:      streakAfter.Days,
		SameStoreRecent: sameStore,
	})
	if err != nil {
		return nil, false, err
	}

	// The snapshot is persisted either way; credit only moves on verified.
	receipt.RewardCoins = out.TotalCoins()
	receipt.RewardXP = out.XP
	receipt.Multipliers = out.Multipliers
	receipt.EventID = out.EventID

	var delta *core.Delta
	var events []core.DerivedEvent
	var notifications []*core.Notification

	if out.Suspicious {
		receipt.Status = core.ReceiptSuspicious
		c.logger.Printf("suspicious receipt tenant=%s user=%s store=%q reasons=%v",
			tenantID, userID, in.Store, out.Reasons)
		delta = &core.Delta{
			ExpectedVersion: u.Version,
			Receipt:         receipt,
		}
	} else {
		delta, events, notifications = c.receiptDelta(ctx, u, receipt, out, policy, streakAfter, extended, now)
	}

	result, err := c.store.ApplyUserDelta(ctx, tenantID, userID, delta,
		core.Idempotency{Key: in.IdemKey, RequestHash: requestHash},
		func(after *core.User) []byte {
			body, _ := json.Marshal(map[string]interface{}{
				"receipt_id": receipt.ID,
				"status":     receipt.Status,
				"reward": map[string]interface{}{
					"coins":       out.Coins,
					"xp":          out.XP,
					"bonus":       out.Bonus,
					"multipliers": out.Multipliers,
				},
				"user":   userSummary(after),
				"events": events,
			})
			return body
		})
	if err != nil {
		if err == store.ErrIdemConflict {
			return nil, false, core.E(core.KindConflict,
				"idempotency key already used with a different payload")
		}
		return nil, false, err
	}

	if c.users != nil {
		c.users.Put(ctx, result.User)
	}
	if !result.Replayed {
		c.fanOut(tenantID, userID, notifications, events)
	}
	return result.Response, result.Replayed, nil
}

// receiptDelta assembles the full verified-receipt commit: totals, streak,
// missions, achievements, level and VIP recomputation, notifications.
func (c *Coordinator) receiptDelta(ctx context.Context, u *core.User, receipt *core.Receipt, out *reward.Outcome, policy reward.Policy, streakAfter core.Streak, extended bool, now time.Time) (*core.Delta, []core.DerivedEvent, []*core.Notification) {
	events := []core.DerivedEvent{{Kind: core.EvReceiptVerified, Payload: map[string]interface{}{
		"receipt_id": receipt.ID, "coins": out.TotalCoins(), "xp": out.XP,
	}}}
	var notifications []*core.Notification

	if extended {
		events = append(events, core.DerivedEvent{Kind: core.EvStreakExtended,
			Payload: map[string]interface{}{"days": streakAfter.Days}})
	}

	// Mission progress evaluates every active mission's own constraint.
	// mission_ready events trail the progression events in the final order.
	var progress []core.MissionProgress
	var missionEvents []core.DerivedEvent
	missions, err := c.store.ListMissions(ctx, u.TenantID, u.ID, core.MissionActive)
	if err == nil {
		for _, m := range missions {
			if m.Category != "" && m.Category != receipt.Category {
				continue
			}
			if receipt.Amount.LessThan(m.MinAmount) {
				continue
			}
			p := core.MissionProgress{MissionID: m.ID, Increment: 1}
			if m.Progress+1 >= m.Target {
				p.NewStatus = core.MissionReadyToClaim
				missionEvents = append(missionEvents, core.DerivedEvent{Kind: core.EvMissionReady,
					Payload: map[string]interface{}{"mission_id": m.ID, "title": m.Title}})
				notifications = append(notifications, notification(u.TenantID, u.ID,
					core.EvMissionReady, core.PriorityNormal,
					map[string]interface{}{"mission_id": m.ID, "title": m.Title}, now))
			}
			progress = append(progress, p)
		}
	} else {
		c.logger.Printf("mission list failed, skipping progress tenant=%s user=%s: %v",
			u.TenantID, u.ID, err)
	}

	xpAfter := u.XP + out.XP
	levelAfter := reward.LevelFor(xpAfter, policy.XPPerLevel)
	spentAfter := u.TotalSpent.Add(receipt.Amount)

	earned, err := c.earnedSet(ctx, u.TenantID, u.ID)
	if err != nil {
		earned = map[string]bool{}
	}
	state := achievementState{
		TotalPurchases: u.TotalPurchases + 1,
		TotalSpent:     spentAfter,
		Categories:     categoriesAfter(u, receipt.Category),
		Level:          levelAfter,
		StreakDays:     streakAfter.Days,
		Coins:          u.Coins + out.TotalCoins(),
		ReceiptAmount:  receipt.Amount,
	}
	unlocked := checkAchievements(u.TenantID, u.ID, state, earned, now)

	var achPoints, achCoins int64
	for _, a := range unlocked {
		achPoints += a.Points
		achCoins += a.Coins
	}

	// VIP points are a high-water mark: a lapsed streak lowers the
	// recomputed total, but earned points and tier never come back out.
	pointsAfter := reward.VIPPointsFor(spentAfter, streakAfter.Days,
		u.AchievementPoints+achPoints, u.SocialScore)
	tierAfter := reward.TierFor(pointsAfter)
	vipDelta := pointsAfter - u.VIPPoints
	if vipDelta < 0 {
		vipDelta = 0
	}
	var tierBonus int64
	if reward.TierUpgraded(u.VIPTier, tierAfter) {
		tierBonus = reward.BenefitFor(tierAfter).TierUpBonus
	}

	delta := &core.Delta{
		ExpectedVersion:   u.Version,
		Coins:             out.TotalCoins() + achCoins + tierBonus,
		XP:                out.XP,
		VIPPoints:         vipDelta,
		AchievementPoints: achPoints,
		SpentDelta:        receipt.Amount,
		PurchasesDelta:    1,
		SetStreak:         &streakAfter,
		Receipt:           receipt,
		Missions:          progress,
		Achievements:      unlocked,
	}
	if receipt.Category != "" && !u.HasVisited(receipt.Category) {
		delta.AddVisitedCategory = receipt.Category
	}
	if levelAfter != u.Level {
		delta.SetLevel = levelAfter
		events = append(events, core.DerivedEvent{Kind: core.EvLevelUp, Payload: map[string]interface{}{
			"level_before": u.Level, "level_after": levelAfter,
		}})
		notifications = append(notifications, notification(u.TenantID, u.ID, core.EvLevelUp,
			core.PriorityHigh, map[string]interface{}{"level": levelAfter}, now))
	}
	if reward.TierUpgraded(u.VIPTier, tierAfter) {
		delta.SetVIPTier = tierAfter
		events = append(events, core.DerivedEvent{Kind: core.EvVIPTierUp, Payload: map[string]interface{}{
			"tier_before": u.VIPTier, "tier_after": tierAfter, "bonus": tierBonus,
		}})
		notifications = append(notifications, notification(u.TenantID, u.ID, core.EvVIPTierUp,
			core.PriorityHigh, map[string]interface{}{"tier": tierAfter, "bonus": tierBonus}, now))
	}
	for _, a := range unlocked {
		events = append(events, core.DerivedEvent{Kind: core.EvAchievementUnlocked, Payload: map[string]interface{}{
			"type": a.Type, "name": a.Name, "points": a.Points,
		}})
		notifications = append(notifications, notification(u.TenantID, u.ID, core.EvAchievementUnlocked,
			core.PriorityNormal, map[string]interface{}{"name": a.Name}, now))
	}
	events = append(events, missionEvents...)

	delta.Notifications = notifications
	delta.Events = events
	return delta, events, notifications
}

// activeEvents is best-effort: a store error degrades to no events rather
// than failing the submission.
func (c *Coordinator) activeEvents(ctx context.Context, tenantID string, now time.Time) []*core.Event {
	events, err := c.store.ListActiveEvents(ctx, tenantID, now)
	if err != nil {
		c.logger.Printf("event lookup failed tenant=%s: %v", tenantID, err)
		return nil
	}
	return events
}

func categoriesAfter(u *core.User, category string) int {
	n := len(u.VisitedCategories)
	if category != "" && !u.HasVisited(category) {
		n++
	}
	return n
}
