// Package progression is the write path: the coordinator executes every
// user-mutating operation end to end, serialized per user, with optimistic
// retries against the store's row version.
package progression

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mallquest/backend/internal/cache"
	"github.com/mallquest/backend/internal/config"
	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/reward"
	"github.com/mallquest/backend/internal/store"
)

// versionRetries is how many times a version conflict is retried before it
// surfaces to the caller.
const versionRetries = 3

// notificationTTL is how long queued notifications live before the sweep
// deletes them.
const notificationTTL = 7 * 24 * time.Hour

// Notifier receives post-commit fan-out. Both methods are best-effort; the
// coordinator never fails a request on notification problems.
type Notifier interface {
	Enqueue(n *core.Notification)
	PushEvents(tenantID, userID string, events []core.DerivedEvent)
}

// nopNotifier lets tests run without a hub.
type nopNotifier struct{}

func (nopNotifier) Enqueue(*core.Notification)                      {}
func (nopNotifier) PushEvents(string, string, []core.DerivedEvent)  {}

// Coordinator executes mutating operations. It is the only component that
// writes user state.
type Coordinator struct {
	store    store.Store
	users    *cache.UserCache
	blobs    *cache.BlobCache
	policies *config.Manager
	notifier Notifier
	locks    *KeyedMutex
	clock    core.Clock
	logger   *log.Logger

	tzDefault string
}

// New wires a coordinator. notifier may be nil.
func New(st store.Store, users *cache.UserCache, blobs *cache.BlobCache, policies *config.Manager, notifier Notifier, locks *KeyedMutex, tzDefault string) *Coordinator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if tzDefault == "" {
		tzDefault = "Asia/Dubai"
	}
	return &Coordinator{
		store:     st,
		users:     users,
		blobs:     blobs,
		policies:  policies,
		notifier:  notifier,
		locks:     locks,
		clock:     core.SystemClock,
		logger:    log.New(log.Writer(), "[COORD] ", log.LstdFlags),
		tzDefault: tzDefault,
	}
}

// SetClock overrides time for tests.
func (c *Coordinator) SetClock(clock core.Clock) { c.clock = clock }

// Locks exposes the per-user mutex so sibling write paths (empire,
// companion) serialize on the same instance.
func (c *Coordinator) Locks() *KeyedMutex { return c.locks }

// tenantContext resolves the tenant row, its wall clock and its effective
// reward policy.
func (c *Coordinator) tenantContext(ctx context.Context, tenantID string) (*core.Tenant, *time.Location, reward.Policy, error) {
	t, err := c.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, reward.Policy{}, err
	}

	tz := t.Timezone
	if override := c.policies.Timezone(tenantID); override != "" {
		tz = override
	}
	if tz == "" {
		tz = c.tzDefault
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}

	policy := reward.FromConfig(c.policies.Policy(tenantID), c.policies.CategoryOverrides(tenantID))
	policy.AllowedStores = c.policies.AllowedStores(tenantID)
	return t, loc, policy, nil
}

// loadUser reads through the cache.
func (c *Coordinator) loadUser(ctx context.Context, tenantID, userID string) (*core.User, error) {
	if c.users != nil {
		if u := c.users.Get(ctx, tenantID, userID, 0); u != nil {
			return u, nil
		}
	}
	u, err := c.store.LoadUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if c.users != nil {
		c.users.Put(ctx, u)
	}
	return u, nil
}

// GetUser returns the user snapshot for profile reads.
func (c *Coordinator) GetUser(ctx context.Context, tenantID, userID string) (*core.User, error) {
	return c.loadUser(ctx, tenantID, userID)
}

// dayOf formats an instant as the tenant-local calendar day.
func dayOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// advanceStreak returns the streak after activity on today. Extended is
// false when today already counted.
func advanceStreak(cur core.Streak, today string, loc *time.Location) (core.Streak, bool) {
	if cur.LastDay == today {
		return cur, false
	}
	d, err := time.ParseInLocation("2006-01-02", today, loc)
	if err == nil && cur.LastDay == d.AddDate(0, 0, -1).Format("2006-01-02") {
		return core.Streak{Days: cur.Days + 1, LastDay: today}, true
	}
	return core.Streak{Days: 1, LastDay: today}, true
}

// earnedSet loads the user's unlocked achievement types.
func (c *Coordinator) earnedSet(ctx context.Context, tenantID, userID string) (map[string]bool, error) {
	achievements, err := c.store.ListAchievements(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	earned := make(map[string]bool, len(achievements))
	for _, a := range achievements {
		earned[a.Type] = true
	}
	return earned, nil
}

// fanOut pushes notifications and derived events after commit. Best-effort.
func (c *Coordinator) fanOut(tenantID, userID string, notifications []*core.Notification, events []core.DerivedEvent) {
	for _, n := range notifications {
		c.notifier.Enqueue(n)
	}
	if len(events) > 0 {
		c.notifier.PushEvents(tenantID, userID, events)
	}
}

// notification builds a queued notification row.
func notification(tenantID, userID, kind string, priority core.NotificationPriority, payload map[string]interface{}, now time.Time) *core.Notification {
	return &core.Notification{
		ID:        fmt.Sprintf("n_%d_%s", now.UnixNano(), kind),
		TenantID:  tenantID,
		UserID:    userID,
		Kind:      kind,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(notificationTTL),
	}
}

// Leaderboard returns the tenant's top-K board, memoized briefly.
func (c *Coordinator) Leaderboard(ctx context.Context, tenantID string, kind core.LeaderboardKind, k int) ([]core.BoardEntry, error) {
	if k <= 0 {
		k = 10
	}
	if k > 100 {
		k = 100
	}
	key := fmt.Sprintf("board:%s:%s:%d", tenantID, kind, k)
	if c.blobs != nil {
		if blob := c.blobs.Get(key); blob != nil {
			var entries []core.BoardEntry
			if json.Unmarshal(blob, &entries) == nil {
				return entries, nil
			}
		}
	}

	entries, err := c.store.Leaderboard(ctx, tenantID, kind, k)
	if err != nil {
		return nil, err
	}
	if c.blobs != nil {
		if blob, err := json.Marshal(entries); err == nil {
			c.blobs.Put(key, blob)
		}
	}
	return entries, nil
}

// GenerateMission creates the next mission the user is missing. Templates
// with an active or unclaimed mission are skipped.
func (c *Coordinator) GenerateMission(ctx context.Context, tenantID, userID string) (*core.Mission, error) {
	release, err := c.locks.Acquire(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	u, err := c.store.LoadUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	open, err := c.store.ListMissions(ctx, tenantID, userID, core.MissionActive, core.MissionReadyToClaim)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(open))
	for _, m := range open {
		taken[m.TemplateID] = true
	}

	now := c.clock()
	for _, tpl := range MissionCatalog() {
		if taken[tpl.ID] {
			continue
		}
		mission := tpl.Instantiate(tenantID, userID, now)
		result, err := c.store.ApplyUserDelta(ctx, tenantID, userID, &core.Delta{
			ExpectedVersion: u.Version,
			NewMissions:     []*core.Mission{mission},
		}, core.Idempotency{}, nil)
		if err != nil {
			return nil, err
		}
		if c.users != nil {
			c.users.Put(ctx, result.User)
		}
		return mission, nil
	}
	return nil, core.E(core.KindConflict, "all mission slots are filled")
}

// ClaimMission credits a ready mission's reward. Replays under the same
// idempotency key return the stored outcome.
func (c *Coordinator) ClaimMission(ctx context.Context, tenantID, userID, missionID, idemKey string) ([]byte, bool, error) {
	if idemKey == "" {
		idemKey = "claim:" + missionID
	}
	requestHash := core.HashRequest("claim_mission", tenantID, userID, missionID)

	release, err := c.locks.Acquire(ctx, tenantID, userID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	if blob, found, err := c.store.LookupOutcome(ctx, tenantID, userID, idemKey, requestHash); err != nil {
		return nil, false, err
	} else if found {
		return blob, true, nil
	}

	_, loc, policy, err := c.tenantContext(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}

	for attempt := 0; ; attempt++ {
		u, err := c.store.LoadUser(ctx, tenantID, userID)
		if err != nil {
			return nil, false, err
		}
		mission, err := c.store.GetMission(ctx, tenantID, userID, missionID)
		if err != nil {
			return nil, false, err
		}
		switch mission.Status {
		case core.MissionReadyToClaim:
		case core.MissionCompleted:
			return nil, false, core.E(core.KindConflict, "mission already claimed")
		case core.MissionExpired:
			return nil, false, core.E(core.KindConflict, "mission expired")
		default:
			return nil, false, core.E(core.KindConflict, "mission not ready to claim")
		}

		now := c.clock()
		earned, err := c.earnedSet(ctx, tenantID, userID)
		if err != nil {
			return nil, false, err
		}

		delta, events, notifications := c.creditDelta(u, creditInput{
			Coins:     mission.RewardCoins,
			XP:        mission.RewardXP,
			Policy:    policy,
			Earned:    earned,
			Now:       now.In(loc),
			BaseEvent: core.DerivedEvent{Kind: core.EvCoinCollected, Payload: map[string]interface{}{"mission_id": missionID, "coins": mission.RewardCoins, "xp": mission.RewardXP}},
		})
		delta.ClaimMission = missionID

		result, err := c.store.ApplyUserDelta(ctx, tenantID, userID, delta,
			core.Idempotency{Key: idemKey, RequestHash: requestHash},
			func(after *core.User) []byte {
				body, _ := json.Marshal(map[string]interface{}{
					"mission_id": missionID,
					"status":     core.MissionCompleted,
					"reward":     map[string]int64{"coins": mission.RewardCoins, "xp": mission.RewardXP},
					"user":       userSummary(after),
					"events":     events,
				})
				return body
			})
		if err != nil {
			if err == store.ErrVersionConflict && attempt < versionRetries {
				continue
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
}

// DailyLoginBonus credits the once-a-day login reward and advances the
// streak. The idempotency key is the calendar day, so the operation is
// naturally once-daily.
func (c *Coordinator) DailyLoginBonus(ctx context.Context, tenantID, userID string) ([]byte, bool, error) {
	release, err := c.locks.Acquire(ctx, tenantID, userID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	_, loc, policy, err := c.tenantContext(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	today := dayOf(c.clock(), loc)
	idemKey := "login_bonus:" + today
	requestHash := core.HashRequest("login_bonus", tenantID, userID, today)

	if blob, found, err := c.store.LookupOutcome(ctx, tenantID, userID, idemKey, requestHash); err != nil {
		return nil, false, err
	} else if found {
		return blob, true, nil
	}

	for attempt := 0; ; attempt++ {
		u, err := c.store.LoadUser(ctx, tenantID, userID)
		if err != nil {
			return nil, false, err
		}

		now := c.clock().In(loc)
		streakAfter, extended := advanceStreak(u.Streak, today, loc)

		// (daily tier bonus + streak part, capped) scaled by the tier's coin
		// multiplier, rounded half to even like every other credit.
		streakPart := int64(streakAfter.Days) * 2
		if streakPart > 20 {
			streakPart = 20
		}
		benefit := reward.BenefitFor(u.VIPTier)
		bonus := decimal.NewFromInt(benefit.DailyBonus + streakPart).
			Mul(decimal.NewFromFloat(benefit.CoinMultiplier)).
			RoundBank(0).IntPart()
		xp := int64(10 + streakAfter.Days*2)

		earned, err := c.earnedSet(ctx, tenantID, userID)
		if err != nil {
			return nil, false, err
		}

		delta, events, notifications := c.creditDelta(u, creditInput{
			Coins:  bonus,
			XP:     xp,
			Policy: policy,
			Earned: earned,
			Now:    now,
			Streak: &streakAfter,
			BaseEvent: core.DerivedEvent{Kind: core.EvCoinCollected, Payload: map[string]interface{}{
				"source": "daily_login", "coins": bonus, "xp": xp, "streak_days": streakAfter.Days,
			}},
		})
		if extended {
			// streak_extended follows the credit event, before level/tier.
			events = insertAfterFirst(events, core.DerivedEvent{
				Kind:    core.EvStreakExtended,
				Payload: map[string]interface{}{"days": streakAfter.Days},
			})
			delta.Events = events
		}

		result, err := c.store.ApplyUserDelta(ctx, tenantID, userID, delta,
			core.Idempotency{Key: idemKey, RequestHash: requestHash},
			func(after *core.User) []byte {
				body, _ := json.Marshal(map[string]interface{}{
					"bonus":  bonus,
					"xp":     xp,
					"streak": after.Streak,
					"user":   userSummary(after),
					"events": events,
				})
				return body
			})
		if err != nil {
			if err == store.ErrVersionConflict && attempt < versionRetries {
				continue
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
}

// creditInput parameterizes creditDelta for the non-receipt credit paths
// (mission claims, login bonuses, empire collections).
type creditInput struct {
	Coins     int64
	XP        int64
	Policy    reward.Policy
	Earned    map[string]bool
	Now       time.Time
	Streak    *core.Streak
	BaseEvent core.DerivedEvent
}

// creditDelta builds the delta for a plain credit: coins/XP in, then level,
// VIP tier and achievements recomputed exactly as a receipt commit would.
func (c *Coordinator) creditDelta(u *core.User, in creditInput) (*core.Delta, []core.DerivedEvent, []*core.Notification) {
	now := in.Now
	events := []core.DerivedEvent{in.BaseEvent}
	var notifications []*core.Notification

	streakDays := u.Streak.Days
	if in.Streak != nil {
		streakDays = in.Streak.Days
	}

	xpAfter := u.XP + in.XP
	levelAfter := reward.LevelFor(xpAfter, in.Policy.XPPerLevel)

	state := achievementState{
		TotalPurchases: u.TotalPurchases,
		TotalSpent:     u.TotalSpent,
		Categories:     len(u.VisitedCategories),
		Level:          levelAfter,
		StreakDays:     streakDays,
		Coins:          u.Coins + in.Coins,
	}
	unlocked := checkAchievements(u.TenantID, u.ID, state, in.Earned, now)

	var achPoints, achCoins int64
	for _, a := range unlocked {
		achPoints += a.Points
		achCoins += a.Coins
	}

	// Same high-water rule as a receipt commit: the recompute can only add
	// points, and the tier only moves up.
	pointsAfter := reward.VIPPointsFor(u.TotalSpent, streakDays, u.AchievementPoints+achPoints, u.SocialScore)
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
		Coins:             in.Coins + achCoins + tierBonus,
		XP:                in.XP,
		VIPPoints:         vipDelta,
		AchievementPoints: achPoints,
		SetStreak:         in.Streak,
		Achievements:      unlocked,
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

	delta.Notifications = notifications
	delta.Events = events
	return delta, events, notifications
}

// userSummary is the totals block every write response carries.
func userSummary(u *core.User) map[string]interface{} {
	return map[string]interface{}{
		"coins":    u.Coins,
		"xp":       u.XP,
		"level":    u.Level,
		"vip_tier": u.VIPTier,
		"streak":   u.Streak,
	}
}

func insertAfterFirst(events []core.DerivedEvent, ev core.DerivedEvent) []core.DerivedEvent {
	if len(events) == 0 {
		return []core.DerivedEvent{ev}
	}
	out := make([]core.DerivedEvent, 0, len(events)+1)
	out = append(out, events[0], ev)
	out = append(out, events[1:]...)
	return out
}
