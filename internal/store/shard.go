package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/mallquest/backend/internal/core"
)

// ShardFor routes a user to a shard: hash(tenant_id, user_id) mod n.
// Every write for a single user lands on exactly one shard.
func ShardFor(tenantID, userID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	return int(h.Sum64() % uint64(n))
}

// Sharded fans operations out over N shard stores. Single-user operations
// route by ShardFor; cross-user reads gather-scatter with a per-shard cap
// and merge. Tenant rows live on shard 0 (the registry shard).
type Sharded struct {
	shards []Store
}

// NewSharded wraps one Store per shard. Panics on an empty slice: a store
// with zero shards is a programming error, not a runtime condition.
func NewSharded(shards []Store) *Sharded {
	if len(shards) == 0 {
		panic("store: NewSharded requires at least one shard")
	}
	return &Sharded{shards: shards}
}

// OpenSharded connects one Postgres store per DSN and wraps them. On any
// connection failure the shards opened so far are closed.
func OpenSharded(dsns []string) (*Sharded, error) {
	shards := make([]Store, 0, len(dsns))
	for i, dsn := range dsns {
		p, err := OpenPostgres(dsn)
		if err != nil {
			for _, s := range shards {
				s.Close()
			}
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		shards = append(shards, p)
	}
	return NewSharded(shards), nil
}

// ShardCount returns the number of shards.
func (s *Sharded) ShardCount() int { return len(s.shards) }

func (s *Sharded) user(tenantID, userID string) Store {
	return s.shards[ShardFor(tenantID, userID, len(s.shards))]
}

func (s *Sharded) registry() Store { return s.shards[0] }

func (s *Sharded) CreateUser(ctx context.Context, u *core.User) error {
	return s.user(u.TenantID, u.ID).CreateUser(ctx, u)
}

func (s *Sharded) LoadUser(ctx context.Context, tenantID, userID string) (*core.User, error) {
	return s.user(tenantID, userID).LoadUser(ctx, tenantID, userID)
}

// FindUserByHandle cannot route by user id; it asks every shard and returns
// the first hit. (tenant, handle) is unique so at most one shard answers.
func (s *Sharded) FindUserByHandle(ctx context.Context, tenantID, handle string) (*core.User, error) {
	for _, sh := range s.shards {
		u, err := sh.FindUserByHandle(ctx, tenantID, handle)
		if err == nil {
			return u, nil
		}
		if !core.IsKind(err, core.KindNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *Sharded) ApplyUserDelta(ctx context.Context, tenantID, userID string, delta *core.Delta, idem core.Idempotency, render RenderFunc) (*DeltaResult, error) {
	return s.user(tenantID, userID).ApplyUserDelta(ctx, tenantID, userID, delta, idem, render)
}

func (s *Sharded) LookupOutcome(ctx context.Context, tenantID, userID, idemKey, requestHash string) ([]byte, bool, error) {
	return s.user(tenantID, userID).LookupOutcome(ctx, tenantID, userID, idemKey, requestHash)
}

func (s *Sharded) RecordSession(ctx context.Context, sess *core.Session) error {
	return s.user(sess.TenantID, sess.UserID).RecordSession(ctx, sess)
}

// GetSession routes by token hash, which carries no shard key; ask every
// shard. Token hashes are unique so at most one shard answers.
func (s *Sharded) GetSession(ctx context.Context, tokenHash string) (*core.Session, error) {
	for _, sh := range s.shards {
		sess, err := sh.GetSession(ctx, tokenHash)
		if err == nil {
			return sess, nil
		}
		if !core.IsKind(err, core.KindNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *Sharded) RevokeSession(ctx context.Context, tokenHash string) error {
	var lastErr error = ErrNotFound
	for _, sh := range s.shards {
		err := sh.RevokeSession(ctx, tokenHash)
		if err == nil {
			return nil
		}
		if !core.IsKind(err, core.KindNotFound) {
			lastErr = err
		}
	}
	return lastErr
}

func (s *Sharded) RevokeChain(ctx context.Context, chainID string) (int, error) {
	total := 0
	for _, sh := range s.shards {
		n, err := sh.RevokeChain(ctx, chainID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// RateLimitIncr routes by subject so one bucket has one home shard.
func (s *Sharded) RateLimitIncr(ctx context.Context, subject, action string, windowStart time.Time, n int) (int, error) {
	return s.shards[ShardFor(subject, action, len(s.shards))].RateLimitIncr(ctx, subject, action, windowStart, n)
}

func (s *Sharded) PutTenant(ctx context.Context, t *core.Tenant) error {
	return s.registry().PutTenant(ctx, t)
}

func (s *Sharded) GetTenant(ctx context.Context, tenantID string) (*core.Tenant, error) {
	return s.registry().GetTenant(ctx, tenantID)
}

func (s *Sharded) GetTenantByHost(ctx context.Context, host string) (*core.Tenant, error) {
	return s.registry().GetTenantByHost(ctx, host)
}

func (s *Sharded) ListTenants(ctx context.Context) ([]*core.Tenant, error) {
	return s.registry().ListTenants(ctx)
}

func (s *Sharded) ListMissions(ctx context.Context, tenantID, userID string, statuses ...core.MissionStatus) ([]*core.Mission, error) {
	return s.user(tenantID, userID).ListMissions(ctx, tenantID, userID, statuses...)
}

func (s *Sharded) GetMission(ctx context.Context, tenantID, userID, missionID string) (*core.Mission, error) {
	return s.user(tenantID, userID).GetMission(ctx, tenantID, userID, missionID)
}

func (s *Sharded) ListAchievements(ctx context.Context, tenantID, userID string) ([]*core.Achievement, error) {
	return s.user(tenantID, userID).ListAchievements(ctx, tenantID, userID)
}

func (s *Sharded) ListFacilities(ctx context.Context, tenantID, userID string) ([]*core.Facility, error) {
	return s.user(tenantID, userID).ListFacilities(ctx, tenantID, userID)
}

func (s *Sharded) GetFacility(ctx context.Context, tenantID, userID, facilityID string) (*core.Facility, error) {
	return s.user(tenantID, userID).GetFacility(ctx, tenantID, userID, facilityID)
}

func (s *Sharded) GetCompanion(ctx context.Context, tenantID, userID string) (*core.Companion, error) {
	return s.user(tenantID, userID).GetCompanion(ctx, tenantID, userID)
}

func (s *Sharded) ListNotifications(ctx context.Context, tenantID, userID string, unreadOnly bool, limit int) ([]*core.Notification, error) {
	return s.user(tenantID, userID).ListNotifications(ctx, tenantID, userID, unreadOnly, limit)
}

func (s *Sharded) MarkNotificationRead(ctx context.Context, tenantID, userID, notificationID string) error {
	return s.user(tenantID, userID).MarkNotificationRead(ctx, tenantID, userID, notificationID)
}

// ListActiveEvents reads from the registry shard; events are tenant-scoped,
// not user-scoped.
func (s *Sharded) ListActiveEvents(ctx context.Context, tenantID string, at time.Time) ([]*core.Event, error) {
	return s.registry().ListActiveEvents(ctx, tenantID, at)
}

func (s *Sharded) PutEvent(ctx context.Context, e *core.Event) error {
	return s.registry().PutEvent(ctx, e)
}

func (s *Sharded) CountRecentReceipts(ctx context.Context, tenantID, userID, storeName string, since time.Time) (int, error) {
	return s.user(tenantID, userID).CountRecentReceipts(ctx, tenantID, userID, storeName, since)
}

func (s *Sharded) ScanFacilitiesDue(ctx context.Context, due time.Time, limit int) ([]*core.Facility, error) {
	return s.gatherFacilities(ctx, due, limit)
}

func (s *Sharded) gatherFacilities(ctx context.Context, due time.Time, limit int) ([]*core.Facility, error) {
	var out []*core.Facility
	per := perShardCap(limit, len(s.shards))
	for _, sh := range s.shards {
		fs, err := sh.ScanFacilitiesDue(ctx, due, per)
		if err != nil {
			return nil, err
		}
		out = append(out, fs...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Sharded) AccrueFacilityIncome(ctx context.Context, tenantID, userID, facilityID string, pending int64, at time.Time) error {
	return s.user(tenantID, userID).AccrueFacilityIncome(ctx, tenantID, userID, facilityID, pending, at)
}

func (s *Sharded) ScanExpiredMissions(ctx context.Context, before time.Time, limit int) ([]*core.Mission, error) {
	var out []*core.Mission
	per := perShardCap(limit, len(s.shards))
	for _, sh := range s.shards {
		ms, err := sh.ScanExpiredMissions(ctx, before, per)
		if err != nil {
			return nil, err
		}
		out = append(out, ms...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Sharded) ExpireMission(ctx context.Context, tenantID, userID, missionID string) (bool, error) {
	return s.user(tenantID, userID).ExpireMission(ctx, tenantID, userID, missionID)
}

func (s *Sharded) DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for _, sh := range s.shards {
		n, err := sh.DeleteExpiredSessions(ctx, before)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Sharded) DeleteExpiredNotifications(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for _, sh := range s.shards {
		n, err := sh.DeleteExpiredNotifications(ctx, before)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Sharded) ScanCompanions(ctx context.Context, limit int) ([]*core.Companion, error) {
	var out []*core.Companion
	per := perShardCap(limit, len(s.shards))
	for _, sh := range s.shards {
		cs, err := sh.ScanCompanions(ctx, per)
		if err != nil {
			return nil, err
		}
		out = append(out, cs...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Sharded) UpdateCompanionStats(ctx context.Context, tenantID, userID, companionID string, stats core.CompanionStats, at time.Time) error {
	return s.user(tenantID, userID).UpdateCompanionStats(ctx, tenantID, userID, companionID, stats, at)
}

func (s *Sharded) ResetStaleStreaks(ctx context.Context, tenantID, cutoffDay string) (int, error) {
	total := 0
	for _, sh := range s.shards {
		n, err := sh.ResetStaleStreaks(ctx, tenantID, cutoffDay)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Leaderboard gathers top-K from every shard and merges.
func (s *Sharded) Leaderboard(ctx context.Context, tenantID string, kind core.LeaderboardKind, k int) ([]core.BoardEntry, error) {
	var merged []core.BoardEntry
	for _, sh := range s.shards {
		entries, err := sh.Leaderboard(ctx, tenantID, kind, k)
		if err != nil {
			return nil, err
		}
		merged = append(merged, entries...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > k {
		merged = merged[:k]
	}
	for i := range merged {
		merged[i].Rank = i + 1
	}
	return merged, nil
}

func (s *Sharded) Ping(ctx context.Context) error {
	for _, sh := range s.shards {
		if err := sh.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sharded) Close() error {
	var firstErr error
	for _, sh := range s.shards {
		if err := sh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func perShardCap(limit, shards int) int {
	per := limit / shards
	if per < 1 {
		per = 1
	}
	return per
}
