// Package store persists the MallQuest entity model across a set of
// relational shards. Routing is hash(tenant, user) mod N; every
// user-mutating operation runs inside one shard-local transaction keyed by
// an idempotency record.
package store

import (
	"context"
	"time"

	"github.com/mallquest/backend/internal/core"
)

// Sentinel errors. Constraint violations are distinct from transient driver
// errors and are never retried.
var (
	ErrNotFound        = core.E(core.KindNotFound, "not found")
	ErrDuplicate       = core.E(core.KindConflict, "duplicate")
	ErrVersionConflict = core.E(core.KindConflict, "version conflict")
	ErrIdemConflict    = core.E(core.KindConflict, "idempotency key reused with a different payload")
)

// RenderFunc produces the response blob persisted with the idempotency
// record. It runs inside the delta transaction so that a replay returns a
// byte-identical body.
type RenderFunc func(u *core.User) []byte

// DeltaResult is the outcome of ApplyUserDelta.
type DeltaResult struct {
	User     *core.User
	Response []byte
	Replayed bool
}

// Store is the persistence contract. Implementations: Postgres (production)
// and Memory (tests, development, and the store-less fast path).
type Store interface {
	// Users.
	CreateUser(ctx context.Context, u *core.User) error
	LoadUser(ctx context.Context, tenantID, userID string) (*core.User, error)
	FindUserByHandle(ctx context.Context, tenantID, handle string) (*core.User, error)

	// ApplyUserDelta applies one atomic composite mutation. When the
	// idempotency key was already consumed with the same request hash, the
	// stored outcome is replayed unchanged; a different hash is a conflict.
	ApplyUserDelta(ctx context.Context, tenantID, userID string, delta *core.Delta, idem core.Idempotency, render RenderFunc) (*DeltaResult, error)

	// LookupOutcome pre-checks an idempotency key before computing anything.
	// A consumed key replays only when the request hash matches; a different
	// hash is ErrIdemConflict.
	LookupOutcome(ctx context.Context, tenantID, userID, idemKey, requestHash string) ([]byte, bool, error)

	// Sessions.
	RecordSession(ctx context.Context, s *core.Session) error
	GetSession(ctx context.Context, tokenHash string) (*core.Session, error)
	RevokeSession(ctx context.Context, tokenHash string) error
	RevokeChain(ctx context.Context, chainID string) (int, error)

	// Rate limiting. Atomically adds n to the (subject, action, window)
	// bucket and returns the new count.
	RateLimitIncr(ctx context.Context, subject, action string, windowStart time.Time, n int) (int, error)

	// Tenants.
	PutTenant(ctx context.Context, t *core.Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*core.Tenant, error)
	GetTenantByHost(ctx context.Context, host string) (*core.Tenant, error)
	ListTenants(ctx context.Context) ([]*core.Tenant, error)

	// Gameplay reads.
	ListMissions(ctx context.Context, tenantID, userID string, statuses ...core.MissionStatus) ([]*core.Mission, error)
	GetMission(ctx context.Context, tenantID, userID, missionID string) (*core.Mission, error)
	ListAchievements(ctx context.Context, tenantID, userID string) ([]*core.Achievement, error)
	ListFacilities(ctx context.Context, tenantID, userID string) ([]*core.Facility, error)
	GetFacility(ctx context.Context, tenantID, userID, facilityID string) (*core.Facility, error)
	GetCompanion(ctx context.Context, tenantID, userID string) (*core.Companion, error)
	ListNotifications(ctx context.Context, tenantID, userID string, unreadOnly bool, limit int) ([]*core.Notification, error)
	MarkNotificationRead(ctx context.Context, tenantID, userID, notificationID string) error
	ListActiveEvents(ctx context.Context, tenantID string, at time.Time) ([]*core.Event, error)
	PutEvent(ctx context.Context, e *core.Event) error
	CountRecentReceipts(ctx context.Context, tenantID, userID, storeName string, since time.Time) (int, error)

	// Background-job scans. Each is bounded and restartable.
	ScanFacilitiesDue(ctx context.Context, due time.Time, limit int) ([]*core.Facility, error)
	AccrueFacilityIncome(ctx context.Context, tenantID, userID, facilityID string, pending int64, at time.Time) error
	ScanExpiredMissions(ctx context.Context, before time.Time, limit int) ([]*core.Mission, error)
	ExpireMission(ctx context.Context, tenantID, userID, missionID string) (bool, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error)
	DeleteExpiredNotifications(ctx context.Context, before time.Time) (int, error)
	ScanCompanions(ctx context.Context, limit int) ([]*core.Companion, error)
	UpdateCompanionStats(ctx context.Context, tenantID, userID, companionID string, stats core.CompanionStats, at time.Time) error
	ResetStaleStreaks(ctx context.Context, tenantID, cutoffDay string) (int, error)

	// Leaderboards: gather-scatter with a per-shard cap and a merge step.
	Leaderboard(ctx context.Context, tenantID string, kind core.LeaderboardKind, k int) ([]core.BoardEntry, error)

	Ping(ctx context.Context) error
	Close() error
}
