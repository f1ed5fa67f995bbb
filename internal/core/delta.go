package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DerivedEvent is one entry of the ordered event list a commit produces.
// Order matters: receipt_verified, then streak_extended, then level_up,
// then vip_tier_up, then achievement_unlocked entries.
type DerivedEvent struct {
	Kind    string                 `json:"kind"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Derived event kinds.
const (
	EvReceiptVerified     = "receipt_verified"
	EvStreakExtended      = "streak_extended"
	EvLevelUp             = "level_up"
	EvVIPTierUp           = "vip_tier_up"
	EvAchievementUnlocked = "achievement_unlocked"
	EvMissionReady        = "mission_ready"
	EvMissionExpired      = "mission_expired"
	EvCoinCollected       = "coin_collected"
	EvEmpireIncomeReady   = "empire_income_ready"
	EvDeerHungry          = "deer_hungry"
	EvDeerBored           = "deer_bored"
)

// MissionProgress describes a progress bump applied inside a delta.
type MissionProgress struct {
	MissionID string        `json:"mission_id"`
	Increment int           `json:"increment"`
	NewStatus MissionStatus `json:"new_status,omitempty"` // set when the bump crosses the target
}

// FacilityChange mutates one facility inside a delta. Exactly one of the
// optional parts is set per change.
type FacilityChange struct {
	FacilityID    string `json:"facility_id,omitempty"`
	Create        *Facility `json:"create,omitempty"`
	LevelDelta    int       `json:"level_delta,omitempty"`
	SetIncome     int64     `json:"set_income,omitempty"`
	CollectPending bool     `json:"collect_pending,omitempty"`
}

// CompanionChange replaces a companion's stats inside a delta.
type CompanionChange struct {
	CompanionID string          `json:"companion_id,omitempty"`
	Create      *Companion      `json:"create,omitempty"`
	SetStats    *CompanionStats `json:"set_stats,omitempty"`
	Touch       bool            `json:"touch,omitempty"`
}

// MFAChange updates a user's second-factor configuration inside a delta.
// BackupCodes always replaces the full set; consuming one code rewrites the
// remainder.
type MFAChange struct {
	Secret      string   `json:"secret,omitempty"`
	Enabled     bool     `json:"enabled"`
	BackupCodes []string `json:"backup_codes,omitempty"`
}

// Delta is the atomic composite mutation applied by Store.ApplyUserDelta.
// Everything in one Delta commits in a single shard-local transaction.
type Delta struct {
	// ExpectedVersion implements optimistic concurrency: the user row must
	// still be at this version or the store reports a conflict.
	ExpectedVersion int64 `json:"expected_version"`

	Coins             int64 `json:"coins"`
	XP                int64 `json:"xp"`
	VIPPoints         int64 `json:"vip_points"`
	AchievementPoints int64 `json:"achievement_points"`
	SocialScore       int64 `json:"social_score"`
	SpentDelta        decimal.Decimal `json:"spent_delta"`
	PurchasesDelta    int             `json:"purchases_delta"`

	SetLevel   int     `json:"set_level,omitempty"`    // 0 = unchanged
	SetVIPTier VIPTier `json:"set_vip_tier,omitempty"` // "" = unchanged
	SetStreak  *Streak `json:"set_streak,omitempty"`

	AddVisitedCategory string `json:"add_visited_category,omitempty"`
	AddFriend          string `json:"add_friend,omitempty"`

	MFA *MFAChange `json:"mfa,omitempty"`

	Receipt       *Receipt          `json:"receipt,omitempty"`
	NewMissions   []*Mission        `json:"new_missions,omitempty"`
	Missions      []MissionProgress `json:"missions,omitempty"`
	ClaimMission  string            `json:"claim_mission,omitempty"` // mission id moved ready_to_claim -> completed
	Achievements  []*Achievement    `json:"achievements,omitempty"`
	Notifications []*Notification   `json:"notifications,omitempty"`
	Facilities    []FacilityChange  `json:"facilities,omitempty"`
	Companions    []CompanionChange `json:"companions,omitempty"`

	Events []DerivedEvent `json:"events,omitempty"`
}

// Idempotency identifies a client submission. Key is client-supplied;
// RequestHash detects a reused key with a different payload.
type Idempotency struct {
	Key         string
	RequestHash string
}

// HashRequest produces the canonical request hash for idempotency conflict
// detection.
func HashRequest(parts ...interface{}) string {
	raw, _ := json.Marshal(parts)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// SystemClock is the production clock.
func SystemClock() time.Time { return time.Now() }
