// Package core defines the entity model shared by every MallQuest component:
// tenants, users, receipts, missions, achievements, events, sessions,
// notifications, empire facilities and deer companions.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role identifies what a user is allowed to do.
type Role string

const (
	RolePlayer          Role = "player"
	RoleAdmin           Role = "admin"
	RoleShopkeeper      Role = "shopkeeper"
	RoleCustomerService Role = "customer_service"
	RoleSystem          Role = "system"
)

// VIPTier is a step function of VIP points.
type VIPTier string

const (
	TierBronze   VIPTier = "Bronze"
	TierSilver   VIPTier = "Silver"
	TierGold     VIPTier = "Gold"
	TierPlatinum VIPTier = "Platinum"
	TierDiamond  VIPTier = "Diamond"
)

// Tenant is a single mall: its own user base, branding and policy overrides.
type Tenant struct {
	ID         string            `json:"tenant_id"`
	Name       string            `json:"name"`
	HostDomain string            `json:"host_domain"`
	ShardKey   string            `json:"shard_key"`
	Branding   map[string]string `json:"branding,omitempty"`
	Timezone   string            `json:"timezone"`
	// WiFiSSIDs is the allow-list for the mall-presence fraud signal.
	// Empty means the tenant does not enforce SSID presence.
	WiFiSSIDs []string  `json:"wifi_ssids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EnforcesSSID reports whether receipts must declare a mall Wi-Fi SSID.
func (t *Tenant) EnforcesSSID() bool { return len(t.WiFiSSIDs) > 0 }

// AllowsSSID reports whether the declared SSID is on the tenant allow-list.
func (t *Tenant) AllowsSSID(ssid string) bool {
	for _, s := range t.WiFiSSIDs {
		if s == ssid {
			return true
		}
	}
	return false
}

// Streak tracks consecutive days of qualifying activity.
type Streak struct {
	Days    int    `json:"days"`
	LastDay string `json:"last_day"` // YYYY-MM-DD in the tenant timezone
}

// User is a player within a tenant. All mutations go through
// Store.ApplyUserDelta; Version is bumped on every committed delta.
type User struct {
	ID           string `json:"user_id"`
	TenantID     string `json:"tenant_id"`
	Handle       string `json:"handle"` // email or display handle, unique per tenant
	DisplayName  string `json:"display_name"`
	Language     string `json:"language"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`

	MFASecret   string   `json:"-"`
	MFAEnabled  bool     `json:"mfa_enabled"`
	BackupCodes []string `json:"-"` // bcrypt hashes, consumed on use

	Coins             int64   `json:"coins"`
	XP                int64   `json:"xp"`
	Level             int     `json:"level"`
	VIPTier           VIPTier `json:"vip_tier"`
	VIPPoints         int64   `json:"vip_points"`
	AchievementPoints int64   `json:"achievement_points"`
	SocialScore       int64   `json:"social_score"`
	TotalSpent        decimal.Decimal `json:"total_spent"`
	TotalPurchases    int             `json:"total_purchases"`

	Streak            Streak          `json:"streak"`
	VisitedCategories map[string]bool `json:"visited_categories,omitempty"`
	Friends           []string        `json:"friends,omitempty"`
	TeamID            string          `json:"team_id,omitempty"`

	// Attributes carries genuinely open-ended client metadata.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// HasVisited reports whether the user already shopped in a category.
func (u *User) HasVisited(category string) bool {
	return u.VisitedCategories[category]
}

// ReceiptStatus is the verification state of a submitted receipt.
type ReceiptStatus string

const (
	ReceiptPending    ReceiptStatus = "pending"
	ReceiptVerified   ReceiptStatus = "verified"
	ReceiptRejected   ReceiptStatus = "rejected"
	ReceiptSuspicious ReceiptStatus = "suspicious"
)

// ReceiptSource records how a receipt entered the system.
type ReceiptSource string

const (
	SourceMobile ReceiptSource = "mobile"
	SourcePOS    ReceiptSource = "pos"
	SourceManual ReceiptSource = "manual"
)

// Receipt is a customer's proof of purchase. Verified receipts are
// append-only; a reversal is a compensating record, never an update.
type Receipt struct {
	ID          string          `json:"receipt_id"`
	TenantID    string          `json:"tenant_id"`
	UserID      string          `json:"user_id"`
	Store       string          `json:"store"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	SSID        string          `json:"ssid,omitempty"`
	Source      ReceiptSource   `json:"source"`
	Status      ReceiptStatus   `json:"status"`
	IdemKey     string          `json:"idempotency_key"`
	SubmittedAt time.Time       `json:"submitted_at"`

	// Reward snapshot for auditability; persisted even when the credit is
	// withheld on a suspicious receipt.
	RewardCoins int64              `json:"reward_coins"`
	RewardXP    int64              `json:"reward_xp"`
	Multipliers map[string]float64 `json:"multipliers,omitempty"`
	EventID     string             `json:"event_id,omitempty"`
}

// MissionType is the cadence bucket a mission belongs to.
type MissionType string

const (
	MissionDaily    MissionType = "daily"
	MissionWeekly   MissionType = "weekly"
	MissionSeasonal MissionType = "seasonal"
)

// MissionStatus advances monotonically:
// active -> ready_to_claim -> completed, or active -> expired.
type MissionStatus string

const (
	MissionActive       MissionStatus = "active"
	MissionReadyToClaim MissionStatus = "ready_to_claim"
	MissionCompleted    MissionStatus = "completed"
	MissionExpired      MissionStatus = "expired"
)

// Mission is a time-boxed objective for one user.
type Mission struct {
	ID         string        `json:"mission_id"`
	TenantID   string        `json:"tenant_id"`
	UserID     string        `json:"user_id"`
	Type       MissionType   `json:"type"`
	TemplateID string        `json:"template_id"`
	Title      string        `json:"title"`
	Category   string        `json:"category,omitempty"` // constraint, empty = any
	Target     int           `json:"target"`
	MinAmount  decimal.Decimal `json:"min_amount"`
	Progress   int             `json:"progress"`
	RewardCoins int64          `json:"reward_coins"`
	RewardXP    int64          `json:"reward_xp"`
	Status      MissionStatus  `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Achievement is a persistent, non-repeatable unlock. (UserID, Type) is
// unique; insertion is idempotent.
type Achievement struct {
	ID       string    `json:"achievement_id"`
	TenantID string    `json:"tenant_id"`
	UserID   string    `json:"user_id"`
	Type     string    `json:"type"`
	Name     string    `json:"name"`
	Points   int64     `json:"points"`
	Coins    int64     `json:"coins"`
	EarnedAt time.Time `json:"earned_at"`
}

// Event is a tenant-scoped temporal multiplier window. Overlapping events
// compose multiplicatively up to the policy cap.
type Event struct {
	ID         string          `json:"event_id"`
	TenantID   string          `json:"tenant_id"`
	Kind       string          `json:"kind"` // flash_sale, happy_hour, seasonal
	Name       string          `json:"name"`
	Multiplier float64         `json:"multiplier"`
	StartAt    time.Time       `json:"start_at"`
	EndAt      time.Time       `json:"end_at"`
	Categories []string        `json:"categories,omitempty"` // empty = all
	MinAmount  decimal.Decimal `json:"min_amount"`
}

// ActiveAt reports whether the window covers t.
func (e *Event) ActiveAt(t time.Time) bool {
	return !t.Before(e.StartAt) && t.Before(e.EndAt)
}

// EligibleFor evaluates the event's eligibility predicate for a receipt.
func (e *Event) EligibleFor(r *Receipt) bool {
	if r.Amount.LessThan(e.MinAmount) {
		return false
	}
	if len(e.Categories) == 0 {
		return true
	}
	for _, c := range e.Categories {
		if c == r.Category {
			return true
		}
	}
	return false
}

// Session is a live authenticated session keyed by token hash.
type Session struct {
	ID        string    `json:"session_id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	ChainID   string    `json:"chain_id"` // refresh chain; revoking one revokes all
	Kind      string    `json:"kind"`     // access | refresh
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Revoked   bool      `json:"revoked"`
}

// NotificationPriority orders drop decisions under backpressure:
// lower priority is dropped first.
type NotificationPriority int

const (
	PriorityLow NotificationPriority = iota
	PriorityNormal
	PriorityHigh
)

// Notification is a queued message for a user.
type Notification struct {
	ID        string               `json:"id"`
	TenantID  string               `json:"tenant_id"`
	UserID    string               `json:"user_id"`
	Kind      string               `json:"kind"`
	Priority  NotificationPriority `json:"priority"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	Read      bool                   `json:"read"`
	Dismissed bool                   `json:"dismissed"`
}

// Facility is a revenue-generating asset in a user's empire. Income accrues
// as PendingIncome; coins move only when the user collects.
type Facility struct {
	ID              string    `json:"facility_id"`
	TenantID        string    `json:"tenant_id"`
	UserID          string    `json:"user_id"`
	Type            string    `json:"type"`
	Level           int       `json:"level"`
	IncomePerHour   int64     `json:"income_per_hour"`
	PendingIncome   int64     `json:"pending_income"`
	LastCollectedAt time.Time `json:"last_collected_at"`
	LastAccruedAt   time.Time `json:"last_accrued_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// CompanionStats are each clamped to [0, 100].
type CompanionStats struct {
	Health    int `json:"health"`
	Happiness int `json:"happiness"`
	Energy    int `json:"energy"`
	XP        int `json:"xp"`
	Level     int `json:"level"`
}

// Companion is a user's deer pet. Stats decay on a schedule and feeding or
// entertaining clamps them back toward 100.
type Companion struct {
	ID                string         `json:"companion_id"`
	TenantID          string         `json:"tenant_id"`
	UserID            string         `json:"user_id"`
	Name              string         `json:"name"`
	Type              string         `json:"type"`
	Stats             CompanionStats `json:"stats"`
	ShelterID         string         `json:"shelter_id,omitempty"`
	LastInteractionAt time.Time      `json:"last_interaction_at"`
	CreatedAt         time.Time      `json:"created_at"`
}

// BoardEntry is one row of a leaderboard.
type BoardEntry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Score       int64  `json:"score"`
}

// LeaderboardKind enumerates the supported boards.
type LeaderboardKind string

const (
	BoardCoins        LeaderboardKind = "coins"
	BoardXP           LeaderboardKind = "xp"
	BoardStreak       LeaderboardKind = "streak"
	BoardAchievements LeaderboardKind = "achievements"
	BoardSpending     LeaderboardKind = "spending"
)
