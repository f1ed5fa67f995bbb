package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mallquest/backend/internal/core"
)

// Memory is a single-shard, mutex-guarded implementation of Store. It backs
// tests and development, and doubles as the fallback when no DATABASE_URL is
// configured. Semantics match the Postgres implementation exactly,
// including idempotency replay and version conflicts.
type Memory struct {
	mu sync.Mutex

	users    map[string]*core.User          // tenant|user -> user
	handles  map[string]string              // tenant|handle -> user id
	receipts map[string][]*core.Receipt     // tenant|user -> receipts
	missions map[string][]*core.Mission     // tenant|user
	achieves map[string][]*core.Achievement // tenant|user
	facils   map[string][]*core.Facility    // tenant|user
	pets     map[string]*core.Companion     // tenant|user
	notifs   map[string][]*core.Notification

	sessions map[string]*core.Session // token hash -> session
	outcomes map[string]*outcome      // tenant|user|key
	buckets  map[string]int           // subject|action|window
	tenants  map[string]*core.Tenant
	hosts    map[string]string // host -> tenant id
	events   map[string]*core.Event
}

type outcome struct {
	requestHash string
	response    []byte
	createdAt   time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*core.User),
		handles:  make(map[string]string),
		receipts: make(map[string][]*core.Receipt),
		missions: make(map[string][]*core.Mission),
		achieves: make(map[string][]*core.Achievement),
		facils:   make(map[string][]*core.Facility),
		pets:     make(map[string]*core.Companion),
		notifs:   make(map[string][]*core.Notification),
		sessions: make(map[string]*core.Session),
		outcomes: make(map[string]*outcome),
		buckets:  make(map[string]int),
		tenants:  make(map[string]*core.Tenant),
		hosts:    make(map[string]string),
		events:   make(map[string]*core.Event),
	}
}

func ukey(tenantID, userID string) string { return tenantID + "|" + userID }

func cloneUser(u *core.User) *core.User {
	c := *u
	c.VisitedCategories = make(map[string]bool, len(u.VisitedCategories))
	for k, v := range u.VisitedCategories {
		c.VisitedCategories[k] = v
	}
	c.Friends = append([]string(nil), u.Friends...)
	c.BackupCodes = append([]string(nil), u.BackupCodes...)
	if u.Attributes != nil {
		c.Attributes = make(map[string]interface{}, len(u.Attributes))
		for k, v := range u.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (m *Memory) CreateUser(ctx context.Context, u *core.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ukey(u.TenantID, u.ID)
	if _, exists := m.users[key]; exists {
		return ErrDuplicate
	}
	hkey := u.TenantID + "|" + strings.ToLower(u.Handle)
	if _, exists := m.handles[hkey]; exists {
		return ErrDuplicate
	}

	cp := cloneUser(u)
	if cp.VisitedCategories == nil {
		cp.VisitedCategories = make(map[string]bool)
	}
	if cp.Version == 0 {
		cp.Version = 1
	}
	m.users[key] = cp
	m.handles[hkey] = u.ID
	return nil
}

func (m *Memory) LoadUser(ctx context.Context, tenantID, userID string) (*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[ukey(tenantID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *Memory) FindUserByHandle(ctx context.Context, tenantID, handle string) (*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.handles[tenantID+"|"+strings.ToLower(handle)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(m.users[ukey(tenantID, id)]), nil
}

// ---------------------------------------------------------------------------
// Delta application
// ---------------------------------------------------------------------------

func (m *Memory) ApplyUserDelta(ctx context.Context, tenantID, userID string, delta *core.Delta, idem core.Idempotency, render RenderFunc) (*DeltaResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ukey(tenantID, userID)
	u, ok := m.users[key]
	if !ok {
		return nil, ErrNotFound
	}

	// Idempotency replay before anything mutates.
	if idem.Key != "" {
		okey := key + "|" + idem.Key
		if prev, exists := m.outcomes[okey]; exists {
			if prev.requestHash != idem.RequestHash {
				return nil, ErrIdemConflict
			}
			return &DeltaResult{User: cloneUser(u), Response: prev.response, Replayed: true}, nil
		}
	}

	if delta.ExpectedVersion != 0 && delta.ExpectedVersion != u.Version {
		return nil, ErrVersionConflict
	}

	m.applyDeltaLocked(u, key, tenantID, userID, delta)

	var blob []byte
	if render != nil {
		blob = render(cloneUser(u))
	}
	if idem.Key != "" {
		m.outcomes[key+"|"+idem.Key] = &outcome{
			requestHash: idem.RequestHash,
			response:    blob,
			createdAt:   time.Now(),
		}
	}

	return &DeltaResult{User: cloneUser(u), Response: blob}, nil
}

func (m *Memory) applyDeltaLocked(u *core.User, key, tenantID, userID string, delta *core.Delta) {
	u.Coins += delta.Coins
	u.XP += delta.XP
	u.VIPPoints += delta.VIPPoints
	u.AchievementPoints += delta.AchievementPoints
	u.SocialScore += delta.SocialScore
	u.TotalSpent = u.TotalSpent.Add(delta.SpentDelta)
	u.TotalPurchases += delta.PurchasesDelta

	if delta.SetLevel != 0 {
		u.Level = delta.SetLevel
	}
	if delta.SetVIPTier != "" {
		u.VIPTier = delta.SetVIPTier
	}
	if delta.SetStreak != nil {
		u.Streak = *delta.SetStreak
	}
	if delta.AddVisitedCategory != "" {
		u.VisitedCategories[delta.AddVisitedCategory] = true
	}
	if delta.MFA != nil {
		u.MFASecret = delta.MFA.Secret
		u.MFAEnabled = delta.MFA.Enabled
		u.BackupCodes = append([]string(nil), delta.MFA.BackupCodes...)
	}
	if delta.AddFriend != "" {
		found := false
		for _, f := range u.Friends {
			if f == delta.AddFriend {
				found = true
				break
			}
		}
		if !found {
			u.Friends = append(u.Friends, delta.AddFriend)
		}
	}

	if delta.Receipt != nil {
		r := *delta.Receipt
		m.receipts[key] = append(m.receipts[key], &r)
	}

	for _, nm := range delta.NewMissions {
		cp := *nm
		m.missions[key] = append(m.missions[key], &cp)
	}
	for _, mp := range delta.Missions {
		for _, ms := range m.missions[key] {
			if ms.ID == mp.MissionID && ms.Status == core.MissionActive {
				ms.Progress += mp.Increment
				if mp.NewStatus != "" {
					ms.Status = mp.NewStatus
				}
			}
		}
	}
	if delta.ClaimMission != "" {
		for _, ms := range m.missions[key] {
			if ms.ID == delta.ClaimMission && ms.Status == core.MissionReadyToClaim {
				ms.Status = core.MissionCompleted
			}
		}
	}

	// Achievement insertion is idempotent on (user, type).
	for _, a := range delta.Achievements {
		dup := false
		for _, existing := range m.achieves[key] {
			if existing.Type == a.Type {
				dup = true
				break
			}
		}
		if !dup {
			cp := *a
			m.achieves[key] = append(m.achieves[key], &cp)
		}
	}

	for _, n := range delta.Notifications {
		cp := *n
		m.notifs[key] = append(m.notifs[key], &cp)
	}

	for _, fc := range delta.Facilities {
		if fc.Create != nil {
			cp := *fc.Create
			m.facils[key] = append(m.facils[key], &cp)
			continue
		}
		for _, f := range m.facils[key] {
			if f.ID != fc.FacilityID {
				continue
			}
			if fc.LevelDelta != 0 {
				f.Level += fc.LevelDelta
			}
			if fc.SetIncome != 0 {
				f.IncomePerHour = fc.SetIncome
			}
			if fc.CollectPending {
				f.PendingIncome = 0
				f.LastCollectedAt = time.Now()
			}
		}
	}

	for _, cc := range delta.Companions {
		if cc.Create != nil {
			cp := *cc.Create
			m.pets[key] = &cp
			continue
		}
		pet := m.pets[key]
		if pet == nil || (cc.CompanionID != "" && pet.ID != cc.CompanionID) {
			continue
		}
		if cc.SetStats != nil {
			pet.Stats = *cc.SetStats
		}
		if cc.Touch {
			pet.LastInteractionAt = time.Now()
		}
	}

	u.Version++
	u.LastActive = time.Now()
}

func (m *Memory) LookupOutcome(ctx context.Context, tenantID, userID, idemKey, requestHash string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.outcomes[ukey(tenantID, userID)+"|"+idemKey]
	if !ok {
		return nil, false, nil
	}
	if o.requestHash != requestHash {
		return nil, false, ErrIdemConflict
	}
	return o.response, true, nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (m *Memory) RecordSession(ctx context.Context, s *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.TokenHash]; exists {
		return ErrDuplicate
	}
	cp := *s
	m.sessions[s.TokenHash] = &cp
	return nil
}

func (m *Memory) GetSession(ctx context.Context, tokenHash string) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) RevokeSession(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[tokenHash]
	if !ok {
		return ErrNotFound
	}
	s.Revoked = true
	return nil
}

func (m *Memory) RevokeChain(ctx context.Context, chainID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sessions {
		if s.ChainID == chainID && !s.Revoked {
			s.Revoked = true
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func (m *Memory) RateLimitIncr(ctx context.Context, subject, action string, windowStart time.Time, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := subject + "|" + action + "|" + windowStart.UTC().Format(time.RFC3339)
	m.buckets[key] += n
	return m.buckets[key], nil
}

// ---------------------------------------------------------------------------
// Tenants
// ---------------------------------------------------------------------------

func (m *Memory) PutTenant(ctx context.Context, t *core.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.hosts[t.HostDomain]; ok && existing != t.ID {
		return ErrDuplicate
	}
	cp := *t
	m.tenants[t.ID] = &cp
	m.hosts[t.HostDomain] = t.ID
	return nil
}

func (m *Memory) GetTenant(ctx context.Context, tenantID string) (*core.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) GetTenantByHost(ctx context.Context, host string) (*core.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.hosts[host]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.tenants[id]
	return &cp, nil
}

func (m *Memory) ListTenants(ctx context.Context) ([]*core.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*core.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------------------------------------------------------------------------
// Gameplay reads
// ---------------------------------------------------------------------------

func (m *Memory) ListMissions(ctx context.Context, tenantID, userID string, statuses ...core.MissionStatus) ([]*core.Mission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.Mission
	for _, ms := range m.missions[ukey(tenantID, userID)] {
		if len(statuses) > 0 {
			match := false
			for _, st := range statuses {
				if ms.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := *ms
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) GetMission(ctx context.Context, tenantID, userID, missionID string) (*core.Mission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ms := range m.missions[ukey(tenantID, userID)] {
		if ms.ID == missionID {
			cp := *ms
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListAchievements(ctx context.Context, tenantID, userID string) ([]*core.Achievement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.Achievement
	for _, a := range m.achieves[ukey(tenantID, userID)] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ListFacilities(ctx context.Context, tenantID, userID string) ([]*core.Facility, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.Facility
	for _, f := range m.facils[ukey(tenantID, userID)] {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) GetFacility(ctx context.Context, tenantID, userID, facilityID string) (*core.Facility, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.facils[ukey(tenantID, userID)] {
		if f.ID == facilityID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetCompanion(ctx context.Context, tenantID, userID string) (*core.Companion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pet, ok := m.pets[ukey(tenantID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pet
	return &cp, nil
}

func (m *Memory) ListNotifications(ctx context.Context, tenantID, userID string, unreadOnly bool, limit int) ([]*core.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.Notification
	list := m.notifs[ukey(tenantID, userID)]
	for i := len(list) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		n := list[i]
		if unreadOnly && n.Read {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) MarkNotificationRead(ctx context.Context, tenantID, userID, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.notifs[ukey(tenantID, userID)] {
		if n.ID == notificationID {
			n.Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListActiveEvents(ctx context.Context, tenantID string, at time.Time) ([]*core.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.Event
	for _, e := range m.events {
		if e.TenantID == tenantID && e.ActiveAt(at) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutEvent(ctx context.Context, e *core.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *Memory) CountRecentReceipts(ctx context.Context, tenantID, userID, storeName string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.receipts[ukey(tenantID, userID)] {
		if r.Store == storeName && !r.SubmittedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Background-job scans
// ---------------------------------------------------------------------------

func (m *Memory) ScanFacilitiesDue(ctx context.Context, due time.Time, limit int) ([]*core.Facility, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.Facility
	for _, list := range m.facils {
		for _, f := range list {
			if f.LastAccruedAt.Before(due) {
				cp := *f
				out = append(out, &cp)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func (m *Memory) AccrueFacilityIncome(ctx context.Context, tenantID, userID, facilityID string, pending int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.facils[ukey(tenantID, userID)] {
		if f.ID == facilityID {
			f.PendingIncome += pending
			f.LastAccruedAt = at
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ScanExpiredMissions(ctx context.Context, before time.Time, limit int) ([]*core.Mission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.Mission
	for _, list := range m.missions {
		for _, ms := range list {
			if ms.Status == core.MissionActive && ms.ExpiresAt.Before(before) {
				cp := *ms
				out = append(out, &cp)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func (m *Memory) ExpireMission(ctx context.Context, tenantID, userID, missionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ms := range m.missions[ukey(tenantID, userID)] {
		if ms.ID == missionID {
			if ms.Status != core.MissionActive {
				return false, nil
			}
			ms.Status = core.MissionExpired
			return true, nil
		}
	}
	return false, ErrNotFound
}

func (m *Memory) DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for hash, s := range m.sessions {
		if s.ExpiresAt.Before(before) {
			delete(m.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteExpiredNotifications(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, list := range m.notifs {
		kept := list[:0]
		for _, notif := range list {
			if notif.ExpiresAt.Before(before) {
				n++
				continue
			}
			kept = append(kept, notif)
		}
		m.notifs[key] = kept
	}
	return n, nil
}

func (m *Memory) ScanCompanions(ctx context.Context, limit int) ([]*core.Companion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.Companion
	for _, pet := range m.pets {
		cp := *pet
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) UpdateCompanionStats(ctx context.Context, tenantID, userID, companionID string, stats core.CompanionStats, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pet, ok := m.pets[ukey(tenantID, userID)]
	if !ok || pet.ID != companionID {
		return ErrNotFound
	}
	pet.Stats = stats
	pet.LastInteractionAt = at
	return nil
}

func (m *Memory) ResetStaleStreaks(ctx context.Context, tenantID, cutoffDay string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, u := range m.users {
		if u.TenantID != tenantID {
			continue
		}
		if u.Streak.Days > 0 && u.Streak.LastDay < cutoffDay {
			u.Streak.Days = 0
			u.Version++
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Leaderboards
// ---------------------------------------------------------------------------

func (m *Memory) Leaderboard(ctx context.Context, tenantID string, kind core.LeaderboardKind, k int) ([]core.BoardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []core.BoardEntry
	for _, u := range m.users {
		if u.TenantID != tenantID {
			continue
		}
		var score int64
		switch kind {
		case core.BoardCoins:
			score = u.Coins
		case core.BoardXP:
			score = u.XP
		case core.BoardStreak:
			score = int64(u.Streak.Days)
		case core.BoardAchievements:
			score = u.AchievementPoints
		case core.BoardSpending:
			score = u.TotalSpent.IntPart()
		default:
			return nil, core.Ef(core.KindValidation, "unknown leaderboard kind %q", kind)
		}
		entries = append(entries, core.BoardEntry{
			UserID:      u.ID,
			DisplayName: u.DisplayName,
			Score:       score,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	if len(entries) > k {
		entries = entries[:k]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
