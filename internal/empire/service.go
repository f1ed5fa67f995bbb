package empire

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mallquest/backend/internal/cache"
	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/progression"
	"github.com/mallquest/backend/internal/store"
)

// versionRetries mirrors the coordinator's optimistic retry budget.
const versionRetries = 3

// accrualMinimum is the shortest elapsed span worth accruing. Shorter spans
// are left to grow so integer income never rounds to zero forever.
const accrualMinimum = time.Minute

// Service executes empire operations. Writes serialize on the coordinator's
// per-user mutex so empire and receipt commits never interleave.
type Service struct {
	store    store.Store
	coord    *progression.Coordinator
	users    *cache.UserCache
	notifier progression.Notifier
	clock    core.Clock
	logger   *log.Logger
}

// New wires the empire service. notifier may be nil.
func New(st store.Store, coord *progression.Coordinator, users *cache.UserCache, notifier progression.Notifier) *Service {
	return &Service{
		store:    st,
		coord:    coord,
		users:    users,
		notifier: notifier,
		clock:    core.SystemClock,
		logger:   log.New(log.Writer(), "[EMPIRE] ", log.LstdFlags),
	}
}

// SetClock overrides time for tests.
func (s *Service) SetClock(clock core.Clock) { s.clock = clock }

func marshalBody(payload map[string]interface{}) []byte {
	body, _ := json.Marshal(payload)
	return body
}

// CatalogEntry is one roster row annotated with the user's standing.
type CatalogEntry struct {
	*FacilityType
	Owned       bool  `json:"owned"`
	Unlocked    bool  `json:"unlocked"`
	NextCost    int64 `json:"next_cost"` // purchase price, or next upgrade price when owned
	AtMaxLevel  bool  `json:"at_max_level"`
}

// Overview is the empire read model.
type Overview struct {
	Facilities    []*core.Facility `json:"facilities"`
	TotalIncome   int64            `json:"total_income_per_hour"`
	TotalPending  int64            `json:"total_pending_income"`
	Catalog       []*CatalogEntry  `json:"catalog"`
}

// GetOverview returns the user's facilities plus the annotated catalog.
func (s *Service) GetOverview(ctx context.Context, tenantID, userID string) (*Overview, error) {
	u, err := s.coord.GetUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	facilities, err := s.store.ListFacilities(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	owned := make(map[string]*core.Facility, len(facilities))
	ov := &Overview{Facilities: facilities}
	for _, f := range facilities {
		owned[f.Type] = f
		ov.TotalIncome += f.IncomePerHour
		ov.TotalPending += f.PendingIncome
	}
	for _, t := range Catalog() {
		entry := &CatalogEntry{
			FacilityType: t,
			Unlocked:     u.Level >= t.UnlockLevel,
			NextCost:     t.BaseCost,
		}
		if f, ok := owned[t.ID]; ok {
			entry.Owned = true
			if f.Level >= t.MaxLevel {
				entry.AtMaxLevel = true
				entry.NextCost = 0
			} else {
				entry.NextCost = t.UpgradeCost(f.Level)
			}
		}
		ov.Catalog = append(ov.Catalog, entry)
	}
	return ov, nil
}

// Purchase buys one facility of the given type. A user owns at most one
// facility per type; purchase is naturally idempotent under the default key.
func (s *Service) Purchase(ctx context.Context, tenantID, userID, facilityType, idemKey string) ([]byte, bool, error) {
	spec := TypeByID(facilityType)
	if spec == nil {
		return nil, false, core.Ef(core.KindValidation, "unknown facility type %q", facilityType)
	}
	if idemKey == "" {
		idemKey = "purchase:" + facilityType
	}
	requestHash := core.HashRequest("purchase_facility", tenantID, userID, facilityType)

	release, err := s.coord.Locks().Acquire(ctx, tenantID, userID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	if blob, found, err := s.store.LookupOutcome(ctx, tenantID, userID, idemKey, requestHash); err != nil {
		return nil, false, err
	} else if found {
		return blob, true, nil
	}

	for attempt := 0; ; attempt++ {
		u, err := s.store.LoadUser(ctx, tenantID, userID)
		if err != nil {
			return nil, false, err
		}
		facilities, err := s.store.ListFacilities(ctx, tenantID, userID)
		if err != nil {
			return nil, false, err
		}
		for _, f := range facilities {
			if f.Type == facilityType {
				return nil, false, core.Ef(core.KindConflict, "facility %s already owned", facilityType)
			}
		}
		if u.Level < spec.UnlockLevel {
			return nil, false, core.Ef(core.KindForbidden, "%s unlocks at level %d", spec.Name, spec.UnlockLevel)
		}
		if u.Coins < spec.BaseCost {
			return nil, false, core.Ef(core.KindConflict, "insufficient coins: need %d, have %d", spec.BaseCost, u.Coins)
		}

		now := s.clock()
		facility := &core.Facility{
			ID:            uuid.NewString(),
			TenantID:      tenantID,
			UserID:        userID,
			Type:          spec.ID,
			Level:         1,
			IncomePerHour: spec.IncomePerHour,
			LastAccruedAt: now,
			CreatedAt:     now,
		}
		delta := &core.Delta{
			ExpectedVersion: u.Version,
			Coins:           -spec.BaseCost,
			Facilities:      []core.FacilityChange{{Create: facility}},
		}

		result, err := s.store.ApplyUserDelta(ctx, tenantID, userID, delta,
			core.Idempotency{Key: idemKey, RequestHash: requestHash},
			func(after *core.User) []byte {
				return marshalBody(map[string]interface{}{
					"facility": facility,
					"cost":     spec.BaseCost,
					"coins":    after.Coins,
				})
			})
		if err != nil {
			if err == store.ErrVersionConflict && attempt < versionRetries {
				continue
			}
			return nil, false, err
		}

		if s.users != nil {
			s.users.Put(ctx, result.User)
		}
		s.logger.Printf("purchase tenant=%s user=%s type=%s cost=%d", tenantID, userID, facilityType, spec.BaseCost)
		return result.Response, result.Replayed, nil
	}
}

// Upgrade raises one facility a single level and scales its income.
func (s *Service) Upgrade(ctx context.Context, tenantID, userID, facilityID, idemKey string) ([]byte, bool, error) {
	release, err := s.coord.Locks().Acquire(ctx, tenantID, userID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	for attempt := 0; ; attempt++ {
		u, err := s.store.LoadUser(ctx, tenantID, userID)
		if err != nil {
			return nil, false, err
		}
		f, err := s.store.GetFacility(ctx, tenantID, userID, facilityID)
		if err != nil {
			return nil, false, err
		}
		spec := TypeByID(f.Type)
		if spec == nil {
			return nil, false, core.Ef(core.KindFatal, "facility %s has unknown type %q", facilityID, f.Type)
		}
		if f.Level >= spec.MaxLevel {
			return nil, false, core.Ef(core.KindConflict, "%s is at max level %d", spec.Name, spec.MaxLevel)
		}
		cost := spec.UpgradeCost(f.Level)
		if u.Coins < cost {
			return nil, false, core.Ef(core.KindConflict, "insufficient coins: need %d, have %d", cost, u.Coins)
		}

		// The key carries the target level so each upgrade step is its own
		// idempotent operation.
		key := idemKey
		if key == "" {
			key = fmt.Sprintf("upgrade:%s:%d", facilityID, f.Level+1)
		}
		requestHash := core.HashRequest("upgrade_facility", tenantID, userID, facilityID, f.Level+1)

		if blob, found, err := s.store.LookupOutcome(ctx, tenantID, userID, key, requestHash); err != nil {
			return nil, false, err
		} else if found {
			return blob, true, nil
		}

		newLevel := f.Level + 1
		newIncome := spec.IncomeAt(newLevel)
		delta := &core.Delta{
			ExpectedVersion: u.Version,
			Coins:           -cost,
			Facilities: []core.FacilityChange{{
				FacilityID: facilityID,
				LevelDelta: 1,
				SetIncome:  newIncome,
			}},
		}

		result, err := s.store.ApplyUserDelta(ctx, tenantID, userID, delta,
			core.Idempotency{Key: key, RequestHash: requestHash},
			func(after *core.User) []byte {
				return marshalBody(map[string]interface{}{
					"facility_id":     facilityID,
					"level":           newLevel,
					"income_per_hour": newIncome,
					"cost":            cost,
					"coins":           after.Coins,
				})
			})
		if err != nil {
			if err == store.ErrVersionConflict && attempt < versionRetries {
				continue
			}
			return nil, false, err
		}

		if s.users != nil {
			s.users.Put(ctx, result.User)
		}
		s.logger.Printf("upgrade tenant=%s user=%s facility=%s level=%d cost=%d", tenantID, userID, facilityID, newLevel, cost)
		return result.Response, result.Replayed, nil
	}
}

// Collect moves a facility's pending income into the user's coin balance.
// The credit runs through the progression pipeline so coin achievements and
// VIP recompute fire exactly as they would on any other credit.
func (s *Service) Collect(ctx context.Context, tenantID, userID, facilityID, idemKey string) ([]byte, bool, error) {
	release, err := s.coord.Locks().Acquire(ctx, tenantID, userID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	// Read pending under the lock so income accrued in the meantime is not
	// zeroed uncollected by the commit.
	f, err := s.store.GetFacility(ctx, tenantID, userID, facilityID)
	if err != nil {
		return nil, false, err
	}
	if f.PendingIncome <= 0 {
		return nil, false, core.E(core.KindConflict, "no income to collect")
	}
	pending := f.PendingIncome
	if idemKey == "" {
		idemKey = "collect:" + uuid.NewString()
	}

	return s.coord.CreditLocked(ctx, tenantID, userID, progression.CreditOp{
		Coins:       pending,
		IdemKey:     idemKey,
		RequestHash: core.HashRequest("collect_income", tenantID, userID, facilityID, pending),
		Event: core.DerivedEvent{Kind: core.EvCoinCollected, Payload: map[string]interface{}{
			"source": "empire", "facility_id": facilityID, "coins": pending,
		}},
		Decorate: func(d *core.Delta) {
			d.Facilities = append(d.Facilities, core.FacilityChange{
				FacilityID:     facilityID,
				CollectPending: true,
			})
		},
		Render: func(after *core.User, events []core.DerivedEvent) map[string]interface{} {
			return map[string]interface{}{
				"facility_id": facilityID,
				"collected":   pending,
				"coins":       after.Coins,
				"events":      events,
			}
		},
	})
}

// AccrueDue advances pending income for every facility whose accrual clock
// lags. Called by the scheduler; returns how many facilities accrued.
func (s *Service) AccrueDue(ctx context.Context, batch int) (int, error) {
	now := s.clock()
	facilities, err := s.store.ScanFacilitiesDue(ctx, now.Add(-accrualMinimum), batch)
	if err != nil {
		return 0, err
	}

	accrued := 0
	for _, f := range facilities {
		elapsed := now.Sub(f.LastAccruedAt)
		earned := f.IncomePerHour * int64(elapsed/time.Second) / 3600
		if earned <= 0 {
			// Let the span keep growing until whole coins accrue.
			continue
		}
		if err := s.store.AccrueFacilityIncome(ctx, f.TenantID, f.UserID, f.ID, earned, now); err != nil {
			s.logger.Printf("accrual failed facility=%s: %v", f.ID, err)
			continue
		}
		accrued++
		if f.PendingIncome == 0 && s.notifier != nil {
			s.notifier.Enqueue(&core.Notification{
				ID:       fmt.Sprintf("n_%d_%s", now.UnixNano(), core.EvEmpireIncomeReady),
				TenantID: f.TenantID,
				UserID:   f.UserID,
				Kind:     core.EvEmpireIncomeReady,
				Priority: core.PriorityLow,
				Payload: map[string]interface{}{
					"facility_id": f.ID, "pending": earned,
				},
				CreatedAt: now,
				ExpiresAt: now.Add(24 * time.Hour),
			})
		}
	}
	return accrued, nil
}
