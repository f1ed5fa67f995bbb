package companion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mallquest/backend/internal/cache"
	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/progression"
	"github.com/mallquest/backend/internal/store"
)

const versionRetries = 3

// Stat thresholds for the care alerts.
const (
	hungryBelow = 30 // happiness
	boredBelow  = 20 // energy
)

// Decay per sweep. Health only suffers once happiness bottoms out.
const (
	decayHappiness = 2
	decayEnergy    = 1
	decayHealth    = 1
)

// xpPerLevel converts accumulated care XP into the companion level.
const xpPerLevel = 100

// Service executes companion operations, serialized on the coordinator's
// per-user mutex.
type Service struct {
	store    store.Store
	coord    *progression.Coordinator
	users    *cache.UserCache
	notifier progression.Notifier
	clock    core.Clock
	logger   *log.Logger
}

// New wires the companion service. notifier may be nil.
func New(st store.Store, coord *progression.Coordinator, users *cache.UserCache, notifier progression.Notifier) *Service {
	return &Service{
		store:    st,
		coord:    coord,
		users:    users,
		notifier: notifier,
		clock:    core.SystemClock,
		logger:   log.New(log.Writer(), "[COMPANION] ", log.LstdFlags),
	}
}

// SetClock overrides time for tests.
func (s *Service) SetClock(clock core.Clock) { s.clock = clock }

// GetOrAdopt returns the user's deer, creating one on first access.
func (s *Service) GetOrAdopt(ctx context.Context, tenantID, userID string) (*core.Companion, error) {
	pet, err := s.store.GetCompanion(ctx, tenantID, userID)
	if err == nil {
		return pet, nil
	}
	if !core.IsKind(err, core.KindNotFound) {
		return nil, err
	}

	release, err := s.coord.Locks().Acquire(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-check under the lock; a concurrent request may have adopted.
	if pet, err := s.store.GetCompanion(ctx, tenantID, userID); err == nil {
		return pet, nil
	} else if !core.IsKind(err, core.KindNotFound) {
		return nil, err
	}

	u, err := s.store.LoadUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	pet = &core.Companion{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		UserID:   userID,
		Name:     "Deer",
		Type:     "deer",
		Stats: core.CompanionStats{
			Health:    100,
			Happiness: 80,
			Energy:    90,
			Level:     1,
		},
		LastInteractionAt: now,
		CreatedAt:         now,
	}
	result, err := s.store.ApplyUserDelta(ctx, tenantID, userID, &core.Delta{
		ExpectedVersion: u.Version,
		Companions:      []core.CompanionChange{{Create: pet}},
	}, core.Idempotency{}, nil)
	if err != nil {
		return nil, err
	}
	if s.users != nil {
		s.users.Put(ctx, result.User)
	}
	s.logger.Printf("adopted tenant=%s user=%s companion=%s", tenantID, userID, pet.ID)
	return pet, nil
}

// InteractionResult is the response body for feed and entertain.
type InteractionResult struct {
	Companion *core.Companion `json:"companion"`
	Cost      int64           `json:"cost"`
	Coins     int64           `json:"coins"`
	XPGained  int             `json:"xp_gained"`
}

// Feed applies a food item: debits coins, restores stats, grants care XP.
func (s *Service) Feed(ctx context.Context, tenantID, userID, foodID string) (*InteractionResult, error) {
	food := foodByID(foodID)
	if food == nil {
		return nil, core.Ef(core.KindValidation, "unknown food %q", foodID)
	}
	return s.interact(ctx, tenantID, userID, food)
}

// Entertain applies an activity: debits coins, trades energy for happiness.
// The deer must have enough energy left to play.
func (s *Service) Entertain(ctx context.Context, tenantID, userID, activityID string) (*InteractionResult, error) {
	activity := activityByID(activityID)
	if activity == nil {
		return nil, core.Ef(core.KindValidation, "unknown activity %q", activityID)
	}
	return s.interact(ctx, tenantID, userID, activity)
}

func (s *Service) interact(ctx context.Context, tenantID, userID string, effect *Effect) (*InteractionResult, error) {
	release, err := s.coord.Locks().Acquire(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	for attempt := 0; ; attempt++ {
		u, err := s.store.LoadUser(ctx, tenantID, userID)
		if err != nil {
			return nil, err
		}
		pet, err := s.store.GetCompanion(ctx, tenantID, userID)
		if err != nil {
			return nil, err
		}
		if u.Coins < effect.Cost {
			return nil, core.Ef(core.KindConflict, "insufficient coins: need %d, have %d", effect.Cost, u.Coins)
		}
		if effect.Energy < 0 && pet.Stats.Energy+effect.Energy < 0 {
			return nil, core.E(core.KindConflict, "your deer is too tired for that")
		}

		xpGained := 5 + int(effect.Cost)/5
		stats := pet.Stats
		stats.Health = clamp(stats.Health + effect.Health)
		stats.Happiness = clamp(stats.Happiness + effect.Happiness)
		stats.Energy = clamp(stats.Energy + effect.Energy)
		stats.XP += xpGained
		stats.Level = 1 + stats.XP/xpPerLevel

		result, err := s.store.ApplyUserDelta(ctx, tenantID, userID, &core.Delta{
			ExpectedVersion: u.Version,
			Coins:           -effect.Cost,
			Companions: []core.CompanionChange{{
				CompanionID: pet.ID,
				SetStats:    &stats,
				Touch:       true,
			}},
		}, core.Idempotency{}, nil)
		if err != nil {
			if err == store.ErrVersionConflict && attempt < versionRetries {
				continue
			}
			return nil, err
		}

		if s.users != nil {
			s.users.Put(ctx, result.User)
		}
		pet.Stats = stats
		pet.LastInteractionAt = s.clock()
		return &InteractionResult{
			Companion: pet,
			Cost:      effect.Cost,
			Coins:     result.User.Coins,
			XPGained:  xpGained,
		}, nil
	}
}

// DecaySweep ages every companion one step and raises care alerts on
// threshold crossings. Called by the scheduler.
func (s *Service) DecaySweep(ctx context.Context, batch int) (int, error) {
	pets, err := s.store.ScanCompanions(ctx, batch)
	if err != nil {
		return 0, err
	}

	now := s.clock()
	swept := 0
	for _, pet := range pets {
		before := pet.Stats
		stats := before
		stats.Happiness = clamp(stats.Happiness - decayHappiness)
		stats.Energy = clamp(stats.Energy - decayEnergy)
		if stats.Happiness == 0 {
			stats.Health = clamp(stats.Health - decayHealth)
		}
		if stats == before {
			continue
		}
		if err := s.store.UpdateCompanionStats(ctx, pet.TenantID, pet.UserID, pet.ID, stats, now); err != nil {
			s.logger.Printf("decay failed companion=%s: %v", pet.ID, err)
			continue
		}
		swept++

		if s.notifier == nil {
			continue
		}
		if before.Happiness >= hungryBelow && stats.Happiness < hungryBelow {
			s.notifier.Enqueue(s.alert(pet, core.EvDeerHungry, stats, now))
		}
		if before.Energy >= boredBelow && stats.Energy < boredBelow {
			s.notifier.Enqueue(s.alert(pet, core.EvDeerBored, stats, now))
		}
	}
	return swept, nil
}

func (s *Service) alert(pet *core.Companion, kind string, stats core.CompanionStats, now time.Time) *core.Notification {
	return &core.Notification{
		ID:       fmt.Sprintf("n_%d_%s", now.UnixNano(), kind),
		TenantID: pet.TenantID,
		UserID:   pet.UserID,
		Kind:     kind,
		Priority: core.PriorityLow,
		Payload: map[string]interface{}{
			"companion_id": pet.ID, "happiness": stats.Happiness, "energy": stats.Energy,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
