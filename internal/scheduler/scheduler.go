// Package scheduler runs the periodic jobs: empire income accrual, mission
// expiry, sweeps, companion decay and the tenant-midnight streak reset. Each
// job runs in its own loop so jobs never overlap with themselves.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mallquest/backend/internal/cache"
	"github.com/mallquest/backend/internal/companion"
	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/empire"
	"github.com/mallquest/backend/internal/metrics"
	"github.com/mallquest/backend/internal/progression"
	"github.com/mallquest/backend/internal/store"
)

// Per-job cadences.
const (
	accrualEvery      = 60 * time.Second
	missionExpEvery   = 5 * time.Minute
	cacheRefreshEvery = 10 * time.Minute
	deerDecayEvery    = 10 * time.Minute
	sessionSweepEvery = 15 * time.Minute
	notifSweepEvery   = time.Hour
)

// scanBatch bounds how many rows one tick touches.
const scanBatch = 500

// jobTimeout caps a single run of any job.
const jobTimeout = 2 * time.Minute

// Scheduler drives the background jobs.
type Scheduler struct {
	store   store.Store
	empire  *empire.Service
	pets    *companion.Service
	blobs   *cache.BlobCache
	notifier progression.Notifier
	metrics *metrics.Metrics
	clock   core.Clock
	logger  *log.Logger

	cron   *cron.Cron
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New wires the scheduler. metrics, blobs and notifier may be nil.
func New(st store.Store, emp *empire.Service, pets *companion.Service, blobs *cache.BlobCache, notifier progression.Notifier, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		store:    st,
		empire:   emp,
		pets:     pets,
		blobs:    blobs,
		notifier: notifier,
		metrics:  m,
		clock:    core.SystemClock,
		logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		cron:     cron.New(),
		stopCh:   make(chan struct{}),
	}
}

// SetClock overrides time for tests.
func (s *Scheduler) SetClock(clock core.Clock) { s.clock = clock }

// Start launches every job loop plus the cron entries for per-tenant
// midnight streak resets.
func (s *Scheduler) Start(ctx context.Context) error {
	s.launch("empire_accrual", accrualEvery, s.accrueEmpire)
	s.launch("mission_expiry", missionExpEvery, s.expireMissions)
	s.launch("cache_refresh", cacheRefreshEvery, s.refreshTemplates)
	s.launch("deer_decay", deerDecayEvery, s.decayCompanions)
	s.launch("session_cleanup", sessionSweepEvery, s.sweepSessions)
	s.launch("notification_sweep", notifSweepEvery, s.sweepNotifications)

	if err := s.scheduleStreakResets(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Printf("Started scheduler (6 loops, %d cron entries)", len(s.cron.Entries()))
	return nil
}

// Stop halts every loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stopCh)
		<-s.cron.Stop().Done()
		s.wg.Wait()
		s.logger.Println("Scheduler stopped")
	})
}

// launch starts one job loop on its own ticker.
func (s *Scheduler) launch(name string, every time.Duration, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runJob(name, fn)
			case <-s.stopCh:
				return
			}
		}
	}()
}

// runJob executes one tick with a deadline and records its outcome.
func (s *Scheduler) runJob(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	result := "ok"
	if err != nil {
		result = "error"
		s.logger.Printf("job %s failed after %s: %v", name, elapsed, err)
	}
	if s.metrics != nil {
		s.metrics.JobRuns.WithLabelValues(name, result).Inc()
		s.metrics.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func (s *Scheduler) accrueEmpire(ctx context.Context) error {
	n, err := s.empire.AccrueDue(ctx, scanBatch)
	if n > 0 {
		s.logger.Printf("empire accrual touched %d facilities", n)
	}
	return err
}

func (s *Scheduler) expireMissions(ctx context.Context) error {
	now := s.clock()
	missions, err := s.store.ScanExpiredMissions(ctx, now, scanBatch)
	if err != nil {
		return err
	}
	expired := 0
	for _, m := range missions {
		ok, err := s.store.ExpireMission(ctx, m.TenantID, m.UserID, m.ID)
		if err != nil {
			s.logger.Printf("expire mission %s failed: %v", m.ID, err)
			continue
		}
		if !ok {
			continue
		}
		expired++
		if s.notifier != nil {
			s.notifier.Enqueue(&core.Notification{
				ID:       fmt.Sprintf("n_%d_%s", now.UnixNano(), core.EvMissionExpired),
				TenantID: m.TenantID,
				UserID:   m.UserID,
				Kind:     core.EvMissionExpired,
				Priority: core.PriorityLow,
				Payload: map[string]interface{}{
					"mission_id": m.ID, "title": m.Title,
				},
				CreatedAt: now,
				ExpiresAt: now.Add(24 * time.Hour),
			})
		}
	}
	if expired > 0 {
		s.logger.Printf("expired %d missions", expired)
	}
	return nil
}

func (s *Scheduler) refreshTemplates(ctx context.Context) error {
	if s.blobs == nil {
		return nil
	}
	blob, err := json.Marshal(progression.MissionCatalog())
	if err != nil {
		return err
	}
	s.blobs.Put("mission_templates", blob)
	return nil
}

func (s *Scheduler) decayCompanions(ctx context.Context) error {
	n, err := s.pets.DecaySweep(ctx, scanBatch)
	if n > 0 {
		s.logger.Printf("deer decay touched %d companions", n)
	}
	return err
}

func (s *Scheduler) sweepSessions(ctx context.Context) error {
	n, err := s.store.DeleteExpiredSessions(ctx, s.clock())
	if n > 0 {
		s.logger.Printf("deleted %d expired sessions", n)
	}
	return err
}

func (s *Scheduler) sweepNotifications(ctx context.Context) error {
	n, err := s.store.DeleteExpiredNotifications(ctx, s.clock())
	if n > 0 {
		s.logger.Printf("deleted %d expired notifications", n)
	}
	return err
}

// ---------------------------------------------------------------------------
// Streak reset (tenant midnight)
// ---------------------------------------------------------------------------

// scheduleStreakResets registers one cron entry per tenant, firing at local
// midnight in the tenant's timezone.
func (s *Scheduler) scheduleStreakResets(ctx context.Context) error {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		tz := t.Timezone
		if tz == "" {
			tz = "Asia/Dubai"
		}
		tenantID := t.ID
		spec := fmt.Sprintf("CRON_TZ=%s 0 0 * * *", tz)
		if _, err := s.cron.AddFunc(spec, func() {
			s.runJob("streak_reset", func(ctx context.Context) error {
				return s.resetStreaks(ctx, tenantID, tz)
			})
		}); err != nil {
			return fmt.Errorf("streak reset schedule for tenant %s: %w", tenantID, err)
		}
	}
	return nil
}

// resetStreaks zeroes streaks for users who were idle yesterday. At midnight
// of day D the cutoff is D-1: a last-active day strictly before it means the
// chain broke.
func (s *Scheduler) resetStreaks(ctx context.Context, tenantID, tz string) error {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	cutoff := s.clock().In(loc).AddDate(0, 0, -1).Format("2006-01-02")
	n, err := s.store.ResetStaleStreaks(ctx, tenantID, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Printf("reset %d stale streaks tenant=%s cutoff=%s", n, tenantID, cutoff)
	}
	return nil
}
