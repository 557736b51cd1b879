package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// CronScheduler fires sync jobs on cron schedules. One entry per sync; a
// fire that overlaps a still-running job for the same sync is skipped.
type CronScheduler struct {
	log    zerolog.Logger
	cron   *cron.Cron
	store  store.Store
	runner *Runner

	mu      sync.Mutex
	entries map[string]cron.EntryID // sync id → entry
	running map[string]string       // sync id → active job id
}

// NewCronScheduler creates and starts the scheduler.
func NewCronScheduler(log zerolog.Logger, st store.Store, runner *Runner) *CronScheduler {
	s := &CronScheduler{
		log:     log,
		cron:    cron.New(),
		store:   st,
		runner:  runner,
		entries: make(map[string]cron.EntryID),
		running: make(map[string]string),
	}
	s.cron.Start()
	return s
}

var _ contracts.Scheduler = (*CronScheduler)(nil)

// Stop halts the cron loop. Running jobs keep going.
func (s *CronScheduler) Stop() {
	s.cron.Stop()
}

// ValidateCron reports whether the expression parses as a standard 5-field
// cron spec.
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	if err != nil {
		return models.Validationf("invalid cron expression %q: %v", expr, err)
	}
	return nil
}

// CreateOrUpdateSchedule registers the cron entry for a sync, replacing any
// previous one.
func (s *CronScheduler) CreateOrUpdateSchedule(syncID, cronExpr string) error {
	if err := ValidateCron(cronExpr); err != nil {
		return err
	}

	s.mu.Lock()
	if old, ok := s.entries[syncID]; ok {
		s.cron.Remove(old)
		delete(s.entries, syncID)
	}
	s.mu.Unlock()

	id, err := s.cron.AddFunc(cronExpr, func() {
		if _, err := s.Trigger(context.Background(), syncID, false); err != nil {
			if models.KindOf(err) == models.KindConflict {
				s.log.Info().Str("sync_id", syncID).Msg("scheduled fire skipped, previous run still active")
				return
			}
			s.log.Error().Err(err).Str("sync_id", syncID).Msg("scheduled trigger failed")
		}
	})
	if err != nil {
		return models.Validationf("invalid cron expression %q: %v", cronExpr, err)
	}

	s.mu.Lock()
	s.entries[syncID] = id
	s.mu.Unlock()

	s.updateNextRun(syncID, id)
	s.log.Info().Str("sync_id", syncID).Str("cron", cronExpr).Msg("schedule registered")
	return nil
}

// DeleteSchedulesForSync removes the sync's cron entry if one exists.
func (s *CronScheduler) DeleteSchedulesForSync(syncID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[syncID]; ok {
		s.cron.Remove(id)
		delete(s.entries, syncID)
	}
}

// Trigger creates a pending job and starts it in the background. Returns a
// conflict error when a job for the same sync is already running.
func (s *CronScheduler) Trigger(ctx context.Context, syncID string, forceFull bool) (string, error) {
	s.mu.Lock()
	if jobID, busy := s.running[syncID]; busy {
		if job, err := s.store.GetSyncJob(ctx, jobID); err == nil &&
			(job.Status == models.JobPending || job.Status == models.JobRunning) {
			s.mu.Unlock()
			return "", models.Conflictf("sync %s already has an active job", syncID)
		}
		// Stale marker from a crashed run; fall through.
		delete(s.running, syncID)
	}
	job := &models.SyncJob{
		ID:            newID(),
		SyncID:        syncID,
		Status:        models.JobPending,
		ForceFullSync: forceFull,
		CreatedAt:     time.Now().UTC(),
	}
	s.running[syncID] = job.ID
	s.mu.Unlock()

	if err := s.store.CreateSyncJob(ctx, job); err != nil {
		s.mu.Lock()
		delete(s.running, syncID)
		s.mu.Unlock()
		return "", err
	}
	s.startTracked(syncID, job.ID)
	return job.ID, nil
}

func (s *CronScheduler) startTracked(syncID, jobID string) {
	go func() {
		defer func() {
			s.mu.Lock()
			if s.running[syncID] == jobID {
				delete(s.running, syncID)
			}
			s.mu.Unlock()
		}()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s.runner.mu.Lock()
		s.runner.cancels[jobID] = cancel
		s.runner.mu.Unlock()
		defer func() {
			s.runner.mu.Lock()
			delete(s.runner.cancels, jobID)
			s.runner.mu.Unlock()
		}()

		if err := s.runner.Run(ctx, syncID, jobID); err != nil {
			s.log.Error().Err(err).Str("sync_id", syncID).Str("job_id", jobID).Msg("sync job failed")
		}
	}()
}

// updateNextRun persists the entry's next fire time onto the sync record.
func (s *CronScheduler) updateNextRun(syncID string, id cron.EntryID) {
	entry := s.cron.Entry(id)
	if entry.Next.IsZero() {
		return
	}
	ctx := context.Background()
	syn, err := s.store.GetSync(ctx, syncID)
	if err != nil {
		return
	}
	next := entry.Next.UTC()
	syn.NextScheduledRun = &next
	if err := s.store.UpdateSync(ctx, syn); err != nil {
		s.log.Warn().Err(err).Str("sync_id", syncID).Msg("persisting next run time failed")
	}
}
