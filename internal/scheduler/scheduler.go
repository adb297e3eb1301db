// Package scheduler runs the periodic jobs: daily updates, gap scans,
// calendar refreshes, maintenance and backups.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/dyhe/quotevault/internal/domain"
	"github.com/dyhe/quotevault/internal/store"
)

// Job is one schedulable unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobSettings carries the per-job knobs from scheduler_config.
type JobSettings struct {
	Enabled bool
	// Trigger is a cron expression, with @every and @hourly style
	// descriptors accepted.
	Trigger string
	// Audit records every run in the data_update_records table.
	Audit bool
}

// Scheduler wraps a cron runner with overlap protection and run auditing.
// Each job runs at most one instance at a time; a tick that fires while the
// previous run is still active is skipped.
type Scheduler struct {
	cron    *cron.Cron
	updates *store.UpdateRecordRepository
	log     zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// New creates a scheduler in the given timezone. updates may be nil to
// disable auditing globally.
func New(loc *time.Location, updates *store.UpdateRecordRepository, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = domain.SessionZone
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		updates: updates,
		log:     log.With().Str("component", "scheduler").Logger(),
		running: make(map[string]bool),
	}
}

// Register adds a job under its settings. Disabled jobs are logged and
// skipped.
func (s *Scheduler) Register(job Job, settings JobSettings) error {
	if !settings.Enabled {
		s.log.Info().Str("job", job.Name()).Msg("Job disabled, not registered")
		return nil
	}
	if settings.Trigger == "" {
		return fmt.Errorf("job %s has no trigger: %w", job.Name(), domain.ErrInvalidInput)
	}

	_, err := s.cron.AddFunc(settings.Trigger, func() {
		s.runJob(job, settings)
	})
	if err != nil {
		return fmt.Errorf("invalid trigger %q for job %s: %w", settings.Trigger, job.Name(), domain.ErrInvalidInput)
	}

	s.log.Info().
		Str("job", job.Name()).
		Str("trigger", settings.Trigger).
		Msg("Job registered")
	return nil
}

// Start begins firing triggers.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop halts the trigger loop and waits for in-flight jobs started by cron
// to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// RunNow executes a job immediately, outside its schedule, with the same
// overlap protection.
func (s *Scheduler) RunNow(job Job, settings JobSettings) error {
	return s.runJob(job, settings)
}

func (s *Scheduler) runJob(job Job, settings JobSettings) error {
	if !s.tryAcquire(job.Name()) {
		s.log.Warn().Str("job", job.Name()).Msg("Previous run still active, skipping")
		return nil
	}
	defer s.release(job.Name())

	start := time.Now()
	s.log.Info().Str("job", job.Name()).Msg("Running job")

	err := job.Run(context.Background())

	if settings.Audit {
		s.audit(job.Name(), start, err)
	}

	if err != nil {
		s.log.Error().
			Err(err).
			Str("job", job.Name()).
			Dur("duration_ms", time.Since(start)).
			Msg("Job failed")
		return err
	}

	s.log.Info().
		Str("job", job.Name()).
		Dur("duration_ms", time.Since(start)).
		Msg("Job completed")
	return nil
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

func (s *Scheduler) audit(jobName string, start time.Time, runErr error) {
	if s.updates == nil {
		return
	}
	status := domain.UpdateCompleted
	if runErr != nil {
		status = domain.UpdateFailed
	}
	finished := time.Now()
	rec := &domain.DataUpdateRecord{
		BatchID:    fmt.Sprintf("%s_%s", jobName, start.In(domain.SessionZone).Format("20060102_150405")),
		StartDate:  start,
		EndDate:    finished,
		Status:     status,
		StartedAt:  start,
		FinishedAt: &finished,
	}
	if err := s.updates.Save(rec); err != nil {
		s.log.Error().Err(err).Str("job", jobName).Msg("Failed to save job audit record")
	}
}
