package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"reputation_consensus/pkg/config"
)

// JobStatus represents the last outcome of a scheduled job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusOK      JobStatus = "ok"
	JobStatusFailed  JobStatus = "failed"
)

// Job is one recurring maintenance task.
type Job struct {
	Name     string
	Schedule string
	LastRun  time.Time
	Status   JobStatus
	LastErr  error
	CronID   cron.EntryID
	Run      func(context.Context) error
}

// Scheduler runs the node's background maintenance: pruning resolved
// sessions past the retention window and re-notifying the arbitration body
// about stale disputes.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]*Job
	logger  *zap.Logger
	metrics *SchedulerMetrics
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
}

// SchedulerMetrics tracks job execution.
type SchedulerMetrics struct {
	JobsExecuted int64
	JobsFailed   int64
	LastRun      time.Time
	mu           sync.RWMutex
}

// SessionPruner deletes resolved sessions older than a cutoff.
type SessionPruner interface {
	PruneSessions(ctx context.Context, before time.Time) (int64, error)
}

// DisputeRenotifier re-broadcasts stale open disputes.
type DisputeRenotifier interface {
	RenotifyStale(ctx context.Context) error
}

// NewScheduler creates a scheduler with second-resolution cron specs.
func NewScheduler(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		jobs:    make(map[string]*Job),
		logger:  logger,
		metrics: &SchedulerMetrics{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RegisterMaintenanceJobs wires the standard node jobs from configuration.
func (s *Scheduler) RegisterMaintenanceJobs(cfg config.SchedConfig, retention time.Duration, pruner SessionPruner, renotifier DisputeRenotifier) error {
	err := s.AddJob("session-prune", cfg.SessionPruneSpec, func(ctx context.Context) error {
		pruned, err := pruner.PruneSessions(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			return err
		}
		if pruned > 0 {
			s.logger.Info("Pruned resolved sessions", zap.Int64("count", pruned))
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.AddJob("dispute-renotify", cfg.DisputeRenotifySpec, func(ctx context.Context) error {
		return renotifier.RenotifyStale(ctx)
	})
}

// AddJob schedules a named job.
func (s *Scheduler) AddJob(name, schedule string, run func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	job := &Job{
		Name:     name,
		Schedule: schedule,
		Status:   JobStatusPending,
		Run:      run,
	}

	cronID, err := s.cron.AddFunc(schedule, func() { s.execute(job) })
	if err != nil {
		return fmt.Errorf("scheduling job %s: %w", name, err)
	}
	job.CronID = cronID
	s.jobs[name] = job
	return nil
}

func (s *Scheduler) execute(job *Job) {
	s.mu.Lock()
	job.Status = JobStatusRunning
	job.LastRun = time.Now().UTC()
	s.mu.Unlock()

	err := job.Run(s.ctx)

	s.mu.Lock()
	job.LastErr = err
	if err != nil {
		job.Status = JobStatusFailed
	} else {
		job.Status = JobStatusOK
	}
	s.mu.Unlock()

	s.metrics.mu.Lock()
	s.metrics.JobsExecuted++
	if err != nil {
		s.metrics.JobsFailed++
	}
	s.metrics.LastRun = time.Now()
	s.metrics.mu.Unlock()

	if err != nil {
		s.logger.Error("Scheduled job failed",
			zap.String("job", job.Name), zap.Error(err))
	}
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler", zap.Int("jobs", len(s.jobs)))
	s.cron.Start()
}

// Stop cancels running jobs and waits for the cron loop to drain.
func (s *Scheduler) Stop() {
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Scheduler stopped")
}

// JobStatusFor returns a job's current status.
func (s *Scheduler) JobStatusFor(name string) (JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[name]
	if !ok {
		return "", fmt.Errorf("unknown job: %s", name)
	}
	return job.Status, nil
}

// Stats returns a snapshot of scheduler metrics.
func (s *Scheduler) Stats() SchedulerStats {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()
	return SchedulerStats{
		JobsExecuted: s.metrics.JobsExecuted,
		JobsFailed:   s.metrics.JobsFailed,
		LastRun:      s.metrics.LastRun,
	}
}

// SchedulerStats is a point-in-time metrics snapshot.
type SchedulerStats struct {
	JobsExecuted int64
	JobsFailed   int64
	LastRun      time.Time
}
