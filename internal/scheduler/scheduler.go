// Package scheduler provides cron-based cache pre-warming. Each job
// periodically synchronizes a conversation window so day-cache entries
// are already populated when a recap is requested.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/recapd/recapd/internal/config"
	"github.com/robfig/cron/v3"
)

// PrewarmFunc is the callback invoked when a scheduled pre-warm should
// run. It receives the job definition and should perform a cached sync
// over the job's window.
type PrewarmFunc func(ctx context.Context, job config.PrewarmSchedule) error

// JobStatus represents the state of one scheduled pre-warm.
type JobStatus struct {
	Key       string    `json:"key"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run"`
	Schedule  string    `json:"schedule"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler manages cron-based pre-warm jobs.
type Scheduler struct {
	cron        *cron.Cron
	prewarmFunc PrewarmFunc
	logger      *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]cron.EntryID           // job key -> cron entry ID
	defs    map[string]config.PrewarmSchedule // job key -> definition
	running map[string]bool                   // job key -> currently syncing
	lastRun map[string]time.Time              // job key -> last successful run
	lastErr map[string]error                  // job key -> last error

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// JobKey identifies a pre-warm job as source/account/conversation.
func JobKey(job config.PrewarmSchedule) string {
	return fmt.Sprintf("%s/%s/%s", job.Source, job.Account, job.Conversation)
}

// New creates a Scheduler with the given pre-warm callback.
func New(prewarmFunc PrewarmFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		prewarmFunc: prewarmFunc,
		logger:      slog.Default(),
		jobs:        make(map[string]cron.EntryID),
		defs:        make(map[string]config.PrewarmSchedule),
		running:     make(map[string]bool),
		lastRun:     make(map[string]time.Time),
		lastErr:     make(map[string]error),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// AddJob schedules a pre-warm. An existing job with the same key is
// replaced. Returns an error if the cron expression is invalid.
func (s *Scheduler) AddJob(job config.PrewarmSchedule) error {
	key := JobKey(job)

	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.jobs[key]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, key)
		delete(s.defs, key)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.mu.Lock()
		if s.stopped || s.running[key] {
			s.mu.Unlock()
			return
		}
		s.running[key] = true
		s.wg.Add(1)
		s.mu.Unlock()
		s.runJob(key)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Schedule, err)
	}

	s.jobs[key] = entryID
	s.defs[key] = job
	s.logger.Info("scheduled pre-warm",
		"job", key,
		"schedule", job.Schedule,
		"next_run", s.cron.Entry(entryID).Next)
	return nil
}

// AddJobsFromConfig adds all enabled pre-warm schedules from the config.
// Returns the number of jobs scheduled and any errors encountered.
func (s *Scheduler) AddJobsFromConfig(cfg *config.Config) (int, []error) {
	var errors []error
	scheduled := 0

	for _, job := range cfg.EnabledPrewarms() {
		if err := s.AddJob(job); err != nil {
			errors = append(errors, fmt.Errorf("%s: %w", JobKey(job), err))
		} else {
			scheduled++
		}
	}
	return scheduled, errors
}

// RemoveJob removes a scheduled pre-warm.
func (s *Scheduler) RemoveJob(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.jobs[key]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, key)
		delete(s.defs, key)
		s.logger.Info("removed pre-warm schedule", "job", key)
	}
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.stopped = false
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// IsRunning returns true if the scheduler has been started and not yet stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop gracefully stops the scheduler, cancels running jobs, and waits
// for them to finish. Returns a context that is done when all work completes.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	return ctx
}

// runJob executes one pre-warm. The caller must have already called
// wg.Add(1) and set running[key] = true.
func (s *Scheduler) runJob(key string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running[key] = false
		s.mu.Unlock()
	}()

	s.mu.RLock()
	job := s.defs[key]
	s.mu.RUnlock()

	s.logger.Info("starting pre-warm", "job", key)
	start := time.Now()

	err := s.prewarmFunc(s.ctx, job)

	s.mu.Lock()
	if err != nil {
		s.lastErr[key] = err
		s.logger.Error("pre-warm failed",
			"job", key,
			"duration", time.Since(start),
			"error", err)
	} else {
		s.lastRun[key] = time.Now()
		s.lastErr[key] = nil
		s.logger.Info("pre-warm completed",
			"job", key,
			"duration", time.Since(start))
	}
	s.mu.Unlock()
}

// IsScheduled returns true if a job with the given key exists.
func (s *Scheduler) IsScheduled(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.jobs[key]
	return exists
}

// Trigger manually runs a pre-warm outside its schedule. Returns an
// error if the job is unknown, already running, or the scheduler has
// been stopped.
func (s *Scheduler) Trigger(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	if _, exists := s.jobs[key]; !exists {
		return fmt.Errorf("job %s is not scheduled", key)
	}
	if s.running[key] {
		return fmt.Errorf("pre-warm already running for %s", key)
	}

	s.running[key] = true
	s.wg.Add(1)
	go s.runJob(key)
	return nil
}

// Status returns the current status of all scheduled jobs.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var statuses []JobStatus
	for key, entryID := range s.jobs {
		entry := s.cron.Entry(entryID)
		status := JobStatus{
			Key:      key,
			Running:  s.running[key],
			LastRun:  s.lastRun[key],
			NextRun:  entry.Next,
			Schedule: s.defs[key].Schedule,
		}
		if err := s.lastErr[key]; err != nil {
			status.LastError = err.Error()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// ValidateCronExpr validates a cron expression without scheduling anything.
func ValidateCronExpr(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
