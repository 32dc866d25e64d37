// Package scheduler runs the orchestrator's periodic maintenance jobs on cron
// schedules. Runs are serialized across jobs and a job never overlaps itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// ErrJobNotFound is returned for an unregistered job name
var ErrJobNotFound = errors.New("job not found")

// JobFunc is the work run on each tick
type JobFunc func(ctx context.Context) error

// JobStatus describes a registered job
type JobStatus struct {
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	IsRunning   bool       `json:"is_running"`
	LastError   string     `json:"last_error,omitempty"`
}

type job struct {
	status JobStatus
	run    JobFunc
	entry  cron.EntryID
}

// Service runs periodic maintenance jobs
type Service struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  arbor.ILogger

	mu      sync.Mutex
	jobs    map[string]*job
	started bool

	// one job at a time; the sweep and the status sync touch the same records
	serial sync.Mutex
}

// NewService creates a scheduler. Each job run is bounded by timeout when it is positive.
func NewService(timeout time.Duration, logger arbor.ILogger) *Service {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Service{
		cron:    cron.New(cron.WithParser(parser)),
		timeout: timeout,
		logger:  logger,
		jobs:    make(map[string]*job),
	}
}

// RegisterJob adds a job on a cron schedule. "@every 1m" style descriptors are accepted.
func (s *Service) RegisterJob(name, schedule, description string, run JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	entry, err := s.cron.AddFunc(schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("invalid schedule for job %s: %w", name, err)
	}
	s.jobs[name] = &job{
		status: JobStatus{Name: name, Schedule: schedule, Description: description},
		run:    run,
		entry:  entry,
	}

	s.logger.Info().Str("job_name", name).Str("schedule", schedule).Msg("Job registered")
	return nil
}

// Start begins firing registered jobs
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already running")
	}
	s.cron.Start()
	s.started = true
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Stop halts the scheduler and waits for scheduled runs in progress. Stopping
// a stopped scheduler is a no-op.
func (s *Service) Stop() error {
	s.mu.Lock()
	wasStarted := s.started
	s.started = false
	s.mu.Unlock()
	if !wasStarted {
		return nil
	}

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning reports whether the scheduler has been started
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// TriggerJob starts a run now, outside the schedule. It does not wait for it.
func (s *Service) TriggerJob(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrJobNotFound)
	}
	go s.execute(name)
	return nil
}

// GetJobStatus returns a snapshot of one job
func (s *Service) GetJobStatus(name string) (*JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrJobNotFound)
	}
	return s.snapshot(j), nil
}

// GetAllJobStatuses returns every job, sorted by name
func (s *Service) GetAllJobStatuses() []*JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]*JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		statuses = append(statuses, s.snapshot(j))
	}
	sort.Slice(statuses, func(a, b int) bool { return statuses[a].Name < statuses[b].Name })
	return statuses
}

// snapshot copies a job's status; s.mu must be held
func (s *Service) snapshot(j *job) *JobStatus {
	status := j.status
	if next := s.cron.Entry(j.entry).Next; !next.IsZero() {
		status.NextRun = &next
	}
	return &status
}

func (s *Service) execute(name string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok || j.status.IsRunning {
		s.mu.Unlock()
		if ok {
			s.logger.Debug().Str("job_name", name).Msg("Job still running, tick skipped")
		}
		return
	}
	j.status.IsRunning = true
	s.mu.Unlock()

	s.serial.Lock()
	start := time.Now()
	err := s.runGuarded(name, j.run)
	s.serial.Unlock()

	finished := time.Now()
	s.mu.Lock()
	j.status.IsRunning = false
	j.status.LastRun = &finished
	j.status.LastError = ""
	if err != nil {
		j.status.LastError = err.Error()
	}
	s.mu.Unlock()

	event := s.logger.Debug()
	if err != nil {
		event = s.logger.Error().Err(err)
	}
	event.Str("job_name", name).Dur("duration", finished.Sub(start)).Msg("Job run finished")
}

// runGuarded calls run with the job timeout and turns a panic into an error
func (s *Service) runGuarded(name string, run JobFunc) (err error) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error().Str("job_name", name).Str("panic", fmt.Sprint(v)).Msg("Job panicked")
			err = fmt.Errorf("panic: %v", v)
		}
	}()

	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return run(ctx)
}
