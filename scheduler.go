package moler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Scheduler kinds. Both kinds run on the cron engine; the label mirrors the
// runner flavors so callers can keep a single configuration knob for their
// concurrency model.
const (
	SchedulerKindBackground = "background"
	SchedulerKindSerial     = "serial"
)

// JobCallback is a periodic callback. A returned error counts as a failed
// tick, as does a panic.
type JobCallback func(params Params) error

// Job is one recurring callback registration. Jobs are created paused;
// Start resumes periodic invocation and Cancel pauses it again. If a tick is
// still executing when the next fires, the next tick is dropped, never
// queued.
type Job struct {
	id       string
	interval time.Duration

	active  atomic.Bool
	running atomic.Bool
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// Start resumes periodic invocation of the callback.
func (j *Job) Start() { j.active.Store(true) }

// Cancel pauses the job. The job can be resumed with Start.
func (j *Job) Cancel() { j.active.Store(false) }

// Active reports whether the job is currently resumed.
func (j *Job) Active() bool { return j.active.Load() }

// everySchedule fires at a constant interval with sub-second resolution.
type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// Scheduler is a recurring-job service for periodic callbacks such as
// keepalives and health checks. It is independent of observers and runners.
type Scheduler struct {
	kind   string
	logger Logger
	cron   *cron.Cron

	mu   sync.Mutex
	jobs map[string]*Job
}

// SchedulerOption configures a scheduler at construction time.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(logger Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler creates a scheduler of the given kind and starts its clock.
// Unknown kinds are a wrong-usage error.
func NewScheduler(kind string, opts ...SchedulerOption) (*Scheduler, error) {
	if kind == "" {
		kind = SchedulerKindBackground
	}
	if kind != SchedulerKindBackground && kind != SchedulerKindSerial {
		return nil, fmt.Errorf("%w: %w: %q (allowed: %q, %q)",
			ErrWrongUsage, ErrSchedulerUnknownKind, kind, SchedulerKindBackground, SchedulerKindSerial)
	}
	s := &Scheduler{
		kind:   kind,
		logger: NopLogger{},
		cron:   cron.New(),
		jobs:   make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron.Start()
	return s, nil
}

// Kind returns the scheduler kind label.
func (s *Scheduler) Kind() string { return s.kind }

// GetJob registers callback to run every interval with params. The job
// starts paused; call Start on it to begin ticking. With cancelOnException a
// failing tick (error or panic) pauses the job.
func (s *Scheduler) GetJob(callback JobCallback, interval time.Duration, params Params, cancelOnException bool) (*Job, error) {
	if callback == nil {
		return nil, fmt.Errorf("%w", ErrJobCallbackNil)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobIntervalInvalid, interval)
	}
	job := &Job{
		id:       uuid.New().String(),
		interval: interval,
	}
	s.cron.Schedule(everySchedule(interval), cron.FuncJob(func() {
		s.tick(job, callback, params, cancelOnException)
	}))
	s.mu.Lock()
	s.jobs[job.id] = job
	s.mu.Unlock()
	s.logger.Debug("job added", "job", job.id, "interval", interval)
	return job, nil
}

func (s *Scheduler) tick(job *Job, callback JobCallback, params Params, cancelOnException bool) {
	if !job.Active() {
		return
	}
	if !job.running.CompareAndSwap(false, true) {
		// previous tick still executing: drop this one
		s.logger.Debug("job tick dropped", "job", job.id)
		return
	}
	defer job.running.Store(false)

	err := s.runCallback(job, callback, params)
	if err != nil {
		if cancelOnException {
			job.Cancel()
			s.logger.Warn("job paused after failing tick", "job", job.id, "error", err)
		} else {
			s.logger.Debug("job tick failed", "job", job.id, "error", err)
		}
	}
}

func (s *Scheduler) runCallback(job *Job, callback JobCallback, params Params) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s callback panicked: %v", job.id, r)
		}
	}()
	return callback(params)
}

// Shutdown stops the scheduler clock. Running ticks finish; no new ticks
// fire.
func (s *Scheduler) Shutdown() {
	<-s.cron.Stop().Done()
}

var (
	schedulerMu      sync.Mutex
	defaultScheduler *Scheduler
)

// InitDefaultScheduler creates the process-wide scheduler. Initializing it
// twice is a wrong-usage error.
func InitDefaultScheduler(kind string, opts ...SchedulerOption) (*Scheduler, error) {
	schedulerMu.Lock()
	defer schedulerMu.Unlock()
	if defaultScheduler != nil {
		return nil, fmt.Errorf("%w: %w", ErrWrongUsage, ErrSchedulerAlreadyInitialized)
	}
	s, err := NewScheduler(kind, opts...)
	if err != nil {
		return nil, err
	}
	defaultScheduler = s
	return s, nil
}

// DefaultScheduler returns the process-wide scheduler, initializing a
// background-kind one on first use.
func DefaultScheduler() *Scheduler {
	schedulerMu.Lock()
	defer schedulerMu.Unlock()
	if defaultScheduler == nil {
		s, _ := NewScheduler(SchedulerKindBackground)
		defaultScheduler = s
	}
	return defaultScheduler
}

// SetDefaultScheduler replaces the process-wide scheduler; tests use it to
// substitute fakes. Pass nil to reset.
func SetDefaultScheduler(s *Scheduler) {
	schedulerMu.Lock()
	defer schedulerMu.Unlock()
	defaultScheduler = s
}
