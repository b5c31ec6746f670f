package moler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// BackgroundRunner feeds observers with one feed-loop goroutine per
// submission. It is the default runner.
type BackgroundRunner struct {
	logger      Logger
	stopTimeout time.Duration

	mu          sync.Mutex
	submissions map[string]*Submission
	shutdown    atomic.Bool
	wg          sync.WaitGroup
}

// RunnerOption configures a runner at construction time.
type RunnerOption func(*runnerOptions)

type runnerOptions struct {
	logger      Logger
	stopTimeout time.Duration
}

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(logger Logger) RunnerOption {
	return func(o *runnerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStopTimeout overrides how long a blocking cancel and Shutdown wait for
// feed loops to exit. Default 500ms.
func WithStopTimeout(d time.Duration) RunnerOption {
	return func(o *runnerOptions) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

func applyRunnerOptions(opts []RunnerOption) runnerOptions {
	o := runnerOptions{
		logger:      NopLogger{},
		stopTimeout: defaultStopTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewBackgroundRunner creates a goroutine-per-observer runner.
func NewBackgroundRunner(opts ...RunnerOption) *BackgroundRunner {
	o := applyRunnerOptions(opts)
	return &BackgroundRunner{
		logger:      o.logger,
		stopTimeout: o.stopTimeout,
		submissions: make(map[string]*Submission),
	}
}

func (r *BackgroundRunner) isShuttingDown() bool { return r.shutdown.Load() }

// Submit establishes the data path for the observer and schedules its feed
// loop.
func (r *BackgroundRunner) Submit(obs ConnectionObserver) (*Submission, error) {
	if r.isShuttingDown() {
		return nil, fmt.Errorf("%w: runner is shutting down", ErrWrongUsage)
	}
	if obs.StartTime().IsZero() {
		err := fmt.Errorf("%w: observer %s submitted before start", ErrWrongUsage, obs.Name())
		r.logger.Error("submission failed", "observer", obs.Name(), "error", err)
		return nil, err
	}

	receiver, err := startFeeding(obs, r.isShuttingDown, r.logger)
	if err != nil {
		r.logger.Error("submission failed", "observer", obs.Name(), "error", err)
		obs.SetError(err)
		return nil, err
	}

	sub := newSubmission(obs, receiver, r.stopTimeout)
	r.mu.Lock()
	r.submissions[sub.id] = sub
	r.mu.Unlock()

	r.wg.Add(1)
	go r.feed(obs, sub)
	return sub, nil
}

// feed is the background worker body: it ticks until the observer is done,
// the stop flag is raised, the runner shuts down or the deadline passes, then
// detaches the observer from its connection.
func (r *BackgroundRunner) feed(obs ConnectionObserver, sub *Submission) {
	defer r.wg.Done()
	r.logger.Info("observer started", "observer", obs.Name(), "timeout", obs.Timeout())

	for {
		if sub.stopping() {
			r.logger.Debug("observer feed stopped", "observer", obs.Name())
			break
		}
		if obs.Done() {
			r.logger.Debug("observer done", "observer", obs.Name())
			break
		}
		if timeout, passed, expired := deadlineExceeded(obs); expired {
			timeOutObserver(obs, timeout, passed, r.logger)
			break
		}
		if r.isShuttingDown() {
			r.logger.Warn("shutdown, cancelling observer", "observer", obs.Name())
			obs.Cancel()
			break
		}
		time.Sleep(feedTick)
	}

	obs.Connection().Unsubscribe(sub.receiver)
	close(sub.done)
	r.mu.Lock()
	delete(r.submissions, sub.id)
	r.mu.Unlock()
	r.logger.Info("observer finished",
		"observer", obs.Name(), "status", obs.Status().String(), "elapsed", obs.base().elapsed())
}

// WaitFor blocks until the observer is terminal, per the Runner contract.
func (r *BackgroundRunner) WaitFor(obs ConnectionObserver, sub *Submission, timeout time.Duration) error {
	return waitForObserver(obs, sub, timeout, r.logger)
}

// AwaitChan returns a channel closed when the observer becomes terminal.
func (r *BackgroundRunner) AwaitChan(obs ConnectionObserver, sub *Submission) <-chan struct{} {
	return obs.base().AwaitChan()
}

// TimeoutChange is a no-op: feed loops re-read the observer timeout on every
// tick.
func (r *BackgroundRunner) TimeoutChange(delta time.Duration) {}

// Shutdown cancels every live submission and waits up to the stop timeout for
// the feed loops to drain. Re-entry is a no-op.
func (r *BackgroundRunner) Shutdown() {
	if !r.shutdown.CompareAndSwap(false, true) {
		return
	}
	r.logger.Debug("runner shutting down")

	r.mu.Lock()
	live := make([]*Submission, 0, len(r.submissions))
	for _, sub := range r.submissions {
		live = append(live, sub)
	}
	r.mu.Unlock()

	for _, sub := range live {
		if sub.observer.Cancel() {
			r.logger.Warn("shutdown, cancelling observer", "observer", sub.observer.Name())
		}
		_ = sub.Cancel(true)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.stopTimeout):
		r.logger.Warn("feed loops did not drain before stop timeout", "stopTimeout", r.stopTimeout)
	}
}
