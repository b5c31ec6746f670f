package moler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SerialRunner feeds all submitted observers cooperatively from a single
// scheduler goroutine: every tick it steps each live submission in turn. It
// exposes the same contract as BackgroundRunner for callers that want one
// goroutine of feed work per process.
type SerialRunner struct {
	logger      Logger
	stopTimeout time.Duration

	mu          sync.Mutex
	submissions []*Submission
	loopStarted bool
	loopDone    chan struct{}
	shutdown    atomic.Bool
}

// NewSerialRunner creates a cooperative single-goroutine runner.
func NewSerialRunner(opts ...RunnerOption) *SerialRunner {
	o := applyRunnerOptions(opts)
	return &SerialRunner{
		logger:      o.logger,
		stopTimeout: o.stopTimeout,
		loopDone:    make(chan struct{}),
	}
}

func (r *SerialRunner) isShuttingDown() bool { return r.shutdown.Load() }

// Submit establishes the data path for the observer and hands it to the
// scheduler loop, starting the loop on first use.
func (r *SerialRunner) Submit(obs ConnectionObserver) (*Submission, error) {
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
	r.submissions = append(r.submissions, sub)
	if !r.loopStarted {
		r.loopStarted = true
		go r.loop()
	}
	r.mu.Unlock()

	r.logger.Info("observer started", "observer", obs.Name(), "timeout", obs.Timeout())
	return sub, nil
}

// loop is the cooperative scheduler: one pass steps every live submission,
// finished ones are detached, then the loop yields for a tick.
func (r *SerialRunner) loop() {
	defer close(r.loopDone)
	for {
		r.mu.Lock()
		live := make([]*Submission, len(r.submissions))
		copy(live, r.submissions)
		r.mu.Unlock()

		for _, sub := range live {
			if r.step(sub) {
				r.finish(sub)
			}
		}

		if r.isShuttingDown() && r.liveCount() == 0 {
			return
		}
		time.Sleep(feedTick)
	}
}

// step runs one feed iteration for sub and reports whether the submission is
// finished.
func (r *SerialRunner) step(sub *Submission) bool {
	obs := sub.observer
	switch {
	case sub.stopping():
		r.logger.Debug("observer feed stopped", "observer", obs.Name())
	case obs.Done():
		r.logger.Debug("observer done", "observer", obs.Name())
	case r.isShuttingDown():
		r.logger.Warn("shutdown, cancelling observer", "observer", obs.Name())
		obs.Cancel()
	default:
		timeout, passed, expired := deadlineExceeded(obs)
		if !expired {
			return false
		}
		timeOutObserver(obs, timeout, passed, r.logger)
	}
	return true
}

func (r *SerialRunner) finish(sub *Submission) {
	obs := sub.observer
	obs.Connection().Unsubscribe(sub.receiver)
	close(sub.done)
	r.mu.Lock()
	for i, s := range r.submissions {
		if s == sub {
			r.submissions = append(r.submissions[:i], r.submissions[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.logger.Info("observer finished",
		"observer", obs.Name(), "status", obs.Status().String(), "elapsed", obs.base().elapsed())
}

func (r *SerialRunner) liveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submissions)
}

// WaitFor blocks until the observer is terminal, per the Runner contract. It
// must not be called from inside a parse hook: the scheduler loop is a
// different goroutine, so blocking the caller here is safe.
func (r *SerialRunner) WaitFor(obs ConnectionObserver, sub *Submission, timeout time.Duration) error {
	return waitForObserver(obs, sub, timeout, r.logger)
}

// AwaitChan returns a channel closed when the observer becomes terminal.
func (r *SerialRunner) AwaitChan(obs ConnectionObserver, sub *Submission) <-chan struct{} {
	return obs.base().AwaitChan()
}

// TimeoutChange is a no-op: the scheduler loop re-reads observer timeouts on
// every tick.
func (r *SerialRunner) TimeoutChange(delta time.Duration) {}

// Shutdown cancels every live submission and waits up to the stop timeout for
// the scheduler loop to drain them. Re-entry is a no-op.
func (r *SerialRunner) Shutdown() {
	if !r.shutdown.CompareAndSwap(false, true) {
		return
	}
	r.logger.Debug("runner shutting down")

	r.mu.Lock()
	started := r.loopStarted
	r.mu.Unlock()
	if !started {
		return
	}
	select {
	case <-r.loopDone:
	case <-time.After(r.stopTimeout):
		r.logger.Warn("feed loop did not drain before stop timeout", "stopTimeout", r.stopTimeout)
	}
}
