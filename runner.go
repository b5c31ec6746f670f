package moler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// feedTick is the sleep between feed-loop iterations.
	feedTick = 5 * time.Millisecond
	// waitTick is the poll interval of WaitFor when no explicit timeout is
	// given; the observer's mutable timeout is re-read on every tick.
	waitTick = 100 * time.Millisecond
	// defaultStopTimeout bounds how long a blocking cancel waits for the
	// feed loop to exit.
	defaultStopTimeout = 500 * time.Millisecond
)

// Runner hides the concurrency model feeding observers so that the same
// observers work under the goroutine-per-observer BackgroundRunner or the
// cooperative SerialRunner.
type Runner interface {
	// Submit starts feeding the observer in the background: it subscribes
	// a guarded receiver on the observer's connection, sends the command
	// line for commands, and schedules the feed loop. The observer must
	// already be started.
	Submit(obs ConnectionObserver) (*Submission, error)

	// WaitFor blocks until the observer is terminal. With a positive
	// timeout it waits min(timeout, remaining observer deadline); with a
	// zero timeout it polls against the observer's mutable timeout. On
	// expiry the submission is cancelled and a timeout is written into the
	// observer.
	WaitFor(obs ConnectionObserver, sub *Submission, timeout time.Duration) error

	// AwaitChan returns a channel closed when the observer becomes
	// terminal, for select interop.
	AwaitChan(obs ConnectionObserver, sub *Submission) <-chan struct{}

	// TimeoutChange notifies the runner that an observer timeout moved by
	// delta. Tick-based runners re-read deadlines and need no reshaping.
	TimeoutChange(delta time.Duration)

	// Shutdown cancels all live submissions owned by this runner and waits
	// briefly for their feed loops. It is idempotent.
	Shutdown()
}

// Submission is the cancellable handle for one submitted observer. Its stop
// flag is the sole cancellation mechanism of the feed loop; there is no
// forced interruption of receiver code.
type Submission struct {
	id          string
	observer    ConnectionObserver
	receiver    Receiver
	stopTimeout time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newSubmission(obs ConnectionObserver, receiver Receiver, stopTimeout time.Duration) *Submission {
	return &Submission{
		id:          uuid.New().String(),
		observer:    obs,
		receiver:    receiver,
		stopTimeout: stopTimeout,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Cancel asks the feed loop to stop. With noWait it returns immediately;
// otherwise it waits up to the stop timeout for the loop to exit and reports
// an internal error when it does not.
func (s *Submission) Cancel(noWait bool) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if noWait {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-time.After(s.stopTimeout):
		return fmt.Errorf("%w: failed to stop feed loop of %s within %s",
			ErrInternal, s.observer.Name(), s.stopTimeout)
	}
}

// Done reports whether the feed loop exited.
func (s *Submission) Done() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Submission) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// guardedReceiver wraps an observer for subscription on its connection. It
// drops data once the observer is done or the runner is shutting down, runs
// the parser hook under the observer mutex and converts parser panics into
// the observer's terminal error.
type guardedReceiver struct {
	observer     ConnectionObserver
	shuttingDown func() bool
	logger       Logger
}

func (g *guardedReceiver) Receive(data []byte) {
	b := g.observer.base()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() || g.shuttingDown() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrReceiverFailure, r)
			b.setErrorLocked(err, StatusDoneErr)
			g.logger.Debug("observer raised", "observer", g.observer.Name(), "error", err)
		}
	}()
	g.observer.DataReceived(data)
}

// startFeeding establishes the data path from connection to observer before
// the feed loop is scheduled, so no chunk is lost between Submit and the loop
// actually running. For commands the command line goes out right after the
// subscription.
func startFeeding(obs ConnectionObserver, shuttingDown func() bool, logger Logger) (*guardedReceiver, error) {
	g := &guardedReceiver{observer: obs, shuttingDown: shuttingDown, logger: logger}
	conn := obs.Connection()
	conn.Subscribe(g, obs)
	if obs.IsCommand() {
		if err := conn.SendLine(obs.commandLine()); err != nil {
			conn.Unsubscribe(g)
			return nil, err
		}
	}
	return g, nil
}

// timeOutObserver writes the deadline error into the observer, fires the
// OnTimeout hook and logs. A concurrent result that won the race makes this a
// no-op: timeouts fire at most once and never override a terminal state.
func timeOutObserver(obs ConnectionObserver, timeout, passed time.Duration, logger Logger) {
	b := obs.base()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return
	}
	kind := ErrObserverTimeout
	if obs.IsCommand() {
		kind = ErrCommandTimeout
	}
	err := fmt.Errorf("%w: %s after %.2fs (timeout %.2fs)",
		kind, obs.Name(), passed.Seconds(), timeout.Seconds())
	b.setErrorLocked(err, StatusTimedOut)
	obs.OnTimeout()
	logger.Info("observer timed out", "observer", obs.Name(), "passed", passed, "timeout", timeout)
}

// waitForObserver implements the WaitFor contract shared by both runners.
func waitForObserver(obs ConnectionObserver, sub *Submission, timeout time.Duration, logger Logger) error {
	if obs.Done() {
		// Includes timed-out-before-feed-started and result-before-wait;
		// in all cases stop the feed loop without waiting for it.
		if !sub.Done() {
			_ = sub.Cancel(true)
		}
		return nil
	}

	start := obs.StartTime()
	if timeout > 0 {
		remain := timeout
		if deadline := obs.Timeout() - time.Since(start); deadline < remain {
			remain = deadline
		}
		if remain > 0 {
			select {
			case <-obs.base().AwaitChan():
				return nil
			case <-time.After(remain):
			}
		}
	} else {
		for {
			// re-read the observer timeout: it may change while we wait
			remain := obs.Timeout() - time.Since(start)
			if remain <= 0 {
				break
			}
			tick := waitTick
			if remain < tick {
				tick = remain
			}
			select {
			case <-obs.base().AwaitChan():
				return nil
			case <-time.After(tick):
			}
		}
	}

	passed := time.Since(start)
	_ = sub.Cancel(true)
	fired := timeout
	if fired <= 0 {
		fired = obs.Timeout()
	}
	timeOutObserver(obs, fired, passed, logger)
	return nil
}

// deadlineExceeded reports whether the observer ran past its mutable timeout
// and how long it ran.
func deadlineExceeded(obs ConnectionObserver) (time.Duration, time.Duration, bool) {
	passed := time.Since(obs.StartTime())
	timeout := obs.Timeout()
	return timeout, passed, timeout > 0 && passed >= timeout
}

var (
	defaultRunnerMu sync.Mutex
	defaultRunner   Runner
)

// DefaultRunner returns the process-wide runner used by observers built
// without an explicit one, creating a BackgroundRunner on first use.
func DefaultRunner() Runner {
	defaultRunnerMu.Lock()
	defer defaultRunnerMu.Unlock()
	if defaultRunner == nil {
		defaultRunner = NewBackgroundRunner()
	}
	return defaultRunner
}

// SetDefaultRunner replaces the process-wide runner. Pass nil to reset; tests
// use it to substitute fakes.
func SetDefaultRunner(r Runner) {
	defaultRunnerMu.Lock()
	defer defaultRunnerMu.Unlock()
	defaultRunner = r
}
