package moler

import (
	"fmt"
	"sync"
	"time"
)

// defaultObserverTimeout applies when an observer is built without an
// explicit timeout.
const defaultObserverTimeout = 7 * time.Second

// ObserverStatus is the lifecycle state of a connection observer.
// Once a status leaves StatusPending it never returns, and the four
// terminal states are immutable.
type ObserverStatus int

const (
	// StatusPending means the observer was created but not yet started.
	StatusPending ObserverStatus = iota
	// StatusRunning means the observer was started and is being fed.
	StatusRunning
	// StatusDoneOK means the observer completed with a result.
	StatusDoneOK
	// StatusDoneErr means the observer completed with an error.
	StatusDoneErr
	// StatusCancelled means the observer was cancelled.
	StatusCancelled
	// StatusTimedOut means the observer's deadline expired.
	StatusTimedOut
)

// Terminal reports whether the status is one of the four end states.
func (s ObserverStatus) Terminal() bool {
	return s == StatusDoneOK || s == StatusDoneErr || s == StatusCancelled || s == StatusTimedOut
}

func (s ObserverStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDoneOK:
		return "done_ok"
	case StatusDoneErr:
		return "done_err"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ConnectionObserver is the unit of work fed by a Runner: a passive parser
// that consumes bytes from a Connection and transitions to a terminal state.
// Command and Event are the two implementations.
//
// Observers are passive state containers; they do not own goroutines. All
// state mutation is serialized by the observer's own mutex.
type ConnectionObserver interface {
	// Name identifies the observer in logs.
	Name() string

	// Connection returns the connection the observer is bound to.
	Connection() *Connection

	// StartTime returns when Start succeeded; the zero time before that.
	StartTime() time.Time

	// Timeout returns the observer's current timeout. The timeout is
	// mutable during the observer's lifetime via SetTimeout.
	Timeout() time.Duration

	// SetTimeout reassigns the timeout. The effective deadline is
	// StartTime + Timeout, re-read by the runner on every tick, so a
	// decrease may trigger timeout on the next tick and an increase
	// extends the deadline.
	SetTimeout(d time.Duration)

	// Status returns the observer's lifecycle state.
	Status() ObserverStatus

	// Done reports whether the observer reached a terminal state.
	Done() bool

	// DataReceived is the parser hook. It must not block; it may mutate
	// internal state and complete the observer via Finish or Fail. It is
	// invoked by the runner's guarded receiver under the observer mutex.
	DataReceived(data []byte)

	// SetResult completes the observer with a result. No-op once terminal.
	SetResult(v any)

	// SetError completes the observer with an error. No-op once terminal.
	SetError(err error)

	// Cancel moves the observer to StatusCancelled. It is idempotent and
	// reports whether this call performed the transition.
	Cancel() bool

	// Result returns the result or the terminal error. Calling it before
	// the observer is done is a wrong-state error.
	Result() (any, error)

	// Start begins the observer's lifetime and submits it to its runner.
	// For a Command the command line is sent right after subscription.
	// A second Start fails with ErrWrongState.
	Start() error

	// AwaitDone blocks until the observer is terminal, then returns
	// Result(). A zero timeout polls against the observer's own (mutable)
	// timeout; a positive one bounds the wait from the caller's side.
	AwaitDone(timeout time.Duration) (any, error)

	// OnTimeout is the extension hook fired exactly once when the runner
	// forces the observer into StatusTimedOut.
	OnTimeout()

	// IsCommand distinguishes commands from events; it selects the error
	// kind produced on timeout.
	IsCommand() bool

	base() *ObserverBase
	commandLine() string
}

// ObserverBase carries the state shared by Command and Event: status, result,
// timing and the mutex serializing all of it. It is embedded, not used on its
// own.
type ObserverBase struct {
	self   ConnectionObserver
	name   string
	conn   *Connection
	runner Runner
	logger Logger

	mu         sync.Mutex
	status     ObserverStatus
	result     any
	err        error
	startTime  time.Time
	timeout    time.Duration
	startGuard func() error
	submission *Submission
	doneCh     chan struct{}
	onTimeout  func()
}

// ObserverOption configures an observer at construction time.
type ObserverOption func(*ObserverBase)

// WithTimeout sets the initial observer timeout.
func WithTimeout(d time.Duration) ObserverOption {
	return func(b *ObserverBase) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithRunner binds the observer to a specific runner instead of the package
// default.
func WithRunner(r Runner) ObserverOption {
	return func(b *ObserverBase) {
		if r != nil {
			b.runner = r
		}
	}
}

// WithObserverLogger sets the observer's logger.
func WithObserverLogger(logger Logger) ObserverOption {
	return func(b *ObserverBase) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithName sets the observer's name used in logs.
func WithName(name string) ObserverOption {
	return func(b *ObserverBase) {
		b.name = name
	}
}

// WithOnTimeout installs the hook fired when the runner times the observer
// out.
func WithOnTimeout(hook func()) ObserverOption {
	return func(b *ObserverBase) {
		b.onTimeout = hook
	}
}

// WithStartGuard installs a pre-start predicate. Start fails with the guard's
// error without leaving StatusPending. Used by Device to gate observers on the
// device state they were created in.
func WithStartGuard(guard func() error) ObserverOption {
	return func(b *ObserverBase) {
		b.startGuard = guard
	}
}

func (b *ObserverBase) init(self ConnectionObserver, conn *Connection, name string, opts []ObserverOption) {
	b.self = self
	b.conn = conn
	b.name = name
	b.timeout = defaultObserverTimeout
	b.logger = NopLogger{}
	b.doneCh = make(chan struct{})
	for _, opt := range opts {
		opt(b)
	}
	if b.runner == nil {
		b.runner = DefaultRunner()
	}
}

func (b *ObserverBase) base() *ObserverBase { return b }

func (b *ObserverBase) commandLine() string { return "" }

func (b *ObserverBase) Name() string { return b.name }

func (b *ObserverBase) Connection() *Connection { return b.conn }

func (b *ObserverBase) StartTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startTime
}

func (b *ObserverBase) Timeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeout
}

func (b *ObserverBase) SetTimeout(d time.Duration) {
	b.mu.Lock()
	delta := d - b.timeout
	b.timeout = d
	b.mu.Unlock()
	if b.runner != nil {
		b.runner.TimeoutChange(delta)
	}
}

func (b *ObserverBase) Status() ObserverStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *ObserverBase) Done() bool {
	return b.Status().Terminal()
}

// AwaitChan returns a channel closed when the observer becomes terminal.
// It is the select-friendly companion of AwaitDone.
func (b *ObserverBase) AwaitChan() <-chan struct{} { return b.doneCh }

// Finish completes the observer with a result. It is the completion call for
// parse hooks, which already run under the observer mutex; external code must
// use SetResult instead.
func (b *ObserverBase) Finish(v any) { b.setResultLocked(v) }

// Fail completes the observer with an error. It is the completion call for
// parse hooks, which already run under the observer mutex; external code must
// use SetError instead.
func (b *ObserverBase) Fail(err error) { b.setErrorLocked(err, StatusDoneErr) }

func (b *ObserverBase) SetResult(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setResultLocked(v)
}

func (b *ObserverBase) SetError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setErrorLocked(err, StatusDoneErr)
}

func (b *ObserverBase) Cancel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return false
	}
	b.status = StatusCancelled
	close(b.doneCh)
	b.logger.Debug("observer cancelled", "observer", b.name)
	return true
}

func (b *ObserverBase) setResultLocked(v any) {
	if b.status.Terminal() {
		return
	}
	b.status = StatusDoneOK
	b.result = v
	close(b.doneCh)
}

func (b *ObserverBase) setErrorLocked(err error, status ObserverStatus) {
	if b.status.Terminal() {
		return
	}
	b.status = status
	b.err = err
	close(b.doneCh)
}

func (b *ObserverBase) Result() (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.status {
	case StatusDoneOK:
		return b.result, nil
	case StatusDoneErr, StatusTimedOut:
		return nil, b.err
	case StatusCancelled:
		return nil, fmt.Errorf("%w: %s", ErrNoResult, b.name)
	default:
		return nil, fmt.Errorf("%w: %s has no result yet", ErrWrongState, b.name)
	}
}

func (b *ObserverBase) Start() error {
	b.mu.Lock()
	if b.status != StatusPending {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s already started", ErrWrongState, b.name)
	}
	if b.startGuard != nil {
		if err := b.startGuard(); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	b.status = StatusRunning
	b.startTime = time.Now()
	b.mu.Unlock()

	sub, err := b.runner.Submit(b.self)
	if err != nil {
		b.SetError(err)
		return err
	}
	b.mu.Lock()
	b.submission = sub
	b.mu.Unlock()
	return nil
}

func (b *ObserverBase) AwaitDone(timeout time.Duration) (any, error) {
	b.mu.Lock()
	sub := b.submission
	b.mu.Unlock()
	if sub == nil {
		return nil, fmt.Errorf("%w: %s awaited before start", ErrWrongState, b.name)
	}
	if err := b.runner.WaitFor(b.self, sub, timeout); err != nil {
		return nil, err
	}
	return b.Result()
}

// OnTimeout fires the installed timeout hook, if any. The runner guarantees
// at most one invocation per observer.
func (b *ObserverBase) OnTimeout() {
	if b.onTimeout != nil {
		b.onTimeout()
	}
}

// elapsed returns time passed since start; zero before start.
func (b *ObserverBase) elapsed() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startTime.IsZero() {
		return 0
	}
	return time.Since(b.startTime)
}
