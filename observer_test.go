package moler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverTerminalAtMostOnce(t *testing.T) {
	conn := NewConnection()
	cmd := NewCommand(conn, "whoami", nil, WithRunner(noopRunner{}))

	cmd.SetResult("root")
	cmd.SetResult("other")
	cmd.SetError(errors.New("late error"))
	assert.False(t, cmd.Cancel())

	require.Equal(t, StatusDoneOK, cmd.Status())
	result, err := cmd.Result()
	require.NoError(t, err)
	assert.Equal(t, "root", result)
}

func TestObserverCancelIdempotent(t *testing.T) {
	conn := NewConnection()
	ev := NewEvent(conn, "watcher", nil, WithRunner(noopRunner{}))

	assert.True(t, ev.Cancel())
	assert.False(t, ev.Cancel())
	assert.Equal(t, StatusCancelled, ev.Status())

	_, err := ev.Result()
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestObserverResultBeforeDone(t *testing.T) {
	conn := NewConnection()
	cmd := NewCommand(conn, "pwd", nil, WithRunner(noopRunner{}))

	_, err := cmd.Result()
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestObserverSecondStartFails(t *testing.T) {
	runner := NewBackgroundRunner()
	defer runner.Shutdown()
	conn := NewConnection()
	ev := NewEvent(conn, "watcher", nil, WithRunner(runner), WithTimeout(time.Second))

	require.NoError(t, ev.Start())
	err := ev.Start()
	assert.ErrorIs(t, err, ErrWrongState)
	ev.Cancel()
}

func TestObserverStartGuardKeepsPending(t *testing.T) {
	guardErr := errors.New("not now")
	conn := NewConnection()
	cmd := NewCommand(conn, "reboot", nil,
		WithRunner(noopRunner{}),
		WithStartGuard(func() error { return guardErr }),
	)

	err := cmd.Start()
	assert.ErrorIs(t, err, guardErr)
	assert.Equal(t, StatusPending, cmd.Status())
	assert.True(t, cmd.StartTime().IsZero())
}

func TestObserverAwaitBeforeStart(t *testing.T) {
	conn := NewConnection()
	cmd := NewCommand(conn, "pwd", nil, WithRunner(noopRunner{}))

	_, err := cmd.AwaitDone(time.Second)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestObserverDataIgnoredAfterCancel(t *testing.T) {
	runner := NewBackgroundRunner()
	defer runner.Shutdown()
	conn := NewConnection()
	var calls int
	ev := NewEvent(conn, "watcher", func(ev *Event, data []byte) { calls++ },
		WithRunner(runner), WithTimeout(time.Second))

	require.NoError(t, ev.Start())
	conn.DataReceived([]byte("first"))
	require.True(t, eventually(time.Second, func() bool { return calls == 1 }))

	ev.Cancel()
	conn.DataReceived([]byte("second"))
	assert.Equal(t, 1, calls)
}

func TestEventOccurrencesAndCallbacks(t *testing.T) {
	conn := NewConnection()
	var fired []string
	ev := NewEvent(conn, "err-watcher", func(ev *Event, data []byte) {
		ev.Occurred(string(data))
	}, WithRunner(noopRunner{}))
	ev.WhenOccurs(func(occ Occurrence) {
		fired = append(fired, occ.Data.(string))
	})

	// drive the detect hook directly the way a guarded receiver would
	ev.mu.Lock()
	ev.DataReceived([]byte("ERR-7"))
	ev.DataReceived([]byte("ERR-12"))
	ev.mu.Unlock()

	require.Len(t, ev.Occurrences(), 2)
	assert.Equal(t, []string{"ERR-7", "ERR-12"}, fired)
	assert.False(t, ev.Done())
}

func TestSingleEventTerminatesOnFirstOccurrence(t *testing.T) {
	conn := NewConnection()
	ev := NewEvent(conn, "once", func(ev *Event, data []byte) {
		ev.Occurred(string(data))
	}, WithRunner(noopRunner{}))
	ev.Single = true

	ev.mu.Lock()
	ev.DataReceived([]byte("ERR-7"))
	ev.mu.Unlock()

	require.Equal(t, StatusDoneOK, ev.Status())
	result, err := ev.Result()
	require.NoError(t, err)
	assert.Equal(t, "ERR-7", result)
}

func TestObserverSetTimeout(t *testing.T) {
	conn := NewConnection()
	cmd := NewCommand(conn, "sleep 5", nil, WithRunner(noopRunner{}), WithTimeout(2*time.Second))

	cmd.SetTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, cmd.Timeout())
}

func TestObserverStatusStrings(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "done_ok", StatusDoneOK.String())
	assert.Equal(t, "done_err", StatusDoneErr.String())
	assert.Equal(t, "cancelled", StatusCancelled.String())
	assert.Equal(t, "timed_out", StatusTimedOut.String())
	for _, s := range []ObserverStatus{StatusDoneOK, StatusDoneErr, StatusCancelled, StatusTimedOut} {
		assert.True(t, s.Terminal())
	}
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
}
