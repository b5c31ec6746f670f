package moler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerJobFiresPeriodically(t *testing.T) {
	s, err := NewScheduler(SchedulerKindBackground)
	require.NoError(t, err)
	defer s.Shutdown()

	var ticks atomic.Int32
	job, err := s.GetJob(func(params Params) error {
		ticks.Add(1)
		return nil
	}, 20*time.Millisecond, nil, false)
	require.NoError(t, err)

	// jobs are created paused
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), ticks.Load())

	job.Start()
	require.True(t, eventually(2*time.Second, func() bool { return ticks.Load() >= 3 }))

	job.Cancel()
	paused := ticks.Load()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, ticks.Load(), paused+1, "a paused job stops ticking")
}

func TestSchedulerJobParams(t *testing.T) {
	s, err := NewScheduler(SchedulerKindBackground)
	require.NoError(t, err)
	defer s.Shutdown()

	var got atomic.Value
	job, err := s.GetJob(func(params Params) error {
		host, err := params.String("host")
		if err != nil {
			return err
		}
		got.Store(host)
		return nil
	}, 10*time.Millisecond, Params{"host": "lab-7"}, false)
	require.NoError(t, err)
	job.Start()

	require.True(t, eventually(2*time.Second, func() bool { return got.Load() != nil }))
	assert.Equal(t, "lab-7", got.Load())
}

func TestSchedulerOverlappingTickDropped(t *testing.T) {
	s, err := NewScheduler(SchedulerKindBackground)
	require.NoError(t, err)
	defer s.Shutdown()

	var running atomic.Int32
	var overlapped atomic.Bool
	var ticks atomic.Int32
	job, err := s.GetJob(func(params Params) error {
		if running.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer running.Add(-1)
		ticks.Add(1)
		time.Sleep(50 * time.Millisecond) // slower than the interval
		return nil
	}, 10*time.Millisecond, nil, false)
	require.NoError(t, err)
	job.Start()

	require.True(t, eventually(2*time.Second, func() bool { return ticks.Load() >= 3 }))
	job.Cancel()
	assert.False(t, overlapped.Load(), "ticks must drop, never queue or overlap")
}

func TestSchedulerCancelOnException(t *testing.T) {
	logger := &testLogger{}
	s, err := NewScheduler(SchedulerKindBackground, WithSchedulerLogger(logger))
	require.NoError(t, err)
	defer s.Shutdown()

	var ticks atomic.Int32
	job, err := s.GetJob(func(params Params) error {
		ticks.Add(1)
		return errors.New("probe failed")
	}, 10*time.Millisecond, nil, true)
	require.NoError(t, err)
	job.Start()

	require.True(t, eventually(2*time.Second, func() bool { return !job.Active() }))
	settled := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, ticks.Load(), "job must stay paused after the failing tick")
	assert.True(t, logger.contains("WARN: job paused after failing tick"))
}

func TestSchedulerPanicCountsAsFailure(t *testing.T) {
	s, err := NewScheduler(SchedulerKindBackground)
	require.NoError(t, err)
	defer s.Shutdown()

	job, err := s.GetJob(func(params Params) error {
		panic("keepalive exploded")
	}, 10*time.Millisecond, nil, true)
	require.NoError(t, err)
	job.Start()

	require.True(t, eventually(2*time.Second, func() bool { return !job.Active() }))
}

func TestSchedulerUnknownKind(t *testing.T) {
	_, err := NewScheduler("fibers")
	assert.ErrorIs(t, err, ErrSchedulerUnknownKind)
}

func TestSchedulerJobValidation(t *testing.T) {
	s, err := NewScheduler(SchedulerKindSerial)
	require.NoError(t, err)
	defer s.Shutdown()

	_, err = s.GetJob(nil, time.Second, nil, false)
	assert.ErrorIs(t, err, ErrJobCallbackNil)

	_, err = s.GetJob(func(params Params) error { return nil }, 0, nil, false)
	assert.ErrorIs(t, err, ErrJobIntervalInvalid)
}

func TestSchedulerDefaultSingleton(t *testing.T) {
	SetDefaultScheduler(nil)
	t.Cleanup(func() { SetDefaultScheduler(nil) })

	first, err := InitDefaultScheduler(SchedulerKindBackground)
	require.NoError(t, err)
	assert.Same(t, first, DefaultScheduler())

	_, err = InitDefaultScheduler(SchedulerKindBackground)
	assert.ErrorIs(t, err, ErrSchedulerAlreadyInitialized)
}
