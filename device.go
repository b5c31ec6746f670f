package moler

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sync"
	"time"

	"github.com/golobby/cast"
)

// Distinguished device states. Every device knows at least these two; device
// types layer their own states (shells, remote hosts, configuration modes)
// on top.
const (
	StateNotConnected = "NOT_CONNECTED"
	StateConnected    = "CONNECTED"
)

// Params carries named observer parameters from callers into factories.
type Params map[string]any

// String returns the parameter coerced to string.
func (p Params) String(key string) (string, error) {
	return paramAs[string](p, key)
}

// Int returns the parameter coerced to int.
func (p Params) Int(key string) (int, error) {
	return paramAs[int](p, key)
}

// Bool returns the parameter coerced to bool.
func (p Params) Bool(key string) (bool, error) {
	return paramAs[bool](p, key)
}

// Duration returns the parameter coerced to a duration; bare numbers are
// seconds.
func (p Params) Duration(key string) (time.Duration, error) {
	s, err := paramAs[string](p, key)
	if err != nil {
		return 0, err
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := paramAs[float64](p, key)
	if err != nil {
		return 0, fmt.Errorf("%w: param %q is not a duration", ErrWrongUsage, key)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func paramAs[T any](p Params, key string) (T, error) {
	var zero T
	v, ok := p[key]
	if !ok {
		return zero, fmt.Errorf("%w: missing param %q", ErrWrongUsage, key)
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	converted, err := cast.FromType(fmt.Sprintf("%v", v), reflect.TypeOf(zero))
	if err != nil {
		return zero, fmt.Errorf("param %q: %w", key, err)
	}
	typed, ok := converted.(T)
	if !ok {
		return zero, fmt.Errorf("%w: param %q has type %T", ErrWrongUsage, key, v)
	}
	return typed, nil
}

// CommandFactory builds a command bound to the device connection. Factories
// must forward opts to NewCommand so the device can inject its runner, logger
// and state guard.
type CommandFactory func(conn *Connection, params Params, opts ...ObserverOption) (*Command, error)

// EventFactory builds an event bound to the device connection, forwarding
// opts to NewEvent.
type EventFactory func(conn *Connection, params Params, opts ...ObserverOption) (*Event, error)

// Device binds a Transport and its Connection with a StateMachine and a
// catalog of observers allowed per state. The device owns the transport: it
// is opened during construction and closed by an explicit Close.
type Device struct {
	name      string
	transport Transport
	conn      *Connection
	sm        *StateMachine
	runner    Runner
	ownRunner bool
	logger    Logger

	cmds   map[string]map[string]CommandFactory
	events map[string]map[string]EventFactory

	initialState string

	lifecycleMu sync.RWMutex
	lifecycle   []*lifecycleRegistration

	closeOnce sync.Once
}

// DeviceOption configures a device at construction time.
type DeviceOption func(*Device) error

// WithDeviceLogger sets the device's logger, shared with its connection and
// state machine.
func WithDeviceLogger(logger Logger) DeviceOption {
	return func(d *Device) error {
		if logger != nil {
			d.logger = logger
		}
		return nil
	}
}

// WithDeviceRunner binds the device to an external runner. Without it the
// device creates and owns a BackgroundRunner, shut down on Close.
func WithDeviceRunner(r Runner) DeviceOption {
	return func(d *Device) error {
		if r != nil {
			d.runner = r
			d.ownRunner = false
		}
		return nil
	}
}

// WithCommand registers a command factory under a short name for one state.
func WithCommand(state, name string, factory CommandFactory) DeviceOption {
	return func(d *Device) error {
		d.sm.AddState(state)
		if d.cmds[state] == nil {
			d.cmds[state] = make(map[string]CommandFactory)
		}
		if _, ok := d.cmds[state][name]; ok {
			return fmt.Errorf("%w: command %q already registered for state %s", ErrWrongUsage, name, state)
		}
		d.cmds[state][name] = factory
		return nil
	}
}

// WithEvent registers an event factory under a short name for one state.
func WithEvent(state, name string, factory EventFactory) DeviceOption {
	return func(d *Device) error {
		d.sm.AddState(state)
		if d.events[state] == nil {
			d.events[state] = make(map[string]EventFactory)
		}
		if _, ok := d.events[state][name]; ok {
			return fmt.Errorf("%w: event %q already registered for state %s", ErrWrongUsage, name, state)
		}
		d.events[state][name] = factory
		return nil
	}
}

// WithTransition scripts a state transition on the device's machine.
func WithTransition(src, dst string, actions ...Action) DeviceOption {
	return func(d *Device) error {
		return d.sm.AddTransition(src, dst, actions...)
	}
}

// WithHop routes GotoState(src -> dst) through via.
func WithHop(src, dst, via string) DeviceOption {
	return func(d *Device) error {
		return d.sm.AddHop(src, dst, via)
	}
}

// WithStatePrompt associates a prompt regex with a state.
func WithStatePrompt(state string, prompt *regexp.Regexp) DeviceOption {
	return func(d *Device) error {
		d.sm.SetPrompt(state, prompt)
		return nil
	}
}

// WithInitialState makes the device traverse to state right after the
// transport opens (the configuration's initial state hint).
func WithInitialState(state string) DeviceOption {
	return func(d *Device) error {
		d.initialState = state
		return nil
	}
}

// NewDevice creates a device over tr and opens the transport. The device
// starts in NOT_CONNECTED and moves to CONNECTED when the transport reports
// the connection; the built-in CONNECTED <-> NOT_CONNECTED transitions open
// and close the transport.
func NewDevice(name string, tr Transport, opts ...DeviceOption) (*Device, error) {
	d := &Device{
		name:      name,
		transport: tr,
		logger:    NopLogger{},
		cmds:      make(map[string]map[string]CommandFactory),
		events:    make(map[string]map[string]EventFactory),
	}
	d.sm = NewStateMachine(StateNotConnected, d.logger)
	if err := d.sm.AddTransition(StateNotConnected, StateConnected, d.openConnection); err != nil {
		return nil, err
	}
	if err := d.sm.AddTransition(StateConnected, StateNotConnected, d.closeConnection); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	d.sm.logger = d.logger
	d.conn = NewConnection(
		WithConnectionName(name),
		WithSender(tr),
		WithConnectionLogger(d.logger),
	)
	if d.runner == nil {
		d.runner = NewBackgroundRunner(WithRunnerLogger(d.logger))
		d.ownRunner = true
	}

	tr.SetInjector(d.conn)
	tr.Notify(TransportConnectionMade, d.onConnectionMade)
	tr.Notify(TransportConnectionLost, d.onConnectionLost)
	if err := tr.Open(); err != nil {
		return nil, fmt.Errorf("device %s: %w", name, err)
	}
	if d.initialState != "" && d.initialState != d.sm.CurrentState() {
		if err := d.sm.GotoState(d.initialState); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Connection returns the device's moler connection.
func (d *Device) Connection() *Connection { return d.conn }

// StateMachine returns the device's state machine.
func (d *Device) StateMachine() *StateMachine { return d.sm }

// CurrentState returns the device's current state label.
func (d *Device) CurrentState() string { return d.sm.CurrentState() }

// GotoState traverses the device's state machine to dst.
func (d *Device) GotoState(dst string) error { return d.sm.GotoState(dst) }

// GetCmd looks the command up in the catalog of the current state and
// instantiates it. With checkState the command gets a start guard: starting
// it after the device left the creation state fails with
// ErrCommandWrongState.
func (d *Device) GetCmd(name string, params Params, checkState bool) (*Command, error) {
	state := d.sm.CurrentState()
	factory := d.cmds[state][name]
	if factory == nil {
		return nil, fmt.Errorf("%w: %q cmd is unknown for state %s of device %s",
			ErrWrongUsage, name, state, d.name)
	}
	opts := d.observerOptions(name, state, checkState, ErrCommandWrongState)
	cmd, err := factory(d.conn, params, opts...)
	if err != nil {
		return nil, fmt.Errorf("device %s: cmd %q: %w", d.name, name, err)
	}
	return cmd, nil
}

// GetEvent looks the event up in the catalog of the current state and
// instantiates it, with the same state gating as GetCmd.
func (d *Device) GetEvent(name string, params Params, checkState bool) (*Event, error) {
	state := d.sm.CurrentState()
	factory := d.events[state][name]
	if factory == nil {
		return nil, fmt.Errorf("%w: %q event is unknown for state %s of device %s",
			ErrWrongUsage, name, state, d.name)
	}
	opts := d.observerOptions(name, state, checkState, ErrEventWrongState)
	ev, err := factory(d.conn, params, opts...)
	if err != nil {
		return nil, fmt.Errorf("device %s: event %q: %w", d.name, name, err)
	}
	return ev, nil
}

func (d *Device) observerOptions(name, creationState string, checkState bool, wrongState error) []ObserverOption {
	opts := []ObserverOption{
		WithRunner(d.runner),
		WithObserverLogger(d.logger),
	}
	if checkState {
		opts = append(opts, WithStartGuard(func() error {
			if current := d.sm.CurrentState(); current != creationState {
				return fmt.Errorf("%w: %q created in %s, device %s now in %s",
					wrongState, name, creationState, d.name, current)
			}
			return nil
		}))
	}
	return opts
}

// Run is the get-start-await shorthand for commands.
func (d *Device) Run(name string, params Params) (any, error) {
	cmd, err := d.GetCmd(name, params, true)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	d.notifyLifecycle(EventTypeObserverStarted, map[string]any{"observer": cmd.Name()})
	result, err := cmd.AwaitDone(0)
	d.notifyLifecycle(EventTypeObserverFinished, map[string]any{
		"observer": cmd.Name(),
		"status":   cmd.Status().String(),
	})
	return result, err
}

// StartCmd is the get-and-start shorthand; the caller awaits the returned
// command.
func (d *Device) StartCmd(name string, params Params) (*Command, error) {
	cmd, err := d.GetCmd(name, params, true)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// RegisterObserver subscribes a lifecycle observer, optionally filtered to
// specific event types.
func (d *Device) RegisterObserver(observer LifecycleObserver, eventTypes ...string) {
	reg := &lifecycleRegistration{observer: observer}
	if len(eventTypes) > 0 {
		reg.eventTypes = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			reg.eventTypes[t] = struct{}{}
		}
	}
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	d.lifecycle = append(d.lifecycle, reg)
}

// UnregisterObserver removes a lifecycle observer by its ID. Unknown
// observers are a no-op.
func (d *Device) UnregisterObserver(observer LifecycleObserver) {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	for i, reg := range d.lifecycle {
		if reg.observer.ObserverID() == observer.ObserverID() {
			d.lifecycle = append(d.lifecycle[:i], d.lifecycle[i+1:]...)
			return
		}
	}
}

func (d *Device) notifyLifecycle(eventType string, data map[string]any) {
	d.lifecycleMu.RLock()
	regs := make([]*lifecycleRegistration, len(d.lifecycle))
	copy(regs, d.lifecycle)
	d.lifecycleMu.RUnlock()
	if len(regs) == 0 {
		return
	}
	event := NewDeviceEvent(eventType, "moler/device/"+d.name, data)
	ctx := context.Background()
	for _, reg := range regs {
		if !reg.matches(eventType) {
			continue
		}
		if err := reg.observer.OnEvent(ctx, event); err != nil {
			d.logger.Debug("lifecycle observer failed",
				"device", d.name, "observer", reg.observer.ObserverID(), "error", err)
		}
	}
}

func (d *Device) onConnectionMade(error) {
	d.sm.SetState(StateConnected)
	d.logger.Debug("connection made", "device", d.name)
	d.notifyLifecycle(EventTypeConnectionMade, map[string]any{"device": d.name})
	d.notifyLifecycle(EventTypeStateChanged, map[string]any{"device": d.name, "state": StateConnected})
}

func (d *Device) onConnectionLost(cause error) {
	d.conn.ConnectionLost(cause)
	d.sm.SetState(StateNotConnected)
	d.logger.Debug("connection lost", "device", d.name, "cause", cause)
	d.notifyLifecycle(EventTypeConnectionLost, map[string]any{"device": d.name})
	d.notifyLifecycle(EventTypeStateChanged, map[string]any{"device": d.name, "state": StateNotConnected})
}

func (d *Device) openConnection(src, dst string) error {
	return d.transport.Open()
}

func (d *Device) closeConnection(src, dst string) error {
	return d.transport.Close()
}

// Close releases the device: its own runner is shut down and the transport
// closed. Close is idempotent; devices must be closed explicitly, there is no
// finalizer-driven cleanup.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.ownRunner {
			d.runner.Shutdown()
		}
		err = d.transport.Close()
		d.logger.Debug("device closed", "device", d.name)
	})
	return err
}
