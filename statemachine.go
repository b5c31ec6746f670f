package moler

import (
	"fmt"
	"regexp"
	"sync"
)

// Action is one step of a state transition. Actions commonly run commands
// through the runner; they must not call GotoState on the same machine
// (traversals are serialized and re-entry deadlocks).
type Action func(src, dst string) error

// Transition is the scripted path between two states. There is exactly one
// transition per (src, dst) pair; its actions run in order.
type Transition struct {
	Source  string
	Dest    string
	Actions []Action
}

// StateMachine is the per-endpoint finite automaton gating which observers
// may start on a device. Multi-step traversals go through hops: an
// intermediate state inserted between src and dst, each hop executed fully
// before the next begins.
//
// Two locks split the machine's concerns: travMu serializes whole
// traversals so transitions never interleave, while mu guards the state data
// itself. Transition actions run under travMu only, so a transport callback
// forcing the state (SetState) during an action does not deadlock.
type StateMachine struct {
	logger Logger

	travMu sync.Mutex

	mu          sync.Mutex
	current     string
	states      map[string]struct{}
	transitions map[string]map[string]*Transition
	hops        map[string]map[string]string
	prompts     map[string]*regexp.Regexp
}

// NewStateMachine creates a machine in the initial state.
func NewStateMachine(initial string, logger Logger) *StateMachine {
	if logger == nil {
		logger = NopLogger{}
	}
	return &StateMachine{
		logger:      logger,
		current:     initial,
		states:      map[string]struct{}{initial: {}},
		transitions: make(map[string]map[string]*Transition),
		hops:        make(map[string]map[string]string),
		prompts:     make(map[string]*regexp.Regexp),
	}
}

// AddState registers a state label. Adding a known state is a no-op.
func (sm *StateMachine) AddState(state string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.states[state] = struct{}{}
}

// AddTransition scripts the (src, dst) transition. Both states are registered
// as a side effect. Redefining an existing pair is a wrong-usage error: the
// machine supports exactly one transition per pair.
func (sm *StateMachine) AddTransition(src, dst string, actions ...Action) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.transitions[src][dst]; ok {
		return fmt.Errorf("%w: transition %s -> %s already defined", ErrWrongUsage, src, dst)
	}
	sm.states[src] = struct{}{}
	sm.states[dst] = struct{}{}
	if sm.transitions[src] == nil {
		sm.transitions[src] = make(map[string]*Transition)
	}
	sm.transitions[src][dst] = &Transition{Source: src, Dest: dst, Actions: actions}
	return nil
}

// AddHop declares that traversing src -> dst goes through via. The direct
// transition (src, via) must already be defined.
func (sm *StateMachine) AddHop(src, dst, via string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.transitions[src][via]; !ok {
		return fmt.Errorf("%w: hop %s -> %s via %s has no transition %s -> %s",
			ErrWrongUsage, src, dst, via, src, via)
	}
	if sm.hops[src] == nil {
		sm.hops[src] = make(map[string]string)
	}
	sm.hops[src][dst] = via
	return nil
}

// SetPrompt associates a prompt regex with a state. Prompt-aware devices use
// it to recognize where an endpoint is after reconnect.
func (sm *StateMachine) SetPrompt(state string, prompt *regexp.Regexp) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.prompts[state] = prompt
}

// Prompt returns the prompt regex of a state, or nil.
func (sm *StateMachine) Prompt(state string) *regexp.Regexp {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.prompts[state]
}

// CurrentState returns a stable state label.
func (sm *StateMachine) CurrentState() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// SetState forces the current state without running transition actions. The
// device lifecycle uses it for connection made/lost notifications.
func (sm *StateMachine) SetState(state string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current == state {
		return
	}
	sm.logger.Debug("state forced", "from", sm.current, "to", state)
	sm.states[state] = struct{}{}
	sm.current = state
}

// GotoState traverses from the current state to dst, following hops and
// running each transition's actions in order. Calling it in the current state
// is a no-op. An action failure aborts the traversal, leaves the machine in
// the last stably-entered state and surfaces ErrDeviceFailure. Traversals are
// serialized: a second GotoState blocks until the first finishes.
func (sm *StateMachine) GotoState(dst string) error {
	sm.travMu.Lock()
	defer sm.travMu.Unlock()

	sm.mu.Lock()
	_, known := sm.states[dst]
	current := sm.current
	sm.mu.Unlock()
	if current == dst {
		return nil
	}
	if !known {
		return fmt.Errorf("%w: unknown state %s", ErrDeviceFailure, dst)
	}
	sm.logger.Debug("goto state", "from", current, "to", dst)

	// Each iteration enters one hop fully. The bound catches hop tables
	// that cycle without reaching dst.
	limit := sm.stateCount() + 1
	for i := 0; i < limit; i++ {
		sm.mu.Lock()
		current = sm.current
		step := dst
		if via, ok := sm.hops[current][dst]; ok {
			step = via
		}
		tr := sm.transitions[current][step]
		sm.mu.Unlock()
		if current == dst {
			return nil
		}
		if tr == nil {
			return fmt.Errorf("%w: no transition %s -> %s", ErrDeviceFailure, current, step)
		}

		for _, action := range tr.Actions {
			if err := action(current, step); err != nil {
				return fmt.Errorf("%w: transition %s -> %s: %v", ErrDeviceFailure, current, step, err)
			}
		}

		sm.mu.Lock()
		sm.current = step
		sm.mu.Unlock()
		sm.logger.Debug("state entered", "from", current, "to", step)
		if step == dst {
			return nil
		}
	}
	return fmt.Errorf("%w: hop table never reaches %s", ErrDeviceFailure, dst)
}

func (sm *StateMachine) stateCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.states)
}
