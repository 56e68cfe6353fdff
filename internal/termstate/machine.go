// Package termstate holds the per-session debounced state machine and the
// idle sweep that backs it up.
package termstate

import (
	"sync"
	"time"
)

// State is the externally visible session state.
type State string

const (
	StateStarting  State = "starting"
	StateAttention State = "attention"
	StateRunning   State = "running"
	StateError     State = "error"
	StateDead      State = "dead"
)

// Default debounce delays.
const (
	DefaultEnterRunningDelay       = 0
	DefaultRunningToAttentionDelay = 500 * time.Millisecond
	DefaultTransitionDelay         = 100 * time.Millisecond
)

// Edge is a (from, to) pair in the debounce table.
type Edge struct {
	From State
	To   State
}

// Policy is the debounce table. Lookup order: entering dead (always
// immediate), an explicit Edges entry, entering running, then Default.
type Policy struct {
	Edges        map[Edge]time.Duration
	EnterRunning time.Duration
	Default      time.Duration
}

// DefaultPolicy returns the tuned delays.
func DefaultPolicy() Policy {
	return Policy{
		Edges: map[Edge]time.Duration{
			{From: StateRunning, To: StateAttention}: DefaultRunningToAttentionDelay,
		},
		EnterRunning: DefaultEnterRunningDelay,
		Default:      DefaultTransitionDelay,
	}
}

// Delay returns how long a transition must stay requested before it applies.
func (p Policy) Delay(from, to State) time.Duration {
	if to == StateDead {
		return 0
	}
	if d, ok := p.Edges[Edge{From: from, To: to}]; ok {
		return d
	}
	if to == StateRunning {
		return p.EnterRunning
	}
	return p.Default
}

// Allowed reports whether from -> to is a real transition. Dead is terminal,
// starting is never re-entered, and every other pair is allowed.
func Allowed(from, to State) bool {
	if from == StateDead || to == StateStarting || from == to {
		return false
	}
	switch to {
	case StateAttention, StateRunning, StateError, StateDead:
		return true
	}
	return false
}

// ChangeFunc observes stable transitions. It runs with the machine locked
// and must not call back into the machine.
type ChangeFunc func(id string, next, prev State)

// Machine is one session's state. Requests are debounced per Policy; the
// latest request replaces any pending one.
type Machine struct {
	id       string
	policy   Policy
	onChange ChangeFunc

	mu      sync.Mutex
	state   State
	pending *pendingTransition
	stopped bool
}

type pendingTransition struct {
	target State
	timer  *time.Timer
}

// NewMachine creates a machine in StateStarting.
func NewMachine(id string, policy Policy, onChange ChangeFunc) *Machine {
	return &Machine{id: id, policy: policy, onChange: onChange, state: StateStarting}
}

// State returns the current stable state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pending returns the target of the pending transition, if any.
func (m *Machine) Pending() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return "", false
	}
	return m.pending.target, true
}

// Request asks for target after its debounce delay. Requesting the current
// state cancels a pending transition. Repeating the pending target keeps
// the running timer.
func (m *Machine) Request(target State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.state == StateDead {
		return
	}
	if target == m.state {
		m.cancelPendingLocked()
		return
	}
	if !Allowed(m.state, target) {
		return
	}
	if m.pending != nil && m.pending.target == target {
		return
	}
	m.cancelPendingLocked()

	delay := m.policy.Delay(m.state, target)
	if delay <= 0 {
		m.applyLocked(target)
		return
	}
	p := &pendingTransition{target: target}
	p.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.pending != p || m.stopped {
			return
		}
		m.pending = nil
		if Allowed(m.state, p.target) {
			m.applyLocked(p.target)
		}
	})
	m.pending = p
}

// Force applies target immediately, dropping any pending transition.
func (m *Machine) Force(target State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || !Allowed(m.state, target) {
		return false
	}
	m.cancelPendingLocked()
	m.applyLocked(target)
	return true
}

// Stop cancels the pending timer and freezes the machine.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelPendingLocked()
	m.stopped = true
}

func (m *Machine) cancelPendingLocked() {
	if m.pending != nil {
		m.pending.timer.Stop()
		m.pending = nil
	}
}

func (m *Machine) applyLocked(target State) {
	prev := m.state
	m.state = target
	if m.onChange != nil {
		m.onChange(m.id, target, prev)
	}
}
