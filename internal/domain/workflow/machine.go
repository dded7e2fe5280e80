package workflow

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a trigger is not permitted from the current state
var ErrInvalidTransition = errors.New("invalid state transition")

// Lifecycle is an immutable transition table. Machines built from it do not share state.
type Lifecycle struct {
	transitions map[State]map[Trigger]State
}

// LifecycleBuilder collects transitions for a Lifecycle
type LifecycleBuilder struct {
	transitions map[State]map[Trigger]State
}

// NewLifecycle starts a new transition table
func NewLifecycle() *LifecycleBuilder {
	return &LifecycleBuilder{transitions: make(map[State]map[Trigger]State)}
}

// Permit allows trigger to move from one state to another
func (b *LifecycleBuilder) Permit(from State, trigger Trigger, to State) *LifecycleBuilder {
	if !from.IsValid() || !to.IsValid() {
		panic(fmt.Sprintf("invalid transition %s -[%s]-> %s", from, trigger, to))
	}
	if from.IsTerminal() {
		panic(fmt.Sprintf("terminal state %s cannot have outgoing transitions", from))
	}

	if b.transitions[from] == nil {
		b.transitions[from] = make(map[Trigger]State)
	}
	b.transitions[from][trigger] = to
	return b
}

// Build freezes the table
func (b *LifecycleBuilder) Build() *Lifecycle {
	frozen := make(map[State]map[Trigger]State, len(b.transitions))
	for from, byTrigger := range b.transitions {
		copied := make(map[Trigger]State, len(byTrigger))
		for trigger, to := range byTrigger {
			copied[trigger] = to
		}
		frozen[from] = copied
	}
	return &Lifecycle{transitions: frozen}
}

// Machine tracks the current state of one lifecycle instance
type Machine struct {
	lifecycle *Lifecycle
	current   State
}

// Start returns a machine positioned at initial
func (l *Lifecycle) Start(initial State) (*Machine, error) {
	if !initial.IsValid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, initial)
	}
	return &Machine{lifecycle: l, current: initial}, nil
}

// State returns the current state
func (m *Machine) State() State {
	return m.current
}

// CanFire reports whether trigger is permitted from the current state
func (m *Machine) CanFire(trigger Trigger) bool {
	_, ok := m.lifecycle.transitions[m.current][trigger]
	return ok
}

// Fire applies trigger and returns the new state
func (m *Machine) Fire(trigger Trigger) (State, error) {
	to, ok := m.lifecycle.transitions[m.current][trigger]
	if !ok {
		return m.current, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, m.current)
	}
	m.current = to
	return to, nil
}

// ExpenseLifecycle: pending -> {approved, rejected}; ADVANCE keeps a sequential expense pending.
var ExpenseLifecycle = NewLifecycle().
	Permit(StatePending, TriggerApprove, StateApproved).
	Permit(StatePending, TriggerReject, StateRejected).
	Permit(StatePending, TriggerAdvance, StatePending).
	Build()

// TaskLifecycle: pending -> {approved, rejected}
var TaskLifecycle = NewLifecycle().
	Permit(StatePending, TriggerApprove, StateApproved).
	Permit(StatePending, TriggerReject, StateRejected).
	Build()
