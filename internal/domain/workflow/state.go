package workflow

// State is a lifecycle status shared by expenses and their approval tasks
type State string

const (
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateRejected State = "REJECTED"
)

var validStates = map[State]bool{
	StatePending:  true,
	StateApproved: true,
	StateRejected: true,
}

// IsTerminal returns true once no further transitions are allowed
func (s State) IsTerminal() bool {
	return s == StateApproved || s == StateRejected
}

// IsValid returns true if the state is one of the known states
func (s State) IsValid() bool {
	return validStates[s]
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// Trigger is an event that moves a lifecycle from one state to another
type Trigger string

const (
	TriggerApprove Trigger = "APPROVE"
	TriggerReject  Trigger = "REJECT"
	// TriggerAdvance moves a sequential expense to its next step group without leaving PENDING.
	TriggerAdvance Trigger = "ADVANCE"
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}
