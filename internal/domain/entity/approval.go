package entity

import "time"

// ExpenseApproval is one approver's pending or recorded decision on an expense.
//
// StepSequence groups tasks of sequential rules; it is always 0 for flattened
// rule kinds. Origin says which part of the rule created the task, so that the
// quorum only counts rule steps and never the manager pre-step.
type ExpenseApproval struct {
	ID           int64      `json:"id"`
	ExpenseID    int64      `json:"expense_id"`
	ApproverID   int64      `json:"approver_id"`
	StepSequence int        `json:"step_sequence"`
	Origin       string     `json:"origin"`
	Status       string     `json:"status"`
	Comments     string     `json:"comments,omitempty"`
	DecisionAt   *time.Time `json:"decision_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Approval status constants
const (
	ApprovalStatusPending  = "PENDING"
	ApprovalStatusApproved = "APPROVED"
	ApprovalStatusRejected = "REJECTED"
)

// Approval origin constants
const (
	OriginManager    = "MANAGER"
	OriginRule       = "RULE"
	OriginDesignated = "DESIGNATED"
)

// IsDecided returns true once the approver has approved or rejected
func (a *ExpenseApproval) IsDecided() bool {
	return a.Status == ApprovalStatusApproved || a.Status == ApprovalStatusRejected
}
