package event

// Type names what happened to an expense
type Type string

const (
	TypeExpenseSubmitted Type = "expense.submitted"
	TypeApprovalDecided  Type = "approval.decided"
	TypeExpenseAdvanced  Type = "expense.advanced"
	TypeExpenseApproved  Type = "expense.approved"
	TypeExpenseRejected  Type = "expense.rejected"
	// TypeApproverNotify asks the notification side to tell one approver about a pending task
	TypeApproverNotify Type = "approver.notify"
)

// Payload keys shared by publishers and handlers
const (
	KeyApprovalID   = "approval_id"
	KeyApproverID   = "approver_id"
	KeyEmployeeID   = "employee_id"
	KeyStatus       = "status"
	KeyStepSequence = "step_sequence"
	KeyAction       = "action"
)
