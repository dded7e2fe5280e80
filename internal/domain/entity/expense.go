package entity

import "time"

// Expense is a reimbursement claim submitted by an employee.
// ApprovalRuleID pins the rule that was active at submission, so a later rule
// change does not alter expenses already in flight. CurrentApprovalStep is the
// group cursor used by sequential rules only.
type Expense struct {
	ID                      int64      `json:"id"`
	EmployeeID              int64      `json:"employee_id"`
	CompanyID               int64      `json:"company_id"`
	Amount                  float64    `json:"amount"`
	Currency                string     `json:"currency"`
	AmountInCompanyCurrency float64    `json:"amount_in_company_currency"`
	Category                string     `json:"category"`
	Description             string     `json:"description"`
	ExpenseDate             time.Time  `json:"expense_date"`
	VendorName              string     `json:"vendor_name,omitempty"`
	Status                  string     `json:"status"`
	ApprovalRuleID          *int64     `json:"approval_rule_id,omitempty"`
	CurrentApprovalStep     int        `json:"current_approval_step"`
	SubmittedAt             time.Time  `json:"submitted_at"`
	FinalDecisionAt         *time.Time `json:"final_decision_at,omitempty"`
	Version                 int64      `json:"version"`
}

// Expense status constants
const (
	ExpenseStatusPending  = "PENDING"
	ExpenseStatusApproved = "APPROVED"
	ExpenseStatusRejected = "REJECTED"
)

// Expense categories offered on submission
var ExpenseCategories = []string{"Travel", "Meals", "Accommodation", "Transport", "Supplies", "Other"}

// IsFinal returns true once the expense has been approved or rejected
func (e *Expense) IsFinal() bool {
	return e.Status == ExpenseStatusApproved || e.Status == ExpenseStatusRejected
}

// StatusSummary counts a submitter's expenses per status
type StatusSummary struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}
