package port

import (
	"context"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// ApprovalNotice is everything an approver needs to find the expense waiting for them
type ApprovalNotice struct {
	ApprovalID    int64
	ExpenseID     int64
	ApproverID    int64
	ApproverName  string
	ApproverEmail string
	EmployeeName  string
	Amount        float64
	Currency      string
	Category      string
	Description   string
}

// Notifier delivers approval notices. Callers treat every error as non-fatal.
type Notifier interface {
	Notify(ctx context.Context, notice ApprovalNotice) error
	Channel() string
}

// LedgerEntry is one expense with its approval trail, ready for export
type LedgerEntry struct {
	Expense       *entity.Expense
	EmployeeName  string
	Approvals     []*entity.ExpenseApproval
	ApproverNames map[int64]string
}

// LedgerWriter renders a company's ledger as a spreadsheet
type LedgerWriter interface {
	Write(company *entity.Company, entries []LedgerEntry) ([]byte, error)
}

// Metrics records workflow counters. Implementations must be safe for concurrent use.
type Metrics interface {
	ExpenseSubmitted(ruleKind string, taskCount int)
	DecisionRecorded(action, outcome string)
	ConcurrencyRetry()
	NotificationDelivered(channel string, err error)
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) ExpenseSubmitted(string, int) {}
func (NopMetrics) DecisionRecorded(string, string) {}
func (NopMetrics) ConcurrencyRetry() {}
func (NopMetrics) NotificationDelivered(string, error) {}
