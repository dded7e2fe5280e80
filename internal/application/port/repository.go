package port

import (
	"context"
	"errors"
	"time"

	"github.com/garyjia/expense-approval/internal/domain/approval"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

var (
	// ErrNotFound is returned by repositories when no row matches
	ErrNotFound = errors.New("record not found")

	// ErrConcurrentUpdate is returned when a row changed between read and write
	ErrConcurrentUpdate = errors.New("concurrent update detected")
)

// CompanyRepository defines persistence operations for Company
type CompanyRepository interface {
	Create(ctx context.Context, company *entity.Company) error
	GetByID(ctx context.Context, id int64) (*entity.Company, error)
	List(ctx context.Context) ([]*entity.Company, error)
}

// UserRepository defines persistence operations for User
type UserRepository interface {
	Create(ctx context.Context, user *entity.User) error
	GetByID(ctx context.Context, id int64) (*entity.User, error)
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	ListByCompany(ctx context.Context, companyID int64) ([]*entity.User, error)

	// ListByManager returns the manager's direct reports
	ListByManager(ctx context.Context, managerID int64) ([]*entity.User, error)

	// Update writes name, role and manager link. Email and company never change.
	Update(ctx context.Context, user *entity.User) error
}

// RuleRepository defines persistence operations for approval rules and their steps
type RuleRepository interface {
	// Create inserts the rule and its steps
	Create(ctx context.Context, rule *approval.Rule) error

	// GetByID loads a rule whether or not it is still active
	GetByID(ctx context.Context, id int64) (*approval.Rule, error)

	// GetActive returns ErrNotFound when the company has no active rule
	GetActive(ctx context.Context, companyID int64) (*approval.Rule, error)

	ListByCompany(ctx context.Context, companyID int64) ([]*approval.Rule, error)

	// DeactivateAll clears the active flag on every rule of the company
	DeactivateAll(ctx context.Context, companyID int64) error
}

// ExpenseRepository defines persistence operations for Expense
type ExpenseRepository interface {
	Create(ctx context.Context, expense *entity.Expense) error
	GetByID(ctx context.Context, id int64) (*entity.Expense, error)

	// Update writes status, step cursor and final decision time when the stored
	// version still equals expense.Version, then bumps expense.Version.
	// Returns ErrConcurrentUpdate otherwise.
	Update(ctx context.Context, expense *entity.Expense) error

	ListByEmployee(ctx context.Context, employeeID int64) ([]*entity.Expense, error)
	ListByCompany(ctx context.Context, companyID int64) ([]*entity.Expense, error)

	// ListByManager returns expenses submitted by the manager's direct reports
	ListByManager(ctx context.Context, managerID int64) ([]*entity.Expense, error)

	CountByStatus(ctx context.Context, employeeID int64) (*entity.StatusSummary, error)
}

// ApprovalRepository defines persistence operations for ExpenseApproval
type ApprovalRepository interface {
	Create(ctx context.Context, approval *entity.ExpenseApproval) error
	GetByID(ctx context.Context, id int64) (*entity.ExpenseApproval, error)

	// ListByExpense returns tasks ordered by step sequence then id
	ListByExpense(ctx context.Context, expenseID int64) ([]*entity.ExpenseApproval, error)

	// ListByApprover filters by status when status is not empty
	ListByApprover(ctx context.Context, approverID int64, status string) ([]*entity.ExpenseApproval, error)

	// Decide records the decision only if the task is still pending.
	// Returns ErrConcurrentUpdate otherwise.
	Decide(ctx context.Context, approval *entity.ExpenseApproval) error
}

// NotificationRepository defines persistence operations for ApprovalNotification
type NotificationRepository interface {
	Create(ctx context.Context, notification *entity.ApprovalNotification) error
	GetByID(ctx context.Context, id int64) (*entity.ApprovalNotification, error)
	ListByExpense(ctx context.Context, expenseID int64) ([]*entity.ApprovalNotification, error)

	// ListRetryable returns FAILED rows with fewer than maxAttempts attempts, oldest first
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]*entity.ApprovalNotification, error)

	MarkSent(ctx context.Context, id int64, sentAt time.Time) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error

	// MarkSkipped retires a row without counting an attempt
	MarkSkipped(ctx context.Context, id int64, reason string) error
}

// TransactionManager handles database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
