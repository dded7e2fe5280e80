package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/infrastructure/persistence/sqlite"
	"go.uber.org/zap"
)

// ExpenseRepository implements port.ExpenseRepository with an optimistic
// version column
type ExpenseRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewExpenseRepository creates a new expense repository
func NewExpenseRepository(db *sql.DB, logger *zap.Logger) port.ExpenseRepository {
	return &ExpenseRepository{
		db:     db,
		logger: logger,
	}
}

const expenseColumns = `
	id, employee_id, company_id, amount, currency, amount_in_company_currency,
	category, description, expense_date, vendor_name, status,
	approval_rule_id, current_approval_step, submitted_at, final_decision_at, version`

// Create inserts the expense with version 1
func (r *ExpenseRepository) Create(ctx context.Context, expense *entity.Expense) error {
	query := `
		INSERT INTO expenses (
			employee_id, company_id, amount, currency, amount_in_company_currency,
			category, description, expense_date, vendor_name, status,
			approval_rule_id, current_approval_step, submitted_at, final_decision_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		expense.EmployeeID,
		expense.CompanyID,
		expense.Amount,
		expense.Currency,
		expense.AmountInCompanyCurrency,
		expense.Category,
		expense.Description,
		expense.ExpenseDate,
		expense.VendorName,
		expense.Status,
		nullInt64Of(expense.ApprovalRuleID),
		expense.CurrentApprovalStep,
		expense.SubmittedAt,
		nullTimeOf(expense.FinalDecisionAt),
	)
	if err != nil {
		r.logger.Error("Failed to create expense",
			zap.Int64("employee_id", expense.EmployeeID),
			zap.Error(err))
		return fmt.Errorf("failed to create expense: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	expense.ID = id
	expense.Version = 1
	return nil
}

// GetByID retrieves an expense by its ID
func (r *ExpenseRepository) GetByID(ctx context.Context, id int64) (*entity.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = ?`

	expense, err := scanExpense(r.getExecutor(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("expense %d: %w", id, port.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get expense", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get expense: %w", err)
	}
	return expense, nil
}

// Update writes the workflow fields if nobody else changed the row since it was read
func (r *ExpenseRepository) Update(ctx context.Context, expense *entity.Expense) error {
	query := `
		UPDATE expenses
		SET status = ?, current_approval_step = ?, final_decision_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		expense.Status,
		expense.CurrentApprovalStep,
		nullTimeOf(expense.FinalDecisionAt),
		expense.ID,
		expense.Version,
	)
	if err != nil {
		r.logger.Error("Failed to update expense",
			zap.Int64("id", expense.ID),
			zap.String("status", expense.Status),
			zap.Error(err))
		return fmt.Errorf("failed to update expense: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		r.logger.Warn("Expense version conflict",
			zap.Int64("id", expense.ID),
			zap.Int64("version", expense.Version))
		return fmt.Errorf("expense %d at version %d: %w", expense.ID, expense.Version, port.ErrConcurrentUpdate)
	}

	expense.Version++
	return nil
}

// ListByEmployee returns the employee's expenses, newest first
func (r *ExpenseRepository) ListByEmployee(ctx context.Context, employeeID int64) ([]*entity.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE employee_id = ? ORDER BY submitted_at DESC, id DESC`
	return r.list(ctx, query, employeeID)
}

// ListByCompany returns the company's expenses, newest first
func (r *ExpenseRepository) ListByCompany(ctx context.Context, companyID int64) ([]*entity.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE company_id = ? ORDER BY submitted_at DESC, id DESC`
	return r.list(ctx, query, companyID)
}

// ListByManager returns the expenses of the manager's direct reports, newest first
func (r *ExpenseRepository) ListByManager(ctx context.Context, managerID int64) ([]*entity.Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses
		WHERE employee_id IN (SELECT id FROM users WHERE manager_id = ?)
		ORDER BY submitted_at DESC, id DESC`
	return r.list(ctx, query, managerID)
}

func (r *ExpenseRepository) list(ctx context.Context, query string, arg int64) ([]*entity.Expense, error) {
	rows, err := r.getExecutor(ctx).QueryContext(ctx, query, arg)
	if err != nil {
		r.logger.Error("Failed to list expenses", zap.Int64("arg", arg), zap.Error(err))
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	defer rows.Close()

	var expenses []*entity.Expense
	for rows.Next() {
		expense, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		expenses = append(expenses, expense)
	}
	return expenses, rows.Err()
}

// CountByStatus counts the employee's expenses per status
func (r *ExpenseRepository) CountByStatus(ctx context.Context, employeeID int64) (*entity.StatusSummary, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'APPROVED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'REJECTED' THEN 1 ELSE 0 END), 0)
		FROM expenses
		WHERE employee_id = ?
	`

	var summary entity.StatusSummary
	err := r.getExecutor(ctx).QueryRowContext(ctx, query, employeeID).Scan(
		&summary.Pending,
		&summary.Approved,
		&summary.Rejected,
	)
	if err != nil {
		r.logger.Error("Failed to count expenses", zap.Int64("employee_id", employeeID), zap.Error(err))
		return nil, fmt.Errorf("failed to count expenses: %w", err)
	}
	return &summary, nil
}

func scanExpense(row scanner) (*entity.Expense, error) {
	var e entity.Expense
	var ruleID sql.NullInt64
	var finalAt sql.NullTime

	err := row.Scan(
		&e.ID,
		&e.EmployeeID,
		&e.CompanyID,
		&e.Amount,
		&e.Currency,
		&e.AmountInCompanyCurrency,
		&e.Category,
		&e.Description,
		&e.ExpenseDate,
		&e.VendorName,
		&e.Status,
		&ruleID,
		&e.CurrentApprovalStep,
		&e.SubmittedAt,
		&finalAt,
		&e.Version,
	)
	if err != nil {
		return nil, err
	}

	if ruleID.Valid {
		e.ApprovalRuleID = &ruleID.Int64
	}
	e.FinalDecisionAt = timePtr(finalAt)
	return &e, nil
}

func (r *ExpenseRepository) getExecutor(ctx context.Context) sqlite.Executor {
	return sqlite.Conn(ctx, r.db)
}

// Verify interface compliance
var _ port.ExpenseRepository = (*ExpenseRepository)(nil)
