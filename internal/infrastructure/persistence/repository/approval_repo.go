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

// ApprovalRepository implements port.ApprovalRepository
type ApprovalRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewApprovalRepository creates a new approval task repository
func NewApprovalRepository(db *sql.DB, logger *zap.Logger) port.ApprovalRepository {
	return &ApprovalRepository{
		db:     db,
		logger: logger,
	}
}

const approvalColumns = `id, expense_id, approver_id, step_sequence, origin, status, comments, decision_at, created_at`

// Create inserts an approval task
func (r *ApprovalRepository) Create(ctx context.Context, task *entity.ExpenseApproval) error {
	query := `
		INSERT INTO expense_approvals (
			expense_id, approver_id, step_sequence, origin,
			status, comments, decision_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		task.ExpenseID,
		task.ApproverID,
		task.StepSequence,
		task.Origin,
		task.Status,
		task.Comments,
		nullTimeOf(task.DecisionAt),
		task.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create approval task",
			zap.Int64("expense_id", task.ExpenseID),
			zap.Int64("approver_id", task.ApproverID),
			zap.Error(err))
		return fmt.Errorf("failed to create approval task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	task.ID = id
	return nil
}

// GetByID retrieves a task by its ID
func (r *ApprovalRepository) GetByID(ctx context.Context, id int64) (*entity.ExpenseApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM expense_approvals WHERE id = ?`

	task, err := scanApproval(r.getExecutor(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %d: %w", id, port.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get approval task", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get approval task: %w", err)
	}
	return task, nil
}

// ListByExpense returns the expense's tasks ordered by step sequence then id
func (r *ApprovalRepository) ListByExpense(ctx context.Context, expenseID int64) ([]*entity.ExpenseApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM expense_approvals WHERE expense_id = ? ORDER BY step_sequence, id`
	return r.list(ctx, query, expenseID)
}

// ListByApprover returns the approver's tasks, oldest first, filtered by status when given
func (r *ApprovalRepository) ListByApprover(ctx context.Context, approverID int64, status string) ([]*entity.ExpenseApproval, error) {
	if status == "" {
		query := `SELECT ` + approvalColumns + ` FROM expense_approvals WHERE approver_id = ? ORDER BY created_at, id`
		return r.list(ctx, query, approverID)
	}
	query := `SELECT ` + approvalColumns + ` FROM expense_approvals WHERE approver_id = ? AND status = ? ORDER BY created_at, id`
	return r.list(ctx, query, approverID, status)
}

func (r *ApprovalRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.ExpenseApproval, error) {
	rows, err := r.getExecutor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list approval tasks", zap.Any("args", args), zap.Error(err))
		return nil, fmt.Errorf("failed to list approval tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*entity.ExpenseApproval
	for rows.Next() {
		task, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Decide stores the decision only while the task is still pending
func (r *ApprovalRepository) Decide(ctx context.Context, task *entity.ExpenseApproval) error {
	query := `
		UPDATE expense_approvals
		SET status = ?, comments = ?, decision_at = ?
		WHERE id = ? AND status = 'PENDING'
	`

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		task.Status,
		task.Comments,
		nullTimeOf(task.DecisionAt),
		task.ID,
	)
	if err != nil {
		r.logger.Error("Failed to record decision",
			zap.Int64("id", task.ID),
			zap.String("status", task.Status),
			zap.Error(err))
		return fmt.Errorf("failed to record decision: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("approval %d is no longer pending: %w", task.ID, port.ErrConcurrentUpdate)
	}
	return nil
}

func scanApproval(row scanner) (*entity.ExpenseApproval, error) {
	var a entity.ExpenseApproval
	var decisionAt sql.NullTime

	err := row.Scan(
		&a.ID,
		&a.ExpenseID,
		&a.ApproverID,
		&a.StepSequence,
		&a.Origin,
		&a.Status,
		&a.Comments,
		&decisionAt,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.DecisionAt = timePtr(decisionAt)
	return &a, nil
}

func (r *ApprovalRepository) getExecutor(ctx context.Context) sqlite.Executor {
	return sqlite.Conn(ctx, r.db)
}

// Verify interface compliance
var _ port.ApprovalRepository = (*ApprovalRepository)(nil)
