package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/infrastructure/persistence/sqlite"
	"go.uber.org/zap"
)

// NotificationRepository implements port.NotificationRepository
type NotificationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *sql.DB, logger *zap.Logger) port.NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, expense_id, approval_id, approver_id, recipient, channel,
	status, error_message, attempts, sent_at, created_at`

// Create creates a new approval notification record
func (r *NotificationRepository) Create(ctx context.Context, notification *entity.ApprovalNotification) error {
	query := `
		INSERT INTO approval_notifications (
			expense_id, approval_id, approver_id, recipient, channel,
			status, error_message, attempts, sent_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = now
	}

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		notification.ExpenseID,
		notification.ApprovalID,
		notification.ApproverID,
		notification.Recipient,
		notification.Channel,
		notification.Status,
		notification.ErrorMessage,
		notification.Attempts,
		nullTimeOf(notification.SentAt),
		notification.CreatedAt,
		now,
	)
	if err != nil {
		r.logger.Error("Failed to create notification",
			zap.Int64("approval_id", notification.ApprovalID),
			zap.Error(err))
		return fmt.Errorf("failed to create notification: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	notification.ID = id
	return nil
}

// GetByID retrieves a notification by its ID
func (r *NotificationRepository) GetByID(ctx context.Context, id int64) (*entity.ApprovalNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM approval_notifications WHERE id = ?`

	notification, err := scanNotification(r.getExecutor(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification %d: %w", id, port.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get notification", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return notification, nil
}

// ListByExpense returns every notification recorded for the expense
func (r *NotificationRepository) ListByExpense(ctx context.Context, expenseID int64) ([]*entity.ApprovalNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM approval_notifications WHERE expense_id = ? ORDER BY id`
	return r.list(ctx, query, expenseID)
}

// ListRetryable returns FAILED rows under the attempt cap, oldest first
func (r *NotificationRepository) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]*entity.ApprovalNotification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM approval_notifications
		WHERE status = 'FAILED' AND attempts < ?
		ORDER BY updated_at, id
		LIMIT ?`
	return r.list(ctx, query, maxAttempts, limit)
}

func (r *NotificationRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.ApprovalNotification, error) {
	rows, err := r.getExecutor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list notifications", zap.Any("args", args), zap.Error(err))
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*entity.ApprovalNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// MarkSent marks notification as sent and counts the attempt
func (r *NotificationRepository) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	query := `
		UPDATE approval_notifications
		SET status = 'SENT', sent_at = ?, error_message = '', attempts = attempts + 1, updated_at = ?
		WHERE id = ?
	`

	_, err := r.getExecutor(ctx).ExecContext(ctx, query, sentAt, time.Now(), id)
	if err != nil {
		r.logger.Error("Failed to mark notification as sent",
			zap.Int64("id", id),
			zap.Error(err))
		return fmt.Errorf("failed to mark sent: %w", err)
	}

	return nil
}

// MarkFailed records the delivery error and counts the attempt
func (r *NotificationRepository) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	query := `
		UPDATE approval_notifications
		SET status = 'FAILED', error_message = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ?
	`

	_, err := r.getExecutor(ctx).ExecContext(ctx, query, errorMsg, time.Now(), id)
	if err != nil {
		r.logger.Error("Failed to mark notification as failed",
			zap.Int64("id", id),
			zap.Error(err))
		return fmt.Errorf("failed to mark failed: %w", err)
	}

	return nil
}

// MarkSkipped closes a row that will never be delivered, keeping the reason
func (r *NotificationRepository) MarkSkipped(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE approval_notifications
		SET status = 'SKIPPED', error_message = ?, updated_at = ?
		WHERE id = ?
	`

	if _, err := r.getExecutor(ctx).ExecContext(ctx, query, reason, time.Now(), id); err != nil {
		r.logger.Error("Failed to mark notification as skipped",
			zap.Int64("id", id),
			zap.Error(err))
		return fmt.Errorf("failed to mark skipped: %w", err)
	}
	return nil
}

func scanNotification(row scanner) (*entity.ApprovalNotification, error) {
	var n entity.ApprovalNotification
	var sentAt sql.NullTime

	err := row.Scan(
		&n.ID,
		&n.ExpenseID,
		&n.ApprovalID,
		&n.ApproverID,
		&n.Recipient,
		&n.Channel,
		&n.Status,
		&n.ErrorMessage,
		&n.Attempts,
		&sentAt,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.SentAt = timePtr(sentAt)
	return &n, nil
}

func (r *NotificationRepository) getExecutor(ctx context.Context) sqlite.Executor {
	return sqlite.Conn(ctx, r.db)
}

// Verify interface compliance
var _ port.NotificationRepository = (*NotificationRepository)(nil)
