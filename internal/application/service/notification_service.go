package service

import (
	"context"
	"fmt"
	"time"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/domain/event"
)

// NotificationService tells approvers that an expense is waiting for them.
// Delivery is best effort: every attempt is recorded, failures are logged and
// returned to the caller but never affect the workflow.
type NotificationService interface {
	// HandleApproverNotify is the dispatcher handler for event.TypeApproverNotify
	HandleApproverNotify(ctx context.Context, evt *event.Event) error

	// NotifyApprover sends a notice for one approval task
	NotifyApprover(ctx context.Context, approvalID int64) error

	// RetryFailed re-sends FAILED notifications with fewer than maxAttempts attempts.
	// Rows whose task was decided or whose expense is final are marked SKIPPED instead.
	RetryFailed(ctx context.Context, maxAttempts, limit int) (int, error)
}

type notificationServiceImpl struct {
	companyRepo      port.CompanyRepository
	userRepo         port.UserRepository
	expenseRepo      port.ExpenseRepository
	approvalRepo     port.ApprovalRepository
	notificationRepo port.NotificationRepository
	notifier         port.Notifier
	metrics          port.Metrics
	logger           Logger
	now              Clock
}

// NewNotificationService creates a new NotificationService
func NewNotificationService(
	companyRepo port.CompanyRepository,
	userRepo port.UserRepository,
	expenseRepo port.ExpenseRepository,
	approvalRepo port.ApprovalRepository,
	notificationRepo port.NotificationRepository,
	notifier port.Notifier,
	metrics port.Metrics,
	logger Logger,
) NotificationService {
	if metrics == nil {
		metrics = port.NopMetrics{}
	}
	return &notificationServiceImpl{
		companyRepo:      companyRepo,
		userRepo:         userRepo,
		expenseRepo:      expenseRepo,
		approvalRepo:     approvalRepo,
		notificationRepo: notificationRepo,
		notifier:         notifier,
		metrics:          metrics,
		logger:           logger,
		now:              time.Now,
	}
}

// HandleApproverNotify reads the approval id from the event payload
func (s *notificationServiceImpl) HandleApproverNotify(ctx context.Context, evt *event.Event) error {
	approvalID := evt.Int64(event.KeyApprovalID)
	if approvalID == 0 {
		return fmt.Errorf("event %s has no %s", evt.ID, event.KeyApprovalID)
	}
	return s.NotifyApprover(ctx, approvalID)
}

// NotifyApprover records a notification row and attempts delivery
func (s *notificationServiceImpl) NotifyApprover(ctx context.Context, approvalID int64) error {
	notice, err := s.buildNotice(ctx, approvalID)
	if err != nil {
		s.logger.Error("Failed to build approval notice", "error", err, "approval_id", approvalID)
		return err
	}

	notification := &entity.ApprovalNotification{
		ExpenseID:  notice.ExpenseID,
		ApprovalID: approvalID,
		ApproverID: notice.ApproverID,
		Recipient:  notice.ApproverEmail,
		Channel:    s.notifier.Channel(),
		Status:     entity.NotificationStatusPending,
		CreatedAt:  s.now(),
	}
	if err := s.notificationRepo.Create(ctx, notification); err != nil {
		s.logger.Error("Failed to record notification", "error", err, "approval_id", approvalID)
		return fmt.Errorf("create notification: %w", err)
	}

	return s.deliver(ctx, notification, notice)
}

// RetryFailed is driven by the notification retry worker
func (s *notificationServiceImpl) RetryFailed(ctx context.Context, maxAttempts, limit int) (int, error) {
	pending, err := s.notificationRepo.ListRetryable(ctx, maxAttempts, limit)
	if err != nil {
		return 0, fmt.Errorf("list retryable notifications: %w", err)
	}

	delivered := 0
	for _, notification := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}

		if reason, stale := s.stale(ctx, notification); stale {
			if err := s.notificationRepo.MarkSkipped(ctx, notification.ID, reason); err != nil {
				s.logger.Error("Failed to mark notification skipped", "error", err, "notification_id", notification.ID)
				continue
			}
			s.logger.Info("Notification retry skipped",
				"notification_id", notification.ID,
				"expense_id", notification.ExpenseID,
				"reason", reason,
			)
			continue
		}

		notice, err := s.buildNotice(ctx, notification.ApprovalID)
		if err != nil {
			s.logger.Error("Failed to rebuild approval notice", "error", err, "notification_id", notification.ID)
			if markErr := s.notificationRepo.MarkFailed(ctx, notification.ID, err.Error()); markErr != nil {
				s.logger.Error("Failed to mark notification failed", "error", markErr, "notification_id", notification.ID)
			}
			continue
		}
		if err := s.deliver(ctx, notification, notice); err == nil {
			delivered++
		}
	}

	if len(pending) > 0 {
		s.logger.Info("Notification retry pass finished", "candidates", len(pending), "delivered", delivered)
	}
	return delivered, nil
}

// stale reports whether the approver no longer has anything to act on.
// Lookup errors are not stale; the retry surfaces them through buildNotice.
func (s *notificationServiceImpl) stale(ctx context.Context, notification *entity.ApprovalNotification) (string, bool) {
	task, err := s.approvalRepo.GetByID(ctx, notification.ApprovalID)
	if err != nil {
		return "", false
	}
	if task.Status != entity.ApprovalStatusPending {
		return "task already " + task.Status, true
	}
	expense, err := s.expenseRepo.GetByID(ctx, task.ExpenseID)
	if err != nil {
		return "", false
	}
	if expense.IsFinal() {
		return "expense already " + expense.Status, true
	}
	return "", false
}

func (s *notificationServiceImpl) deliver(ctx context.Context, notification *entity.ApprovalNotification, notice *port.ApprovalNotice) error {
	sendErr := s.notifier.Notify(ctx, *notice)
	s.metrics.NotificationDelivered(notification.Channel, sendErr)

	if sendErr != nil {
		s.logger.Error("Failed to notify approver",
			"error", sendErr,
			"notification_id", notification.ID,
			"expense_id", notification.ExpenseID,
			"recipient", notification.Recipient,
			"channel", notification.Channel,
		)
		if err := s.notificationRepo.MarkFailed(ctx, notification.ID, sendErr.Error()); err != nil {
			s.logger.Error("Failed to mark notification failed", "error", err, "notification_id", notification.ID)
		}
		return fmt.Errorf("notify approver: %w", sendErr)
	}

	if err := s.notificationRepo.MarkSent(ctx, notification.ID, s.now()); err != nil {
		s.logger.Error("Failed to mark notification sent", "error", err, "notification_id", notification.ID)
		return fmt.Errorf("mark notification sent: %w", err)
	}

	s.logger.Info("Approver notified",
		"notification_id", notification.ID,
		"expense_id", notification.ExpenseID,
		"recipient", notification.Recipient,
		"channel", notification.Channel,
	)
	return nil
}

// buildNotice resolves approver contact, submitter name and company currency
func (s *notificationServiceImpl) buildNotice(ctx context.Context, approvalID int64) (*port.ApprovalNotice, error) {
	task, err := s.approvalRepo.GetByID(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	expense, err := s.expenseRepo.GetByID(ctx, task.ExpenseID)
	if err != nil {
		return nil, fmt.Errorf("get expense: %w", err)
	}
	approver, err := s.userRepo.GetByID(ctx, task.ApproverID)
	if err != nil {
		return nil, fmt.Errorf("get approver: %w", err)
	}
	company, err := s.companyRepo.GetByID(ctx, expense.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}

	employeeName := ""
	if employee, err := s.userRepo.GetByID(ctx, expense.EmployeeID); err == nil {
		employeeName = employee.FullName
	}

	return &port.ApprovalNotice{
		ApprovalID:    task.ID,
		ExpenseID:     expense.ID,
		ApproverID:    approver.ID,
		ApproverName:  approver.FullName,
		ApproverEmail: approver.Email,
		EmployeeName:  employeeName,
		Amount:        expense.AmountInCompanyCurrency,
		Currency:      company.Currency,
		Category:      expense.Category,
		Description:   expense.Description,
	}, nil
}
