package service

import (
	"context"
	"errors"
	"testing"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/approval"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/domain/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) notificationService(notifier port.Notifier) NotificationService {
	repos := f.repos()
	return NewNotificationService(repos.companies, repos.users, repos.expenses, repos.approvals, repos.notifications,
		notifier, f.metrics, f.logger)
}

// pendingTask submits a foreign-currency expense that a must approve
func pendingTask(t *testing.T, f *fixture) (*entity.User, *entity.ExpenseApproval) {
	t.Helper()
	emp := f.user("emp", entity.RoleEmployee, nil)
	a := f.user("a", entity.RoleManager, nil)
	f.activate(&approval.Rule{Name: "one", Policy: approval.SpecificApproverPolicy{ApproverID: &a.ID}})

	in := f.submit(emp.ID)
	in.Currency = "GBP"
	in.Amount = 100
	in.AmountInCompanyCurrency = 127.25
	detail, err := f.expenses.Submit(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, detail.Approvals, 1)
	return a, detail.Approvals[0]
}

func TestNotificationService_NotifyApprover(t *testing.T) {
	f := newFixture()
	approver, task := pendingTask(t, f)
	notifier := &mockNotifier{}
	svc := f.notificationService(notifier)

	err := svc.NotifyApprover(context.Background(), task.ID)
	require.NoError(t, err)

	require.Len(t, notifier.sent, 1)
	notice := notifier.sent[0]
	assert.Equal(t, task.ID, notice.ApprovalID)
	assert.Equal(t, approver.Email, notice.ApproverEmail)
	assert.Equal(t, "emp", notice.EmployeeName)
	assert.Equal(t, 127.25, notice.Amount)
	assert.Equal(t, "USD", notice.Currency)

	rows, err := f.repos().notifications.ListByExpense(context.Background(), task.ExpenseID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, entity.NotificationStatusSent, rows[0].Status)
	assert.Equal(t, "test", rows[0].Channel)
	assert.Equal(t, approver.Email, rows[0].Recipient)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.NotNil(t, rows[0].SentAt)
	assert.Equal(t, 1, f.metrics.deliveries)
}

func TestNotificationService_FailureIsRecordedAndRetried(t *testing.T) {
	f := newFixture()
	_, task := pendingTask(t, f)

	down := true
	notifier := &mockNotifier{notifyFunc: func(ctx context.Context, notice port.ApprovalNotice) error {
		if down {
			return errors.New("gateway timeout")
		}
		return nil
	}}
	svc := f.notificationService(notifier)
	ctx := context.Background()

	err := svc.NotifyApprover(ctx, task.ID)
	assert.Error(t, err)

	rows, err := f.repos().notifications.ListByExpense(ctx, task.ExpenseID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, entity.NotificationStatusFailed, rows[0].Status)
	assert.Contains(t, rows[0].ErrorMessage, "gateway timeout")
	assert.Equal(t, 1, f.metrics.deliveryErr)

	// the workflow is untouched by the failed delivery
	assert.Equal(t, entity.ExpenseStatusPending, f.store.expense(task.ExpenseID).Status)

	delivered, err := svc.RetryFailed(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)

	down = false
	delivered, err = svc.RetryFailed(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	stored, err := f.repos().notifications.GetByID(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, entity.NotificationStatusSent, stored.Status)
	assert.Equal(t, 3, stored.Attempts)

	delivered, err = svc.RetryFailed(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}

func TestNotificationService_RetrySkipsDecidedTasks(t *testing.T) {
	f := newFixture()
	approver, task := pendingTask(t, f)

	sent := 0
	down := true
	notifier := &mockNotifier{notifyFunc: func(ctx context.Context, notice port.ApprovalNotice) error {
		if down {
			return errors.New("gateway timeout")
		}
		sent++
		return nil
	}}
	svc := f.notificationService(notifier)
	ctx := context.Background()

	require.Error(t, svc.NotifyApprover(ctx, task.ID))

	// the approver acts before the retry worker gets to the failed row
	result, err := f.expenses.Decide(ctx, DecideInput{ApprovalID: task.ID, ActorID: approver.ID, Action: "approve"})
	require.NoError(t, err)
	require.Equal(t, entity.ExpenseStatusApproved, result.Expense.Status)

	down = false
	delivered, err := svc.RetryFailed(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	assert.Zero(t, sent)

	rows, err := f.repos().notifications.ListByExpense(ctx, task.ExpenseID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, entity.NotificationStatusSkipped, rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Contains(t, rows[0].ErrorMessage, "APPROVED")

	retryable, err := f.repos().notifications.ListRetryable(ctx, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)
}

func TestNotificationService_RetrySkipsFinalExpense(t *testing.T) {
	f := newFixture()
	emp := f.user("emp", entity.RoleEmployee, nil)
	a := f.user("a", entity.RoleManager, nil)
	b := f.user("b", entity.RoleManager, nil)
	f.activate(&approval.Rule{Name: "any", Policy: approval.PercentagePolicy{
		Steps:    approval.StepsFromApprovers([]int64{a.ID, b.ID}),
		Required: intPtr(50),
	}})
	detail, err := f.expenses.Submit(context.Background(), f.submit(emp.ID))
	require.NoError(t, err)
	require.Len(t, detail.Approvals, 2)

	var taskA, taskB *entity.ExpenseApproval
	for _, task := range detail.Approvals {
		if task.ApproverID == a.ID {
			taskA = task
		} else {
			taskB = task
		}
	}

	notifier := &mockNotifier{notifyFunc: func(ctx context.Context, notice port.ApprovalNotice) error {
		return errors.New("gateway timeout")
	}}
	svc := f.notificationService(notifier)
	ctx := context.Background()
	require.Error(t, svc.NotifyApprover(ctx, taskB.ID))

	// a alone meets the 50% quorum; b's task stays PENDING on an approved expense
	_, err = f.expenses.Decide(ctx, DecideInput{ApprovalID: taskA.ID, ActorID: a.ID, Action: "approve"})
	require.NoError(t, err)

	notifier.notifyFunc = nil
	delivered, err := svc.RetryFailed(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)

	rows, err := f.repos().notifications.ListByExpense(ctx, taskB.ExpenseID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, entity.NotificationStatusSkipped, rows[0].Status)
}

func TestNotificationService_RetryStopsAtMaxAttempts(t *testing.T) {
	f := newFixture()
	_, task := pendingTask(t, f)
	notifier := &mockNotifier{notifyFunc: func(ctx context.Context, notice port.ApprovalNotice) error {
		return errors.New("unreachable")
	}}
	svc := f.notificationService(notifier)
	ctx := context.Background()

	_ = svc.NotifyApprover(ctx, task.ID)
	for i := 0; i < 5; i++ {
		_, err := svc.RetryFailed(ctx, 2, 10)
		require.NoError(t, err)
	}

	rows, err := f.repos().notifications.ListByExpense(ctx, task.ExpenseID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Attempts)
}

func TestNotificationService_HandleApproverNotify(t *testing.T) {
	f := newFixture()
	_, task := pendingTask(t, f)
	notifier := &mockNotifier{}
	svc := f.notificationService(notifier)
	ctx := context.Background()

	evt := event.NewEvent(event.TypeApproverNotify, task.ExpenseID, f.company.ID, map[string]interface{}{
		event.KeyApprovalID: task.ID,
	})
	require.NoError(t, svc.HandleApproverNotify(ctx, evt))
	assert.Len(t, notifier.sent, 1)

	empty := event.NewEvent(event.TypeApproverNotify, task.ExpenseID, f.company.ID, nil)
	assert.Error(t, svc.HandleApproverNotify(ctx, empty))

	missing := event.NewEvent(event.TypeApproverNotify, task.ExpenseID, f.company.ID, map[string]interface{}{
		event.KeyApprovalID: int64(9999),
	})
	err := svc.HandleApproverNotify(ctx, missing)
	assert.ErrorIs(t, err, port.ErrNotFound)
	assert.Len(t, notifier.sent, 1)
}
