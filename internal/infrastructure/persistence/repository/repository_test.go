package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/application/service"
	"github.com/garyjia/expense-approval/internal/domain/approval"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/infrastructure/persistence/repository"
	"github.com/garyjia/expense-approval/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/expense-approval/migrations"
	"github.com/garyjia/expense-approval/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type repos struct {
	sqlDB         *sql.DB
	tx            *sqlite.DB
	companies     port.CompanyRepository
	users         port.UserRepository
	rules         port.RuleRepository
	expenses      port.ExpenseRepository
	approvals     port.ApprovalRepository
	notifications port.NotificationRepository
}

func setupDB(t *testing.T) *repos {
	t.Helper()
	logger := zap.NewNop()

	db, err := database.New(database.Config{
		Path:         filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 4,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.NewMigrator(db, logger).RunMigrations(migrations.FS))

	return &repos{
		sqlDB:         db.DB,
		tx:            sqlite.NewDB(db.DB, logger),
		companies:     repository.NewCompanyRepository(db.DB, logger),
		users:         repository.NewUserRepository(db.DB, logger),
		rules:         repository.NewRuleRepository(db.DB, logger),
		expenses:      repository.NewExpenseRepository(db.DB, logger),
		approvals:     repository.NewApprovalRepository(db.DB, logger),
		notifications: repository.NewNotificationRepository(db.DB, logger),
	}
}

func (r *repos) seed(t *testing.T) (*entity.Company, map[string]*entity.User) {
	t.Helper()
	ctx := context.Background()

	company := &entity.Company{Name: "Acme", Country: "US", Currency: "USD"}
	require.NoError(t, r.companies.Create(ctx, company))

	users := map[string]*entity.User{}
	for _, spec := range []struct{ name, role string }{
		{"boss", entity.RoleManager},
		{"a", entity.RoleManager},
		{"b", entity.RoleManager},
		{"c", entity.RoleAdmin},
	} {
		u := &entity.User{CompanyID: company.ID, Email: spec.name + "@acme.test", FullName: spec.name, Role: spec.role}
		require.NoError(t, r.users.Create(ctx, u))
		users[spec.name] = u
	}

	emp := &entity.User{CompanyID: company.ID, Email: "emp@acme.test", FullName: "emp", Role: entity.RoleEmployee, ManagerID: &users["boss"].ID}
	require.NoError(t, r.users.Create(ctx, emp))
	users["emp"] = emp
	return company, users
}

func TestMigrationsAreIdempotent(t *testing.T) {
	logger := zap.NewNop()
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "m.db")}, logger)
	require.NoError(t, err)
	defer db.Close()

	m := database.NewMigrator(db, logger)
	require.NoError(t, m.RunMigrations(migrations.FS))
	require.NoError(t, m.RunMigrations(migrations.FS))

	applied, err := m.Applied()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, applied)
}

func TestDirectoryRepositories(t *testing.T) {
	r := setupDB(t)
	ctx := context.Background()
	company, users := r.seed(t)

	got, err := r.companies.GetByID(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, "USD", got.Currency)

	all, err := r.companies.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	emp, err := r.users.GetByEmail(ctx, "emp@acme.test")
	require.NoError(t, err)
	require.NotNil(t, emp.ManagerID)
	assert.Equal(t, users["boss"].ID, *emp.ManagerID)

	boss, err := r.users.GetByID(ctx, users["boss"].ID)
	require.NoError(t, err)
	assert.Nil(t, boss.ManagerID)

	members, err := r.users.ListByCompany(ctx, company.ID)
	require.NoError(t, err)
	assert.Len(t, members, 5)

	reports, err := r.users.ListByManager(ctx, users["boss"].ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, users["emp"].ID, reports[0].ID)

	emp.FullName = "Employee"
	emp.Role = entity.RoleManager
	emp.ManagerID = &users["a"].ID
	require.NoError(t, r.users.Update(ctx, emp))

	moved, err := r.users.GetByID(ctx, emp.ID)
	require.NoError(t, err)
	assert.Equal(t, "Employee", moved.FullName)
	assert.Equal(t, entity.RoleManager, moved.Role)
	assert.Equal(t, "emp@acme.test", moved.Email)
	reports, err = r.users.ListByManager(ctx, users["boss"].ID)
	require.NoError(t, err)
	assert.Empty(t, reports)

	assert.ErrorIs(t, r.users.Update(ctx, &entity.User{ID: 9999, FullName: "x", Role: entity.RoleEmployee}), port.ErrNotFound)

	_, err = r.users.GetByID(ctx, 9999)
	assert.ErrorIs(t, err, port.ErrNotFound)
	_, err = r.companies.GetByID(ctx, 9999)
	assert.ErrorIs(t, err, port.ErrNotFound)
}

func TestRuleRepository(t *testing.T) {
	r := setupDB(t)
	ctx := context.Background()
	company, users := r.seed(t)

	_, err := r.rules.GetActive(ctx, company.ID)
	assert.ErrorIs(t, err, port.ErrNotFound)

	required := 60
	hybrid := &approval.Rule{
		CompanyID:    company.ID,
		Name:         "hybrid",
		ManagerFirst: true,
		Active:       true,
		Policy: approval.HybridPolicy{
			Steps:      approval.StepsFromApprovers([]int64{users["a"].ID, users["b"].ID}),
			Required:   &required,
			ApproverID: &users["c"].ID,
		},
	}
	require.NoError(t, r.rules.Create(ctx, hybrid))
	require.NotZero(t, hybrid.ID)

	active, err := r.rules.GetActive(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, hybrid.ID, active.ID)
	assert.Equal(t, approval.KindHybrid, active.Kind())
	assert.True(t, active.ManagerFirst)
	assert.Equal(t, hybrid.Steps(), active.Steps())
	require.NotNil(t, active.PercentageRequired())
	assert.Equal(t, 60, *active.PercentageRequired())
	require.NotNil(t, active.SpecificApproverID())
	assert.Equal(t, users["c"].ID, *active.SpecificApproverID())

	// a second active rule violates the one-active-rule index
	clash := &approval.Rule{CompanyID: company.ID, Name: "clash", Active: true, Policy: approval.SpecificApproverPolicy{ApproverID: &users["a"].ID}}
	assert.Error(t, r.rules.Create(ctx, clash))

	err = r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := r.rules.DeactivateAll(txCtx, company.ID); err != nil {
			return err
		}
		next := &approval.Rule{CompanyID: company.ID, Name: "chain", Active: true, Policy: approval.SequentialPolicy{
			Steps: approval.StepsFromApprovers([]int64{users["b"].ID}),
		}}
		return r.rules.Create(txCtx, next)
	})
	require.NoError(t, err)

	active, err = r.rules.GetActive(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.KindSequential, active.Kind())

	old, err := r.rules.GetByID(ctx, hybrid.ID)
	require.NoError(t, err)
	assert.False(t, old.Active)
	assert.Equal(t, approval.KindHybrid, old.Kind())

	list, err := r.rules.ListByCompany(ctx, company.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, active.ID, list[0].ID)
}

func TestExpenseRepository_VersionCheck(t *testing.T) {
	r := setupDB(t)
	ctx := context.Background()
	company, users := r.seed(t)

	expense := &entity.Expense{
		EmployeeID:              users["emp"].ID,
		CompanyID:               company.ID,
		Amount:                  80,
		Currency:                "USD",
		AmountInCompanyCurrency: 80,
		Category:                "Meals",
		ExpenseDate:             time.Now().Add(-24 * time.Hour),
		Status:                  entity.ExpenseStatusPending,
		CurrentApprovalStep:     1,
		SubmittedAt:             time.Now(),
	}
	require.NoError(t, r.expenses.Create(ctx, expense))
	assert.Equal(t, int64(1), expense.Version)

	first, err := r.expenses.GetByID(ctx, expense.ID)
	require.NoError(t, err)
	second, err := r.expenses.GetByID(ctx, expense.ID)
	require.NoError(t, err)
	assert.Nil(t, first.ApprovalRuleID)
	assert.Nil(t, first.FinalDecisionAt)

	first.CurrentApprovalStep = 2
	require.NoError(t, r.expenses.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	now := time.Now()
	second.Status = entity.ExpenseStatusRejected
	second.FinalDecisionAt = &now
	err = r.expenses.Update(ctx, second)
	assert.ErrorIs(t, err, port.ErrConcurrentUpdate)

	stored, err := r.expenses.GetByID(ctx, expense.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ExpenseStatusPending, stored.Status)
	assert.Equal(t, 2, stored.CurrentApprovalStep)

	summary, err := r.expenses.CountByStatus(ctx, users["emp"].ID)
	require.NoError(t, err)
	assert.Equal(t, &entity.StatusSummary{Pending: 1}, summary)

	empty, err := r.expenses.CountByStatus(ctx, users["a"].ID)
	require.NoError(t, err)
	assert.Equal(t, &entity.StatusSummary{}, empty)

	team, err := r.expenses.ListByManager(ctx, users["boss"].ID)
	require.NoError(t, err)
	require.Len(t, team, 1)
	assert.Equal(t, expense.ID, team[0].ID)

	none, err := r.expenses.ListByManager(ctx, users["a"].ID)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestApprovalAndNotificationRepositories(t *testing.T) {
	r := setupDB(t)
	ctx := context.Background()
	company, users := r.seed(t)

	expense := &entity.Expense{
		EmployeeID: users["emp"].ID, CompanyID: company.ID, Amount: 10, Currency: "USD",
		AmountInCompanyCurrency: 10, Category: "Other", ExpenseDate: time.Now(),
		Status: entity.ExpenseStatusPending, SubmittedAt: time.Now(),
	}
	require.NoError(t, r.expenses.Create(ctx, expense))

	later := &entity.ExpenseApproval{ExpenseID: expense.ID, ApproverID: users["b"].ID, StepSequence: 2, Origin: entity.OriginRule, Status: entity.ApprovalStatusPending, CreatedAt: time.Now()}
	first := &entity.ExpenseApproval{ExpenseID: expense.ID, ApproverID: users["a"].ID, StepSequence: 1, Origin: entity.OriginRule, Status: entity.ApprovalStatusPending, CreatedAt: time.Now()}
	require.NoError(t, r.approvals.Create(ctx, later))
	require.NoError(t, r.approvals.Create(ctx, first))

	dup := &entity.ExpenseApproval{ExpenseID: expense.ID, ApproverID: users["a"].ID, Origin: entity.OriginRule, Status: entity.ApprovalStatusPending, CreatedAt: time.Now()}
	assert.Error(t, r.approvals.Create(ctx, dup), "one task per approver and expense")

	tasks, err := r.approvals.ListByExpense(ctx, expense.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, first.ID, tasks[0].ID)

	decidedAt := time.Now()
	first.Status = entity.ApprovalStatusApproved
	first.Comments = "ok"
	first.DecisionAt = &decidedAt
	require.NoError(t, r.approvals.Decide(ctx, first))
	assert.ErrorIs(t, r.approvals.Decide(ctx, first), port.ErrConcurrentUpdate)

	stored, err := r.approvals.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ApprovalStatusApproved, stored.Status)
	assert.Equal(t, "ok", stored.Comments)
	assert.NotNil(t, stored.DecisionAt)

	pending, err := r.approvals.ListByApprover(ctx, users["a"].ID, entity.ApprovalStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
	all, err := r.approvals.ListByApprover(ctx, users["a"].ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	n := &entity.ApprovalNotification{
		ExpenseID: expense.ID, ApprovalID: later.ID, ApproverID: users["b"].ID,
		Recipient: "b@acme.test", Channel: "log", Status: entity.NotificationStatusPending,
	}
	require.NoError(t, r.notifications.Create(ctx, n))
	require.NoError(t, r.notifications.MarkFailed(ctx, n.ID, "timeout"))

	retryable, err := r.notifications.ListRetryable(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, 1, retryable[0].Attempts)
	assert.Equal(t, "timeout", retryable[0].ErrorMessage)

	none, err := r.notifications.ListRetryable(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, r.notifications.MarkSent(ctx, n.ID, time.Now()))
	sent, err := r.notifications.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.NotificationStatusSent, sent.Status)
	assert.Equal(t, 2, sent.Attempts)
	assert.Empty(t, sent.ErrorMessage)
	assert.NotNil(t, sent.SentAt)

	stale := &entity.ApprovalNotification{
		ExpenseID: expense.ID, ApprovalID: first.ID, ApproverID: users["a"].ID,
		Recipient: "a@acme.test", Channel: "log", Status: entity.NotificationStatusPending,
	}
	require.NoError(t, r.notifications.Create(ctx, stale))
	require.NoError(t, r.notifications.MarkFailed(ctx, stale.ID, "timeout"))
	require.NoError(t, r.notifications.MarkSkipped(ctx, stale.ID, "task already APPROVED"))
	skipped, err := r.notifications.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.NotificationStatusSkipped, skipped.Status)
	assert.Equal(t, 1, skipped.Attempts)
	assert.Equal(t, "task already APPROVED", skipped.ErrorMessage)

	retryable, err = r.notifications.ListRetryable(ctx, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)

	byExpense, err := r.notifications.ListByExpense(ctx, expense.ID)
	require.NoError(t, err)
	assert.Len(t, byExpense, 2)
}

func TestTransactionRollback(t *testing.T) {
	r := setupDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := r.companies.Create(txCtx, &entity.Company{Name: "Ghost", Currency: "EUR"}); err != nil {
			return err
		}
		// nested calls join the outer transaction
		return r.tx.WithTransaction(txCtx, func(context.Context) error { return boom })
	})
	assert.ErrorIs(t, err, boom)

	all, err := r.companies.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

func TestExpenseWorkflowOverSQLite(t *testing.T) {
	r := setupDB(t)
	ctx := context.Background()
	company, users := r.seed(t)

	rules := service.NewRuleService(r.companies, r.users, r.rules, r.tx, nopLogger{})
	expenses := service.NewExpenseService(r.companies, r.users, r.rules, r.expenses, r.approvals, r.tx, nopLogger{})

	required := 50
	_, err := rules.CreateRule(ctx, service.CreateRuleInput{
		CompanyID:          company.ID,
		Name:               "hybrid",
		RuleType:           "hybrid",
		ManagerFirst:       true,
		PercentageRequired: &required,
		SpecificApproverID: &users["c"].ID,
		ApproverIDs:        []int64{users["a"].ID, users["b"].ID},
	})
	require.NoError(t, err)

	detail, err := expenses.Submit(ctx, service.SubmitExpenseInput{
		EmployeeID:  users["emp"].ID,
		Amount:      42,
		Currency:    "USD",
		Category:    "Meals",
		ExpenseDate: time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, detail.Approvals, 4)

	approve := func(name string) *approval.DecisionResult {
		t.Helper()
		var taskID int64
		for _, a := range detail.Approvals {
			if a.ApproverID == users[name].ID {
				taskID = a.ID
			}
		}
		res, err := expenses.Decide(ctx, service.DecideInput{ApprovalID: taskID, ActorID: users[name].ID, Action: "approve"})
		require.NoError(t, err)
		return res
	}

	// quorum is met but the manager has not approved yet
	assert.Equal(t, approval.OutcomeNoChange, approve("a").Outcome)
	assert.Equal(t, approval.OutcomeApproved, approve("boss").Outcome)

	got, err := expenses.Get(ctx, detail.Expense.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.ExpenseStatusApproved, got.Expense.Status)
	assert.NotNil(t, got.Expense.FinalDecisionAt)
	assert.Equal(t, int64(3), got.Expense.Version)

	inbox, err := expenses.ListPendingForApprover(ctx, users["b"].ID)
	require.NoError(t, err)
	assert.Empty(t, inbox)
}
