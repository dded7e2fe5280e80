package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/garyjia/expense-approval/internal/application/dispatcher"
	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/approval"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/domain/event"
)

const defaultDecisionRetries = 3

// SubmitExpenseInput is what an employee files. AmountInCompanyCurrency may be
// left at zero when Currency already is the company currency.
type SubmitExpenseInput struct {
	EmployeeID              int64     `json:"employee_id" validate:"required,gt=0"`
	Amount                  float64   `json:"amount" validate:"gt=0"`
	Currency                string    `json:"currency" validate:"required,len=3,alpha"`
	AmountInCompanyCurrency float64   `json:"amount_in_company_currency" validate:"gte=0"`
	Category                string    `json:"category" validate:"required,max=50"`
	Description             string    `json:"description" validate:"max=2000"`
	ExpenseDate             time.Time `json:"expense_date" validate:"required"`
	VendorName              string    `json:"vendor_name" validate:"max=200"`
}

// DecideInput is one approver acting on one task
type DecideInput struct {
	ApprovalID int64  `json:"approval_id" validate:"required,gt=0"`
	ActorID    int64  `json:"actor_id" validate:"required,gt=0"`
	Action     string `json:"action" validate:"required"`
	Comments   string `json:"comments" validate:"max=2000"`
}

// ExpenseDetail is an expense with its full approval trail
type ExpenseDetail struct {
	Expense   *entity.Expense           `json:"expense"`
	Approvals []*entity.ExpenseApproval `json:"approvals"`
}

// InboxItem is a pending task together with the expense it belongs to
type InboxItem struct {
	Approval *entity.ExpenseApproval `json:"approval"`
	Expense  *entity.Expense         `json:"expense"`
}

// ExpenseService runs the approval workflow around persisted expenses
type ExpenseService interface {
	Submit(ctx context.Context, in SubmitExpenseInput) (*ExpenseDetail, error)
	Decide(ctx context.Context, in DecideInput) (*approval.DecisionResult, error)
	Get(ctx context.Context, id int64) (*ExpenseDetail, error)
	ListPendingForApprover(ctx context.Context, approverID int64) ([]*InboxItem, error)
	ListForEmployee(ctx context.Context, employeeID int64) ([]*entity.Expense, *entity.StatusSummary, error)

	// ListTeam returns what the viewer oversees: an admin sees the whole
	// company, a manager sees their direct reports
	ListTeam(ctx context.Context, viewerID int64) ([]*entity.Expense, error)
	ListForCompany(ctx context.Context, companyID int64) ([]*entity.Expense, error)
}

// ExpenseOption configures the expense service
type ExpenseOption func(*expenseServiceImpl)

// WithDispatcher publishes workflow events after each commit
func WithDispatcher(d dispatcher.Dispatcher) ExpenseOption {
	return func(s *expenseServiceImpl) {
		s.dispatcher = d
	}
}

// WithMetrics records submissions and decisions
func WithMetrics(m port.Metrics) ExpenseOption {
	return func(s *expenseServiceImpl) {
		s.metrics = m
	}
}

// WithClock overrides time.Now
func WithClock(c Clock) ExpenseOption {
	return func(s *expenseServiceImpl) {
		s.now = c
	}
}

// WithDecisionRetries sets how often a decision is retried after a concurrent update
func WithDecisionRetries(n int) ExpenseOption {
	return func(s *expenseServiceImpl) {
		if n > 0 {
			s.retries = n
		}
	}
}

type expenseServiceImpl struct {
	companyRepo  port.CompanyRepository
	userRepo     port.UserRepository
	ruleRepo     port.RuleRepository
	expenseRepo  port.ExpenseRepository
	approvalRepo port.ApprovalRepository
	txManager    port.TransactionManager
	logger       Logger

	dispatcher dispatcher.Dispatcher
	metrics    port.Metrics
	locks      *KeyedLocker
	now        Clock
	retries    int
}

// NewExpenseService creates a new ExpenseService
func NewExpenseService(
	companyRepo port.CompanyRepository,
	userRepo port.UserRepository,
	ruleRepo port.RuleRepository,
	expenseRepo port.ExpenseRepository,
	approvalRepo port.ApprovalRepository,
	txManager port.TransactionManager,
	logger Logger,
	opts ...ExpenseOption,
) ExpenseService {
	s := &expenseServiceImpl{
		companyRepo:  companyRepo,
		userRepo:     userRepo,
		ruleRepo:     ruleRepo,
		expenseRepo:  expenseRepo,
		approvalRepo: approvalRepo,
		txManager:    txManager,
		logger:       logger,
		metrics:      port.NopMetrics{},
		locks:        NewKeyedLocker(),
		now:          time.Now,
		retries:      defaultDecisionRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit stores the expense and starts its approval workflow under the
// company's active rule, all in one transaction
func (s *expenseServiceImpl) Submit(ctx context.Context, in SubmitExpenseInput) (*ExpenseDetail, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	employee, err := s.userRepo.GetByID(ctx, in.EmployeeID)
	if err != nil {
		return nil, fmt.Errorf("get employee: %w", err)
	}

	company, err := s.companyRepo.GetByID(ctx, employee.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}

	currency := strings.ToUpper(in.Currency)
	converted := in.AmountInCompanyCurrency
	if converted == 0 {
		if currency != company.Currency {
			return nil, fmt.Errorf("%w: amount_in_company_currency is required for %s expenses in a %s company",
				ErrValidation, currency, company.Currency)
		}
		converted = in.Amount
	}

	rule, err := s.ruleRepo.GetActive(ctx, company.ID)
	if err != nil {
		if !errors.Is(err, port.ErrNotFound) {
			return nil, fmt.Errorf("get active rule: %w", err)
		}
		rule = nil
	}

	manager := s.lookupManager(ctx, employee)

	now := s.now()
	expense := &entity.Expense{
		EmployeeID:              employee.ID,
		CompanyID:               company.ID,
		Amount:                  in.Amount,
		Currency:                currency,
		AmountInCompanyCurrency: converted,
		Category:                in.Category,
		Description:             in.Description,
		ExpenseDate:             in.ExpenseDate,
		VendorName:              in.VendorName,
		Status:                  entity.ExpenseStatusPending,
		SubmittedAt:             now,
	}
	if rule != nil {
		ruleID := rule.ID
		expense.ApprovalRuleID = &ruleID
	}

	plan := approval.Initiate(expense, manager, rule, now)
	expense.CurrentApprovalStep = plan.InitialStep

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.expenseRepo.Create(txCtx, expense); err != nil {
			return fmt.Errorf("create expense: %w", err)
		}
		for _, task := range plan.Tasks {
			task.ExpenseID = expense.ID
			if err := s.approvalRepo.Create(txCtx, task); err != nil {
				return fmt.Errorf("create approval for approver %d: %w", task.ApproverID, err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to submit expense", "error", err, "employee_id", employee.ID)
		return nil, err
	}

	s.metrics.ExpenseSubmitted(string(rule.Kind()), len(plan.Tasks))

	if len(plan.Tasks) == 0 {
		s.logger.Warn("Expense has no approval tasks and will stay pending",
			"expense_id", expense.ID,
			"company_id", company.ID,
			"has_rule", rule != nil,
			"has_manager", manager != nil,
		)
	} else {
		s.logger.Info("Expense submitted",
			"expense_id", expense.ID,
			"employee_id", employee.ID,
			"rule_kind", rule.Kind(),
			"task_count", len(plan.Tasks),
			"initial_step", plan.InitialStep,
		)
	}

	submitted := event.NewEvent(event.TypeExpenseSubmitted, expense.ID, expense.CompanyID, map[string]interface{}{
		event.KeyEmployeeID: expense.EmployeeID,
		event.KeyStatus:     expense.Status,
	})
	s.publish(ctx, submitted)
	s.publishNotifications(ctx, expense, plan.Notifications, submitted)

	return &ExpenseDetail{Expense: expense, Approvals: plan.Tasks}, nil
}

func (s *expenseServiceImpl) lookupManager(ctx context.Context, employee *entity.User) *entity.User {
	if employee.ManagerID == nil {
		return nil
	}
	manager, err := s.userRepo.GetByID(ctx, *employee.ManagerID)
	if err != nil {
		s.logger.Error("Failed to resolve manager, continuing without manager step",
			"error", err,
			"employee_id", employee.ID,
			"manager_id", *employee.ManagerID,
		)
		return nil
	}
	return manager
}

// Decide records one approver's decision. Decisions on the same expense are
// serialised in-process, and the expense version check retries the whole
// read-evaluate-write cycle if another writer got in first.
func (s *expenseServiceImpl) Decide(ctx context.Context, in DecideInput) (*approval.DecisionResult, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	action, err := approval.ParseAction(in.Action)
	if err != nil {
		return nil, err
	}

	task, err := s.approvalRepo.GetByID(ctx, in.ApprovalID)
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}

	unlock := s.locks.Lock(task.ExpenseID)
	defer unlock()

	decision := approval.Decision{
		ApprovalID: in.ApprovalID,
		ActorID:    in.ActorID,
		Action:     action,
		Comments:   in.Comments,
	}

	var result *approval.DecisionResult
	for attempt := 1; ; attempt++ {
		result, err = s.decideOnce(ctx, task.ExpenseID, decision)
		if err == nil {
			break
		}
		if !errors.Is(err, port.ErrConcurrentUpdate) || attempt >= s.retries {
			s.logger.Error("Decision failed",
				"error", err,
				"approval_id", in.ApprovalID,
				"actor_id", in.ActorID,
				"attempt", attempt,
			)
			return nil, err
		}
		s.metrics.ConcurrencyRetry()
		s.logger.Info("Concurrent update on expense, retrying decision",
			"expense_id", task.ExpenseID,
			"approval_id", in.ApprovalID,
			"attempt", attempt,
		)
	}

	s.metrics.DecisionRecorded(string(action), result.Outcome.String())
	s.logger.Info("Decision recorded",
		"expense_id", result.Expense.ID,
		"approval_id", result.Approval.ID,
		"action", action,
		"outcome", result.Outcome,
		"expense_status", result.Expense.Status,
		"current_step", result.Expense.CurrentApprovalStep,
	)

	s.publishDecision(ctx, result, action)
	return result, nil
}

func (s *expenseServiceImpl) decideOnce(ctx context.Context, expenseID int64, d approval.Decision) (*approval.DecisionResult, error) {
	var result *approval.DecisionResult

	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		expense, err := s.expenseRepo.GetByID(txCtx, expenseID)
		if err != nil {
			return fmt.Errorf("get expense: %w", err)
		}

		tasks, err := s.approvalRepo.ListByExpense(txCtx, expenseID)
		if err != nil {
			return fmt.Errorf("list approvals: %w", err)
		}

		rule, err := s.ruleFor(txCtx, expense)
		if err != nil {
			return err
		}

		res, err := approval.Decide(rule, expense, tasks, d, s.now())
		if err != nil {
			return err
		}

		if err := s.approvalRepo.Decide(txCtx, res.Approval); err != nil {
			return fmt.Errorf("record decision: %w", err)
		}
		for _, task := range res.NewTasks {
			if err := s.approvalRepo.Create(txCtx, task); err != nil {
				return fmt.Errorf("create approval for approver %d: %w", task.ApproverID, err)
			}
		}
		// Always written so that the version check orders concurrent deciders
		if err := s.expenseRepo.Update(txCtx, res.Expense); err != nil {
			return fmt.Errorf("update expense: %w", err)
		}

		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ruleFor loads the rule the expense was submitted under, even if it has
// since been deactivated
func (s *expenseServiceImpl) ruleFor(ctx context.Context, expense *entity.Expense) (*approval.Rule, error) {
	if expense.ApprovalRuleID == nil {
		return nil, nil
	}
	rule, err := s.ruleRepo.GetByID(ctx, *expense.ApprovalRuleID)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			s.logger.Warn("Expense rule no longer exists, resolving without a rule",
				"expense_id", expense.ID,
				"rule_id", *expense.ApprovalRuleID,
			)
			return nil, nil
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// Get returns the expense and its approval trail
func (s *expenseServiceImpl) Get(ctx context.Context, id int64) (*ExpenseDetail, error) {
	expense, err := s.expenseRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get expense: %w", err)
	}
	approvals, err := s.approvalRepo.ListByExpense(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return &ExpenseDetail{Expense: expense, Approvals: approvals}, nil
}

// ListPendingForApprover returns the approver's open tasks on expenses that are still pending
func (s *expenseServiceImpl) ListPendingForApprover(ctx context.Context, approverID int64) ([]*InboxItem, error) {
	tasks, err := s.approvalRepo.ListByApprover(ctx, approverID, entity.ApprovalStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}

	items := make([]*InboxItem, 0, len(tasks))
	for _, task := range tasks {
		expense, err := s.expenseRepo.GetByID(ctx, task.ExpenseID)
		if err != nil {
			return nil, fmt.Errorf("get expense %d: %w", task.ExpenseID, err)
		}
		if expense.IsFinal() {
			continue
		}
		items = append(items, &InboxItem{Approval: task, Expense: expense})
	}
	return items, nil
}

// ListForEmployee returns the employee's expenses, newest first, with per-status counts
func (s *expenseServiceImpl) ListForEmployee(ctx context.Context, employeeID int64) ([]*entity.Expense, *entity.StatusSummary, error) {
	expenses, err := s.expenseRepo.ListByEmployee(ctx, employeeID)
	if err != nil {
		return nil, nil, fmt.Errorf("list expenses: %w", err)
	}
	summary, err := s.expenseRepo.CountByStatus(ctx, employeeID)
	if err != nil {
		return nil, nil, fmt.Errorf("count expenses: %w", err)
	}
	return expenses, summary, nil
}

// ListTeam returns the expenses the viewer oversees, newest first
func (s *expenseServiceImpl) ListTeam(ctx context.Context, viewerID int64) ([]*entity.Expense, error) {
	viewer, err := s.userRepo.GetByID(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("get viewer: %w", err)
	}

	var expenses []*entity.Expense
	switch viewer.Role {
	case entity.RoleAdmin:
		expenses, err = s.expenseRepo.ListByCompany(ctx, viewer.CompanyID)
	case entity.RoleManager:
		expenses, err = s.expenseRepo.ListByManager(ctx, viewer.ID)
	default:
		return nil, fmt.Errorf("%w: user %d has no team", ErrForbidden, viewerID)
	}
	if err != nil {
		return nil, fmt.Errorf("list team expenses: %w", err)
	}
	return expenses, nil
}

// ListForCompany returns every expense of the company, newest first
func (s *expenseServiceImpl) ListForCompany(ctx context.Context, companyID int64) ([]*entity.Expense, error) {
	expenses, err := s.expenseRepo.ListByCompany(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	return expenses, nil
}

func (s *expenseServiceImpl) publishDecision(ctx context.Context, result *approval.DecisionResult, action approval.Action) {
	expense := result.Expense
	decided := event.NewEvent(event.TypeApprovalDecided, expense.ID, expense.CompanyID, map[string]interface{}{
		event.KeyApprovalID: result.Approval.ID,
		event.KeyApproverID: result.Approval.ApproverID,
		event.KeyAction:     string(action),
		event.KeyStatus:     expense.Status,
	})
	s.publish(ctx, decided)

	var followUp event.Type
	switch result.Outcome {
	case approval.OutcomeApproved:
		followUp = event.TypeExpenseApproved
	case approval.OutcomeRejected:
		followUp = event.TypeExpenseRejected
	case approval.OutcomeAdvanced:
		followUp = event.TypeExpenseAdvanced
	default:
		return
	}

	s.publish(ctx, event.NewEvent(followUp, expense.ID, expense.CompanyID, map[string]interface{}{
		event.KeyEmployeeID:   expense.EmployeeID,
		event.KeyStatus:       expense.Status,
		event.KeyStepSequence: expense.CurrentApprovalStep,
	}).Follows(decided))

	s.publishNotifications(ctx, expense, result.Notifications, decided)
}

func (s *expenseServiceImpl) publishNotifications(ctx context.Context, expense *entity.Expense, intents []approval.NotifyIntent, cause *event.Event) {
	for _, intent := range intents {
		if intent.Approval == nil {
			continue
		}
		s.publish(ctx, event.NewEvent(event.TypeApproverNotify, expense.ID, expense.CompanyID, map[string]interface{}{
			event.KeyApprovalID:   intent.Approval.ID,
			event.KeyApproverID:   intent.Approval.ApproverID,
			event.KeyStepSequence: intent.Approval.StepSequence,
		}).Follows(cause))
	}
}

func (s *expenseServiceImpl) publish(ctx context.Context, evt *event.Event) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Publish(ctx, evt)
}
