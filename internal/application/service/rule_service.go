package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/approval"
)

// CreateRuleInput is an admin's rule definition. ApproverIDs become steps
// numbered 1..n in the order given.
type CreateRuleInput struct {
	CompanyID          int64   `json:"company_id" yaml:"company_id" validate:"required,gt=0"`
	Name               string  `json:"name" yaml:"name" validate:"required,max=200"`
	RuleType           string  `json:"rule_type" yaml:"rule_type" validate:"required,oneof=sequential percentage specific hybrid"`
	ManagerFirst       bool    `json:"is_manager_first" yaml:"is_manager_first"`
	PercentageRequired *int    `json:"percentage_required" yaml:"percentage_required" validate:"omitempty,min=0,max=100"`
	SpecificApproverID *int64  `json:"specific_approver_id" yaml:"specific_approver_id" validate:"omitempty,gt=0"`
	ApproverIDs        []int64 `json:"approver_ids" yaml:"approver_ids" validate:"dive,gt=0"`
}

// RuleService manages approval rule configuration
type RuleService interface {
	// CreateRule saves the rule as the company's only active rule
	CreateRule(ctx context.Context, in CreateRuleInput) (*approval.Rule, error)
	ListRules(ctx context.Context, companyID int64) ([]*approval.Rule, error)
	ActiveRule(ctx context.Context, companyID int64) (*approval.Rule, error)
}

type ruleServiceImpl struct {
	companyRepo port.CompanyRepository
	userRepo    port.UserRepository
	ruleRepo    port.RuleRepository
	txManager   port.TransactionManager
	logger      Logger
	now         Clock
}

// NewRuleService creates a new RuleService
func NewRuleService(
	companyRepo port.CompanyRepository,
	userRepo port.UserRepository,
	ruleRepo port.RuleRepository,
	txManager port.TransactionManager,
	logger Logger,
) RuleService {
	return &ruleServiceImpl{
		companyRepo: companyRepo,
		userRepo:    userRepo,
		ruleRepo:    ruleRepo,
		txManager:   txManager,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateRule validates the definition, checks every referenced approver
// belongs to the company, then deactivates the previous rule and stores the
// new one in a single transaction
func (s *ruleServiceImpl) CreateRule(ctx context.Context, in CreateRuleInput) (*approval.Rule, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	if _, err := s.companyRepo.GetByID(ctx, in.CompanyID); err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}

	kind, err := approval.ParseKind(in.RuleType)
	if err != nil {
		return nil, err
	}

	policy, err := approval.NewPolicy(kind, approval.StepsFromApprovers(in.ApproverIDs), in.PercentageRequired, in.SpecificApproverID)
	if err != nil {
		return nil, err
	}

	rule := &approval.Rule{
		CompanyID:    in.CompanyID,
		Name:         in.Name,
		ManagerFirst: in.ManagerFirst,
		Active:       true,
		Policy:       policy,
		CreatedAt:    s.now(),
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	approvers := make([]int64, 0, len(in.ApproverIDs)+1)
	for _, step := range rule.Steps() {
		approvers = append(approvers, step.ApproverID)
	}
	if id := rule.SpecificApproverID(); id != nil {
		approvers = append(approvers, *id)
	}
	for _, id := range approvers {
		if err := s.checkApprover(ctx, in.CompanyID, id); err != nil {
			return nil, err
		}
	}

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.ruleRepo.DeactivateAll(txCtx, in.CompanyID); err != nil {
			return fmt.Errorf("deactivate rules: %w", err)
		}
		if err := s.ruleRepo.Create(txCtx, rule); err != nil {
			return fmt.Errorf("create rule: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to create rule", "error", err, "company_id", in.CompanyID)
		return nil, err
	}

	s.logger.Info("Approval rule activated",
		"rule_id", rule.ID,
		"company_id", rule.CompanyID,
		"kind", rule.Kind(),
		"manager_first", rule.ManagerFirst,
		"step_count", len(rule.Steps()),
	)
	return rule, nil
}

func (s *ruleServiceImpl) checkApprover(ctx context.Context, companyID, userID int64) error {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return &approval.ConfigurationError{Field: "approver", Reason: fmt.Sprintf("user %d does not exist", userID)}
		}
		return fmt.Errorf("get approver %d: %w", userID, err)
	}
	if user.CompanyID != companyID {
		return &approval.ConfigurationError{Field: "approver", Reason: fmt.Sprintf("user %d belongs to another company", userID)}
	}
	if !user.CanApprove() {
		return &approval.ConfigurationError{Field: "approver", Reason: fmt.Sprintf("user %d has role %s", userID, user.Role)}
	}
	return nil
}

// ListRules returns all rules of the company, newest first
func (s *ruleServiceImpl) ListRules(ctx context.Context, companyID int64) ([]*approval.Rule, error) {
	rules, err := s.ruleRepo.ListByCompany(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// ActiveRule returns port.ErrNotFound when the company has none
func (s *ruleServiceImpl) ActiveRule(ctx context.Context, companyID int64) (*approval.Rule, error) {
	return s.ruleRepo.GetActive(ctx, companyID)
}
