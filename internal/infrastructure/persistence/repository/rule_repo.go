package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/approval"
	"github.com/garyjia/expense-approval/internal/infrastructure/persistence/sqlite"
	"go.uber.org/zap"
)

// RuleRepository implements port.RuleRepository. A rule is one
// approval_rules row plus its approval_steps rows.
type RuleRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *sql.DB, logger *zap.Logger) port.RuleRepository {
	return &RuleRepository{
		db:     db,
		logger: logger,
	}
}

const ruleColumns = `id, company_id, name, rule_type, is_manager_first, percentage_required, specific_approver_id, is_active, created_at`

// Create inserts the rule and its steps. Call it inside a transaction so a
// failed step insert does not leave a rule without steps.
func (r *RuleRepository) Create(ctx context.Context, rule *approval.Rule) error {
	query := `
		INSERT INTO approval_rules (
			company_id, name, rule_type, is_manager_first,
			percentage_required, specific_approver_id, is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}

	var required sql.NullInt64
	if p := rule.PercentageRequired(); p != nil {
		required = sql.NullInt64{Int64: int64(*p), Valid: true}
	}

	exec := r.getExecutor(ctx)
	result, err := exec.ExecContext(ctx, query,
		rule.CompanyID,
		rule.Name,
		string(rule.Kind()),
		rule.ManagerFirst,
		required,
		nullInt64Of(rule.SpecificApproverID()),
		rule.Active,
		rule.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create approval rule",
			zap.Int64("company_id", rule.CompanyID),
			zap.String("rule_type", string(rule.Kind())),
			zap.Error(err))
		return fmt.Errorf("failed to create approval rule: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	for _, step := range rule.Steps() {
		_, err := exec.ExecContext(ctx,
			`INSERT INTO approval_steps (rule_id, approver_id, sequence) VALUES (?, ?, ?)`,
			id, step.ApproverID, step.Sequence,
		)
		if err != nil {
			r.logger.Error("Failed to create approval step",
				zap.Int64("rule_id", id),
				zap.Int64("approver_id", step.ApproverID),
				zap.Error(err))
			return fmt.Errorf("failed to create approval step: %w", err)
		}
	}

	rule.ID = id
	return nil
}

// GetByID loads a rule whether or not it is still active
func (r *RuleRepository) GetByID(ctx context.Context, id int64) (*approval.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM approval_rules WHERE id = ?`
	return r.getOne(ctx, query, id)
}

// GetActive returns port.ErrNotFound when the company has no active rule
func (r *RuleRepository) GetActive(ctx context.Context, companyID int64) (*approval.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM approval_rules WHERE company_id = ? AND is_active = 1`
	return r.getOne(ctx, query, companyID)
}

func (r *RuleRepository) getOne(ctx context.Context, query string, arg int64) (*approval.Rule, error) {
	row, err := scanRuleRow(r.getExecutor(ctx).QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval rule: %w", port.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get approval rule", zap.Int64("arg", arg), zap.Error(err))
		return nil, fmt.Errorf("failed to get approval rule: %w", err)
	}
	return r.assemble(ctx, row)
}

// ListByCompany returns every rule of the company, newest first
func (r *RuleRepository) ListByCompany(ctx context.Context, companyID int64) ([]*approval.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM approval_rules WHERE company_id = ? ORDER BY id DESC`

	rows, err := r.getExecutor(ctx).QueryContext(ctx, query, companyID)
	if err != nil {
		r.logger.Error("Failed to list approval rules", zap.Int64("company_id", companyID), zap.Error(err))
		return nil, fmt.Errorf("failed to list approval rules: %w", err)
	}

	// Drain rows before querying steps; a single-connection pool would block otherwise
	var ruleRows []*ruleRow
	for rows.Next() {
		row, err := scanRuleRow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan approval rule: %w", err)
		}
		ruleRows = append(ruleRows, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rules := make([]*approval.Rule, 0, len(ruleRows))
	for _, row := range ruleRows {
		rule, err := r.assemble(ctx, row)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// DeactivateAll clears the active flag on every rule of the company
func (r *RuleRepository) DeactivateAll(ctx context.Context, companyID int64) error {
	_, err := r.getExecutor(ctx).ExecContext(ctx,
		`UPDATE approval_rules SET is_active = 0 WHERE company_id = ? AND is_active = 1`,
		companyID,
	)
	if err != nil {
		r.logger.Error("Failed to deactivate approval rules", zap.Int64("company_id", companyID), zap.Error(err))
		return fmt.Errorf("failed to deactivate approval rules: %w", err)
	}
	return nil
}

type ruleRow struct {
	rule       approval.Rule
	kind       string
	required   sql.NullInt64
	approverID sql.NullInt64
}

func scanRuleRow(row scanner) (*ruleRow, error) {
	var rr ruleRow
	err := row.Scan(
		&rr.rule.ID,
		&rr.rule.CompanyID,
		&rr.rule.Name,
		&rr.kind,
		&rr.rule.ManagerFirst,
		&rr.required,
		&rr.approverID,
		&rr.rule.Active,
		&rr.rule.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rr, nil
}

// assemble loads the steps and rebuilds the policy variant
func (r *RuleRepository) assemble(ctx context.Context, rr *ruleRow) (*approval.Rule, error) {
	steps, err := r.loadSteps(ctx, rr.rule.ID)
	if err != nil {
		return nil, err
	}

	kind, err := approval.ParseKind(rr.kind)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", rr.rule.ID, err)
	}

	var required *int
	if rr.required.Valid {
		v := int(rr.required.Int64)
		required = &v
	}
	var approverID *int64
	if rr.approverID.Valid {
		v := rr.approverID.Int64
		approverID = &v
	}

	policy, err := approval.NewPolicy(kind, steps, required, approverID)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", rr.rule.ID, err)
	}

	rule := rr.rule
	rule.Policy = policy
	return &rule, nil
}

func (r *RuleRepository) loadSteps(ctx context.Context, ruleID int64) ([]approval.Step, error) {
	rows, err := r.getExecutor(ctx).QueryContext(ctx,
		`SELECT approver_id, sequence FROM approval_steps WHERE rule_id = ? ORDER BY sequence, id`,
		ruleID,
	)
	if err != nil {
		r.logger.Error("Failed to load approval steps", zap.Int64("rule_id", ruleID), zap.Error(err))
		return nil, fmt.Errorf("failed to load approval steps: %w", err)
	}
	defer rows.Close()

	var steps []approval.Step
	for rows.Next() {
		var s approval.Step
		if err := rows.Scan(&s.ApproverID, &s.Sequence); err != nil {
			return nil, fmt.Errorf("failed to scan approval step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (r *RuleRepository) getExecutor(ctx context.Context) sqlite.Executor {
	return sqlite.Conn(ctx, r.db)
}

// Verify interface compliance
var _ port.RuleRepository = (*RuleRepository)(nil)
