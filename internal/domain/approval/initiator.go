package approval

import (
	"time"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// NotifyIntent asks the caller to tell an approver that an expense awaits them.
// Approval points at the task so its IDs are available once the caller has saved it.
type NotifyIntent struct {
	Approval *entity.ExpenseApproval
}

// ApproverID is the approver to notify
func (n NotifyIntent) ApproverID() int64 {
	if n.Approval == nil {
		return 0
	}
	return n.Approval.ApproverID
}

// Plan is everything Initiate decided for a newly submitted expense
type Plan struct {
	Tasks         []*entity.ExpenseApproval
	Notifications []NotifyIntent
	// InitialStep is the sequential group cursor to store on the expense
	InitialStep int
}

// Initiate creates the approval tasks for a freshly submitted expense.
//
// With ManagerFirst the manager task sits at step 0 and the first sequential
// group is created and notified alongside it; the cursor starts at 0 so the
// manager must approve before the chain moves on.
//
// manager is the submitter's direct manager, nil when they have none. rule is
// the company's active rule, nil when the company has not configured one; in
// that case the plan is empty. No approver ever receives two tasks for the
// same expense.
func Initiate(expense *entity.Expense, manager *entity.User, rule *Rule, now time.Time) *Plan {
	plan := &Plan{}
	if rule == nil {
		return plan
	}

	holders := make(map[int64]bool)
	add := func(approverID int64, sequence int, origin string, notify bool) {
		if holders[approverID] {
			return
		}
		holders[approverID] = true

		task := &entity.ExpenseApproval{
			ExpenseID:    expense.ID,
			ApproverID:   approverID,
			StepSequence: sequence,
			Origin:       origin,
			Status:       entity.ApprovalStatusPending,
			CreatedAt:    now,
		}
		plan.Tasks = append(plan.Tasks, task)
		if notify {
			plan.Notifications = append(plan.Notifications, NotifyIntent{Approval: task})
		}
	}

	if rule.ManagerFirst && manager != nil {
		add(manager.ID, 0, entity.OriginManager, true)
	}

	switch p := rule.Policy.(type) {
	case SequentialPolicy:
		// Only the first group exists at submission; later groups are
		// created by Resolve as the chain advances.
		if first, ok := nextRuleSequence(p.Steps, 0); ok {
			for _, s := range stepsAt(p.Steps, first) {
				add(s.ApproverID, s.Sequence, entity.OriginRule, true)
			}
		}

	case PercentagePolicy:
		for _, s := range sortedSteps(p.Steps) {
			add(s.ApproverID, 0, entity.OriginRule, true)
		}

	case SpecificApproverPolicy:
		if p.ApproverID != nil {
			add(*p.ApproverID, 0, entity.OriginDesignated, true)
		}

	case HybridPolicy:
		for _, s := range sortedSteps(p.Steps) {
			add(s.ApproverID, 0, entity.OriginRule, true)
		}
		if p.ApproverID != nil {
			add(*p.ApproverID, 0, entity.OriginDesignated, true)
		}
	}

	plan.InitialStep = lowestSequence(plan.Tasks)
	return plan
}

// lowestSequence is 0 when a manager task exists or the rule is flattened,
// otherwise the first configured sequential step.
func lowestSequence(tasks []*entity.ExpenseApproval) int {
	if len(tasks) == 0 {
		return 0
	}
	lowest := tasks[0].StepSequence
	for _, t := range tasks[1:] {
		if t.StepSequence < lowest {
			lowest = t.StepSequence
		}
	}
	return lowest
}
