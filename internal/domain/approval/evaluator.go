package approval

import (
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// Outcome is the effect of a decision on the expense
type Outcome int

const (
	OutcomeNoChange Outcome = iota
	OutcomeApproved
	OutcomeRejected
	OutcomeAdvanced
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAdvanced:
		return "advanced"
	default:
		return "no_change"
	}
}

// Resolution is what Resolve concluded after an approval
type Resolution struct {
	Outcome       Outcome
	// NextStep and NewTasks are set only for OutcomeAdvanced
	NextStep      int
	NewTasks      []*entity.ExpenseApproval
	Notifications []NotifyIntent
}

// Resolve decides whether the expense is now approved, should advance to the
// next sequential group, or stays where it is. It never rejects; rejection is
// handled by Decide before resolution runs.
func Resolve(rule *Rule, approvals []*entity.ExpenseApproval, expense *entity.Expense) Resolution {
	if len(approvals) == 0 {
		return Resolution{Outcome: OutcomeNoChange}
	}

	if rule == nil {
		if allApproved(approvals) {
			return Resolution{Outcome: OutcomeApproved}
		}
		return Resolution{Outcome: OutcomeNoChange}
	}

	var approved bool
	switch p := rule.Policy.(type) {
	case SequentialPolicy:
		return resolveSequential(p.Steps, approvals, expense)
	case PercentagePolicy:
		// the manager task sits outside the quorum, so it must clear on its own
		approved = quorumReached(approvals, p.Required) && managerStepCleared(approvals)
	case SpecificApproverPolicy:
		approved = designatedApproved(approvals, p.ApproverID)
	case HybridPolicy:
		approved = quorumReached(approvals, p.Required) || designatedApproved(approvals, p.ApproverID)
	}

	if approved {
		return Resolution{Outcome: OutcomeApproved}
	}
	return Resolution{Outcome: OutcomeNoChange}
}

// resolveSequential moves the cursor once every task in the current group is
// approved. The next group's tasks are created here, skipping approvers who
// already hold a task; a group with nothing left to approve is passed over.
func resolveSequential(steps []Step, approvals []*entity.ExpenseApproval, expense *entity.Expense) Resolution {
	cursor := expense.CurrentApprovalStep
	current := group(approvals, cursor)
	if len(current) == 0 || !allApproved(current) {
		return Resolution{Outcome: OutcomeNoChange}
	}

	holders := make(map[int64]bool, len(approvals))
	for _, a := range approvals {
		holders[a.ApproverID] = true
	}

	for {
		next, ok := nextRuleSequence(steps, cursor)
		if !ok {
			return Resolution{Outcome: OutcomeApproved}
		}

		members := group(approvals, next)
		var fresh []*entity.ExpenseApproval
		for _, s := range stepsAt(steps, next) {
			if holders[s.ApproverID] {
				continue
			}
			holders[s.ApproverID] = true
			task := &entity.ExpenseApproval{
				ExpenseID:    expense.ID,
				ApproverID:   s.ApproverID,
				StepSequence: next,
				Origin:       entity.OriginRule,
				Status:       entity.ApprovalStatusPending,
			}
			fresh = append(fresh, task)
			members = append(members, task)
		}

		if len(members) > 0 && !allApproved(members) {
			res := Resolution{Outcome: OutcomeAdvanced, NextStep: next, NewTasks: fresh}
			for _, task := range members {
				if task.Status == entity.ApprovalStatusPending {
					res.Notifications = append(res.Notifications, NotifyIntent{Approval: task})
				}
			}
			return res
		}
		cursor = next
	}
}

// quorumReached compares approved*100 against required*total in integers.
// Only rule steps count; manager and designated tasks are outside the quorum.
func quorumReached(approvals []*entity.ExpenseApproval, required *int) bool {
	if required == nil {
		return false
	}

	var total, approved int
	for _, a := range approvals {
		if a.Origin != entity.OriginRule {
			continue
		}
		total++
		if a.Status == entity.ApprovalStatusApproved {
			approved++
		}
	}
	if total == 0 {
		return false
	}
	return approved*100 >= *required*total
}

func designatedApproved(approvals []*entity.ExpenseApproval, approverID *int64) bool {
	if approverID == nil {
		return false
	}
	for _, a := range approvals {
		if a.ApproverID == *approverID && a.Status == entity.ApprovalStatusApproved {
			return true
		}
	}
	return false
}

// managerStepCleared is true when every manager-origin task is approved
func managerStepCleared(approvals []*entity.ExpenseApproval) bool {
	for _, a := range approvals {
		if a.Origin == entity.OriginManager && a.Status != entity.ApprovalStatusApproved {
			return false
		}
	}
	return true
}

func allApproved(approvals []*entity.ExpenseApproval) bool {
	for _, a := range approvals {
		if a.Status != entity.ApprovalStatusApproved {
			return false
		}
	}
	return true
}

func group(approvals []*entity.ExpenseApproval, sequence int) []*entity.ExpenseApproval {
	var out []*entity.ExpenseApproval
	for _, a := range approvals {
		if a.StepSequence == sequence {
			out = append(out, a)
		}
	}
	return out
}

// nextRuleSequence finds the smallest configured sequence above cursor
func nextRuleSequence(steps []Step, cursor int) (int, bool) {
	next, found := 0, false
	for _, st := range steps {
		if st.Sequence > cursor && (!found || st.Sequence < next) {
			next, found = st.Sequence, true
		}
	}
	return next, found
}

func stepsAt(steps []Step, sequence int) []Step {
	var out []Step
	for _, st := range sortedSteps(steps) {
		if st.Sequence == sequence {
			out = append(out, st)
		}
	}
	return out
}
