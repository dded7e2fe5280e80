package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/domain/workflow"
)

// Action is what an approver did with their task
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// ParseAction accepts approve/reject in any case
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionApprove, ActionReject:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

func (a Action) trigger() workflow.Trigger {
	if a == ActionReject {
		return workflow.TriggerReject
	}
	return workflow.TriggerApprove
}

// Decision is one approver acting on one task
type Decision struct {
	ApprovalID int64
	ActorID    int64
	Action     Action
	Comments   string
}

// DecisionResult holds updated copies of the task and expense. The inputs
// passed to Decide are never modified.
type DecisionResult struct {
	Approval      *entity.ExpenseApproval
	Expense       *entity.Expense
	Outcome       Outcome
	// NewTasks are the sequential group created by an advance; they have no ID yet
	NewTasks      []*entity.ExpenseApproval
	Notifications []NotifyIntent
}

// Decide records d against its task and works out the consequence for the
// expense. Any error wraps ErrInvalidDecision and leaves nothing changed.
func Decide(rule *Rule, expense *entity.Expense, approvals []*entity.ExpenseApproval, d Decision, now time.Time) (*DecisionResult, error) {
	idx := -1
	for i, a := range approvals {
		if a.ID == d.ApprovalID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: approval %d", ErrApprovalNotFound, d.ApprovalID)
	}
	task := approvals[idx]

	if d.Action != ActionApprove && d.Action != ActionReject {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, d.Action)
	}
	if task.ApproverID != d.ActorID {
		return nil, ErrNotTaskApprover
	}

	taskMachine, err := workflow.TaskLifecycle.Start(workflow.State(task.Status))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	if !taskMachine.CanFire(d.Action.trigger()) {
		return nil, ErrTaskAlreadyDecided
	}

	expenseMachine, err := workflow.ExpenseLifecycle.Start(workflow.State(expense.Status))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	if expenseMachine.State().IsTerminal() {
		return nil, ErrExpenseClosed
	}

	taskState, err := taskMachine.Fire(d.Action.trigger())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}

	decided := *task
	decided.Status = taskState.String()
	decided.Comments = d.Comments
	decidedAt := now
	decided.DecisionAt = &decidedAt

	updated := *expense
	result := &DecisionResult{Approval: &decided, Expense: &updated, Outcome: OutcomeNoChange}

	if d.Action == ActionReject {
		state, err := expenseMachine.Fire(workflow.TriggerReject)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
		}
		updated.Status = state.String()
		updated.FinalDecisionAt = &decidedAt
		result.Outcome = OutcomeRejected
		return result, nil
	}

	view := make([]*entity.ExpenseApproval, len(approvals))
	copy(view, approvals)
	view[idx] = &decided

	res := Resolve(rule, view, &updated)
	switch res.Outcome {
	case OutcomeApproved:
		state, err := expenseMachine.Fire(workflow.TriggerApprove)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
		}
		updated.Status = state.String()
		updated.FinalDecisionAt = &decidedAt
	case OutcomeAdvanced:
		if _, err := expenseMachine.Fire(workflow.TriggerAdvance); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
		}
		updated.CurrentApprovalStep = res.NextStep
		for _, t := range res.NewTasks {
			t.CreatedAt = now
		}
		result.NewTasks = res.NewTasks
	}

	result.Outcome = res.Outcome
	result.Notifications = res.Notifications
	return result, nil
}
