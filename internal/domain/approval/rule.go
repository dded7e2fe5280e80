// Package approval holds the expense approval engine: rule configuration,
// workflow initiation at submission, and decision/resolution after each
// approver acts. Everything here is pure; callers load state, call in, and
// persist what comes back.
package approval

import (
	"fmt"
	"sort"
	"time"
)

// Kind names a rule policy as stored in the approval_rules table
type Kind string

const (
	KindSequential       Kind = "sequential"
	KindPercentage       Kind = "percentage"
	KindSpecificApprover Kind = "specific"
	KindHybrid           Kind = "hybrid"
)

// ParseKind converts a stored rule type into a Kind
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSequential, KindPercentage, KindSpecificApprover, KindHybrid:
		return k, nil
	default:
		return "", &ConfigurationError{Field: "rule_type", Reason: fmt.Sprintf("unknown rule type %q", s)}
	}
}

// Step assigns an approver to a position in the rule
type Step struct {
	ApproverID int64 `json:"approver_id" yaml:"approver_id"`
	Sequence   int   `json:"sequence" yaml:"sequence"`
}

// Policy is one of SequentialPolicy, PercentagePolicy, SpecificApproverPolicy
// or HybridPolicy. Each variant carries only the fields it uses.
type Policy interface {
	Kind() Kind
	isPolicy()
}

// SequentialPolicy approves group by group in ascending step sequence.
// Steps sharing a sequence form one group and must all approve.
type SequentialPolicy struct {
	Steps []Step
}

// PercentagePolicy approves once Required percent of the step approvers approve.
// A nil Required never reaches quorum.
type PercentagePolicy struct {
	Steps    []Step
	Required *int
}

// SpecificApproverPolicy approves as soon as the designated approver approves
type SpecificApproverPolicy struct {
	ApproverID *int64
}

// HybridPolicy approves on quorum OR on the designated approver's approval
type HybridPolicy struct {
	Steps      []Step
	Required   *int
	ApproverID *int64
}

func (SequentialPolicy) Kind() Kind       { return KindSequential }
func (PercentagePolicy) Kind() Kind       { return KindPercentage }
func (SpecificApproverPolicy) Kind() Kind { return KindSpecificApprover }
func (HybridPolicy) Kind() Kind           { return KindHybrid }

func (SequentialPolicy) isPolicy()       {}
func (PercentagePolicy) isPolicy()       {}
func (SpecificApproverPolicy) isPolicy() {}
func (HybridPolicy) isPolicy()           {}

// NewPolicy builds the variant for kind from flat storage columns. Fields the
// kind does not use are dropped. Missing required values are tolerated here and
// reported by Rule.Validate instead.
func NewPolicy(kind Kind, steps []Step, required *int, approverID *int64) (Policy, error) {
	switch kind {
	case KindSequential:
		return SequentialPolicy{Steps: steps}, nil
	case KindPercentage:
		return PercentagePolicy{Steps: steps, Required: required}, nil
	case KindSpecificApprover:
		return SpecificApproverPolicy{ApproverID: approverID}, nil
	case KindHybrid:
		return HybridPolicy{Steps: steps, Required: required, ApproverID: approverID}, nil
	default:
		return nil, &ConfigurationError{Field: "rule_type", Reason: fmt.Sprintf("unknown rule type %q", kind)}
	}
}

// Rule is a company's approval policy. ManagerFirst inserts the submitter's
// direct manager as an extra task ahead of the policy's own steps.
type Rule struct {
	ID           int64
	CompanyID    int64
	Name         string
	ManagerFirst bool
	Active       bool
	Policy       Policy
	CreatedAt    time.Time
}

// Kind returns the policy kind, or "" when the rule carries no policy
func (r *Rule) Kind() Kind {
	if r == nil || r.Policy == nil {
		return ""
	}
	return r.Policy.Kind()
}

// Steps returns the configured steps ordered by sequence
func (r *Rule) Steps() []Step {
	if r == nil {
		return nil
	}

	var steps []Step
	switch p := r.Policy.(type) {
	case SequentialPolicy:
		steps = p.Steps
	case PercentagePolicy:
		steps = p.Steps
	case HybridPolicy:
		steps = p.Steps
	}
	return sortedSteps(steps)
}

// PercentageRequired returns the quorum for percentage and hybrid rules
func (r *Rule) PercentageRequired() *int {
	if r == nil {
		return nil
	}
	switch p := r.Policy.(type) {
	case PercentagePolicy:
		return p.Required
	case HybridPolicy:
		return p.Required
	}
	return nil
}

// SpecificApproverID returns the designated approver for specific and hybrid rules
func (r *Rule) SpecificApproverID() *int64 {
	if r == nil {
		return nil
	}
	switch p := r.Policy.(type) {
	case SpecificApproverPolicy:
		return p.ApproverID
	case HybridPolicy:
		return p.ApproverID
	}
	return nil
}

// Validate checks the rule the way the admin layer should before saving it.
// The engine itself never calls this; it tolerates whatever it is given.
func (r *Rule) Validate() error {
	if r.Policy == nil {
		return &ConfigurationError{Field: "rule_type", Reason: "policy is required"}
	}

	switch p := r.Policy.(type) {
	case SequentialPolicy:
		if len(p.Steps) == 0 && !r.ManagerFirst {
			return &ConfigurationError{Field: "steps", Reason: "sequential rule needs at least one step"}
		}
		return validateSteps(p.Steps)
	case PercentagePolicy:
		if err := validatePercentage(p.Required); err != nil {
			return err
		}
		return validateSteps(p.Steps)
	case SpecificApproverPolicy:
		if p.ApproverID == nil {
			return &ConfigurationError{Field: "specific_approver_id", Reason: "required for specific approver rules"}
		}
		return nil
	case HybridPolicy:
		if err := validatePercentage(p.Required); err != nil {
			return err
		}
		if p.ApproverID == nil {
			return &ConfigurationError{Field: "specific_approver_id", Reason: "required for hybrid rules"}
		}
		return validateSteps(p.Steps)
	default:
		return &ConfigurationError{Field: "rule_type", Reason: fmt.Sprintf("unsupported policy %T", p)}
	}
}

func validatePercentage(required *int) error {
	if required == nil {
		return &ConfigurationError{Field: "percentage_required", Reason: "required for percentage and hybrid rules"}
	}
	if *required < 0 || *required > 100 {
		return &ConfigurationError{Field: "percentage_required", Reason: fmt.Sprintf("must be between 0 and 100, got %d", *required)}
	}
	return nil
}

func validateSteps(steps []Step) error {
	seen := make(map[int64]bool, len(steps))
	for _, s := range steps {
		if s.Sequence < 1 {
			return &ConfigurationError{Field: "steps", Reason: fmt.Sprintf("sequence must be >= 1, got %d", s.Sequence)}
		}
		if s.ApproverID <= 0 {
			return &ConfigurationError{Field: "steps", Reason: "approver id is required"}
		}
		if seen[s.ApproverID] {
			return &ConfigurationError{Field: "steps", Reason: fmt.Sprintf("approver %d listed twice", s.ApproverID)}
		}
		seen[s.ApproverID] = true
	}
	return nil
}

// StepsFromApprovers numbers approvers 1..n in the order given, skipping zero ids
func StepsFromApprovers(approverIDs []int64) []Step {
	steps := make([]Step, 0, len(approverIDs))
	for _, id := range approverIDs {
		if id == 0 {
			continue
		}
		steps = append(steps, Step{ApproverID: id, Sequence: len(steps) + 1})
	}
	return steps
}

func sortedSteps(steps []Step) []Step {
	out := append([]Step(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
