package service

import (
	"context"
	"testing"

	"github.com/garyjia/expense-approval/internal/domain/approval"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleService_CreateRule(t *testing.T) {
	f := newFixture()
	a := f.user("a", entity.RoleManager, nil)
	b := f.user("b", entity.RoleAdmin, nil)
	ctx := context.Background()

	first, err := f.rules.CreateRule(ctx, CreateRuleInput{
		CompanyID:   f.company.ID,
		Name:        "chain",
		RuleType:    "sequential",
		ApproverIDs: []int64{a.ID, b.ID},
	})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.Equal(t, approval.KindSequential, first.Kind())
	assert.Equal(t, []approval.Step{{ApproverID: a.ID, Sequence: 1}, {ApproverID: b.ID, Sequence: 2}}, first.Steps())

	second, err := f.rules.CreateRule(ctx, CreateRuleInput{
		CompanyID:          f.company.ID,
		Name:               "hybrid",
		RuleType:           "hybrid",
		ManagerFirst:       true,
		PercentageRequired: intPtr(50),
		SpecificApproverID: &b.ID,
		ApproverIDs:        []int64{a.ID},
	})
	require.NoError(t, err)

	active, err := f.rules.ActiveRule(ctx, f.company.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.True(t, active.ManagerFirst)
	require.NotNil(t, active.PercentageRequired())
	assert.Equal(t, 50, *active.PercentageRequired())

	rules, err := f.rules.ListRules(ctx, f.company.ID)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	activeCount := 0
	for _, r := range rules {
		if r.Active {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestRuleService_CreateRule_Rejected(t *testing.T) {
	f := newFixture()
	a := f.user("a", entity.RoleManager, nil)
	emp := f.user("emp", entity.RoleEmployee, nil)
	other := f.store.addCompany(entity.Company{Name: "Other", Currency: "EUR"})
	outsider := f.store.addUser(entity.User{CompanyID: other.ID, FullName: "x", Email: "x@other.test", Role: entity.RoleAdmin})

	tests := []struct {
		name       string
		in         CreateRuleInput
		validation bool
		field      string
	}{
		{
			name:       "unknown rule type",
			in:         CreateRuleInput{CompanyID: f.company.ID, Name: "r", RuleType: "majority", ApproverIDs: []int64{a.ID}},
			validation: true,
		},
		{
			name:       "percentage above 100",
			in:         CreateRuleInput{CompanyID: f.company.ID, Name: "r", RuleType: "percentage", PercentageRequired: intPtr(120), ApproverIDs: []int64{a.ID}},
			validation: true,
		},
		{
			name:  "percentage without threshold",
			in:    CreateRuleInput{CompanyID: f.company.ID, Name: "r", RuleType: "percentage", ApproverIDs: []int64{a.ID}},
			field: "percentage_required",
		},
		{
			name:  "specific without approver",
			in:    CreateRuleInput{CompanyID: f.company.ID, Name: "r", RuleType: "specific"},
			field: "specific_approver_id",
		},
		{
			name:  "sequential without steps",
			in:    CreateRuleInput{CompanyID: f.company.ID, Name: "r", RuleType: "sequential"},
			field: "steps",
		},
		{
			name:  "duplicate approver",
			in:    CreateRuleInput{CompanyID: f.company.ID, Name: "r", RuleType: "sequential", ApproverIDs: []int64{a.ID, a.ID}},
			field: "steps",
		},
		{
			name:  "approver from another company",
			in:    CreateRuleInput{CompanyID: f.company.ID, Name: "r", RuleType: "specific", SpecificApproverID: &outsider.ID},
			field: "approver",
		},
		{
			name:  "employee cannot approve",
			in:    CreateRuleInput{CompanyID: f.company.ID, Name: "r", RuleType: "sequential", ApproverIDs: []int64{emp.ID}},
			field: "approver",
		},
		{
			name:  "unknown approver",
			in:    CreateRuleInput{CompanyID: f.company.ID, Name: "r", RuleType: "sequential", ApproverIDs: []int64{9999}},
			field: "approver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.rules.CreateRule(context.Background(), tt.in)
			require.Error(t, err)

			if tt.validation {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			assert.ErrorIs(t, err, approval.ErrConfiguration)
			var cfgErr *approval.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	_, err := f.rules.ActiveRule(context.Background(), f.company.ID)
	assert.Error(t, err, "no rule should have been stored")
}
