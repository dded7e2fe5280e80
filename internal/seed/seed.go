// Package seed loads a company directory and its approval rules from YAML.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/application/service"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"gopkg.in/yaml.v3"
)

// ErrAlreadySeeded is returned when a user in the fixture already exists
var ErrAlreadySeeded = errors.New("fixture already loaded")

// File is the root of a seed document
type File struct {
	Companies []Company `yaml:"companies"`
}

// Company lists a tenant with its users and rules. Rules are created in order,
// so the last one ends up active.
type Company struct {
	Name     string `yaml:"name"`
	Country  string `yaml:"country"`
	Currency string `yaml:"currency"`
	Users    []User `yaml:"users"`
	Rules    []Rule `yaml:"rules"`
}

// User refers to its manager by email; the manager must be listed earlier
type User struct {
	Name    string `yaml:"name"`
	Email   string `yaml:"email"`
	Role    string `yaml:"role"`
	Manager string `yaml:"manager"`
}

// Rule refers to approvers by email
type Rule struct {
	Name               string   `yaml:"name"`
	Type               string   `yaml:"type"`
	ManagerFirst       bool     `yaml:"manager_first"`
	PercentageRequired *int     `yaml:"percentage_required"`
	SpecificApprover   string   `yaml:"specific_approver"`
	Approvers          []string `yaml:"approvers"`
}

// Parse decodes a seed document, rejecting unknown keys
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &f, nil
}

// Summary counts what Load created
type Summary struct {
	Companies int
	Users     int
	Rules     int
}

// Loader writes a seed File through the repositories and the rule service
type Loader struct {
	companyRepo port.CompanyRepository
	userRepo    port.UserRepository
	rules       service.RuleService
	txManager   port.TransactionManager
	now         func() time.Time
}

// NewLoader creates a Loader
func NewLoader(
	companyRepo port.CompanyRepository,
	userRepo port.UserRepository,
	rules service.RuleService,
	txManager port.TransactionManager,
) *Loader {
	return &Loader{
		companyRepo: companyRepo,
		userRepo:    userRepo,
		rules:       rules,
		txManager:   txManager,
		now:         time.Now,
	}
}

// Load creates everything in f inside one transaction
func (l *Loader) Load(ctx context.Context, f *File) (*Summary, error) {
	sum := &Summary{}
	err := l.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		for _, c := range f.Companies {
			if err := l.loadCompany(txCtx, c, sum); err != nil {
				return fmt.Errorf("company %q: %w", c.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

func (l *Loader) loadCompany(ctx context.Context, c Company, sum *Summary) error {
	company := &entity.Company{
		Name:      c.Name,
		Country:   c.Country,
		Currency:  strings.ToUpper(c.Currency),
		CreatedAt: l.now(),
	}
	if company.Name == "" || len(company.Currency) != 3 {
		return fmt.Errorf("name and a 3-letter currency are required")
	}
	if err := l.companyRepo.Create(ctx, company); err != nil {
		return err
	}
	sum.Companies++

	ids := make(map[string]int64, len(c.Users))
	for _, u := range c.Users {
		user, err := l.buildUser(ctx, company.ID, u, ids)
		if err != nil {
			return fmt.Errorf("user %q: %w", u.Email, err)
		}
		if err := l.userRepo.Create(ctx, user); err != nil {
			return fmt.Errorf("user %q: %w", u.Email, err)
		}
		ids[user.Email] = user.ID
		sum.Users++
	}

	for _, r := range c.Rules {
		in, err := ruleInput(company.ID, r, ids)
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if _, err := l.rules.CreateRule(ctx, in); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		sum.Rules++
	}
	return nil
}

func (l *Loader) buildUser(ctx context.Context, companyID int64, u User, ids map[string]int64) (*entity.User, error) {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	switch _, err := l.userRepo.GetByEmail(ctx, email); {
	case err == nil:
		return nil, ErrAlreadySeeded
	case !errors.Is(err, port.ErrNotFound):
		return nil, err
	}

	role := strings.ToLower(u.Role)
	switch role {
	case entity.RoleAdmin, entity.RoleManager, entity.RoleEmployee:
	default:
		return nil, fmt.Errorf("unknown role %q", u.Role)
	}

	user := &entity.User{
		CompanyID: companyID,
		Email:     email,
		FullName:  u.Name,
		Role:      role,
		CreatedAt: l.now(),
	}
	if u.Manager != "" {
		id, ok := ids[strings.ToLower(u.Manager)]
		if !ok {
			return nil, fmt.Errorf("manager %q must be listed before this user", u.Manager)
		}
		user.ManagerID = &id
	}
	return user, nil
}

func ruleInput(companyID int64, r Rule, ids map[string]int64) (service.CreateRuleInput, error) {
	in := service.CreateRuleInput{
		CompanyID:          companyID,
		Name:               r.Name,
		RuleType:           strings.ToLower(r.Type),
		ManagerFirst:       r.ManagerFirst,
		PercentageRequired: r.PercentageRequired,
	}
	if in.Name == "" {
		in.Name = in.RuleType + " rule"
	}

	for _, email := range r.Approvers {
		id, ok := ids[strings.ToLower(email)]
		if !ok {
			return in, fmt.Errorf("unknown approver %q", email)
		}
		in.ApproverIDs = append(in.ApproverIDs, id)
	}
	if r.SpecificApprover != "" {
		id, ok := ids[strings.ToLower(r.SpecificApprover)]
		if !ok {
			return in, fmt.Errorf("unknown specific approver %q", r.SpecificApprover)
		}
		in.SpecificApproverID = &id
	}
	return in, nil
}
