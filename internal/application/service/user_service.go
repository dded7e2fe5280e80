package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

var (
	// ErrForbidden is returned when the acting user's role does not allow the operation
	ErrForbidden = errors.New("forbidden")

	// ErrEmailTaken is returned when a new user reuses an existing email
	ErrEmailTaken = errors.New("email already registered")
)

// maxManagerDepth bounds the walk up a reporting chain
const maxManagerDepth = 64

// CreateUserInput is an admin adding a person to their company
type CreateUserInput struct {
	AdminID   int64  `json:"admin_id" validate:"required,gt=0"`
	Email     string `json:"email" validate:"required,email,max=254"`
	FullName  string `json:"full_name" validate:"required,max=200"`
	Role      string `json:"role" validate:"required,oneof=admin manager employee"`
	ManagerID *int64 `json:"manager_id" validate:"omitempty,gt=0"`
}

// UpdateUserInput replaces a user's name, role and manager link.
// A nil ManagerID clears the link.
type UpdateUserInput struct {
	AdminID   int64  `json:"admin_id" validate:"required,gt=0"`
	UserID    int64  `json:"-" validate:"required,gt=0"`
	FullName  string `json:"full_name" validate:"required,max=200"`
	Role      string `json:"role" validate:"required,oneof=admin manager employee"`
	ManagerID *int64 `json:"manager_id" validate:"omitempty,gt=0"`
}

// UserService manages the company directory
type UserService interface {
	CreateUser(ctx context.Context, in CreateUserInput) (*entity.User, error)
	UpdateUser(ctx context.Context, in UpdateUserInput) (*entity.User, error)
	GetUser(ctx context.Context, id int64) (*entity.User, error)
	ListUsers(ctx context.Context, companyID int64) ([]*entity.User, error)
}

type userServiceImpl struct {
	userRepo  port.UserRepository
	txManager port.TransactionManager
	logger    Logger
	now       Clock
}

// NewUserService creates a new UserService
func NewUserService(userRepo port.UserRepository, txManager port.TransactionManager, logger Logger) UserService {
	return &userServiceImpl{
		userRepo:  userRepo,
		txManager: txManager,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateUser adds a user to the admin's company
func (s *userServiceImpl) CreateUser(ctx context.Context, in CreateUserInput) (*entity.User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.FullName = strings.TrimSpace(in.FullName)
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	admin, err := s.admin(ctx, in.AdminID)
	if err != nil {
		return nil, err
	}

	user := &entity.User{
		CompanyID: admin.CompanyID,
		Email:     in.Email,
		FullName:  in.FullName,
		Role:      in.Role,
		ManagerID: in.ManagerID,
		CreatedAt: s.now(),
	}

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		_, err := s.userRepo.GetByEmail(txCtx, in.Email)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrEmailTaken, in.Email)
		case !errors.Is(err, port.ErrNotFound):
			return fmt.Errorf("get user by email: %w", err)
		}

		if user.ManagerID != nil {
			if err := s.checkManager(txCtx, admin.CompanyID, 0, *user.ManagerID); err != nil {
				return err
			}
		}
		if err := s.userRepo.Create(txCtx, user); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("User created",
		"user_id", user.ID,
		"company_id", user.CompanyID,
		"role", user.Role,
		"created_by", admin.ID,
	)
	return user, nil
}

// UpdateUser changes a user of the admin's company
func (s *userServiceImpl) UpdateUser(ctx context.Context, in UpdateUserInput) (*entity.User, error) {
	in.FullName = strings.TrimSpace(in.FullName)
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	admin, err := s.admin(ctx, in.AdminID)
	if err != nil {
		return nil, err
	}

	var user *entity.User
	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		user, err = s.userRepo.GetByID(txCtx, in.UserID)
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		// Users of other companies are invisible to this admin
		if user.CompanyID != admin.CompanyID {
			return fmt.Errorf("user %d: %w", in.UserID, port.ErrNotFound)
		}

		if in.ManagerID != nil {
			if err := s.checkManager(txCtx, admin.CompanyID, user.ID, *in.ManagerID); err != nil {
				return err
			}
		}

		user.FullName = in.FullName
		user.Role = in.Role
		user.ManagerID = in.ManagerID
		if err := s.userRepo.Update(txCtx, user); err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("User updated",
		"user_id", user.ID,
		"role", user.Role,
		"updated_by", admin.ID,
	)
	return user, nil
}

// GetUser returns one user
func (s *userServiceImpl) GetUser(ctx context.Context, id int64) (*entity.User, error) {
	user, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// ListUsers returns the company directory ordered by id
func (s *userServiceImpl) ListUsers(ctx context.Context, companyID int64) ([]*entity.User, error) {
	users, err := s.userRepo.ListByCompany(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (s *userServiceImpl) admin(ctx context.Context, id int64) (*entity.User, error) {
	admin, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get admin: %w", err)
	}
	if admin.Role != entity.RoleAdmin {
		return nil, fmt.Errorf("%w: user %d is %s, not admin", ErrForbidden, id, admin.Role)
	}
	return admin, nil
}

// checkManager verifies managerID can manage userID. userID is 0 for a user
// that does not exist yet.
func (s *userServiceImpl) checkManager(ctx context.Context, companyID, userID, managerID int64) error {
	if managerID == userID {
		return fmt.Errorf("%w: user cannot be their own manager", ErrValidation)
	}

	manager, err := s.userRepo.GetByID(ctx, managerID)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return fmt.Errorf("%w: manager %d does not exist", ErrValidation, managerID)
		}
		return fmt.Errorf("get manager: %w", err)
	}
	if manager.CompanyID != companyID {
		return fmt.Errorf("%w: manager %d belongs to another company", ErrValidation, managerID)
	}
	if !manager.CanApprove() {
		return fmt.Errorf("%w: manager %d has role %s", ErrValidation, managerID, manager.Role)
	}
	if userID == 0 {
		return nil
	}

	// Walk up from the new manager; meeting the user again means a cycle
	next := manager.ManagerID
	for depth := 0; next != nil && depth < maxManagerDepth; depth++ {
		if *next == userID {
			return fmt.Errorf("%w: manager %d reports to user %d", ErrValidation, managerID, userID)
		}
		up, err := s.userRepo.GetByID(ctx, *next)
		if err != nil {
			if errors.Is(err, port.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("get manager chain: %w", err)
		}
		next = up.ManagerID
	}
	return nil
}
