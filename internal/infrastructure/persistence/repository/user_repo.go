package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/garyjia/expense-approval/internal/infrastructure/persistence/sqlite"
	"go.uber.org/zap"
)

// UserRepository implements port.UserRepository
type UserRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *sql.DB, logger *zap.Logger) port.UserRepository {
	return &UserRepository{
		db:     db,
		logger: logger,
	}
}

const userColumns = `id, company_id, email, full_name, role, manager_id, created_at`

// Create inserts a user
func (r *UserRepository) Create(ctx context.Context, user *entity.User) error {
	query := `
		INSERT INTO users (company_id, email, full_name, role, manager_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		user.CompanyID,
		user.Email,
		user.FullName,
		user.Role,
		nullInt64Of(user.ManagerID),
		user.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create user",
			zap.String("email", user.Email),
			zap.Int64("company_id", user.CompanyID),
			zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	user.ID = id
	return nil
}

// GetByID retrieves a user by its ID
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*entity.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`

	user, err := scanUser(r.getExecutor(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, port.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get user", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetByEmail retrieves a user by email
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = ?`

	user, err := scanUser(r.getExecutor(ctx).QueryRowContext(ctx, query, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", email, port.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get user by email", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// Update writes the mutable fields of a user
func (r *UserRepository) Update(ctx context.Context, user *entity.User) error {
	query := `
		UPDATE users
		SET full_name = ?, role = ?, manager_id = ?
		WHERE id = ?
	`

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		user.FullName,
		user.Role,
		nullInt64Of(user.ManagerID),
		user.ID,
	)
	if err != nil {
		r.logger.Error("Failed to update user", zap.Int64("id", user.ID), zap.Error(err))
		return fmt.Errorf("failed to update user: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %d: %w", user.ID, port.ErrNotFound)
	}
	return nil
}

// ListByCompany returns the company's users ordered by id
func (r *UserRepository) ListByCompany(ctx context.Context, companyID int64) ([]*entity.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE company_id = ? ORDER BY id`
	return r.list(ctx, query, companyID)
}

// ListByManager returns direct reports ordered by id
func (r *UserRepository) ListByManager(ctx context.Context, managerID int64) ([]*entity.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE manager_id = ? ORDER BY id`
	return r.list(ctx, query, managerID)
}

func (r *UserRepository) list(ctx context.Context, query string, arg int64) ([]*entity.User, error) {
	rows, err := r.getExecutor(ctx).QueryContext(ctx, query, arg)
	if err != nil {
		r.logger.Error("Failed to list users", zap.Int64("filter", arg), zap.Error(err))
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*entity.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func scanUser(row scanner) (*entity.User, error) {
	var u entity.User
	var managerID sql.NullInt64
	if err := row.Scan(&u.ID, &u.CompanyID, &u.Email, &u.FullName, &u.Role, &managerID, &u.CreatedAt); err != nil {
		return nil, err
	}
	if managerID.Valid {
		u.ManagerID = &managerID.Int64
	}
	return &u, nil
}

func (r *UserRepository) getExecutor(ctx context.Context) sqlite.Executor {
	return sqlite.Conn(ctx, r.db)
}

// Verify interface compliance
var _ port.UserRepository = (*UserRepository)(nil)
