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

// CompanyRepository implements port.CompanyRepository
type CompanyRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCompanyRepository creates a new company repository
func NewCompanyRepository(db *sql.DB, logger *zap.Logger) port.CompanyRepository {
	return &CompanyRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a company
func (r *CompanyRepository) Create(ctx context.Context, company *entity.Company) error {
	query := `
		INSERT INTO companies (name, country, currency, created_at)
		VALUES (?, ?, ?, ?)
	`

	if company.CreatedAt.IsZero() {
		company.CreatedAt = time.Now()
	}

	result, err := r.getExecutor(ctx).ExecContext(ctx, query,
		company.Name,
		company.Country,
		company.Currency,
		company.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create company",
			zap.String("name", company.Name),
			zap.Error(err))
		return fmt.Errorf("failed to create company: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	company.ID = id
	return nil
}

// GetByID retrieves a company by its ID
func (r *CompanyRepository) GetByID(ctx context.Context, id int64) (*entity.Company, error) {
	query := `
		SELECT id, name, country, currency, created_at
		FROM companies
		WHERE id = ?
	`

	var c entity.Company
	err := r.getExecutor(ctx).QueryRowContext(ctx, query, id).Scan(
		&c.ID,
		&c.Name,
		&c.Country,
		&c.Currency,
		&c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("company %d: %w", id, port.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get company", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get company: %w", err)
	}

	return &c, nil
}

// List returns every company ordered by id
func (r *CompanyRepository) List(ctx context.Context) ([]*entity.Company, error) {
	query := `
		SELECT id, name, country, currency, created_at
		FROM companies
		ORDER BY id
	`

	rows, err := r.getExecutor(ctx).QueryContext(ctx, query)
	if err != nil {
		r.logger.Error("Failed to list companies", zap.Error(err))
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	defer rows.Close()

	var companies []*entity.Company
	for rows.Next() {
		var c entity.Company
		if err := rows.Scan(&c.ID, &c.Name, &c.Country, &c.Currency, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan company: %w", err)
		}
		companies = append(companies, &c)
	}

	return companies, rows.Err()
}

func (r *CompanyRepository) getExecutor(ctx context.Context) sqlite.Executor {
	return sqlite.Conn(ctx, r.db)
}

// Verify interface compliance
var _ port.CompanyRepository = (*CompanyRepository)(nil)
