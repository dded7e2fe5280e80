package service

import (
	"context"
	"fmt"
	"time"

	"github.com/garyjia/expense-approval/internal/application/port"
)

// ReportService builds expense ledgers for finance
type ReportService interface {
	// BuildLedger renders every expense of the company with its approval trail
	BuildLedger(ctx context.Context, companyID int64) ([]byte, error)

	// ArchiveLedger builds the ledger and saves it to file storage, returning the full path
	ArchiveLedger(ctx context.Context, companyID int64) (string, error)
}

type reportServiceImpl struct {
	companyRepo  port.CompanyRepository
	userRepo     port.UserRepository
	expenseRepo  port.ExpenseRepository
	approvalRepo port.ApprovalRepository
	writer       port.LedgerWriter
	storage      port.FileStorage
	logger       Logger
	now          Clock
}

// NewReportService creates a new ReportService. storage may be nil when
// archiving is not needed.
func NewReportService(
	companyRepo port.CompanyRepository,
	userRepo port.UserRepository,
	expenseRepo port.ExpenseRepository,
	approvalRepo port.ApprovalRepository,
	writer port.LedgerWriter,
	storage port.FileStorage,
	logger Logger,
) ReportService {
	return &reportServiceImpl{
		companyRepo:  companyRepo,
		userRepo:     userRepo,
		expenseRepo:  expenseRepo,
		approvalRepo: approvalRepo,
		writer:       writer,
		storage:      storage,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *reportServiceImpl) BuildLedger(ctx context.Context, companyID int64) ([]byte, error) {
	company, err := s.companyRepo.GetByID(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}

	users, err := s.userRepo.ListByCompany(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	names := make(map[int64]string, len(users))
	for _, u := range users {
		names[u.ID] = u.FullName
	}

	expenses, err := s.expenseRepo.ListByCompany(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}

	entries := make([]port.LedgerEntry, 0, len(expenses))
	for _, e := range expenses {
		approvals, err := s.approvalRepo.ListByExpense(ctx, e.ID)
		if err != nil {
			return nil, fmt.Errorf("list approvals for expense %d: %w", e.ID, err)
		}
		entries = append(entries, port.LedgerEntry{
			Expense:       e,
			EmployeeName:  names[e.EmployeeID],
			Approvals:     approvals,
			ApproverNames: names,
		})
	}

	content, err := s.writer.Write(company, entries)
	if err != nil {
		s.logger.Error("Failed to render ledger", "error", err, "company_id", companyID)
		return nil, fmt.Errorf("render ledger: %w", err)
	}

	s.logger.Info("Ledger built", "company_id", companyID, "expense_count", len(entries), "size", len(content))
	return content, nil
}

func (s *reportServiceImpl) ArchiveLedger(ctx context.Context, companyID int64) (string, error) {
	if s.storage == nil {
		return "", fmt.Errorf("ledger archive storage is not configured")
	}

	content, err := s.BuildLedger(ctx, companyID)
	if err != nil {
		return "", err
	}

	path := LedgerFileName(companyID, s.now())
	if err := s.storage.Save(ctx, path, content); err != nil {
		return "", fmt.Errorf("save ledger: %w", err)
	}

	full := s.storage.GetFullPath(path)
	s.logger.Info("Ledger archived", "company_id", companyID, "path", full)
	return full, nil
}

// LedgerFileName is the relative archive path for a company ledger taken at t
func LedgerFileName(companyID int64, t time.Time) string {
	return fmt.Sprintf("company-%d/ledger-%s.xlsx", companyID, t.UTC().Format("20060102-150405"))
}
