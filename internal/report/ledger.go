// Package report renders company expense ledgers as Excel workbooks.
package report

import (
	"fmt"
	"time"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	expensesSheet  = "Expenses"
	approvalsSheet = "Approvals"
	dateLayout     = "2006-01-02"
	timeLayout     = "2006-01-02 15:04"
)

var (
	expenseHeaders = []interface{}{
		"Expense ID", "Employee", "Category", "Description", "Vendor", "Expense Date",
		"Amount", "Currency", "Amount (company)", "Status", "Submitted At", "Decided At",
	}
	approvalHeaders = []interface{}{
		"Expense ID", "Approver", "Origin", "Step", "Status", "Comments", "Decided At",
	}
)

// LedgerExporter implements port.LedgerWriter with two sheets: one row per
// expense, and one row per approval task.
type LedgerExporter struct {
	logger *zap.Logger
}

// NewLedgerExporter creates a LedgerExporter
func NewLedgerExporter(logger *zap.Logger) *LedgerExporter {
	return &LedgerExporter{logger: logger}
}

// Write implements port.LedgerWriter
func (e *LedgerExporter) Write(company *entity.Company, entries []port.LedgerEntry) ([]byte, error) {
	file := excelize.NewFile()
	defer func() {
		if err := file.Close(); err != nil {
			e.logger.Warn("Failed to close workbook", zap.Error(err))
		}
	}()

	if err := file.SetSheetName("Sheet1", expensesSheet); err != nil {
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := file.NewSheet(approvalsSheet); err != nil {
		return nil, fmt.Errorf("failed to add sheet: %w", err)
	}

	header, err := file.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	amountLabel := fmt.Sprintf("Amount (%s)", company.Currency)
	headers := append([]interface{}(nil), expenseHeaders...)
	headers[8] = amountLabel

	if err := writeHeader(file, expensesSheet, headers, header); err != nil {
		return nil, err
	}
	if err := writeHeader(file, approvalsSheet, approvalHeaders, header); err != nil {
		return nil, err
	}

	expenseRow, approvalRow := 2, 2
	for _, entry := range entries {
		if err := setRow(file, expensesSheet, expenseRow, expenseValues(entry)); err != nil {
			return nil, err
		}
		expenseRow++

		for _, a := range entry.Approvals {
			if err := setRow(file, approvalsSheet, approvalRow, approvalValues(entry, a)); err != nil {
				return nil, err
			}
			approvalRow++
		}
	}

	buf, err := file.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}

	e.logger.Debug("Ledger rendered",
		zap.Int64("company_id", company.ID),
		zap.Int("expense_rows", expenseRow-2),
		zap.Int("approval_rows", approvalRow-2))
	return buf.Bytes(), nil
}

func writeHeader(file *excelize.File, sheet string, headers []interface{}, style int) error {
	if err := setRow(file, sheet, 1, headers); err != nil {
		return err
	}

	last, err := excelize.CoordinatesToCellName(len(headers), 1)
	if err != nil {
		return err
	}
	if err := file.SetCellStyle(sheet, "A1", last, style); err != nil {
		return fmt.Errorf("failed to style %s header: %w", sheet, err)
	}

	lastCol, _, err := excelize.SplitCellName(last)
	if err != nil {
		return err
	}
	if err := file.SetColWidth(sheet, "A", lastCol, 16); err != nil {
		return fmt.Errorf("failed to size %s columns: %w", sheet, err)
	}

	// keep the header visible while scrolling
	return file.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func setRow(file *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := file.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to set %s row %d: %w", sheet, row, err)
	}
	return nil
}

func expenseValues(entry port.LedgerEntry) []interface{} {
	exp := entry.Expense
	return []interface{}{
		exp.ID,
		entry.EmployeeName,
		exp.Category,
		exp.Description,
		exp.VendorName,
		exp.ExpenseDate.Format(dateLayout),
		exp.Amount,
		exp.Currency,
		exp.AmountInCompanyCurrency,
		exp.Status,
		exp.SubmittedAt.Format(timeLayout),
		formatOptional(exp.FinalDecisionAt),
	}
}

func approvalValues(entry port.LedgerEntry, a *entity.ExpenseApproval) []interface{} {
	name := entry.ApproverNames[a.ApproverID]
	if name == "" {
		name = fmt.Sprintf("#%d", a.ApproverID)
	}
	return []interface{}{
		a.ExpenseID,
		name,
		a.Origin,
		a.StepSequence,
		a.Status,
		a.Comments,
		formatOptional(a.DecisionAt),
	}
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(timeLayout)
}

var _ port.LedgerWriter = (*LedgerExporter)(nil)
