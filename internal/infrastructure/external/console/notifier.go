// Package console provides a notifier that only writes approval notices to
// the log. It is used when no messaging platform is configured.
package console

import (
	"context"

	"github.com/garyjia/expense-approval/internal/application/port"
	"go.uber.org/zap"
)

// ChannelName identifies log-only delivery in notification records
const ChannelName = "log"

// Notifier implements port.Notifier
type Notifier struct {
	logger *zap.Logger
}

// NewNotifier creates a log-only notifier
func NewNotifier(logger *zap.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// Channel implements port.Notifier
func (n *Notifier) Channel() string {
	return ChannelName
}

// Notify implements port.Notifier; it never fails
func (n *Notifier) Notify(ctx context.Context, notice port.ApprovalNotice) error {
	n.logger.Info("Approval notice",
		zap.Int64("approval_id", notice.ApprovalID),
		zap.Int64("expense_id", notice.ExpenseID),
		zap.String("recipient", notice.ApproverEmail),
		zap.String("employee", notice.EmployeeName),
		zap.Float64("amount", notice.Amount),
		zap.String("currency", notice.Currency))
	return nil
}

var _ port.Notifier = (*Notifier)(nil)
