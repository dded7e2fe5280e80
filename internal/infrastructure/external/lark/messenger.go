package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/garyjia/expense-approval/internal/application/port"
	"go.uber.org/zap"
)

// ChannelName identifies Lark in notification records
const ChannelName = "lark"

// Messenger implements port.Notifier by sending a Lark post to the approver,
// addressed by email
type Messenger struct {
	sender messageSender
	logger *zap.Logger
}

// NewMessenger creates a new Lark approval notifier
func NewMessenger(sdkClient *SDKClient, logger *zap.Logger) *Messenger {
	return newMessenger(NewMessageAPI(sdkClient, logger), logger)
}

func newMessenger(sender messageSender, logger *zap.Logger) *Messenger {
	return &Messenger{
		sender: sender,
		logger: logger,
	}
}

// Channel implements port.Notifier
func (m *Messenger) Channel() string {
	return ChannelName
}

// Notify implements port.Notifier
func (m *Messenger) Notify(ctx context.Context, notice port.ApprovalNotice) error {
	if notice.ApproverEmail == "" {
		return fmt.Errorf("approver %d has no email", notice.ApproverID)
	}

	content, err := postContent(notice)
	if err != nil {
		return err
	}

	messageID, err := m.sender.SendMessage(ctx, "email", notice.ApproverEmail, "post", content)
	if err != nil {
		return fmt.Errorf("failed to send approval notice: %w", err)
	}

	m.logger.Info("Approval notice sent",
		zap.String("message_id", messageID),
		zap.Int64("expense_id", notice.ExpenseID),
		zap.Int64("approval_id", notice.ApprovalID))
	return nil
}

type postElement struct {
	Tag  string `json:"tag"`
	Text string `json:"text"`
}

type postBody struct {
	Title   string          `json:"title"`
	Content [][]postElement `json:"content"`
}

// postContent renders the notice as Lark rich text. Each inner slice is one paragraph.
func postContent(notice port.ApprovalNotice) (string, error) {
	greeting := "Hello,"
	if notice.ApproverName != "" {
		greeting = fmt.Sprintf("Hello %s,", notice.ApproverName)
	}

	submitted := "A new expense has been submitted and requires your approval:"
	if notice.EmployeeName != "" {
		submitted = fmt.Sprintf("%s submitted an expense that requires your approval:", notice.EmployeeName)
	}

	lines := []string{
		greeting,
		submitted,
		fmt.Sprintf("Expense ID: #%d", notice.ExpenseID),
		fmt.Sprintf("Amount: %s %s", notice.Currency, strconv.FormatFloat(notice.Amount, 'f', 2, 64)),
	}
	if notice.Category != "" {
		lines = append(lines, "Category: "+notice.Category)
	}
	if notice.Description != "" {
		lines = append(lines, "Description: "+notice.Description)
	}
	lines = append(lines, "Please review and approve or reject this expense.")

	paragraphs := make([][]postElement, 0, len(lines))
	for _, line := range lines {
		paragraphs = append(paragraphs, []postElement{{Tag: "text", Text: line}})
	}

	content, err := json.Marshal(map[string]postBody{
		"en_us": {Title: "New Expense Awaiting Your Approval", Content: paragraphs},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal post content: %w", err)
	}
	return string(content), nil
}

// Verify interface compliance
var _ port.Notifier = (*Messenger)(nil)
