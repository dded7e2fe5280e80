package entity

import "time"

// ApprovalNotification records one attempt to tell an approver that an expense awaits them
type ApprovalNotification struct {
	ID           int64      `json:"id"`
	ExpenseID    int64      `json:"expense_id"`
	ApprovalID   int64      `json:"approval_id"`
	ApproverID   int64      `json:"approver_id"`
	Recipient    string     `json:"recipient"`
	Channel      string     `json:"channel"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Attempts     int        `json:"attempts"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Notification status constants
const (
	NotificationStatusPending = "PENDING"
	NotificationStatusSent    = "SENT"
	NotificationStatusFailed  = "FAILED"
	// NotificationStatusSkipped closes a failed row whose task no longer needs the approver
	NotificationStatusSkipped = "SKIPPED"
)
