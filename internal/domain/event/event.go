package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is raised by the expense workflow after a transaction commits.
// Every event caused by one submission or one decision shares a CorrelationID.
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	ExpenseID     int64                  `json:"expense_id"`
	CompanyID     int64                  `json:"company_id"`
	Payload       map[string]interface{} `json:"payload"`
	OccurredAt    time.Time              `json:"occurred_at"`
	CorrelationID string                 `json:"correlation_id"`
}

// NewEvent starts a new correlation chain
func NewEvent(eventType Type, expenseID, companyID int64, payload map[string]interface{}) *Event {
	id := uuid.NewString()
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Event{
		ID:            id,
		Type:          eventType,
		ExpenseID:     expenseID,
		CompanyID:     companyID,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: id,
	}
}

// Follows puts e on parent's correlation chain
func (e *Event) Follows(parent *Event) *Event {
	if parent != nil {
		e.CorrelationID = parent.CorrelationID
	}
	return e
}

// Int64 reads a numeric payload value. Values that went through JSON arrive
// as float64; anything non-numeric reads as 0.
func (e *Event) Int64(key string) int64 {
	switch v := e.Payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
