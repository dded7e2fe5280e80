package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	evt := NewEvent(TypeExpenseSubmitted, 7, 1, map[string]interface{}{KeyEmployeeID: int64(3)})

	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, evt.ID, evt.CorrelationID)
	assert.Equal(t, TypeExpenseSubmitted, evt.Type)
	assert.Equal(t, int64(7), evt.ExpenseID)
	assert.Equal(t, int64(1), evt.CompanyID)
	assert.False(t, evt.OccurredAt.IsZero())

	other := NewEvent(TypeExpenseSubmitted, 7, 1, nil)
	assert.NotEqual(t, evt.ID, other.ID)
	assert.NotNil(t, other.Payload)
}

func TestEvent_Follows(t *testing.T) {
	decided := NewEvent(TypeApprovalDecided, 7, 1, nil)
	notify := NewEvent(TypeApproverNotify, 7, 1, nil).Follows(decided)

	assert.Equal(t, decided.CorrelationID, notify.CorrelationID)
	assert.NotEqual(t, decided.ID, notify.ID)

	orphan := NewEvent(TypeApproverNotify, 7, 1, nil).Follows(nil)
	assert.Equal(t, orphan.ID, orphan.CorrelationID)
}

func TestEvent_Int64(t *testing.T) {
	evt := NewEvent(TypeApproverNotify, 7, 1, map[string]interface{}{
		KeyApprovalID:   int64(11),
		KeyStepSequence: 2,
		KeyStatus:       "PENDING",
	})

	assert.Equal(t, int64(11), evt.Int64(KeyApprovalID))
	assert.Equal(t, int64(2), evt.Int64(KeyStepSequence))
	assert.Zero(t, evt.Int64(KeyStatus))
	assert.Zero(t, evt.Int64("missing"))

	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, int64(11), decoded.Int64(KeyApprovalID))
	assert.Equal(t, evt.CorrelationID, decoded.CorrelationID)
}
