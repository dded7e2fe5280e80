package approval

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is the root of all rule configuration errors
	ErrConfiguration = errors.New("invalid approval rule configuration")

	// ErrInvalidDecision is the root of all rejected decisions. No state changes when it is returned.
	ErrInvalidDecision = errors.New("invalid decision")

	ErrApprovalNotFound   = fmt.Errorf("%w: approval does not belong to this expense", ErrInvalidDecision)
	ErrUnknownAction      = fmt.Errorf("%w: action must be approve or reject", ErrInvalidDecision)
	ErrNotTaskApprover    = fmt.Errorf("%w: user is not the assigned approver", ErrInvalidDecision)
	ErrTaskAlreadyDecided = fmt.Errorf("%w: approval already decided", ErrInvalidDecision)
	ErrExpenseClosed      = fmt.Errorf("%w: expense already has a final decision", ErrInvalidDecision)
)

// ConfigurationError names the offending rule field
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}
