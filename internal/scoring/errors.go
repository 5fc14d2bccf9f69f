package scoring

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorTag classifies a failed step for aggregate error-rate monitoring.
type ErrorTag string

// Failure taxonomy. Tags ride on StepError so monitoring can count failure
// modes instead of parsing message text.
const (
	TagNetworkTimeout ErrorTag = "network_timeout"
	TagAIAPIError     ErrorTag = "ai_api_error"
	TagBrowserCrash   ErrorTag = "browser_crash"
	TagDatabaseError  ErrorTag = "database_error"
	TagParsingError   ErrorTag = "parsing_error"
	TagRateLimited    ErrorTag = "rate_limited"
)

// StepError attaches a taxonomy tag to a failure within one pipeline step.
type StepError struct {
	Tag  ErrorTag
	Step string
	Err  error
}

// NewStepError wraps err with its classification.
func NewStepError(tag ErrorTag, step string, err error) *StepError {
	return &StepError{Tag: tag, Step: step, Err: err}
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Tag, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// TagOf extracts the taxonomy tag from err, defaulting to network_timeout for
// timeouts and parsing_error otherwise.
func TagOf(err error) ErrorTag {
	var step *StepError
	if errors.As(err, &step) {
		return step.Tag
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TagNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TagNetworkTimeout
	}
	return TagParsingError
}
