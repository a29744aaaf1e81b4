package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error codes for the pipeline error taxonomy.
//
// Only INVALID_ARGUMENT propagates to the caller as a hard failure. Everything
// else is recovered locally: UPSTREAM_UNAVAILABLE via stage fallbacks,
// DATA_INTEGRITY_GAP by skipping the affected item, both recorded as
// degradation notes in the PipelineResult.
const (
	ErrCodeInvalidArgument     = "INVALID_ARGUMENT"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeDataIntegrityGap    = "DATA_INTEGRITY_GAP"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// PipelineError is the structured error surfaced across the service boundary.
type PipelineError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPipelineError creates a new PipelineError with timestamp.
func NewPipelineError(code, message, details string) *PipelineError {
	return &PipelineError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidArgument creates an INVALID_ARGUMENT error. These are the only
// errors the orchestrator returns to its caller.
func NewInvalidArgument(message string) *PipelineError {
	return NewPipelineError(ErrCodeInvalidArgument, message, "")
}

// NewUpstreamUnavailable marks an encoder/model/LLM failure that a stage
// fallback has absorbed.
func NewUpstreamUnavailable(upstream string, cause error) *PipelineError {
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	return NewPipelineError(ErrCodeUpstreamUnavailable,
		fmt.Sprintf("upstream %s unavailable", upstream), details)
}

// IsInvalidArgument reports whether err is an INVALID_ARGUMENT pipeline error.
func IsInvalidArgument(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code == ErrCodeInvalidArgument
	}
	return false
}
