package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// LabError represents a standardized error response
type LabError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *LabError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrInvalidInput       = "INVALID_INPUT"
	ErrDatabaseError      = "DATABASE_ERROR"
	ErrExternalAPI        = "EXTERNAL_API_ERROR"
	ErrValidation         = "VALIDATION_ERROR"
	ErrNotFoundCode       = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrIllegalTransition  = "ILLEGAL_TRANSITION"
	ErrIncompleteResults  = "INCOMPLETE_RESULTS"
	ErrSubmissionFailed   = "SUBMISSION_FAILED"
	ErrReportPipeline     = "REPORT_PIPELINE_ERROR"
	ErrInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrMalformedPayload   = "MALFORMED_PAYLOAD"
	ErrServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// NewLabError creates a new LabError with timestamp
func NewLabError(code, message, details, requestID string) *LabError {
	return &LabError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

var (
	ErrNotFound        = errors.New("not found")
	ErrStaleRevision   = errors.New("draft revision is stale")
	ErrOrderNotTracked = errors.New("order is not tracked")
)

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// PayloadError is returned when a remote payload lacks a required field or
// carries a value of the wrong shape.
type PayloadError struct {
	Payload string
	Field   string
	Reason  string
}

func (e *PayloadError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("malformed %s payload: missing required field %q", e.Payload, e.Field)
	}
	return fmt.Sprintf("malformed %s payload: field %q %s", e.Payload, e.Field, e.Reason)
}

// TransitionError is returned when an action is not legal in the order's current state.
type TransitionError struct {
	OrderID string
	From    OrderStatus
	Action  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: %s is not allowed from status %s", e.OrderID, e.Action, e.From)
}

// SubmissionError aggregates per-test submission failures. Tests not listed in
// Failed were submitted and stay submitted.
type SubmissionError struct {
	OrderID   string
	Submitted []string
	Failed    map[string]error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("order %s: %d of %d tests failed to submit for validation (%s)",
		e.OrderID, len(e.Failed), len(e.Failed)+len(e.Submitted), strings.Join(e.FailedTestIDs(), ", "))
}

// Unwrap exposes the individual failures to errors.Is / errors.As.
func (e *SubmissionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, id := range e.FailedTestIDs() {
		errs = append(errs, e.Failed[id])
	}
	return errs
}

// MissingValue names a required parameter without a usable value.
type MissingValue struct {
	TestID      string `json:"test_id"`
	ParameterID string `json:"parameter_id"`
	Name        string `json:"name"`
}

// IncompleteResultsError blocks approval while required values are missing or non-numeric.
type IncompleteResultsError struct {
	OrderID string
	Missing []MissingValue
}

func (e *IncompleteResultsError) Error() string {
	names := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		names = append(names, m.TestID+"/"+m.Name)
	}
	return fmt.Sprintf("order %s has unresolved required values: %s", e.OrderID, strings.Join(names, ", "))
}

// PipelineStage names a step of the approve-and-report chain.
type PipelineStage string

const (
	StageSaveDrafts   PipelineStage = "save_drafts"
	StageApprove      PipelineStage = "approve"
	StageFetchDetail  PipelineStage = "fetch_report_detail"
	StageBuildReport  PipelineStage = "build_report"
	StageRenderReport PipelineStage = "render_report"
	StageUpload       PipelineStage = "upload"
)

// PipelineError reports the stage at which the approval chain stopped.
type PipelineError struct {
	OrderID string
	Stage   PipelineStage
	Err     error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("order %s: report pipeline failed at %s: %v", e.OrderID, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// FailedTestIDs returns the ids of the tests that failed, sorted.
func (e *SubmissionError) FailedTestIDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
