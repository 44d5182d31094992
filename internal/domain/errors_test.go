package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLabError(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		message   string
		details   string
		requestID string
	}{
		{
			name:      "Basic error",
			code:      ErrInvalidInput,
			message:   "Invalid parameter value",
			details:   "The value could not be parsed as a decimal",
			requestID: "req-123",
		},
		{
			name:      "Database error",
			code:      ErrDatabaseError,
			message:   "Database connection failed",
			details:   "Unable to connect to PostgreSQL",
			requestID: "req-456",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewLabError(tt.code, tt.message, tt.details, tt.requestID)

			if err.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, err.Code)
			}
			if err.Details != tt.details {
				t.Errorf("Expected details %s, got %s", tt.details, err.Details)
			}
			if err.RequestID != tt.requestID {
				t.Errorf("Expected requestID %s, got %s", tt.requestID, err.RequestID)
			}
			if time.Since(err.Timestamp) > time.Minute {
				t.Errorf("Timestamp should be recent, got %v", err.Timestamp)
			}

			expectedError := tt.code + ": " + tt.message
			if err.Error() != expectedError {
				t.Errorf("Expected error string %s, got %s", expectedError, err.Error())
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("reason", "must not be empty", "")
	expected := "validation error for field 'reason': must not be empty"
	if err.Error() != expected {
		t.Errorf("Expected %s, got %s", expected, err.Error())
	}
}

func TestPayloadError(t *testing.T) {
	missing := &PayloadError{Payload: "order", Field: "id"}
	if !strings.Contains(missing.Error(), `missing required field "id"`) {
		t.Errorf("Unexpected message %s", missing.Error())
	}

	shaped := &PayloadError{Payload: "test definition", Field: "parameters[0].ranges[1].min", Reason: "is not a number"}
	if !strings.Contains(shaped.Error(), "is not a number") {
		t.Errorf("Unexpected message %s", shaped.Error())
	}
}

func TestSubmissionError(t *testing.T) {
	boom := errors.New("boom")
	err := &SubmissionError{
		OrderID:   "O1",
		Submitted: []string{"T1"},
		Failed: map[string]error{
			"T3": errors.New("timeout"),
			"T2": boom,
		},
	}

	ids := err.FailedTestIDs()
	if len(ids) != 2 || ids[0] != "T2" || ids[1] != "T3" {
		t.Errorf("Expected sorted failed ids, got %v", ids)
	}
	if !errors.Is(err, boom) {
		t.Error("Expected errors.Is to find the wrapped failure")
	}
	if !strings.Contains(err.Error(), "2 of 3 tests") {
		t.Errorf("Unexpected message %s", err.Error())
	}
}

func TestPipelineError(t *testing.T) {
	cause := errors.New("upload rejected")
	err := &PipelineError{OrderID: "O1", Stage: StageUpload, Err: cause}

	if !errors.Is(err, cause) {
		t.Error("Expected PipelineError to unwrap to its cause")
	}

	var pe *PipelineError
	wrapped := errors.Join(errors.New("context"), err)
	if !errors.As(wrapped, &pe) || pe.Stage != StageUpload {
		t.Error("Expected errors.As to recover the stage")
	}
}

func TestIncompleteResultsError(t *testing.T) {
	err := &IncompleteResultsError{
		OrderID: "O1",
		Missing: []MissingValue{{TestID: "T1", ParameterID: "P1", Name: "Hemoglobin"}},
	}
	if !strings.Contains(err.Error(), "T1/Hemoglobin") {
		t.Errorf("Unexpected message %s", err.Error())
	}
}
