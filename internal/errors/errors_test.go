package errors

import (
	"context"
	"fmt"
	"testing"
)

func TestMarginError_Error(t *testing.T) {
	err := &MarginError{
		Code:    ErrNotFound,
		Status:  404,
		Message: "item not found",
	}

	expected := "NOT_FOUND: item not found"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewInvalidRequest(t *testing.T) {
	err := NewInvalidRequest("message is required")

	if err.Code != ErrInvalidRequest {
		t.Errorf("Code = %q, want %q", err.Code, ErrInvalidRequest)
	}
	if err.Status != 400 {
		t.Errorf("Status = %d, want 400", err.Status)
	}
	if err.Message != "message is required" {
		t.Errorf("Message = %q, want %q", err.Message, "message is required")
	}
}

func TestNewNotFound(t *testing.T) {
	err := NewNotFound("gap report", "01ABC")

	if err.Status != 404 {
		t.Errorf("Status = %d, want 404", err.Status)
	}
	if err.Details["identifier"] != "01ABC" {
		t.Errorf("Details[identifier] = %v, want %q", err.Details["identifier"], "01ABC")
	}
	if err.Message != "gap report not found: 01ABC" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestNewMalformedOutput(t *testing.T) {
	err := NewMalformedOutput("item_type", "must be one of the allowed values")

	if err.Code != ErrMalformedOutput {
		t.Errorf("Code = %q, want %q", err.Code, ErrMalformedOutput)
	}
	if err.Details["field"] != "item_type" {
		t.Errorf("Details[field] = %v, want item_type", err.Details["field"])
	}
	if err.Message != "item_type: must be one of the allowed values" {
		t.Errorf("Message = %q", err.Message)
	}

	noField := NewMalformedOutput("", "no JSON object found")
	if noField.Message != "no JSON object found" {
		t.Errorf("Message = %q, want %q", noField.Message, "no JSON object found")
	}
}

func TestNewCaptureFailed_WrapsCause(t *testing.T) {
	cause := NewMalformedOutput("tags", "too few")
	err := NewCaptureFailed(cause)

	if err.Status != 502 {
		t.Errorf("Status = %d, want 502", err.Status)
	}
	if !Is(err, ErrCaptureFailed) {
		t.Error("Is(err, ErrCaptureFailed) = false, want true")
	}
	if !Is(err, ErrMalformedOutput) {
		t.Error("Is(err, ErrMalformedOutput) = false, want true")
	}
	if Is(err, ErrOracleUnavailable) {
		t.Error("Is(err, ErrOracleUnavailable) = true, want false")
	}
}

func TestNewOracleUnavailable(t *testing.T) {
	err := NewOracleUnavailable("anthropic", context.DeadlineExceeded)

	if err.Status != 503 {
		t.Errorf("Status = %d, want 503", err.Status)
	}
	if err.Details["provider"] != "anthropic" {
		t.Errorf("Details[provider] = %v", err.Details["provider"])
	}
	if err.Unwrap() != context.DeadlineExceeded {
		t.Errorf("Unwrap() = %v, want context.DeadlineExceeded", err.Unwrap())
	}
}

func TestNewOverviewShapeInvalid(t *testing.T) {
	err := NewOverviewShapeInvalid("missing sections", map[string]any{"missing_sections": []string{"Recent Activity"}})

	if err.Code != ErrOverviewShapeInvalid {
		t.Errorf("Code = %q, want %q", err.Code, ErrOverviewShapeInvalid)
	}
	if err.Status != 422 {
		t.Errorf("Status = %d, want 422", err.Status)
	}
}

func TestNewInternal(t *testing.T) {
	err := NewInternal(fmt.Errorf("disk full"))
	if err.Message != "disk full" {
		t.Errorf("Message = %q, want %q", err.Message, "disk full")
	}

	nilErr := NewInternal(nil)
	if nilErr.Message != "internal error" {
		t.Errorf("Message = %q, want %q", nilErr.Message, "internal error")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching code", NewInvalidRequest("x"), ErrInvalidRequest, true},
		{"different code", NewInvalidRequest("x"), ErrNotFound, false},
		{"wrapped with fmt", fmt.Errorf("stage: %w", NewNotFound("item", "1")), ErrNotFound, true},
		{"foreign error", fmt.Errorf("plain"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(NewCaptureFailed(nil)); got != ErrCaptureFailed {
		t.Errorf("CodeOf() = %q, want %q", got, ErrCaptureFailed)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != ErrInternal {
		t.Errorf("CodeOf() = %q, want %q", got, ErrInternal)
	}
}

func TestNewConflict(t *testing.T) {
	err := NewConflict("overview changed during consolidation")

	if err.Code != ErrConflict {
		t.Errorf("Code = %q, want %q", err.Code, ErrConflict)
	}
	if err.Status != 409 {
		t.Errorf("Status = %d, want 409", err.Status)
	}
	if !Is(fmt.Errorf("consolidate: %w", err), ErrConflict) {
		t.Error("Is() should see a wrapped conflict")
	}
}
