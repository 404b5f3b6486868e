package domain

import (
	"errors"
	"testing"
	"time"
)

func TestPipelineError(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		stage   string
		message string
		err     error
		want    string
	}{
		{
			name:    "Wrapped error",
			code:    ErrCodeLoader,
			stage:   "load_diagnoses",
			message: "query failed",
			err:     errors.New("connection refused"),
			want:    "LOADER_ERROR [load_diagnoses]: query failed: connection refused",
		},
		{
			name:    "Bare error",
			code:    ErrCodeMerge,
			stage:   "merge_chunks",
			message: "no chunks",
			want:    "MERGE_ERROR [merge_chunks]: no chunks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPipelineError(tt.code, tt.stage, tt.message, tt.err)

			if err.Error() != tt.want {
				t.Errorf("Expected error string %s, got %s", tt.want, err.Error())
			}

			if time.Since(err.Timestamp) > time.Minute {
				t.Errorf("Timestamp should be recent, got %v", err.Timestamp)
			}

			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("Expected wrapped error to match %v", tt.err)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("timestamp_purpose", "must be one of predictor, outcome", "later")

	expected := "validation error for field 'timestamp_purpose': must be one of predictor, outcome (got later)"
	if err.Error() != expected {
		t.Errorf("Expected error string %s, got %s", expected, err.Error())
	}

	var target *ValidationError
	if !errors.As(error(err), &target) {
		t.Errorf("Expected errors.As to find ValidationError")
	}
}
