package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyError_Nil(t *testing.T) {
	result := ClassifyError(nil, "test-stage")
	if result != nil {
		t.Errorf("Expected nil for nil error, got %v", result)
	}
}

func TestClassifyError_DeadlineExceeded(t *testing.T) {
	err := context.DeadlineExceeded
	result := ClassifyError(err, "transcribe")

	if result == nil {
		t.Fatal("Expected non-nil PipelineError")
	}
	if result.Code != ErrCodeTimeout {
		t.Errorf("Expected ErrCodeTimeout, got %s", result.Code)
	}
	if result.Stage != "transcribe" {
		t.Errorf("Expected stage 'transcribe', got %s", result.Stage)
	}
	if result.Message != "operation timed out" {
		t.Errorf("Expected 'operation timed out', got %s", result.Message)
	}
	if result.Cause != err {
		t.Errorf("Expected cause to be original error")
	}
}

func TestClassifyError_Canceled(t *testing.T) {
	result := ClassifyError(fmt.Errorf("wrapped: %w", context.Canceled), "extract")

	if result.Code != ErrCodeContextCancelled {
		t.Errorf("Expected ErrCodeContextCancelled, got %s", result.Code)
	}
	if result.Message != "cancelled" {
		t.Errorf("Expected 'cancelled', got %s", result.Message)
	}
}

func TestClassifyError_RateLimit(t *testing.T) {
	tests := []struct {
		name     string
		errorMsg string
	}{
		{"rate limit exact", "rate limit exceeded"},
		{"429 status", "HTTP 429 error"},
		{"too many requests", "too many requests"},
		{"quota exceeded", "quota exceeded for this resource"},
		{"Rate Limit uppercase", "Rate Limit Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifyError(errors.New(tt.errorMsg), "sync_linear")
			if result.Code != ErrCodeRateLimit {
				t.Errorf("Expected ErrCodeRateLimit for '%s', got %s", tt.errorMsg, result.Code)
			}
			if result.Message != tt.errorMsg {
				t.Errorf("Expected message '%s', got %s", tt.errorMsg, result.Message)
			}
		})
	}
}

func TestClassifyError_Sentinels(t *testing.T) {
	tests := []struct {
		err  error
		code ErrorCode
	}{
		{fmt.Errorf("meeting: %w", ErrNotFound), ErrCodeNotFound},
		{fmt.Errorf("openai: %w", ErrConfiguration), ErrCodeConfiguration},
		{fmt.Errorf("klang: %w", ErrProviderUnavailable), ErrCodeProviderUnavailable},
		{fmt.Errorf("mp4: %w", ErrUnsupportedFormat), ErrCodeUnsupportedFormat},
		{fmt.Errorf("chunk 2: %w", ErrSchemaValidation), ErrCodeSchemaValidation},
		{fmt.Errorf("all chunks: %w", ErrExtractionFailed), ErrCodeExtractionFailed},
		{fmt.Errorf("issue: %w", ErrDuplicateExternalObject), ErrCodeDuplicateExternalObject},
		{errors.New("dial tcp: connection refused"), ErrCodeProviderUnavailable},
		{errors.New("request timed out"), ErrCodeTimeout},
		{errors.New("something odd"), ErrCodeProcessingError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := ClassifyError(tt.err, "").Code; got != tt.code {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.code)
			}
		})
	}
}

func TestClassifyError_KeepsExistingCode(t *testing.T) {
	orig := Configuration("unknown provider %q", "whisperx")
	wrapped := fmt.Errorf("factory: %w", orig)

	result := ClassifyError(wrapped, "transcribe")
	if result.Code != ErrCodeConfiguration {
		t.Errorf("Expected ErrCodeConfiguration, got %s", result.Code)
	}
	if result.Stage != "transcribe" {
		t.Errorf("Expected stage to be filled in, got %q", result.Stage)
	}
	if orig.Stage != "" {
		t.Errorf("Original error must not be mutated")
	}
}

func TestPipelineError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("stage: %w", UnsupportedFormat("mistral", "415 Unsupported Media Type"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Error("Expected errors.Is to match ErrUnsupportedFormat")
	}
	if errors.Is(err, ErrConfiguration) {
		t.Error("Did not expect a configuration match")
	}

	nf := NotFound("meeting", "m-1")
	if !IsNotFound(nf) {
		t.Error("NotFound should satisfy IsNotFound")
	}

	pu := ProviderUnavailable("openai", errors.New("missing api key"))
	cfg := New(ErrCodeConfiguration, "", "provider openai not configured", pu)
	if !IsConfiguration(cfg) || !IsProviderUnavailable(cfg) {
		t.Error("Configuration error wrapping provider-unavailable should match both")
	}
}

func TestPipelineError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *PipelineError
		want string
	}{
		{
			name: "with timeout",
			err: &PipelineError{
				Code:     ErrCodeTimeout,
				Stage:    "extract",
				Duration: 125 * time.Second,
				Timeout:  120 * time.Second,
			},
			want: "timeout: extract timed out after 2m5s (limit: 2m0s)",
		},
		{
			name: "with stage",
			err:  &PipelineError{Code: ErrCodeTranscriptionFailed, Stage: "transcribe", Message: "klang: HTTP 500"},
			want: "transcription_failed: transcribe: klang: HTTP 500",
		},
		{
			name: "no stage",
			err:  &PipelineError{Code: ErrCodeConfiguration, Message: "no provider"},
			want: "configuration_error: no provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsErrorRetryable(t *testing.T) {
	if IsErrorRetryable(nil) {
		t.Error("nil is not retryable")
	}
	if !IsErrorRetryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded should be retryable")
	}
	if IsErrorRetryable(context.Canceled) {
		t.Error("cancellation should not be retryable")
	}
	if IsErrorRetryable(Configuration("missing key")) {
		t.Error("configuration errors are never retried")
	}
	if IsErrorRetryable(NotFound("artifact", "a-1")) {
		t.Error("not found is never retried")
	}
	if !IsErrorRetryable(TranscriptionFailed("klang", errors.New("HTTP 502"))) {
		t.Error("transcription failure should be retryable")
	}
	if !IsTimeout(fmt.Errorf("x: %w", context.DeadlineExceeded)) {
		t.Error("IsTimeout should see wrapped deadline")
	}
}
