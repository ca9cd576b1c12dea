package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a classified pipeline error.
type ErrorCode string

const (
	ErrCodeConfiguration           ErrorCode = "configuration_error"
	ErrCodeProviderUnavailable     ErrorCode = "provider_unavailable"
	ErrCodeTranscriptionFailed     ErrorCode = "transcription_failed"
	ErrCodeExtractionFailed        ErrorCode = "extraction_failed"
	ErrCodeSchemaValidation        ErrorCode = "schema_validation"
	ErrCodeDuplicateExternalObject ErrorCode = "duplicate_external_object"
	ErrCodeNotFound                ErrorCode = "not_found"
	ErrCodeUnsupportedFormat       ErrorCode = "unsupported_format"
	ErrCodeTimeout                 ErrorCode = "timeout"
	ErrCodeRateLimit               ErrorCode = "rate_limit"
	ErrCodeContextCancelled        ErrorCode = "context_cancelled"
	ErrCodeSyncFailed              ErrorCode = "sync_failed"
	ErrCodeProcessingError         ErrorCode = "processing_error"
)

// PipelineError is a structured error for pipeline failures.
type PipelineError struct {
	Code     ErrorCode
	Stage    string
	Message  string
	Duration time.Duration
	Timeout  time.Duration
	Cause    error
}

func (e *PipelineError) Error() string {
	if e.Timeout > 0 && e.Duration > 0 {
		return fmt.Sprintf("%s: %s timed out after %s (limit: %s)", e.Code, e.Stage, e.Duration.Truncate(time.Second), e.Timeout.Truncate(time.Second))
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match a PipelineError against the sentinel of its code.
func (e *PipelineError) Is(target error) bool {
	if s, ok := codeSentinels[e.Code]; ok {
		return s == target
	}
	return false
}

var codeSentinels = map[ErrorCode]error{
	ErrCodeConfiguration:           ErrConfiguration,
	ErrCodeProviderUnavailable:     ErrProviderUnavailable,
	ErrCodeTranscriptionFailed:     ErrTranscriptionFailed,
	ErrCodeExtractionFailed:        ErrExtractionFailed,
	ErrCodeSchemaValidation:        ErrSchemaValidation,
	ErrCodeDuplicateExternalObject: ErrDuplicateExternalObject,
	ErrCodeNotFound:                ErrNotFound,
	ErrCodeUnsupportedFormat:       ErrUnsupportedFormat,
	ErrCodeContextCancelled:        ErrCancelled,
}

// New builds a PipelineError with the given code.
func New(code ErrorCode, stage, message string, cause error) *PipelineError {
	return &PipelineError{Code: code, Stage: stage, Message: message, Cause: cause}
}

// Configuration reports a missing or invalid setup. Never retried.
func Configuration(format string, args ...interface{}) *PipelineError {
	return &PipelineError{Code: ErrCodeConfiguration, Message: fmt.Sprintf(format, args...)}
}

// ProviderUnavailable reports that a provider cannot serve this attempt.
func ProviderUnavailable(provider string, cause error) *PipelineError {
	msg := fmt.Sprintf("provider %s unavailable", provider)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &PipelineError{Code: ErrCodeProviderUnavailable, Message: msg, Cause: cause}
}

// TranscriptionFailed reports a failed or non-success transcription call.
func TranscriptionFailed(provider string, cause error) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeTranscriptionFailed,
		Stage:   "transcribe",
		Message: fmt.Sprintf("%s: %v", provider, cause),
		Cause:   cause,
	}
}

// UnsupportedFormat reports an explicit media-type rejection.
func UnsupportedFormat(provider, detail string) *PipelineError {
	return &PipelineError{
		Code:    ErrCodeUnsupportedFormat,
		Stage:   "transcribe",
		Message: fmt.Sprintf("%s rejected input: %s", provider, detail),
	}
}

// ExtractionFailed reports an extraction run with no usable output.
func ExtractionFailed(message string, cause error) *PipelineError {
	return &PipelineError{Code: ErrCodeExtractionFailed, Stage: "extract", Message: message, Cause: cause}
}

// SchemaValidation reports a response that violates the extraction schema.
func SchemaValidation(message string) *PipelineError {
	return &PipelineError{Code: ErrCodeSchemaValidation, Stage: "extract", Message: message}
}

// NotFound reports a missing local entity.
func NotFound(kind, id string) *PipelineError {
	return &PipelineError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %s not found", kind, id), Cause: ErrNotFound}
}

// ClassifyError inspects an error and returns a *PipelineError with the appropriate code.
// Errors that already carry a code keep it; unknown errors become ErrCodeProcessingError.
func ClassifyError(err error, stage string) *PipelineError {
	if err == nil {
		return nil
	}

	var existing *PipelineError
	if errors.As(err, &existing) {
		if existing.Stage == "" && stage != "" {
			cp := *existing
			cp.Stage = stage
			return &cp
		}
		return existing
	}

	pe := &PipelineError{
		Stage:   stage,
		Cause:   err,
		Message: err.Error(),
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		pe.Code = ErrCodeTimeout
		pe.Message = "operation timed out"
		return pe
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		pe.Code = ErrCodeContextCancelled
		pe.Message = "cancelled"
		return pe
	case errors.Is(err, ErrNotFound):
		pe.Code = ErrCodeNotFound
		return pe
	case errors.Is(err, ErrConfiguration):
		pe.Code = ErrCodeConfiguration
		return pe
	case errors.Is(err, ErrProviderUnavailable):
		pe.Code = ErrCodeProviderUnavailable
		return pe
	case errors.Is(err, ErrTranscriptionFailed):
		pe.Code = ErrCodeTranscriptionFailed
		return pe
	case errors.Is(err, ErrUnsupportedFormat):
		pe.Code = ErrCodeUnsupportedFormat
		return pe
	case errors.Is(err, ErrExtractionFailed):
		pe.Code = ErrCodeExtractionFailed
		return pe
	case errors.Is(err, ErrSchemaValidation):
		pe.Code = ErrCodeSchemaValidation
		return pe
	case errors.Is(err, ErrDuplicateExternalObject):
		pe.Code = ErrCodeDuplicateExternalObject
		return pe
	}

	lower := strings.ToLower(err.Error())

	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests") || strings.Contains(lower, "quota exceeded") {
		pe.Code = ErrCodeRateLimit
		return pe
	}

	if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") {
		pe.Code = ErrCodeTimeout
		return pe
	}

	if strings.Contains(lower, "connection refused") || strings.Contains(lower, "unavailable") || strings.Contains(lower, "503") || strings.Contains(lower, "no such host") {
		pe.Code = ErrCodeProviderUnavailable
		return pe
	}

	pe.Code = ErrCodeProcessingError
	return pe
}

// CodeOf returns the classified code for err.
func CodeOf(err error) ErrorCode {
	if pe := ClassifyError(err, ""); pe != nil {
		return pe.Code
	}
	return ""
}

// IsTimeout returns true if the error is a timeout error.
func IsTimeout(err error) bool {
	return CodeOf(err) == ErrCodeTimeout
}

// IsErrorRetryable returns true if the error is likely transient and worth retrying.
// This function checks the error code using the ErrorCodeRegistry.
func IsErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	return IsRetryable(CodeOf(err))
}
