// Package errors provides the domain error types shared by meetpipe packages.
//
// Sentinel errors describe domain conditions ("not found", "conflict") and are
// checked with errors.Is. Pipeline failures are carried as *PipelineError, whose
// Code drives the retry decision made by the pipeline driver.
//
// Usage:
//
//	import mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
//
//	return nil, mperrors.ErrNotFound
//
//	if mperrors.IsNotFound(err) {
//	    // handle not found case
//	}
package errors

import "errors"

// Domain errors - common sentinel errors for domain conditions.
var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data (e.g., duplicate key).
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates invalid input or validation failure.
	ErrValidation = errors.New("validation error")

	// ErrAlreadyExists indicates the resource already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrConfiguration indicates missing or invalid setup (unknown provider, absent credential).
	ErrConfiguration = errors.New("configuration error")

	// ErrProviderUnavailable indicates a provider cannot be used for this attempt.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrTranscriptionFailed indicates the transcription back-end failed or rejected the call.
	ErrTranscriptionFailed = errors.New("transcription failed")

	// ErrUnsupportedFormat indicates a provider explicitly rejected the input media type.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrExtractionFailed indicates extraction produced nothing usable.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrSchemaValidation indicates a model response did not match the extraction schema.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrDuplicateExternalObject indicates an external object already exists for a local entity.
	ErrDuplicateExternalObject = errors.New("duplicate external object")

	// ErrCancelled marks work stopped by an operator or shutdown.
	ErrCancelled = errors.New("cancelled")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether any error in err's chain is ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsAlreadyExists reports whether any error in err's chain is ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsConfiguration reports whether any error in err's chain is ErrConfiguration.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsProviderUnavailable reports whether any error in err's chain is ErrProviderUnavailable.
func IsProviderUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// IsSchemaValidation reports whether any error in err's chain is ErrSchemaValidation.
func IsSchemaValidation(err error) bool {
	return errors.Is(err, ErrSchemaValidation)
}

// IsDuplicateExternalObject reports whether any error in err's chain is ErrDuplicateExternalObject.
func IsDuplicateExternalObject(err error) bool {
	return errors.Is(err, ErrDuplicateExternalObject)
}
