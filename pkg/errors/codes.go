package errors

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	ErrCodeConfiguration: {
		Code:            ErrCodeConfiguration,
		Retryable:       false,
		Description:     "Provider or integration is missing required setup",
		SuggestedAction: "Check configuration: meetpipe providers, or set the credential with meetpipe credentials set",
	},
	ErrCodeProviderUnavailable: {
		Code:            ErrCodeProviderUnavailable,
		Retryable:       true,
		Description:     "Provider could not serve this attempt",
		SuggestedAction: "Retried automatically after backoff; check provider status if it persists",
	},
	ErrCodeTranscriptionFailed: {
		Code:            ErrCodeTranscriptionFailed,
		Retryable:       true,
		Description:     "Transcription back-end returned an error",
		SuggestedAction: "Inspect the run: meetpipe runs list --artifact <artifact-id>",
	},
	ErrCodeExtractionFailed: {
		Code:            ErrCodeExtractionFailed,
		Retryable:       true,
		Description:     "No chunk produced a valid extraction",
		SuggestedAction: "Inspect chunk failures in run metadata: meetpipe runs latest --meeting <meeting-id>",
	},
	ErrCodeSchemaValidation: {
		Code:            ErrCodeSchemaValidation,
		Retryable:       false,
		Description:     "Model response did not match the extraction schema",
		SuggestedAction: "Chunk is excluded from the merge; no action needed unless every chunk fails",
	},
	ErrCodeDuplicateExternalObject: {
		Code:            ErrCodeDuplicateExternalObject,
		Retryable:       false,
		Description:     "External object already exists for this local entity",
		SuggestedAction: "Existing external reference is reused; no action needed",
	},
	ErrCodeNotFound: {
		Code:            ErrCodeNotFound,
		Retryable:       false,
		Description:     "Local entity is missing",
		SuggestedAction: "Verify the identifier: meetpipe runs list",
	},
	ErrCodeUnsupportedFormat: {
		Code:            ErrCodeUnsupportedFormat,
		Retryable:       false,
		Description:     "Provider rejected the input media type",
		SuggestedAction: "Convert the artifact or choose another provider with --provider",
	},
	ErrCodeTimeout: {
		Code:            ErrCodeTimeout,
		Retryable:       true,
		Description:     "Operation exceeded time limit",
		SuggestedAction: "Check stage timeouts under pipeline.stage_timeouts in config",
	},
	ErrCodeRateLimit: {
		Code:            ErrCodeRateLimit,
		Retryable:       true,
		Description:     "API rate limit exceeded",
		SuggestedAction: "Wait and retry automatically, or check provider quota",
	},
	ErrCodeContextCancelled: {
		Code:            ErrCodeContextCancelled,
		Retryable:       false,
		Description:     "Operation cancelled by user or system",
		SuggestedAction: "Re-run the stage if cancellation was not intentional: meetpipe process <artifact-id>",
	},
	ErrCodeSyncFailed: {
		Code:            ErrCodeSyncFailed,
		Retryable:       true,
		Description:     "No entity in the sync batch succeeded",
		SuggestedAction: "Inspect per-entity outcomes in run metadata",
	},
	ErrCodeProcessingError: {
		Code:            ErrCodeProcessingError,
		Retryable:       false,
		Description:     "Unclassified processing error",
		SuggestedAction: "Check logs with --debug and the run error text",
	},
}

// IsRetryable returns true if the given error code represents a transient, retryable error.
func IsRetryable(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Retryable
	}
	return false
}

// GetSuggestedAction returns the suggested action for the given error code.
func GetSuggestedAction(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.SuggestedAction
	}
	return "Check logs for more details"
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}
