package google

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/api/googleapi"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

func apiCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// IsUnauthorized reports a 401 from a Google API.
func IsUnauthorized(err error) bool { return apiCode(err) == http.StatusUnauthorized }

// IsRateLimited reports a 429 from a Google API.
func IsRateLimited(err error) bool { return apiCode(err) == http.StatusTooManyRequests }

// IsNotFound reports a 404 from a Google API.
func IsNotFound(err error) bool { return apiCode(err) == http.StatusNotFound }

// IsConflict reports a 409 from a Google API.
func IsConflict(err error) bool { return apiCode(err) == http.StatusConflict }

// wrapError maps a Google API error onto the pipeline taxonomy and backs
// the limiter off on 429.
func wrapError(stage string, limiter *RateLimiter, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	code := apiCode(err)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return mperrors.New(mperrors.ErrCodeConfiguration, stage, "google rejected the credentials", err)
	case code == http.StatusTooManyRequests:
		if limiter != nil {
			limiter.RecordRateLimitError(0)
		}
		return mperrors.New(mperrors.ErrCodeRateLimit, stage, "google rate limit", err)
	case code == http.StatusConflict:
		return mperrors.New(mperrors.ErrCodeDuplicateExternalObject, stage, "google object already exists", err)
	case code == http.StatusNotFound:
		return mperrors.New(mperrors.ErrCodeNotFound, stage, "google object not found", err)
	case code >= 500 || code == 0:
		return mperrors.ProviderUnavailable("google", err)
	}
	return mperrors.New(mperrors.ErrCodeSyncFailed, stage, "google request rejected", err)
}
