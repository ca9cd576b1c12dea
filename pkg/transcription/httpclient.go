package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/otherjamesbrown/meetpipe/pkg/buildinfo"
	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 512

// formatHints are substrings that mark a 400 response as a media-type rejection.
var formatHints = []string{"format", "codec", "media type", "mime", "file type", "unsupported"}

// statusError is a non-2xx response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

func (e *statusError) transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// apiCaller issues authenticated JSON requests with bounded retries.
type apiCaller struct {
	provider   string
	apiKey     string
	client     *http.Client
	maxRetries int
}

func newAPICaller(provider string, cfg ProviderConfig) *apiCaller {
	return &apiCaller{
		provider:   provider,
		apiKey:     cfg.APIKey,
		client:     cfg.httpClient(),
		maxRetries: cfg.MaxRetries,
	}
}

// postJSON sends payload to url and decodes a 2xx response into out.
func (c *apiCaller) postJSON(ctx context.Context, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return mperrors.TranscriptionFailed(c.provider, fmt.Errorf("marshal request: %w", err))
	}
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, out)
}

// do runs build/send/decode with exponential backoff on transport errors,
// 429 and 5xx. Other failures stop immediately.
func (c *apiCaller) do(ctx context.Context, build func() (*http.Request, error), out interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var retries uint64
	if c.maxRetries > 0 {
		retries = uint64(c.maxRetries)
	}

	op := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", buildinfo.UserAgent(c.provider))

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			se := &statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
			if se.transient() {
				return se
			}
			return backoff.Permanent(se)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
	if err == nil {
		return nil
	}
	return c.classify(err)
}

// classify maps a call failure onto the transcription error taxonomy.
func (c *apiCaller) classify(err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	var se *statusError
	if errors.As(err, &se) {
		if isFormatRejection(se) {
			return mperrors.UnsupportedFormat(c.provider, se.Error())
		}
	}
	return mperrors.TranscriptionFailed(c.provider, err)
}

func contextError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func isFormatRejection(se *statusError) bool {
	if se.Status == http.StatusUnsupportedMediaType {
		return true
	}
	if se.Status != http.StatusBadRequest {
		return false
	}
	lower := strings.ToLower(se.Body)
	for _, hint := range formatHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// remoteSegment is the segment shape shared by the JSON back-ends.
type remoteSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Speaker    string   `json:"speaker"`
	Confidence *float64 `json:"confidence"`
}

type remoteResult struct {
	Segments []remoteSegment `json:"segments"`
	Language string          `json:"language"`
	Duration *float64        `json:"duration"`
	Model    string          `json:"model"`
}

func (r *remoteResult) toResult(defaultModel, languageHint string) *Result {
	out := &Result{
		Segments: make([]Segment, 0, len(r.Segments)),
		Language: r.Language,
		Duration: r.Duration,
		Model:    r.Model,
	}
	if out.Model == "" {
		out.Model = defaultModel
	}
	for _, s := range r.Segments {
		out.Segments = append(out.Segments, Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       strings.TrimSpace(s.Text),
			Speaker:    s.Speaker,
			Confidence: s.Confidence,
		})
	}
	return normalize(out, languageHint)
}
