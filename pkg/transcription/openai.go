package transcription

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
)

const (
	openAIDefaultURL = "https://api.openai.com/v1"
	openAIModel      = "whisper-1"
)

// OpenAI uploads the media to a Whisper-style endpoint. The source is
// downloaded once and staged in a temp file that is removed on every exit path.
type OpenAI struct {
	apiURL  string
	tempDir string
	client  *http.Client
	api     *apiCaller
	logger  logging.Logger
}

// NewOpenAI builds the OpenAI provider. It requires an API key.
func NewOpenAI(cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, missingCredential("openai", "api key")
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = openAIDefaultURL
	}
	return &OpenAI{
		apiURL:  strings.TrimRight(apiURL, "/"),
		tempDir: cfg.TempDir,
		client:  cfg.httpClient(),
		api:     newAPICaller("openai", cfg),
		logger:  cfg.logger().With(logging.F("component", "transcription"), logging.F("provider", "openai")),
	}, nil
}

func (o *OpenAI) Name() string                     { return "openai" }
func (o *OpenAI) SupportsSpeakerDiarization() bool { return false }

type openAISegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	AvgLogprob *float64 `json:"avg_logprob"`
}

type openAIResponse struct {
	Text     string          `json:"text"`
	Language string          `json:"language"`
	Duration *float64        `json:"duration"`
	Segments []openAISegment `json:"segments"`
}

func (o *OpenAI) Transcribe(ctx context.Context, fileLocation, languageHint string) (*Result, error) {
	staged, err := o.stage(ctx, fileLocation)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.Remove(staged); rmErr != nil && !os.IsNotExist(rmErr) {
			o.logger.Warn("failed to remove staged file", logging.F("path", staged), logging.Err(rmErr))
		}
	}()

	var resp openAIResponse
	err = o.api.do(ctx, func() (*http.Request, error) {
		return o.uploadRequest(ctx, staged, fileLocation, languageHint)
	}, &resp)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Segments: make([]Segment, 0, len(resp.Segments)),
		Language: resp.Language,
		Duration: resp.Duration,
		Model:    openAIModel,
	}
	for _, s := range resp.Segments {
		seg := Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)}
		if s.AvgLogprob != nil {
			c := clamp01(math.Exp(*s.AvgLogprob))
			seg.Confidence = &c
		}
		result.Segments = append(result.Segments, seg)
	}
	if len(result.Segments) == 0 && strings.TrimSpace(resp.Text) != "" {
		end := 0.0
		if resp.Duration != nil {
			end = *resp.Duration
		}
		result.Segments = append(result.Segments, Segment{Start: 0, End: end, Text: strings.TrimSpace(resp.Text)})
	}

	return normalize(result, languageHint), nil
}

// uploadRequest builds a fresh multipart body from the staged file so retries
// resend the full payload.
func (o *OpenAI) uploadRequest(ctx context.Context, staged, fileLocation, languageHint string) (*http.Request, error) {
	f, err := os.Open(staged)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", sourceName(fileLocation))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	fields := map[string]string{
		"model":           openAIModel,
		"response_format": "verbose_json",
	}
	if languageHint != "" {
		fields["language"] = languageHint
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

// stage copies the source into a temp file and returns its path.
func (o *OpenAI) stage(ctx context.Context, fileLocation string) (staged string, err error) {
	src, err := o.open(ctx, fileLocation)
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(o.tempDir, "meetpipe-upload-*"+filepath.Ext(sourceName(fileLocation)))
	if err != nil {
		return "", mperrors.TranscriptionFailed("openai", fmt.Errorf("create temp file: %w", err))
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, src); err != nil {
		tmp.Close()
		return "", mperrors.TranscriptionFailed("openai", fmt.Errorf("stage source: %w", err))
	}
	if err = tmp.Close(); err != nil {
		return "", mperrors.TranscriptionFailed("openai", fmt.Errorf("stage source: %w", err))
	}
	return tmp.Name(), nil
}

func (o *OpenAI) open(ctx context.Context, fileLocation string) (io.ReadCloser, error) {
	u, err := url.Parse(fileLocation)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileLocation, nil)
		if err != nil {
			return nil, mperrors.TranscriptionFailed("openai", err)
		}
		resp, err := o.client.Do(req)
		if err != nil {
			if ctxErr := contextError(err); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, mperrors.TranscriptionFailed("openai", fmt.Errorf("download source: %w", err))
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, mperrors.TranscriptionFailed("openai", fmt.Errorf("download source: HTTP %d", resp.StatusCode))
		}
		return resp.Body, nil
	}

	local := fileLocation
	if err == nil && u.Scheme == "file" {
		local = u.Path
	}
	f, err := os.Open(local)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mperrors.New(mperrors.ErrCodeNotFound, "transcribe", fmt.Sprintf("source %s not found", local), mperrors.ErrNotFound)
		}
		return nil, mperrors.TranscriptionFailed("openai", err)
	}
	return f, nil
}

func sourceName(fileLocation string) string {
	if u, err := url.Parse(fileLocation); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return filepath.Base(fileLocation)
}
