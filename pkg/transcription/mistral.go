package transcription

import (
	"context"
	"strings"

	"github.com/otherjamesbrown/meetpipe/pkg/logging"
)

const (
	mistralDefaultURL   = "https://api.mistral.ai/v1"
	mistralDefaultModel = "mistral-whisper"
)

// Mistral calls a URL-referencing transcription API without diarization.
type Mistral struct {
	apiURL string
	model  string
	api    *apiCaller
	logger logging.Logger
}

// NewMistral builds the Mistral provider. It requires an API key.
func NewMistral(cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, missingCredential("mistral", "api key")
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = mistralDefaultURL
	}
	model := cfg.Model
	if model == "" {
		model = mistralDefaultModel
	}
	return &Mistral{
		apiURL: strings.TrimRight(apiURL, "/"),
		model:  model,
		api:    newAPICaller("mistral", cfg),
		logger: cfg.logger().With(logging.F("component", "transcription"), logging.F("provider", "mistral")),
	}, nil
}

func (m *Mistral) Name() string                     { return "mistral" }
func (m *Mistral) SupportsSpeakerDiarization() bool { return false }

type mistralRequest struct {
	FileURL  string `json:"file_url"`
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

func (m *Mistral) Transcribe(ctx context.Context, fileLocation, languageHint string) (*Result, error) {
	m.logger.Debug("transcribing", logging.F("location", fileLocation), logging.F("model", m.model))

	var resp remoteResult
	req := mistralRequest{FileURL: fileLocation, Model: m.model, Language: languageHint}
	if err := m.api.postJSON(ctx, m.apiURL+"/audio/transcriptions", req, &resp); err != nil {
		return nil, err
	}
	return resp.toResult(m.model, languageHint), nil
}
