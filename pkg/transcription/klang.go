package transcription

import (
	"context"
	"strings"

	"github.com/otherjamesbrown/meetpipe/pkg/logging"
)

const (
	klangDefaultURL   = "https://api.klang.ai/v1"
	klangDefaultModel = "klang-default"
)

// Klang calls a diarizing transcription API that fetches media by URL.
type Klang struct {
	apiURL string
	api    *apiCaller
	logger logging.Logger
}

// NewKlang builds the Klang provider. It requires an API key.
func NewKlang(cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, missingCredential("klang", "api key")
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = klangDefaultURL
	}
	return &Klang{
		apiURL: strings.TrimRight(apiURL, "/"),
		api:    newAPICaller("klang", cfg),
		logger: cfg.logger().With(logging.F("component", "transcription"), logging.F("provider", "klang")),
	}, nil
}

func (k *Klang) Name() string                     { return "klang" }
func (k *Klang) SupportsSpeakerDiarization() bool { return true }

type klangRequest struct {
	AudioURL          string `json:"audio_url"`
	Language          string `json:"language,omitempty"`
	EnableDiarization bool   `json:"enable_diarization"`
}

func (k *Klang) Transcribe(ctx context.Context, fileLocation, languageHint string) (*Result, error) {
	k.logger.Debug("transcribing", logging.F("location", fileLocation))

	var resp remoteResult
	req := klangRequest{AudioURL: fileLocation, Language: languageHint, EnableDiarization: true}
	if err := k.api.postJSON(ctx, k.apiURL+"/transcribe", req, &resp); err != nil {
		return nil, err
	}
	return resp.toResult(klangDefaultModel, languageHint), nil
}
