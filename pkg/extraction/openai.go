package extraction

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

const openAIDefaultURL = "https://api.openai.com/v1"

// OpenAIConfig configures the chat completion client.
type OpenAIConfig struct {
	APIURL     string
	APIKey     string
	MaxRetries int
	HTTPClient *http.Client
}

// OpenAIClient calls /chat/completions with a strict json_schema response format.
type OpenAIClient struct {
	apiURL     string
	apiKey     string
	maxRetries int
	client     *http.Client
}

// NewOpenAIClient requires an API key.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, mperrors.New(mperrors.ErrCodeConfiguration, "extract", "openai api key not configured",
			mperrors.ProviderUnavailable("openai", nil))
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = openAIDefaultURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Minute}
	}
	return &OpenAIClient{
		apiURL:     strings.TrimRight(apiURL, "/"),
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		client:     client,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string              `json:"model"`
	Messages       []chatMessage       `json:"messages"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

type chatResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *chatJSONSchema `json:"json_schema,omitempty"`
}

type chatJSONSchema struct {
	Name   string                 `json:"name"`
	Strict bool                   `json:"strict"`
	Schema map[string]interface{} `json:"schema"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type apiStatusError struct {
	Status int
	Body   string
}

func (e *apiStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Complete implements LLMClient.
func (c *OpenAIClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	body := chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
	}
	if req.Schema != nil {
		body.ResponseFormat = &chatResponseFormat{
			Type:       "json_schema",
			JSONSchema: &chatJSONSchema{Name: req.SchemaName, Strict: true, Schema: req.Schema},
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, mperrors.ExtractionFailed("marshal completion request", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	var retries uint64
	if c.maxRetries > 0 {
		retries = uint64(c.maxRetries)
	}

	start := time.Now()
	var out chatResponse
	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("User-Agent", buildinfo.UserAgent("extraction"))

		resp, err := c.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			se := &apiStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return se
			}
			return backoff.Permanent(se)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode completion: %w", err))
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx)); err != nil {
		return nil, classifyCompletionError(err)
	}

	if len(out.Choices) == 0 {
		return nil, mperrors.SchemaValidation("completion returned no choices")
	}
	choice := out.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, mperrors.SchemaValidation("model refused: " + choice.Message.Refusal)
	}
	return &CompletionResponse{
		Content:      choice.Message.Content,
		Model:        out.Model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		FinishReason: choice.FinishReason,
		LatencyMs:    int(time.Since(start).Milliseconds()),
	}, nil
}

func classifyCompletionError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *apiStatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden:
			return mperrors.New(mperrors.ErrCodeConfiguration, "extract", "openai rejected credentials", se)
		case se.Status == http.StatusTooManyRequests:
			return mperrors.New(mperrors.ErrCodeRateLimit, "extract", "openai rate limited", se)
		}
		return mperrors.ExtractionFailed("openai completion failed", se)
	}
	return mperrors.ProviderUnavailable("openai", err)
}

var _ LLMClient = (*OpenAIClient)(nil)
