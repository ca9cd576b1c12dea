package extraction

import (
	"context"
	"fmt"
	"time"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/observability"
)

// LLMClient is the interface for chat completion APIs.
type LLMClient interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest represents a request to the LLM.
type CompletionRequest struct {
	Model       string                 `json:"model"`
	System      string                 `json:"system"`
	Prompt      string                 `json:"prompt"`
	MaxTokens   int                    `json:"max_tokens"`
	Temperature float64                `json:"temperature"`
	SchemaName  string                 `json:"schema_name,omitempty"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
}

// CompletionResponse represents a response from the LLM.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	FinishReason string `json:"finish_reason"`
	LatencyMs    int    `json:"latency_ms"`
}

// LLMExtractorConfig configures the LLM extractor.
type LLMExtractorConfig struct {
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultLLMExtractorConfig returns default configuration.
func DefaultLLMExtractorConfig() LLMExtractorConfig {
	return LLMExtractorConfig{
		Model:       "gpt-4o-2024-08-06",
		MaxTokens:   4096,
		Temperature: 0.1,
		Timeout:     2 * time.Minute,
	}
}

// LLMExtractor renders the prompt for a chunk, calls the model with the
// response schema, and parses the answer strictly.
type LLMExtractor struct {
	config  LLMExtractorConfig
	client  LLMClient
	prompt  *CompiledPrompt
	logger  logging.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// LLMExtractorOption configures the LLM extractor.
type LLMExtractorOption func(*LLMExtractor)

// WithLLMConfig sets the model configuration.
func WithLLMConfig(config LLMExtractorConfig) LLMExtractorOption {
	return func(e *LLMExtractor) {
		e.config = config
	}
}

// WithExtractorLogger sets the logger.
func WithExtractorLogger(l logging.Logger) LLMExtractorOption {
	return func(e *LLMExtractor) {
		e.logger = l
	}
}

// WithExtractorMetrics records LLM call counts and tokens.
func WithExtractorMetrics(m *observability.Metrics) LLMExtractorOption {
	return func(e *LLMExtractor) {
		e.metrics = m
	}
}

// WithExtractorTracer wraps each call in an LLM span.
func WithExtractorTracer(t *observability.Tracer) LLMExtractorOption {
	return func(e *LLMExtractor) {
		e.tracer = t
	}
}

// NewLLMExtractor creates an extractor using tmpl (the built-in prompt if nil).
func NewLLMExtractor(client LLMClient, tmpl *PromptTemplate, opts ...LLMExtractorOption) (*LLMExtractor, error) {
	if client == nil {
		return nil, mperrors.Configuration("llm client is required")
	}
	if tmpl == nil {
		tmpl = DefaultPromptTemplate()
	}
	compiled, err := tmpl.Compile()
	if err != nil {
		return nil, mperrors.Configuration("prompt template %s: %v", tmpl.Name, err)
	}

	e := &LLMExtractor{
		config: DefaultLLMExtractorConfig(),
		client: client,
		prompt: compiled,
		logger: logging.NewNopLogger(),
		tracer: observability.NewTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logging.F("component", "llm_extractor"))
	return e, nil
}

// ExtractChunk implements Extractor.
func (e *LLMExtractor) ExtractChunk(ctx context.Context, req ChunkRequest) (*ChunkExtraction, error) {
	prompt, err := e.prompt.Render(req)
	if err != nil {
		return nil, mperrors.ExtractionFailed(fmt.Sprintf("render prompt for chunk %d", req.Chunk.Index), err)
	}

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	ctx, span := e.tracer.StartLLMSpan(ctx, e.config.Model, req.Chunk.Index)
	defer span.End()
	helper := observability.NewSpanHelper(span)

	resp, err := e.client.Complete(ctx, &CompletionRequest{
		Model:       e.config.Model,
		System:      prompt.System,
		Prompt:      prompt.User,
		MaxTokens:   e.config.MaxTokens,
		Temperature: e.config.Temperature,
		SchemaName:  "meeting_intelligence",
		Schema:      ResponseSchema(),
	})
	if err != nil {
		pe := mperrors.ClassifyError(err, "extract")
		helper.SetError(err, string(pe.Code), mperrors.IsRetryable(pe.Code))
		e.metrics.RecordLLMCall(e.config.Model, "error", 0, 0)
		return nil, fmt.Errorf("LLM call failed for chunk %d: %w", req.Chunk.Index, err)
	}
	helper.SetLLMResult(resp.InputTokens, resp.OutputTokens)

	out, err := ParseChunkExtraction([]byte(resp.Content))
	if err != nil {
		helper.SetError(err, string(mperrors.ErrCodeSchemaValidation), false)
		e.metrics.RecordLLMCall(e.config.Model, "invalid", resp.InputTokens, resp.OutputTokens)
		e.logger.Debug("response failed validation",
			logging.F("chunk", req.Chunk.Index),
			logging.F("finish_reason", resp.FinishReason),
			logging.F("template_version", e.prompt.Version))
		return nil, err
	}

	helper.SetSuccess()
	e.metrics.RecordLLMCall(e.config.Model, "ok", resp.InputTokens, resp.OutputTokens)
	return out, nil
}

var _ Extractor = (*LLMExtractor)(nil)
