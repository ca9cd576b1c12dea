package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/meetpipe/pkg/chunker"
	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*CompletionResponse)
	return resp, args.Error(1)
}

func sampleRequest() ChunkRequest {
	return ChunkRequest{
		Meeting: MeetingContext{
			Title:        "Acme kickoff",
			Date:         "2024-01-15",
			Participants: []string{"Alice <alice@acme.io>", "Bob"},
			TotalChunks:  3,
		},
		Chunk: chunker.Chunk{Index: 1, Text: "Alice: Let's ship Friday.\nBob: I'll write the notes.", Speakers: []string{"Alice", "Bob"}},
	}
}

func TestDefaultPromptTemplate_Render(t *testing.T) {
	compiled, err := DefaultPromptTemplate().Compile()
	require.NoError(t, err)

	p, err := compiled.Render(sampleRequest())
	require.NoError(t, err)

	assert.Contains(t, p.System, "- Title: Acme kickoff")
	assert.Contains(t, p.System, "- Date: 2024-01-15")
	assert.NotContains(t, p.System, "- Type:")
	assert.Contains(t, p.System, "- Alice <alice@acme.io>")
	assert.Contains(t, p.User, "Transcript section 2 of 3 (speakers: Alice, Bob):")
	assert.Contains(t, p.User, "Bob: I'll write the notes.")

	bare, err := compiled.Render(ChunkRequest{Chunk: chunker.Chunk{Text: "hi"}, Meeting: MeetingContext{TotalChunks: 1}})
	require.NoError(t, err)
	assert.NotContains(t, bare.System, "Meeting Context")
	assert.NotContains(t, bare.System, "Known Participants")
}

func TestNewLLMExtractor_BadTemplate(t *testing.T) {
	_, err := NewLLMExtractor(&mockLLM{}, &PromptTemplate{Name: "broken", System: "{{.Nope", User: ""})
	require.Error(t, err)
	assert.True(t, mperrors.IsConfiguration(err))

	_, err = NewLLMExtractor(nil, nil)
	assert.True(t, mperrors.IsConfiguration(err))
}

func TestLLMExtractor_ParsesResponse(t *testing.T) {
	llm := &mockLLM{}
	llm.On("Complete", mock.Anything, mock.MatchedBy(func(req *CompletionRequest) bool {
		return req.SchemaName == "meeting_intelligence" && req.Schema != nil && req.Model == "gpt-test"
	})).Return(&CompletionResponse{
		Content:      `{"summary_md":"Ship Friday.","decisions":[{"decision":"Ship Friday","rationale":null,"confidence":"high"}],"action_items":[],"tags":["release"],"entities":[]}`,
		InputTokens:  120,
		OutputTokens: 40,
	}, nil).Once()

	cfg := DefaultLLMExtractorConfig()
	cfg.Model = "gpt-test"
	ex, err := NewLLMExtractor(llm, nil, WithLLMConfig(cfg))
	require.NoError(t, err)

	out, err := ex.ExtractChunk(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "Ship Friday.", out.Summary)
	assert.Equal(t, "high", out.Decisions[0].Confidence)
	llm.AssertExpectations(t)
}

func TestLLMExtractor_InvalidResponseIsSchemaError(t *testing.T) {
	llm := &mockLLM{}
	llm.On("Complete", mock.Anything, mock.Anything).
		Return(&CompletionResponse{Content: `{"summary_md":"x","mood":"great"}`}, nil)

	ex, err := NewLLMExtractor(llm, nil)
	require.NoError(t, err)

	_, err = ex.ExtractChunk(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, mperrors.IsSchemaValidation(err))
}

func TestLLMExtractor_CallErrorKeepsCode(t *testing.T) {
	llm := &mockLLM{}
	llm.On("Complete", mock.Anything, mock.Anything).
		Return(nil, mperrors.ProviderUnavailable("openai", errors.New("dial tcp: connection refused")))

	ex, err := NewLLMExtractor(llm, nil)
	require.NoError(t, err)

	_, err = ex.ExtractChunk(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Equal(t, mperrors.ErrCodeProviderUnavailable, mperrors.CodeOf(err))
}

func TestOpenAIClient_Complete(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"model":"gpt-4o","choices":[{"message":{"content":"{\"summary_md\":\"\"}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":11,"completion_tokens":7}}`)
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIConfig{APIURL: srv.URL, APIKey: "sk-test"})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), &CompletionRequest{
		Model: "gpt-4o", System: "sys", Prompt: "user", Temperature: 0.1,
		SchemaName: "meeting_intelligence", Schema: ResponseSchema(),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"summary_md":""}`, resp.Content)
	assert.Equal(t, 11, resp.InputTokens)
	assert.Equal(t, 7, resp.OutputTokens)

	format := got["response_format"].(map[string]interface{})
	assert.Equal(t, "json_schema", format["type"])
	schema := format["json_schema"].(map[string]interface{})
	assert.Equal(t, true, schema["strict"])
	assert.Equal(t, "meeting_intelligence", schema["name"])
	messages := got["messages"].([]interface{})
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode mperrors.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key"}`, mperrors.ErrCodeConfiguration},
		{"rate limited", http.StatusTooManyRequests, `{}`, mperrors.ErrCodeRateLimit},
		{"server error", http.StatusBadGateway, `oops`, mperrors.ErrCodeExtractionFailed},
		{"bad request", http.StatusBadRequest, `{"error":"schema"}`, mperrors.ErrCodeExtractionFailed},
		{"refusal", http.StatusOK, `{"choices":[{"message":{"content":"","refusal":"cannot help"}}]}`, mperrors.ErrCodeSchemaValidation},
		{"no choices", http.StatusOK, `{"choices":[]}`, mperrors.ErrCodeSchemaValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c, err := NewOpenAIClient(OpenAIConfig{APIURL: srv.URL, APIKey: "k"})
			require.NoError(t, err)
			_, err = c.Complete(context.Background(), &CompletionRequest{Model: "m"})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, mperrors.CodeOf(err))
		})
	}
}

func TestOpenAIClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"{}"}}]}`)
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIConfig{APIURL: srv.URL, APIKey: "k", MaxRetries: 3})
	require.NoError(t, err)
	resp, err := c.Complete(context.Background(), &CompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "{}", resp.Content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNewOpenAIClient_MissingKey(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	require.Error(t, err)
	assert.True(t, mperrors.IsConfiguration(err))
	assert.True(t, mperrors.IsProviderUnavailable(err))
}
