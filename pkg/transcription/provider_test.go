package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
)

// countingTransport records every round trip and fails them all.
type countingTransport struct {
	calls int32
}

func (t *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	atomic.AddInt32(&t.calls, 1)
	return nil, errors.New("network disabled in test")
}

func TestRegistry_MissingCredentialFailsFast(t *testing.T) {
	for _, name := range []string{"klang", "mistral", "openai"} {
		t.Run(name, func(t *testing.T) {
			transport := &countingTransport{}
			cfg := ProviderConfig{HTTPClient: &http.Client{Transport: transport}}

			p, err := DefaultRegistry().New(name, cfg)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.True(t, mperrors.IsConfiguration(err), "want configuration error, got %v", err)
			assert.True(t, mperrors.IsProviderUnavailable(err), "want wrapped provider unavailable, got %v", err)
			assert.False(t, mperrors.IsErrorRetryable(err))
			assert.Equal(t, int32(0), atomic.LoadInt32(&transport.calls))
		})
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	_, err := DefaultRegistry().New("whisperx", ProviderConfig{APIKey: "k"})
	require.Error(t, err)
	assert.True(t, mperrors.IsConfiguration(err))
	assert.Contains(t, err.Error(), "klang, mistral, openai")
}

func TestRegistry_CaseInsensitiveAndOrdered(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"klang", "mistral", "openai"}, r.Names())

	p, err := r.New("KLANG", ProviderConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "klang", p.Name())
	assert.True(t, p.SupportsSpeakerDiarization())

	r.Register("Local", func(ProviderConfig) (Provider, error) { return &Klang{}, nil })
	assert.Equal(t, []string{"klang", "mistral", "openai", "local"}, r.Names())
}

func TestKlang_Transcribe(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transcribe", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"segments": [
				{"start": 5.0, "end": 7.5, "text": " second ", "speaker": "B", "confidence": 0.8},
				{"start": 0.0, "end": 4.0, "text": "first", "speaker": "A"},
				{"start": 5.0, "end": 6.0, "text": "tie", "speaker": "A", "confidence": 1.4}
			],
			"duration": 7.5
		}`)
	}))
	defer srv.Close()

	p, err := NewKlang(ProviderConfig{APIURL: srv.URL + "/", APIKey: "secret"})
	require.NoError(t, err)

	res, err := p.Transcribe(context.Background(), "https://files/x.mp3", "de")
	require.NoError(t, err)

	assert.Equal(t, "https://files/x.mp3", got["audio_url"])
	assert.Equal(t, "de", got["language"])
	assert.Equal(t, true, got["enable_diarization"])

	require.Len(t, res.Segments, 3)
	assert.Equal(t, "first", res.Segments[0].Text)
	assert.Equal(t, "second", res.Segments[1].Text, "stable sort keeps original order on ties")
	assert.Equal(t, "tie", res.Segments[2].Text)
	assert.Equal(t, 1.0, *res.Segments[2].Confidence, "confidence clamped")
	assert.Equal(t, "de", res.Language, "hint used when provider omits language")
	assert.Equal(t, "klang-default", res.Model)
	require.NotNil(t, res.Duration)
	assert.Equal(t, 7.5, *res.Duration)
}

func TestMistral_TranscribeRequest(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"segments": [], "language": "fr"}`)
	}))
	defer srv.Close()

	p, err := NewMistral(ProviderConfig{APIURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)
	assert.False(t, p.SupportsSpeakerDiarization())

	res, err := p.Transcribe(context.Background(), "https://files/a.wav", "")
	require.NoError(t, err)

	assert.Equal(t, "https://files/a.wav", got["file_url"])
	assert.Equal(t, "mistral-whisper", got["model"])
	assert.NotContains(t, got, "language")
	assert.Equal(t, "fr", res.Language)
	assert.NotNil(t, res.Segments)
	assert.Empty(t, res.Segments)
}

func TestProvider_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"415 unsupported", http.StatusUnsupportedMediaType, "nope", func(err error) bool { return errors.Is(err, mperrors.ErrUnsupportedFormat) }},
		{"400 names format", http.StatusBadRequest, `{"error":"audio format not supported"}`, func(err error) bool { return errors.Is(err, mperrors.ErrUnsupportedFormat) }},
		{"400 other", http.StatusBadRequest, `{"error":"bad request"}`, func(err error) bool { return errors.Is(err, mperrors.ErrTranscriptionFailed) }},
		{"500", http.StatusInternalServerError, "boom", func(err error) bool { return errors.Is(err, mperrors.ErrTranscriptionFailed) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			p, err := NewKlang(ProviderConfig{APIURL: srv.URL, APIKey: "k"})
			require.NoError(t, err)

			_, err = p.Transcribe(context.Background(), "https://files/x.mp3", "")
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
		})
	}
}

func TestProvider_RetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"segments":[{"start":0,"end":1,"text":"ok"}]}`)
	}))
	defer srv.Close()

	p, err := NewMistral(ProviderConfig{APIURL: srv.URL, APIKey: "k", MaxRetries: 2})
	require.NoError(t, err)

	res, err := p.Transcribe(context.Background(), "https://files/x.mp3", "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, "en", res.Language)
}

func TestOpenAI_UploadAndCleanup(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "RIFF-fake-audio")
	}))
	defer media.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		content, _ := io.ReadAll(f)
		assert.Equal(t, "RIFF-fake-audio", string(content))
		assert.Equal(t, "call.wav", hdr.Filename)

		io.WriteString(w, `{"text":"hello there","language":"en","duration":3.0,
			"segments":[{"start":0,"end":3,"text":"hello there","avg_logprob":-0.25}]}`)
	}))
	defer api.Close()

	tmp := t.TempDir()
	p, err := NewOpenAI(ProviderConfig{APIURL: api.URL, APIKey: "k", TempDir: tmp})
	require.NoError(t, err)

	res, err := p.Transcribe(context.Background(), media.URL+"/rec/call.wav", "")
	require.NoError(t, err)
	require.Len(t, res.Segments, 1)
	require.NotNil(t, res.Segments[0].Confidence)
	assert.InDelta(t, math.Exp(-0.25), *res.Segments[0].Confidence, 1e-9)
	assert.Equal(t, "whisper-1", res.Model)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "staged file must be removed")
}

func TestOpenAI_FullTextFallbackAndCleanupOnFailure(t *testing.T) {
	src := filepath.Join(t.TempDir(), "memo.mp3")
	require.NoError(t, os.WriteFile(src, []byte("id3"), 0o600))

	var fail atomic.Bool
	fail.Store(true)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, "invalid request")
			return
		}
		io.WriteString(w, `{"text":"just text","duration":2.5}`)
	}))
	defer api.Close()

	tmp := t.TempDir()
	p, err := NewOpenAI(ProviderConfig{APIURL: api.URL, APIKey: "k", TempDir: tmp})
	require.NoError(t, err)

	_, err = p.Transcribe(context.Background(), src, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, mperrors.ErrTranscriptionFailed))
	entries, _ := os.ReadDir(tmp)
	assert.Empty(t, entries, "staged file must be removed on failure")

	fail.Store(false)
	res, err := p.Transcribe(context.Background(), "file://"+src, "sv")
	require.NoError(t, err)
	require.Len(t, res.Segments, 1)
	assert.Equal(t, "just text", res.Segments[0].Text)
	assert.Equal(t, 2.5, res.Segments[0].End)
	assert.Equal(t, "sv", res.Language)
}

func TestOpenAI_MissingLocalSource(t *testing.T) {
	p, err := NewOpenAI(ProviderConfig{APIKey: "k"})
	require.NoError(t, err)

	_, err = p.Transcribe(context.Background(), "/does/not/exist.wav", "")
	require.Error(t, err)
	assert.True(t, mperrors.IsNotFound(err))
}

func TestResultText(t *testing.T) {
	r := &Result{Segments: []Segment{{Text: "a"}, {Text: "b c"}}}
	assert.Equal(t, "a b c", r.Text())
}
