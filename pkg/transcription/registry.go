package transcription

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
)

// ProviderConfig carries everything a provider constructor needs.
type ProviderConfig struct {
	APIURL  string
	APIKey  string
	Model   string
	Timeout time.Duration

	// MaxRetries bounds transport-level retries of a single HTTP call.
	// Zero means one attempt.
	MaxRetries int

	// TempDir is where upload-based providers stage media. Empty means os.TempDir.
	TempDir string

	// HTTPClient overrides the client built from Timeout. Used by tests.
	HTTPClient *http.Client
	Logger     logging.Logger
}

func (c ProviderConfig) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &http.Client{Timeout: timeout}
}

func (c ProviderConfig) logger() logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.NewNopLogger()
}

// Constructor builds a provider. It returns an error wrapping
// ErrProviderUnavailable when a required credential is missing.
type Constructor func(cfg ProviderConfig) (Provider, error)

// Registry maps provider names to constructors in registration order.
type Registry struct {
	mu    sync.RWMutex
	names []string
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry holding the built-in providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("klang", NewKlang)
	r.Register("mistral", NewMistral)
	r.Register("openai", NewOpenAI)
	return r
}

// Register adds or replaces a constructor. Names are case-insensitive.
func (r *Registry) Register(name string, ctor Constructor) {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[name]; !exists {
		r.names = append(r.names, name)
	}
	r.ctors[name] = ctor
}

// Names returns the registered provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// New constructs the named provider.
func (r *Registry) New(name string, cfg ProviderConfig) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	ctor, ok := r.ctors[key]
	names := strings.Join(r.names, ", ")
	r.mu.RUnlock()

	if !ok {
		return nil, mperrors.Configuration("unknown transcription provider %q (available: %s)", name, names)
	}

	p, err := ctor(cfg)
	if err != nil {
		return nil, mperrors.New(mperrors.ErrCodeConfiguration, "",
			fmt.Sprintf("provider %s not configured: %v", key, err), err)
	}
	return p, nil
}

func missingCredential(provider, what string) error {
	return mperrors.ProviderUnavailable(provider, fmt.Errorf("%s not configured", what))
}
