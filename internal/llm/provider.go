package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/config"
	"github.com/fyrsmithlabs/taskflow/internal/logging"
)

// providerDefaults describes how to reach a provider. Groq and Gemini expose
// OpenAI-compatible endpoints and are driven through the OpenAI client.
type providerDefaults struct {
	envKeys []string
	model   string
	baseURL string
}

var providers = map[string]providerDefaults{
	config.ProviderGroq: {
		envKeys: []string{"GROQ_API_KEY"},
		model:   "llama-3.3-70b-versatile",
		baseURL: "https://api.groq.com/openai/v1",
	},
	config.ProviderGemini: {
		envKeys: []string{"GOOGLE_API_KEY", "GEMINI_API_KEY"},
		model:   "gemini-2.0-flash",
		baseURL: "https://generativelanguage.googleapis.com/v1beta/openai/",
	},
	config.ProviderOpenAI: {
		envKeys: []string{"OPENAI_API_KEY"},
		model:   "gpt-4o-mini",
	},
	config.ProviderAnthropic: {
		envKeys: []string{"ANTHROPIC_API_KEY"},
		model:   "claude-2.1",
	},
}

// autoOrder is the order in which "auto" looks for credentials.
var autoOrder = []string{
	config.ProviderGroq,
	config.ProviderGemini,
	config.ProviderOpenAI,
	config.ProviderAnthropic,
}

// ErrNoCredentials is returned when no API key can be found.
var ErrNoCredentials = errors.New("no LLM API key found; set GROQ_API_KEY, GOOGLE_API_KEY, OPENAI_API_KEY or ANTHROPIC_API_KEY")

// Settings is a fully resolved provider selection.
type Settings struct {
	Provider string
	Model    string
	APIKey   config.Secret
	BaseURL  string
}

// Resolve picks the provider, key, model and endpoint for cfg. lookup reads
// environment variables. An explicit api_key always wins over the
// environment; "auto" with an explicit key selects openai.
func Resolve(cfg config.LLMConfig, lookup func(string) (string, bool)) (Settings, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	name := cfg.Provider
	if name == "" {
		name = config.ProviderAuto
	}

	key := cfg.APIKey
	if name == config.ProviderAuto {
		if key.IsSet() {
			name = config.ProviderOpenAI
		} else {
			for _, candidate := range autoOrder {
				if k, ok := envKey(providers[candidate], lookup); ok {
					name, key = candidate, k
					break
				}
			}
		}
		if name == config.ProviderAuto {
			return Settings{}, ErrNoCredentials
		}
	}

	def, ok := providers[name]
	if !ok {
		return Settings{}, fmt.Errorf("unknown llm provider %q", name)
	}
	if !key.IsSet() {
		k, found := envKey(def, lookup)
		if !found {
			return Settings{}, fmt.Errorf("%w (provider %s)", ErrNoCredentials, name)
		}
		key = k
	}

	s := Settings{
		Provider: name,
		Model:    def.model,
		APIKey:   key,
		BaseURL:  def.baseURL,
	}
	if cfg.Model != "" {
		s.Model = cfg.Model
	}
	if cfg.BaseURL != "" {
		s.BaseURL = cfg.BaseURL
	}
	return s, nil
}

func envKey(def providerDefaults, lookup func(string) (string, bool)) (config.Secret, bool) {
	for _, env := range def.envKeys {
		if v, ok := lookup(env); ok && v != "" {
			return config.Secret(v), true
		}
	}
	return "", false
}

// NewModel builds the langchaingo model for s.
//
// The anthropic client only speaks the text completion endpoint and has no
// transport options, so a custom base URL is rejected for it and httpClient
// is not used.
func NewModel(s Settings, httpClient *http.Client) (llms.Model, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	switch s.Provider {
	case config.ProviderAnthropic:
		if s.BaseURL != "" {
			return nil, fmt.Errorf("llm.base_url is not supported for provider %s", s.Provider)
		}
		m, err := anthropic.New(
			anthropic.WithToken(s.APIKey.Value()),
			anthropic.WithModel(s.Model),
		)
		if err != nil {
			return nil, err
		}
		return &completionPrompt{Model: m}, nil
	case config.ProviderOpenAI, config.ProviderGroq, config.ProviderGemini:
		opts := []openai.Option{
			openai.WithToken(s.APIKey.Value()),
			openai.WithModel(s.Model),
			openai.WithHTTPClient(httpClient),
		}
		if s.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(s.BaseURL))
		}
		return openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", s.Provider)
	}
}

// completionPrompt frames a single text message as the Human/Assistant
// transcript the text completion endpoint expects.
type completionPrompt struct {
	llms.Model
}

func (c *completionPrompt) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var b strings.Builder
	for _, m := range messages {
		for _, part := range m.Parts {
			text, ok := part.(llms.TextContent)
			if !ok {
				return nil, fmt.Errorf("unsupported content part %T", part)
			}
			if m.Role == schema.ChatMessageTypeAI {
				b.WriteString("\n\nAssistant: ")
			} else {
				b.WriteString("\n\nHuman: ")
			}
			b.WriteString(text.Text)
		}
	}
	b.WriteString("\n\nAssistant:")
	framed := llms.TextParts(schema.ChatMessageTypeHuman, b.String())
	return c.Model.GenerateContent(ctx, []llms.MessageContent{framed}, options...)
}

func (c *completionPrompt) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, c, prompt, options...)
}

// New resolves cfg against the process environment and returns a ready
// client.
func New(ctx context.Context, cfg config.LLMConfig, logger *logging.Logger) (*Client, error) {
	settings, err := Resolve(cfg, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	model, err := NewModel(settings, nil)
	if err != nil {
		return nil, fmt.Errorf("creating %s model: %w", settings.Provider, err)
	}
	if logger != nil {
		logger.Info(ctx, "llm provider selected",
			zap.String("provider", settings.Provider),
			zap.String("model", settings.Model),
			logging.Secret("api_key", settings.APIKey),
		)
	}
	return NewClient(model, Options{
		Provider:   settings.Provider,
		Model:      settings.Model,
		RateLimit:  cfg.RateLimit,
		Burst:      cfg.Burst,
		MaxRetries: cfg.MaxRetries,
		Timeout:    cfg.Timeout.Duration(),
		Logger:     logger,
	})
}
