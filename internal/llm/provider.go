package llm

import (
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/option"
)

// Provider identifies a model provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
)

// ParseModelString splits a model identifier into provider and model name.
//
//	"ollama/llama3.2"          -> (ollama, "llama3.2")
//	"openai/gpt-4o"            -> (openai, "gpt-4o")
//	"claude-sonnet-4-20250514" -> (anthropic, "claude-sonnet-4-20250514")
//	"gpt-3.5-turbo"            -> (openai, "gpt-3.5-turbo")
//	"llama3.2"                 -> (ollama if OLLAMA_HOST set, else openai if OPENAI_API_KEY set, else anthropic)
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		name := model[i+1:]
		switch strings.ToLower(model[:i]) {
		case "ollama":
			return ProviderOllama, name
		case "openai":
			return ProviderOpenAI, name
		case "anthropic":
			return ProviderAnthropic, name
		}
	}

	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "claude") {
		return ProviderAnthropic, model
	}
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return ProviderOpenAI, model
	}

	if os.Getenv("OLLAMA_HOST") != "" {
		return ProviderOllama, model
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI, model
	}
	return ProviderAnthropic, model
}

// ClientConfig selects and configures a model client.
type ClientConfig struct {
	// Model is a provider-qualified or bare model identifier.
	Model string
	// APIKey overrides the provider's environment variable when set.
	APIKey string
	// BaseURL points OpenAI-compatible or Ollama clients at a custom endpoint.
	BaseURL string
}

// NewClient builds the client for cfg.Model and returns it with the bare
// model name to send in requests.
//
// Environment fallbacks:
//
//	ANTHROPIC_API_KEY  read by the Anthropic SDK
//	OPENAI_API_KEY     OpenAI API key
//	OPENAI_BASE_URL    custom OpenAI-compatible base URL
//	OLLAMA_HOST        Ollama server address
func NewClient(cfg ClientConfig, opts ...OpenAIOption) (Client, string) {
	provider, modelName := ParseModelString(cfg.Model)

	switch provider {
	case ProviderOllama:
		host := cfg.BaseURL
		if host == "" {
			host = os.Getenv("OLLAMA_HOST")
		}
		return NewOllamaClient(host, opts...), modelName

	case ProviderOpenAI:
		apiKey := firstNonEmpty(cfg.APIKey, os.Getenv("OPENAI_API_KEY"))
		if baseURL := firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL")); baseURL != "" {
			return NewOpenAICompatibleClient(baseURL, apiKey, opts...), modelName
		}
		return NewOpenAIClient(apiKey, opts...), modelName

	default:
		var reqOpts []option.RequestOption
		if cfg.APIKey != "" {
			reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
		}
		return NewAnthropicClient(reqOpts...), modelName
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
