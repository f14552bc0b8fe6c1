package provider

import "fmt"

const (
	APIOpenAI = "openai"
	APIOllama = "ollama"

	OllamaDefaultBaseURL = "http://localhost:11434/v1"
)

// Config mirrors the model section of the relay config to avoid an import
// cycle.
type Config struct {
	ID      string
	API     string
	BaseURL string
	APIKey  string
}

// FromConfig builds a Provider. The api field selects the endpoint family:
//   - "openai" (default): api.openai.com or any compatible server
//   - "ollama": a local Ollama server through its OpenAI-compatible API
func FromConfig(cfg Config) (*OpenAIProvider, error) {
	id := cfg.ID
	if id == "" {
		id = cfg.API
	}
	switch cfg.API {
	case APIOpenAI, "":
		if id == "" {
			id = APIOpenAI
		}
		return NewOpenAIProvider(id, cfg.BaseURL, cfg.APIKey), nil
	case APIOllama:
		base := cfg.BaseURL
		if base == "" {
			base = OllamaDefaultBaseURL
		}
		return NewOpenAIProvider(id, base, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown api type %q for provider %q (supported: %s, %s)",
			cfg.API, id, APIOpenAI, APIOllama)
	}
}
