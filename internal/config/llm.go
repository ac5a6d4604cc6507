package config

import "time"

// LLM providers.
const (
	// ProviderGemini calls the Gemini API through google.golang.org/genai.
	ProviderGemini = "gemini"
	// ProviderCommand pipes the prompt to an external command.
	ProviderCommand = "command"
	// ProviderScript replays each stage's canned responses.
	ProviderScript = "script"
)

// ValidProviders lists all supported producer backends.
var ValidProviders = []string{ProviderGemini, ProviderCommand, ProviderScript}

func isValidProvider(p string) bool {
	for _, v := range ValidProviders {
		if p == v {
			return true
		}
	}
	return false
}

// LLMConfig configures the producers.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key,omitempty"`
	Timeout  string `yaml:"timeout"`

	// Retries is the number of attempts per producer call (0 or 1 = no retry).
	Retries    int    `yaml:"retries"`
	RetryDelay string `yaml:"retry_delay"`

	// CacheSize bounds the prompt cache; 0 disables it.
	CacheSize int `yaml:"cache_size"`

	// Command is the argv for the command provider.
	Command []string `yaml:"command,omitempty"`
}

// GetLLMTimeout returns the per-call timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetRetryDelay returns the base retry delay as a duration.
func (c *Config) GetRetryDelay() time.Duration {
	return parseDuration(c.LLM.RetryDelay, 2*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
