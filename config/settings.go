package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Generation defaults, matching the inference endpoint's documented ones.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 250
	DefaultTopP        = 0.9

	// Tool-call payloads are verbose; the first generation of a
	// tool-enabled turn gets at least this many tokens so the model
	// does not truncate mid-invocation.
	ToolCallMaxTokensFloor = 512
)

// Settings is the process-wide environment configuration, loaded once at
// startup and passed explicitly to the components that need it.
type Settings struct {
	// InferenceURL is the base URL of the generation endpoint
	// (POST <InferenceURL>/inference).
	InferenceURL string
	// RegistryURL is the base URL of the bot/project registry service.
	RegistryURL string
	// SyncListenAddr is where the /sync control server listens.
	SyncListenAddr string

	DefaultModelID string
	Temperature    float64
	MaxTokens      int
	TopP           float64

	// ConnectTimeout bounds dialing; ReadTimeout bounds the whole
	// request. Inference generations can legitimately run minutes.
	ConnectTimeout       time.Duration
	InferenceReadTimeout time.Duration
	ToolReadTimeout      time.Duration
}

// LoadSettings reads settings from the environment, applying defaults.
func LoadSettings() (*Settings, error) {
	s := &Settings{
		InferenceURL:         os.Getenv("INFERENCE_URL"),
		RegistryURL:          os.Getenv("REGISTRY_URL"),
		SyncListenAddr:       envOr("SYNC_LISTEN_ADDR", ":8090"),
		DefaultModelID:       os.Getenv("DEFAULT_MODEL_ID"),
		Temperature:          DefaultTemperature,
		MaxTokens:            DefaultMaxTokens,
		TopP:                 DefaultTopP,
		ConnectTimeout:       10 * time.Second,
		InferenceReadTimeout: 180 * time.Second,
		ToolReadTimeout:      60 * time.Second,
	}

	if s.InferenceURL == "" {
		return nil, fmt.Errorf("INFERENCE_URL is not set")
	}

	if v := os.Getenv("DEFAULT_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_TEMPERATURE %q: %w", v, err)
		}
		s.Temperature = f
	}
	if v := os.Getenv("DEFAULT_MAX_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_MAX_TOKENS %q: %w", v, err)
		}
		s.MaxTokens = n
	}
	if v := os.Getenv("DEFAULT_TOP_P"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_TOP_P %q: %w", v, err)
		}
		s.TopP = f
	}

	return s, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
