package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every tunable of the service.
type Config struct {
	Server   ServerConfig
	AI       AIConfig
	Lookup   LookupConfig
	Storage  StorageConfig
	Sessions SessionConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	lookup, err := loadLookupConfig()
	if err != nil {
		return nil, err
	}

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	sessions, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		AI:       ai,
		Lookup:   lookup,
		Storage:  storage,
		Sessions: sessions,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" verbatim.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig describes the external text-generation capability.
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Timeout     time.Duration
}

// Enabled reports whether the required credentials were provided.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel creates a model instance from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("model credentials missing: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	timeout, err := parseDurationEnv("MODEL_TIMEOUT", 60*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
		Timeout:     timeout,
	}, nil
}

// LookupConfig describes the external lookup providers.
type LookupConfig struct {
	TavilyAPIKey     string
	TavilyBaseURL    string
	WikipediaBaseURL string
	TopK             int
	Timeout          time.Duration
}

func loadLookupConfig() (LookupConfig, error) {
	topK := 3
	if override, err := parseOptionalIntEnv("LOOKUP_TOP_K"); err != nil {
		return LookupConfig{}, err
	} else if override != nil {
		if *override < 1 {
			topK = 1
		} else {
			topK = *override
		}
	}

	timeout, err := parseDurationEnv("LOOKUP_TIMEOUT", 15*time.Second)
	if err != nil {
		return LookupConfig{}, err
	}

	return LookupConfig{
		TavilyAPIKey:     strings.TrimSpace(os.Getenv("TAVILY_API_KEY")),
		TavilyBaseURL:    getEnvOrDefault("TAVILY_BASE_URL", "https://api.tavily.com"),
		WikipediaBaseURL: getEnvOrDefault("WIKIPEDIA_BASE_URL", "https://en.wikipedia.org"),
		TopK:             topK,
		Timeout:          timeout,
	}, nil
}

// StorageConfig describes the durable transcript store.
type StorageConfig struct {
	Dir          string
	MaxRetries   int
	RetryBackoff time.Duration
}

func loadStorageConfig() (StorageConfig, error) {
	retries := 3
	if override, err := parseOptionalIntEnv("MEMORY_MAX_RETRIES"); err != nil {
		return StorageConfig{}, err
	} else if override != nil {
		if *override < 1 {
			retries = 1
		} else {
			retries = *override
		}
	}

	backoff, err := parseDurationEnv("MEMORY_RETRY_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return StorageConfig{}, err
	}

	return StorageConfig{
		Dir:          getEnvOrDefault("MEMORY_DIR", "memory"),
		MaxRetries:   retries,
		RetryBackoff: backoff,
	}, nil
}

// SessionConfig bounds the in-process session registry.
type SessionConfig struct {
	MaxActive int
	IdleTTL   time.Duration
}

func loadSessionConfig() (SessionConfig, error) {
	maxActive := 256
	if override, err := parseOptionalIntEnv("SESSION_MAX_ACTIVE"); err != nil {
		return SessionConfig{}, err
	} else if override != nil {
		if *override < 1 {
			maxActive = 1
		} else {
			maxActive = *override
		}
	}

	idleTTL, err := parseDurationEnv("SESSION_IDLE_TTL", 30*time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}

	return SessionConfig{MaxActive: maxActive, IdleTTL: idleTTL}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
