// Package config loads engram configuration from defaults, a JSON config
// file at $XDG_CONFIG_HOME/engram/config.json, and ENGRAM_* environment
// variable overrides (in that order of precedence, env winning).
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Storage   StorageConfig
	Memory    MemoryConfig
	Documents DocumentsConfig
	Reranking RerankingConfig
	Auth      AuthConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

// LLMConfig selects the chat/extraction backend. Provider is "ollama" or
// "openrouter"; the API key is only required for openrouter.
type LLMConfig struct {
	Provider         string
	BaseURL          string
	OpenRouterAPIKey string
	ChatModel        string
	FastModel        string
}

type EmbeddingConfig struct {
	Model        string
	Dimensions   int
	HashFallback bool
}

// StorageConfig. VectorBackend selects the chunk index: "sqlite" scans the
// chunks table in place, "chromem" keeps an in-memory chromem-go mirror.
type StorageConfig struct {
	DataDir       string
	VectorBackend string
}

type MemoryConfig struct {
	ShortTermWindow  int
	VectorLimit      int
	ChunkTopK        int
	MaxContextTokens int
}

type DocumentsConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

type RerankingConfig struct {
	Enabled   bool
	Timeout   string
	Threshold float64
	TopK      int
}

type AuthConfig struct {
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4600,
			MCPPort: 4601,
		},
		LLM: LLMConfig{
			Provider:  "ollama",
			BaseURL:   "http://localhost:11434",
			ChatModel: "mistral-nemo",
			FastModel: "phi3.5",
		},
		Embedding: EmbeddingConfig{
			// Dimensions must match the model's output width: 768 for
			// nomic-embed-text, 3072 for e.g. text-embedding-3-large.
			Model:      "nomic-embed-text",
			Dimensions: 768,
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			VectorBackend: "sqlite",
		},
		Memory: MemoryConfig{
			ShortTermWindow:  10,
			VectorLimit:      5,
			ChunkTopK:        5,
			MaxContextTokens: 4000,
		},
		Documents: DocumentsConfig{
			ChunkSize:    1000,
			ChunkOverlap: 150,
		},
		Reranking: RerankingConfig{
			Enabled:   false,
			Timeout:   "5s",
			Threshold: 0.3,
			TopK:      5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend and ENGRAM_*
// environment overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	applyBackend(&cfg, b)
	applyEnvOverrides(&cfg)

	if cfg.Auth.Token == "" {
		return Config{}, fmt.Errorf("missing required config: API bearer token. Set it via environment variable ENGRAM_AUTH_TOKEN")
	}
	if cfg.LLM.Provider == "openrouter" && cfg.LLM.OpenRouterAPIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenRouter API key. Set it via environment variable ENGRAM_OPENROUTER_API_KEY")
	}
	switch cfg.Storage.VectorBackend {
	case "sqlite", "chromem":
	default:
		return Config{}, fmt.Errorf("invalid storage.vector_backend %q: must be sqlite or chromem", cfg.Storage.VectorBackend)
	}

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "engram-data"
		}
	}
	return filepath.Join(dir, "engram")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "engram", "config.json")
}
