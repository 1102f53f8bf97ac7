package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
)

type keyKind int

const (
	kString keyKind = iota
	kInt
	kBool
	kFloat
)

// keySpec describes one settable config key: its storage name, env
// override, kind, and how it maps onto the Config struct.
type keySpec struct {
	key     string
	env     string
	kind    keyKind
	secret  bool
	apply   func(cfg *Config, raw string) error
	extract func(cfg *Config) string
}

var specs = []keySpec{
	{
		key: "server.port", env: "ENGRAM_SERVER_PORT", kind: kInt,
		apply:   func(cfg *Config, raw string) error { return setInt(&cfg.Server.Port, raw) },
		extract: func(cfg *Config) string { return strconv.Itoa(cfg.Server.Port) },
	},
	{
		key: "server.mcp_port", env: "ENGRAM_SERVER_MCP_PORT", kind: kInt,
		apply:   func(cfg *Config, raw string) error { return setInt(&cfg.Server.MCPPort, raw) },
		extract: func(cfg *Config) string { return strconv.Itoa(cfg.Server.MCPPort) },
	},
	{
		key: "llm.provider", env: "ENGRAM_LLM_PROVIDER", kind: kString,
		apply:   func(cfg *Config, raw string) error { cfg.LLM.Provider = raw; return nil },
		extract: func(cfg *Config) string { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", env: "ENGRAM_LLM_BASE_URL", kind: kString,
		apply:   func(cfg *Config, raw string) error { cfg.LLM.BaseURL = raw; return nil },
		extract: func(cfg *Config) string { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.openrouter_api_key", env: "ENGRAM_OPENROUTER_API_KEY", kind: kString, secret: true,
		apply:   func(cfg *Config, raw string) error { cfg.LLM.OpenRouterAPIKey = raw; return nil },
		extract: func(cfg *Config) string { return cfg.LLM.OpenRouterAPIKey },
	},
	{
		key: "llm.chat_model", env: "ENGRAM_LLM_CHAT_MODEL", kind: kString,
		apply:   func(cfg *Config, raw string) error { cfg.LLM.ChatModel = raw; return nil },
		extract: func(cfg *Config) string { return cfg.LLM.ChatModel },
	},
	{
		key: "llm.fast_model", env: "ENGRAM_LLM_FAST_MODEL", kind: kString,
		apply:   func(cfg *Config, raw string) error { cfg.LLM.FastModel = raw; return nil },
		extract: func(cfg *Config) string { return cfg.LLM.FastModel },
	},
	{
		key: "embedding.model", env: "ENGRAM_EMBED_MODEL", kind: kString,
		apply:   func(cfg *Config, raw string) error { cfg.Embedding.Model = raw; return nil },
		extract: func(cfg *Config) string { return cfg.Embedding.Model },
	},
	{
		key: "embedding.dimensions", env: "ENGRAM_EMBED_DIMENSIONS", kind: kInt,
		apply:   func(cfg *Config, raw string) error { return setInt(&cfg.Embedding.Dimensions, raw) },
		extract: func(cfg *Config) string { return strconv.Itoa(cfg.Embedding.Dimensions) },
	},
	{
		key: "embedding.hash_fallback", env: "ENGRAM_EMBED_HASH_FALLBACK", kind: kBool,
		apply:   func(cfg *Config, raw string) error { return setBool(&cfg.Embedding.HashFallback, raw) },
		extract: func(cfg *Config) string { return strconv.FormatBool(cfg.Embedding.HashFallback) },
	},
	{
		key: "storage.data_dir", env: "ENGRAM_STORAGE_DATA_DIR", kind: kString,
		apply:   func(cfg *Config, raw string) error { cfg.Storage.DataDir = raw; return nil },
		extract: func(cfg *Config) string { return cfg.Storage.DataDir },
	},
	{
		key: "storage.vector_backend", env: "ENGRAM_STORAGE_VECTOR_BACKEND", kind: kString,
		apply:   func(cfg *Config, raw string) error { cfg.Storage.VectorBackend = raw; return nil },
		extract: func(cfg *Config) string { return cfg.Storage.VectorBackend },
	},
	{
		key: "memory.short_term_window", env: "ENGRAM_MEMORY_SHORT_TERM_WINDOW", kind: kInt,
		apply:   func(cfg *Config, raw string) error { return setInt(&cfg.Memory.ShortTermWindow, raw) },
		extract: func(cfg *Config) string { return strconv.Itoa(cfg.Memory.ShortTermWindow) },
	},
	{
		key: "memory.vector_limit", env: "ENGRAM_MEMORY_VECTOR_LIMIT", kind: kInt,
		apply:   func(cfg *Config, raw string) error { return setInt(&cfg.Memory.VectorLimit, raw) },
		extract: func(cfg *Config) string { return strconv.Itoa(cfg.Memory.VectorLimit) },
	},
	{
		key: "memory.chunk_top_k", env: "ENGRAM_MEMORY_CHUNK_TOP_K", kind: kInt,
		apply:   func(cfg *Config, raw string) error { return setInt(&cfg.Memory.ChunkTopK, raw) },
		extract: func(cfg *Config) string { return strconv.Itoa(cfg.Memory.ChunkTopK) },
	},
	{
		key: "memory.max_context_tokens", env: "ENGRAM_MEMORY_MAX_CONTEXT_TOKENS", kind: kInt,
		apply:   func(cfg *Config, raw string) error { return setInt(&cfg.Memory.MaxContextTokens, raw) },
		extract: func(cfg *Config) string { return strconv.Itoa(cfg.Memory.MaxContextTokens) },
	},
	{
		key: "documents.chunk_size", env: "ENGRAM_DOCUMENTS_CHUNK_SIZE", kind: kInt,
		apply:   func(cfg *Config, raw string) error { return setInt(&cfg.Documents.ChunkSize, raw) },
		extract: func(cfg *Config) string { return strconv.Itoa(cfg.Documents.ChunkSize) },
	},
	{
		key: "documents.chunk_overlap", env: "ENGRAM_DOCUMENTS_CHUNK_OVERLAP", kind: kInt,
		apply:   func(cfg *Config, raw string) error { return setInt(&cfg.Documents.ChunkOverlap, raw) },
		extract: func(cfg *Config) string { return strconv.Itoa(cfg.Documents.ChunkOverlap) },
	},
	{
		key: "reranking.enabled", env: "ENGRAM_RERANKING_ENABLED", kind: kBool,
		apply:   func(cfg *Config, raw string) error { return setBool(&cfg.Reranking.Enabled, raw) },
		extract: func(cfg *Config) string { return strconv.FormatBool(cfg.Reranking.Enabled) },
	},
	{
		key: "reranking.timeout", env: "ENGRAM_RERANKING_TIMEOUT", kind: kString,
		apply:   func(cfg *Config, raw string) error { cfg.Reranking.Timeout = raw; return nil },
		extract: func(cfg *Config) string { return cfg.Reranking.Timeout },
	},
	{
		key: "reranking.threshold", env: "ENGRAM_RERANKING_THRESHOLD", kind: kFloat,
		apply:   func(cfg *Config, raw string) error { return setFloat(&cfg.Reranking.Threshold, raw) },
		extract: func(cfg *Config) string { return strconv.FormatFloat(cfg.Reranking.Threshold, 'g', -1, 64) },
	},
	{
		key: "reranking.top_k", env: "ENGRAM_RERANKING_TOP_K", kind: kInt,
		apply:   func(cfg *Config, raw string) error { return setInt(&cfg.Reranking.TopK, raw) },
		extract: func(cfg *Config) string { return strconv.Itoa(cfg.Reranking.TopK) },
	},
	{
		key: "auth.token", env: "ENGRAM_AUTH_TOKEN", kind: kString, secret: true,
		apply:   func(cfg *Config, raw string) error { cfg.Auth.Token = raw; return nil },
		extract: func(cfg *Config) string { return cfg.Auth.Token },
	},
	{
		key: "log.level", env: "ENGRAM_LOG_LEVEL", kind: kString,
		apply:   func(cfg *Config, raw string) error { cfg.Log.Level = raw; return nil },
		extract: func(cfg *Config) string { return cfg.Log.Level },
	},
}

func setInt(dst *int, raw string) error {
	i, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", raw, err)
	}
	*dst = i
	return nil
}

func setBool(dst *bool, raw string) error {
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid boolean %q: %w", raw, err)
	}
	*dst = b
	return nil
}

func setFloat(dst *float64, raw string) error {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", raw, err)
	}
	*dst = f
	return nil
}

func specFor(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// applyBackend overlays stored values onto cfg. Malformed entries are
// warned about and skipped so one bad key never blocks startup.
func applyBackend(cfg *Config, b Backend) {
	for _, s := range specs {
		var raw string
		var ok bool
		var err error
		switch s.kind {
		case kInt:
			var i int
			i, ok, err = b.GetInt(s.key)
			raw = strconv.Itoa(i)
		default:
			raw, ok, err = b.GetString(s.key)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring config key %s: %v\n", s.key, err)
			continue
		}
		if !ok {
			continue
		}
		if err := s.apply(cfg, raw); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring config key %s: %v\n", s.key, err)
		}
	}
}

// applyEnvOverrides lets ENGRAM_* variables win over file values.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw, ok := os.LookupEnv(s.env)
		if !ok || raw == "" {
			continue
		}
		if err := s.apply(cfg, raw); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring %s: %v\n", s.env, err)
		}
	}
}

// ValidKeys returns every settable key name, sorted.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	sort.Strings(keys)
	return keys
}
