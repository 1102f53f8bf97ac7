package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func tempBackend(t *testing.T) *fileBackend {
	t.Helper()
	return newFileBackend(filepath.Join(t.TempDir(), "config.json"))
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGRAM_AUTH_TOKEN", "test-token")

	cfg, err := loadWith(tempBackend(t))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Server.MCPPort != 4601 {
		t.Errorf("Server.MCPPort = %d, want 4601", cfg.Server.MCPPort)
	}
	if cfg.LLM.Provider != "ollama" {
		t.Errorf("LLM.Provider = %q, want ollama", cfg.LLM.Provider)
	}
	if cfg.Storage.VectorBackend != "sqlite" {
		t.Errorf("Storage.VectorBackend = %q, want sqlite", cfg.Storage.VectorBackend)
	}
	if cfg.Memory.ShortTermWindow != 10 {
		t.Errorf("Memory.ShortTermWindow = %d, want 10", cfg.Memory.ShortTermWindow)
	}
	// The default dimension must match the default model's output width
	// (nomic-embed-text emits 768-wide vectors).
	if cfg.Embedding.Model != "nomic-embed-text" || cfg.Embedding.Dimensions != 768 {
		t.Errorf("embedding defaults = %q/%d, want nomic-embed-text/768", cfg.Embedding.Model, cfg.Embedding.Dimensions)
	}
	if cfg.Reranking.Enabled {
		t.Error("Reranking.Enabled should default to false")
	}
	if cfg.Auth.Token != "test-token" {
		t.Errorf("Auth.Token = %q, want test-token", cfg.Auth.Token)
	}
}

func TestLoadFileValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGRAM_AUTH_TOKEN", "test-token")

	b := tempBackend(t)
	if err := b.SetInt("server.port", 9000); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("llm.chat_model", "llama3.1"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetString("reranking.enabled", "true"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetString("reranking.threshold", "0.7"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	// Reload from disk to exercise the round trip.
	cfg, err := loadWith(newFileBackend(b.path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.LLM.ChatModel != "llama3.1" {
		t.Errorf("LLM.ChatModel = %q, want llama3.1", cfg.LLM.ChatModel)
	}
	if !cfg.Reranking.Enabled {
		t.Error("Reranking.Enabled should be true")
	}
	if cfg.Reranking.Threshold != 0.7 {
		t.Errorf("Reranking.Threshold = %v, want 0.7", cfg.Reranking.Threshold)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGRAM_AUTH_TOKEN", "test-token")
	t.Setenv("ENGRAM_SERVER_PORT", "7000")

	b := tempBackend(t)
	if err := b.SetInt("server.port", 9000); err != nil {
		t.Fatalf("SetInt: %v", err)
	}

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want env override 7000", cfg.Server.Port)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	clearEnv(t)

	_, err := loadWith(tempBackend(t))
	if err == nil {
		t.Fatal("expected error when auth token is missing")
	}
	if !strings.Contains(err.Error(), "ENGRAM_AUTH_TOKEN") {
		t.Errorf("error should name ENGRAM_AUTH_TOKEN, got: %v", err)
	}
}

func TestOpenRouterRequiresKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGRAM_AUTH_TOKEN", "test-token")
	t.Setenv("ENGRAM_LLM_PROVIDER", "openrouter")

	if _, err := loadWith(tempBackend(t)); err == nil {
		t.Fatal("expected error when openrouter key is missing")
	}

	t.Setenv("ENGRAM_OPENROUTER_API_KEY", "sk-or-test")
	cfg, err := loadWith(tempBackend(t))
	if err != nil {
		t.Fatalf("loadWith with key: %v", err)
	}
	if cfg.LLM.OpenRouterAPIKey != "sk-or-test" {
		t.Errorf("OpenRouterAPIKey = %q", cfg.LLM.OpenRouterAPIKey)
	}
}

func TestInvalidVectorBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGRAM_AUTH_TOKEN", "test-token")
	t.Setenv("ENGRAM_STORAGE_VECTOR_BACKEND", "pinecone")

	_, err := loadWith(tempBackend(t))
	if err == nil || !strings.Contains(err.Error(), "vector_backend") {
		t.Fatalf("expected vector backend error, got: %v", err)
	}
}

func TestMalformedFileValueIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENGRAM_AUTH_TOKEN", "test-token")

	b := tempBackend(t)
	if err := b.SetString("server.port", "not-a-number"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("Server.Port = %d, want default 4600 after malformed value", cfg.Server.Port)
	}
}

func TestSetKey(t *testing.T) {
	b := tempBackend(t)

	if err := setKeyWith(b, "memory.vector_limit", "8"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	got, ok, err := b.GetInt("memory.vector_limit")
	if err != nil || !ok || got != 8 {
		t.Errorf("GetInt = (%d, %v, %v), want (8, true, nil)", got, ok, err)
	}

	if err := setKeyWith(b, "memory.vector_limit", "lots"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKeyWith(b, "reranking.enabled", "maybe"); err == nil {
		t.Error("expected error for non-boolean value")
	}
	if err := setKeyWith(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestFileBackendPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	b := newFileBackend(path)
	if err := b.SetString("log.level", "debug"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	b2 := newFileBackend(path)
	val, ok, err := b2.GetString("log.level")
	if err != nil || !ok || val != "debug" {
		t.Errorf("GetString after reload = (%q, %v, %v), want (debug, true, nil)", val, ok, err)
	}

	if err := b2.Delete("log.level"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newFileBackend(path).GetString("log.level"); ok {
		t.Error("key should be gone after Delete")
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Auth.Token = "super-secret"
	cfg.LLM.OpenRouterAPIKey = "sk-or-abc"

	var gotToken, gotPort bool
	for _, kv := range ShowAll(cfg) {
		if kv.Value == "super-secret" || kv.Value == "sk-or-abc" {
			t.Errorf("secret leaked for key %s", kv.Key)
		}
		if kv.Key == "auth.token" {
			gotToken = true
			if kv.Value != "********" {
				t.Errorf("auth.token = %q, want masked", kv.Value)
			}
		}
		if kv.Key == "server.port" {
			gotPort = true
			if kv.Value != "4600" {
				t.Errorf("server.port = %q, want 4600", kv.Value)
			}
		}
	}
	if !gotToken || !gotPort {
		t.Error("expected auth.token and server.port in ShowAll output")
	}
}
