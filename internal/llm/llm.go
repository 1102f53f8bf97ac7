package llm

import (
	"context"
	"errors"
)

// ErrEmbeddingUnavailable is returned (wrapped) when the embedding backend is
// unreachable, misconfigured, or produces a malformed result. Callers decide
// whether to fail the write (document upload) or degrade the read (retrieval).
var ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")

// Client abstracts an inference backend (an OpenAI-compatible cloud API or a
// local Ollama instance). Consumers such as profile extraction, query
// rewriting, and embedding depend on this interface instead of a concrete
// client.
type Client interface {
	// Chat sends messages to the given model and returns the assistant's
	// response. When jsonSchema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// Embed returns the embedding vector for the given text using the
	// specified model. Failures wrap ErrEmbeddingUnavailable.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured chat
// responses.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Items       *SchemaProperty `json:"items,omitempty"`
}
