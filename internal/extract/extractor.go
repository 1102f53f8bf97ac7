// Package extract pulls structured profile information out of chat messages
// with a JSON-mode LLM call.
package extract

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/engram/internal/llm"
)

const extractionTimeout = 10 * time.Second

// Chatter is the slice of the LLM client the extractor needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []llm.Message, jsonSchema *llm.Schema) (string, error)
}

// Result holds the structured extraction from one message. All fields are
// optional; an all-zero Result means nothing was learned.
type Result struct {
	Name        string   `json:"name"`
	Location    string   `json:"location"`
	Profession  string   `json:"profession"`
	Interests   []string `json:"interests"`
	Preferences []string `json:"preferences"`
	Opinions    []string `json:"opinions"`
}

// IsEmpty reports whether nothing was extracted.
func (r Result) IsEmpty() bool {
	return r.Name == "" && r.Location == "" && r.Profession == "" &&
		len(r.Interests) == 0 && len(r.Preferences) == 0 && len(r.Opinions) == 0
}

// Extractor uses an instruction-following LLM to extract profile facts.
type Extractor struct {
	client Chatter
	model  string
	logger *slog.Logger
}

// NewExtractor creates an Extractor using the given client and model name.
func NewExtractor(client Chatter, model string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{client: client, model: model, logger: logger}
}

// Extract analyses the text and returns whatever profile information it
// explicitly states. On any failure (LLM error, unrecoverably malformed
// JSON) it returns a zero-value Result — profile updates are best-effort
// and must never block the persistence pipeline.
func (e *Extractor) Extract(ctx context.Context, text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{}
	}

	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	raw, err := e.client.Chat(ctx, e.model, buildPrompt(text), resultSchema())
	if err != nil {
		e.logger.Warn("profile extraction chat failed", "error", err)
		return Result{}
	}

	result, err := parseResult(raw)
	if err != nil {
		e.logger.Warn("failed to parse extraction response", "error", err, "response", raw)
		return Result{}
	}
	return result
}

// parseResult unmarshals the LLM response, recovering from chatty output by
// locating the embedded {...} object before giving up.
func parseResult(raw string) (Result, error) {
	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err == nil {
		return result, nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Result{}, json.Unmarshal([]byte(raw), &result)
	}

	if err := json.Unmarshal([]byte(raw[start:end+1]), &result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// resultSchema returns the JSON schema for structured extraction output.
func resultSchema() *llm.Schema {
	return &llm.Schema{
		Type: "object",
		Properties: map[string]llm.SchemaProperty{
			"name":        {Type: "string", Description: "The user's name, if they state it"},
			"location":    {Type: "string", Description: "Where the user lives or is based, if stated"},
			"profession":  {Type: "string", Description: "The user's job or profession, if stated"},
			"interests":   {Type: "array", Description: "Hobbies or topics the user says they are interested in", Items: &llm.SchemaProperty{Type: "string"}},
			"preferences": {Type: "array", Description: "Explicit preferences about how the user wants to interact", Items: &llm.SchemaProperty{Type: "string"}},
			"opinions":    {Type: "array", Description: "Opinions the user explicitly expresses", Items: &llm.SchemaProperty{Type: "string"}},
		},
		Required: []string{"name", "location", "profession", "interests", "preferences", "opinions"},
	}
}
