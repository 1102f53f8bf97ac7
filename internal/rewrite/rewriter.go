// Package rewrite turns follow-up questions into standalone search queries
// so retrieval works on turns like "what about the second one?".
package rewrite

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/engram/internal/llm"
	"github.com/kalambet/engram/internal/storage"
)

const (
	rewriteTimeout = 5 * time.Second

	// historyWindow is how many trailing messages the rewriter sees.
	historyWindow = 5

	// minGrowth is the length ratio a rewrite must exceed to replace the
	// original. A rewrite that barely grew folded no context in.
	minGrowth = 1.2
)

const systemPrompt = `You are a query rewriting engine. Given a conversation history and a follow-up question, rewrite the follow-up into a single self-contained question that can be understood without the history. Use only information implied by the supplied history; never invent facts. Output ONLY the rewritten question with no preamble, quotes, or markdown.`

// Chatter is the slice of the LLM client the rewriter needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []llm.Message, jsonSchema *llm.Schema) (string, error)
}

// Rewriter produces standalone queries from follow-up questions.
type Rewriter struct {
	client Chatter
	model  string
	logger *slog.Logger
}

// NewRewriter creates a Rewriter using the given client and model name.
func NewRewriter(client Chatter, model string, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{client: client, model: model, logger: logger}
}

// Rewrite returns a standalone version of followUp informed by the last few
// history messages. The rewrite is only substituted when it is meaningfully
// longer than the original; short rewrites mean no context was folded in.
// On any LLM failure the original follow-up is returned unchanged — the
// chat turn must never block on rewriting.
func (r *Rewriter) Rewrite(ctx context.Context, history []storage.Message, followUp string) string {
	followUp = strings.TrimSpace(followUp)
	if followUp == "" || len(history) == 0 {
		return followUp
	}

	ctx, cancel := context.WithTimeout(ctx, rewriteTimeout)
	defer cancel()

	raw, err := r.client.Chat(ctx, r.model, buildPrompt(history, followUp), nil)
	if err != nil {
		r.logger.Warn("query rewrite failed, using original", "error", err)
		return followUp
	}

	rewritten := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), `"`))
	if rewritten == "" {
		return followUp
	}
	if float64(len(rewritten)) <= minGrowth*float64(len(followUp)) {
		return followUp
	}

	r.logger.Debug("query rewritten", "original", followUp, "rewritten", rewritten)
	return rewritten
}

// buildPrompt folds the trailing history window and the follow-up into a
// single user message after the fixed system prompt.
func buildPrompt(history []storage.Message, followUp string) []llm.Message {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	var sb strings.Builder
	sb.WriteString("Conversation history:\n")
	for _, m := range history {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("\nFollow-up question: ")
	sb.WriteString(followUp)

	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}
