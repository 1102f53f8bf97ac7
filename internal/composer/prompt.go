// Package composer splices retrieved memory into an outgoing OpenAI-style
// message list without touching the caller's own messages.
package composer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/engram/internal/retrieval"
	"github.com/kalambet/engram/internal/storage"
)

const defaultMaxContextTokens = 4000

// Context is everything retrieval produced for one chat turn.
type Context struct {
	ProfileSummary string
	Preferences    []retrieval.ScoredPreference
	ShortTerm      []storage.Message
	Chunks         []retrieval.ScoredChunk
}

// IsEmpty reports whether there is nothing to splice.
func (c Context) IsEmpty() bool {
	return c.ProfileSummary == "" && len(c.Preferences) == 0 &&
		len(c.ShortTerm) == 0 && len(c.Chunks) == 0
}

// Composer assembles enriched message lists from user profile, conversation
// memory, and retrieved document chunks.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose prepends a system message carrying the memory context to the
// OpenAI-style message list. If the list already opens with a system
// message, the context is prepended to it instead. The caller's messages
// are otherwise preserved byte for byte.
func (c *Composer) Compose(messages json.RawMessage, memory Context) (json.RawMessage, error) {
	msgs, err := parseMessages(messages)
	if err != nil {
		return messages, fmt.Errorf("parsing messages: %w", err)
	}

	enrichment := c.buildEnrichment(memory)
	if enrichment == "" {
		return messages, nil
	}

	if len(msgs) > 0 && getRole(msgs[0]) == "system" {
		existing := getContent(msgs[0])
		merged := enrichment + "\n\n---\n\n" + existing
		setContent(msgs[0], merged)
	} else {
		sys := makeSystemMessage(enrichment)
		msgs = append([]rawMsg{sys}, msgs...)
	}

	marshalled, err := json.Marshal(msgs)
	if err != nil {
		return messages, fmt.Errorf("marshalling messages: %w", err)
	}
	return marshalled, nil
}

// buildEnrichment constructs the system message content, respecting the
// token budget: the profile always fits, conversation memory keeps its most
// recent lines, and document chunks are dropped lowest score first.
func (c *Composer) buildEnrichment(memory Context) string {
	var sb strings.Builder

	if memory.ProfileSummary != "" || len(memory.Preferences) > 0 {
		sb.WriteString("[User Profile]\n")
		sb.WriteString(memory.ProfileSummary)
		for _, p := range memory.Preferences {
			if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
				sb.WriteString(" ")
			}
			sb.WriteString(p.Text)
			if !strings.HasSuffix(p.Text, ".") {
				sb.WriteString(".")
			}
		}
	}

	remaining := c.MaxContextTokens - EstimateTokens(sb.String())

	if section := c.memorySection(memory.ShortTerm, &remaining); section != "" {
		sb.WriteString(section)
	}
	if section := c.chunkSection(memory.Chunks, &remaining); section != "" {
		sb.WriteString(section)
	}

	return sb.String()
}

// memorySection renders recent conversation turns oldest first, trimming
// from the oldest end when the budget is tight.
func (c *Composer) memorySection(shortTerm []storage.Message, remaining *int) string {
	if len(shortTerm) == 0 {
		return ""
	}

	header := "\n\n[Conversation Memory]\n"
	budget := *remaining - EstimateTokens(header)
	if budget <= 0 {
		return ""
	}

	// Walk newest to oldest so the most recent turns survive trimming, then
	// emit in chronological order.
	var kept []string
	for i := len(shortTerm) - 1; i >= 0; i-- {
		line := fmt.Sprintf("%s: %s\n", shortTerm[i].Role, shortTerm[i].Content)
		tokens := EstimateTokens(line)
		if tokens > budget {
			break
		}
		kept = append(kept, line)
		budget -= tokens
	}
	if len(kept) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(header)
	for i := len(kept) - 1; i >= 0; i-- {
		sb.WriteString(kept[i])
	}
	*remaining -= EstimateTokens(sb.String())
	return sb.String()
}

// chunkSection renders retrieved document chunks, dropping the lowest
// scoring ones first when the budget is tight.
func (c *Composer) chunkSection(chunks []retrieval.ScoredChunk, remaining *int) string {
	if len(chunks) == 0 {
		return ""
	}

	header := "\n\n[Retrieved Context]\n"
	budget := *remaining - EstimateTokens(header)
	if budget <= 0 {
		return ""
	}

	sorted := make([]retrieval.ScoredChunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	var selected []string
	for _, ch := range sorted {
		entry := formatChunk(ch)
		tokens := EstimateTokens(entry)
		if tokens > budget {
			continue
		}
		selected = append(selected, entry)
		budget -= tokens
	}
	if len(selected) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(header)
	for _, entry := range selected {
		sb.WriteString(entry)
	}
	*remaining -= EstimateTokens(sb.String())
	return sb.String()
}

func formatChunk(ch retrieval.ScoredChunk) string {
	return fmt.Sprintf("(Score: %.2f, Source: %s)\n%s\n\n", ch.Score, ch.SourceName, ch.Text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// rawMsg preserves all JSON fields on a message while allowing role/content access.
type rawMsg map[string]json.RawMessage

func parseMessages(data json.RawMessage) ([]rawMsg, error) {
	var msgs []rawMsg
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func getRole(m rawMsg) string {
	v, ok := m["role"]
	if !ok {
		return ""
	}
	var role string
	json.Unmarshal(v, &role)
	return role
}

func getContent(m rawMsg) string {
	v, ok := m["content"]
	if !ok {
		return ""
	}
	var content string
	json.Unmarshal(v, &content)
	return content
}

func setContent(m rawMsg, s string) {
	b, _ := json.Marshal(s)
	m["content"] = b
}

func makeSystemMessage(content string) rawMsg {
	m := make(rawMsg)
	m["role"], _ = json.Marshal("system")
	m["content"], _ = json.Marshal(content)
	return m
}
