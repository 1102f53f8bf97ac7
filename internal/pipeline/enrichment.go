package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/engram/internal/composer"
	"github.com/kalambet/engram/internal/documents"
	"github.com/kalambet/engram/internal/profile"
	"github.com/kalambet/engram/internal/reranking"
	"github.com/kalambet/engram/internal/retrieval"
	"github.com/kalambet/engram/internal/rewrite"
	"github.com/kalambet/engram/internal/storage"
)

// Request carries one incoming chat turn to enrich. Messages is the raw
// OpenAI-style message list; the last user message is treated as the query.
type Request struct {
	UserID    string
	SessionID string
	Messages  json.RawMessage
}

// Metadata captures diagnostic information about the enrichment process.
type Metadata struct {
	QueryRewritten       bool     `json:"query_rewritten"`
	ShortTermMessages    int      `json:"short_term_messages"`
	ChunksUsed           []string `json:"chunks_used,omitempty"`
	UserMessageID        string   `json:"user_message_id,omitempty"`
	EnrichmentDurationMs int64    `json:"enrichment_duration_ms"`
}

// Enricher orchestrates the memory pipeline: query rewriting, short-term and
// long-term retrieval, document chunk retrieval with optional reranking, and
// prompt composition. Persistence of the turn happens asynchronously through
// the job queue.
type Enricher struct {
	store     *storage.Store
	rewriter  *rewrite.Rewriter
	retriever *retrieval.Retriever
	docs      *documents.Service
	reranker  reranking.Reranker
	profile   *profile.Manager
	composer  *composer.Composer
	logger    *slog.Logger

	shortTermWindow int
	vectorLimit     int
	chunkTopK       int
}

// Options tunes the retrieval widths. Zero values take defaults.
type Options struct {
	ShortTermWindow int // recency window size (default 10)
	VectorLimit     int // similarity hits per search (default 5)
	ChunkTopK       int // document chunks retrieved (default 5)
}

// NewEnricher creates an Enricher wired to all pipeline components.
func NewEnricher(
	store *storage.Store,
	rewriter *rewrite.Rewriter,
	retriever *retrieval.Retriever,
	docs *documents.Service,
	reranker reranking.Reranker,
	profileMgr *profile.Manager,
	comp *composer.Composer,
	opts Options,
	logger *slog.Logger,
) *Enricher {
	if opts.ShortTermWindow <= 0 {
		opts.ShortTermWindow = 10
	}
	if opts.VectorLimit <= 0 {
		opts.VectorLimit = 5
	}
	if opts.ChunkTopK <= 0 {
		opts.ChunkTopK = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		store:           store,
		rewriter:        rewriter,
		retriever:       retriever,
		docs:            docs,
		reranker:        reranker,
		profile:         profileMgr,
		composer:        comp,
		logger:          logger,
		shortTermWindow: opts.ShortTermWindow,
		vectorLimit:     opts.VectorLimit,
		chunkTopK:       opts.ChunkTopK,
	}
}

// Enrich runs the full memory pipeline on an incoming turn:
//  1. Rewrite the last user message into a standalone query
//  2. Retrieve short-term conversation memory for the session
//  3. Retrieve long-term memory (profile summary + similar preferences)
//  4. Retrieve document chunks and optionally rerank them
//  5. Compose the enriched message list
//  6. Enqueue asynchronous persistence of the user turn
//
// Every step degrades gracefully: the caller always gets back a usable
// message list, enriched with whatever context was available.
func (e *Enricher) Enrich(ctx context.Context, req Request) (out json.RawMessage, meta Metadata) {
	start := time.Now()
	defer func() {
		meta.EnrichmentDurationMs = time.Since(start).Milliseconds()
	}()
	out = req.Messages

	lastUser := extractLastUserMessage(req.Messages)

	// 1. Rewrite follow-ups into standalone queries using recent history.
	query := lastUser
	if lastUser != "" {
		history, err := e.store.RecentMessages(req.SessionID, req.UserID, e.shortTermWindow)
		if err != nil {
			e.logger.Warn("enrichment: loading history for rewrite", "error", err)
		}
		query = e.rewriter.Rewrite(ctx, history, lastUser)
		meta.QueryRewritten = query != lastUser
	}

	// 2. Short-term conversation memory.
	shortTerm, err := e.retriever.RetrieveShortTerm(ctx, req.SessionID, req.UserID, query, e.shortTermWindow, e.vectorLimit)
	if err != nil {
		e.logger.Warn("enrichment: short-term retrieval failed", "error", err)
	}
	meta.ShortTermMessages = len(shortTerm)

	// 3. Long-term memory.
	longTerm, err := e.retriever.RetrieveLongTerm(ctx, req.UserID, query, nil, e.vectorLimit)
	if err != nil {
		e.logger.Warn("enrichment: long-term retrieval failed", "error", err)
	}

	summary, err := e.profile.GetSummary(ctx, req.UserID)
	if err != nil {
		e.logger.Warn("enrichment: loading profile summary", "error", err)
		summary = ""
	}

	// 4. Document chunks, reranked when a reranker is configured.
	var chunks []retrieval.ScoredChunk
	if query != "" {
		chunks, err = e.docs.RetrieveRelevantChunks(ctx, query, req.UserID, e.chunkTopK)
		if err != nil {
			e.logger.Warn("enrichment: chunk retrieval failed", "error", err)
			chunks = nil
		}
		if reranked, rerr := e.reranker.Rerank(ctx, query, chunks); rerr != nil {
			e.logger.Warn("enrichment: reranking failed, keeping original order", "error", rerr)
		} else {
			chunks = reranked
		}
	}
	for _, ch := range chunks {
		meta.ChunksUsed = append(meta.ChunksUsed, ch.ID)
	}

	// 5. Compose.
	enriched, err := e.composer.Compose(req.Messages, composer.Context{
		ProfileSummary: summary,
		Preferences:    longTerm.Preferences,
		ShortTerm:      shortTerm,
		Chunks:         chunks,
	})
	if err != nil {
		e.logger.Warn("enrichment: composition failed, forwarding original messages", "error", err)
	} else {
		out = enriched
	}

	// 6. Persist the user turn asynchronously.
	if lastUser != "" {
		msgID, perr := e.RecordTurn(req.UserID, req.SessionID, storage.RoleUser, lastUser)
		if perr != nil {
			e.logger.Warn("enrichment: enqueueing turn persistence", "error", perr)
		} else {
			meta.UserMessageID = msgID
		}
	}

	e.logger.Debug("enrichment complete",
		"session_id", req.SessionID,
		"query_rewritten", meta.QueryRewritten,
		"short_term", meta.ShortTermMessages,
		"chunks_used", len(meta.ChunksUsed),
	)
	return out, meta
}

// RecordTurn enqueues asynchronous persistence of one conversation turn and
// returns the ID the stored message will carry. Used by Enrich for the user
// turn and by the API to record assistant replies.
func (e *Enricher) RecordTurn(userID, sessionID, role, content string) (string, error) {
	msgID := uuid.NewString()
	payload, err := json.Marshal(storage.PersistTurnPayload{
		MessageID: msgID,
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Content:   content,
	})
	if err != nil {
		return "", fmt.Errorf("encoding turn payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        storage.JobPersistTurn,
		PayloadJSON: string(payload),
	}
	if err := e.store.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing persist_turn: %w", err)
	}
	return msgID, nil
}

// extractLastUserMessage finds the last message with role "user" in the raw
// JSON messages array and returns its content string. Returns "" if no user
// message is found or parsing fails.
func extractLastUserMessage(raw json.RawMessage) string {
	var msgs []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
