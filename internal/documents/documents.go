// Package documents ingests uploaded files into searchable chunks: extract
// text, split it, embed every piece, persist atomically, index for
// similarity search.
package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/engram/internal/chunker"
	"github.com/kalambet/engram/internal/doctext"
	"github.com/kalambet/engram/internal/retrieval"
	"github.com/kalambet/engram/internal/storage"
)

// ErrExtractionFailed is returned when no text can be extracted from an
// uploaded file. Unlike retrieval failures this one is user-visible: an
// upload is a deliberate action expecting a result.
var ErrExtractionFailed = errors.New("no text could be extracted")

// Embedder is the slice of the embedding service the document pipeline needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Service stores and searches user documents.
type Service struct {
	store     *storage.Store
	index     retrieval.ChunkIndex
	embedder  Embedder
	chunkSize int
	overlap   int
	logger    *slog.Logger
}

// NewService creates a document service. chunkSize and overlap configure the
// splitter for every upload.
func NewService(store *storage.Store, index retrieval.ChunkIndex, embedder Embedder, chunkSize, overlap int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		index:     index,
		embedder:  embedder,
		chunkSize: chunkSize,
		overlap:   overlap,
		logger:    logger,
	}
}

// StoreDocument extracts text from the uploaded file, chunks it, embeds
// every chunk, and persists document plus chunks in one transaction. The
// upload fails outright when extraction produces nothing or the embedding
// backend is down; a document without searchable chunks is useless.
func (s *Service) StoreDocument(ctx context.Context, content []byte, filename, userID string) (storage.Document, error) {
	text, err := doctext.Extract(filename, content)
	if err != nil {
		return storage.Document{}, fmt.Errorf("%w: %s", ErrExtractionFailed, err)
	}
	if strings.TrimSpace(text) == "" {
		return storage.Document{}, fmt.Errorf("%w: %s", ErrExtractionFailed, filename)
	}

	pieces := chunker.Split(text, s.chunkSize, s.overlap)
	if len(pieces) == 0 {
		return storage.Document{}, fmt.Errorf("%w: %s", ErrExtractionFailed, filename)
	}

	vectors, err := s.embedder.EmbedBatch(ctx, pieces)
	if err != nil {
		return storage.Document{}, fmt.Errorf("embedding document chunks: %w", err)
	}

	now := time.Now().UTC()
	doc := storage.Document{
		ID:         uuid.NewString(),
		UserID:     userID,
		Filename:   filename,
		FileType:   strings.ToLower(filepath.Ext(filename)),
		TextLength: len(text),
		ChunkCount: len(pieces),
		CreatedAt:  now,
	}

	chunks := make([]storage.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = storage.Chunk{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			UserID:     userID,
			Index:      i,
			Text:       piece,
			Embedding:  vectors[i],
			SourceName: filename,
			CreatedAt:  now,
		}
	}

	if err := s.store.SaveDocument(doc, chunks); err != nil {
		return storage.Document{}, fmt.Errorf("saving document: %w", err)
	}

	if err := s.index.Add(ctx, chunks); err != nil {
		// The store is the source of truth; a stale index only costs recall
		// until the next warm-up.
		s.logger.Warn("indexing document chunks failed",
			"document_id", doc.ID, "error", err)
	}

	s.logger.Info("document stored",
		"document_id", doc.ID, "user_id", userID,
		"filename", filename, "chunks", len(chunks), "text_length", len(text))

	return doc, nil
}

// RetrieveRelevantChunks returns the user's chunks most similar to the
// query, best match first. Retrieval is best-effort: when the embedding
// backend is down it returns an empty result and logs a warning instead of
// failing the chat turn.
func (s *Service) RetrieveRelevantChunks(ctx context.Context, query, userID string, limit int) ([]retrieval.ScoredChunk, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("document retrieval unavailable, continuing without context",
			"user_id", userID, "error", err)
		return nil, nil
	}

	chunks, err := s.index.Search(ctx, userID, vec, limit)
	if err != nil {
		s.logger.Warn("chunk search failed, continuing without context",
			"user_id", userID, "error", err)
		return nil, nil
	}
	return chunks, nil
}

// Get returns one of the user's documents.
func (s *Service) Get(ctx context.Context, id, userID string) (storage.Document, error) {
	return s.store.GetDocument(id, userID)
}

// List returns the user's documents, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]storage.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListDocuments(userID, limit)
}

// Delete removes a document, its chunks, and its index entries.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	if err := s.store.DeleteDocument(id, userID); err != nil {
		return err
	}
	if err := s.index.RemoveDocument(ctx, id, userID); err != nil {
		s.logger.Warn("removing document from index failed",
			"document_id", id, "error", err)
	}
	return nil
}
