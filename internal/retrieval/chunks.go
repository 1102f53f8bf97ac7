package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kalambet/engram/internal/storage"
)

// ScoredChunk is a document chunk with its similarity to the query.
type ScoredChunk struct {
	storage.Chunk
	Score float32
}

// ChunkIndex is the similarity search backend for document chunks. The
// SQLite store remains the source of truth for chunk data; an index only
// answers "which chunks are closest to this vector" for one user.
type ChunkIndex interface {
	// Add makes freshly stored chunks searchable.
	Add(ctx context.Context, chunks []storage.Chunk) error

	// Search returns the topK chunks of one user closest to the query
	// vector, best match first.
	Search(ctx context.Context, userID string, vector []float32, topK int) ([]ScoredChunk, error)

	// RemoveDocument drops a deleted document's chunks from the index.
	RemoveDocument(ctx context.Context, documentID, userID string) error
}

// --- SQLite backend ---

// Compile-time check.
var _ ChunkIndex = (*SQLiteChunkIndex)(nil)

// SQLiteChunkIndex searches the chunks table in place with a brute-force
// cosine scan. Because the table is both storage and index, Add and
// RemoveDocument are no-ops: SaveDocument and DeleteDocument already keep
// the table current.
type SQLiteChunkIndex struct {
	index *Index
}

// NewSQLiteChunkIndex creates a chunk index over the store's chunks table.
func NewSQLiteChunkIndex(store *storage.Store) *SQLiteChunkIndex {
	return &SQLiteChunkIndex{index: NewIndex(store)}
}

func (s *SQLiteChunkIndex) Add(ctx context.Context, chunks []storage.Chunk) error {
	return nil
}

func (s *SQLiteChunkIndex) RemoveDocument(ctx context.Context, documentID, userID string) error {
	return nil
}

// Search scans the user's chunk embeddings and fetches full rows for the
// topK winners.
func (s *SQLiteChunkIndex) Search(ctx context.Context, userID string, vector []float32, topK int) ([]ScoredChunk, error) {
	ids, scores, err := s.index.scanTopK(ctx,
		`SELECT id, embedding FROM chunks WHERE user_id = ?`,
		[]interface{}{userID}, vector, topK)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT id, document_id, user_id, chunk_index, text_chunk, embedding, source_name, created_at
		FROM chunks WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := s.index.db.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		var c storage.Chunk
		var blob []byte
		var createdAt string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.UserID, &c.Index, &c.Text, &blob, &c.SourceName, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if c.Embedding, err = storage.DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", c.ID, err)
		}
		results = append(results, ScoredChunk{Chunk: c, Score: scores[c.ID]})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	sortChunksByScore(results)
	return results, nil
}

func sortChunksByScore(results []ScoredChunk) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// --- chromem backend ---

var _ ChunkIndex = (*ChromemChunkIndex)(nil)

// ChromemChunkIndex keeps chunk vectors in an embedded chromem-go database,
// one collection per user. The index lives in memory; call Warm at startup
// to rebuild it from the SQLite store.
type ChromemChunkIndex struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemChunkIndex creates an empty in-memory chromem index.
func NewChromemChunkIndex() *ChromemChunkIndex {
	return &ChromemChunkIndex{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

// Warm rebuilds the index from every document currently in the store.
func (c *ChromemChunkIndex) Warm(ctx context.Context, store *storage.Store) error {
	users, err := chunkOwners(ctx, store)
	if err != nil {
		return err
	}
	for _, userID := range users {
		docs, err := store.ListDocuments(userID, 1<<30)
		if err != nil {
			return fmt.Errorf("listing documents for %s: %w", userID, err)
		}
		for _, doc := range docs {
			chunks, err := store.DocumentChunks(doc.ID, userID)
			if err != nil {
				return fmt.Errorf("loading chunks of %s: %w", doc.ID, err)
			}
			if err := c.Add(ctx, chunks); err != nil {
				return err
			}
		}
	}
	return nil
}

func chunkOwners(ctx context.Context, store *storage.Store) ([]string, error) {
	rows, err := store.DB().QueryContext(ctx, `SELECT DISTINCT user_id FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("querying chunk owners: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// collection returns the per-user collection, creating it on first use.
func (c *ChromemChunkIndex) collection(userID string) (*chromem.Collection, error) {
	c.mu.RLock()
	col, ok := c.collections[userID]
	c.mu.RUnlock()
	if ok {
		return col, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[userID]; ok {
		return col, nil
	}

	col, err := c.db.CreateCollection("chunks_"+userID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("creating collection for %s: %w", userID, err)
	}
	c.collections[userID] = col
	return col, nil
}

func (c *ChromemChunkIndex) Add(ctx context.Context, chunks []storage.Chunk) error {
	for _, chunk := range chunks {
		col, err := c.collection(chunk.UserID)
		if err != nil {
			return err
		}
		doc := chromem.Document{
			ID:        chunk.ID,
			Content:   chunk.Text,
			Embedding: chunk.Embedding,
			Metadata: map[string]string{
				"document_id": chunk.DocumentID,
				"user_id":     chunk.UserID,
				"chunk_index": fmt.Sprintf("%d", chunk.Index),
				"source_name": chunk.SourceName,
				"created_at":  chunk.CreatedAt.UTC().Format(time.RFC3339Nano),
			},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("indexing chunk %s: %w", chunk.ID, err)
		}
	}
	return nil
}

// Search queries the user's collection. chromem requires nResults to be at
// most the collection size; retry with smaller limits until it accepts.
func (c *ChromemChunkIndex) Search(ctx context.Context, userID string, vector []float32, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}

	c.mu.RLock()
	col, ok := c.collections[userID]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	where := map[string]string{"user_id": userID}

	var results []chromem.Result
	for limit := topK; limit >= 1; limit-- {
		var err error
		results, err = col.QueryEmbedding(ctx, vector, limit, where, nil)
		if err == nil {
			break
		}
		if isTooFewDocsError(err) {
			if limit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("querying chunk index: %w", err)
	}

	chunks := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		index := 0
		fmt.Sscanf(r.Metadata["chunk_index"], "%d", &index)
		createdAt, _ := time.Parse(time.RFC3339Nano, r.Metadata["created_at"])
		chunks = append(chunks, ScoredChunk{
			Chunk: storage.Chunk{
				ID:         r.ID,
				DocumentID: r.Metadata["document_id"],
				UserID:     userID,
				Index:      index,
				Text:       r.Content,
				Embedding:  r.Embedding,
				SourceName: r.Metadata["source_name"],
				CreatedAt:  createdAt,
			},
			Score: r.Similarity,
		})
	}
	return chunks, nil
}

// RemoveDocument deletes the document's chunks from the user's collection.
func (c *ChromemChunkIndex) RemoveDocument(ctx context.Context, documentID, userID string) error {
	c.mu.RLock()
	col, ok := c.collections[userID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := col.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
		return fmt.Errorf("removing document %s from index: %w", documentID, err)
	}
	return nil
}

// isTooFewDocsError reports whether a chromem query failed because nResults
// exceeded the collection size.
func isTooFewDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
