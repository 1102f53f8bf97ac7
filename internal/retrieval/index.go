// Package retrieval finds conversation and document context relevant to a
// query: brute-force cosine similarity over the SQLite store, plus an
// optional in-memory chromem index for document chunks.
package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kalambet/engram/internal/storage"
)

// Embedder turns query text into a vector. Satisfied by embedding.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ScoredMessage is a stored message with its similarity to the query.
type ScoredMessage struct {
	storage.Message
	Score float32
}

// ScoredPreference is a stored preference with its similarity to the query.
type ScoredPreference struct {
	storage.Preference
	Score float32
}

// Index performs brute-force cosine similarity search over embeddings held
// in the SQLite store. All scans are scoped by user so one user's vectors
// never rank in another's results.
//
// Rows whose embedding dimensionality differs from the query vector are
// skipped rather than failing the scan; old rows written under a different
// embedding model simply stop matching.
type Index struct {
	db *sql.DB
}

// NewIndex wraps the store's connection for similarity scans.
func NewIndex(store *storage.Store) *Index {
	return &Index{db: store.DB()}
}

// SimilarMessages returns the topK messages of a session most similar to the
// query vector, best match first.
func (x *Index) SimilarMessages(ctx context.Context, sessionID, userID string, vector []float32, topK int) ([]ScoredMessage, error) {
	ids, scores, err := x.scanTopK(ctx,
		`SELECT id, embedding FROM messages WHERE session_id = ? AND user_id = ?`,
		[]interface{}{sessionID, userID}, vector, topK)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT id, session_id, user_id, role, content, embedding, created_at
		FROM messages WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := x.db.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K messages: %w", err)
	}
	defer rows.Close()

	var results []ScoredMessage
	for rows.Next() {
		var m storage.Message
		var blob []byte
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if m.Embedding, err = storage.DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", m.ID, err)
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", m.ID, err)
		}
		results = append(results, ScoredMessage{Message: m, Score: scores[m.ID]})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	sortMessagesByScore(results)
	return results, nil
}

// SimilarPreferences returns the topK of a user's preferences most similar
// to the query vector, best match first.
func (x *Index) SimilarPreferences(ctx context.Context, userID string, vector []float32, topK int) ([]ScoredPreference, error) {
	ids, scores, err := x.scanTopK(ctx,
		`SELECT id, embedding FROM preferences WHERE user_id = ?`,
		[]interface{}{userID}, vector, topK)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT id, user_id, text, embedding, source_message_id, created_at
		FROM preferences WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := x.db.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K preferences: %w", err)
	}
	defer rows.Close()

	var results []ScoredPreference
	for rows.Next() {
		var p storage.Preference
		var blob []byte
		var createdAt string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Text, &blob, &p.SourceMessageID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning preference: %w", err)
		}
		if p.Embedding, err = storage.DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", p.ID, err)
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", p.ID, err)
		}
		results = append(results, ScoredPreference{Preference: p, Score: scores[p.ID]})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating preferences: %w", err)
	}

	sortPreferencesByScore(results)
	return results, nil
}

// scanTopK is the shared scan phase: read only id + embedding, keep the
// topK best scores in a min-heap, and return winner IDs with their scores.
// Full rows are fetched by the caller for winners only.
func (x *Index) scanTopK(ctx context.Context, query string, args []interface{}, vector []float32, topK int) ([]string, map[string]float32, error) {
	if topK <= 0 {
		return nil, nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil, nil
	}

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = storage.DecodeVectorInto(buf, blob)
		if err != nil {
			return nil, nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		// Candidates with a missing or mismatched dimensionality cannot be
		// compared; exclude them instead of failing the query.
		if len(buf) != len(vector) {
			continue
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil, nil
	}

	ids := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(ids) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		ids[i] = item.ID
		scores[item.ID] = item.Score
	}
	return ids, scores, nil
}

func idArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// sortMessagesByScore sorts by score descending. Used for small slices (topK).
func sortMessagesByScore(results []ScoredMessage) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func sortPreferencesByScore(results []ScoredPreference) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * bNorm). aNorm is the precomputed L2
// norm of vector a. Callers must ensure len(a) == len(b).
func cosine(a, b []float32, aNorm float32) float32 {
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScore holds only the ID and score during the scan phase.
type idScore struct {
	ID    string
	Score float32
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
