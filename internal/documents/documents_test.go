package documents

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/kalambet/engram/internal/retrieval"
	"github.com/kalambet/engram/internal/storage"
)

// hashEmbedder produces deterministic vectors from text so similarity is
// stable without a backend.
type hashEmbedder struct {
	err error
}

func (h *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if h.err != nil {
		return nil, h.err
	}
	vec := make([]float32, 4)
	for i, r := range text {
		vec[i%4] += float32(r) / 1000
	}
	return vec, nil
}

func (h *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if h.err != nil {
		return nil, h.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func newTestService(t *testing.T, embedder Embedder) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	index := retrieval.NewSQLiteChunkIndex(store)
	return NewService(store, index, embedder, 1000, 100, slog.Default()), store
}

func TestStoreDocument(t *testing.T) {
	svc, store := newTestService(t, &hashEmbedder{})

	// Roughly 4500 characters of sentence-shaped text.
	text := strings.Repeat("The quick brown fox jumps over the lazy dog near the river bank. ", 69)
	doc, err := svc.StoreDocument(context.Background(), []byte(text), "notes.txt", "u1")
	if err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}

	if doc.ChunkCount == 0 {
		t.Fatal("expected at least one chunk")
	}
	chunks, err := store.DocumentChunks(doc.ID, "u1")
	if err != nil {
		t.Fatalf("DocumentChunks: %v", err)
	}
	if len(chunks) != doc.ChunkCount {
		t.Errorf("chunk_count = %d but %d chunks stored", doc.ChunkCount, len(chunks))
	}
	for _, c := range chunks {
		if len(c.Text) > 1000 {
			t.Errorf("chunk %d has %d characters, want <= 1000", c.Index, len(c.Text))
		}
		if len(c.Embedding) == 0 {
			t.Errorf("chunk %d stored without embedding", c.Index)
		}
	}
	if doc.TextLength != len(text) {
		t.Errorf("text_length = %d, want %d", doc.TextLength, len(text))
	}
}

func TestStoreDocumentNoText(t *testing.T) {
	svc, _ := newTestService(t, &hashEmbedder{})

	_, err := svc.StoreDocument(context.Background(), []byte("   \n\t  "), "empty.txt", "u1")
	if !errors.Is(err, ErrExtractionFailed) {
		t.Errorf("err = %v, want ErrExtractionFailed", err)
	}
}

func TestStoreDocumentBinaryContent(t *testing.T) {
	svc, _ := newTestService(t, &hashEmbedder{})

	_, err := svc.StoreDocument(context.Background(), []byte{0xff, 0xfe, 0x00, 0x01}, "blob.bin", "u1")
	if !errors.Is(err, ErrExtractionFailed) {
		t.Errorf("err = %v, want ErrExtractionFailed", err)
	}
}

func TestStoreDocumentEmbedFailureFailsUpload(t *testing.T) {
	svc, _ := newTestService(t, &hashEmbedder{err: errors.New("backend down")})

	_, err := svc.StoreDocument(context.Background(), []byte("some perfectly good text"), "notes.txt", "u1")
	if err == nil {
		t.Fatal("expected upload to fail when embedding is unavailable")
	}
	if errors.Is(err, ErrExtractionFailed) {
		t.Errorf("embedding failure misreported as extraction failure: %v", err)
	}
}

func TestRetrieveRelevantChunksUserIsolation(t *testing.T) {
	svc, _ := newTestService(t, &hashEmbedder{})
	ctx := context.Background()

	content := []byte("Shared document content about mountain hiking and trail safety.")
	if _, err := svc.StoreDocument(ctx, content, "a.txt", "alice"); err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}
	if _, err := svc.StoreDocument(ctx, content, "b.txt", "bob"); err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}

	got, err := svc.RetrieveRelevantChunks(ctx, "mountain hiking", "alice", 10)
	if err != nil {
		t.Fatalf("RetrieveRelevantChunks: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one chunk for alice")
	}
	for _, c := range got {
		if c.UserID != "alice" {
			t.Errorf("chunk owned by %q returned for alice", c.UserID)
		}
	}
}

func TestRetrieveRelevantChunksEmbedFailure(t *testing.T) {
	embedder := &hashEmbedder{}
	svc, _ := newTestService(t, embedder)
	ctx := context.Background()

	if _, err := svc.StoreDocument(ctx, []byte("searchable content"), "a.txt", "u1"); err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}

	embedder.err = errors.New("backend down")
	got, err := svc.RetrieveRelevantChunks(ctx, "anything", "u1", 5)
	if err != nil {
		t.Fatalf("retrieval must not propagate embed failure: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result on degraded retrieval, got %d", len(got))
	}
}

func TestRetrieveRelevantChunksEmptyQuery(t *testing.T) {
	svc, _ := newTestService(t, &hashEmbedder{})
	got, err := svc.RetrieveRelevantChunks(context.Background(), "  ", "u1", 5)
	if err != nil {
		t.Fatalf("RetrieveRelevantChunks: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for empty query, got %v", got)
	}
}

func TestDeleteDocument(t *testing.T) {
	svc, store := newTestService(t, &hashEmbedder{})
	ctx := context.Background()

	doc, err := svc.StoreDocument(ctx, []byte("content to delete"), "a.txt", "u1")
	if err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}
	if err := svc.Delete(ctx, doc.ID, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := store.GetDocument(doc.ID, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	got, err := svc.RetrieveRelevantChunks(ctx, "content", "u1", 5)
	if err != nil {
		t.Fatalf("RetrieveRelevantChunks: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("deleted document still searchable: %v", got)
	}
}
