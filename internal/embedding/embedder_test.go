package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/kalambet/engram/internal/llm"
)

type mockClient struct {
	embedFn func(ctx context.Context, model, text string) ([]float32, error)
	calls   atomic.Int32
}

func (m *mockClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	m.calls.Add(1)
	return m.embedFn(ctx, model, text)
}

func (m *mockClient) Chat(ctx context.Context, model string, messages []llm.Message, jsonSchema *llm.Schema) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockClient) IsRunning(ctx context.Context) bool { return true }

func constVector(dim int, val float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = val
	}
	return v
}

func TestEmbed_Dimensions(t *testing.T) {
	client := &mockClient{embedFn: func(_ context.Context, _, _ string) ([]float32, error) {
		return constVector(8, 0.5), nil
	}}
	e, err := New(client, "test-model", 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 8 {
		t.Errorf("got %d dims, want 8", len(vec))
	}
}

func TestEmbed_BlankInputReturnsZeroVector(t *testing.T) {
	client := &mockClient{embedFn: func(_ context.Context, _, _ string) ([]float32, error) {
		t.Fatal("backend should not be called for blank input")
		return nil, nil
	}}
	e, err := New(client, "test-model", 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, input := range []string{"", "   ", "\n\t "} {
		vec, err := e.Embed(context.Background(), input)
		if err != nil {
			t.Fatalf("Embed(%q): %v", input, err)
		}
		if len(vec) != 16 {
			t.Fatalf("Embed(%q): got %d dims, want 16", input, len(vec))
		}
		for i, v := range vec {
			if v != 0 {
				t.Fatalf("Embed(%q): vec[%d] = %f, want 0", input, i, v)
			}
		}
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	client := &mockClient{embedFn: func(_ context.Context, _, _ string) ([]float32, error) {
		return constVector(4, 0.1), nil
	}}
	e, err := New(client, "test-model", 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = e.Embed(context.Background(), "hello")
	if !errors.Is(err, llm.ErrEmbeddingUnavailable) {
		t.Errorf("err = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestEmbed_BackendFailure(t *testing.T) {
	client := &mockClient{embedFn: func(_ context.Context, _, _ string) ([]float32, error) {
		return nil, fmt.Errorf("%w: connection refused", llm.ErrEmbeddingUnavailable)
	}}
	e, err := New(client, "test-model", 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = e.Embed(context.Background(), "hello")
	if !errors.Is(err, llm.ErrEmbeddingUnavailable) {
		t.Errorf("err = %v, want ErrEmbeddingUnavailable", err)
	}
}

func TestEmbed_HashFallback(t *testing.T) {
	client := &mockClient{embedFn: func(_ context.Context, _, _ string) ([]float32, error) {
		return nil, fmt.Errorf("%w: connection refused", llm.ErrEmbeddingUnavailable)
	}}
	e, err := New(client, "test-model", 32, WithHashFallback())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vec, err := e.Embed(context.Background(), "hiking in colorado")
	if err != nil {
		t.Fatalf("Embed with fallback: %v", err)
	}
	if len(vec) != 32 {
		t.Fatalf("got %d dims, want 32", len(vec))
	}

	// Deterministic: the same text yields the same vector.
	again, err := e.Embed(context.Background(), "hiking in colorado")
	if err != nil {
		t.Fatalf("Embed again: %v", err)
	}
	for i := range vec {
		if vec[i] != again[i] {
			t.Fatalf("fallback vector not deterministic at index %d", i)
		}
	}
}

func TestEmbedBatch(t *testing.T) {
	client := &mockClient{embedFn: func(_ context.Context, _, text string) ([]float32, error) {
		return constVector(8, float32(len(text))), nil
	}}
	e, err := New(client, "test-model", 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	texts := []string{"a", "bb", "ccc"}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	// Order must match input order despite concurrent execution.
	for i, text := range texts {
		if vecs[i][0] != float32(len(text)) {
			t.Errorf("vecs[%d][0] = %f, want %f", i, vecs[i][0], float32(len(text)))
		}
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	e, err := New(&mockClient{}, "test-model", 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("got %v, want nil", vecs)
	}
}

func TestHashVector_Deterministic(t *testing.T) {
	a := HashVector("the quick brown fox", 64)
	b := HashVector("the quick brown fox", 64)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("HashVector not deterministic at index %d", i)
		}
	}

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if norm < 0.99 || norm > 1.01 {
		t.Errorf("squared norm = %f, want ~1", norm)
	}
}
