package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/engram/internal/storage"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type stubEmbedder struct {
	err   error
	calls int
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 2, 3}, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeClock, *stubEmbedder) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	embedder := &stubEmbedder{}
	m := NewManagerWithClock(store, embedder, slog.Default(), clock, time.Minute)
	return m, clock, embedder
}

func TestUpdateProfileScalarOverwrite(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.UpdateProfile(ctx, "u1", Update{Name: "Alice"}, ""); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if err := m.UpdateProfile(ctx, "u1", Update{Name: "Bob"}, ""); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	p, err := m.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Facts[FactName] != "Bob" {
		t.Errorf("name = %q, want Bob", p.Facts[FactName])
	}
}

func TestUpdateProfileEmptyScalarKeepsOld(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.UpdateProfile(ctx, "u1", Update{Name: "Alice", Location: "Denver"}, ""); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	// Nothing learned about the name this time.
	if err := m.UpdateProfile(ctx, "u1", Update{Location: "Boulder"}, ""); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	p, err := m.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Facts[FactName] != "Alice" {
		t.Errorf("name = %q, want Alice (empty update must not erase)", p.Facts[FactName])
	}
	if p.Facts[FactLocation] != "Boulder" {
		t.Errorf("location = %q, want Boulder", p.Facts[FactLocation])
	}
}

func TestUpdateProfileListAppendDedup(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.UpdateProfile(ctx, "u1", Update{Interests: []string{"hiking"}}, ""); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if err := m.UpdateProfile(ctx, "u1", Update{Interests: []string{"hiking", "coding"}}, ""); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	p, err := m.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if len(p.Interests) != 2 {
		t.Fatalf("interests = %v, want [hiking coding]", p.Interests)
	}
	if p.Interests[0] != "hiking" || p.Interests[1] != "coding" {
		t.Errorf("interests = %v, want [hiking coding]", p.Interests)
	}
}

func TestUpdateProfilePreferencesEmbedded(t *testing.T) {
	m, _, embedder := newTestManager(t)
	ctx := context.Background()

	upd := Update{Preferences: []string{"likes concise answers", "prefers dark mode"}}
	if err := m.UpdateProfile(ctx, "u1", upd, "msg-1"); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if embedder.calls != 2 {
		t.Errorf("embedder called %d times, want 2", embedder.calls)
	}

	prefs, err := m.store.Preferences("u1")
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	if len(prefs) != 2 {
		t.Fatalf("got %d preferences, want 2", len(prefs))
	}
	if prefs[0].SourceMessageID != "msg-1" {
		t.Errorf("source message = %q, want msg-1", prefs[0].SourceMessageID)
	}
	if len(prefs[0].Embedding) == 0 {
		t.Error("preference stored without embedding")
	}
}

func TestUpdateProfileEmbedFailurePropagates(t *testing.T) {
	m, _, embedder := newTestManager(t)
	embedder.err = errors.New("backend down")

	err := m.UpdateProfile(context.Background(), "u1", Update{Preferences: []string{"anything"}}, "")
	if err == nil {
		t.Fatal("expected error so the job queue can retry")
	}
}

func TestGetProfileCaching(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.UpdateProfile(ctx, "u1", Update{Name: "Alice"}, ""); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if _, err := m.GetProfile(ctx, "u1"); err != nil {
		t.Fatalf("GetProfile: %v", err)
	}

	// Write behind the manager's back; cached value should be served.
	if err := m.store.SetFact("u1", FactName, "Mallory"); err != nil {
		t.Fatalf("SetFact: %v", err)
	}
	p, err := m.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Facts[FactName] != "Alice" {
		t.Errorf("name = %q, want cached Alice", p.Facts[FactName])
	}

	// After the TTL the fresh value appears.
	clock.Advance(2 * time.Minute)
	p, err = m.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Facts[FactName] != "Mallory" {
		t.Errorf("name = %q, want Mallory after TTL", p.Facts[FactName])
	}
}

func TestUpdateProfileInvalidatesCache(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.UpdateProfile(ctx, "u1", Update{Name: "Alice"}, ""); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if _, err := m.GetProfile(ctx, "u1"); err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if err := m.UpdateProfile(ctx, "u1", Update{Name: "Bob"}, ""); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	p, err := m.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Facts[FactName] != "Bob" {
		t.Errorf("name = %q, want Bob right after update", p.Facts[FactName])
	}
}

func TestGetProfileIsolatedPerUser(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.UpdateProfile(ctx, "alice", Update{Name: "Alice"}, ""); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	p, err := m.GetProfile(ctx, "bob")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if len(p.Facts) != 0 {
		t.Errorf("bob sees alice's facts: %v", p.Facts)
	}
}

func TestGetSummary(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	upd := Update{
		Name:        "Alice",
		Location:    "Denver",
		Profession:  "cartographer",
		Interests:   []string{"hiking", "maps"},
		Preferences: []string{"prefers metric units"},
	}
	if err := m.UpdateProfile(ctx, "u1", upd, ""); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	summary, err := m.GetSummary(ctx, "u1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	for _, want := range []string{"Alice", "Denver", "cartographer", "hiking", "metric"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q: %s", want, summary)
		}
	}
}

func TestGetSummaryEmptyProfile(t *testing.T) {
	m, _, _ := newTestManager(t)

	summary, err := m.GetSummary(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if summary != "" {
		t.Errorf("summary = %q, want empty for unknown user", summary)
	}
}

func TestGetSummaryCapped(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	long := make([]string, 100)
	for i := range long {
		long[i] = fmt.Sprintf("opinion %03d %s", i, strings.Repeat("x", 40))
	}
	if err := m.UpdateProfile(ctx, "u1", Update{Opinions: long}, ""); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}

	summary, err := m.GetSummary(ctx, "u1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if len(summary) > maxSummaryChars {
		t.Errorf("summary length = %d, want <= %d", len(summary), maxSummaryChars)
	}
}
