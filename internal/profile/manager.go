// Package profile maintains per-user long-term memory: scalar facts,
// interest and opinion lists, and embedded preference statements.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/engram/internal/storage"
)

// Scalar fact keys. Updates overwrite these; list kinds append.
const (
	FactName       = "name"
	FactLocation   = "location"
	FactProfession = "profession"
)

// Update carries information extracted from one message. Empty fields mean
// "nothing learned", not "erase".
type Update struct {
	Name        string
	Location    string
	Profession  string
	Interests   []string
	Preferences []string
	Opinions    []string
}

// IsEmpty reports whether the update carries no information at all.
func (u Update) IsEmpty() bool {
	return u.Name == "" && u.Location == "" && u.Profession == "" &&
		len(u.Interests) == 0 && len(u.Preferences) == 0 && len(u.Opinions) == 0
}

// Profile is the assembled view of one user's long-term memory.
type Profile struct {
	Facts       map[string]string
	Interests   []string
	Opinions    []string
	Preferences []string
}

// Embedder embeds preference statements before they are persisted.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	profile  Profile
	cachedAt time.Time
}

// Manager provides cached, structured access to user profiles.
type Manager struct {
	store    *storage.Store
	embedder Embedder
	clock    Clock
	ttl      time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	cached map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store *storage.Store, embedder Embedder, logger *slog.Logger) *Manager {
	return newManager(store, embedder, logger, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store *storage.Store, embedder Embedder, logger *slog.Logger, clock Clock, ttl time.Duration) *Manager {
	return newManager(store, embedder, logger, clock, ttl)
}

func newManager(store *storage.Store, embedder Embedder, logger *slog.Logger, clock Clock, ttl time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		embedder: embedder,
		clock:    clock,
		ttl:      ttl,
		logger:   logger,
		cached:   make(map[string]cacheEntry),
	}
}

// GetProfile assembles the user's profile from storage, serving from cache
// within the TTL. Returns a zero-value Profile for unknown users.
func (m *Manager) GetProfile(ctx context.Context, userID string) (Profile, error) {
	// Fast path: read lock for cache hit.
	m.mu.RLock()
	if entry, ok := m.cached[userID]; ok && m.clock.Now().Before(entry.cachedAt.Add(m.ttl)) {
		p := deepCopy(entry.profile)
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	// Slow path: write lock for cache miss.
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if entry, ok := m.cached[userID]; ok && m.clock.Now().Before(entry.cachedAt.Add(m.ttl)) {
		return deepCopy(entry.profile), nil
	}

	p, err := m.load(userID)
	if err != nil {
		return Profile{}, err
	}

	m.cached[userID] = cacheEntry{profile: p, cachedAt: m.clock.Now()}
	return deepCopy(p), nil
}

func (m *Manager) load(userID string) (Profile, error) {
	facts, err := m.store.Facts(userID)
	if err != nil {
		return Profile{}, fmt.Errorf("loading facts: %w", err)
	}
	interests, err := m.store.ListEntries(userID, storage.ListInterests)
	if err != nil {
		return Profile{}, fmt.Errorf("loading interests: %w", err)
	}
	opinions, err := m.store.ListEntries(userID, storage.ListOpinions)
	if err != nil {
		return Profile{}, fmt.Errorf("loading opinions: %w", err)
	}
	prefs, err := m.store.Preferences(userID)
	if err != nil {
		return Profile{}, fmt.Errorf("loading preferences: %w", err)
	}

	p := Profile{
		Facts:     facts,
		Interests: interests,
		Opinions:  opinions,
	}
	for _, pref := range prefs {
		p.Preferences = append(p.Preferences, pref.Text)
	}
	return p, nil
}

// UpdateProfile applies extracted information: scalar facts overwrite,
// lists append with deduplication, and each preference is embedded and
// appended as its own entry. sourceMessageID links new preferences back to
// the message they came from; it may be empty.
func (m *Manager) UpdateProfile(ctx context.Context, userID string, upd Update, sourceMessageID string) error {
	if upd.IsEmpty() {
		return nil
	}

	scalars := []struct {
		key   string
		value string
	}{
		{FactName, upd.Name},
		{FactLocation, upd.Location},
		{FactProfession, upd.Profession},
	}
	for _, s := range scalars {
		if s.value == "" {
			continue
		}
		if err := m.store.SetFact(userID, s.key, s.value); err != nil {
			return fmt.Errorf("setting fact %q: %w", s.key, err)
		}
	}

	for _, interest := range dedupeClean(upd.Interests) {
		if err := m.store.AddListEntry(userID, storage.ListInterests, interest); err != nil {
			return fmt.Errorf("adding interest: %w", err)
		}
	}
	for _, opinion := range dedupeClean(upd.Opinions) {
		if err := m.store.AddListEntry(userID, storage.ListOpinions, opinion); err != nil {
			return fmt.Errorf("adding opinion: %w", err)
		}
	}

	for _, text := range dedupeClean(upd.Preferences) {
		vec, err := m.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("embedding preference: %w", err)
		}
		pref := storage.Preference{
			ID:              uuid.NewString(),
			UserID:          userID,
			Text:            text,
			Embedding:       vec,
			SourceMessageID: sourceMessageID,
			CreatedAt:       m.clock.Now().UTC(),
		}
		if err := m.store.AddPreference(pref); err != nil {
			return fmt.Errorf("adding preference: %w", err)
		}
	}

	m.mu.Lock()
	delete(m.cached, userID)
	m.mu.Unlock()

	m.logger.Debug("profile updated", "user_id", userID,
		"interests", len(upd.Interests), "preferences", len(upd.Preferences),
		"opinions", len(upd.Opinions))
	return nil
}

// dedupeClean trims entries and drops blanks and duplicates, preserving order.
func dedupeClean(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

// GetSummary returns a compact string representation of the profile suitable
// for injection into a system prompt. Targets < 500 tokens (~2000 chars).
func (m *Manager) GetSummary(ctx context.Context, userID string) (string, error) {
	p, err := m.GetProfile(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("getting profile for summary: %w", err)
	}
	return summarize(p), nil
}

// maxSummaryChars caps the summary to stay under ~500 tokens (4 chars/token).
const maxSummaryChars = 2000

func summarize(p Profile) string {
	var parts []string

	// Identity facts first, in a stable order.
	if name := p.Facts[FactName]; name != "" {
		parts = append(parts, fmt.Sprintf("User's name is %s.", name))
	}
	if loc := p.Facts[FactLocation]; loc != "" {
		parts = append(parts, fmt.Sprintf("Lives in %s.", loc))
	}
	if prof := p.Facts[FactProfession]; prof != "" {
		parts = append(parts, fmt.Sprintf("Works as %s.", prof))
	}

	// Any other facts, sorted for deterministic output.
	var extras []string
	for key := range p.Facts {
		if key == FactName || key == FactLocation || key == FactProfession {
			continue
		}
		extras = append(extras, key)
	}
	sort.Strings(extras)
	for _, key := range extras {
		parts = append(parts, fmt.Sprintf("%s: %s.", key, p.Facts[key]))
	}

	if len(p.Interests) > 0 {
		parts = append(parts, fmt.Sprintf("Interests: %s.", strings.Join(p.Interests, ", ")))
	}
	for _, o := range p.Opinions {
		parts = append(parts, ensurePeriod(o))
	}
	for _, pref := range p.Preferences {
		parts = append(parts, ensurePeriod(pref))
	}

	if len(parts) == 0 {
		return ""
	}

	summary := strings.Join(parts, " ")
	if len(summary) > maxSummaryChars {
		// Ensure we don't split a multi-byte UTF-8 character.
		end := maxSummaryChars
		for end > 0 && !utf8.RuneStart(summary[end]) {
			end--
		}
		if idx := strings.LastIndex(summary[:end], " "); idx > 0 {
			summary = summary[:idx]
		} else {
			summary = summary[:end]
		}
	}
	return summary
}

func ensurePeriod(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?") {
		return s
	}
	return s + "."
}

func deepCopy(p Profile) Profile {
	out := Profile{
		Facts:       make(map[string]string, len(p.Facts)),
		Interests:   append([]string(nil), p.Interests...),
		Opinions:    append([]string(nil), p.Opinions...),
		Preferences: append([]string(nil), p.Preferences...),
	}
	for k, v := range p.Facts {
		out.Facts[k] = v
	}
	return out
}
