package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/kalambet/engram/internal/storage"
)

// LongTermMemory is the profile-side retrieval result: current facts and
// lists plus the preferences most similar to the query.
type LongTermMemory struct {
	Facts       map[string]string
	Interests   []string
	Opinions    []string
	Preferences []ScoredPreference
}

// Retriever combines the recency window with vector similarity to assemble
// conversation memory. Memory is an enhancement, never a hard dependency:
// when the embedding backend is down the similarity component is dropped
// and only the deterministic component is returned.
type Retriever struct {
	store    *storage.Store
	index    *Index
	embedder Embedder
	logger   *slog.Logger
}

// NewRetriever creates a Retriever over the given store and embedder.
func NewRetriever(store *storage.Store, embedder Embedder, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:    store,
		index:    NewIndex(store),
		embedder: embedder,
		logger:   logger,
	}
}

// RetrieveShortTerm returns the lastN most recent messages of the session
// merged with up to vectorLimit additional messages similar to query.
// Messages qualifying both ways appear once; the result is chronological
// (oldest first) so prompt construction reads as a natural conversation.
//
// An empty query, or an embedding failure, degrades to the recency window
// alone.
func (r *Retriever) RetrieveShortTerm(ctx context.Context, sessionID, userID, query string, lastN, vectorLimit int) ([]storage.Message, error) {
	recent, err := r.store.RecentMessages(sessionID, userID, lastN)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(query) == "" || vectorLimit <= 0 {
		return recent, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("short-term similarity unavailable, returning recency window only",
			"session_id", sessionID, "error", err)
		return recent, nil
	}

	similar, err := r.index.SimilarMessages(ctx, sessionID, userID, vec, vectorLimit)
	if err != nil {
		r.logger.Warn("short-term similarity search failed, returning recency window only",
			"session_id", sessionID, "error", err)
		return recent, nil
	}

	return mergeChronological(recent, similar), nil
}

// mergeChronological deduplicates recent and similar messages by ID and
// returns the union oldest first.
func mergeChronological(recent []storage.Message, similar []ScoredMessage) []storage.Message {
	seen := make(map[string]struct{}, len(recent)+len(similar))
	merged := make([]storage.Message, 0, len(recent)+len(similar))

	for _, m := range recent {
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, s := range similar {
		if _, ok := seen[s.ID]; ok {
			continue
		}
		seen[s.ID] = struct{}{}
		merged = append(merged, s.Message)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged
}

// RetrieveLongTerm returns the user's profile facts and lists plus up to
// vectorLimit preferences ranked by similarity to query. factFilters keeps
// only facts whose key is named; a non-empty filter value additionally
// requires an exact value match. Similarity degrades gracefully like the
// short-term path.
func (r *Retriever) RetrieveLongTerm(ctx context.Context, userID, query string, factFilters map[string]string, vectorLimit int) (LongTermMemory, error) {
	facts, err := r.store.Facts(userID)
	if err != nil {
		return LongTermMemory{}, err
	}
	facts = filterFacts(facts, factFilters)

	interests, err := r.store.ListEntries(userID, storage.ListInterests)
	if err != nil {
		return LongTermMemory{}, err
	}
	opinions, err := r.store.ListEntries(userID, storage.ListOpinions)
	if err != nil {
		return LongTermMemory{}, err
	}

	mem := LongTermMemory{
		Facts:     facts,
		Interests: interests,
		Opinions:  opinions,
	}

	if strings.TrimSpace(query) == "" || vectorLimit <= 0 {
		return mem, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("long-term similarity unavailable, returning facts only",
			"user_id", userID, "error", err)
		return mem, nil
	}

	prefs, err := r.index.SimilarPreferences(ctx, userID, vec, vectorLimit)
	if err != nil {
		r.logger.Warn("preference similarity search failed, returning facts only",
			"user_id", userID, "error", err)
		return mem, nil
	}
	mem.Preferences = prefs

	return mem, nil
}

func filterFacts(facts map[string]string, filters map[string]string) map[string]string {
	if len(filters) == 0 {
		return facts
	}
	filtered := make(map[string]string, len(filters))
	for key, want := range filters {
		value, ok := facts[key]
		if !ok {
			continue
		}
		if want != "" && value != want {
			continue
		}
		filtered[key] = value
	}
	return filtered
}
