// Package api exposes the memory subsystem over HTTP (chi, bearer auth) and
// MCP (mcp-go) for agent clients.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/engram/internal/documents"
	"github.com/kalambet/engram/internal/pipeline"
	"github.com/kalambet/engram/internal/profile"
	"github.com/kalambet/engram/internal/retrieval"
	"github.com/kalambet/engram/internal/storage"
)

const maxRequestBodySize = 1 << 20   // 1MB
const maxDocumentBodySize = 10 << 20 // 10MB

// AppDeps holds the services the HTTP layer exposes.
type AppDeps struct {
	Store     *storage.Store
	Enricher  *pipeline.Enricher
	Documents *documents.Service
	Profile   *profile.Manager
	Token     string
}

// NewHandler builds the HTTP router. /healthz is unauthenticated; everything
// under /v1 requires the bearer token.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/enrich", handleEnrich(deps))
		r.Post("/v1/messages", handleRecordMessage(deps))
		r.Post("/v1/documents", handleUploadDocument(deps))
		r.Get("/v1/documents", handleListDocuments(deps))
		r.Delete("/v1/documents/{id}", handleDeleteDocument(deps))
		r.Post("/v1/recall", handleRecall(deps))
		r.Get("/v1/sessions/{id}/messages", handleSessionMessages(deps))
		r.Delete("/v1/sessions/{id}", handleDeleteSession(deps))
		r.Get("/v1/profile/{userID}", handleGetProfile(deps))
		r.Patch("/v1/profile/{userID}", handlePatchProfile(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type enrichRequest struct {
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Messages  json.RawMessage `json:"messages"`
}

type enrichResponse struct {
	Messages json.RawMessage   `json:"messages"`
	Metadata pipeline.Metadata `json:"metadata"`
}

func handleEnrich(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req enrichRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" || req.SessionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id and session_id are required")
			return
		}
		if !hasMessages(req.Messages) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}

		enriched, meta := deps.Enricher.Enrich(r.Context(), pipeline.Request{
			UserID:    req.UserID,
			SessionID: req.SessionID,
			Messages:  req.Messages,
		})

		writeJSON(w, http.StatusOK, enrichResponse{Messages: enriched, Metadata: meta})
	}
}

type recordMessageRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

func handleRecordMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req recordMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" || req.SessionID == "" || req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id, session_id and content are required")
			return
		}
		switch req.Role {
		case storage.RoleUser, storage.RoleAssistant, storage.RoleSystem:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "role must be one of user, assistant, system")
			return
		}

		msgID, err := deps.Enricher.RecordTurn(req.UserID, req.SessionID, req.Role, req.Content)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue message: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"message_id": msgID,
			"status":     "queued",
		})
	}
}

type uploadDocumentRequest struct {
	UserID   string `json:"user_id"`
	Filename string `json:"filename"`
	Content  string `json:"content"` // base64
}

type documentResponse struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	FileType   string    `json:"file_type"`
	TextLength int       `json:"text_length"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

func docResponse(d storage.Document) documentResponse {
	return documentResponse{
		ID:         d.ID,
		Filename:   d.Filename,
		FileType:   d.FileType,
		TextLength: d.TextLength,
		ChunkCount: d.ChunkCount,
		CreatedAt:  d.CreatedAt,
	}
}

func handleUploadDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBodySize)
		defer r.Body.Close()

		var req uploadDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" || req.Filename == "" || req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id, filename and content are required")
			return
		}

		content, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
			return
		}

		doc, err := deps.Documents.StoreDocument(r.Context(), content, req.Filename, req.UserID)
		if errors.Is(err, documents.ErrExtractionFailed) {
			httpError(w, http.StatusUnprocessableEntity, "extraction_error", "no text could be extracted from %s", req.Filename)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store document: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, docResponse(doc))
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		docs, err := deps.Documents.List(r.Context(), userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		out := make([]documentResponse, len(docs))
		for i, d := range docs {
			out[i] = docResponse(d)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		err := deps.Documents.Delete(r.Context(), id, userID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type recallRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
	Limit  int    `json:"limit"`
}

type chunkResponse struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
	SourceName string  `json:"source_name,omitempty"`
}

func chunkResponses(chunks []retrieval.ScoredChunk) []chunkResponse {
	out := make([]chunkResponse, len(chunks))
	for i, c := range chunks {
		out[i] = chunkResponse{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			Text:       c.Text,
			Score:      c.Score,
			SourceName: c.SourceName,
		}
	}
	return out
}

func handleRecall(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req recallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" || req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id and query are required")
			return
		}
		if req.Limit <= 0 {
			req.Limit = 5
		}
		if req.Limit > 50 {
			req.Limit = 50
		}

		chunks, err := deps.Documents.RetrieveRelevantChunks(r.Context(), req.Query, req.UserID, req.Limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "recall failed: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, chunkResponses(chunks))
	}
}

type messageResponse struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func handleSessionMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		msgs, err := deps.Store.SessionMessages(sessionID, userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
			return
		}

		out := make([]messageResponse, len(msgs))
		for i, m := range msgs {
			out[i] = messageResponse{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: m.CreatedAt,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDeleteSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		err := deps.Store.DeleteSession(sessionID, userID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete session: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type profileResponse struct {
	Facts       map[string]string `json:"facts"`
	Interests   []string          `json:"interests"`
	Opinions    []string          `json:"opinions"`
	Preferences []string          `json:"preferences"`
	Summary     string            `json:"summary"`
}

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		p, err := deps.Profile.GetProfile(r.Context(), userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get profile: %v", err)
			return
		}
		summary, err := deps.Profile.GetSummary(r.Context(), userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to build summary: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, profileResponse{
			Facts:       p.Facts,
			Interests:   p.Interests,
			Opinions:    p.Opinions,
			Preferences: p.Preferences,
			Summary:     summary,
		})
	}
}

type patchProfileRequest struct {
	Name        string   `json:"name"`
	Location    string   `json:"location"`
	Profession  string   `json:"profession"`
	Interests   []string `json:"interests"`
	Preferences []string `json:"preferences"`
	Opinions    []string `json:"opinions"`
}

func handlePatchProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req patchProfileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		upd := profile.Update{
			Name:        req.Name,
			Location:    req.Location,
			Profession:  req.Profession,
			Interests:   req.Interests,
			Preferences: req.Preferences,
			Opinions:    req.Opinions,
		}
		if upd.IsEmpty() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no profile fields provided")
			return
		}

		if err := deps.Profile.UpdateProfile(r.Context(), userID, upd, ""); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update profile: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func hasMessages(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return false
	}
	return len(arr) > 0
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
