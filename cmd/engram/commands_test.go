package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestUploadDocument(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/documents": `{"id":"doc-123","filename":"notes.md","file_type":"md","chunk_count":3}`,
	})

	client := ts.client()

	content := base64.StdEncoding.EncodeToString([]byte("# Notes\n\nhello world"))
	req := map[string]any{
		"user_id":  "alice",
		"filename": "notes.md",
		"content":  content,
	}

	resp, err := client.post(ctx, "/v1/documents", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var doc struct {
		ID         string `json:"id"`
		ChunkCount int    `json:"chunk_count"`
	}
	if err := decodeJSON(resp, &doc); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if doc.ID != "doc-123" {
		t.Errorf("id = %q, want doc-123", doc.ID)
	}
	if doc.ChunkCount != 3 {
		t.Errorf("chunk_count = %d, want 3", doc.ChunkCount)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["user_id"] != "alice" {
		t.Errorf("body.user_id = %v, want alice", body["user_id"])
	}
	if body["content"] != content {
		t.Errorf("body.content not base64-encoded as sent")
	}
}

func TestUploadCommand_MissingUser(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"upload", "somefile.md"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing --user")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestProfileShow(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/profile/alice": `{"facts":{"name":"Alice"},"interests":["hiking"],"summary":"Alice likes hiking."}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/v1/profile/alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var profile struct {
		Facts     map[string]string `json:"facts"`
		Interests []string          `json:"interests"`
		Summary   string            `json:"summary"`
	}
	if err := decodeJSON(resp, &profile); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if profile.Facts["name"] != "Alice" {
		t.Errorf("facts.name = %q, want Alice", profile.Facts["name"])
	}
	if len(profile.Interests) != 1 || profile.Interests[0] != "hiking" {
		t.Errorf("interests = %v, want [hiking]", profile.Interests)
	}
}

func TestProfilePatch(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /v1/profile/alice": `{"status":"updated"}`,
	})

	client := ts.client()
	body := map[string]any{"location": "Denver", "interests": []string{"climbing"}}
	resp, err := client.patch(ctx, "/v1/profile/alice", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if result["status"] != "updated" {
		t.Errorf("status = %q, want updated", result["status"])
	}

	var sentBody map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sentBody); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sentBody["location"] != "Denver" {
		t.Errorf("body.location = %v, want Denver", sentBody["location"])
	}
}

func TestRecallCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/recall": `[{"id":"c1","document_id":"doc-1","text":"I prefer Go","score":0.95,"source_name":"notes.md"}]`,
	})

	client := ts.client()
	req := map[string]any{"user_id": "alice", "query": "go preferences", "limit": 5}
	resp, err := client.post(ctx, "/v1/recall", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var results []struct {
		ID    string  `json:"id"`
		Text  string  `json:"text"`
		Score float32 `json:"score"`
	}
	if err := decodeJSON(resp, &results); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Text != "I prefer Go" {
		t.Errorf("text = %q, want 'I prefer Go'", results[0].Text)
	}
	if results[0].Score < 0.9 {
		t.Errorf("score = %f, want > 0.9", results[0].Score)
	}
}

func TestDocsList_URLEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/documents": `[]`,
	})

	client := ts.client()
	userID := "alice & bob"
	resp, err := client.get(ctx, "/v1/documents?user_id="+url.QueryEscape(userID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	reqPath := ts.requests[0].Path
	if strings.Contains(reqPath, "& bob") {
		t.Errorf("user_id not URL-encoded: %q", reqPath)
	}
	if !strings.Contains(reqPath, "user_id=alice+%26+bob") {
		t.Errorf("unexpected encoded path: %q", reqPath)
	}
}

func TestSessionMessages(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/sessions/sess-1/messages": `[{"id":"m1","role":"user","content":"hello","created_at":"2026-01-01T00:00:00Z"}]`,
	})

	client := ts.client()
	path := fmt.Sprintf("/v1/sessions/%s/messages?user_id=alice", "sess-1")
	resp, err := client.get(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := decodeJSON(resp, &messages); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].Role != "user" || messages[0].Content != "hello" {
		t.Errorf("message = %+v, want user/hello", messages[0])
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /healthz": `{"status":"ok"}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/healthz")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /healthz": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	_, err := client.get(ctx, "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/v1/profile/alice")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}
