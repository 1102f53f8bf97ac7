package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://openrouter.ai/api/v1"
	chatTimeout          = 60 * time.Second
	embedTimeout         = 30 * time.Second
	maxRetries           = 3
	initialBackoff       = 500 * time.Millisecond
)

// Compile-time check that OpenAIClient implements Client.
var _ Client = (*OpenAIClient)(nil)

// OpenAIClient talks to any OpenAI-compatible API (OpenRouter by default)
// for chat completions and embeddings.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	referer    string
	title      string
}

// NewOpenAIClient creates a client with the given API key against the
// default OpenRouter base URL.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    defaultOpenAIBaseURL,
		httpClient: &http.Client{Timeout: 0},
		referer:    "https://github.com/kalambet/engram",
		title:      "engram",
	}
}

// NewOpenAIClientWithBaseURL creates a client pointing at a custom base URL
// (for testing and self-hosted gateways).
func NewOpenAIClientWithBaseURL(apiKey, baseURL string) *OpenAIClient {
	c := NewOpenAIClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// chatRequest is the JSON body for POST /chat/completions.
type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Stream         bool      `json:"stream"`
	ResponseFormat any       `json:"response_format,omitempty"`
}

// jsonSchemaFormat wraps a Schema in the response_format envelope the
// OpenAI API expects for structured output.
type jsonSchemaFormat struct {
	Type       string         `json:"type"`
	JSONSchema jsonSchemaBody `json:"json_schema"`
}

type jsonSchemaBody struct {
	Name   string  `json:"name"`
	Strict bool    `json:"strict"`
	Schema *Schema `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Chat sends a non-streaming chat completion request. Rate-limited requests
// (HTTP 429) are retried with exponential backoff.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	cr := chatRequest{
		Model:    model,
		Messages: messages,
	}
	if jsonSchema != nil {
		cr.ResponseFormat = jsonSchemaFormat{
			Type: "json_schema",
			JSONSchema: jsonSchemaBody{
				Name:   "structured_output",
				Strict: true,
				Schema: jsonSchema,
			},
		}
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return "", fmt.Errorf("marshaling chat request: %w", err)
	}

	respBody, err := c.doWithRetry(ctx, "/chat/completions", body, chatTimeout)
	if err != nil {
		return "", err
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat response contained no choices")
	}
	return result.Choices[0].Message.Content, nil
}

// embedRequest is the JSON body for POST /embeddings.
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for the given text. All failures wrap
// ErrEmbeddingUnavailable so callers can branch on the class of failure.
func (c *OpenAIClient) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling embed request: %w", err)
	}

	respBody, err := c.doWithRetry(ctx, "/embeddings", body, embedTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	var result embedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding embed response: %v", ErrEmbeddingUnavailable, err)
	}
	if len(result.Data) == 0 || len(result.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding in response", ErrEmbeddingUnavailable)
	}
	return result.Data[0].Embedding, nil
}

// IsRunning reports whether the API answers GET /models with 200.
func (c *OpenAIClient) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (c *OpenAIClient) doWithRetry(ctx context.Context, path string, body []byte, timeout time.Duration) ([]byte, error) {
	var lastErr error
	for attempt := range maxRetries {
		respBody, err := c.doPost(ctx, path, body, timeout)
		if err == nil {
			return respBody, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *OpenAIClient) doPost(ctx context.Context, path string, body []byte, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return io.ReadAll(resp.Body)
}

func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
