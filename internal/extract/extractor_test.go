package extract

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/kalambet/engram/internal/llm"
)

// mockChatter implements Chatter for testing.
type mockChatter struct {
	response string
	err      error
	delay    time.Duration
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []llm.Message, jsonSchema *llm.Schema) (string, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func TestExtract(t *testing.T) {
	mock := &mockChatter{
		response: `{"name":"Alice","location":"Denver","profession":"cartographer","interests":["hiking"],"preferences":["prefers metric units"],"opinions":[]}`,
	}
	e := NewExtractor(mock, "gpt-4o-mini", slog.Default())
	got := e.Extract(context.Background(), "Hi, I'm Alice, a cartographer from Denver. I love hiking and please use metric units.")

	want := Result{
		Name:        "Alice",
		Location:    "Denver",
		Profession:  "cartographer",
		Interests:   []string{"hiking"},
		Preferences: []string{"prefers metric units"},
		Opinions:    []string{},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Extract() = %+v, want %+v", got, want)
	}
}

func TestExtractRecoversEmbeddedJSON(t *testing.T) {
	mock := &mockChatter{
		response: "Sure! Here is the extracted profile:\n```json\n{\"name\":\"Bob\",\"location\":\"\",\"profession\":\"\",\"interests\":[],\"preferences\":[],\"opinions\":[]}\n```",
	}
	e := NewExtractor(mock, "gpt-4o-mini", slog.Default())
	got := e.Extract(context.Background(), "I'm Bob")

	if got.Name != "Bob" {
		t.Errorf("Name = %q, want Bob (recovered from chatty response)", got.Name)
	}
}

func TestExtractMalformedJSON(t *testing.T) {
	mock := &mockChatter{response: `not valid json {{{`}
	e := NewExtractor(mock, "gpt-4o-mini", slog.Default())
	got := e.Extract(context.Background(), "some message")

	if !got.IsEmpty() {
		t.Errorf("got %+v, want empty result on malformed response", got)
	}
}

func TestExtractLLMError(t *testing.T) {
	mock := &mockChatter{err: fmt.Errorf("connection refused")}
	e := NewExtractor(mock, "gpt-4o-mini", slog.Default())
	got := e.Extract(context.Background(), "hello")

	if !got.IsEmpty() {
		t.Errorf("got %+v, want empty result on LLM error", got)
	}
}

func TestExtractEmptyText(t *testing.T) {
	mock := &mockChatter{response: `{"name":"ghost"}`}
	e := NewExtractor(mock, "gpt-4o-mini", slog.Default())
	got := e.Extract(context.Background(), "   \n ")

	if !got.IsEmpty() {
		t.Errorf("got %+v, want empty result for blank text", got)
	}
}

func TestResultIsEmpty(t *testing.T) {
	if !(Result{}).IsEmpty() {
		t.Error("zero Result should be empty")
	}
	if (Result{Interests: []string{"x"}}).IsEmpty() {
		t.Error("Result with interests should not be empty")
	}
}
