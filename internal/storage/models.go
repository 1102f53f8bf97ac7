package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Session identifies one conversation thread for memory purposes. Created on
// the first message write; grows by append only.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single conversation turn paired with its embedding.
// Immutable once written; only whole-session pruning removes messages.
type Message struct {
	ID        string
	SessionID string
	UserID    string
	Role      string
	Content   string
	Embedding []float32
	CreatedAt time.Time
}

// Document describes one uploaded file. Immutable once ChunkCount is final.
type Document struct {
	ID         string
	UserID     string
	Filename   string
	FileType   string
	TextLength int
	ChunkCount int
	CreatedAt  time.Time
}

// Chunk is a bounded slice of a document's text with its embedding.
// Owned exclusively by one Document; written in a batch; never mutated.
type Chunk struct {
	ID         string
	DocumentID string
	UserID     string
	Index      int
	Text       string
	Embedding  []float32
	SourceName string
	CreatedAt  time.Time
}

// Preference is one long-term user preference statement with its embedding.
// Preferences are only appended, never overwritten or removed.
type Preference struct {
	ID              string
	UserID          string
	Text            string
	Embedding       []float32
	SourceMessageID string
	CreatedAt       time.Time
}

// Profile list kinds.
const (
	ListInterests = "interests"
	ListOpinions  = "opinions"
)

// Job is one queued background task.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Job types processed by the background worker.
const (
	JobPersistTurn    = "persist_turn"
	JobExtractProfile = "extract_profile"
)

// PersistTurnPayload is the JSON body of a persist_turn job: embed the turn
// and append it to its session.
type PersistTurnPayload struct {
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// ExtractProfilePayload is the JSON body of an extract_profile job: run
// structured extraction over a user turn and fold the result into the profile.
type ExtractProfilePayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
}
