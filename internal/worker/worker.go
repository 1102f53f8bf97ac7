// Package worker drains the SQLite job queue in the background. Two job
// types exist: persist_turn embeds a conversation turn and appends it to its
// session; extract_profile runs structured extraction over a user turn and
// folds the result into the long-term profile.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/engram/internal/extract"
	"github.com/kalambet/engram/internal/profile"
	"github.com/kalambet/engram/internal/storage"
)

// JobStore abstracts the queue and message persistence operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	EnqueueJob(job storage.Job) error
	AppendMessage(m storage.Message) error
}

// Embedder generates embeddings for message text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Extractor pulls structured profile information from a turn.
type Extractor interface {
	Extract(ctx context.Context, text string) extract.Result
}

// ProfileUpdater folds extracted information into a user's profile.
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, userID string, upd profile.Update, sourceMessageID string) error
}

// Worker polls the job queue and processes persist_turn and extract_profile
// jobs one at a time.
type Worker struct {
	store     JobStore
	embedder  Embedder
	extractor Extractor
	profiles  ProfileUpdater
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder Embedder, extractor Extractor, profiles ProfileUpdater, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		embedder:  embedder,
		extractor: extractor,
		profiles:  profiles,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobPersistTurn, storage.JobExtractProfile})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case storage.JobPersistTurn:
		return w.persistTurn(ctx, job)
	case storage.JobExtractProfile:
		return w.extractProfile(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (w *Worker) persistTurn(ctx context.Context, job *storage.Job) error {
	var payload storage.PersistTurnPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	vec, err := w.embedder.Embed(ctx, payload.Content)
	if err != nil {
		return fmt.Errorf("embedding turn: %w", err)
	}

	msg := storage.Message{
		ID:        payload.MessageID,
		SessionID: payload.SessionID,
		UserID:    payload.UserID,
		Role:      payload.Role,
		Content:   payload.Content,
		Embedding: vec,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.store.AppendMessage(msg); err != nil {
		return fmt.Errorf("appending message: %w", err)
	}

	// Only user turns carry profile information worth extracting.
	if payload.Role != storage.RoleUser {
		return nil
	}

	extractPayload, err := json.Marshal(storage.ExtractProfilePayload{
		MessageID: payload.MessageID,
		UserID:    payload.UserID,
		Content:   payload.Content,
	})
	if err != nil {
		return fmt.Errorf("encoding extract payload: %w", err)
	}
	followUp := storage.Job{
		ID:          uuid.NewString(),
		Type:        storage.JobExtractProfile,
		PayloadJSON: string(extractPayload),
	}
	if err := w.store.EnqueueJob(followUp); err != nil {
		return fmt.Errorf("enqueueing extract_profile: %w", err)
	}
	return nil
}

func (w *Worker) extractProfile(ctx context.Context, job *storage.Job) error {
	var payload storage.ExtractProfilePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	result := w.extractor.Extract(ctx, payload.Content)
	if result.IsEmpty() {
		w.logger.Debug("nothing extracted", "message_id", payload.MessageID)
		return nil
	}

	upd := profile.Update{
		Name:        result.Name,
		Location:    result.Location,
		Profession:  result.Profession,
		Interests:   result.Interests,
		Preferences: result.Preferences,
		Opinions:    result.Opinions,
	}
	if err := w.profiles.UpdateProfile(ctx, payload.UserID, upd, payload.MessageID); err != nil {
		return fmt.Errorf("updating profile for %s: %w", payload.UserID, err)
	}
	return nil
}
