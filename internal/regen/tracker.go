package regen

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tts-studio/internal/models"
	"tts-studio/internal/queue"
	"tts-studio/internal/store"
)

// Tracker owns the lifecycle of per-chunk regeneration tasks: it records
// them in the store, dispatches them to the worker pool, and applies or
// discards their results.
type Tracker struct {
	store  store.Store
	queue  *queue.JobQueue
	logger *slog.Logger
}

func NewTracker(st store.Store, q *queue.JobQueue, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  st,
		queue:  q,
		logger: logger.With("component", "regen"),
	}
}

// Submit records a regeneration request and dispatches it. Any task still
// pending for the same chunk is superseded; the newest request wins. The
// chunk's pending text is written immediately so the review surface shows
// the requested edit while the engine works.
func (t *Tracker) Submit(ctx context.Context, p store.CreateRegenTaskParams) (models.RegenTask, error) {
	task, err := t.store.CreateRegenTask(ctx, p)
	if err != nil {
		return models.RegenTask{}, err
	}
	if err := t.store.UpdateChunkText(ctx, p.JobID, p.ChunkID, p.Text); err != nil {
		return models.RegenTask{}, err
	}
	if err := t.queue.SubmitRegen(ctx, task.ID); err != nil {
		return models.RegenTask{}, fmt.Errorf("dispatch regen task: %w", err)
	}
	t.logger.Info("regen task submitted", "job_id", p.JobID, "chunk_id", p.ChunkID, "task_id", task.ID)
	return task, nil
}

func (t *Tracker) Get(ctx context.Context, taskID string) (models.RegenTask, error) {
	return t.store.GetRegenTask(ctx, taskID)
}

func (t *Tracker) MarkRunning(ctx context.Context, taskID string) error {
	return t.store.MarkTaskRunning(ctx, taskID)
}

// Complete stores the engine result. When the task was superseded while in
// flight the audio is discarded and the chunk keeps whatever the newer
// request produces.
func (t *Tracker) Complete(ctx context.Context, taskID, audioRef string) (bool, error) {
	applied, err := t.store.CompleteRegenTask(ctx, taskID, audioRef, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !applied {
		t.logger.Info("regen result discarded, task superseded", "task_id", taskID)
	}
	return applied, nil
}

// Fail marks the task failed. The chunk keeps its previous audio and its
// edited text so the operator can retry without retyping.
func (t *Tracker) Fail(ctx context.Context, taskID, msg string) error {
	t.logger.Warn("regen task failed", "task_id", taskID, "error", msg)
	return t.store.FailRegenTask(ctx, taskID, msg)
}

// HasActive reports whether any non-superseded task for the job is still
// queued or running.
func (t *Tracker) HasActive(ctx context.Context, jobID string) (bool, error) {
	return t.store.HasActiveRegen(ctx, jobID)
}

// StatusByChunk returns the latest task per chunk for the review surface.
func (t *Tracker) StatusByChunk(ctx context.Context, jobID string) (map[string]models.RegenTask, error) {
	return t.store.LatestTasksByChunk(ctx, jobID)
}
