package regen

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tts-studio/internal/models"
	"tts-studio/internal/queue"
	"tts-studio/internal/store"
)

func setup(t *testing.T) (*Tracker, *store.Memory, *queue.JobQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewMemory()
	q := queue.NewJobQueueWithClient(client)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTracker(st, q, logger), st, q
}

func reviewJob(t *testing.T, st *store.Memory) (models.Job, models.Chunk) {
	t.Helper()
	ctx := context.Background()
	job, err := st.CreateJob(ctx, store.CreateJobParams{Engine: "kokoro"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	chunks, err := st.CreateChunks(ctx, job.ID, []store.ChunkSpec{{Text: "original", Engine: "kokoro"}})
	if err != nil {
		t.Fatalf("create chunks: %v", err)
	}
	if err := st.MarkProcessing(ctx, job.ID, time.Now()); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := st.UpdateChunkAudio(ctx, store.UpdateChunkAudioParams{
		JobID: job.ID, ChunkID: chunks[0].ID, AudioRef: "takes/seed.wav",
		Text: "original", Voice: chunks[0].Voice, Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("seed audio: %v", err)
	}
	if err := st.EnterReview(ctx, job.ID, time.Now()); err != nil {
		t.Fatalf("enter review: %v", err)
	}
	return job, chunks[0]
}

func TestSubmitDispatchesAndWritesPendingText(t *testing.T) {
	ctx := context.Background()
	tracker, st, q := setup(t)
	job, chunk := reviewJob(t, st)

	task, err := tracker.Submit(ctx, store.CreateRegenTaskParams{
		JobID: job.ID, ChunkID: chunk.ID, Text: "edited line",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, _ := st.GetChunk(ctx, job.ID, chunk.ID)
	if got.Text != "edited line" {
		t.Fatalf("pending text not written: %q", got.Text)
	}
	if *got.AudioRef != "takes/seed.wav" {
		t.Fatalf("submit must not touch audio")
	}

	taskID, err := q.NextRegen(ctx)
	if err != nil || taskID != task.ID {
		t.Fatalf("dispatched %q, want %q (%v)", taskID, task.ID, err)
	}
}

func TestSubmitOutsideReview(t *testing.T) {
	ctx := context.Background()
	tracker, st, _ := setup(t)
	job, err := st.CreateJob(ctx, store.CreateJobParams{Engine: "kokoro"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	chunks, _ := st.CreateChunks(ctx, job.ID, []store.ChunkSpec{{Text: "x"}})

	_, err = tracker.Submit(ctx, store.CreateRegenTaskParams{JobID: job.ID, ChunkID: chunks[0].ID, Text: "y"})
	if !errors.Is(err, models.ErrReviewNotActive) {
		t.Fatalf("want ErrReviewNotActive, got %v", err)
	}
}

func TestHasActiveFollowsLifecycle(t *testing.T) {
	ctx := context.Background()
	tracker, st, _ := setup(t)
	job, chunk := reviewJob(t, st)

	active, _ := tracker.HasActive(ctx, job.ID)
	if active {
		t.Fatalf("fresh review reports active regen")
	}

	task, err := tracker.Submit(ctx, store.CreateRegenTaskParams{JobID: job.ID, ChunkID: chunk.ID, Text: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	active, _ = tracker.HasActive(ctx, job.ID)
	if !active {
		t.Fatalf("queued task should count as active")
	}

	if err := tracker.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	applied, err := tracker.Complete(ctx, task.ID, "takes/new.wav")
	if err != nil || !applied {
		t.Fatalf("complete: applied=%v err=%v", applied, err)
	}
	active, _ = tracker.HasActive(ctx, job.ID)
	if active {
		t.Fatalf("completed task still counts as active")
	}
}

func TestWatchSettles(t *testing.T) {
	ctx := context.Background()
	tracker, st, _ := setup(t)
	job, chunk := reviewJob(t, st)

	task, err := tracker.Submit(ctx, store.CreateRegenTaskParams{JobID: job.ID, ChunkID: chunk.ID, Text: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = tracker.Complete(context.Background(), task.ID, "takes/done.wav")
	}()

	got, err := tracker.Watch(ctx, task.ID, PollPolicy{Interval: 10 * time.Millisecond, MaxAttempts: 50})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if got.Status != models.TaskCompleted {
		t.Fatalf("watched status = %q, want completed", got.Status)
	}
}

func TestWatchExhausts(t *testing.T) {
	ctx := context.Background()
	tracker, st, _ := setup(t)
	job, chunk := reviewJob(t, st)

	task, _ := tracker.Submit(ctx, store.CreateRegenTaskParams{JobID: job.ID, ChunkID: chunk.ID, Text: "x"})

	_, err := tracker.Watch(ctx, task.ID, PollPolicy{Interval: time.Millisecond, MaxAttempts: 3})
	if !errors.Is(err, ErrPollExhausted) {
		t.Fatalf("want ErrPollExhausted, got %v", err)
	}
}
