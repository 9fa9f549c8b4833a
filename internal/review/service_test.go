package review

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tts-studio/internal/artifact"
	"tts-studio/internal/compile"
	"tts-studio/internal/models"
	"tts-studio/internal/queue"
	"tts-studio/internal/regen"
	"tts-studio/internal/store"
	"tts-studio/internal/voices"
	"tts-studio/internal/wavio"
)

type fixture struct {
	svc     *Service
	store   *store.Memory
	storage *artifact.MemStorage
	queue   *queue.JobQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	storage := artifact.NewMemStorage()
	q := queue.NewJobQueueWithClient(client)
	tracker := regen.NewTracker(st, q, logger)
	compiler := compile.New(st, storage, 0, 24000, logger)
	catalog, _ := voices.Load("")
	svc := NewService(st, tracker, compiler, storage, catalog, logger)
	return &fixture{svc: svc, store: st, storage: storage, queue: q}
}

// seedReview creates a job whose chunks all carry audio and which sits in
// an active review session.
func (f *fixture) seedReview(t *testing.T, speakers []string) (models.Job, []models.Chunk) {
	t.Helper()
	ctx := context.Background()

	job, err := f.store.CreateJob(ctx, store.CreateJobParams{Engine: "kokoro"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	specs := make([]store.ChunkSpec, len(speakers))
	for i, sp := range speakers {
		specs[i] = store.ChunkSpec{
			Text:    "line",
			Speaker: sp,
			Voice:   models.VoiceAssignment{Kind: models.VoiceNamed, Voice: "af_heart", LangCode: "a"},
			Engine:  "kokoro",
		}
	}
	chunks, err := f.store.CreateChunks(ctx, job.ID, specs)
	if err != nil {
		t.Fatalf("create chunks: %v", err)
	}
	if err := f.store.MarkProcessing(ctx, job.ID, time.Now()); err != nil {
		t.Fatalf("processing: %v", err)
	}
	for _, c := range chunks {
		samples := make([]int, 2400)
		data, err := wavio.EncodeBytes(samples, 24000)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		key := "jobs/" + job.ID + "/takes/" + c.ID + ".wav"
		if _, err := f.storage.Put(ctx, key, data, "audio/wav"); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := f.store.UpdateChunkAudio(ctx, store.UpdateChunkAudioParams{
			JobID: job.ID, ChunkID: c.ID, AudioRef: key,
			Text: c.Text, Voice: c.Voice, Timestamp: time.Now(),
		}); err != nil {
			t.Fatalf("update audio: %v", err)
		}
	}
	if err := f.store.EnterReview(ctx, job.ID, time.Now()); err != nil {
		t.Fatalf("enter review: %v", err)
	}
	return job, chunks
}

func TestRegenChunkDefaultsToCurrentValues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, chunks := f.seedReview(t, []string{"Narrator"})

	task, err := f.svc.RegenChunk(ctx, job.ID, RegenRequest{ChunkID: chunks[0].ID})
	if err != nil {
		t.Fatalf("regen: %v", err)
	}
	if task.RequestedText != "line" {
		t.Fatalf("text fallback: %q", task.RequestedText)
	}
	if task.RequestedVoice.Voice != "af_heart" {
		t.Fatalf("voice fallback: %+v", task.RequestedVoice)
	}
}

func TestRegenBySpeakerTargetsExactMatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, chunks := f.seedReview(t, []string{"Alice", "Bob", "Alice"})

	newVoice := models.VoiceAssignment{Kind: models.VoiceNamed, Voice: "bf_emma", LangCode: "b"}
	tasks, err := f.svc.RegenBySpeaker(ctx, job.ID, "Alice", newVoice)
	if err != nil {
		t.Fatalf("regen by speaker: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	targeted := map[string]bool{chunks[0].ID: true, chunks[2].ID: true}
	for _, task := range tasks {
		if !targeted[task.ChunkID] {
			t.Fatalf("task targeted wrong chunk %s", task.ChunkID)
		}
		if task.RequestedVoice.Voice != "bf_emma" {
			t.Fatalf("voice not applied: %+v", task.RequestedVoice)
		}
	}

	if _, err := f.svc.RegenBySpeaker(ctx, job.ID, "Nobody", newVoice); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown speaker: want ErrNotFound, got %v", err)
	}
}

func TestRegenRejectsUnknownVoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, chunks := f.seedReview(t, []string{"Narrator"})

	_, err := f.svc.RegenChunk(ctx, job.ID, RegenRequest{
		ChunkID: chunks[0].ID,
		Voice:   models.VoiceAssignment{Kind: models.VoiceNamed, Voice: "not_a_voice"},
	})
	if !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
}

func TestApplyFXRequiresAudio(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, err := f.store.CreateJob(ctx, store.CreateJobParams{Engine: "kokoro"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	chunks, _ := f.store.CreateChunks(ctx, job.ID, []store.ChunkSpec{{Text: "x"}})
	if err := f.store.MarkProcessing(ctx, job.ID, time.Now()); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if err := f.store.EnterReview(ctx, job.ID, time.Now()); err != nil {
		t.Fatalf("enter review: %v", err)
	}

	_, err = f.svc.ApplyFX(ctx, job.ID, chunks[0].ID, models.FXSettings{Speed: 1.2})
	if !errors.Is(err, models.ErrChunkNotSynthesized) {
		t.Fatalf("want ErrChunkNotSynthesized, got %v", err)
	}
}

func TestApplyFXRequiresActiveReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// No review session at all.
	job, err := f.store.CreateJob(ctx, store.CreateJobParams{Engine: "kokoro"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	chunks, _ := f.store.CreateChunks(ctx, job.ID, []store.ChunkSpec{{Text: "x"}})
	_, err = f.svc.ApplyFX(ctx, job.ID, chunks[0].ID, models.FXSettings{Speed: 1.2})
	if !errors.Is(err, models.ErrReviewNotActive) {
		t.Fatalf("queued job: want ErrReviewNotActive, got %v", err)
	}

	// A finished session rejects edits the same way.
	done, doneChunks := f.seedReview(t, []string{"Narrator"})
	if _, err := f.svc.Finish(ctx, done.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	_, err = f.svc.ApplyFX(ctx, done.ID, doneChunks[0].ID, models.FXSettings{Speed: 1.2})
	if !errors.Is(err, models.ErrReviewNotActive) {
		t.Fatalf("finished job: want ErrReviewNotActive, got %v", err)
	}
}

func TestApplyFXIsAbsolute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, chunks := f.seedReview(t, []string{"Narrator"})
	origRef := "jobs/" + job.ID + "/takes/" + chunks[0].ID + ".wav"

	chunk, err := f.svc.ApplyFX(ctx, job.ID, chunks[0].ID, models.FXSettings{Speed: 1.2})
	if err != nil {
		t.Fatalf("apply fx: %v", err)
	}
	if chunk.FX == nil || chunk.FX.Speed != 1.2 {
		t.Fatalf("fx not recorded: %+v", chunk.FX)
	}
	if *chunk.AudioRef == origRef {
		t.Fatalf("fx did not produce a new audio ref")
	}

	// A second application replaces, not compounds, the first.
	chunk, err = f.svc.ApplyFX(ctx, job.ID, chunks[0].ID, models.FXSettings{Speed: 0.9})
	if err != nil {
		t.Fatalf("second fx: %v", err)
	}
	if chunk.FX.Speed != 0.9 {
		t.Fatalf("fx settings = %+v, want speed 0.9", chunk.FX)
	}

	// Neutral settings restore the original take.
	chunk, err = f.svc.ApplyFX(ctx, job.ID, chunks[0].ID, models.FXSettings{Speed: 1.0, Pitch: 0})
	if err != nil {
		t.Fatalf("neutral fx: %v", err)
	}
	if chunk.FX != nil {
		t.Fatalf("neutral fx left settings: %+v", chunk.FX)
	}
	if *chunk.AudioRef != origRef {
		t.Fatalf("neutral fx did not restore original ref: %q", *chunk.AudioRef)
	}
}

func TestApplyFXClampsSettings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, chunks := f.seedReview(t, []string{"Narrator"})

	chunk, err := f.svc.ApplyFX(ctx, job.ID, chunks[0].ID, models.FXSettings{Speed: 9, Pitch: -40})
	if err != nil {
		t.Fatalf("apply fx: %v", err)
	}
	if chunk.FX.Speed != models.MaxSpeed || chunk.FX.Pitch != models.MinPitch {
		t.Fatalf("settings not clamped: %+v", chunk.FX)
	}
}

func TestFinishCompilesAndCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, _ := f.seedReview(t, []string{"Narrator", "Narrator"})

	artifacts, err := f.svc.Finish(ctx, job.ID)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(artifacts) == 0 {
		t.Fatalf("no artifacts")
	}

	got, _ := f.store.GetJob(ctx, job.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("job status = %q, want completed", got.Status)
	}
	session, _ := f.store.GetReview(ctx, job.ID)
	if session.Status != models.ReviewFinished {
		t.Fatalf("review status = %q, want finished", session.Status)
	}
}

func TestFinishBlockedByActiveRegen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, chunks := f.seedReview(t, []string{"Narrator"})

	if _, err := f.svc.RegenChunk(ctx, job.ID, RegenRequest{ChunkID: chunks[0].ID, Text: "edit"}); err != nil {
		t.Fatalf("regen: %v", err)
	}

	_, err := f.svc.Finish(ctx, job.ID)
	if !errors.Is(err, models.ErrReviewBusy) {
		t.Fatalf("want ErrReviewBusy, got %v", err)
	}

	// The session is still active, not stuck in finishing.
	session, _ := f.store.GetReview(ctx, job.ID)
	if session.Status != models.ReviewActive {
		t.Fatalf("review status = %q, want active", session.Status)
	}
}

func TestFinishReopensOnCompileFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, chunks := f.seedReview(t, []string{"Narrator"})

	// Drop the chunk's audio blob so the compiler cannot read it.
	chunk, _ := f.store.GetChunk(ctx, job.ID, chunks[0].ID)
	_ = f.storage.Delete(ctx, *chunk.AudioRef)

	if _, err := f.svc.Finish(ctx, job.ID); err == nil {
		t.Fatalf("finish should fail when audio is unreadable")
	}

	session, _ := f.store.GetReview(ctx, job.ID)
	if session.Status != models.ReviewActive {
		t.Fatalf("review not reopened: %q", session.Status)
	}
	got, _ := f.store.GetJob(ctx, job.ID)
	if got.Status != models.StatusWaitingReview {
		t.Fatalf("job status = %q, want waiting_review", got.Status)
	}
}
