package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tts-studio/internal/analysis"
	"tts-studio/internal/artifact"
	"tts-studio/internal/compile"
	"tts-studio/internal/config"
	"tts-studio/internal/engine"
	"tts-studio/internal/models"
	"tts-studio/internal/queue"
	"tts-studio/internal/ratelimit"
	"tts-studio/internal/regen"
	"tts-studio/internal/review"
	"tts-studio/internal/store"
	"tts-studio/internal/voices"
	"tts-studio/internal/wavio"
)

type fixture struct {
	server  *Server
	store   *store.Memory
	storage *artifact.MemStorage
	queue   *queue.JobQueue
	client  *redis.Client
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

	engines := engine.NewRegistry("kokoro")
	engines.Register(engine.NewMockSynth("kokoro", 24000))

	tracker := regen.NewTracker(st, q, logger)
	compiler := compile.New(st, storage, 0, 24000, logger)
	catalog, _ := voices.Load("")
	reviewSvc := review.NewService(st, tracker, compiler, storage, catalog, logger)

	cfg := config.Config{DefaultEngine: "kokoro"}
	server := New(cfg, st, q, reviewSvc, analysis.NaiveAnalyzer{}, storage, engines, catalog, nil)
	return &fixture{server: server, store: st, storage: storage, queue: q, client: client}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	}
	return rec, payload
}

func TestGenerateRejectsEmptyText(t *testing.T) {
	f := newFixture(t)
	router := f.server.Router()

	rec, payload := doJSON(t, router, http.MethodPost, "/api/generate", map[string]any{"text": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if payload["success"] != false {
		t.Fatalf("envelope success = %v", payload["success"])
	}

	// Rejection leaves no job behind.
	jobs, _ := f.store.ListJobs(context.Background())
	if len(jobs) != 0 {
		t.Fatalf("rejected request created %d jobs", len(jobs))
	}
	depth, _ := f.queue.Depth(context.Background())
	if depth != 0 {
		t.Fatalf("rejected request enqueued")
	}
}

func TestGenerateRejectsUnknownEngine(t *testing.T) {
	f := newFixture(t)
	rec, _ := doJSON(t, f.server.Router(), http.MethodPost, "/api/generate", map[string]any{
		"text": "hello", "engine": "nonexistent",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGenerateCreatesJobAndEnqueues(t *testing.T) {
	f := newFixture(t)
	rec, payload := doJSON(t, f.server.Router(), http.MethodPost, "/api/generate", map[string]any{
		"text": "Once upon a time.\n\nThere was a fox.",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if payload["success"] != true {
		t.Fatalf("success = %v", payload["success"])
	}
	jobID, _ := payload["job_id"].(string)
	if jobID == "" {
		t.Fatalf("no job_id in response")
	}
	if payload["queue_position"].(float64) != 1 {
		t.Fatalf("queue_position = %v, want 1", payload["queue_position"])
	}
	if payload["total_chunks"].(float64) != 2 {
		t.Fatalf("total_chunks = %v, want 2", payload["total_chunks"])
	}

	job, err := f.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if job.Status != models.StatusQueued {
		t.Fatalf("job status = %q", job.Status)
	}

	chunks, _ := f.store.ListChunks(context.Background(), jobID)
	for _, c := range chunks {
		if c.Voice.Kind != models.VoiceNamed || c.Voice.Voice == "" {
			t.Fatalf("chunk missing default voice: %+v", c.Voice)
		}
	}
}

func TestQueueEndpoint(t *testing.T) {
	f := newFixture(t)
	router := f.server.Router()
	_, payload := doJSON(t, router, http.MethodPost, "/api/generate", map[string]any{"text": "hello world"})
	jobID := payload["job_id"].(string)

	rec, payload := doJSON(t, router, http.MethodGet, "/api/queue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if payload["depth"].(float64) != 1 {
		t.Fatalf("depth = %v, want 1", payload["depth"])
	}
	entries := payload["jobs"].([]any)
	if len(entries) != 1 {
		t.Fatalf("jobs = %d, want 1", len(entries))
	}
	entry := entries[0].(map[string]any)
	if entry["job"].(map[string]any)["id"] != jobID {
		t.Fatalf("wrong job listed")
	}
	if entry["queue_position"].(float64) != 1 {
		t.Fatalf("queue_position = %v", entry["queue_position"])
	}
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t)
	router := f.server.Router()
	_, payload := doJSON(t, router, http.MethodPost, "/api/generate", map[string]any{"text": "hello"})
	jobID := payload["job_id"].(string)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/cancel/"+jobID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	job, _ := f.store.GetJob(context.Background(), jobID)
	if job.Status != models.StatusCancelled {
		t.Fatalf("job status = %q, want cancelled", job.Status)
	}
	depth, _ := f.queue.Depth(context.Background())
	if depth != 0 {
		t.Fatalf("cancelled job still queued")
	}

	// Cancelling a terminal job conflicts.
	rec, _ = doJSON(t, router, http.MethodPost, "/api/cancel/"+jobID, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestChunksEndpointUnknownJob(t *testing.T) {
	f := newFixture(t)
	rec, _ := doJSON(t, f.server.Router(), http.MethodGet, "/api/jobs/nope/chunks", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRegenOutsideReviewConflicts(t *testing.T) {
	f := newFixture(t)
	router := f.server.Router()
	_, payload := doJSON(t, router, http.MethodPost, "/api/generate", map[string]any{"text": "hello"})
	jobID := payload["job_id"].(string)
	chunks, _ := f.store.ListChunks(context.Background(), jobID)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/jobs/"+jobID+"/review/regen", map[string]any{
		"chunk_id": chunks[0].ID, "text": "edit",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestReviewSurfaceShowsRegenTasks(t *testing.T) {
	f := newFixture(t)
	router := f.server.Router()
	ctx := context.Background()

	_, payload := doJSON(t, router, http.MethodPost, "/api/generate", map[string]any{"text": "hello"})
	jobID := payload["job_id"].(string)
	chunks, _ := f.store.ListChunks(ctx, jobID)

	// Walk the job into review.
	if err := f.store.MarkProcessing(ctx, jobID, time.Now()); err != nil {
		t.Fatalf("processing: %v", err)
	}
	data, _ := wavio.EncodeBytes(make([]int, 2400), 24000)
	key := "jobs/" + jobID + "/takes/" + chunks[0].ID + ".wav"
	_, _ = f.storage.Put(ctx, key, data, "audio/wav")
	_ = f.store.UpdateChunkAudio(ctx, store.UpdateChunkAudioParams{
		JobID: jobID, ChunkID: chunks[0].ID, AudioRef: key,
		Text: chunks[0].Text, Voice: chunks[0].Voice, Timestamp: time.Now(),
	})
	if err := f.store.EnterReview(ctx, jobID, time.Now()); err != nil {
		t.Fatalf("enter review: %v", err)
	}

	rec, _ := doJSON(t, router, http.MethodPost, "/api/jobs/"+jobID+"/review/regen", map[string]any{
		"chunk_id": chunks[0].ID, "text": "a better line",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("regen status = %d: %s", rec.Code, rec.Body.String())
	}

	rec, payload = doJSON(t, router, http.MethodGet, "/api/jobs/"+jobID+"/chunks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("chunks status = %d", rec.Code)
	}
	tasks := payload["regen_tasks"].(map[string]any)
	if _, ok := tasks[chunks[0].ID]; !ok {
		t.Fatalf("regen task missing from surface: %v", tasks)
	}
	session := payload["review"].(map[string]any)
	if session["has_active_regen"] != true {
		t.Fatalf("has_active_regen = %v", session["has_active_regen"])
	}

	// Finish is refused while the task is pending.
	rec, _ = doJSON(t, router, http.MethodPost, "/api/jobs/"+jobID+"/review/finish", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("finish status = %d, want 409", rec.Code)
	}
}

func TestAnalyzeEndpointPreviewsWithoutJob(t *testing.T) {
	f := newFixture(t)
	router := f.server.Router()

	rec, payload := doJSON(t, router, http.MethodPost, "/api/analyze", map[string]any{
		"text": "Once upon a time.\n\nThere was a fox.",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if payload["success"] != true {
		t.Fatalf("success = %v", payload["success"])
	}
	if len(payload["chunks"].([]any)) != 2 {
		t.Fatalf("chunks = %v, want 2", payload["chunks"])
	}
	if len(payload["speakers"].([]any)) == 0 {
		t.Fatalf("no speakers returned")
	}

	// Preview creates no job and queues nothing.
	jobs, _ := f.store.ListJobs(context.Background())
	if len(jobs) != 0 {
		t.Fatalf("analyze created %d jobs", len(jobs))
	}
	depth, _ := f.queue.Depth(context.Background())
	if depth != 0 {
		t.Fatalf("analyze enqueued")
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/analyze", map[string]any{"text": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty text status = %d, want 400", rec.Code)
	}
}

func TestLibraryDeleteRemovesAudio(t *testing.T) {
	f := newFixture(t)
	router := f.server.Router()
	ctx := context.Background()

	_, payload := doJSON(t, router, http.MethodPost, "/api/generate", map[string]any{"text": "hello"})
	jobID := payload["job_id"].(string)
	_, _ = f.storage.Put(ctx, "jobs/"+jobID+"/takes/c1.wav", []byte("x"), "audio/wav")
	_, _ = f.storage.Put(ctx, "jobs/"+jobID+"/final/full_story.wav", []byte("x"), "audio/wav")
	_, _ = f.storage.Put(ctx, "jobs/other/takes/c1.wav", []byte("x"), "audio/wav")

	rec, _ := doJSON(t, router, http.MethodDelete, "/api/library/"+jobID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	if _, err := f.store.GetJob(ctx, jobID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("job rows survived delete: %v", err)
	}
	// Takes and artifacts are gone, other jobs' audio stays.
	if f.storage.Len() != 1 {
		t.Fatalf("blobs remaining = %d, want 1", f.storage.Len())
	}
	if _, err := f.storage.Get(ctx, "jobs/other/takes/c1.wav"); err != nil {
		t.Fatalf("unrelated blob deleted: %v", err)
	}
}

func TestVoicesEndpoint(t *testing.T) {
	f := newFixture(t)
	rec, payload := doJSON(t, f.server.Router(), http.MethodGet, "/api/voices", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(payload["languages"].([]any)) == 0 {
		t.Fatalf("no languages returned")
	}
	if len(payload["engines"].([]any)) == 0 {
		t.Fatalf("no engines returned")
	}
}

func TestDownloadMissingArtifact(t *testing.T) {
	f := newFixture(t)
	rec, _ := doJSON(t, f.server.Router(), http.MethodGet, "/api/download/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGenerateRateLimited(t *testing.T) {
	f := newFixture(t)
	limiter := ratelimit.NewLimiter(f.client, 1, 0.0001)
	f.server.limiter = limiter
	router := f.server.Router()

	rec, _ := doJSON(t, router, http.MethodPost, "/api/generate", map[string]any{"text": "one"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec, _ = doJSON(t, router, http.MethodPost, "/api/generate", map[string]any{"text": "two"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}
