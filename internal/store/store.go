package store

import (
	"context"
	"time"

	"tts-studio/internal/models"
)

// Store is the durable state behind the queue, review, and compile layers:
// jobs, their ordered chunks, regen tasks, review sessions, and compiled
// artifacts. Two implementations exist: Postgres for production and an
// in-memory store for tests and single-node development.
//
// Implementations must guarantee per-chunk atomicity: a chunk's audio_ref,
// text, voice assignment, and fx are replaced as one unit, and readers never
// observe a mix of old and new fields.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context) ([]models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	ClearJobs(ctx context.Context) ([]string, error)
	MarkProcessing(ctx context.Context, id string, startedAt time.Time) error
	MarkFailed(ctx context.Context, id string, msg string) error
	MarkCancelled(ctx context.Context, id string) error
	SetProgress(ctx context.Context, id string, processed int) error

	// Chunks
	CreateChunks(ctx context.Context, jobID string, specs []ChunkSpec) ([]models.Chunk, error)
	GetChunk(ctx context.Context, jobID, chunkID string) (models.Chunk, error)
	ListChunks(ctx context.Context, jobID string) ([]models.Chunk, error)
	UpdateChunkAudio(ctx context.Context, p UpdateChunkAudioParams) error
	UpdateChunkText(ctx context.Context, jobID, chunkID, text string) error

	// Regen tasks
	CreateRegenTask(ctx context.Context, p CreateRegenTaskParams) (models.RegenTask, error)
	GetRegenTask(ctx context.Context, taskID string) (models.RegenTask, error)
	LatestTaskForChunk(ctx context.Context, jobID, chunkID string) (models.RegenTask, bool, error)
	LatestTasksByChunk(ctx context.Context, jobID string) (map[string]models.RegenTask, error)
	MarkTaskRunning(ctx context.Context, taskID string) error
	CompleteRegenTask(ctx context.Context, taskID, audioRef string, at time.Time) (applied bool, err error)
	FailRegenTask(ctx context.Context, taskID, msg string) error
	HasActiveRegen(ctx context.Context, jobID string) (bool, error)

	// Review sessions
	EnterReview(ctx context.Context, jobID string, at time.Time) error
	GetReview(ctx context.Context, jobID string) (models.ReviewSession, error)
	BeginFinish(ctx context.Context, jobID string) error
	CompleteFinish(ctx context.Context, jobID string, at time.Time) error
	ReopenReview(ctx context.Context, jobID string) error

	// Artifacts
	SaveArtifacts(ctx context.Context, jobID string, artifacts []models.Artifact) error
	ListArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Engine            string
	TextPreview       string
	SplitByChapter    bool
	GenerateFullStory bool
	AutoFinish        bool
	Chapters          []models.Chapter
}

// ChunkSpec describes one chunk at job-creation time, before synthesis.
type ChunkSpec struct {
	Text         string
	Speaker      string
	Voice        models.VoiceAssignment
	Engine       string
	ChapterIndex *int
}

// UpdateChunkAudioParams replaces a chunk's audio together with the text,
// voice, and fx that produced it. When ExpectAudioRef is set the update only
// applies while the chunk still holds that ref; a mismatch fails with
// ErrInvalidState so a concurrent replacement is never clobbered.
type UpdateChunkAudioParams struct {
	JobID          string
	ChunkID        string
	AudioRef       string
	Text           string
	Voice          models.VoiceAssignment
	Engine         string
	FX             *models.FXSettings
	Timestamp      time.Time
	ExpectAudioRef *string
}

// CreateRegenTaskParams describes a regeneration request for one chunk.
// Any active task for the same chunk is superseded atomically with the
// insert.
type CreateRegenTaskParams struct {
	JobID          string
	ChunkID        string
	Text           string
	Voice          models.VoiceAssignment
	EngineOverride string
}
