// Package review drives the mid-flight review session: per-chunk
// regeneration, effects, and the finish handshake that compiles the job.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tts-studio/internal/artifact"
	"tts-studio/internal/compile"
	"tts-studio/internal/fx"
	"tts-studio/internal/models"
	"tts-studio/internal/regen"
	"tts-studio/internal/store"
	"tts-studio/internal/voices"
	"tts-studio/internal/wavio"
)

const fxSuffix = ".fx.wav"

// Service exposes the review operations the API surfaces.
type Service struct {
	store    store.Store
	tracker  *regen.Tracker
	compiler *compile.Compiler
	storage  artifact.Storage
	catalog  voices.Catalog
	logger   *slog.Logger
}

func NewService(st store.Store, tracker *regen.Tracker, compiler *compile.Compiler, storage artifact.Storage, catalog voices.Catalog, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		tracker:  tracker,
		compiler: compiler,
		storage:  storage,
		catalog:  catalog,
		logger:   logger.With("component", "review"),
	}
}

// RegenRequest asks for one chunk to be regenerated. Empty fields fall
// back to the chunk's current values.
type RegenRequest struct {
	ChunkID        string
	Text           string
	Voice          models.VoiceAssignment
	EngineOverride string
}

// RegenChunk submits a regeneration for a single chunk. A still-pending
// task for the same chunk is superseded; the newest request wins.
func (s *Service) RegenChunk(ctx context.Context, jobID string, req RegenRequest) (models.RegenTask, error) {
	chunk, err := s.store.GetChunk(ctx, jobID, req.ChunkID)
	if err != nil {
		return models.RegenTask{}, err
	}
	params, err := s.buildParams(jobID, chunk, req)
	if err != nil {
		return models.RegenTask{}, err
	}
	return s.tracker.Submit(ctx, params)
}

// RegenBySpeaker regenerates every chunk attributed to the speaker with a
// new voice, keeping each chunk's current text.
func (s *Service) RegenBySpeaker(ctx context.Context, jobID, speaker string, voice models.VoiceAssignment) ([]models.RegenTask, error) {
	if strings.TrimSpace(speaker) == "" {
		return nil, fmt.Errorf("speaker is required: %w", models.ErrInvalidInput)
	}
	chunks, err := s.store.ListChunks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var tasks []models.RegenTask
	for _, chunk := range chunks {
		if chunk.Speaker != speaker {
			continue
		}
		params, err := s.buildParams(jobID, chunk, RegenRequest{ChunkID: chunk.ID, Voice: voice})
		if err != nil {
			return tasks, err
		}
		task, err := s.tracker.Submit(ctx, params)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no chunks for speaker %q: %w", speaker, models.ErrNotFound)
	}
	return tasks, nil
}

// RegenAll submits an explicit batch of regenerations.
func (s *Service) RegenAll(ctx context.Context, jobID string, reqs []RegenRequest) ([]models.RegenTask, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no regen entries: %w", models.ErrInvalidInput)
	}
	tasks := make([]models.RegenTask, 0, len(reqs))
	for _, req := range reqs {
		task, err := s.RegenChunk(ctx, jobID, req)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *Service) buildParams(jobID string, chunk models.Chunk, req RegenRequest) (store.CreateRegenTaskParams, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = chunk.Text
	}

	voice := req.Voice
	if voice.Zero() {
		voice = chunk.Voice
	}
	voice.Normalize()

	engine := chunk.Engine
	if req.EngineOverride != "" {
		engine = req.EngineOverride
	}
	if err := voice.Validate(engine); err != nil {
		return store.CreateRegenTaskParams{}, err
	}
	if err := s.catalog.Validate(&voice); err != nil {
		return store.CreateRegenTaskParams{}, err
	}

	return store.CreateRegenTaskParams{
		JobID:          jobID,
		ChunkID:        chunk.ID,
		Text:           text,
		Voice:          voice,
		EngineOverride: req.EngineOverride,
	}, nil
}

// ApplyFX re-renders a chunk's audio with the given settings, synchronously.
// Settings are absolute: they always apply to the chunk's original take,
// never on top of a previous effect pass. Neutral settings restore the
// original audio.
func (s *Service) ApplyFX(ctx context.Context, jobID, chunkID string, settings models.FXSettings) (models.Chunk, error) {
	if err := s.requireActiveReview(ctx, jobID); err != nil {
		return models.Chunk{}, err
	}
	chunk, err := s.store.GetChunk(ctx, jobID, chunkID)
	if err != nil {
		return models.Chunk{}, err
	}
	if !chunk.Synthesized() {
		return models.Chunk{}, fmt.Errorf("chunk %s: %w", chunkID, models.ErrChunkNotSynthesized)
	}

	settings = settings.Clamp()
	origRef := strings.TrimSuffix(*chunk.AudioRef, fxSuffix)

	newRef := origRef
	var newFX *models.FXSettings
	if !settings.Neutral() {
		data, err := s.storage.Get(ctx, origRef)
		if err != nil {
			return models.Chunk{}, err
		}
		samples, rate, err := wavio.DecodeBytes(data)
		if err != nil {
			return models.Chunk{}, err
		}
		processed := fx.Apply(samples, settings)
		encoded, err := wavio.EncodeBytes(processed, rate)
		if err != nil {
			return models.Chunk{}, err
		}
		newRef = origRef + fxSuffix
		if _, err := s.storage.Put(ctx, newRef, encoded, "audio/wav"); err != nil {
			return models.Chunk{}, err
		}
		newFX = &settings
	}

	// The update is guarded on the audio ref read above: a regen result
	// landing in between wins, and the stale fx render is abandoned.
	err = s.store.UpdateChunkAudio(ctx, store.UpdateChunkAudioParams{
		JobID:          jobID,
		ChunkID:        chunkID,
		AudioRef:       newRef,
		Text:           chunk.Text,
		Voice:          chunk.Voice,
		FX:             newFX,
		Timestamp:      time.Now().UTC(),
		ExpectAudioRef: chunk.AudioRef,
	})
	if err != nil {
		return models.Chunk{}, err
	}
	return s.store.GetChunk(ctx, jobID, chunkID)
}

// requireActiveReview rejects chunk edits on any job whose review session
// is missing, finishing, or already finished.
func (s *Service) requireActiveReview(ctx context.Context, jobID string) error {
	session, err := s.store.GetReview(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("job %s: %w", jobID, models.ErrReviewNotActive)
		}
		return err
	}
	if session.Status != models.ReviewActive {
		return fmt.Errorf("job %s: %w", jobID, models.ErrReviewNotActive)
	}
	return nil
}

// Finish closes the review and compiles the job. The transition out of
// active happens atomically with the no-active-regen check; a compile
// failure reopens the review so the operator can retry.
func (s *Service) Finish(ctx context.Context, jobID string) ([]models.Artifact, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.store.BeginFinish(ctx, jobID); err != nil {
		return nil, err
	}

	artifacts, err := s.compiler.Compile(ctx, job)
	if err != nil {
		if reopenErr := s.store.ReopenReview(ctx, jobID); reopenErr != nil {
			s.logger.Error("reopen review after compile failure", "job_id", jobID, "error", reopenErr)
		}
		return nil, fmt.Errorf("compile job %s: %w", jobID, err)
	}

	if err := s.store.CompleteFinish(ctx, jobID, time.Now().UTC()); err != nil {
		return nil, err
	}
	s.logger.Info("review finished", "job_id", jobID, "artifacts", len(artifacts))
	return artifacts, nil
}
