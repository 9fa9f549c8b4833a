package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tts-studio/internal/artifact"
	"tts-studio/internal/engine"
	"tts-studio/internal/models"
	"tts-studio/internal/queue"
	"tts-studio/internal/regen"
	"tts-studio/internal/review"
	"tts-studio/internal/store"
	"tts-studio/internal/telemetry"
	"tts-studio/internal/wavio"
)

// Processor owns the production pipeline: it claims the single processing
// slot, synthesizes the job's chunks in order, and hands the job to review.
type Processor struct {
	store        store.Store
	queue        *queue.JobQueue
	engines      *engine.Registry
	storage      artifact.Storage
	review       *review.Service
	tracker      *regen.Tracker
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewProcessor(st store.Store, q *queue.JobQueue, engines *engine.Registry, storage artifact.Storage, rv *review.Service, tracker *regen.Tracker, pollInterval time.Duration, logger *slog.Logger) *Processor {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Processor{
		store:        st,
		queue:        q,
		engines:      engines,
		storage:      storage,
		review:       rv,
		tracker:      tracker,
		pollInterval: pollInterval,
		logger:       logger.With("component", "worker"),
	}
}

// Run polls the queue until the context is cancelled. Only one job holds
// the processing slot at a time; jobs parked in review do not block the
// slot.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobID, err := p.queue.Next(ctx)
		if err != nil {
			p.logger.Error("claim job", "error", err)
			continue
		}
		if jobID == "" {
			continue
		}

		p.ProcessJob(ctx, jobID)

		if err := p.queue.Release(ctx, jobID); err != nil {
			p.logger.Error("release slot", "job_id", jobID, "error", err)
		}
	}
}

// ProcessJob runs one job from claimed to review (or a terminal state).
func (p *Processor) ProcessJob(ctx context.Context, jobID string) {
	logger := p.logger.With("job_id", jobID)

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		logger.Error("load job", "error", err)
		return
	}
	if models.Terminal(job.Status) {
		return
	}

	if cancelled := p.checkCancel(ctx, jobID, logger); cancelled {
		return
	}

	if err := p.store.MarkProcessing(ctx, jobID, time.Now().UTC()); err != nil {
		if errors.Is(err, models.ErrInvalidState) {
			return
		}
		logger.Error("mark processing", "error", err)
		return
	}
	logger.Info("job started", "total_chunks", job.TotalChunks)

	chunks, err := p.store.ListChunks(ctx, jobID)
	if err != nil {
		p.fail(ctx, jobID, fmt.Sprintf("load chunks: %v", err), logger)
		return
	}

	for i, chunk := range chunks {
		// Cancellation is cooperative and lands on chunk boundaries;
		// completed chunk audio is kept.
		if p.checkCancel(ctx, jobID, logger) {
			return
		}
		if chunk.Synthesized() {
			continue
		}

		if err := p.synthesizeChunk(ctx, chunk); err != nil {
			p.fail(ctx, jobID, err.Error(), logger)
			return
		}
		if err := p.store.SetProgress(ctx, jobID, i+1); err != nil {
			logger.Error("set progress", "error", err)
		}
		telemetry.ChunksSynthesized.Inc()
	}

	if err := p.store.EnterReview(ctx, jobID, time.Now().UTC()); err != nil {
		logger.Error("enter review", "error", err)
		return
	}
	logger.Info("job waiting for review")

	if job.AutoFinish {
		if _, err := p.review.Finish(ctx, jobID); err != nil {
			logger.Error("auto finish", "error", err)
			return
		}
		telemetry.JobsCompleted.Inc()
		logger.Info("job auto-finished")
	}
}

func (p *Processor) synthesizeChunk(ctx context.Context, chunk models.Chunk) error {
	synth, err := p.engines.Get(chunk.Engine)
	if err != nil {
		return err
	}

	start := time.Now()
	audio, err := synth.Synthesize(ctx, engine.Request{Text: chunk.Text, Voice: chunk.Voice})
	if err != nil {
		return err
	}
	telemetry.SynthDuration.Observe(time.Since(start).Seconds())

	data, err := wavio.EncodeBytes(audio.Samples, audio.SampleRate)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("jobs/%s/takes/%s.wav", chunk.JobID, chunk.ID)
	ref, err := p.storage.Put(ctx, key, data, "audio/wav")
	if err != nil {
		return fmt.Errorf("store chunk audio: %w", err)
	}

	return p.store.UpdateChunkAudio(ctx, store.UpdateChunkAudioParams{
		JobID:     chunk.JobID,
		ChunkID:   chunk.ID,
		AudioRef:  ref,
		Text:      chunk.Text,
		Voice:     chunk.Voice,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Processor) checkCancel(ctx context.Context, jobID string, logger *slog.Logger) bool {
	cancelled, err := p.queue.Cancelled(ctx, jobID)
	if err != nil {
		logger.Error("check cancel flag", "error", err)
		return false
	}
	if !cancelled {
		return false
	}
	if err := p.store.MarkCancelled(ctx, jobID); err != nil && !errors.Is(err, models.ErrInvalidState) {
		logger.Error("mark cancelled", "error", err)
	}
	if err := p.queue.ClearCancel(ctx, jobID); err != nil {
		logger.Error("clear cancel flag", "error", err)
	}
	telemetry.JobsCancelled.Inc()
	logger.Info("job cancelled")
	return true
}

func (p *Processor) fail(ctx context.Context, jobID, msg string, logger *slog.Logger) {
	// The engine's message is stored verbatim so the operator sees what
	// the engine said.
	if err := p.store.MarkFailed(ctx, jobID, msg); err != nil {
		logger.Error("mark failed", "error", err)
	}
	telemetry.JobsFailed.Inc()
	logger.Warn("job failed", "error", msg)
}
