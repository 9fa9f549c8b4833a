package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tts-studio/internal/engine"
	"tts-studio/internal/telemetry"
	"tts-studio/internal/wavio"
)

// RunRegen consumes regeneration tasks with n concurrent workers. Regen
// runs independently of the production slot so review stays responsive
// while another job synthesizes.
func (p *Processor) RunRegen(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.regenLoop(ctx)
		}()
	}
	wg.Wait()
}

func (p *Processor) regenLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		taskID, err := p.queue.NextRegen(ctx)
		if err != nil {
			p.logger.Error("pop regen task", "error", err)
			continue
		}
		if taskID == "" {
			continue
		}
		p.runRegenTask(ctx, taskID)
	}
}

func (p *Processor) runRegenTask(ctx context.Context, taskID string) {
	logger := p.logger.With("task_id", taskID)

	task, err := p.tracker.Get(ctx, taskID)
	if err != nil {
		logger.Error("load regen task", "error", err)
		return
	}
	// A task superseded while still queued never reaches an engine.
	if task.Superseded {
		telemetry.RegenSuperseded.Inc()
		return
	}

	if err := p.tracker.MarkRunning(ctx, taskID); err != nil {
		logger.Error("mark regen running", "error", err)
		return
	}

	engineName := task.EngineOverride
	if engineName == "" {
		chunk, err := p.store.GetChunk(ctx, task.JobID, task.ChunkID)
		if err != nil {
			p.failRegen(ctx, taskID, err.Error(), logger)
			return
		}
		engineName = chunk.Engine
	}

	synth, err := p.engines.Get(engineName)
	if err != nil {
		p.failRegen(ctx, taskID, err.Error(), logger)
		return
	}

	start := time.Now()
	audio, err := synth.Synthesize(ctx, engine.Request{Text: task.RequestedText, Voice: task.RequestedVoice})
	if err != nil {
		p.failRegen(ctx, taskID, err.Error(), logger)
		return
	}
	telemetry.SynthDuration.Observe(time.Since(start).Seconds())

	data, err := wavio.EncodeBytes(audio.Samples, audio.SampleRate)
	if err != nil {
		p.failRegen(ctx, taskID, err.Error(), logger)
		return
	}
	key := fmt.Sprintf("jobs/%s/takes/%s.%s.wav", task.JobID, task.ChunkID, taskID)
	ref, err := p.storage.Put(ctx, key, data, "audio/wav")
	if err != nil {
		p.failRegen(ctx, taskID, fmt.Sprintf("store regen audio: %v", err), logger)
		return
	}

	applied, err := p.tracker.Complete(ctx, taskID, ref)
	if err != nil {
		logger.Error("complete regen task", "error", err)
		return
	}
	if !applied {
		telemetry.RegenSuperseded.Inc()
	}
}

func (p *Processor) failRegen(ctx context.Context, taskID, msg string, logger *slog.Logger) {
	if err := p.tracker.Fail(ctx, taskID, msg); err != nil {
		logger.Error("fail regen task", "error", err)
	}
	telemetry.RegenFailed.Inc()
}
