// Package compile assembles reviewed chunk audio into final artifacts.
package compile

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"tts-studio/internal/artifact"
	"tts-studio/internal/fx"
	"tts-studio/internal/models"
	"tts-studio/internal/store"
	"tts-studio/internal/wavio"
)

// Compiler merges a job's chunks, in order_index order, into one WAV per
// chapter plus an optional full-story file. Compilation is deterministic:
// the same chunk audio and settings always produce byte-identical output.
type Compiler struct {
	store      store.Store
	storage    artifact.Storage
	crossfade  time.Duration
	sampleRate int
	logger     *slog.Logger
}

func New(st store.Store, storage artifact.Storage, crossfade time.Duration, sampleRate int, logger *slog.Logger) *Compiler {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Compiler{
		store:      st,
		storage:    storage,
		crossfade:  crossfade,
		sampleRate: sampleRate,
		logger:     logger.With("component", "compile"),
	}
}

// Compile builds and persists the job's artifacts. Every chunk must carry
// audio; a job with any unsynthesized chunk fails with ErrIncompleteChunks.
func (c *Compiler) Compile(ctx context.Context, job models.Job) ([]models.Artifact, error) {
	chunks, err := c.store.ListChunks(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("job %s has no chunks: %w", job.ID, models.ErrIncompleteChunks)
	}
	for _, chunk := range chunks {
		if !chunk.Synthesized() {
			return nil, fmt.Errorf("chunk %d has no audio: %w", chunk.OrderIndex, models.ErrIncompleteChunks)
		}
	}

	audio := make([][]int, len(chunks))
	for i, chunk := range chunks {
		data, err := c.storage.Get(ctx, *chunk.AudioRef)
		if err != nil {
			return nil, fmt.Errorf("load chunk %d audio: %w", chunk.OrderIndex, err)
		}
		samples, rate, err := wavio.DecodeBytes(data)
		if err != nil {
			return nil, fmt.Errorf("decode chunk %d audio: %w", chunk.OrderIndex, err)
		}
		// Engines do not all render at the output rate; normalize before
		// merging so a mismatched chunk keeps its duration.
		audio[i] = fx.Resample(samples, rate, c.sampleRate)
	}

	now := time.Now().UTC()
	var artifacts []models.Artifact

	if job.SplitByChapter && len(job.Chapters) > 0 {
		groups := groupByChapter(chunks, audio, len(job.Chapters))
		for idx, chapter := range job.Chapters {
			if len(groups[idx]) == 0 {
				continue
			}
			name := fmt.Sprintf("%02d_%s.wav", idx+1, slugify(chapter.Title))
			art, err := c.save(ctx, job, name, groups[idx], chapter.Index, chapter.Title, false, now)
			if err != nil {
				return nil, err
			}
			artifacts = append(artifacts, art)
		}
	}

	if job.GenerateFullStory || !job.SplitByChapter || len(job.Chapters) == 0 {
		art, err := c.save(ctx, job, "full_story.wav", audio, -1, "Full Story", true, now)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, art)
	}

	if err := c.store.SaveArtifacts(ctx, job.ID, artifacts); err != nil {
		return nil, err
	}
	c.logger.Info("compiled artifacts", "job_id", job.ID, "count", len(artifacts))
	return artifacts, nil
}

func (c *Compiler) save(ctx context.Context, job models.Job, name string, parts [][]int, chapterIndex int, title string, fullStory bool, at time.Time) (models.Artifact, error) {
	merged := Merge(parts, c.crossfadeSamples())
	data, err := wavio.EncodeBytes(merged, c.sampleRate)
	if err != nil {
		return models.Artifact{}, err
	}
	key := fmt.Sprintf("jobs/%s/final/%s", job.ID, name)
	if _, err := c.storage.Put(ctx, key, data, "audio/wav"); err != nil {
		return models.Artifact{}, fmt.Errorf("store artifact %s: %w", name, err)
	}
	return models.Artifact{
		JobID:        job.ID,
		ChapterIndex: chapterIndex,
		Title:        title,
		Key:          key,
		Format:       "wav",
		SizeBytes:    int64(len(data)),
		FullStory:    fullStory,
		CreatedAt:    at,
	}, nil
}

func (c *Compiler) crossfadeSamples() int {
	return int(c.crossfade.Seconds() * float64(c.sampleRate))
}

// Merge joins sample runs with a linear crossfade. Adjacent runs shorter
// than the fade window are butt-joined instead.
func Merge(parts [][]int, fade int) []int {
	var out []int
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		if len(out) == 0 || fade <= 0 || len(out) < fade || len(part) < fade {
			out = append(out, part...)
			continue
		}
		base := len(out) - fade
		for i := 0; i < fade; i++ {
			t := float64(i+1) / float64(fade+1)
			out[base+i] = int(float64(out[base+i])*(1-t) + float64(part[i])*t)
		}
		out = append(out, part[fade:]...)
	}
	return out
}

// groupByChapter buckets chunk audio per chapter index. Chunks without a
// chapter index attach to the first chapter.
func groupByChapter(chunks []models.Chunk, audio [][]int, chapterCount int) map[int][][]int {
	groups := make(map[int][][]int, chapterCount)
	for i, chunk := range chunks {
		idx := 0
		if chunk.ChapterIndex != nil && *chunk.ChapterIndex < chapterCount {
			idx = *chunk.ChapterIndex
		}
		groups[idx] = append(groups[idx], audio[i])
	}
	return groups
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	slug := strings.ToLower(strings.TrimSpace(title))
	slug = slugStrip.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "untitled"
	}
	return slug
}
