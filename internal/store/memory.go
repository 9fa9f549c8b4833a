package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tts-studio/internal/models"
)

// Memory is an in-process Store guarded by a single RWMutex. It backs tests
// and single-node development; all invariants match the Postgres
// implementation.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*jobRecord
}

type jobRecord struct {
	job       models.Job
	chunks    []models.Chunk
	tasks     map[string]models.RegenTask
	latest    map[string]string // chunk id -> latest task id
	review    *models.ReviewSession
	artifacts []models.Artifact
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*jobRecord)}
}

func (m *Memory) record(id string) (*jobRecord, error) {
	rec, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return rec, nil
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := models.Job{
		ID:                uuid.New().String(),
		Status:            models.StatusQueued,
		Engine:            p.Engine,
		TextPreview:       p.TextPreview,
		SplitByChapter:    p.SplitByChapter,
		GenerateFullStory: p.GenerateFullStory,
		AutoFinish:        p.AutoFinish,
		Chapters:          append([]models.Chapter(nil), p.Chapters...),
		CreatedAt:         time.Now().UTC(),
	}
	m.jobs[job.ID] = &jobRecord{
		job:    job,
		tasks:  make(map[string]models.RegenTask),
		latest: make(map[string]string),
	}
	return job, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.record(id)
	if err != nil {
		return models.Job{}, err
	}
	return rec.job, nil
}

func (m *Memory) ListJobs(_ context.Context) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, rec.job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	delete(m.jobs, id)
	return nil
}

// ClearJobs deletes completed jobs only; queued and in-flight jobs stay
// referenced by the queue and the worker.
func (m *Memory) ClearJobs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, rec := range m.jobs {
		if rec.job.Status != models.StatusCompleted {
			continue
		}
		ids = append(ids, id)
		delete(m.jobs, id)
	}
	return ids, nil
}

func (m *Memory) transition(id, to string, mutate func(*models.Job)) error {
	rec, err := m.record(id)
	if err != nil {
		return err
	}
	if !models.ValidTransition(rec.job.Status, to) {
		return fmt.Errorf("job %s: %s -> %s: %w", id, rec.job.Status, to, models.ErrInvalidState)
	}
	rec.job.Status = to
	if mutate != nil {
		mutate(&rec.job)
	}
	return nil
}

func (m *Memory) MarkProcessing(_ context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, models.StatusProcessing, func(j *models.Job) {
		j.StartedAt = &startedAt
	})
}

func (m *Memory) MarkFailed(_ context.Context, id string, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, models.StatusFailed, func(j *models.Job) {
		j.Error = &msg
	})
}

func (m *Memory) MarkCancelled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, models.StatusCancelled, nil)
}

func (m *Memory) SetProgress(_ context.Context, id string, processed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(id)
	if err != nil {
		return err
	}
	rec.job.ProcessedChunks = processed
	return nil
}

func (m *Memory) CreateChunks(_ context.Context, jobID string, specs []ChunkSpec) ([]models.Chunk, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no chunks to create: %w", models.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	base := len(rec.chunks)
	created := make([]models.Chunk, 0, len(specs))
	for i, spec := range specs {
		created = append(created, models.Chunk{
			ID:           uuid.New().String(),
			JobID:        jobID,
			OrderIndex:   base + i,
			ChapterIndex: spec.ChapterIndex,
			Text:         spec.Text,
			Speaker:      spec.Speaker,
			Voice:        spec.Voice,
			Engine:       spec.Engine,
		})
	}
	rec.chunks = append(rec.chunks, created...)
	rec.job.TotalChunks = len(rec.chunks)
	return append([]models.Chunk(nil), created...), nil
}

func (m *Memory) findChunk(rec *jobRecord, chunkID string) (*models.Chunk, error) {
	for i := range rec.chunks {
		if rec.chunks[i].ID == chunkID {
			return &rec.chunks[i], nil
		}
	}
	return nil, fmt.Errorf("chunk %s: %w", chunkID, models.ErrNotFound)
}

func (m *Memory) GetChunk(_ context.Context, jobID, chunkID string) (models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.record(jobID)
	if err != nil {
		return models.Chunk{}, err
	}
	c, err := m.findChunk(rec, chunkID)
	if err != nil {
		return models.Chunk{}, err
	}
	return *c, nil
}

// ListChunks returns a copy of the job's chunks in order_index order, taken
// under one lock acquisition so the result reflects a single point in time.
func (m *Memory) ListChunks(_ context.Context, jobID string) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	return append([]models.Chunk(nil), rec.chunks...), nil
}

func (m *Memory) UpdateChunkAudio(_ context.Context, p UpdateChunkAudioParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(p.JobID)
	if err != nil {
		return err
	}
	c, err := m.findChunk(rec, p.ChunkID)
	if err != nil {
		return err
	}
	if p.ExpectAudioRef != nil && (c.AudioRef == nil || *c.AudioRef != *p.ExpectAudioRef) {
		return fmt.Errorf("chunk %s audio changed: %w", p.ChunkID, models.ErrInvalidState)
	}
	ref := p.AudioRef
	ts := p.Timestamp
	c.AudioRef = &ref
	c.Text = p.Text
	c.Voice = p.Voice
	if p.Engine != "" {
		c.Engine = p.Engine
	}
	c.FX = p.FX
	c.RegeneratedAt = &ts
	return nil
}

func (m *Memory) UpdateChunkText(_ context.Context, jobID, chunkID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(jobID)
	if err != nil {
		return err
	}
	c, err := m.findChunk(rec, chunkID)
	if err != nil {
		return err
	}
	c.Text = text
	return nil
}

func (m *Memory) CreateRegenTask(_ context.Context, p CreateRegenTaskParams) (models.RegenTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(p.JobID)
	if err != nil {
		return models.RegenTask{}, err
	}
	if rec.review == nil || rec.review.Status != models.ReviewActive {
		return models.RegenTask{}, fmt.Errorf("job %s: %w", p.JobID, models.ErrReviewNotActive)
	}
	if _, err := m.findChunk(rec, p.ChunkID); err != nil {
		return models.RegenTask{}, err
	}

	// Supersede any pending task for the chunk in the same critical section
	// as the insert: the newer request wins even if the old engine call
	// finishes later.
	if prevID, ok := rec.latest[p.ChunkID]; ok {
		if prev, ok := rec.tasks[prevID]; ok && prev.Active() {
			prev.Superseded = true
			prev.UpdatedAt = time.Now().UTC()
			rec.tasks[prevID] = prev
		}
	}

	now := time.Now().UTC()
	task := models.RegenTask{
		ID:             uuid.New().String(),
		JobID:          p.JobID,
		ChunkID:        p.ChunkID,
		Status:         models.TaskQueued,
		RequestedText:  p.Text,
		RequestedVoice: p.Voice,
		EngineOverride: p.EngineOverride,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rec.tasks[task.ID] = task
	rec.latest[p.ChunkID] = task.ID
	return task, nil
}

func (m *Memory) taskRecord(taskID string) (*jobRecord, models.RegenTask, error) {
	for _, rec := range m.jobs {
		if task, ok := rec.tasks[taskID]; ok {
			return rec, task, nil
		}
	}
	return nil, models.RegenTask{}, fmt.Errorf("regen task %s: %w", taskID, models.ErrNotFound)
}

func (m *Memory) GetRegenTask(_ context.Context, taskID string) (models.RegenTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, task, err := m.taskRecord(taskID)
	return task, err
}

func (m *Memory) LatestTaskForChunk(_ context.Context, jobID, chunkID string) (models.RegenTask, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.record(jobID)
	if err != nil {
		return models.RegenTask{}, false, err
	}
	id, ok := rec.latest[chunkID]
	if !ok {
		return models.RegenTask{}, false, nil
	}
	return rec.tasks[id], true, nil
}

func (m *Memory) LatestTasksByChunk(_ context.Context, jobID string) (map[string]models.RegenTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.RegenTask, len(rec.latest))
	for chunkID, taskID := range rec.latest {
		out[chunkID] = rec.tasks[taskID]
	}
	return out, nil
}

func (m *Memory) MarkTaskRunning(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, task, err := m.taskRecord(taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskQueued {
		return fmt.Errorf("regen task %s is %s: %w", taskID, task.Status, models.ErrInvalidState)
	}
	task.Status = models.TaskRunning
	task.UpdatedAt = time.Now().UTC()
	rec.tasks[taskID] = task
	return nil
}

// CompleteRegenTask finishes a task. When the task was superseded its
// result is discarded and the chunk is left untouched; otherwise the task
// and the chunk's audio/text/voice are updated under the same lock.
func (m *Memory) CompleteRegenTask(_ context.Context, taskID, audioRef string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, task, err := m.taskRecord(taskID)
	if err != nil {
		return false, err
	}
	task.Status = models.TaskCompleted
	task.UpdatedAt = at
	rec.tasks[taskID] = task
	if task.Superseded {
		return false, nil
	}

	c, err := m.findChunk(rec, task.ChunkID)
	if err != nil {
		return false, err
	}
	ref := audioRef
	ts := at
	c.AudioRef = &ref
	c.Text = task.RequestedText
	c.Voice = task.RequestedVoice
	if task.EngineOverride != "" {
		c.Engine = task.EngineOverride
	}
	c.FX = nil
	c.RegeneratedAt = &ts
	return true, nil
}

func (m *Memory) FailRegenTask(_ context.Context, taskID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, task, err := m.taskRecord(taskID)
	if err != nil {
		return err
	}
	task.Status = models.TaskFailed
	task.Error = &msg
	task.UpdatedAt = time.Now().UTC()
	rec.tasks[taskID] = task
	return nil
}

func (m *Memory) HasActiveRegen(_ context.Context, jobID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.record(jobID)
	if err != nil {
		return false, err
	}
	return hasActive(rec), nil
}

func hasActive(rec *jobRecord) bool {
	for _, task := range rec.tasks {
		if task.Active() {
			return true
		}
	}
	return false
}

func (m *Memory) EnterReview(_ context.Context, jobID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transition(jobID, models.StatusWaitingReview, nil); err != nil {
		return err
	}
	rec := m.jobs[jobID]
	rec.review = &models.ReviewSession{
		JobID:     jobID,
		Status:    models.ReviewActive,
		EnteredAt: at,
	}
	return nil
}

func (m *Memory) GetReview(_ context.Context, jobID string) (models.ReviewSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.record(jobID)
	if err != nil {
		return models.ReviewSession{}, err
	}
	if rec.review == nil {
		return models.ReviewSession{}, fmt.Errorf("job %s has no review session: %w", jobID, models.ErrNotFound)
	}
	session := *rec.review
	session.HasActiveRegen = hasActive(rec)
	return session, nil
}

// BeginFinish moves the session out of active atomically with the
// active-regen check, so no regen can slip in during the compile window.
func (m *Memory) BeginFinish(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(jobID)
	if err != nil {
		return err
	}
	if rec.review == nil || rec.review.Status != models.ReviewActive {
		return fmt.Errorf("job %s: %w", jobID, models.ErrReviewNotActive)
	}
	if hasActive(rec) {
		return fmt.Errorf("job %s: %w", jobID, models.ErrReviewBusy)
	}
	rec.review.Status = models.ReviewFinishing
	return nil
}

func (m *Memory) CompleteFinish(_ context.Context, jobID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(jobID)
	if err != nil {
		return err
	}
	if rec.review == nil || rec.review.Status != models.ReviewFinishing {
		return fmt.Errorf("job %s review is not finishing: %w", jobID, models.ErrInvalidState)
	}
	if err := m.transition(jobID, models.StatusCompleted, func(j *models.Job) {
		j.CompletedAt = &at
	}); err != nil {
		return err
	}
	rec.review.Status = models.ReviewFinished
	rec.review.FinishedAt = &at
	return nil
}

// ReopenReview returns a finishing session to active after a failed compile
// so the user can fix chunks and finish again.
func (m *Memory) ReopenReview(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(jobID)
	if err != nil {
		return err
	}
	if rec.review == nil || rec.review.Status != models.ReviewFinishing {
		return fmt.Errorf("job %s review is not finishing: %w", jobID, models.ErrInvalidState)
	}
	rec.review.Status = models.ReviewActive
	return nil
}

func (m *Memory) SaveArtifacts(_ context.Context, jobID string, artifacts []models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(jobID)
	if err != nil {
		return err
	}
	rec.artifacts = append([]models.Artifact(nil), artifacts...)
	return nil
}

func (m *Memory) ListArtifacts(_ context.Context, jobID string) ([]models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	return append([]models.Artifact(nil), rec.artifacts...), nil
}
