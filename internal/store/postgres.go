package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"tts-studio/internal/models"
)

// Postgres wraps pgxpool for durable persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)
var _ Store = (*Memory)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, status, engine, text_preview, split_by_chapter, generate_full_story,
	auto_finish, total_chunks, processed_chunks, chapters, error, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var chaptersJSON []byte
	var jobErr pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Status, &job.Engine, &job.TextPreview, &job.SplitByChapter,
		&job.GenerateFullStory, &job.AutoFinish, &job.TotalChunks, &job.ProcessedChunks,
		&chaptersJSON, &jobErr, &job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job: %w", models.ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(chaptersJSON, &job.Chapters); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal chapters: %w", err)
	}
	job.Error = textPtr(jobErr)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	chaptersJSON, err := json.Marshal(chaptersOrEmpty(p.Chapters))
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal chapters: %w", err)
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, status, engine, text_preview, split_by_chapter, generate_full_story,
			auto_finish, total_chunks, processed_chunks, chapters, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8, $9)
	`, id, models.StatusQueued, p.Engine, p.TextPreview, p.SplitByChapter, p.GenerateFullStory,
		p.AutoFinish, chaptersJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:                id,
		Status:            models.StatusQueued,
		Engine:            p.Engine,
		TextPreview:       p.TextPreview,
		SplitByChapter:    p.SplitByChapter,
		GenerateFullStory: p.GenerateFullStory,
		AutoFinish:        p.AutoFinish,
		Chapters:          p.Chapters,
		CreatedAt:         now,
	}, nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *Postgres) ListJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Postgres) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ClearJobs deletes completed jobs only; queued and in-flight jobs stay
// referenced by the queue and the worker.
func (s *Postgres) ClearJobs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `DELETE FROM jobs WHERE status = $1 RETURNING id`, models.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("clear jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// transition applies a guarded status update. The WHERE clause carries the
// allowed source states so the forward-only state machine holds even under
// concurrent writers.
func (s *Postgres) transition(ctx context.Context, id, to, set string, from []string, args ...any) error {
	sql := fmt.Sprintf(`UPDATE jobs SET status = $2%s WHERE id = $1 AND status = ANY($3)`, set)
	allArgs := append([]any{id, to, from}, args...)
	tag, err := s.pool.Exec(ctx, sql, allArgs...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s: %s -> %s: %w", id, job.Status, to, models.ErrInvalidState)
	}
	return nil
}

func (s *Postgres) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	return s.transition(ctx, id, models.StatusProcessing, ", started_at = $4",
		[]string{models.StatusQueued}, startedAt)
}

func (s *Postgres) MarkFailed(ctx context.Context, id string, msg string) error {
	return s.transition(ctx, id, models.StatusFailed, ", error = $4",
		[]string{models.StatusQueued, models.StatusProcessing}, msg)
}

func (s *Postgres) MarkCancelled(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.StatusCancelled, "",
		[]string{models.StatusQueued, models.StatusProcessing})
}

func (s *Postgres) SetProgress(ctx context.Context, id string, processed int) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET processed_chunks = $2 WHERE id = $1`, id, processed)
	return err
}

func (s *Postgres) CreateChunks(ctx context.Context, jobID string, specs []ChunkSpec) ([]models.Chunk, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no chunks to create: %w", models.ErrInvalidInput)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var base int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(order_index) + 1, 0) FROM chunks WHERE job_id = $1`, jobID).Scan(&base); err != nil {
		return nil, fmt.Errorf("chunk base index: %w", err)
	}

	created := make([]models.Chunk, 0, len(specs))
	for i, spec := range specs {
		voiceJSON, err := json.Marshal(spec.Voice)
		if err != nil {
			return nil, fmt.Errorf("marshal voice: %w", err)
		}
		chunk := models.Chunk{
			ID:           uuid.New().String(),
			JobID:        jobID,
			OrderIndex:   base + i,
			ChapterIndex: spec.ChapterIndex,
			Text:         spec.Text,
			Speaker:      spec.Speaker,
			Voice:        spec.Voice,
			Engine:       spec.Engine,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO chunks (id, job_id, order_index, chapter_index, text, speaker, voice, engine)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, chunk.ID, jobID, chunk.OrderIndex, chunk.ChapterIndex, chunk.Text, chunk.Speaker, voiceJSON, chunk.Engine)
		if err != nil {
			return nil, fmt.Errorf("insert chunk: %w", err)
		}
		created = append(created, chunk)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET total_chunks = (SELECT COUNT(*) FROM chunks WHERE job_id = $1) WHERE id = $1
	`, jobID); err != nil {
		return nil, fmt.Errorf("update total chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

const chunkColumns = `id, job_id, order_index, chapter_index, text, speaker, voice, engine, audio_ref, fx, regenerated_at`

func scanChunk(row pgx.Row) (models.Chunk, error) {
	var c models.Chunk
	var chapterIndex pgtype.Int4
	var voiceJSON []byte
	var fxJSON []byte
	var audioRef pgtype.Text
	var regeneratedAt pgtype.Timestamptz

	err := row.Scan(&c.ID, &c.JobID, &c.OrderIndex, &chapterIndex, &c.Text, &c.Speaker,
		&voiceJSON, &c.Engine, &audioRef, &fxJSON, &regeneratedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Chunk{}, fmt.Errorf("chunk: %w", models.ErrNotFound)
		}
		return models.Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	if chapterIndex.Valid {
		idx := int(chapterIndex.Int32)
		c.ChapterIndex = &idx
	}
	if err := json.Unmarshal(voiceJSON, &c.Voice); err != nil {
		return models.Chunk{}, fmt.Errorf("unmarshal voice: %w", err)
	}
	if len(fxJSON) > 0 {
		var fx models.FXSettings
		if err := json.Unmarshal(fxJSON, &fx); err != nil {
			return models.Chunk{}, fmt.Errorf("unmarshal fx: %w", err)
		}
		c.FX = &fx
	}
	c.AudioRef = textPtr(audioRef)
	c.RegeneratedAt = timePtr(regeneratedAt)
	return c, nil
}

func (s *Postgres) GetChunk(ctx context.Context, jobID, chunkID string) (models.Chunk, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE job_id = $1 AND id = $2`, jobID, chunkID)
	return scanChunk(row)
}

// ListChunks reads the job's chunks inside one repeatable-read transaction
// so the result is a consistent snapshot in order_index order.
func (s *Postgres) ListChunks(ctx context.Context, jobID string) ([]models.Chunk, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}

	rows, err := tx.Query(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE job_id = $1 ORDER BY order_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return chunks, tx.Commit(ctx)
}

// UpdateChunkAudio replaces audio_ref, text, voice, and fx in a single
// UPDATE so readers never observe a mix of old and new fields.
func (s *Postgres) UpdateChunkAudio(ctx context.Context, p UpdateChunkAudioParams) error {
	voiceJSON, err := json.Marshal(p.Voice)
	if err != nil {
		return fmt.Errorf("marshal voice: %w", err)
	}
	fxJSON, err := marshalFX(p.FX)
	if err != nil {
		return err
	}
	engineExpr := "engine"
	args := []any{p.JobID, p.ChunkID, p.AudioRef, p.Text, voiceJSON, fxJSON, p.Timestamp}
	if p.Engine != "" {
		args = append(args, p.Engine)
		engineExpr = fmt.Sprintf("$%d", len(args))
	}
	where := `WHERE job_id = $1 AND id = $2`
	if p.ExpectAudioRef != nil {
		args = append(args, *p.ExpectAudioRef)
		where += fmt.Sprintf(" AND audio_ref = $%d", len(args))
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE chunks
		SET audio_ref = $3, text = $4, voice = $5, fx = $6, regenerated_at = $7, engine = %s
		%s
	`, engineExpr, where), args...)
	if err != nil {
		return fmt.Errorf("update chunk audio: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetChunk(ctx, p.JobID, p.ChunkID); err != nil {
			return err
		}
		return fmt.Errorf("chunk %s audio changed: %w", p.ChunkID, models.ErrInvalidState)
	}
	return nil
}

func (s *Postgres) UpdateChunkText(ctx context.Context, jobID, chunkID, text string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE chunks SET text = $3 WHERE job_id = $1 AND id = $2`, jobID, chunkID, text)
	if err != nil {
		return fmt.Errorf("update chunk text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chunk %s: %w", chunkID, models.ErrNotFound)
	}
	return nil
}

func (s *Postgres) CreateRegenTask(ctx context.Context, p CreateRegenTaskParams) (models.RegenTask, error) {
	voiceJSON, err := json.Marshal(p.Voice)
	if err != nil {
		return models.RegenTask{}, fmt.Errorf("marshal voice: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.RegenTask{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var reviewStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM reviews WHERE job_id = $1 FOR UPDATE`, p.JobID).Scan(&reviewStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RegenTask{}, fmt.Errorf("job %s: %w", p.JobID, models.ErrReviewNotActive)
	}
	if err != nil {
		return models.RegenTask{}, fmt.Errorf("query review: %w", err)
	}
	if reviewStatus != models.ReviewActive {
		return models.RegenTask{}, fmt.Errorf("job %s: %w", p.JobID, models.ErrReviewNotActive)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chunks WHERE job_id = $1 AND id = $2)`,
		p.JobID, p.ChunkID).Scan(&exists); err != nil {
		return models.RegenTask{}, fmt.Errorf("check chunk: %w", err)
	}
	if !exists {
		return models.RegenTask{}, fmt.Errorf("chunk %s: %w", p.ChunkID, models.ErrNotFound)
	}

	// The newest request wins: flag any pending task for the chunk so its
	// engine result is discarded regardless of completion order.
	if _, err := tx.Exec(ctx, `
		UPDATE regen_tasks SET superseded = TRUE, updated_at = NOW()
		WHERE chunk_id = $1 AND superseded = FALSE AND status IN ($2, $3)
	`, p.ChunkID, models.TaskQueued, models.TaskRunning); err != nil {
		return models.RegenTask{}, fmt.Errorf("supersede tasks: %w", err)
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
	if _, err := tx.Exec(ctx, `
		INSERT INTO regen_tasks (id, job_id, chunk_id, status, requested_text, requested_voice,
			engine_override, superseded, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $8)
	`, task.ID, task.JobID, task.ChunkID, task.Status, task.RequestedText, voiceJSON,
		task.EngineOverride, now); err != nil {
		return models.RegenTask{}, fmt.Errorf("insert regen task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.RegenTask{}, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

const taskColumns = `id, job_id, chunk_id, status, requested_text, requested_voice, engine_override,
	superseded, error, created_at, updated_at`

func scanTask(row pgx.Row) (models.RegenTask, error) {
	var t models.RegenTask
	var voiceJSON []byte
	var taskErr pgtype.Text

	err := row.Scan(&t.ID, &t.JobID, &t.ChunkID, &t.Status, &t.RequestedText, &voiceJSON,
		&t.EngineOverride, &t.Superseded, &taskErr, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RegenTask{}, fmt.Errorf("regen task: %w", models.ErrNotFound)
		}
		return models.RegenTask{}, fmt.Errorf("scan regen task: %w", err)
	}
	if err := json.Unmarshal(voiceJSON, &t.RequestedVoice); err != nil {
		return models.RegenTask{}, fmt.Errorf("unmarshal requested voice: %w", err)
	}
	t.Error = textPtr(taskErr)
	return t, nil
}

func (s *Postgres) GetRegenTask(ctx context.Context, taskID string) (models.RegenTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM regen_tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

func (s *Postgres) LatestTaskForChunk(ctx context.Context, jobID, chunkID string) (models.RegenTask, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM regen_tasks
		WHERE job_id = $1 AND chunk_id = $2
		ORDER BY created_at DESC LIMIT 1
	`, jobID, chunkID)
	task, err := scanTask(row)
	if errors.Is(err, models.ErrNotFound) {
		return models.RegenTask{}, false, nil
	}
	if err != nil {
		return models.RegenTask{}, false, err
	}
	return task, true, nil
}

func (s *Postgres) LatestTasksByChunk(ctx context.Context, jobID string) (map[string]models.RegenTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (chunk_id) `+taskColumns+`
		FROM regen_tasks WHERE job_id = $1
		ORDER BY chunk_id, created_at DESC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list regen tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.RegenTask)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out[task.ChunkID] = task
	}
	return out, rows.Err()
}

func (s *Postgres) MarkTaskRunning(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE regen_tasks SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3
	`, taskID, models.TaskRunning, models.TaskQueued)
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRegenTask(ctx, taskID); err != nil {
			return err
		}
		return fmt.Errorf("regen task %s: %w", taskID, models.ErrInvalidState)
	}
	return nil
}

// CompleteRegenTask finishes a task. The task row and the chunk's audio
// move in one transaction; a superseded task's result is discarded and the
// chunk is left untouched.
func (s *Postgres) CompleteRegenTask(ctx context.Context, taskID, audioRef string, at time.Time) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM regen_tasks WHERE id = $1 FOR UPDATE`, taskID)
	task, err := scanTask(row)
	if err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE regen_tasks SET status = $2, updated_at = $3 WHERE id = $1
	`, taskID, models.TaskCompleted, at); err != nil {
		return false, fmt.Errorf("complete regen task: %w", err)
	}

	if task.Superseded {
		return false, tx.Commit(ctx)
	}

	voiceJSON, err := json.Marshal(task.RequestedVoice)
	if err != nil {
		return false, fmt.Errorf("marshal voice: %w", err)
	}
	engineExpr := "engine"
	args := []any{task.JobID, task.ChunkID, audioRef, task.RequestedText, voiceJSON, at}
	if task.EngineOverride != "" {
		engineExpr = "$7"
		args = append(args, task.EngineOverride)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE chunks
		SET audio_ref = $3, text = $4, voice = $5, fx = NULL, regenerated_at = $6, engine = %s
		WHERE job_id = $1 AND id = $2
	`, engineExpr), args...); err != nil {
		return false, fmt.Errorf("apply regen result: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *Postgres) FailRegenTask(ctx context.Context, taskID, msg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE regen_tasks SET status = $2, error = $3, updated_at = NOW() WHERE id = $1
	`, taskID, models.TaskFailed, msg)
	if err != nil {
		return fmt.Errorf("fail regen task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("regen task %s: %w", taskID, models.ErrNotFound)
	}
	return nil
}

func (s *Postgres) HasActiveRegen(ctx context.Context, jobID string) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM regen_tasks
			WHERE job_id = $1 AND superseded = FALSE AND status IN ($2, $3)
		)
	`, jobID, models.TaskQueued, models.TaskRunning).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("check active regen: %w", err)
	}
	return active, nil
}

func (s *Postgres) EnterReview(ctx context.Context, jobID string, at time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2 WHERE id = $1 AND status = $3
	`, jobID, models.StatusWaitingReview, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("enter review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, models.ErrInvalidState)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO reviews (job_id, status, entered_at) VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO NOTHING
	`, jobID, models.ReviewActive, at); err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) GetReview(ctx context.Context, jobID string) (models.ReviewSession, error) {
	var session models.ReviewSession
	var finishedAt pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, status, entered_at, finished_at FROM reviews WHERE job_id = $1
	`, jobID).Scan(&session.JobID, &session.Status, &session.EnteredAt, &finishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReviewSession{}, fmt.Errorf("job %s has no review session: %w", jobID, models.ErrNotFound)
	}
	if err != nil {
		return models.ReviewSession{}, fmt.Errorf("query review: %w", err)
	}
	session.FinishedAt = timePtr(finishedAt)

	session.HasActiveRegen, err = s.HasActiveRegen(ctx, jobID)
	if err != nil {
		return models.ReviewSession{}, err
	}
	return session, nil
}

// BeginFinish moves the session out of active atomically with the
// active-regen check: the guarded UPDATE leaves the row untouched if any
// task is still queued or running.
func (s *Postgres) BeginFinish(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reviews SET status = $2
		WHERE job_id = $1 AND status = $3
		AND NOT EXISTS (
			SELECT 1 FROM regen_tasks
			WHERE job_id = $1 AND superseded = FALSE AND status IN ($4, $5)
		)
	`, jobID, models.ReviewFinishing, models.ReviewActive, models.TaskQueued, models.TaskRunning)
	if err != nil {
		return fmt.Errorf("begin finish: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	session, err := s.GetReview(ctx, jobID)
	if err != nil {
		return err
	}
	if session.Status != models.ReviewActive {
		return fmt.Errorf("job %s: %w", jobID, models.ErrReviewNotActive)
	}
	return fmt.Errorf("job %s: %w", jobID, models.ErrReviewBusy)
}

func (s *Postgres) CompleteFinish(ctx context.Context, jobID string, at time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE reviews SET status = $2, finished_at = $3 WHERE job_id = $1 AND status = $4
	`, jobID, models.ReviewFinished, at, models.ReviewFinishing)
	if err != nil {
		return fmt.Errorf("finish review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s review is not finishing: %w", jobID, models.ErrInvalidState)
	}

	tag, err = tx.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = $3 WHERE id = $1 AND status = $4
	`, jobID, models.StatusCompleted, at, models.StatusWaitingReview)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, models.ErrInvalidState)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) ReopenReview(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reviews SET status = $2 WHERE job_id = $1 AND status = $3
	`, jobID, models.ReviewActive, models.ReviewFinishing)
	if err != nil {
		return fmt.Errorf("reopen review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s review is not finishing: %w", jobID, models.ErrInvalidState)
	}
	return nil
}

func (s *Postgres) SaveArtifacts(ctx context.Context, jobID string, artifacts []models.Artifact) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM artifacts WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("clear artifacts: %w", err)
	}
	for _, a := range artifacts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO artifacts (job_id, chapter_index, title, key, format, size_bytes, full_story, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, jobID, a.ChapterIndex, a.Title, a.Key, a.Format, a.SizeBytes, a.FullStory, a.CreatedAt); err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) ListArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, chapter_index, title, key, format, size_bytes, full_story, created_at
		FROM artifacts WHERE job_id = $1 ORDER BY full_story, chapter_index
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.JobID, &a.ChapterIndex, &a.Title, &a.Key, &a.Format,
			&a.SizeBytes, &a.FullStory, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func marshalFX(fx *models.FXSettings) ([]byte, error) {
	if fx == nil {
		return nil, nil
	}
	b, err := json.Marshal(fx)
	if err != nil {
		return nil, fmt.Errorf("marshal fx: %w", err)
	}
	return b, nil
}

func chaptersOrEmpty(chapters []models.Chapter) []models.Chapter {
	if chapters == nil {
		return []models.Chapter{}
	}
	return chapters
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
