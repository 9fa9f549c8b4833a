package models

import "time"

// RegenTask statuses. Terminal tasks are retained until superseded or the
// job is deleted so that clients can poll after the fact.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// RegenTask is an asynchronous request to re-synthesize one chunk with new
// text and/or voice parameters. At most one task per chunk is active at a
// time; a newer submission supersedes the pending one, and a superseded
// task's engine result is discarded whenever it arrives.
type RegenTask struct {
	ID             string          `json:"id"`
	JobID          string          `json:"job_id"`
	ChunkID        string          `json:"chunk_id"`
	Status         string          `json:"status"`
	RequestedText  string          `json:"requested_text"`
	RequestedVoice VoiceAssignment `json:"requested_voice"`
	EngineOverride string          `json:"engine_override,omitempty"`
	Superseded     bool            `json:"superseded"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Active reports whether the task still occupies its chunk's regen slot.
func (t RegenTask) Active() bool {
	return !t.Superseded && (t.Status == TaskQueued || t.Status == TaskRunning)
}

// ReviewSession statuses.
const (
	ReviewActive    = "active"
	ReviewFinishing = "finishing"
	ReviewFinished  = "finished"
)

// ReviewSession is the held checkpoint between initial synthesis and the
// final compile. While active, chunk text, voice, and fx may be edited and
// selectively re-synthesized.
type ReviewSession struct {
	JobID          string     `json:"job_id"`
	Status         string     `json:"status"`
	HasActiveRegen bool       `json:"has_active_regen"`
	EnteredAt      time.Time  `json:"entered_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Artifact is one compiled output file for a job: a per-chapter file, the
// single output of an unsplit job, or the optional full-story concatenation.
type Artifact struct {
	JobID        string    `json:"job_id"`
	ChapterIndex int       `json:"chapter_index"`
	Title        string    `json:"title"`
	Key          string    `json:"relative_path"`
	Format       string    `json:"format"`
	SizeBytes    int64     `json:"file_size"`
	FullStory    bool      `json:"full_story"`
	CreatedAt    time.Time `json:"created_at"`
}
