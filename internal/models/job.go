package models

import (
	"time"
)

// JobStatus enumerates the job lifecycle states persisted in the store.
const (
	StatusQueued        = "queued"
	StatusProcessing    = "processing"
	StatusWaitingReview = "waiting_review"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusCancelled     = "cancelled"
)

// Job is one text-to-audio production run. A job owns an ordered chunk
// sequence and, once initial synthesis finishes, a review session.
type Job struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	Engine            string     `json:"engine"`
	TextPreview       string     `json:"text_preview"`
	SplitByChapter    bool       `json:"split_by_chapter"`
	GenerateFullStory bool       `json:"generate_full_story"`
	AutoFinish        bool       `json:"auto_finish"`
	TotalChunks       int        `json:"total_chunks"`
	ProcessedChunks   int        `json:"processed_chunks"`
	Chapters          []Chapter  `json:"chapters,omitempty"`
	Error             *string    `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Chapter is source-text chapter metadata carried through to compile time.
type Chapter struct {
	Index int    `json:"index"`
	Title string `json:"title"`
}

// Chunk is a single unit of text rendered to one audio segment. order_index
// is assigned at creation and never changes; audio_ref, text,
// voice_assignment and fx are only ever replaced together.
type Chunk struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	OrderIndex    int             `json:"order_index"`
	ChapterIndex  *int            `json:"chapter_index,omitempty"`
	Text          string          `json:"text"`
	Speaker       string          `json:"speaker,omitempty"`
	Voice         VoiceAssignment `json:"voice_assignment"`
	Engine        string          `json:"engine"`
	AudioRef      *string         `json:"audio_ref,omitempty"`
	FX            *FXSettings     `json:"fx,omitempty"`
	RegeneratedAt *time.Time      `json:"regenerated_at,omitempty"`
}

// Synthesized reports whether the chunk has a rendered audio segment.
func (c Chunk) Synthesized() bool {
	return c.AudioRef != nil && *c.AudioRef != ""
}

// ValidTransition reports whether a job may move from one status to another.
// Transitions only run forward; failed and cancelled are reachable from
// queued or processing, and nothing leaves a terminal state.
func ValidTransition(from, to string) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled || to == StatusFailed
	case StatusProcessing:
		return to == StatusWaitingReview || to == StatusFailed || to == StatusCancelled
	case StatusWaitingReview:
		return to == StatusCompleted
	default:
		return false
	}
}

// Terminal reports whether a job status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
