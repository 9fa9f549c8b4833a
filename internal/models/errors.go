package models

import "errors"

// Error taxonomy shared across the API, review, and worker layers.
// Validation errors surface synchronously to the caller; engine failures
// during initial synthesis fail the whole job, while engine failures during
// a review-time regen fail only that task.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("operation not valid in current state")
	ErrReviewNotActive     = errors.New("review session is not active")
	ErrReviewBusy          = errors.New("regeneration still in progress")
	ErrEngineFailure       = errors.New("synthesis engine failure")
	ErrIncompleteChunks    = errors.New("one or more chunks have no audio")
	ErrChunkNotSynthesized = errors.New("chunk has no synthesized audio")
)
