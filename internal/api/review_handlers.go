package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tts-studio/internal/models"
	"tts-studio/internal/review"
	"tts-studio/internal/telemetry"
)

// handleChunks is the review polling surface: the job, its chunks in
// order, the latest regen task per chunk, and the session state.
func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	chunks, err := s.store.ListChunks(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	tasks, err := s.store.LatestTasksByChunk(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	payload := map[string]any{
		"success":     true,
		"job":         job,
		"chunks":      chunks,
		"regen_tasks": tasks,
	}
	if session, err := s.store.GetReview(r.Context(), id); err == nil {
		payload["review"] = session
	} else if !errors.Is(err, models.ErrNotFound) {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type regenRequest struct {
	ChunkID string                 `json:"chunk_id"`
	Text    string                 `json:"text"`
	Voice   models.VoiceAssignment `json:"voice"`
	Engine  string                 `json:"engine"`
}

func (s *Server) handleRegen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req regenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ChunkID == "" {
		writeError(w, http.StatusBadRequest, "chunk_id is required")
		return
	}

	task, err := s.review.RegenChunk(r.Context(), id, review.RegenRequest{
		ChunkID:        req.ChunkID,
		Text:           req.Text,
		Voice:          req.Voice,
		EngineOverride: req.Engine,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	telemetry.RegenSubmitted.Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "task": task})
}

type regenAllRequest struct {
	Speaker string                 `json:"speaker"`
	Voice   models.VoiceAssignment `json:"voice"`
	Entries []regenRequest         `json:"entries"`
}

// handleRegenAll accepts either a speaker-wide voice swap or an explicit
// batch of per-chunk entries.
func (s *Server) handleRegenAll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req regenAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var tasks []models.RegenTask
	var err error
	switch {
	case req.Speaker != "":
		tasks, err = s.review.RegenBySpeaker(r.Context(), id, req.Speaker, req.Voice)
	case len(req.Entries) > 0:
		reqs := make([]review.RegenRequest, 0, len(req.Entries))
		for _, e := range req.Entries {
			reqs = append(reqs, review.RegenRequest{
				ChunkID:        e.ChunkID,
				Text:           e.Text,
				Voice:          e.Voice,
				EngineOverride: e.Engine,
			})
		}
		tasks, err = s.review.RegenAll(r.Context(), id, reqs)
	default:
		writeError(w, http.StatusBadRequest, "speaker or entries required")
		return
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	for range tasks {
		telemetry.RegenSubmitted.Inc()
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "tasks": tasks})
}

type fxRequest struct {
	ChunkID string  `json:"chunk_id"`
	Speed   float64 `json:"speed"`
	Pitch   float64 `json:"pitch"`
}

func (s *Server) handleFX(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req fxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ChunkID == "" {
		writeError(w, http.StatusBadRequest, "chunk_id is required")
		return
	}

	chunk, err := s.review.ApplyFX(r.Context(), id, req.ChunkID, models.FXSettings{
		Speed: req.Speed,
		Pitch: req.Pitch,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chunk": chunk})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifacts, err := s.review.Finish(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	telemetry.JobsCompleted.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "artifacts": artifacts})
}
