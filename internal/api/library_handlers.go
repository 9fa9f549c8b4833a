package api

import (
	"fmt"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"tts-studio/internal/models"
)

type libraryEntry struct {
	Job       models.Job        `json:"job"`
	Artifacts []models.Artifact `json:"artifacts"`
}

// handleLibrary lists completed jobs with their compiled artifacts.
func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}

	entries := make([]libraryEntry, 0)
	for _, job := range jobs {
		if job.Status != models.StatusCompleted {
			continue
		}
		artifacts, err := s.store.ListArtifacts(r.Context(), job.ID)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		entries = append(entries, libraryEntry{Job: job, Artifacts: artifacts})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entries": entries})
}

// handleDownload streams one compiled artifact. The file query selects by
// base name; with a single artifact it may be omitted.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	file := r.URL.Query().Get("file")

	artifacts, err := s.store.ListArtifacts(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if len(artifacts) == 0 {
		s.writeErr(w, fmt.Errorf("job %s has no artifacts: %w", id, models.ErrNotFound))
		return
	}

	var chosen *models.Artifact
	if file == "" {
		chosen = &artifacts[0]
	} else {
		for i := range artifacts {
			if path.Base(artifacts[i].Key) == file {
				chosen = &artifacts[i]
				break
			}
		}
	}
	if chosen == nil {
		s.writeErr(w, fmt.Errorf("artifact %q: %w", file, models.ErrNotFound))
		return
	}

	data, err := s.storage.Get(r.Context(), chosen.Key)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(chosen.Key)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleLibraryDelete removes a job, its rows, and every stored blob under
// its key prefix, takes and artifacts alike.
func (s *Server) handleLibraryDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.storage.DeletePrefix(r.Context(), "jobs/"+id); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleLibraryClear deletes completed jobs and their audio; anything still
// queued or in flight is left alone.
func (s *Server) handleLibraryClear(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ClearJobs(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	for _, id := range ids {
		if err := s.storage.DeletePrefix(r.Context(), "jobs/"+id); err != nil {
			s.writeErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": len(ids)})
}
