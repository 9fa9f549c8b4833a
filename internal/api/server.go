package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tts-studio/internal/analysis"
	"tts-studio/internal/artifact"
	"tts-studio/internal/config"
	"tts-studio/internal/engine"
	"tts-studio/internal/models"
	"tts-studio/internal/queue"
	"tts-studio/internal/ratelimit"
	"tts-studio/internal/review"
	"tts-studio/internal/store"
	"tts-studio/internal/telemetry"
	"tts-studio/internal/voices"
)

// Server wires HTTP handlers for the studio API.
type Server struct {
	cfg      config.Config
	store    store.Store
	queue    *queue.JobQueue
	review   *review.Service
	analyzer analysis.Analyzer
	storage  artifact.Storage
	engines  *engine.Registry
	catalog  voices.Catalog
	limiter  *ratelimit.Limiter
}

// New constructs the API server.
func New(cfg config.Config, st store.Store, q *queue.JobQueue, rv *review.Service, analyzer analysis.Analyzer, storage artifact.Storage, engines *engine.Registry, catalog voices.Catalog, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		review:   rv,
		analyzer: analyzer,
		storage:  storage,
		engines:  engines,
		catalog:  catalog,
		limiter:  limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/queue", s.handleQueue)
		r.Post("/cancel/{id}", s.handleCancel)
		r.Get("/voices", s.handleVoices)

		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/chunks", s.handleChunks)
			r.Post("/review/regen", s.handleRegen)
			r.Post("/review/regen-all", s.handleRegenAll)
			r.Post("/review/fx", s.handleFX)
			r.Post("/review/finish", s.handleFinish)
		})

		r.Get("/download/{id}", s.handleDownload)
		r.Get("/library", s.handleLibrary)
		r.Delete("/library/{id}", s.handleLibraryDelete)
		r.Post("/library/clear", s.handleLibraryClear)
	})
	return r
}

type generateRequest struct {
	Text              string                           `json:"text"`
	Engine            string                           `json:"engine"`
	SplitByChapter    bool                             `json:"split_by_chapter"`
	GenerateFullStory bool                             `json:"generate_full_story"`
	AutoFinish        bool                             `json:"auto_finish"`
	Voice             models.VoiceAssignment           `json:"voice"`
	VoiceMap          map[string]models.VoiceAssignment `json:"voice_map"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	// Validation happens before any state is created: a rejected request
	// leaves no job behind.
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Engine == "" {
		req.Engine = s.cfg.DefaultEngine
	}
	if _, err := s.engines.Get(req.Engine); err != nil {
		s.writeErr(w, err)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	result, err := s.analyzer.Analyze(r.Context(), text, req.SplitByChapter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if len(result.Chunks) == 0 {
		writeError(w, http.StatusBadRequest, "text produced no speakable chunks")
		return
	}

	specs := make([]store.ChunkSpec, 0, len(result.Chunks))
	for _, c := range result.Chunks {
		voice := s.voiceFor(req, c.Speaker)
		voice.Normalize()
		if err := voice.Validate(req.Engine); err != nil {
			s.writeErr(w, err)
			return
		}
		if err := s.catalog.Validate(&voice); err != nil {
			s.writeErr(w, err)
			return
		}
		specs = append(specs, store.ChunkSpec{
			Text:         c.Text,
			Speaker:      c.Speaker,
			Voice:        voice,
			Engine:       req.Engine,
			ChapterIndex: c.ChapterIndex,
		})
	}

	chapters := make([]models.Chapter, 0, len(result.Chapters))
	for _, ch := range result.Chapters {
		chapters = append(chapters, models.Chapter{Index: ch.Index, Title: ch.Title})
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Engine:            req.Engine,
		TextPreview:       preview(text),
		SplitByChapter:    req.SplitByChapter,
		GenerateFullStory: req.GenerateFullStory,
		AutoFinish:        req.AutoFinish,
		Chapters:          chapters,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if _, err := s.store.CreateChunks(r.Context(), job.ID, specs); err != nil {
		s.writeErr(w, err)
		return
	}

	position, err := s.queue.Enqueue(r.Context(), job.ID)
	if err != nil {
		_ = s.store.MarkFailed(r.Context(), job.ID, "enqueue failed: "+err.Error())
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	telemetry.JobsEnqueued.Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":        true,
		"job_id":         job.ID,
		"queue_position": position,
		"total_chunks":   len(specs),
		"speakers":       result.Speakers,
	})
}

type analyzeOnlyRequest struct {
	Text           string `json:"text"`
	SplitByChapter bool   `json:"split_by_chapter"`
}

// handleAnalyze runs chunking and speaker detection without creating a
// job, so a caller can preview speakers before assigning voices.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeOnlyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	result, err := s.analyzer.Analyze(r.Context(), text, req.SplitByChapter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"chunks":   result.Chunks,
		"speakers": result.Speakers,
		"chapters": result.Chapters,
	})
}

// voiceFor resolves the voice for a speaker: the per-speaker map wins over
// the job-wide assignment.
func (s *Server) voiceFor(req generateRequest, speaker string) models.VoiceAssignment {
	if v, ok := req.VoiceMap[speaker]; ok && !v.Zero() {
		return v
	}
	if !req.Voice.Zero() {
		return req.Voice
	}
	if models.KindForEngine(req.Engine) == models.VoiceNamed && len(s.catalog.Languages) > 0 && len(s.catalog.Languages[0].Voices) > 0 {
		lang := s.catalog.Languages[0]
		return models.VoiceAssignment{Kind: models.VoiceNamed, Voice: lang.Voices[0], LangCode: lang.LangCode}
	}
	return models.VoiceAssignment{}
}

type queueEntry struct {
	Job           models.Job `json:"job"`
	QueuePosition int64      `json:"queue_position,omitempty"`
	ETASeconds    int64      `json:"eta_seconds,omitempty"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	telemetry.QueueDepthGauge.Set(float64(depth))

	entries := make([]queueEntry, 0, len(jobs))
	for _, job := range jobs {
		entry := queueEntry{Job: job}
		switch job.Status {
		case models.StatusQueued:
			entry.QueuePosition, _ = s.queue.Position(r.Context(), job.ID)
		case models.StatusProcessing:
			entry.ETASeconds = etaSeconds(job)
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobs":    entries,
		"depth":   depth,
	})
}

// etaSeconds projects remaining time from the average pace so far.
func etaSeconds(job models.Job) int64 {
	if job.StartedAt == nil || job.ProcessedChunks == 0 || job.TotalChunks <= job.ProcessedChunks {
		return 0
	}
	elapsed := time.Since(*job.StartedAt).Seconds()
	perChunk := elapsed / float64(job.ProcessedChunks)
	return int64(perChunk * float64(job.TotalChunks-job.ProcessedChunks))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if job.Status != models.StatusQueued && job.Status != models.StatusProcessing {
		s.writeErr(w, models.ErrInvalidState)
		return
	}

	if err := s.queue.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	// A queued job dies immediately; a processing job stops at the next
	// chunk boundary when the worker sees the flag.
	if job.Status == models.StatusQueued {
		if err := s.store.MarkCancelled(r.Context(), id); err != nil && !errors.Is(err, models.ErrInvalidState) {
			s.writeErr(w, err)
			return
		}
		_ = s.queue.ClearCancel(r.Context(), id)
		telemetry.JobsCancelled.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "cancelling"})
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"languages": s.catalog.Languages,
		"engines":   s.engines.Names(),
	})
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		return strings.SplitN(v, ",", 2)[0]
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func preview(text string) string {
	const max = 120
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}

// writeErr maps domain sentinels to HTTP statuses inside the standard
// envelope.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrReviewBusy),
		errors.Is(err, models.ErrReviewNotActive),
		errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrIncompleteChunks),
		errors.Is(err, models.ErrChunkNotSynthesized):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
