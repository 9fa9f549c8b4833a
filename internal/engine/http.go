package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tts-studio/internal/models"
	"tts-studio/internal/wavio"
)

// HTTPSynth talks to an engine served behind an HTTP synthesis endpoint.
type HTTPSynth struct {
	name     string
	endpoint string
	client   *http.Client
}

type httpSynthRequest struct {
	Text        string `json:"text"`
	Voice       string `json:"voice,omitempty"`
	LangCode    string `json:"lang_code,omitempty"`
	PromptPath  string `json:"prompt_path,omitempty"`
	Speaker     string `json:"speaker,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

type httpSynthError struct {
	Error string `json:"error"`
}

func NewHTTPSynth(name, endpoint string, timeout time.Duration) *HTTPSynth {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPSynth{
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSynth) Name() string { return s.name }

func (s *HTTPSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	payload := httpSynthRequest{
		Text:        req.Text,
		Voice:       req.Voice.Voice,
		LangCode:    req.Voice.LangCode,
		PromptPath:  req.Voice.PromptPath,
		Speaker:     req.Voice.Speaker,
		Instruction: req.Voice.Instruction,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Audio{}, fmt.Errorf("marshal synth request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("build synth request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Audio{}, fmt.Errorf("engine %s: %v: %w", s.name, err, models.ErrEngineFailure)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("engine %s: read response: %w", s.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		// The engine's own message passes through untouched so the review
		// surface can show it.
		msg := strings.TrimSpace(string(data))
		var e httpSynthError
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return Audio{}, fmt.Errorf("engine %s: %s: %w", s.name, msg, models.ErrEngineFailure)
	}

	samples, rate, err := wavio.DecodeBytes(data)
	if err != nil {
		return Audio{}, fmt.Errorf("engine %s: %v: %w", s.name, err, models.ErrEngineFailure)
	}
	return Audio{Samples: samples, SampleRate: rate}, nil
}
