// Package analysis splits story text into speaker-attributed chunks and
// chapters via the analyzer sidecar.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Chunk is one speakable span of the input text.
type Chunk struct {
	Text         string `json:"text"`
	Speaker      string `json:"speaker"`
	ChapterIndex *int   `json:"chapter_index,omitempty"`
}

// Chapter is a detected chapter boundary.
type Chapter struct {
	Index int    `json:"index"`
	Title string `json:"title"`
}

// Result is a full analysis of one story.
type Result struct {
	Chunks   []Chunk  `json:"chunks"`
	Speakers []string `json:"speakers"`
	Chapters []Chapter `json:"chapters"`
}

// Analyzer produces chunking and speaker attribution for raw text.
type Analyzer interface {
	Analyze(ctx context.Context, text string, splitByChapter bool) (Result, error)
}

// HTTPAnalyzer calls the analyzer sidecar.
type HTTPAnalyzer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAnalyzer(baseURL string, timeout time.Duration) *HTTPAnalyzer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAnalyzer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	Text           string `json:"text"`
	SplitByChapter bool   `json:"split_by_chapter"`
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, text string, splitByChapter bool) (Result, error) {
	body, err := json.Marshal(analyzeRequest{Text: text, SplitByChapter: splitByChapter})
	if err != nil {
		return Result{}, fmt.Errorf("marshal analyze request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call analyzer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("analyzer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode analyzer response: %w", err)
	}
	return result, nil
}
