package analysis

import (
	"context"
	"regexp"
	"strings"
)

// NaiveAnalyzer splits on blank lines and detects chapter headings with a
// regexp. It stands in when no analyzer sidecar is configured; everything
// is attributed to the narrator.
type NaiveAnalyzer struct{}

var chapterHeading = regexp.MustCompile(`(?i)^(chapter|part|book)\s+([0-9ivxlc]+|[a-z]+)\b.*$`)

const narrator = "Narrator"

func (NaiveAnalyzer) Analyze(_ context.Context, text string, splitByChapter bool) (Result, error) {
	var result Result
	result.Speakers = []string{narrator}

	var chapterIdx *int
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		first := strings.SplitN(block, "\n", 2)[0]
		if splitByChapter && chapterHeading.MatchString(strings.TrimSpace(first)) {
			idx := len(result.Chapters)
			result.Chapters = append(result.Chapters, Chapter{Index: idx, Title: strings.TrimSpace(first)})
			chapterIdx = &idx
			rest := strings.TrimSpace(strings.TrimPrefix(block, first))
			if rest == "" {
				continue
			}
			block = rest
		}
		chunk := Chunk{Text: block, Speaker: narrator}
		if chapterIdx != nil {
			idx := *chapterIdx
			chunk.ChapterIndex = &idx
		}
		result.Chunks = append(result.Chunks, chunk)
	}
	return result, nil
}

var _ Analyzer = NaiveAnalyzer{}
