package engine

import (
	"context"
	"fmt"
	"hash/fnv"

	"tts-studio/internal/models"
)

// MockSynth produces deterministic audio derived from the request text.
// Tests and local development use it in place of a real engine.
type MockSynth struct {
	name       string
	sampleRate int
	fail       bool
	failMsg    string
}

func NewMockSynth(name string, sampleRate int) *MockSynth {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &MockSynth{name: name, sampleRate: sampleRate}
}

// FailWith makes every Synthesize call return an engine failure carrying
// msg.
func (m *MockSynth) FailWith(msg string) {
	m.fail = true
	m.failMsg = msg
}

func (m *MockSynth) Name() string { return m.name }

func (m *MockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	if m.fail {
		return Audio{}, fmt.Errorf("engine %s: %s: %w", m.name, m.failMsg, models.ErrEngineFailure)
	}

	h := fnv.New32a()
	h.Write([]byte(req.Text))
	h.Write([]byte(req.Voice.Voice))
	seed := h.Sum32()

	// 50ms of audio per rune, bounded so long chunks stay cheap.
	n := len([]rune(req.Text)) * m.sampleRate / 20
	if n < m.sampleRate/10 {
		n = m.sampleRate / 10
	}
	if n > m.sampleRate*10 {
		n = m.sampleRate * 10
	}

	samples := make([]int, n)
	state := seed
	for i := range samples {
		state = state*1664525 + 1013904223
		samples[i] = int(int16(state >> 16))
	}
	return Audio{Samples: samples, SampleRate: m.sampleRate}, nil
}
