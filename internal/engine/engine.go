package engine

import (
	"context"
	"fmt"

	"tts-studio/internal/models"
)

// Request carries one chunk's text and voice assignment to an engine.
type Request struct {
	Text  string
	Voice models.VoiceAssignment
}

// Audio is a decoded mono synthesis result.
type Audio struct {
	Samples    []int
	SampleRate int
}

// Synthesizer is the contract every engine backend satisfies.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// Registry resolves engine names to backends.
type Registry struct {
	engines     map[string]Synthesizer
	defaultName string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{
		engines:     make(map[string]Synthesizer),
		defaultName: defaultName,
	}
}

func (r *Registry) Register(s Synthesizer) {
	r.engines[s.Name()] = s
}

// Get resolves an engine by name, falling back to the default when name is
// empty.
func (r *Registry) Get(name string) (Synthesizer, error) {
	if name == "" {
		name = r.defaultName
	}
	s, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q: %w", name, models.ErrInvalidInput)
	}
	return s, nil
}

// Names lists the registered engines.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}
