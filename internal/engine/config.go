package engine

import (
	"time"

	"tts-studio/internal/config"
)

// FromConfig builds the registry from configured endpoints: one HTTP
// backend per ENGINE_ENDPOINTS entry, an exec backend for the default
// engine when ENGINE_COMMAND is set, and a mock fallback so a bare dev
// environment still synthesizes.
func FromConfig(cfg config.Config) (*Registry, error) {
	reg := NewRegistry(cfg.DefaultEngine)

	for name, endpoint := range cfg.EngineEndpoints {
		reg.Register(NewHTTPSynth(name, endpoint, 5*time.Minute))
	}

	if cfg.EngineCommand != "" {
		if _, err := reg.Get(cfg.DefaultEngine); err != nil {
			synth, err := NewExecSynth(cfg.DefaultEngine, cfg.EngineCommand)
			if err != nil {
				return nil, err
			}
			reg.Register(synth)
		}
	}

	if len(reg.engines) == 0 {
		reg.Register(NewMockSynth(cfg.DefaultEngine, cfg.SampleRate))
	}
	return reg, nil
}
