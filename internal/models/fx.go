package models

// FX clamp ranges. Speed follows the tempo bounds of the audio
// post-processor the engines ship with; pitch is bounded to six semitones
// either way.
const (
	MinSpeed = 0.75
	MaxSpeed = 1.35
	MinPitch = -6.0
	MaxPitch = 6.0
)

// FXSettings are the effects baked into a chunk's current audio: a tempo
// multiplier and a pitch shift in semitones.
type FXSettings struct {
	Speed float64 `json:"speed"`
	Pitch float64 `json:"pitch"`
}

// Clamp bounds both controls to their supported ranges.
func (f FXSettings) Clamp() FXSettings {
	if f.Speed == 0 {
		f.Speed = 1.0
	}
	if f.Speed < MinSpeed {
		f.Speed = MinSpeed
	}
	if f.Speed > MaxSpeed {
		f.Speed = MaxSpeed
	}
	if f.Pitch < MinPitch {
		f.Pitch = MinPitch
	}
	if f.Pitch > MaxPitch {
		f.Pitch = MaxPitch
	}
	return f
}

// Neutral reports whether the settings would leave audio unchanged.
func (f FXSettings) Neutral() bool {
	return (f.Speed == 0 || f.Speed == 1.0) && f.Pitch == 0
}
