package fx

import (
	"math"

	"tts-studio/internal/models"
)

// Apply runs the speed and pitch transforms over mono PCM samples. Settings
// are clamped to safe ranges first; a neutral setting returns the input
// samples unchanged. The transforms are deterministic, the same samples and
// settings always produce the same output.
func Apply(samples []int, settings models.FXSettings) []int {
	settings = settings.Clamp()

	out := samples
	if settings.Pitch != 0 {
		out = shiftPitch(out, settings.Pitch)
	}
	if settings.Speed != 1.0 {
		out = resample(out, 1.0/settings.Speed)
	}
	return out
}

// Resample converts samples recorded at fromRate to toRate, preserving
// duration. Samples already at the target rate pass through unchanged.
func Resample(samples []int, fromRate, toRate int) []int {
	if len(samples) == 0 || fromRate <= 0 || toRate <= 0 || fromRate == toRate {
		return samples
	}
	return resample(samples, float64(toRate)/float64(fromRate))
}

// shiftPitch moves pitch by semitones and then restores the original
// duration, so pitch changes independently of speed.
func shiftPitch(samples []int, semitones float64) []int {
	ratio := math.Pow(2, semitones/12.0)
	shifted := resample(samples, 1.0/ratio)
	return stretchTo(shifted, len(samples))
}

// resample produces len(samples)*factor output samples via linear
// interpolation.
func resample(samples []int, factor float64) []int {
	if len(samples) == 0 || factor == 1.0 {
		return samples
	}
	outLen := int(math.Round(float64(len(samples)) * factor))
	if outLen < 1 {
		outLen = 1
	}
	return interpolate(samples, outLen)
}

// stretchTo resizes samples to exactly n output samples.
func stretchTo(samples []int, n int) []int {
	if len(samples) == 0 || len(samples) == n {
		return samples
	}
	return interpolate(samples, n)
}

func interpolate(samples []int, outLen int) []int {
	out := make([]int, outLen)
	if outLen == 1 {
		out[0] = samples[0]
		return out
	}
	step := float64(len(samples)-1) / float64(outLen-1)
	for i := range out {
		pos := float64(i) * step
		lo := int(pos)
		hi := lo + 1
		if hi >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(lo)
		out[i] = int(math.Round(float64(samples[lo])*(1-frac) + float64(samples[hi])*frac))
	}
	return out
}
