package models

import (
	"fmt"
	"strings"
)

// VoiceKind tags the shape of a voice assignment. The shape differs by
// engine family: kokoro-style engines take a named voice plus a language
// code, cloning engines take a reference-audio prompt path, and
// instruction-driven engines take a speaker name with a free-text
// instruction.
type VoiceKind string

const (
	VoiceNamed    VoiceKind = "named"
	VoicePrompt   VoiceKind = "prompt"
	VoiceInstruct VoiceKind = "instruct"
)

// VoiceAssignment identifies the voice parameters used to synthesize a
// chunk. Exactly one variant's fields are meaningful, selected by Kind; the
// core stores and replays it without interpreting engine specifics.
type VoiceAssignment struct {
	Kind VoiceKind `json:"kind"`

	// named
	Voice    string `json:"voice,omitempty"`
	LangCode string `json:"lang_code,omitempty"`

	// prompt (reference audio)
	PromptPath string `json:"prompt_path,omitempty"`

	// instruct
	Speaker     string `json:"speaker,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

// Zero reports whether no variant fields are populated.
func (v VoiceAssignment) Zero() bool {
	return v.Voice == "" && v.PromptPath == "" && v.Speaker == ""
}

// Normalize infers Kind from whichever variant fields are set. Clients post
// loose JSON objects; the field present decides the variant with named
// winning ties, matching how the review panel builds its payloads.
func (v *VoiceAssignment) Normalize() {
	if v.Kind != "" {
		return
	}
	switch {
	case v.Voice != "":
		v.Kind = VoiceNamed
	case v.PromptPath != "":
		v.Kind = VoicePrompt
	case v.Speaker != "":
		v.Kind = VoiceInstruct
	}
}

// engineFamilies maps engine identifiers to the voice variant they accept.
var engineFamilies = map[string]VoiceKind{
	"kokoro":       VoiceNamed,
	"chatterbox":   VoicePrompt,
	"voxcpm":       VoicePrompt,
	"qwen3_custom": VoiceInstruct,
	"qwen3_clone":  VoicePrompt,
}

// KindForEngine returns the voice variant an engine family accepts. Unknown
// engines default to named voices.
func KindForEngine(engine string) VoiceKind {
	if k, ok := engineFamilies[strings.ToLower(engine)]; ok {
		return k
	}
	return VoiceNamed
}

// Validate checks the assignment against the engine that will replay it.
func (v VoiceAssignment) Validate(engine string) error {
	want := KindForEngine(engine)
	if v.Kind != want {
		return fmt.Errorf("%w: engine %q expects a %s voice assignment, got %s",
			ErrInvalidInput, engine, want, v.Kind)
	}
	switch v.Kind {
	case VoiceNamed:
		if v.Voice == "" {
			return fmt.Errorf("%w: named voice assignment requires a voice", ErrInvalidInput)
		}
	case VoicePrompt:
		if v.PromptPath == "" {
			return fmt.Errorf("%w: prompt voice assignment requires a reference audio path", ErrInvalidInput)
		}
	case VoiceInstruct:
		if v.Speaker == "" {
			return fmt.Errorf("%w: instruct voice assignment requires a speaker name", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown voice assignment kind %q", ErrInvalidInput, v.Kind)
	}
	return nil
}
