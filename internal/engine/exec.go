package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"tts-studio/internal/models"
	"tts-studio/internal/wavio"
)

// ExecSynth shells out to a local synthesis command. The request goes to
// stdin as one JSON document and the command writes a WAV file to stdout.
// Runs are serialized, local engines hold the GPU.
type ExecSynth struct {
	name string
	cmd  []string
	mu   sync.Mutex
}

type execSynthRequest struct {
	Text        string `json:"text"`
	Voice       string `json:"voice,omitempty"`
	LangCode    string `json:"lang_code,omitempty"`
	PromptPath  string `json:"prompt_path,omitempty"`
	Speaker     string `json:"speaker,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

func NewExecSynth(name, command string) (*ExecSynth, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty: %w", models.ErrInvalidInput)
	}
	return &ExecSynth{name: name, cmd: args}, nil
}

func (e *ExecSynth) Name() string { return e.name }

func (e *ExecSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload := execSynthRequest{
		Text:        req.Text,
		Voice:       req.Voice.Voice,
		LangCode:    req.Voice.LangCode,
		PromptPath:  req.Voice.PromptPath,
		Speaker:     req.Voice.Speaker,
		Instruction: req.Voice.Instruction,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return Audio{}, fmt.Errorf("marshal synth request: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return Audio{}, fmt.Errorf("engine %s: %s: %w", e.name, msg, models.ErrEngineFailure)
	}

	samples, rate, err := wavio.DecodeBytes(stdout.Bytes())
	if err != nil {
		return Audio{}, fmt.Errorf("engine %s: %v: %w", e.name, err, models.ErrEngineFailure)
	}
	return Audio{Samples: samples, SampleRate: rate}, nil
}
