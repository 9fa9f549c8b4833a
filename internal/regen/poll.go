package regen

import (
	"context"
	"errors"
	"time"

	"tts-studio/internal/models"
)

// PollPolicy bounds how a caller waits on an in-flight regeneration.
type PollPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollPolicy matches the review surface's refresh cadence.
var DefaultPollPolicy = PollPolicy{
	Interval:    2 * time.Second,
	MaxAttempts: 60,
}

// ErrPollExhausted is returned when the task did not settle within the
// policy's attempt budget.
var ErrPollExhausted = errors.New("regen poll attempts exhausted")

func (p PollPolicy) withDefaults() PollPolicy {
	if p.Interval <= 0 {
		p.Interval = DefaultPollPolicy.Interval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPollPolicy.MaxAttempts
	}
	return p
}

// Watch polls the task until it completes, fails, or is superseded. It
// returns the task's final observed state, or ErrPollExhausted when the
// attempt budget runs out first.
func (t *Tracker) Watch(ctx context.Context, taskID string, policy PollPolicy) (models.RegenTask, error) {
	policy = policy.withDefaults()

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		task, err := t.store.GetRegenTask(ctx, taskID)
		if err != nil {
			return models.RegenTask{}, err
		}
		if !task.Active() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return models.RegenTask{}, ctx.Err()
		case <-ticker.C:
		}
	}
	return models.RegenTask{}, ErrPollExhausted
}
