// Package tasks holds the job handlers the worker pool runs: the
// interactive chat-reply task and the long-running research task.
package tasks

import (
	"context"
	"strings"
	"time"
)

// Agent produces assistant replies. The processing core treats it as an
// opaque long-running call; deployments plug a real model client in
// here.
type Agent interface {
	// Reply produces a complete answer to the question.
	Reply(ctx context.Context, question string) (string, error)

	// Research produces an answer in steps, calling emit after each
	// step with the content so far. Every partial is a strict prefix of
	// the final answer.
	Research(ctx context.Context, question string, emit func(partial string) error) (string, error)
}

// CannedAgent is a deterministic Agent for development and tests.
type CannedAgent struct {
	// StepDelay simulates model latency per step.
	StepDelay time.Duration
}

func (a *CannedAgent) Reply(ctx context.Context, question string) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}

	return "You asked: " + strings.TrimSpace(question), nil
}

func (a *CannedAgent) Research(ctx context.Context, question string, emit func(string) error) (string, error) {
	var sb strings.Builder

	for _, step := range []string{"Gathering sources.", "Cross-checking findings."} {
		if err := a.wait(ctx); err != nil {
			return "", err
		}

		sb.WriteString(step)
		sb.WriteString("\n")

		if emit != nil {
			if err := emit(sb.String()); err != nil {
				return "", err
			}
		}
	}

	if err := a.wait(ctx); err != nil {
		return "", err
	}
	sb.WriteString("Research notes for: " + strings.TrimSpace(question))

	return sb.String(), nil
}

func (a *CannedAgent) wait(ctx context.Context) error {
	if a.StepDelay <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.StepDelay):
		return nil
	}
}
