// Package recovery repairs state left behind when CivicPipe stopped abruptly.
//
// Components register a named step; RecoverAll runs each once at startup, before any
// inbound event is processed. A failing step is logged and does not stop the others.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recoverable is a component that can restore its state after a restart.
type Recoverable interface {
	RecoverState(ctx context.Context) error
}

// Func adapts a function to Recoverable.
type Func func(ctx context.Context) error

// RecoverState calls f.
func (f Func) RecoverState(ctx context.Context) error { return f(ctx) }

type step struct {
	name string
	r    Recoverable
}

// Manager runs registered recovery steps in registration order.
type Manager struct {
	steps []step
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a step.
func (m *Manager) Register(name string, r Recoverable) {
	m.steps = append(m.steps, step{name: name, r: r})
}

// Len reports the number of registered steps.
func (m *Manager) Len() int { return len(m.steps) }

// RecoverAll runs every step. It stops early only when ctx is cancelled.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting recovery", "steps", len(m.steps))

	recovered, failed := 0, 0
	for _, s := range m.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		if err := s.r.RecoverState(ctx); err != nil {
			slog.Error("Recovery step failed", "step", s.name, "error", err)
			failed++
			continue
		}
		slog.Debug("Recovery step finished", "step", s.name, "duration", time.Since(start))
		recovered++
	}

	slog.Info("Recovery completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d steps", failed, len(m.steps))
	}
	return nil
}
