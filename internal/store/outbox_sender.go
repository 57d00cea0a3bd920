// Package store provides the OutboxSender for processing outgoing messages.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Outbox retry policy.
const (
	DefaultOutboxMaxAttempts  = 8
	DefaultOutboxRetryInitial = 10 * time.Second
	DefaultOutboxRetryMax     = time.Hour
)

// OutboxSendFunc is the callback that performs the actual message send.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	wake           chan struct{}
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		maxAttempts:    DefaultOutboxMaxAttempts,
		wake:           make(chan struct{}, 1),
	}
}

// Notify asks a running sender to poll now instead of waiting for the next tick.
func (s *OutboxSender) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RetryDelay returns the wait before the next attempt after attempts failures:
// 10s, 20s, 40s and so on, capped at an hour.
func RetryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultOutboxRetryInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = DefaultOutboxRetryMax
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		case <-s.wake:
			s.Poll(ctx)
		}
	}
}

// Poll claims one batch of due messages and sends them in order. It returns the
// number of messages sent successfully.
func (s *OutboxSender) Poll(ctx context.Context) int {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return 0
	}

	sent := 0
	// A failed message holds back the rest of its participant's batch.
	held := make(map[string]time.Time)
	for _, msg := range msgs {
		key := msg.TenantID + ":" + msg.ParticipantID
		if until, ok := held[key]; ok {
			if err := s.repo.DeferOutboxMessage(ctx, msg.ID, until); err != nil {
				slog.Error("OutboxSender.poll: defer message error", "id", msg.ID, "error", err)
			}
			continue
		}

		slog.Debug("OutboxSender.poll: sending message", "id", msg.ID, "participantID", msg.ParticipantID, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			if msg.Attempts+1 >= s.maxAttempts {
				slog.Error("OutboxSender.poll: giving up on message", "id", msg.ID, "attempts", msg.Attempts+1, "error", err)
				if err := s.repo.AbandonOutboxMessage(ctx, msg.ID, err.Error()); err != nil {
					slog.Error("OutboxSender.poll: abandon message error", "id", msg.ID, "error", err)
				}
				continue
			}
			nextAttempt := now.Add(RetryDelay(msg.Attempts))
			held[key] = nextAttempt
			slog.Warn("OutboxSender.poll: send failed", "id", msg.ID, "error", err, "nextAttempt", nextAttempt)
			if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), nextAttempt); err != nil {
				slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "error", err)
		}
		sent++
		slog.Debug("OutboxSender.poll: message sent", "id", msg.ID, "participantID", msg.ParticipantID)
	}
	return sent
}
