package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{8, 2560 * time.Second},
		{20, time.Hour},
	}
	for _, tt := range tests {
		if got := RetryDelay(tt.attempts); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestOutboxSenderPoll(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for _, p := range []string{"a1", "a2"} {
		s.EnqueueOutboxMessage(ctx, OutboxEnqueue{TenantID: "pune", ParticipantID: "p1", Kind: OutboxKindCommand, PayloadJSON: p})
	}
	s.EnqueueOutboxMessage(ctx, OutboxEnqueue{TenantID: "pune", ParticipantID: "p2", Kind: OutboxKindCommand, PayloadJSON: "b1"})

	var sent []string
	failing := map[string]bool{"a1": true}
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		if failing[msg.PayloadJSON] {
			return errors.New("provider unavailable")
		}
		sent = append(sent, msg.PayloadJSON)
		return nil
	}, time.Second)

	if n := sender.Poll(ctx); n != 1 {
		t.Fatalf("expected 1 message sent, got %d", n)
	}
	if len(sent) != 1 || sent[0] != "b1" {
		t.Fatalf("a failed message must hold back its participant's later messages, sent %v", sent)
	}

	var a1, a2 OutboxMessage
	for _, m := range s.Outbox() {
		switch m.PayloadJSON {
		case "a1":
			a1 = m
		case "a2":
			a2 = m
		}
	}
	if a1.Status != OutboxStatusQueued || a1.Attempts != 1 || a1.NextAttemptAt == nil {
		t.Errorf("failed message not scheduled for retry: %+v", a1)
	}
	if a2.Status != OutboxStatusQueued || a2.Attempts != 0 {
		t.Errorf("held message should be requeued without an attempt: %+v", a2)
	}
}

func TestOutboxSenderAbandons(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	id, _ := s.EnqueueOutboxMessage(ctx, OutboxEnqueue{TenantID: "pune", ParticipantID: "p1", Kind: OutboxKindCommand, PayloadJSON: "x"})
	// One attempt short of the limit.
	for i := 0; i < DefaultOutboxMaxAttempts-1; i++ {
		s.FailOutboxMessage(ctx, id, "boom", time.Now().Add(-time.Second))
	}

	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		return errors.New("still failing")
	}, time.Second)
	sender.Poll(ctx)

	m := s.Outbox()[0]
	if m.Status != OutboxStatusFailed || m.Attempts != DefaultOutboxMaxAttempts {
		t.Errorf("expected the message to be abandoned, got %+v", m)
	}
}

func TestOutboxSenderNotify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewInMemoryStore()

	done := make(chan struct{}, 1)
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		done <- struct{}{}
		return nil
	}, time.Hour)
	go sender.Run(ctx)

	s.EnqueueOutboxMessage(ctx, OutboxEnqueue{TenantID: "pune", ParticipantID: "p1", Kind: OutboxKindCommand, PayloadJSON: "x"})
	sender.Notify()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify did not trigger a poll")
	}
}
