package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/flow"
	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/store"
	"github.com/BTreeMap/CivicPipe/internal/twiliowhatsapp"
)

// recordingHandler records the bodies it saw per participant.
type recordingHandler struct {
	mu   sync.Mutex
	seen map[string][]string
}

func (h *recordingHandler) Handle(ctx context.Context, event models.InboundEvent) (flow.HandleResult, error) {
	switch event.Body {
	case "panic":
		panic("boom")
	case "fail":
		return flow.HandleResult{}, errors.New("store down")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen == nil {
		h.seen = make(map[string][]string)
	}
	h.seen[event.ParticipantID] = append(h.seen[event.ParticipantID], event.Body)
	return flow.HandleResult{Outbound: []models.OutboundCommand{{ParticipantID: event.ParticipantID, Text: "ok"}}}, nil
}

func TestDispatcher_PreservesPerParticipantOrder(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), "pune")
	h := &recordingHandler{}
	var notified atomic.Int32
	d := NewDispatcher(svc, h, WithWorkers(4), WithNotify(func() { notified.Add(1) }))

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	participants := []string{"+919800000001", "+919800000002", "+919800000003"}
	for i := 0; i < 20; i++ {
		for _, p := range participants {
			svc.ch.emitEvent(models.InboundEvent{TenantID: "pune", ParticipantID: p, Body: string(rune('a' + i))})
		}
	}
	svc.ch.emitEvent(models.InboundEvent{TenantID: "pune", ParticipantID: participants[0], Body: "panic"})
	svc.ch.emitEvent(models.InboundEvent{TenantID: "pune", ParticipantID: participants[0], Body: "fail"})
	svc.ch.emitEvent(models.InboundEvent{TenantID: "pune", ParticipantID: participants[0], Body: "z"})
	svc.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop after the events channel closed")
	}

	for _, p := range participants {
		got := h.seen[p]
		want := 20
		if p == participants[0] {
			want = 21
		}
		if len(got) != want {
			t.Fatalf("%s: handled %d events, want %d", p, len(got), want)
		}
		for i := 0; i < 20; i++ {
			if got[i] != string(rune('a'+i)) {
				t.Fatalf("%s: event %d out of order: %v", p, i, got)
			}
		}
	}
	if got := h.seen[participants[0]][20]; got != "z" {
		t.Errorf("event after panic not handled in order, got %q", got)
	}
	if n := notified.Load(); n != 61 {
		t.Errorf("notify called %d times, want 61", n)
	}
}

func TestDispatcher_StopsOnCancel(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), "pune")
	d := NewDispatcher(svc, &recordingHandler{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher ignored cancellation")
	}
}

func TestShardIsStable(t *testing.T) {
	e := models.InboundEvent{TenantID: "pune", ParticipantID: "+919800000001"}
	first := shard(e, 8)
	for i := 0; i < 10; i++ {
		if got := shard(e, 8); got != first {
			t.Fatalf("shard changed from %d to %d", first, got)
		}
	}
	if first < 0 || first >= 8 {
		t.Errorf("shard %d out of range", first)
	}
}

func TestNewOutboxSendFunc(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock, "pune")
	send := NewOutboxSendFunc(svc)
	ctx := context.Background()

	payload := `{"tenant_id":"pune","participant_id":"+919800000001","text":"Pick one","buttons":[{"id":"a","title":"Yes"}]}`
	if err := send(ctx, store.OutboxMessage{ID: "m1", Kind: store.OutboxKindCommand, PayloadJSON: payload}); err != nil {
		t.Fatalf("send returned error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "+919800000001" || sent[0].Body != "Pick one\n\n1. Yes" {
		t.Errorf("unexpected sends %+v", sent)
	}

	// The row's participant fills in a payload without one.
	if err := send(ctx, store.OutboxMessage{ID: "m2", ParticipantID: "+919800000002", Kind: store.OutboxKindCommand, PayloadJSON: `{"text":"hi"}`}); err != nil {
		t.Fatalf("send returned error: %v", err)
	}
	if sent := mock.Sent(); sent[1].To != "+919800000002" {
		t.Errorf("To = %q", sent[1].To)
	}

	if err := send(ctx, store.OutboxMessage{ID: "m3", Kind: "email", PayloadJSON: "{}"}); err == nil {
		t.Error("expected an error for an unknown kind")
	}
	if err := send(ctx, store.OutboxMessage{ID: "m4", Kind: store.OutboxKindCommand, PayloadJSON: "{"}); err == nil {
		t.Error("expected an error for a corrupt payload")
	}
}
