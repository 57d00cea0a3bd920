package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/store"
)

const testParticipant = "+919800000001"

func newTestEngine(t *testing.T) (*Engine, *store.InMemoryStore) {
	t.Helper()
	c, st := newTestCatalog(t)
	publishAndActivate(t, c, appointmentDoc())
	router := NewRouter(c, WithClock(fixedClock))
	return NewEngine(st, c, router), st
}

func withID(e models.InboundEvent, id string) models.InboundEvent {
	e.ProviderEventID = id
	return e
}

func TestEngine_HandleTrigger(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Handle(ctx, withID(inbound("book appointment"), "e1"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Duplicate || res.FlowID != "appointments" || res.Mutation != MutationUpsert || len(res.Outbound) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	outbox := st.Outbox()
	if len(outbox) != 2 {
		t.Fatalf("expected 2 queued messages, got %d", len(outbox))
	}
	if outbox[0].DedupeKey != "pune:e1:0" || outbox[1].DedupeKey != "pune:e1:1" {
		t.Errorf("unexpected dedupe keys %q, %q", outbox[0].DedupeKey, outbox[1].DedupeKey)
	}
	first, err := DecodeCommand(outbox[0])
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	if first.Text != "Welcome to city services." || first.ParticipantID != testParticipant {
		t.Errorf("unexpected first command %+v", first)
	}
	menu, _ := DecodeCommand(outbox[1])
	if menu.Kind() != models.OutboundKindButtons || len(menu.Buttons) != 3 {
		t.Errorf("expected the menu buttons, got %+v", menu)
	}

	session, _ := st.GetSession(ctx, testTenant, testParticipant)
	if session == nil || session.CurrentStepID != "menu" || session.ID == "" || session.Version != 1 {
		t.Fatalf("unexpected session %+v", session)
	}
	if dup, _ := st.IsDuplicate(ctx, testTenant, "e1"); !dup {
		t.Errorf("event not marked processed")
	}
}

func TestEngine_DropsDuplicates(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	event := withID(inbound("book appointment"), "e1")

	if _, err := e.Handle(ctx, event); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	res, err := e.Handle(ctx, event)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !res.Duplicate {
		t.Errorf("redelivery not flagged as duplicate")
	}
	if n := len(st.Outbox()); n != 2 {
		t.Errorf("redelivery queued more messages, outbox has %d", n)
	}
}

func TestEngine_ReprocessesUnfinishedEvent(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	// Arrived before a crash but never committed.
	if _, err := st.RecordInbound(ctx, testTenant, "e7", testParticipant); err != nil {
		t.Fatal(err)
	}
	res, err := e.Handle(ctx, withID(inbound("book appointment"), "e7"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Duplicate || len(res.Outbound) != 2 {
		t.Errorf("unfinished event should be processed, got %+v", res)
	}
}

// forgetfulDedup never remembers a processed event, like a Redis dedup whose mark
// was lost after the commit.
type forgetfulDedup struct{ marks int }

func (d *forgetfulDedup) IsDuplicate(ctx context.Context, tenantID, eventID string) (bool, error) {
	return false, nil
}

func (d *forgetfulDedup) RecordInbound(ctx context.Context, tenantID, eventID, participantID string) (bool, error) {
	return true, nil
}

func (d *forgetfulDedup) MarkProcessed(ctx context.Context, tenantID, eventID string) error {
	d.marks++
	return errors.New("redis: connection refused")
}

func (d *forgetfulDedup) PruneDedup(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

func TestEngine_CommittedEventWinsOverExternalDedup(t *testing.T) {
	c, st := newTestCatalog(t)
	publishAndActivate(t, c, appointmentDoc())
	dedup := &forgetfulDedup{}
	e := NewEngine(st, c, NewRouter(c, WithClock(fixedClock)), WithDedup(dedup))
	ctx := context.Background()

	if _, err := e.Handle(ctx, withID(inbound("book appointment"), "e1")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if dedup.marks != 1 {
		t.Errorf("expected one external mark attempt, got %d", dedup.marks)
	}
	before, _ := st.GetSession(ctx, testTenant, testParticipant)
	queued := len(st.Outbox())

	res, err := e.Handle(ctx, withID(inbound("book appointment"), "e1"))
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if !res.Duplicate {
		t.Errorf("redelivery of a committed event should be a duplicate, got %+v", res)
	}
	if n := len(st.Outbox()); n != queued {
		t.Errorf("redelivery queued messages: %d before, %d after", queued, n)
	}
	after, _ := st.GetSession(ctx, testTenant, testParticipant)
	if after == nil || before == nil || after.Version != before.Version || after.CurrentStepID != before.CurrentStepID {
		t.Errorf("session changed on redelivery: before %+v, after %+v", before, after)
	}
}

func TestEngine_Conversation(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	steps := []struct {
		event models.InboundEvent
		step  string
	}{
		{withID(inbound("book appointment"), "e1"), "menu"},
		{withID(tap("book"), "e2"), "ask_name"},
		{withID(inbound("Asha Patil"), "e3"), "pick_date"},
		{withID(inbound("2"), "e4"), "pick_time"},
	}
	for _, s := range steps {
		if _, err := e.Handle(ctx, s.event); err != nil {
			t.Fatalf("Handle(%s) failed: %v", s.event.ProviderEventID, err)
		}
		session, _ := st.GetSession(ctx, testTenant, testParticipant)
		if session == nil || session.CurrentStepID != s.step {
			t.Fatalf("after %s expected step %s, got %+v", s.event.ProviderEventID, s.step, session)
		}
	}

	res, err := e.Handle(ctx, withID(tap("time_14:00"), "e5"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Mutation != MutationDelete {
		t.Errorf("expected the session to end, got %v", res.Mutation)
	}
	if session, _ := st.GetSession(ctx, testTenant, testParticipant); session != nil {
		t.Errorf("session should be deleted, got %+v", session)
	}
	last := res.Outbound[len(res.Outbound)-1]
	if want := "Thanks Asha Patil, you are booked for 2025-11-04 at 14:00."; last.Text != want {
		t.Errorf("confirmation = %q, want %q", last.Text, want)
	}
}

func TestEngine_NoTrigger(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Handle(ctx, withID(inbound("what is this"), "e1"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.FlowID != "" || res.Mutation != MutationNone || len(res.Outbound) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(st.Outbox()) != 0 {
		t.Errorf("nothing should be queued")
	}
	if dup, _ := st.IsDuplicate(ctx, testTenant, "e1"); !dup {
		t.Errorf("unrouted event should still be marked processed")
	}
}

func TestEngine_ReplacesExpiredSession(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	old := &models.ConversationSession{
		ID: "s_old", TenantID: testTenant, ParticipantID: testParticipant,
		FlowID: "appointments", FlowVersion: 1, CurrentStepID: "ask_name",
		CollectedFields: map[string]models.FieldValue{"name": models.TextValue("Old")},
		CreatedAt:       testNow.Add(-3 * time.Hour),
		LastActivityAt:  testNow.Add(-2 * time.Hour),
	}
	if err := st.SaveSession(ctx, old); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Handle(ctx, withID(inbound("book appointment"), "e1")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	session, _ := st.GetSession(ctx, testTenant, testParticipant)
	if session == nil || session.CurrentStepID != "menu" {
		t.Fatalf("expected a fresh session at menu, got %+v", session)
	}
	if _, ok := session.CollectedFields["name"]; ok {
		t.Errorf("expired fields carried over")
	}
	if session.Version != 2 || session.ID != "s_old" {
		t.Errorf("replacement should take over the row, got id %s version %d", session.ID, session.Version)
	}
}

func TestEngine_DiscardsSessionOfMissingVersion(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	orphan := &models.ConversationSession{
		TenantID: testTenant, ParticipantID: testParticipant,
		FlowID: "appointments", FlowVersion: 99, CurrentStepID: "menu",
		LastActivityAt: testNow,
	}
	if err := st.SaveSession(ctx, orphan); err != nil {
		t.Fatal(err)
	}
	res, err := e.Handle(ctx, withID(inbound("thanks"), "e1"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Mutation != MutationDelete {
		t.Errorf("expected delete, got %v", res.Mutation)
	}
	if session, _ := st.GetSession(ctx, testTenant, testParticipant); session != nil {
		t.Errorf("orphaned session kept: %+v", session)
	}
}

func TestEngine_RejectsMissingIDs(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Handle(context.Background(), models.InboundEvent{ParticipantID: "p"}); !errors.Is(err, models.ErrEmptyTenant) {
		t.Errorf("expected ErrEmptyTenant, got %v", err)
	}
	if _, err := e.Handle(context.Background(), models.InboundEvent{TenantID: "t"}); !errors.Is(err, models.ErrEmptyParticipant) {
		t.Errorf("expected ErrEmptyParticipant, got %v", err)
	}
}

func TestEngine_ConcurrentParticipants(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n*2)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := inbound("book appointment")
			ev.ParticipantID = fmt.Sprintf("+91980000%04d", i)
			ev.ProviderEventID = fmt.Sprintf("c%d", i)
			if _, err := e.Handle(ctx, ev); err != nil {
				errs <- err
			}
			// The same participant's second event is serialized behind the first.
			ev.Body = ""
			ev.TappedElementID = "status"
			ev.ProviderEventID = fmt.Sprintf("d%d", i)
			if _, err := e.Handle(ctx, ev); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Handle failed: %v", err)
	}
	// Per participant: welcome, menu, then the status message.
	if got := len(st.Outbox()); got != n*3 {
		t.Errorf("expected %d queued messages, got %d", n*3, got)
	}
}

func TestDecodeCommand_RejectsOtherKinds(t *testing.T) {
	if _, err := DecodeCommand(store.OutboxMessage{Kind: "reminder", PayloadJSON: "{}"}); err == nil {
		t.Errorf("expected an error for an unknown kind")
	}
	if _, err := DecodeCommand(store.OutboxMessage{Kind: store.OutboxKindCommand, PayloadJSON: "{"}); err == nil {
		t.Errorf("expected an error for a broken payload")
	}
}
