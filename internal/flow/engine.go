package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BTreeMap/CivicPipe/internal/lock"
	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/store"
)

// DefaultCommitRetries bounds how often a turn is re-routed after losing an
// optimistic version race.
const DefaultCommitRetries = 3

// HandleResult summarizes what processing one event did.
type HandleResult struct {
	Duplicate bool
	FlowID    string
	Outbound  []models.OutboundCommand
	Mutation  MutationKind
}

// Engine processes inbound events end to end: deduplication, per-participant
// serialization, routing and the transactional commit of session and outbox.
type Engine struct {
	store         store.Store
	dedup         store.DedupRepo
	locker        lock.Locker
	catalog       *Catalog
	router        *Router
	commitRetries uint64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDedup puts a shared pre-filter such as Redis in front of the store's
// deduplication table. The store's record, written in the commit transaction, still
// decides whether an event is routed.
func WithDedup(d store.DedupRepo) EngineOption {
	return func(e *Engine) { e.dedup = d }
}

// WithLocker replaces the in-process keyed mutex.
func WithLocker(l lock.Locker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

// WithCommitRetries sets how often a conflicting commit is retried.
func WithCommitRetries(n uint64) EngineOption {
	return func(e *Engine) { e.commitRetries = n }
}

// NewEngine wires the router to persistence.
func NewEngine(st store.Store, catalog *Catalog, router *Router, opts ...EngineOption) *Engine {
	e := &Engine{
		store:         st,
		dedup:         st,
		catalog:       catalog,
		router:        router,
		commitRetries: DefaultCommitRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locker == nil {
		e.locker = lock.NewKeyedMutex()
	}
	return e
}

// Handle processes one inbound event. Outbound messages are queued in the outbox in
// the same transaction as the session change; they are not sent here.
func (e *Engine) Handle(ctx context.Context, event models.InboundEvent) (HandleResult, error) {
	if event.TenantID == "" {
		return HandleResult{}, models.ErrEmptyTenant
	}
	if event.ParticipantID == "" {
		return HandleResult{}, models.ErrEmptyParticipant
	}

	if event.ProviderEventID != "" {
		dup, err := e.dedup.IsDuplicate(ctx, event.TenantID, event.ProviderEventID)
		if err != nil {
			return HandleResult{}, fmt.Errorf("dedup check failed: %w", err)
		}
		if dup {
			slog.Debug("Engine.Handle: duplicate event dropped", "tenantID", event.TenantID, "eventID", event.ProviderEventID)
			return HandleResult{Duplicate: true}, nil
		}
		if _, err := e.dedup.RecordInbound(ctx, event.TenantID, event.ProviderEventID, event.ParticipantID); err != nil {
			return HandleResult{}, fmt.Errorf("record inbound failed: %w", err)
		}
	}

	unlock, err := e.locker.Lock(ctx, models.SessionKey(event.TenantID, event.ParticipantID))
	if err != nil {
		return HandleResult{}, fmt.Errorf("failed to lock session: %w", err)
	}
	defer unlock()

	// Another worker may have finished the same event while this one waited. The
	// store marks events processed in the commit transaction, so it is authoritative
	// even when an external dedup repo missed the mark.
	if event.ProviderEventID != "" {
		dup, err := e.store.IsDuplicate(ctx, event.TenantID, event.ProviderEventID)
		if err != nil {
			return HandleResult{}, fmt.Errorf("dedup check failed: %w", err)
		}
		if dup {
			slog.Debug("Engine.Handle: event already committed", "tenantID", event.TenantID, "eventID", event.ProviderEventID)
			return HandleResult{Duplicate: true}, nil
		}
	}

	var result HandleResult
	op := func() error {
		res, err := e.routeAndCommit(ctx, event)
		if errors.Is(err, store.ErrVersionConflict) {
			slog.Warn("Engine.Handle: session version conflict, retrying", "tenantID", event.TenantID, "participantID", event.ParticipantID)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, e.commitRetries), ctx)); err != nil {
		return HandleResult{}, err
	}

	if event.ProviderEventID != "" {
		if err := e.dedup.MarkProcessed(ctx, event.TenantID, event.ProviderEventID); err != nil {
			slog.Error("Engine.Handle: mark processed failed", "tenantID", event.TenantID, "eventID", event.ProviderEventID, "error", err)
		}
	}
	return result, nil
}

func (e *Engine) routeAndCommit(ctx context.Context, event models.InboundEvent) (HandleResult, error) {
	session, err := e.store.GetSession(ctx, event.TenantID, event.ParticipantID)
	if err != nil {
		return HandleResult{}, fmt.Errorf("failed to load session: %w", err)
	}

	var doc *models.FlowDocument
	var stale *models.ConversationSession
	if session != nil {
		doc, err = e.catalog.Flow(ctx, session.TenantID, session.FlowID, session.FlowVersion)
		switch {
		case errors.Is(err, store.ErrNotFound):
			slog.Warn("Engine.Handle: session flow version missing, discarding session", "participantID", session.ParticipantID, "flowID", session.FlowID, "version", session.FlowVersion)
			stale, session, doc = session, nil, nil
		case err != nil:
			return HandleResult{}, err
		case e.router.IsStale(session, *doc, event):
			slog.Debug("Engine.Handle: discarding stale session", "participantID", session.ParticipantID, "flowID", session.FlowID)
			stale, session, doc = session, nil, nil
		}
	}
	if session == nil {
		doc, err = e.catalog.MatchActive(ctx, event)
		if err != nil {
			return HandleResult{}, err
		}
	}

	var res RouteResult
	if doc != nil {
		res, err = e.router.Route(ctx, event, session, *doc)
		if err != nil {
			return HandleResult{}, err
		}
	}
	res = res.replacing(stale)

	turn, err := buildTurn(event, res)
	if err != nil {
		return HandleResult{}, err
	}
	if err := e.store.CommitTurn(ctx, turn); err != nil {
		return HandleResult{}, err
	}

	out := HandleResult{Outbound: res.Outbound, Mutation: res.Mutation.Kind}
	if doc != nil {
		out.FlowID = doc.ID
	}
	slog.Debug("Engine.Handle: turn committed", "tenantID", event.TenantID, "participantID", event.ParticipantID,
		"flowID", out.FlowID, "mutation", res.Mutation.Kind, "outbound", len(res.Outbound))
	return out, nil
}

// buildTurn converts a route result into the store's atomic unit of work.
func buildTurn(event models.InboundEvent, res RouteResult) (store.Turn, error) {
	turn := store.Turn{
		TenantID:         event.TenantID,
		ParticipantID:    event.ParticipantID,
		ProcessedEventID: event.ProviderEventID,
	}
	switch res.Mutation.Kind {
	case MutationUpsert:
		turn.Save = res.Mutation.Session
	case MutationDelete:
		turn.Delete = &store.SessionRef{
			TenantID:      res.Mutation.Session.TenantID,
			ParticipantID: res.Mutation.Session.ParticipantID,
			Version:       res.Mutation.Session.Version,
		}
	}
	for i, cmd := range res.Outbound {
		payload, err := json.Marshal(cmd)
		if err != nil {
			return store.Turn{}, fmt.Errorf("failed to encode outbound command: %w", err)
		}
		msg := store.OutboxEnqueue{
			TenantID:      cmd.TenantID,
			ParticipantID: cmd.ParticipantID,
			Kind:          store.OutboxKindCommand,
			PayloadJSON:   string(payload),
		}
		if event.ProviderEventID != "" {
			msg.DedupeKey = event.TenantID + ":" + event.ProviderEventID + ":" + strconv.Itoa(i)
		}
		turn.Outbox = append(turn.Outbox, msg)
	}
	return turn, nil
}

// DecodeCommand reads an outbound command back from an outbox payload.
func DecodeCommand(msg store.OutboxMessage) (models.OutboundCommand, error) {
	var cmd models.OutboundCommand
	if msg.Kind != store.OutboxKindCommand {
		return cmd, fmt.Errorf("unexpected outbox kind %q", msg.Kind)
	}
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &cmd); err != nil {
		return cmd, fmt.Errorf("failed to decode outbound command: %w", err)
	}
	return cmd, nil
}
