// Package flow routes inbound chat events through tenant-authored flow documents.
//
// The Router is a pure state machine step: given an event, the participant's session
// and the flow document, it returns the messages to send and the session change to
// commit. The Engine wraps it with deduplication, per-participant locking and the
// transactional commit.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/limits"
	"github.com/BTreeMap/CivicPipe/internal/models"
)

// MaxRelayHops caps how many message steps one event may chain through.
const MaxRelayHops = 10

// UnrecognizedNotice precedes a re-prompt when a reply matches nothing.
const UnrecognizedNotice = "Sorry, I didn't understand that. Please choose one of the options."

// ErrFlowMismatch is returned when a session is routed with a document it does not
// belong to.
var ErrFlowMismatch = errors.New("session does not belong to flow document")

// MutationKind is the session change produced by routing one event.
type MutationKind int

const (
	MutationNone MutationKind = iota
	MutationUpsert
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationUpsert:
		return "upsert"
	case MutationDelete:
		return "delete"
	}
	return "none"
}

// SessionMutation is what to persist after routing. For upserts Session is the new
// state; for deletes it is the session being removed, at its stored version.
type SessionMutation struct {
	Kind    MutationKind
	Session *models.ConversationSession
}

// RouteResult is the outcome of routing one event.
type RouteResult struct {
	Outbound []models.OutboundCommand
	Mutation SessionMutation
}

// replacing folds the removal of a stale session into a result computed without it.
// A new session takes over the stale row; no new session means the row is deleted.
func (res RouteResult) replacing(stale *models.ConversationSession) RouteResult {
	if stale == nil {
		return res
	}
	switch res.Mutation.Kind {
	case MutationUpsert:
		if res.Mutation.Session.Version == 0 {
			res.Mutation.Session.Version = stale.Version
			res.Mutation.Session.ID = stale.ID
		}
	case MutationNone:
		res.Mutation = SessionMutation{Kind: MutationDelete, Session: stale}
	}
	return res
}

// Router advances sessions through flow documents.
type Router struct {
	inputs    *InputCollector
	schedules ScheduleSource
	now       func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithClock overrides the clock used for timeouts and availability.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// WithInputCollector sets the collector used by collect_input steps.
func WithInputCollector(c *InputCollector) RouterOption {
	return func(r *Router) { r.inputs = c }
}

// NewRouter creates a router. schedules serves dynamic availability steps.
func NewRouter(schedules ScheduleSource, opts ...RouterOption) *Router {
	r := &Router{schedules: schedules, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.inputs == nil {
		r.inputs = NewInputCollector(nil)
	}
	return r
}

// Timeout returns the idle timeout of doc.
func Timeout(doc models.FlowDocument) time.Duration {
	return time.Duration(doc.Settings.SessionTimeoutMinutesOrDefault()) * time.Minute
}

// IsStale reports whether session should be discarded before routing event: it has
// been idle longer than the flow timeout or the participant asked to start over.
func (r *Router) IsStale(session *models.ConversationSession, doc models.FlowDocument, event models.InboundEvent) bool {
	if session == nil {
		return false
	}
	if session.Expired(r.now(), Timeout(doc)) {
		return true
	}
	return event.TappedElementID == "" && IsResetKeyword(event.Body)
}

// Route processes one event. session may be nil. The input session is never
// modified; the new state is returned in the result's mutation.
func (r *Router) Route(ctx context.Context, event models.InboundEvent, session *models.ConversationSession, doc models.FlowDocument) (RouteResult, error) {
	if event.TenantID == "" {
		return RouteResult{}, models.ErrEmptyTenant
	}
	if event.ParticipantID == "" {
		return RouteResult{}, models.ErrEmptyParticipant
	}
	now := r.now()

	var stale *models.ConversationSession
	if r.IsStale(session, doc, event) {
		slog.Debug("Router.Route: discarding stale session", "participantID", event.ParticipantID, "flowID", session.FlowID, "stepID", session.CurrentStepID)
		stale = session
		session = nil
	}
	if session == nil {
		return r.start(ctx, event, doc, now).replacing(stale), nil
	}
	if session.FlowID != doc.ID || session.FlowVersion != doc.Version {
		return RouteResult{}, fmt.Errorf("%w: session at %s v%d, document %s v%d", ErrFlowMismatch, session.FlowID, session.FlowVersion, doc.ID, doc.Version)
	}
	if event.TappedElementID == "" && IsExitKeyword(event.Body) {
		slog.Debug("Router.Route: participant ended the conversation", "participantID", event.ParticipantID, "flowID", doc.ID, "stepID", session.CurrentStepID)
		res := end(session)
		res.Outbound = []models.OutboundCommand{{
			TenantID:      session.TenantID,
			ParticipantID: session.ParticipantID,
			Text:          doc.Settings.GoodbyeMessageFor(session.Language),
		}}
		return res, nil
	}
	return r.continueSession(ctx, event, session, doc, now), nil
}

func (r *Router) start(ctx context.Context, event models.InboundEvent, doc models.FlowDocument, now time.Time) RouteResult {
	trigger, ok := MatchTrigger(doc, event)
	if !ok {
		return RouteResult{}
	}
	slog.Debug("Router.Route: trigger matched", "participantID", event.ParticipantID, "flowID", doc.ID, "trigger", trigger.Value, "startStep", trigger.StartStepID)
	s := &models.ConversationSession{
		TenantID:       event.TenantID,
		ParticipantID:  event.ParticipantID,
		FlowID:         doc.ID,
		FlowVersion:    doc.Version,
		Language:       doc.Settings.DefaultLanguageOrDefault(),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	return r.enter(ctx, s, doc, trigger.StartStepID, nil, true, now)
}

func (r *Router) continueSession(ctx context.Context, event models.InboundEvent, session *models.ConversationSession, doc models.FlowDocument, now time.Time) RouteResult {
	s := session.Clone()
	s.LastActivityAt = now

	languageChanged := false
	if code, ok := LanguageTap(event.TappedElementID); ok && doc.Settings.SupportsLanguage(code) && code != s.Language {
		slog.Debug("Router.Route: language switched", "participantID", s.ParticipantID, "language", code)
		s.Language = code
		languageChanged = true
	}

	step, ok := doc.StepByID(s.CurrentStepID)
	if !ok {
		slog.Warn("Router.Route: current step missing, ending session", "participantID", s.ParticipantID, "flowID", doc.ID, "stepID", s.CurrentStepID)
		return end(session)
	}
	event = resolveOffered(event, s.Offered)

	if step.Kind == models.StepKindDynamicAvailability {
		captured, rerender := captureAvailability(s, step, event)
		if rerender {
			return r.enter(ctx, s, doc, step.ID, nil, false, now)
		}
		if captured {
			return r.advance(ctx, s, doc, afterInput(step), now)
		}
	}

	if next, ok := matchExpected(step, event); ok {
		return r.advance(ctx, s, doc, next, now)
	}
	if next, ok := matchElement(step, event.TappedElementID); ok {
		return r.advance(ctx, s, doc, next, now)
	}

	if step.Kind == models.StepKindCollectInput && step.Input != nil {
		value, collected, err := r.inputs.Collect(ctx, *step.Input, event)
		var inputErr *InputError
		if errors.As(err, &inputErr) {
			slog.Debug("Router.Route: input rejected", "participantID", s.ParticipantID, "field", inputErr.Field, "reason", inputErr.Reason)
			return r.enter(ctx, s, doc, step.ID, []string{inputErr.Message}, false, now)
		}
		if err != nil {
			return r.fallback(s, doc, err)
		}
		if collected {
			s.SetField(step.Input.SaveToField, value)
		}
		return r.advance(ctx, s, doc, afterInput(step), now)
	}

	// A capturing step only moves on with a captured value or a matched response.
	if step.NextStep != "" && step.Kind != models.StepKindDynamicAvailability {
		return r.advance(ctx, s, doc, step.NextStep, now)
	}
	if languageChanged {
		return r.enter(ctx, s, doc, step.ID, nil, false, now)
	}
	return r.enter(ctx, s, doc, step.ID, []string{UnrecognizedNotice}, false, now)
}

// advance moves s to next. An empty or unknown next step ends the flow.
func (r *Router) advance(ctx context.Context, s *models.ConversationSession, doc models.FlowDocument, next string, now time.Time) RouteResult {
	if next == "" {
		slog.Debug("Router.Route: flow finished", "participantID", s.ParticipantID, "flowID", doc.ID)
		return end(s)
	}
	if _, ok := doc.StepByID(next); !ok {
		slog.Warn("Router.Route: next step not found, ending session", "participantID", s.ParticipantID, "flowID", doc.ID, "nextStep", next)
		return end(s)
	}
	return r.enter(ctx, s, doc, next, nil, true, now)
}

// enter renders stepID and follows relay message steps. fresh clears per-step state
// left by the previous step. notices are sent before the step itself.
func (r *Router) enter(ctx context.Context, s *models.ConversationSession, doc models.FlowDocument, stepID string, notices []string, fresh bool, now time.Time) RouteResult {
	rc := &renderContext{session: s, doc: &doc, now: now}
	var out []models.OutboundCommand
	for _, n := range notices {
		out = append(out, rc.command(n))
	}

	current := stepID
	for hop := 0; ; hop++ {
		step, ok := doc.StepByID(current)
		if !ok {
			slog.Warn("Router.Route: relay target not found, ending session", "participantID", s.ParticipantID, "flowID", doc.ID, "stepID", current)
			res := end(s)
			res.Outbound = out
			return res
		}
		if fresh {
			s.PendingDate = ""
		}
		fresh = true
		s.CurrentStepID = current

		cmds, err := r.execute(ctx, rc, step)
		if err != nil {
			return r.fallback(s, doc, err)
		}
		out = append(out, cmds...)
		s.Offered = offeredOptions(cmds)

		if !step.IsRelay() {
			if terminal(step) {
				res := end(s)
				res.Outbound = out
				return res
			}
			break
		}
		if step.NextStep == step.ID || hop+1 >= MaxRelayHops {
			slog.Warn("Router.Route: relay chain stopped", "participantID", s.ParticipantID, "flowID", doc.ID, "stepID", step.ID, "hops", hop+1)
			break
		}
		current = step.NextStep
	}
	return RouteResult{Outbound: out, Mutation: SessionMutation{Kind: MutationUpsert, Session: s}}
}

func (r *Router) execute(ctx context.Context, rc *renderContext, step *models.Step) ([]models.OutboundCommand, error) {
	exec, err := r.executorFor(step.Kind)
	if err != nil {
		return nil, err
	}
	cmds, err := exec.Execute(ctx, rc, step)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", step.ID, err)
	}
	for i := range cmds {
		cmds[i], _ = limits.ClampCommand(cmds[i])
	}
	return cmds, nil
}

// fallback answers with the flow's error message. The stored session is left as it
// was, so s is only used for addressing.
func (r *Router) fallback(s *models.ConversationSession, doc models.FlowDocument, err error) RouteResult {
	slog.Error("Router.Route: step execution failed", "participantID", s.ParticipantID, "flowID", doc.ID, "error", err)
	return RouteResult{Outbound: []models.OutboundCommand{{
		TenantID:      s.TenantID,
		ParticipantID: s.ParticipantID,
		Text:          doc.Settings.ErrorFallbackMessageOrDefault(),
	}}}
}

// end removes s. A session that was never stored needs no mutation.
func end(s *models.ConversationSession) RouteResult {
	if s.Version == 0 {
		return RouteResult{}
	}
	return RouteResult{Mutation: SessionMutation{Kind: MutationDelete, Session: s}}
}

// terminal reports whether a rendered step leaves nothing to wait for.
func terminal(step *models.Step) bool {
	if step.NextStep != "" || len(step.ExpectedResponses) > 0 {
		return false
	}
	return step.Kind == models.StepKindMessage || step.Kind == models.StepKindMedia
}

func offeredOptions(cmds []models.OutboundCommand) []models.OfferedOption {
	var opts []models.OfferedOption
	for _, c := range cmds {
		if o := c.Options(); len(o) > 0 {
			opts = o
		}
	}
	return opts
}
