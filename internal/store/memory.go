package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in process memory. It is used in tests and when no
// database DSN is configured.
type InMemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]models.ConversationSession
	flows     map[string]map[int]models.FlowDocument // tenant:flow -> version -> doc
	active    map[string]map[string]int              // tenant -> flow -> version
	schedules map[string]models.AvailabilitySchedule // tenant:department
	dedup     map[string]DedupRecord                 // tenant:event
	outbox    []OutboxMessage
	seq       int64
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]models.ConversationSession),
		flows:     make(map[string]map[int]models.FlowDocument),
		active:    make(map[string]map[string]int),
		schedules: make(map[string]models.AvailabilitySchedule),
		dedup:     make(map[string]DedupRecord),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetSession(ctx context.Context, tenantID, participantID string) (*models.ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[models.SessionKey(tenantID, participantID)]
	if !ok {
		return nil, nil
	}
	return session.Clone(), nil
}

func (s *InMemoryStore) SaveSession(ctx context.Context, session *models.ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.saveLocked(session)
	if err != nil {
		return err
	}
	session.Version = next
	return nil
}

func (s *InMemoryStore) saveLocked(session *models.ConversationSession) (int64, error) {
	if session.TenantID == "" {
		return 0, models.ErrEmptyTenant
	}
	if session.ParticipantID == "" {
		return 0, models.ErrEmptyParticipant
	}
	key := session.Key()
	stored, exists := s.sessions[key]
	switch {
	case session.Version == 0 && exists:
		return 0, fmt.Errorf("%w: session %s already exists", ErrVersionConflict, key)
	case session.Version != 0 && (!exists || stored.Version != session.Version):
		return 0, fmt.Errorf("%w: session %s at version %d", ErrVersionConflict, key, session.Version)
	}
	if session.ID == "" {
		session.ID = util.NewSessionID()
	}
	now := utcNow()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = now
	}
	c := session.Clone()
	c.Version = session.Version + 1
	s.sessions[key] = *c
	return c.Version, nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, tenantID, participantID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(SessionRef{TenantID: tenantID, ParticipantID: participantID, Version: version})
}

func (s *InMemoryStore) deleteLocked(ref SessionRef) error {
	key := models.SessionKey(ref.TenantID, ref.ParticipantID)
	stored, ok := s.sessions[key]
	if !ok {
		return nil
	}
	if ref.Version != 0 && stored.Version != ref.Version {
		return fmt.Errorf("%w: session %s at version %d", ErrVersionConflict, key, ref.Version)
	}
	delete(s.sessions, key)
	return nil
}

func (s *InMemoryStore) ListIdleSessions(ctx context.Context, idleBefore time.Time, limit int) ([]models.ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ConversationSession
	for _, session := range s.sessions {
		if session.LastActivityAt.Before(idleBefore) {
			out = append(out, *session.Clone())
		}
	}
	slices.SortFunc(out, func(a, b models.ConversationSession) int { return a.LastActivityAt.Compare(b.LastActivityAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) CommitTurn(ctx context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before mutating so a failed turn leaves no trace.
	if turn.Save != nil {
		key := turn.Save.Key()
		stored, exists := s.sessions[key]
		if (turn.Save.Version == 0 && exists) || (turn.Save.Version != 0 && (!exists || stored.Version != turn.Save.Version)) {
			return fmt.Errorf("%w: session %s at version %d", ErrVersionConflict, key, turn.Save.Version)
		}
	}
	if turn.Delete != nil {
		key := models.SessionKey(turn.Delete.TenantID, turn.Delete.ParticipantID)
		if stored, ok := s.sessions[key]; ok && turn.Delete.Version != 0 && stored.Version != turn.Delete.Version {
			return fmt.Errorf("%w: session %s at version %d", ErrVersionConflict, key, turn.Delete.Version)
		}
	}

	switch {
	case turn.Save != nil:
		next, err := s.saveLocked(turn.Save)
		if err != nil {
			return err
		}
		turn.Save.Version = next
	case turn.Delete != nil:
		if err := s.deleteLocked(*turn.Delete); err != nil {
			return err
		}
	}
	for _, msg := range turn.Outbox {
		s.enqueueLocked(msg)
	}
	if turn.ProcessedEventID != "" {
		s.markProcessedLocked(turn.TenantID, turn.ProcessedEventID, turn.ParticipantID)
	}
	return nil
}

func (s *InMemoryStore) SaveFlowVersion(ctx context.Context, doc models.FlowDocument) (models.FlowDocument, error) {
	if doc.TenantID == "" {
		return doc, models.ErrEmptyTenant
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := doc.TenantID + ":" + doc.ID
	versions := s.flows[key]
	if versions == nil {
		versions = make(map[int]models.FlowDocument)
		s.flows[key] = versions
	}
	latest := 0
	for v := range versions {
		latest = max(latest, v)
	}
	doc.Version = latest + 1
	versions[doc.Version] = doc
	return doc, nil
}

func (s *InMemoryStore) GetFlowVersion(ctx context.Context, tenantID, flowID string, version int) (*models.FlowDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.flows[tenantID+":"+flowID][version]
	if !ok {
		return nil, fmt.Errorf("%w: flow %s version %d", ErrNotFound, flowID, version)
	}
	return &doc, nil
}

func (s *InMemoryStore) ListActiveFlows(ctx context.Context, tenantID string) ([]models.FlowDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeFlowsLocked(tenantID), nil
}

func (s *InMemoryStore) activeFlowsLocked(tenantID string) []models.FlowDocument {
	ids := make([]string, 0, len(s.active[tenantID]))
	for id := range s.active[tenantID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	docs := make([]models.FlowDocument, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, s.flows[tenantID+":"+id][s.active[tenantID][id]])
	}
	return docs
}

func (s *InMemoryStore) ActivateFlow(ctx context.Context, tenantID, flowID string, version int, deactivate []string, check ActivationCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[tenantID+":"+flowID][version]; !ok {
		return fmt.Errorf("%w: flow %s version %d", ErrNotFound, flowID, version)
	}
	if check != nil {
		if err := check(remainingActive(s.activeFlowsLocked(tenantID), flowID, deactivate)); err != nil {
			return err
		}
	}
	active := s.active[tenantID]
	if active == nil {
		active = make(map[string]int)
		s.active[tenantID] = active
	}
	for _, other := range deactivate {
		if other != flowID {
			delete(active, other)
		}
	}
	active[flowID] = version
	return nil
}

func (s *InMemoryStore) DeactivateFlow(ctx context.Context, tenantID, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active[tenantID], flowID)
	return nil
}

func (s *InMemoryStore) GetSchedule(ctx context.Context, tenantID, departmentID string) (*models.AvailabilitySchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.schedules[tenantID+":"+departmentID]
	if !ok {
		return nil, nil
	}
	return &schedule, nil
}

func (s *InMemoryStore) PutSchedule(ctx context.Context, schedule models.AvailabilitySchedule) error {
	if schedule.TenantID == "" {
		return models.ErrEmptyTenant
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule.UpdatedAt = utcNow()
	s.schedules[schedule.TenantID+":"+schedule.DepartmentID] = schedule
	return nil
}

func (s *InMemoryStore) IsDuplicate(ctx context.Context, tenantID, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[tenantID+":"+eventID]
	return ok && rec.ProcessedAt != nil, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, tenantID, eventID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + ":" + eventID
	if _, ok := s.dedup[key]; ok {
		return false, nil
	}
	s.dedup[key] = DedupRecord{TenantID: tenantID, EventID: eventID, ParticipantID: participantID, ReceivedAt: utcNow()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, tenantID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markProcessedLocked(tenantID, eventID, "")
	return nil
}

func (s *InMemoryStore) markProcessedLocked(tenantID, eventID, participantID string) {
	key := tenantID + ":" + eventID
	now := utcNow()
	rec, ok := s.dedup[key]
	if !ok {
		rec = DedupRecord{TenantID: tenantID, EventID: eventID, ParticipantID: participantID, ReceivedAt: now}
	}
	rec.ProcessedAt = &now
	s.dedup[key] = rec
}

func (s *InMemoryStore) PruneDedup(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.dedup {
		if rec.ProcessedAt != nil && rec.ReceivedAt.Before(before) {
			delete(s.dedup, key)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(ctx context.Context, msg OutboxEnqueue) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(msg), nil
}

func (s *InMemoryStore) enqueueLocked(msg OutboxEnqueue) string {
	if msg.DedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == msg.DedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID
			}
		}
	}
	now := utcNow()
	s.seq++
	m := OutboxMessage{
		Seq:           s.seq,
		ID:            util.NewOutboxID(),
		TenantID:      msg.TenantID,
		ParticipantID: msg.ParticipantID,
		Kind:          msg.Kind,
		PayloadJSON:   msg.PayloadJSON,
		Status:        OutboxStatusQueued,
		DedupeKey:     msg.DedupeKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.outbox = append(s.outbox, m)
	return m.ID
}

func (s *InMemoryStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []OutboxMessage
	blocked := make(map[string]bool)
	for i := range s.outbox {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		m := &s.outbox[i]
		key := m.TenantID + ":" + m.ParticipantID
		waiting := m.Status == OutboxStatusQueued && m.NextAttemptAt != nil && m.NextAttemptAt.After(now)
		if m.Status == OutboxStatusSending || waiting {
			blocked[key] = true
			continue
		}
		if m.Status != OutboxStatusQueued || blocked[key] {
			continue
		}
		lockedAt := now
		m.Status = OutboxStatusSending
		m.LockedAt = &lockedAt
		m.UpdatedAt = now
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(m *OutboxMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			s.outbox[i].UpdatedAt = utcNow()
			return
		}
	}
}

func (s *InMemoryStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	})
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &nextAttemptAt
		m.LockedAt = nil
	})
	return nil
}

func (s *InMemoryStore) DeferOutboxMessage(ctx context.Context, id string, nextAttemptAt time.Time) error {
	s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusQueued
		m.NextAttemptAt = &nextAttemptAt
		m.LockedAt = nil
	})
	return nil
}

func (s *InMemoryStore) AbandonOutboxMessage(ctx context.Context, id string, errMsg string) error {
	s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) PruneOutbox(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.outbox[:0]
	n := 0
	for _, m := range s.outbox {
		terminal := m.Status == OutboxStatusSent || m.Status == OutboxStatusFailed || m.Status == OutboxStatusCanceled
		if terminal && m.UpdatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.outbox = kept
	return n, nil
}

// Outbox returns a snapshot of every outbox message, oldest first.
func (s *InMemoryStore) Outbox() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutboxMessage(nil), s.outbox...)
}
