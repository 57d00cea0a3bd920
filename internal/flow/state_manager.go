// Package flow provides store-backed session management outside the routing path.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/store"
)

// Housekeeping defaults.
const (
	DefaultSweepBatch = 500
	DefaultRetention  = 7 * 24 * time.Hour
	minSweepIdle      = time.Minute
)

// SessionManager inspects, resets and expires sessions for operators and the
// background sweep.
type SessionManager struct {
	store     store.Store
	catalog   *Catalog
	now       func() time.Time
	batch     int
	retention time.Duration
}

// NewSessionManager creates a SessionManager backed by a Store.
func NewSessionManager(st store.Store, catalog *Catalog) *SessionManager {
	slog.Debug("Creating SessionManager")
	return &SessionManager{
		store:     st,
		catalog:   catalog,
		now:       time.Now,
		batch:     DefaultSweepBatch,
		retention: DefaultRetention,
	}
}

// GetSession returns a participant's session, or nil when there is none.
func (sm *SessionManager) GetSession(ctx context.Context, tenantID, participantID string) (*models.ConversationSession, error) {
	slog.Debug("SessionManager GetSession", "tenantID", tenantID, "participantID", participantID)
	if tenantID == "" {
		return nil, models.ErrEmptyTenant
	}
	if participantID == "" {
		return nil, models.ErrEmptyParticipant
	}
	session, err := sm.store.GetSession(ctx, tenantID, participantID)
	if err != nil {
		slog.Error("SessionManager GetSession error", "error", err, "tenantID", tenantID, "participantID", participantID)
		return nil, err
	}
	if session == nil {
		slog.Debug("SessionManager GetSession not found", "tenantID", tenantID, "participantID", participantID)
		return nil, nil
	}
	slog.Debug("SessionManager GetSession found", "tenantID", tenantID, "participantID", participantID, "flowID", session.FlowID, "stepID", session.CurrentStepID)
	return session, nil
}

// ResetSession removes a participant's session so their next message starts over.
func (sm *SessionManager) ResetSession(ctx context.Context, tenantID, participantID string) error {
	slog.Debug("SessionManager ResetSession", "tenantID", tenantID, "participantID", participantID)
	if tenantID == "" {
		return models.ErrEmptyTenant
	}
	if participantID == "" {
		return models.ErrEmptyParticipant
	}
	if err := sm.store.DeleteSession(ctx, tenantID, participantID, 0); err != nil {
		slog.Error("SessionManager ResetSession error", "error", err, "tenantID", tenantID, "participantID", participantID)
		return err
	}
	slog.Info("SessionManager ResetSession succeeded", "tenantID", tenantID, "participantID", participantID)
	return nil
}

// SweepExpired deletes sessions idle past their flow's timeout. Each delete is
// conditional on the version read, so a session touched meanwhile survives.
func (sm *SessionManager) SweepExpired(ctx context.Context) (int, error) {
	now := sm.now()
	idle, err := sm.store.ListIdleSessions(ctx, now.Add(-minSweepIdle), sm.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sessions: %w", err)
	}

	deleted := 0
	for i := range idle {
		s := &idle[i]
		timeout := time.Duration(models.DefaultSessionTimeoutMinutes) * time.Minute
		doc, err := sm.catalog.Flow(ctx, s.TenantID, s.FlowID, s.FlowVersion)
		switch {
		case err == nil:
			timeout = Timeout(*doc)
		case errors.Is(err, store.ErrNotFound):
			timeout = 0
		default:
			slog.Warn("SessionManager SweepExpired flow lookup failed", "error", err, "tenantID", s.TenantID, "flowID", s.FlowID)
			continue
		}
		if timeout > 0 && !s.Expired(now, timeout) {
			continue
		}
		err = sm.store.DeleteSession(ctx, s.TenantID, s.ParticipantID, s.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			slog.Error("SessionManager SweepExpired delete error", "error", err, "tenantID", s.TenantID, "participantID", s.ParticipantID)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		slog.Info("SessionManager SweepExpired removed idle sessions", "count", deleted)
	}
	return deleted, nil
}

// Prune drops delivered outbox messages and dedup records past the retention window.
func (sm *SessionManager) Prune(ctx context.Context) error {
	before := sm.now().Add(-sm.retention)
	sent, err := sm.store.PruneOutbox(ctx, before)
	if err != nil {
		return fmt.Errorf("failed to prune outbox: %w", err)
	}
	seen, err := sm.store.PruneDedup(ctx, before)
	if err != nil {
		return fmt.Errorf("failed to prune dedup records: %w", err)
	}
	slog.Debug("SessionManager Prune done", "outbox", sent, "dedup", seen)
	return nil
}

// Housekeep runs the sweep and the prune, logging rather than returning failures so
// it can be scheduled as a cron job.
func (sm *SessionManager) Housekeep(ctx context.Context) {
	if _, err := sm.SweepExpired(ctx); err != nil {
		slog.Error("SessionManager Housekeep sweep failed", "error", err)
	}
	if err := sm.Prune(ctx); err != nil {
		slog.Error("SessionManager Housekeep prune failed", "error", err)
	}
}
