package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/util"
)

func (s *sqlDB) GetSession(ctx context.Context, tenantID, participantID string) (*models.ConversationSession, error) {
	var (
		data                    string
		version                 int64
		createdAt, lastActivity time.Time
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT data, version, created_at, last_activity_at FROM sessions WHERE tenant_id = ? AND participant_id = ?`),
		tenantID, participantID,
	).Scan(&data, &version, &createdAt, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetSession failed", "error", err, "tenantID", tenantID, "participantID", participantID)
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return decodeSession(tenantID, participantID, data, version, createdAt, lastActivity)
}

func (s *sqlDB) SaveSession(ctx context.Context, session *models.ConversationSession) error {
	next, err := s.saveSession(ctx, s.db, session)
	if err != nil {
		return err
	}
	session.Version = next
	return nil
}

// saveSession writes the session and returns its new version. The caller applies the
// version once the surrounding transaction commits.
func (s *sqlDB) saveSession(ctx context.Context, db querier, session *models.ConversationSession) (int64, error) {
	if session.TenantID == "" {
		return 0, models.ErrEmptyTenant
	}
	if session.ParticipantID == "" {
		return 0, models.ErrEmptyParticipant
	}
	if session.ID == "" {
		session.ID = util.NewSessionID()
	}
	data, err := encodeSession(session)
	if err != nil {
		return 0, err
	}
	now := utcNow()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = now
	}

	var result sql.Result
	if session.Version == 0 {
		result, err = db.ExecContext(ctx, s.q(
			`INSERT INTO sessions (tenant_id, participant_id, version, data, created_at, last_activity_at)
			 VALUES (?, ?, 1, ?, ?, ?)
			 ON CONFLICT (tenant_id, participant_id) DO NOTHING`),
			session.TenantID, session.ParticipantID, data, session.CreatedAt.UTC(), session.LastActivityAt.UTC(),
		)
	} else {
		result, err = db.ExecContext(ctx, s.q(
			`UPDATE sessions SET version = version + 1, data = ?, last_activity_at = ?
			 WHERE tenant_id = ? AND participant_id = ? AND version = ?`),
			data, session.LastActivityAt.UTC(), session.TenantID, session.ParticipantID, session.Version,
		)
	}
	if err != nil {
		slog.Error(s.name+" SaveSession failed", "error", err, "key", session.Key())
		return 0, fmt.Errorf("save session failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("save session rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug(s.name+" SaveSession version conflict", "key", session.Key(), "version", session.Version)
		return 0, fmt.Errorf("%w: session %s at version %d", ErrVersionConflict, session.Key(), session.Version)
	}
	slog.Debug(s.name+" SaveSession succeeded", "key", session.Key(), "step", session.CurrentStepID, "version", session.Version+1)
	return session.Version + 1, nil
}

func (s *sqlDB) DeleteSession(ctx context.Context, tenantID, participantID string, version int64) error {
	return s.deleteSession(ctx, s.db, SessionRef{TenantID: tenantID, ParticipantID: participantID, Version: version})
}

func (s *sqlDB) deleteSession(ctx context.Context, db querier, ref SessionRef) error {
	var (
		result sql.Result
		err    error
	)
	if ref.Version == 0 {
		result, err = db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE tenant_id = ? AND participant_id = ?`),
			ref.TenantID, ref.ParticipantID)
	} else {
		result, err = db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE tenant_id = ? AND participant_id = ? AND version = ?`),
			ref.TenantID, ref.ParticipantID, ref.Version)
	}
	if err != nil {
		slog.Error(s.name+" DeleteSession failed", "error", err, "tenantID", ref.TenantID, "participantID", ref.ParticipantID)
		return fmt.Errorf("delete session failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows affected check failed: %w", err)
	}
	if n > 0 || ref.Version == 0 {
		return nil
	}

	var exists int
	err = db.QueryRowContext(ctx, s.q(`SELECT 1 FROM sessions WHERE tenant_id = ? AND participant_id = ?`),
		ref.TenantID, ref.ParticipantID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete session existence check failed: %w", err)
	}
	return fmt.Errorf("%w: session %s:%s at version %d", ErrVersionConflict, ref.TenantID, ref.ParticipantID, ref.Version)
}

func (s *sqlDB) ListIdleSessions(ctx context.Context, idleBefore time.Time, limit int) ([]models.ConversationSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT tenant_id, participant_id, data, version, created_at, last_activity_at FROM sessions
		 WHERE last_activity_at < ? ORDER BY last_activity_at ASC LIMIT ?`),
		idleBefore.UTC(), limit,
	)
	if err != nil {
		slog.Error(s.name+" ListIdleSessions query failed", "error", err)
		return nil, fmt.Errorf("list idle sessions failed: %w", err)
	}
	defer rows.Close()

	var sessions []models.ConversationSession
	for rows.Next() {
		var (
			tenantID, participantID, data string
			version                       int64
			createdAt, lastActivity       time.Time
		)
		if err := rows.Scan(&tenantID, &participantID, &data, &version, &createdAt, &lastActivity); err != nil {
			return nil, fmt.Errorf("scan session failed: %w", err)
		}
		session, err := decodeSession(tenantID, participantID, data, version, createdAt, lastActivity)
		if err != nil {
			slog.Warn(s.name+" ListIdleSessions skipping undecodable session", "error", err)
			continue
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list idle sessions iteration failed: %w", err)
	}
	return sessions, nil
}

func (s *sqlDB) CommitTurn(ctx context.Context, turn Turn) error {
	var newVersion int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		switch {
		case turn.Save != nil:
			v, err := s.saveSession(ctx, tx, turn.Save)
			if err != nil {
				return err
			}
			newVersion = v
		case turn.Delete != nil:
			if err := s.deleteSession(ctx, tx, *turn.Delete); err != nil {
				return err
			}
		}
		for _, msg := range turn.Outbox {
			if _, err := s.enqueueOutbox(ctx, tx, msg); err != nil {
				return err
			}
		}
		if turn.ProcessedEventID != "" {
			if err := s.markProcessed(ctx, tx, turn.TenantID, turn.ProcessedEventID, turn.ParticipantID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if turn.Save != nil {
		turn.Save.Version = newVersion
	}
	slog.Debug(s.name+" CommitTurn succeeded", "tenantID", turn.TenantID, "participantID", turn.ParticipantID,
		"outbox", len(turn.Outbox), "event", turn.ProcessedEventID)
	return nil
}
