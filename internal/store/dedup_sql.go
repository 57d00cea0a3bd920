package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *sqlDB) IsDuplicate(ctx context.Context, tenantID, eventID string) (bool, error) {
	var processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT processed_at FROM inbound_dedup WHERE tenant_id = ? AND event_id = ?`),
		tenantID, eventID,
	).Scan(&processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return processedAt.Valid, nil
}

func (s *sqlDB) RecordInbound(ctx context.Context, tenantID, eventID, participantID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO inbound_dedup (tenant_id, event_id, participant_id, received_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id, event_id) DO NOTHING`),
		tenantID, eventID, participantID, utcNow(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlDB) MarkProcessed(ctx context.Context, tenantID, eventID string) error {
	return s.markProcessed(ctx, s.db, tenantID, eventID, "")
}

// markProcessed upserts so a turn can be committed for an event that was never recorded.
func (s *sqlDB) markProcessed(ctx context.Context, db querier, tenantID, eventID, participantID string) error {
	now := utcNow()
	_, err := db.ExecContext(ctx, s.q(
		`INSERT INTO inbound_dedup (tenant_id, event_id, participant_id, received_at, processed_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, event_id) DO UPDATE SET processed_at = excluded.processed_at`),
		tenantID, eventID, participantID, now, now,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlDB) PruneDedup(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, s.q(`DELETE FROM inbound_dedup WHERE received_at < ? AND processed_at IS NOT NULL`), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune dedup failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
