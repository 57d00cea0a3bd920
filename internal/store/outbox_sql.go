package store

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/util"
)

func (s *sqlDB) EnqueueOutboxMessage(ctx context.Context, msg OutboxEnqueue) (string, error) {
	return s.enqueueOutbox(ctx, s.db, msg)
}

func (s *sqlDB) enqueueOutbox(ctx context.Context, db querier, msg OutboxEnqueue) (string, error) {
	id := util.NewOutboxID()
	now := utcNow()

	if msg.DedupeKey != "" {
		var existingID string
		err := db.QueryRowContext(ctx, s.q(
			`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'canceled')`),
			msg.DedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+".EnqueueOutboxMessage: dedupe hit", "dedupeKey", msg.DedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, s.q(
		`INSERT INTO outbox_messages (id, tenant_id, participant_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?)`),
		id, msg.TenantID, msg.ParticipantID, msg.Kind, msg.PayloadJSON, nilIfEmpty(msg.DedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueOutboxMessage", "id", id, "participantID", msg.ParticipantID, "kind", msg.Kind)
	return id, nil
}

// blockedBy matches an older message of the same participant that is in flight or
// waiting for a retry. Such a message must go out first.
const blockedBy = `SELECT 1 FROM outbox_messages p
	WHERE p.tenant_id = o.tenant_id AND p.participant_id = o.participant_id AND p.seq < o.seq
	AND (p.status = 'sending' OR (p.status = 'queued' AND p.next_attempt_at > ?))`

func (s *sqlDB) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	if s.postgres {
		rows, err := s.db.QueryContext(ctx, s.q(
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ?
			 WHERE id IN (
			   SELECT id FROM outbox_messages o WHERE o.status = 'queued' AND (o.next_attempt_at IS NULL OR o.next_attempt_at <= ?)
			   AND NOT EXISTS (`+blockedBy+`)
			   ORDER BY o.seq ASC LIMIT ?
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+outboxColumns),
			now, now, now, now, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
		}
		msgs, err := collectOutbox(rows)
		if err != nil {
			return nil, err
		}
		// RETURNING does not preserve the subquery order.
		slices.SortFunc(msgs, func(a, b OutboxMessage) int { return cmp.Compare(a.Seq, b.Seq) })
		return msgs, nil
	}

	var msgs []OutboxMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox_messages o
			 WHERE o.status = 'queued' AND (o.next_attempt_at IS NULL OR o.next_attempt_at <= ?)
			 AND NOT EXISTS (`+blockedBy+`)
			 ORDER BY o.seq ASC LIMIT ?`,
			now, now, limit,
		)
		if err != nil {
			return fmt.Errorf("claim due outbox messages failed: %w", err)
		}
		msgs, err = collectOutbox(rows)
		if err != nil {
			return err
		}
		for i := range msgs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
				now, now, msgs[i].ID,
			); err != nil {
				return fmt.Errorf("mark outbox sending failed: %w", err)
			}
			msgs[i].Status = OutboxStatusSending
			lockedAt := now
			msgs[i].LockedAt = &lockedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func collectOutbox(rows *sql.Rows) ([]OutboxMessage, error) {
	defer rows.Close()
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}
	return msgs, nil
}

func (s *sqlDB) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`),
		utcNow(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *sqlDB) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		errMsg, nextAttemptAt.UTC(), utcNow(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlDB) DeferOutboxMessage(ctx context.Context, id string, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE outbox_messages SET status = 'queued', next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		nextAttemptAt.UTC(), utcNow(), id,
	)
	if err != nil {
		return fmt.Errorf("defer outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlDB) AbandonOutboxMessage(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		errMsg, utcNow(), id,
	)
	if err != nil {
		return fmt.Errorf("abandon outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlDB) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, s.q(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`),
		utcNow(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlDB) PruneOutbox(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM outbox_messages WHERE status IN ('sent', 'failed', 'canceled') AND updated_at < ?`),
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune outbox failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
