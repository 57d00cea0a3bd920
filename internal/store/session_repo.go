package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/models"
)

// SessionRepo persists one conversation session per (tenant, participant).
//
// Writes are optimistic: a session carries the Version it was read at and a save or
// delete only succeeds while the stored row still has that version.
type SessionRepo interface {
	// GetSession returns nil, nil when the participant has no session.
	GetSession(ctx context.Context, tenantID, participantID string) (*models.ConversationSession, error)

	// SaveSession inserts a session when its Version is 0 and otherwise updates the row
	// stored at that Version. On success the session's Version is incremented.
	SaveSession(ctx context.Context, session *models.ConversationSession) error

	// DeleteSession removes the session if it is still at version. A version of 0
	// deletes unconditionally. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, tenantID, participantID string, version int64) error

	// ListIdleSessions returns up to limit sessions whose last activity is before idleBefore.
	ListIdleSessions(ctx context.Context, idleBefore time.Time, limit int) ([]models.ConversationSession, error)

	// CommitTurn applies the session mutation of one processed inbound event, queues its
	// outbound messages and marks the event processed, all or nothing.
	CommitTurn(ctx context.Context, turn Turn) error
}

// Turn is the durable outcome of routing one inbound event.
type Turn struct {
	// Save is persisted with SaveSession semantics when non-nil.
	Save *models.ConversationSession
	// Delete removes a session with DeleteSession semantics when non-nil.
	Delete *SessionRef
	// Outbox messages are queued in order.
	Outbox []OutboxEnqueue
	// ProcessedEventID marks the inbound event processed when set.
	ProcessedEventID string
	TenantID         string
	ParticipantID    string
}

// SessionRef identifies a stored session at a version.
type SessionRef struct {
	TenantID      string
	ParticipantID string
	Version       int64
}

// OutboxEnqueue is one message to queue in the outbox.
type OutboxEnqueue struct {
	TenantID      string
	ParticipantID string
	Kind          string
	PayloadJSON   string
	DedupeKey     string
}

// sessionRow is the JSON column holding everything except the key and version.
type sessionRow struct {
	ID              string                       `json:"id"`
	FlowID          string                       `json:"flowId"`
	FlowVersion     int                          `json:"flowVersion"`
	CurrentStepID   string                       `json:"currentStepId"`
	CollectedFields map[string]models.FieldValue `json:"collectedFields,omitempty"`
	Language        string                       `json:"language,omitempty"`
	Offered         []models.OfferedOption       `json:"offered,omitempty"`
	PendingDate     string                       `json:"pendingDate,omitempty"`
}

func encodeSession(s *models.ConversationSession) (string, error) {
	b, err := json.Marshal(sessionRow{
		ID:              s.ID,
		FlowID:          s.FlowID,
		FlowVersion:     s.FlowVersion,
		CurrentStepID:   s.CurrentStepID,
		CollectedFields: s.CollectedFields,
		Language:        s.Language,
		Offered:         s.Offered,
		PendingDate:     s.PendingDate,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode session: %w", err)
	}
	return string(b), nil
}

func decodeSession(tenantID, participantID, data string, version int64, createdAt, lastActivity time.Time) (*models.ConversationSession, error) {
	var row sessionRow
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("failed to decode session %s/%s: %w", tenantID, participantID, err)
	}
	return &models.ConversationSession{
		ID:              row.ID,
		TenantID:        tenantID,
		ParticipantID:   participantID,
		FlowID:          row.FlowID,
		FlowVersion:     row.FlowVersion,
		CurrentStepID:   row.CurrentStepID,
		CollectedFields: row.CollectedFields,
		Language:        row.Language,
		Offered:         row.Offered,
		PendingDate:     row.PendingDate,
		Version:         version,
		CreatedAt:       createdAt,
		LastActivityAt:  lastActivity,
	}, nil
}
