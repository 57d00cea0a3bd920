// Package store provides the DedupRepo interface for inbound event deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound event deduplication record.
type DedupRecord struct {
	TenantID      string     `json:"tenant_id"`
	EventID       string     `json:"event_id"`
	ParticipantID string     `json:"participant_id"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// DedupRepo tracks provider event ids so a redelivered event is routed at most once.
//
// An event recorded but never marked processed is not a duplicate: a crash before the
// turn commits lets the redelivery run again.
type DedupRepo interface {
	// IsDuplicate reports whether the event was already processed.
	IsDuplicate(ctx context.Context, tenantID, eventID string) (bool, error)

	// RecordInbound notes the arrival of an event. Returns false if it was already recorded.
	RecordInbound(ctx context.Context, tenantID, eventID, participantID string) (bool, error)

	// MarkProcessed sets the processed timestamp of an event.
	MarkProcessed(ctx context.Context, tenantID, eventID string) error

	// PruneDedup deletes processed records older than before.
	PruneDedup(ctx context.Context, before time.Time) (int, error)
}
