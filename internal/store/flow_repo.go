package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/models"
)

// FlowRepo stores immutable flow document versions and the active version per flow.
type FlowRepo interface {
	// SaveFlowVersion stores doc as the next version of its flow and returns the
	// document with Version set.
	SaveFlowVersion(ctx context.Context, doc models.FlowDocument) (models.FlowDocument, error)

	// GetFlowVersion returns ErrNotFound when the version does not exist.
	GetFlowVersion(ctx context.Context, tenantID, flowID string, version int) (*models.FlowDocument, error)

	// ListActiveFlows returns the active version of every active flow of a tenant.
	ListActiveFlows(ctx context.Context, tenantID string) ([]models.FlowDocument, error)

	// ActivateFlow makes version the active one for its flow and deactivates the flows
	// listed in deactivate in the same transaction. check, when set, sees the flows that
	// stay active alongside it and aborts the activation by returning an error.
	// Concurrent activations for a tenant are serialized around the check.
	ActivateFlow(ctx context.Context, tenantID, flowID string, version int, deactivate []string, check ActivationCheck) error

	// DeactivateFlow removes the flow from the active set.
	DeactivateFlow(ctx context.Context, tenantID, flowID string) error
}

// ActivationCheck vets an activation against the other active flows of the tenant.
type ActivationCheck func(others []models.FlowDocument) error

// remainingActive drops flowID and the flows about to be deactivated from active.
func remainingActive(active []models.FlowDocument, flowID string, deactivate []string) []models.FlowDocument {
	others := make([]models.FlowDocument, 0, len(active))
	for _, doc := range active {
		if doc.ID == flowID || slices.Contains(deactivate, doc.ID) {
			continue
		}
		others = append(others, doc)
	}
	return others
}

// ScheduleRepo stores availability schedules per tenant and department. An empty
// department id is the tenant-wide schedule.
type ScheduleRepo interface {
	// GetSchedule returns nil, nil when no schedule is stored.
	GetSchedule(ctx context.Context, tenantID, departmentID string) (*models.AvailabilitySchedule, error)
	PutSchedule(ctx context.Context, schedule models.AvailabilitySchedule) error
}

func encodeFlow(doc models.FlowDocument) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode flow %s: %w", doc.ID, err)
	}
	return string(b), nil
}

func decodeFlow(data string) (models.FlowDocument, error) {
	var doc models.FlowDocument
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return doc, fmt.Errorf("failed to decode flow document: %w", err)
	}
	return doc, nil
}

func encodeSchedule(s models.AvailabilitySchedule) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode schedule: %w", err)
	}
	return string(b), nil
}

func decodeSchedule(data string, updatedAt time.Time) (*models.AvailabilitySchedule, error) {
	var s models.AvailabilitySchedule
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("failed to decode schedule: %w", err)
	}
	s.UpdatedAt = updatedAt
	return &s, nil
}
