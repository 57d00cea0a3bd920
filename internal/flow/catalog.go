package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/BTreeMap/CivicPipe/internal/availability"
	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/store"
)

// DefaultCatalogTTL bounds how stale a cached document list or schedule may be on an
// instance that did not perform the write.
const DefaultCatalogTTL = time.Minute

// CatalogRepo is the persistence the catalog reads and writes.
type CatalogRepo interface {
	store.FlowRepo
	store.ScheduleRepo
}

// Catalog serves flow documents and schedules to the router from a short-lived cache
// and performs the admin operations that change them.
type Catalog struct {
	repo  CatalogRepo
	cache *cache.Cache
}

// NewCatalog creates a catalog over repo.
func NewCatalog(repo CatalogRepo, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	return &Catalog{repo: repo, cache: cache.New(ttl, 2*ttl)}
}

func activeKey(tenantID string) string { return "active:" + tenantID }

func flowKey(tenantID, flowID string, version int) string {
	return "flow:" + tenantID + ":" + flowID + ":" + strconv.Itoa(version)
}

func scheduleKey(tenantID, departmentID string) string {
	return "schedule:" + tenantID + ":" + departmentID
}

// ActiveFlows returns the tenant's active documents ordered by flow id.
func (c *Catalog) ActiveFlows(ctx context.Context, tenantID string) ([]models.FlowDocument, error) {
	if v, ok := c.cache.Get(activeKey(tenantID)); ok {
		return v.([]models.FlowDocument), nil
	}
	docs, err := c.repo.ListActiveFlows(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active flows: %w", err)
	}
	c.cache.SetDefault(activeKey(tenantID), docs)
	return docs, nil
}

// Flow returns one stored version. Versions are immutable so they are cached until
// evicted by expiry.
func (c *Catalog) Flow(ctx context.Context, tenantID, flowID string, version int) (*models.FlowDocument, error) {
	key := flowKey(tenantID, flowID, version)
	if v, ok := c.cache.Get(key); ok {
		doc := v.(models.FlowDocument)
		return &doc, nil
	}
	doc, err := c.repo.GetFlowVersion(ctx, tenantID, flowID, version)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, *doc)
	return doc, nil
}

// MatchActive returns the active document whose trigger the event satisfies.
func (c *Catalog) MatchActive(ctx context.Context, event models.InboundEvent) (*models.FlowDocument, error) {
	docs, err := c.ActiveFlows(ctx, event.TenantID)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if _, ok := MatchTrigger(docs[i], event); ok {
			doc := docs[i]
			return &doc, nil
		}
	}
	return nil, nil
}

// Schedule returns the department schedule, then the tenant-wide one, then the
// default schedule.
func (c *Catalog) Schedule(ctx context.Context, tenantID, departmentID string) (models.AvailabilitySchedule, error) {
	key := scheduleKey(tenantID, departmentID)
	if v, ok := c.cache.Get(key); ok {
		return v.(models.AvailabilitySchedule), nil
	}

	lookups := []string{departmentID}
	if departmentID != "" {
		lookups = append(lookups, "")
	}
	for _, dept := range lookups {
		s, err := c.repo.GetSchedule(ctx, tenantID, dept)
		if err != nil {
			return models.AvailabilitySchedule{}, fmt.Errorf("failed to get schedule: %w", err)
		}
		if s != nil {
			c.cache.SetDefault(key, *s)
			return *s, nil
		}
	}
	slog.Debug("Catalog.Schedule: using default schedule", "tenantID", tenantID, "departmentID", departmentID)
	s := models.DefaultSchedule(tenantID, departmentID)
	c.cache.SetDefault(key, s)
	return s, nil
}

// Publish validates doc and stores it as the next version of its flow.
func (c *Catalog) Publish(ctx context.Context, doc models.FlowDocument) (models.FlowDocument, error) {
	if doc.TenantID == "" {
		return models.FlowDocument{}, models.ErrEmptyTenant
	}
	if err := ValidateDocument(doc); err != nil {
		return models.FlowDocument{}, err
	}
	saved, err := c.repo.SaveFlowVersion(ctx, doc)
	if err != nil {
		return models.FlowDocument{}, fmt.Errorf("failed to save flow version: %w", err)
	}
	slog.Info("Catalog.Publish: flow version saved", "tenantID", saved.TenantID, "flowID", saved.ID, "version", saved.Version)
	return saved, nil
}

// Activate makes a stored version the tenant's live version of its flow. Trigger
// collisions with other active flows block activation unless force is set, in which
// case the colliding flows are deactivated. It returns the ids deactivated.
func (c *Catalog) Activate(ctx context.Context, tenantID, flowID string, version int, force bool) ([]string, error) {
	doc, err := c.repo.GetFlowVersion(ctx, tenantID, flowID, version)
	if err != nil {
		return nil, err
	}
	if err := ValidateDocument(*doc); err != nil {
		return nil, err
	}
	active, err := c.repo.ListActiveFlows(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active flows: %w", err)
	}

	var deactivate []string
	if err := CheckTriggerConflicts(*doc, active); err != nil {
		var conflict *TriggerConflictError
		if !force || !errors.As(err, &conflict) {
			return nil, err
		}
		deactivate = conflict.ConflictingFlows()
		slog.Warn("Catalog.Activate: forcing activation over conflicting flows", "tenantID", tenantID, "flowID", flowID, "deactivate", strings.Join(deactivate, ","))
	}
	// Re-check under the store's lock: another activation may have gone live since
	// the list above was read.
	check := func(others []models.FlowDocument) error {
		return CheckTriggerConflicts(*doc, others)
	}
	if err := c.repo.ActivateFlow(ctx, tenantID, flowID, version, deactivate, check); err != nil {
		var conflict *TriggerConflictError
		if errors.As(err, &conflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to activate flow: %w", err)
	}
	c.cache.Delete(activeKey(tenantID))
	slog.Info("Catalog.Activate: flow activated", "tenantID", tenantID, "flowID", flowID, "version", version)
	return deactivate, nil
}

// Deactivate takes a flow offline. Sessions already in it finish on their version.
func (c *Catalog) Deactivate(ctx context.Context, tenantID, flowID string) error {
	if err := c.repo.DeactivateFlow(ctx, tenantID, flowID); err != nil {
		return err
	}
	c.cache.Delete(activeKey(tenantID))
	return nil
}

// PutSchedule validates and stores a schedule.
func (c *Catalog) PutSchedule(ctx context.Context, s models.AvailabilitySchedule) error {
	if s.TenantID == "" {
		return models.ErrEmptyTenant
	}
	if err := availability.ValidateSchedule(s); err != nil {
		return err
	}
	if err := c.repo.PutSchedule(ctx, s); err != nil {
		return fmt.Errorf("failed to put schedule: %w", err)
	}
	// Department lookups may have fallen back to the tenant-wide schedule.
	prefix := scheduleKey(s.TenantID, "")
	for key := range c.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Delete(key)
		}
	}
	return nil
}
