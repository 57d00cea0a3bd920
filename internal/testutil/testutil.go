// Package testutil provides fixtures shared by CivicPipe tests outside the flow package.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/flow"
	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/store"
)

// Monday is 2025-11-03 06:00 UTC, the clock most tests run at.
var Monday = time.Date(2025, 11, 3, 6, 0, 0, 0, time.UTC)

// WaterFlowYAML returns a two step complaint flow started by keyword: it asks for a
// ward number and confirms it.
func WaterFlowYAML(id, keyword string) string {
	return fmt.Sprintf(`
id: %s
name: Water complaints
triggers:
  - type: keyword
    value: %s
    startStepId: ask_ward
steps:
  - stepId: ask_ward
    type: collect_input
    content:
      text:
        en: Which ward are you in?
    inputConfig:
      inputType: number
      saveToField: ward
      required: true
    nextStep: done
  - stepId: done
    type: message
    content:
      text:
        en: Thanks, ward {ward} is noted.
`, id, keyword)
}

// Harness is an in-memory engine with its collaborators exposed.
type Harness struct {
	Store    *store.InMemoryStore
	Catalog  *flow.Catalog
	Router   *flow.Router
	Engine   *flow.Engine
	Sessions *flow.SessionManager
}

// NewHarness builds a Harness whose router reads the clock now.
func NewHarness(t *testing.T, now func() time.Time) *Harness {
	t.Helper()
	st := store.NewInMemoryStore()
	catalog := flow.NewCatalog(st, time.Minute)
	router := flow.NewRouter(catalog, flow.WithClock(now))
	return &Harness{
		Store:    st,
		Catalog:  catalog,
		Router:   router,
		Engine:   flow.NewEngine(st, catalog, router),
		Sessions: flow.NewSessionManager(st, catalog),
	}
}

// Install decodes, publishes and activates a flow document for tenantID.
func (h *Harness) Install(t *testing.T, tenantID, doc string) models.FlowDocument {
	t.Helper()
	return InstallFlow(t, h.Catalog, tenantID, doc)
}

// InstallFlow publishes and activates doc in catalog.
func InstallFlow(t *testing.T, catalog *flow.Catalog, tenantID, doc string) models.FlowDocument {
	t.Helper()
	ctx := context.Background()
	parsed, err := flow.DecodeDocument([]byte(doc))
	if err != nil {
		t.Fatalf("failed to decode flow: %v", err)
	}
	parsed.TenantID = tenantID
	saved, err := catalog.Publish(ctx, parsed)
	if err != nil {
		t.Fatalf("failed to publish flow %s: %v", parsed.ID, err)
	}
	if _, err := catalog.Activate(ctx, tenantID, saved.ID, saved.Version, false); err != nil {
		t.Fatalf("failed to activate flow %s: %v", saved.ID, err)
	}
	return saved
}

// Text builds an inbound text event.
func Text(tenantID, participantID, eventID, body string) models.InboundEvent {
	return models.InboundEvent{
		TenantID:        tenantID,
		ParticipantID:   participantID,
		ProviderEventID: eventID,
		Body:            body,
		ReceivedAt:      Monday,
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected int, rec *httptest.ResponseRecorder, context string) {
	t.Helper()
	if rec.Code != expected {
		t.Errorf("%s: expected status %d, got %d (%s)", context, expected, rec.Code, rec.Body.String())
	}
}

// DecodeAPIResponse decodes the envelope and checks its status field.
func DecodeAPIResponse(t *testing.T, rec *httptest.ResponseRecorder, expectedStatus models.APIStatus) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode JSON response: %v (%s)", err, rec.Body.String())
	}
	if resp.Status != string(expectedStatus) {
		t.Errorf("expected status %q, got %q", expectedStatus, resp.Status)
	}
	return resp
}
