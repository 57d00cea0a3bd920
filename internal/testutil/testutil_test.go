package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/flow"
	"github.com/BTreeMap/CivicPipe/internal/models"
)

func TestHarnessRunsWaterFlow(t *testing.T) {
	h := NewHarness(t, func() time.Time { return Monday })
	doc := h.Install(t, "pune", WaterFlowYAML("water", "water"))
	if doc.Version != 1 || doc.TenantID != "pune" {
		t.Fatalf("unexpected installed document %s v%d for %q", doc.ID, doc.Version, doc.TenantID)
	}

	ctx := context.Background()
	res, err := h.Engine.Handle(ctx, Text("pune", "+919800000001", "e1", "water"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(res.Outbound) != 1 || res.Outbound[0].Text != "Which ward are you in?" {
		t.Fatalf("unexpected prompt %+v", res.Outbound)
	}

	res, err = h.Engine.Handle(ctx, Text("pune", "+919800000001", "e2", "12"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Mutation != flow.MutationDelete {
		t.Errorf("expected the flow to end, got %s", res.Mutation)
	}
	if len(res.Outbound) != 1 || res.Outbound[0].Text != "Thanks, ward 12 is noted." {
		t.Errorf("unexpected confirmation %+v", res.Outbound)
	}

	session, err := h.Sessions.GetSession(ctx, "pune", "+919800000001")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session != nil {
		t.Errorf("expected no session after the flow ended, got %+v", session)
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusAccepted)
	AssertHTTPStatus(t, http.StatusAccepted, rec, "accepted")
}

func TestDecodeAPIResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteString(`{"status":"ok","result":{"flowId":"water"}}`)
	resp := DecodeAPIResponse(t, rec, models.APIStatusOK)
	result, ok := resp.Result.(map[string]interface{})
	if !ok || result["flowId"] != "water" {
		t.Errorf("unexpected result %#v", resp.Result)
	}
}
