package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CivicPipe/internal/availability"
	"github.com/BTreeMap/CivicPipe/internal/flow"
	"github.com/BTreeMap/CivicPipe/internal/models"
	"github.com/BTreeMap/CivicPipe/internal/store"
)

// PublishResult is returned after a flow version is stored.
type PublishResult struct {
	FlowID  string `json:"flowId"`
	Version int    `json:"version"`
}

// ActivateResult is returned after a flow version goes live.
type ActivateResult struct {
	FlowID      string   `json:"flowId"`
	Version     int      `json:"version"`
	Deactivated []string `json:"deactivated,omitempty"`
}

// AvailabilityPreview lists what a dynamic_availability step would offer now.
type AvailabilityPreview struct {
	TenantID     string                 `json:"tenantId"`
	DepartmentID string                 `json:"departmentId,omitempty"`
	Timezone     string                 `json:"timezone"`
	Slots        []models.OfferableSlot `json:"slots"`
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, badRequest("failed to read request body: %v", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, badRequest("request body is empty")
	}
	return data, nil
}

// decodeFlow reads a YAML or JSON document and binds it to the path tenant.
func decodeFlow(w http.ResponseWriter, r *http.Request) (models.FlowDocument, error) {
	data, err := readBody(w, r)
	if err != nil {
		return models.FlowDocument{}, err
	}
	doc, err := flow.DecodeDocument(data)
	if err != nil {
		return doc, badRequestError{err}
	}
	tenantID := chi.URLParam(r, "tenantID")
	if doc.TenantID != "" && doc.TenantID != tenantID {
		return doc, badRequest("document tenant %q does not match %q", doc.TenantID, tenantID)
	}
	doc.TenantID = tenantID
	return doc, nil
}

func versionParam(r *http.Request) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || v < 1 {
		return 0, badRequest("invalid version %q", chi.URLParam(r, "version"))
	}
	return v, nil
}

func (s *Server) validateFlowHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := decodeFlow(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := flow.ValidateDocument(doc); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow document is valid", PublishResult{FlowID: doc.ID}))
}

func (s *Server) publishFlowHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := decodeFlow(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := s.catalog.Publish(r.Context(), doc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Flow version published", "tenant", saved.TenantID, "flow", saved.ID, "version", saved.Version)
	writeJSONResponse(w, http.StatusCreated, models.Success(PublishResult{FlowID: saved.ID, Version: saved.Version}))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := s.catalog.Flow(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "flowID"), version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(doc))
}

func (s *Server) activateFlowHandler(w http.ResponseWriter, r *http.Request) {
	version, err := versionParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		if force, err = strconv.ParseBool(v); err != nil {
			writeError(w, r, badRequest("invalid force value %q", v))
			return
		}
	}
	tenantID, flowID := chi.URLParam(r, "tenantID"), chi.URLParam(r, "flowID")
	deactivated, err := s.catalog.Activate(r.Context(), tenantID, flowID, version, force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(
		fmt.Sprintf("Flow %s version %d is active", flowID, version),
		ActivateResult{FlowID: flowID, Version: version, Deactivated: deactivated}))
}

func (s *Server) deactivateFlowHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Deactivate(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "flowID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow deactivated", nil))
}

func (s *Server) activeFlowsHandler(w http.ResponseWriter, r *http.Request) {
	docs, err := s.catalog.ActiveFlows(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]PublishResult, len(docs))
	for i, d := range docs {
		out[i] = PublishResult{FlowID: d.ID, Version: d.Version}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func (s *Server) getScheduleHandler(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.catalog.Schedule(r.Context(), chi.URLParam(r, "tenantID"), r.URL.Query().Get("department"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(schedule))
}

func (s *Server) putScheduleHandler(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	schedule, err := availability.DecodeSchedule(data)
	if err != nil {
		writeError(w, r, badRequestError{err})
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	if schedule.TenantID != "" && schedule.TenantID != tenantID {
		writeError(w, r, badRequest("schedule tenant %q does not match %q", schedule.TenantID, tenantID))
		return
	}
	schedule.TenantID = tenantID
	if err := availability.ValidateSchedule(schedule); err != nil {
		writeError(w, r, badRequestError{err})
		return
	}
	if err := s.catalog.PutSchedule(r.Context(), schedule); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Schedule saved", nil))
}

// availabilityHandler previews offerable dates. Query: department, startDays, endDays
// and periods (comma separated morning, afternoon, evening).
func (s *Server) availabilityHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cfg := models.AvailabilityConfig{Mode: models.AvailabilityModeDate, DepartmentID: q.Get("department")}
	for name, dst := range map[string]*int{"startDays": &cfg.DateRange.StartDays, "endDays": &cfg.DateRange.EndDays} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, r, badRequest("invalid %s %q", name, v))
				return
			}
			*dst = n
		}
	}
	if v := q.Get("periods"); v != "" {
		cfg.TimeSlots = &models.TimeSlotFilter{}
		for _, p := range strings.Split(v, ",") {
			switch models.Period(strings.TrimSpace(p)) {
			case models.PeriodMorning:
				cfg.TimeSlots.ShowMorning = true
			case models.PeriodAfternoon:
				cfg.TimeSlots.ShowAfternoon = true
			case models.PeriodEvening:
				cfg.TimeSlots.ShowEvening = true
			default:
				writeError(w, r, badRequest("unknown period %q", p))
				return
			}
		}
	}

	tenantID := chi.URLParam(r, "tenantID")
	schedule, err := s.catalog.Schedule(r.Context(), tenantID, cfg.DepartmentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slots := availability.Resolve(schedule, cfg, s.opts.Now())
	if slots == nil {
		slots = []models.OfferableSlot{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(AvailabilityPreview{
		TenantID:     tenantID,
		DepartmentID: cfg.DepartmentID,
		Timezone:     schedule.Location().String(),
		Slots:        slots,
	}))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.GetSession(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "participantID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if session == nil {
		writeError(w, r, fmt.Errorf("%w: no active session", store.ErrNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(session))
}

func (s *Server) resetSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.ResetSession(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "participantID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
}
