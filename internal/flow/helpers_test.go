package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/models"
)

const testTenant = "pune"

// testNow is a Monday morning.
var testNow = time.Date(2025, time.November, 3, 8, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type staticSchedules struct {
	schedule models.AvailabilitySchedule
	err      error
}

func (s staticSchedules) Schedule(ctx context.Context, tenantID, departmentID string) (models.AvailabilitySchedule, error) {
	if s.err != nil {
		return models.AvailabilitySchedule{}, s.err
	}
	return s.schedule, nil
}

var errScheduleDown = errors.New("schedule backend unavailable")

func en(s string) models.LocalizedText {
	return models.LocalizedText{"en": s}
}

// appointmentDoc books an appointment: greeting, menu, name, date, time, confirmation.
func appointmentDoc() models.FlowDocument {
	return models.FlowDocument{
		ID:       "appointments",
		TenantID: testTenant,
		Version:  1,
		Name:     "Book an appointment",
		Triggers: []models.Trigger{
			{Type: models.TriggerTypeKeyword, Value: "Book Appointment", StartStepID: "welcome"},
			{Type: models.TriggerTypeButtonClick, Value: "btn_book", StartStepID: "welcome"},
		},
		Steps: []models.Step{
			{
				ID: "welcome", Kind: models.StepKindMessage,
				Content:  models.StepContent{Text: en("Welcome to city services.")},
				NextStep: "menu",
			},
			{
				ID: "menu", Kind: models.StepKindInteractiveButtons,
				Content: models.StepContent{
					Text: models.LocalizedText{"en": "What would you like to do?", "hi": "आप क्या करना चाहेंगे?"},
					Buttons: []models.ButtonSpec{
						{ID: "book", Title: models.LocalizedText{"en": "Book", "hi": "बुक करें"}},
						{ID: "status", Title: models.LocalizedText{"en": "Check status", "hi": "स्थिति"}},
						{ID: "lang_hi", Title: en("हिन्दी")},
					},
				},
				ExpectedResponses: []models.ExpectedResponse{
					{Type: models.ResponseTypeButtonClick, Value: "book", NextStepID: "ask_name"},
					{Type: models.ResponseTypeButtonClick, Value: "status", NextStepID: "status_msg"},
				},
			},
			{
				ID: "ask_name", Kind: models.StepKindCollectInput,
				Content:  models.StepContent{Text: en("What is your name?")},
				Input:    &models.InputConfig{InputType: models.InputTypeText, SaveToField: "name", Required: true, MinLength: 2},
				NextStep: "pick_date",
			},
			{
				ID: "pick_date", Kind: models.StepKindDynamicAvailability,
				Content: models.StepContent{Text: en("Choose a day, {name}.")},
				Availability: &models.AvailabilityConfig{
					Mode: models.AvailabilityModeDate, DateRange: models.DateRange{StartDays: 0, EndDays: 7}, SaveToField: "date",
				},
				NextStep: "pick_time",
			},
			{
				ID: "pick_time", Kind: models.StepKindDynamicAvailability,
				Content: models.StepContent{Text: en("Choose a time.")},
				Availability: &models.AvailabilityConfig{
					Mode: models.AvailabilityModeTime, DateField: "date", SaveToField: "time",
				},
				NextStep: "confirm",
			},
			{
				ID: "confirm", Kind: models.StepKindMessage,
				Content: models.StepContent{Text: en("Thanks {name}, you are booked for {date} at {time}.")},
			},
			{
				ID: "status_msg", Kind: models.StepKindMessage,
				Content: models.StepContent{Text: en("You have no open requests.")},
			},
		},
		Settings: models.FlowSettings{SupportedLanguages: []string{"hi"}},
	}
}

func newTestRouter(schedules ScheduleSource) *Router {
	if schedules == nil {
		schedules = staticSchedules{schedule: models.DefaultSchedule(testTenant, "")}
	}
	return NewRouter(schedules, WithClock(fixedClock))
}

func inbound(body string) models.InboundEvent {
	return models.InboundEvent{TenantID: testTenant, ParticipantID: "+919800000001", Body: body}
}

func tap(id string) models.InboundEvent {
	return models.InboundEvent{TenantID: testTenant, ParticipantID: "+919800000001", TappedElementID: id}
}

// routeStep routes one event and applies the mutation the way the store would, bumping
// the version of an upserted session.
func routeStep(t *testing.T, r *Router, doc models.FlowDocument, session *models.ConversationSession, event models.InboundEvent) (RouteResult, *models.ConversationSession) {
	t.Helper()
	res, err := r.Route(context.Background(), event, session, doc)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	switch res.Mutation.Kind {
	case MutationUpsert:
		next := res.Mutation.Session.Clone()
		next.Version++
		return res, next
	case MutationDelete:
		return res, nil
	}
	return res, session
}
