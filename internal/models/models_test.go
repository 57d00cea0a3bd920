package models

import (
	"testing"
	"time"
)

func TestLocalizedTextResolve(t *testing.T) {
	text := LocalizedText{"en": "Hello", "hi": "नमस्ते", "or": ""}

	tests := []struct {
		lang, fallback, want string
	}{
		{"hi", "en", "नमस्ते"},
		{"mr", "hi", "नमस्ते"},
		{"mr", "", "Hello"},
		{"or", "", "Hello"},
	}
	for _, tt := range tests {
		if got := text.Resolve(tt.lang, tt.fallback); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.lang, tt.fallback, got, tt.want)
		}
	}

	onlyMarathi := LocalizedText{"mr": "नमस्कार"}
	if got := onlyMarathi.Resolve("en", "en"); got != "नमस्कार" {
		t.Errorf("expected any available translation, got %q", got)
	}
	if got := (LocalizedText{}).Resolve("en", ""); got != "" {
		t.Errorf("expected empty text, got %q", got)
	}
}

func TestFlowSettingsDefaults(t *testing.T) {
	var s FlowSettings
	if s.SessionTimeoutMinutesOrDefault() != DefaultSessionTimeoutMinutes {
		t.Errorf("unexpected default timeout %d", s.SessionTimeoutMinutesOrDefault())
	}
	if s.ErrorFallbackMessageOrDefault() != DefaultErrorFallbackMessage {
		t.Errorf("unexpected default fallback %q", s.ErrorFallbackMessageOrDefault())
	}
	if !s.SupportsLanguage("en") || s.SupportsLanguage("hi") {
		t.Error("only the default language should be supported when none are listed")
	}

	s = FlowSettings{DefaultLanguage: "hi", SupportedLanguages: []string{"en", "mr"}}
	for _, code := range []string{"hi", "en", "mr"} {
		if !s.SupportsLanguage(code) {
			t.Errorf("expected %q to be supported", code)
		}
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := &ConversationSession{TenantID: "t1", ParticipantID: "p1"}
	s.SetField("name", TextValue("Asha"))
	s.SetField("where", FieldValue{Location: &Location{Latitude: 20.29, Longitude: 85.82}})
	s.Offered = []OfferedOption{{ID: "a", Title: "A"}}

	c := s.Clone()
	c.SetField("name", TextValue("Ravi"))
	c.CollectedFields["where"].Location.Latitude = 0
	c.Offered[0].ID = "b"

	if s.CollectedFields["name"].Text != "Asha" {
		t.Error("clone shares the fields map")
	}
	if s.CollectedFields["where"].Location.Latitude != 20.29 {
		t.Error("clone shares the location pointer")
	}
	if s.Offered[0].ID != "a" {
		t.Error("clone shares offered options")
	}
	if c.Key() != "t1:p1" {
		t.Errorf("unexpected key %q", c.Key())
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	s := &ConversationSession{LastActivityAt: now.Add(-31 * time.Minute)}
	if !s.Expired(now, 30*time.Minute) {
		t.Error("expected session to be expired")
	}
	if s.Expired(now, time.Hour) {
		t.Error("expected session to be live")
	}
	if s.Expired(now, 0) {
		t.Error("zero timeout never expires")
	}
}

func TestFieldValueString(t *testing.T) {
	if got := TextValue("42").String(); got != "42" {
		t.Errorf("unexpected text value %q", got)
	}
	loc := FieldValue{Location: &Location{Latitude: 1.5, Longitude: -2.25}}
	if got := loc.String(); got != "1.500000,-2.250000" {
		t.Errorf("unexpected location value %q", got)
	}
}

func TestOutboundCommandKindAndOptions(t *testing.T) {
	text := OutboundCommand{Text: "hi"}
	if text.Kind() != OutboundKindText {
		t.Errorf("expected text kind, got %s", text.Kind())
	}

	buttons := OutboundCommand{Text: "pick", Buttons: []Button{{ID: "yes", Title: "Yes"}, {ID: "no", Title: "No"}}}
	if buttons.Kind() != OutboundKindButtons {
		t.Errorf("expected buttons kind, got %s", buttons.Kind())
	}
	if opts := buttons.Options(); len(opts) != 2 || opts[1].ID != "no" {
		t.Errorf("unexpected options %+v", opts)
	}

	list := OutboundCommand{Text: "pick", List: &ListMessage{Sections: []ListSection{{Rows: []ListRow{{ID: "r1", Title: "Row"}}}}}}
	if list.Kind() != OutboundKindList {
		t.Errorf("expected list kind, got %s", list.Kind())
	}
	if opts := list.Options(); len(opts) != 1 || opts[0].Title != "Row" {
		t.Errorf("unexpected options %+v", opts)
	}

	media := OutboundCommand{MediaURL: "https://example.org/a.png"}
	if media.Kind() != OutboundKindMedia {
		t.Errorf("expected media kind, got %s", media.Kind())
	}
}

func TestAvailabilityConfigShows(t *testing.T) {
	var all AvailabilityConfig
	for _, p := range Periods {
		if !all.Shows(p) {
			t.Errorf("nil filter should show %s", p)
		}
	}
	morningOnly := AvailabilityConfig{TimeSlots: &TimeSlotFilter{ShowMorning: true}}
	if !morningOnly.Shows(PeriodMorning) || morningOnly.Shows(PeriodEvening) {
		t.Error("filter not applied")
	}
}

func TestDefaultScheduleWeekends(t *testing.T) {
	s := DefaultSchedule("t1", "")
	sat, ok := s.WeeklySchedule.For(time.Saturday)
	if !ok || sat.IsAvailable {
		t.Error("saturday should be unavailable")
	}
	mon, ok := s.WeeklySchedule.For(time.Monday)
	if !ok || !mon.IsAvailable || mon.Slot(PeriodMorning).StartTime != "09:00" {
		t.Errorf("unexpected monday %+v", mon)
	}
	if s.Location() != time.UTC {
		t.Error("empty timezone should resolve to UTC")
	}
}

func TestStepByID(t *testing.T) {
	doc := FlowDocument{Steps: []Step{{ID: "welcome"}, {ID: "ask"}}}
	if st, ok := doc.StepByID("ask"); !ok || st.ID != "ask" {
		t.Error("expected to find step")
	}
	if _, ok := doc.StepByID(""); ok {
		t.Error("empty id must not resolve")
	}
	relay := Step{Kind: StepKindMessage, NextStep: "ask"}
	if !relay.IsRelay() {
		t.Error("message step with next step and no expected responses is a relay")
	}
	relay.ExpectedResponses = []ExpectedResponse{{Type: ResponseTypeAny}}
	if relay.IsRelay() {
		t.Error("expected responses make the step wait")
	}
}
