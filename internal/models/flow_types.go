// Package models defines flow document types shared by the router, validator and stores.
package models

import "strings"

// TriggerType is the kind of inbound signal that can start a conversation.
type TriggerType string

// StepKind identifies which executor renders a step.
type StepKind string

// ResponseType is the kind of inbound signal an expected response matches.
type ResponseType string

// InputType constrains the shape of a collected value.
type InputType string

// AvailabilityMode selects what a dynamic availability step offers.
type AvailabilityMode string

// Trigger type constants.
const (
	TriggerTypeKeyword       TriggerType = "keyword"
	TriggerTypeButtonClick   TriggerType = "button_click"
	TriggerTypeMenuSelection TriggerType = "menu_selection"
)

// Step kind constants.
const (
	StepKindMessage             StepKind = "message"
	StepKindInteractiveButtons  StepKind = "interactive_buttons"
	StepKindInteractiveList     StepKind = "interactive_list"
	StepKindCollectInput        StepKind = "collect_input"
	StepKindDynamicAvailability StepKind = "dynamic_availability"
	StepKindMedia               StepKind = "media"
)

// StepKinds lists every step kind, in declaration order.
var StepKinds = []StepKind{
	StepKindMessage,
	StepKindInteractiveButtons,
	StepKindInteractiveList,
	StepKindCollectInput,
	StepKindDynamicAvailability,
	StepKindMedia,
}

// Expected response type constants.
const (
	ResponseTypeButtonClick   ResponseType = "button_click"
	ResponseTypeListSelection ResponseType = "list_selection"
	ResponseTypeText          ResponseType = "text"
	ResponseTypeAny           ResponseType = "any"
)

// Input type constants.
const (
	InputTypeText     InputType = "text"
	InputTypeNumber   InputType = "number"
	InputTypeEmail    InputType = "email"
	InputTypePhone    InputType = "phone"
	InputTypeDate     InputType = "date"
	InputTypeImage    InputType = "image"
	InputTypeDocument InputType = "document"
	InputTypeLocation InputType = "location"
)

// Availability mode constants.
const (
	AvailabilityModeDate     AvailabilityMode = "date"
	AvailabilityModeTime     AvailabilityMode = "time"
	AvailabilityModeDateTime AvailabilityMode = "datetime"
)

// Flow settings defaults.
const (
	DefaultSessionTimeoutMinutes = 30
	DefaultErrorFallbackMessage  = "We encountered an error. Please try again."
	DefaultGoodbyeMessage        = "Thank you for contacting us. Send \"hi\" anytime to start again."
	DefaultLanguage              = "en"
)

// IsValidStepKind reports whether k is a known step kind.
func IsValidStepKind(k StepKind) bool {
	for _, known := range StepKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsValidTriggerType reports whether t is a known trigger type.
func IsValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerTypeKeyword, TriggerTypeButtonClick, TriggerTypeMenuSelection:
		return true
	}
	return false
}

// IsValidResponseType reports whether t is a known expected response type.
func IsValidResponseType(t ResponseType) bool {
	switch t {
	case ResponseTypeButtonClick, ResponseTypeListSelection, ResponseTypeText, ResponseTypeAny:
		return true
	}
	return false
}

// IsValidInputType reports whether t is a known input type. Empty means text.
func IsValidInputType(t InputType) bool {
	switch t {
	case "", InputTypeText, InputTypeNumber, InputTypeEmail, InputTypePhone, InputTypeDate,
		InputTypeImage, InputTypeDocument, InputTypeLocation:
		return true
	}
	return false
}

// LocalizedText maps a language code to text.
type LocalizedText map[string]string

// Resolve returns the text for lang, falling back to fallback, then English, then
// any non-empty entry in a stable order.
func (t LocalizedText) Resolve(lang, fallback string) string {
	if len(t) == 0 {
		return ""
	}
	for _, code := range []string{lang, fallback, DefaultLanguage} {
		if code == "" {
			continue
		}
		if s, ok := t[code]; ok && s != "" {
			return s
		}
	}
	best := ""
	for code, s := range t {
		if s == "" {
			continue
		}
		if best == "" || code < best {
			best = code
		}
	}
	return t[best]
}

// IsEmpty reports whether no language carries non-blank text.
func (t LocalizedText) IsEmpty() bool {
	for _, s := range t {
		if strings.TrimSpace(s) != "" {
			return false
		}
	}
	return true
}

// FlowDocument is an immutable, versioned conversation definition for one tenant.
type FlowDocument struct {
	ID       string       `json:"id" yaml:"id"`
	TenantID string       `json:"tenantId" yaml:"tenantId"`
	Version  int          `json:"version" yaml:"version"`
	Name     string       `json:"name,omitempty" yaml:"name,omitempty"`
	Triggers []Trigger    `json:"triggers" yaml:"triggers"`
	Steps    []Step       `json:"steps" yaml:"steps"`
	Settings FlowSettings `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// FlowSettings holds per-flow runtime knobs.
type FlowSettings struct {
	SessionTimeoutMinutes int           `json:"sessionTimeoutMinutes,omitempty" yaml:"sessionTimeoutMinutes,omitempty"`
	ErrorFallbackMessage  string        `json:"errorFallbackMessage,omitempty" yaml:"errorFallbackMessage,omitempty"`
	DefaultLanguage       string        `json:"defaultLanguage,omitempty" yaml:"defaultLanguage,omitempty"`
	SupportedLanguages    []string      `json:"supportedLanguages,omitempty" yaml:"supportedLanguages,omitempty"`
	// GoodbyeMessage is sent when the participant ends the conversation with an exit word.
	GoodbyeMessage        LocalizedText `json:"goodbyeMessage,omitempty" yaml:"goodbyeMessage,omitempty"`
}

// SessionTimeoutMinutesOrDefault returns the idle timeout in minutes.
func (s FlowSettings) SessionTimeoutMinutesOrDefault() int {
	if s.SessionTimeoutMinutes > 0 {
		return s.SessionTimeoutMinutes
	}
	return DefaultSessionTimeoutMinutes
}

// ErrorFallbackMessageOrDefault returns the message sent when a step cannot be executed.
func (s FlowSettings) ErrorFallbackMessageOrDefault() string {
	if s.ErrorFallbackMessage != "" {
		return s.ErrorFallbackMessage
	}
	return DefaultErrorFallbackMessage
}

// GoodbyeMessageFor returns the goodbye text in lang.
func (s FlowSettings) GoodbyeMessageFor(lang string) string {
	if msg := s.GoodbyeMessage.Resolve(lang, s.DefaultLanguage); msg != "" {
		return msg
	}
	return DefaultGoodbyeMessage
}

// DefaultLanguageOrDefault returns the flow's default language.
func (s FlowSettings) DefaultLanguageOrDefault() string {
	if s.DefaultLanguage != "" {
		return s.DefaultLanguage
	}
	return DefaultLanguage
}

// SupportsLanguage reports whether code is one of the flow's languages.
func (s FlowSettings) SupportsLanguage(code string) bool {
	if code == s.DefaultLanguageOrDefault() {
		return true
	}
	for _, l := range s.SupportedLanguages {
		if l == code {
			return true
		}
	}
	return false
}

// Trigger starts a session at StartStepID when an inbound signal matches.
type Trigger struct {
	Type        TriggerType `json:"type" yaml:"type"`
	Value       string      `json:"value" yaml:"value"`
	StartStepID string      `json:"startStepId" yaml:"startStepId"`
}

// Step is one node of the conversation. Kind selects which optional config is used.
type Step struct {
	ID                string              `json:"stepId" yaml:"stepId"`
	Kind              StepKind            `json:"type" yaml:"type"`
	Content           StepContent         `json:"content" yaml:"content"`
	NextStep          string              `json:"nextStep,omitempty" yaml:"nextStep,omitempty"`
	ExpectedResponses []ExpectedResponse  `json:"expectedResponses,omitempty" yaml:"expectedResponses,omitempty"`
	Input             *InputConfig        `json:"inputConfig,omitempty" yaml:"inputConfig,omitempty"`
	Availability      *AvailabilityConfig `json:"availabilityConfig,omitempty" yaml:"availabilityConfig,omitempty"`
}

// IsRelay reports whether the step forwards to its next step in the same turn.
func (s Step) IsRelay() bool {
	return s.Kind == StepKindMessage && len(s.ExpectedResponses) == 0 && s.NextStep != ""
}

// StepContent is the renderable part of a step.
type StepContent struct {
	Text     LocalizedText `json:"text,omitempty" yaml:"text,omitempty"`
	Buttons  []ButtonSpec  `json:"buttons,omitempty" yaml:"buttons,omitempty"`
	List     *ListSpec     `json:"list,omitempty" yaml:"list,omitempty"`
	MediaURL string        `json:"mediaUrl,omitempty" yaml:"mediaUrl,omitempty"`
}

// ButtonSpec is an authored quick-reply button.
type ButtonSpec struct {
	ID       string        `json:"id" yaml:"id"`
	Title    LocalizedText `json:"text" yaml:"text"`
	NextStep string        `json:"nextStep,omitempty" yaml:"nextStep,omitempty"`
}

// ListSpec is an authored list message.
type ListSpec struct {
	ButtonText LocalizedText     `json:"buttonText,omitempty" yaml:"buttonText,omitempty"`
	Sections   []ListSectionSpec `json:"sections" yaml:"sections"`
}

// ListSectionSpec groups list rows under a title.
type ListSectionSpec struct {
	Title LocalizedText `json:"title,omitempty" yaml:"title,omitempty"`
	Rows  []ListRowSpec `json:"rows" yaml:"rows"`
}

// ListRowSpec is one selectable list row.
type ListRowSpec struct {
	ID          string        `json:"id" yaml:"id"`
	Title       LocalizedText `json:"title" yaml:"title"`
	Description LocalizedText `json:"description,omitempty" yaml:"description,omitempty"`
	NextStep    string        `json:"nextStep,omitempty" yaml:"nextStep,omitempty"`
}

// ExpectedResponse maps a qualifying inbound signal to the next step.
// An empty NextStepID ends the session.
type ExpectedResponse struct {
	Type       ResponseType `json:"type" yaml:"type"`
	Value      string       `json:"value,omitempty" yaml:"value,omitempty"`
	NextStepID string       `json:"nextStepId,omitempty" yaml:"nextStepId,omitempty"`
}

// InputConfig configures a collect_input step.
type InputConfig struct {
	InputType   InputType        `json:"inputType,omitempty" yaml:"inputType,omitempty"`
	SaveToField string           `json:"saveToField" yaml:"saveToField"`
	Required    bool             `json:"required,omitempty" yaml:"required,omitempty"`
	MinLength   int              `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength   int              `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Placeholder LocalizedText    `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	Validation  *InputValidation `json:"validation,omitempty" yaml:"validation,omitempty"`
}

// InputValidation adds an author-defined check to a text input. Pattern is a Go
// regular expression matched against the trimmed reply. ErrorMessage replaces the
// built-in text of any shape, length or pattern failure.
type InputValidation struct {
	Pattern      string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`
}

// DateRange bounds the offered days relative to now.
type DateRange struct {
	StartDays int `json:"startDays" yaml:"startDays"`
	EndDays   int `json:"endDays" yaml:"endDays"`
}

// TimeSlotFilter selects which periods of the day are offered.
type TimeSlotFilter struct {
	ShowMorning   bool `json:"showMorning" yaml:"showMorning"`
	ShowAfternoon bool `json:"showAfternoon" yaml:"showAfternoon"`
	ShowEvening   bool `json:"showEvening" yaml:"showEvening"`
}

// AvailabilityConfig configures a dynamic_availability step.
type AvailabilityConfig struct {
	Mode         AvailabilityMode `json:"type" yaml:"type"`
	DateRange    DateRange        `json:"dateRange" yaml:"dateRange"`
	TimeSlots    *TimeSlotFilter  `json:"timeSlots,omitempty" yaml:"timeSlots,omitempty"`
	SaveToField  string           `json:"saveToField" yaml:"saveToField"`
	DepartmentID string           `json:"departmentId,omitempty" yaml:"departmentId,omitempty"`
	// DateField names the collected field holding the chosen date in time mode.
	DateField  string `json:"dateField,omitempty" yaml:"dateField,omitempty"`
	SliceSlots bool   `json:"sliceSlots,omitempty" yaml:"sliceSlots,omitempty"`
}

// Shows reports whether a period is requested. A nil filter shows every period.
func (c AvailabilityConfig) Shows(p Period) bool {
	if c.TimeSlots == nil {
		return true
	}
	switch p {
	case PeriodMorning:
		return c.TimeSlots.ShowMorning
	case PeriodAfternoon:
		return c.TimeSlots.ShowAfternoon
	case PeriodEvening:
		return c.TimeSlots.ShowEvening
	}
	return false
}

// StepByID returns the step with the given id.
func (d *FlowDocument) StepByID(id string) (*Step, bool) {
	if id == "" {
		return nil, false
	}
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}
