package flow

import (
	"fmt"
	"log/slog"

	"golang.org/x/text/language"

	"github.com/BTreeMap/CivicPipe/internal/limits"
	"github.com/BTreeMap/CivicPipe/internal/models"
)

// validator accumulates issues for one document.
type validator struct {
	doc    models.FlowDocument
	langs  []string
	steps  map[string]int
	issues []Issue
}

func (v *validator) add(path, format string, args ...any) {
	v.issues = append(v.issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateDocument checks step id uniqueness, referential integrity, per-kind
// required content and the provider limits. It returns a *DocumentError listing
// every issue found, or nil.
func ValidateDocument(doc models.FlowDocument) error {
	v := &validator{doc: doc, steps: make(map[string]int)}
	v.settings()
	v.stepIDs()
	v.triggers()
	for i := range doc.Steps {
		v.step(i, &doc.Steps[i])
	}
	v.relayCycles()

	if len(v.issues) == 0 {
		return nil
	}
	slog.Debug("flow.ValidateDocument: rejected", "flowID", doc.ID, "issues", len(v.issues))
	return &DocumentError{FlowID: doc.ID, Issues: v.issues}
}

func (v *validator) settings() {
	if v.doc.ID == "" {
		v.add("id", "flow id is required")
	}
	s := v.doc.Settings
	if s.SessionTimeoutMinutes < 0 {
		v.add("settings.sessionTimeoutMinutes", "must not be negative")
	}
	def := s.DefaultLanguageOrDefault()
	if _, err := language.Parse(def); err != nil {
		v.add("settings.defaultLanguage", "%q is not a language tag", def)
	}
	v.langs = []string{def}
	for i, l := range s.SupportedLanguages {
		if _, err := language.Parse(l); err != nil {
			v.add(fmt.Sprintf("settings.supportedLanguages[%d]", i), "%q is not a language tag", l)
			continue
		}
		if l != def {
			v.langs = append(v.langs, l)
		}
	}
}

func (v *validator) stepIDs() {
	if len(v.doc.Steps) == 0 {
		v.add("steps", "at least one step is required")
	}
	for i, st := range v.doc.Steps {
		path := fmt.Sprintf("steps[%d].stepId", i)
		if st.ID == "" {
			v.add(path, "step id is required")
			continue
		}
		if prev, dup := v.steps[st.ID]; dup {
			v.add(path, "duplicate step id %q (also steps[%d])", st.ID, prev)
			continue
		}
		v.steps[st.ID] = i
	}
}

func (v *validator) ref(path, id string) {
	if id == "" {
		return
	}
	if _, ok := v.steps[id]; !ok {
		v.add(path, "unknown step %q", id)
	}
}

func (v *validator) triggers() {
	if len(v.doc.Triggers) == 0 {
		v.add("triggers", "at least one trigger is required")
	}
	seen := make(map[string]int)
	for i, t := range v.doc.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		if !models.IsValidTriggerType(t.Type) {
			v.add(path+".type", "unknown trigger type %q", t.Type)
		}
		if t.Value == "" {
			v.add(path+".value", "trigger value is required")
		}
		if t.StartStepID == "" {
			v.add(path+".startStepId", "start step is required")
		} else {
			v.ref(path+".startStepId", t.StartStepID)
		}
		key := triggerKey(t)
		if prev, dup := seen[key]; dup {
			v.add(path, "duplicates triggers[%d]", prev)
			continue
		}
		seen[key] = i
	}
}

// triggerKey identifies what a trigger listens for. Keyword values compare
// normalized; button and menu ids are matched the same way at runtime, by tap id.
func triggerKey(t models.Trigger) string {
	if t.Type == models.TriggerTypeKeyword {
		return "keyword:" + NormalizeKeyword(t.Value)
	}
	return "tap:" + t.Value
}

func (v *validator) text(path string, t models.LocalizedText, required bool) {
	if t.IsEmpty() {
		if required {
			v.add(path, "text is required")
		}
		return
	}
	for code, s := range t {
		if vi := limits.CheckLength("body", s, limits.MaxBodyLength); vi != nil {
			v.add(path+"."+code, "%s", vi.String())
		}
	}
}

func (v *validator) step(i int, st *models.Step) {
	path := fmt.Sprintf("steps[%d]", i)
	if !models.IsValidStepKind(st.Kind) {
		v.add(path+".type", "unknown step type %q", st.Kind)
		return
	}
	v.ref(path+".nextStep", st.NextStep)
	for j, r := range st.ExpectedResponses {
		rp := fmt.Sprintf("%s.expectedResponses[%d]", path, j)
		if !models.IsValidResponseType(r.Type) {
			v.add(rp+".type", "unknown response type %q", r.Type)
		} else if r.Type != models.ResponseTypeAny && r.Value == "" {
			v.add(rp+".value", "value is required for %s responses", r.Type)
		}
		v.ref(rp+".nextStepId", r.NextStepID)
	}

	switch st.Kind {
	case models.StepKindMessage:
		v.text(path+".content.text", st.Content.Text, true)
	case models.StepKindMedia:
		v.text(path+".content.text", st.Content.Text, false)
		if st.Content.MediaURL == "" {
			v.add(path+".content.mediaUrl", "media url is required")
		}
	case models.StepKindInteractiveButtons:
		v.text(path+".content.text", st.Content.Text, true)
		v.buttons(path+".content.buttons", st.Content.Buttons)
	case models.StepKindInteractiveList:
		v.text(path+".content.text", st.Content.Text, true)
		v.list(path+".content.list", st.Content.List)
	case models.StepKindCollectInput:
		v.text(path+".content.text", st.Content.Text, true)
		v.input(path+".inputConfig", st.Input)
	case models.StepKindDynamicAvailability:
		v.availability(path+".availabilityConfig", st.Availability)
	}
}

func (v *validator) buttons(path string, buttons []models.ButtonSpec) {
	if len(buttons) == 0 {
		v.add(path, "at least one button is required")
		return
	}
	ids := make(map[string]bool)
	for i, b := range buttons {
		bp := fmt.Sprintf("%s[%d]", path, i)
		if b.ID == "" {
			v.add(bp+".id", "button id is required")
		} else if ids[b.ID] {
			v.add(bp+".id", "duplicate button id %q", b.ID)
		}
		ids[b.ID] = true
		if b.Title.IsEmpty() {
			v.add(bp+".text", "button text is required")
		}
		v.ref(bp+".nextStep", b.NextStep)
	}
	def := v.doc.Settings.DefaultLanguageOrDefault()
	for _, lang := range v.langs {
		rendered := make([]models.Button, len(buttons))
		for i, b := range buttons {
			rendered[i] = models.Button{ID: b.ID, Title: b.Title.Resolve(lang, def)}
		}
		for _, vi := range limits.CheckButtons(rendered) {
			v.add(path, "%s (%s)", vi.String(), lang)
		}
	}
}

func (v *validator) list(path string, list *models.ListSpec) {
	if list == nil {
		v.add(path, "list is required")
		return
	}
	ids := make(map[string]bool)
	rows := 0
	for i, s := range list.Sections {
		for j, r := range s.Rows {
			rp := fmt.Sprintf("%s.sections[%d].rows[%d]", path, i, j)
			rows++
			if r.ID == "" {
				v.add(rp+".id", "row id is required")
			} else if ids[r.ID] {
				v.add(rp+".id", "duplicate row id %q", r.ID)
			}
			ids[r.ID] = true
			if r.Title.IsEmpty() {
				v.add(rp+".title", "row title is required")
			}
			v.ref(rp+".nextStep", r.NextStep)
		}
	}
	if rows == 0 {
		v.add(path+".sections", "at least one row is required")
		return
	}
	def := v.doc.Settings.DefaultLanguageOrDefault()
	for _, lang := range v.langs {
		for _, vi := range limits.CheckList(renderList(list, lang, def)) {
			v.add(path, "%s (%s)", vi.String(), lang)
		}
	}
}

func (v *validator) input(path string, in *models.InputConfig) {
	if in == nil {
		v.add(path, "input config is required")
		return
	}
	if in.SaveToField == "" {
		v.add(path+".saveToField", "saveToField is required")
	}
	if !models.IsValidInputType(in.InputType) {
		v.add(path+".inputType", "unknown input type %q", in.InputType)
	}
	if in.MinLength < 0 || in.MaxLength < 0 {
		v.add(path, "length bounds must not be negative")
	}
	if in.MinLength > 0 && in.MaxLength > 0 && in.MinLength > in.MaxLength {
		v.add(path, "minLength %d exceeds maxLength %d", in.MinLength, in.MaxLength)
	}
	if in.Validation != nil && in.Validation.Pattern != "" {
		if _, err := compilePattern(in.Validation.Pattern); err != nil {
			v.add(path+".validation.pattern", "invalid pattern: %v", err)
		}
	}
}

func (v *validator) availability(path string, cfg *models.AvailabilityConfig) {
	if cfg == nil {
		v.add(path, "availability config is required")
		return
	}
	if cfg.SaveToField == "" {
		v.add(path+".saveToField", "saveToField is required")
	}
	switch cfg.Mode {
	case models.AvailabilityModeDate, models.AvailabilityModeDateTime:
	case models.AvailabilityModeTime:
		if cfg.DateField == "" {
			v.add(path+".dateField", "dateField is required in time mode")
		}
	default:
		v.add(path+".type", "unknown availability type %q", cfg.Mode)
	}
	if cfg.DateRange.StartDays < 0 {
		v.add(path+".dateRange.startDays", "must not be negative")
	}
	if cfg.DateRange.EndDays > 0 && cfg.DateRange.EndDays <= cfg.DateRange.StartDays {
		v.add(path+".dateRange", "endDays must be greater than startDays")
	}
}

// relayCycles rejects message chains that would forward forever within one turn.
func (v *validator) relayCycles() {
	reported := make(map[string]bool)
	for i := range v.doc.Steps {
		start := &v.doc.Steps[i]
		if !start.IsRelay() || reported[start.ID] {
			continue
		}
		visited := map[string]bool{start.ID: true}
		cur := start
		for cur.IsRelay() {
			next, ok := v.doc.StepByID(cur.NextStep)
			if !ok {
				break
			}
			if visited[next.ID] {
				if !reported[next.ID] {
					reported[next.ID] = true
					v.add(fmt.Sprintf("steps[%d].nextStep", v.steps[cur.ID]), "message steps form a cycle through %q", next.ID)
				}
				break
			}
			visited[next.ID] = true
			cur = next
		}
	}
}

// CheckTriggerConflicts compares candidate against the other active flows of its
// tenant. A flow never conflicts with an older version of itself.
func CheckTriggerConflicts(candidate models.FlowDocument, active []models.FlowDocument) error {
	var conflicts []TriggerConflict
	for _, t := range candidate.Triggers {
		key := triggerKey(t)
		for _, other := range active {
			if other.ID == candidate.ID {
				continue
			}
			for _, ot := range other.Triggers {
				if triggerKey(ot) == key {
					conflicts = append(conflicts, TriggerConflict{
						Type:        string(t.Type),
						Value:       t.Value,
						FlowID:      candidate.ID,
						OtherFlowID: other.ID,
					})
				}
			}
		}
	}
	if len(conflicts) == 0 {
		return nil
	}
	return &TriggerConflictError{Conflicts: conflicts}
}
