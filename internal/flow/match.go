package flow

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/BTreeMap/CivicPipe/internal/models"
)

// LanguagePrefix marks a tapped element that switches the session language, for
// example "lang_hi".
const LanguagePrefix = "lang_"

// resetKeywords restart the conversation from trigger matching.
var resetKeywords = []string{"hi", "hii", "hello", "start", "restart", "menu", "namaste", "नमस्ते"}

// exitKeywords end the conversation with a goodbye. Hindi and Marathi forms included.
var exitKeywords = []string{"exit", "end", "quit", "stop", "bye", "goodbye", "समाप्त", "बंद", "अलविदा", "संपवा", "बाय"}

// NormalizeKeyword folds case, composes Unicode and collapses whitespace so that
// "  Book   Appointment" and "book appointment" compare equal.
func NormalizeKeyword(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return norm.NFC.String(cases.Fold().String(s))
}

// IsResetKeyword reports whether body asks to start over.
func IsResetKeyword(body string) bool {
	return isKeyword(body, resetKeywords)
}

// IsExitKeyword reports whether body asks to end the conversation.
func IsExitKeyword(body string) bool {
	return isKeyword(body, exitKeywords)
}

func isKeyword(body string, keywords []string) bool {
	n := NormalizeKeyword(body)
	if n == "" {
		return false
	}
	for _, k := range keywords {
		if n == NormalizeKeyword(k) {
			return true
		}
	}
	return false
}

// MatchTrigger returns the first trigger of doc that event satisfies.
func MatchTrigger(doc models.FlowDocument, event models.InboundEvent) (models.Trigger, bool) {
	body := NormalizeKeyword(event.Body)
	for _, t := range doc.Triggers {
		switch t.Type {
		case models.TriggerTypeKeyword:
			if body != "" && event.TappedElementID == "" && body == NormalizeKeyword(t.Value) {
				return t, true
			}
		case models.TriggerTypeButtonClick, models.TriggerTypeMenuSelection:
			if event.TappedElementID != "" && event.TappedElementID == t.Value {
				return t, true
			}
		}
	}
	return models.Trigger{}, false
}

// LanguageTap returns the language code of a "lang_<code>" tap.
func LanguageTap(tappedID string) (string, bool) {
	if !strings.HasPrefix(tappedID, LanguagePrefix) {
		return "", false
	}
	code := strings.TrimPrefix(tappedID, LanguagePrefix)
	return code, code != ""
}

// resolveOffered turns a typed option number or title into the tap it stands for.
// Events that already carry a tap are returned unchanged.
func resolveOffered(event models.InboundEvent, offered []models.OfferedOption) models.InboundEvent {
	if event.TappedElementID != "" || len(offered) == 0 {
		return event
	}
	body := strings.TrimSpace(event.Body)
	if body == "" {
		return event
	}
	if n, err := strconv.Atoi(body); err == nil {
		if n >= 1 && n <= len(offered) {
			event.TappedElementID = offered[n-1].ID
		}
		return event
	}
	want := NormalizeKeyword(body)
	for _, o := range offered {
		if NormalizeKeyword(o.Title) == want {
			event.TappedElementID = o.ID
			return event
		}
	}
	return event
}

// isOffered reports whether id was among the options of the last rendered message.
func isOffered(id string, offered []models.OfferedOption) bool {
	for _, o := range offered {
		if o.ID == id {
			return true
		}
	}
	return false
}

// matchExpected evaluates the step's expected responses in order and returns the
// destination of the first match. On steps that capture a value "any" is the
// destination after the value is stored, so it is skipped here.
func matchExpected(step *models.Step, event models.InboundEvent) (string, bool) {
	for _, r := range step.ExpectedResponses {
		switch r.Type {
		case models.ResponseTypeButtonClick, models.ResponseTypeListSelection:
			if event.TappedElementID != "" && event.TappedElementID == r.Value {
				return r.NextStepID, true
			}
		case models.ResponseTypeText:
			if event.TappedElementID == "" && strings.TrimSpace(event.Body) == r.Value {
				return r.NextStepID, true
			}
		case models.ResponseTypeAny:
			if capturesValue(step) {
				continue
			}
			return r.NextStepID, true
		}
	}
	return "", false
}

func capturesValue(step *models.Step) bool {
	return step.Kind == models.StepKindCollectInput || step.Kind == models.StepKindDynamicAvailability
}

// afterInput returns where a capturing step goes once its value is stored.
func afterInput(step *models.Step) string {
	for _, r := range step.ExpectedResponses {
		if r.Type == models.ResponseTypeAny {
			return r.NextStepID
		}
	}
	return step.NextStep
}

// matchElement finds a tapped button or list row that carries its own next step.
func matchElement(step *models.Step, tappedID string) (string, bool) {
	if tappedID == "" {
		return "", false
	}
	for _, b := range step.Content.Buttons {
		if b.ID == tappedID && b.NextStep != "" {
			return b.NextStep, true
		}
	}
	if step.Content.List != nil {
		for _, s := range step.Content.List.Sections {
			for _, r := range s.Rows {
				if r.ID == tappedID && r.NextStep != "" {
					return r.NextStep, true
				}
			}
		}
	}
	return "", false
}
