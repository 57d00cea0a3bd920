package flow

import (
	"fmt"
	"strings"
)

// Issue is one problem found in a flow document. Path points at the offending element,
// for example "steps[2].content.buttons[0].id".
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// DocumentError is returned when a flow document fails validation. A document with
// issues is never stored as active and never routed.
type DocumentError struct {
	FlowID string  `json:"flow_id"`
	Issues []Issue `json:"issues"`
}

func (e *DocumentError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("flow %q is invalid: %s", e.FlowID, e.Issues[0])
	}
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.String()
	}
	return fmt.Sprintf("flow %q has %d issues: %s", e.FlowID, len(e.Issues), strings.Join(parts, "; "))
}

// TriggerConflict names a trigger claimed by two active flows of one tenant.
type TriggerConflict struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	FlowID      string `json:"flow_id"`
	OtherFlowID string `json:"other_flow_id"`
}

// TriggerConflictError blocks activation of a flow whose triggers collide with an
// already active flow.
type TriggerConflictError struct {
	Conflicts []TriggerConflict `json:"conflicts"`
}

func (e *TriggerConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = fmt.Sprintf("%s %q is already used by flow %q", c.Type, c.Value, c.OtherFlowID)
	}
	return "trigger conflict: " + strings.Join(parts, "; ")
}

// ConflictingFlows returns the distinct ids of the already active flows involved.
func (e *TriggerConflictError) ConflictingFlows() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range e.Conflicts {
		if !seen[c.OtherFlowID] {
			seen[c.OtherFlowID] = true
			out = append(out, c.OtherFlowID)
		}
	}
	return out
}

// InputError reports a collected value that failed validation. Message is shown to
// the participant before the step is asked again.
type InputError struct {
	Field   string
	Reason  string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input for %s (%s): %s", e.Field, e.Reason, e.Message)
}
