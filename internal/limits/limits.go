// Package limits enforces the WhatsApp interactive message limits.
//
// Check functions report violations so a flow document can be rejected before
// activation. Clamp functions are applied at render time and shrink a payload the
// provider would otherwise bounce.
package limits

import (
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/BTreeMap/CivicPipe/internal/models"
)

// WhatsApp Cloud API limits. Lengths count characters, not bytes.
const (
	MaxButtons            = 3
	MaxButtonTitle        = 20
	MaxListSections       = 10
	MaxListRows           = 10
	MaxListRowTitle       = 24
	MaxListRowDescription = 72
	MaxListSectionTitle   = 24
	MaxListButtonText     = 20
	MaxBodyLength         = 4096
)

// Media size limits in bytes.
const (
	MaxImageBytes    = 5 * 1024 * 1024
	MaxDocumentBytes = 100 * 1024 * 1024
)

const ellipsis = "..."

// Violation describes one limit breach.
type Violation struct {
	Field  string `json:"field"`
	Limit  int    `json:"limit"`
	Actual int    `json:"actual"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %d exceeds limit of %d", v.Field, v.Actual, v.Limit)
}

// CheckLength reports a violation when s is longer than max characters.
func CheckLength(field, s string, max int) *Violation {
	n := utf8.RuneCountInString(s)
	if n <= max {
		return nil
	}
	return &Violation{Field: field, Limit: max, Actual: n}
}

// CheckBody checks a message body.
func CheckBody(body string) []Violation {
	return collect(CheckLength("body", body, MaxBodyLength))
}

// CheckButtons checks a quick-reply button set.
func CheckButtons(buttons []models.Button) []Violation {
	var out []Violation
	if len(buttons) > MaxButtons {
		out = append(out, Violation{Field: "buttons", Limit: MaxButtons, Actual: len(buttons)})
	}
	for i, b := range buttons {
		out = append(out, collect(CheckLength(fmt.Sprintf("buttons[%d].title", i), b.Title, MaxButtonTitle))...)
	}
	return out
}

// CheckList checks a list message.
func CheckList(list *models.ListMessage) []Violation {
	if list == nil {
		return nil
	}
	var out []Violation
	out = append(out, collect(CheckLength("list.buttonText", list.ButtonText, MaxListButtonText))...)
	if len(list.Sections) > MaxListSections {
		out = append(out, Violation{Field: "list.sections", Limit: MaxListSections, Actual: len(list.Sections)})
	}
	total := 0
	for i, s := range list.Sections {
		out = append(out, collect(CheckLength(fmt.Sprintf("list.sections[%d].title", i), s.Title, MaxListSectionTitle))...)
		if len(s.Rows) > MaxListRows {
			out = append(out, Violation{Field: fmt.Sprintf("list.sections[%d].rows", i), Limit: MaxListRows, Actual: len(s.Rows)})
		}
		total += len(s.Rows)
		for j, r := range s.Rows {
			out = append(out, collect(
				CheckLength(fmt.Sprintf("list.sections[%d].rows[%d].title", i, j), r.Title, MaxListRowTitle),
				CheckLength(fmt.Sprintf("list.sections[%d].rows[%d].description", i, j), r.Description, MaxListRowDescription),
			)...)
		}
	}
	if total > MaxListRows && len(list.Sections) > 1 {
		out = append(out, Violation{Field: "list.rows", Limit: MaxListRows, Actual: total})
	}
	return out
}

// CheckCommand checks every part of an outbound command.
func CheckCommand(cmd models.OutboundCommand) []Violation {
	var out []Violation
	out = append(out, CheckBody(cmd.Text)...)
	out = append(out, CheckButtons(cmd.Buttons)...)
	out = append(out, CheckList(cmd.List)...)
	return out
}

// Truncate shortens s to max characters, ending with "..." when cut.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return string([]rune(s)[:max])
	}
	return string([]rune(s)[:max-len(ellipsis)]) + ellipsis
}

// ClampCommand returns a copy of cmd that fits every limit. Overflow buttons and
// rows are dropped and long strings truncated. The violations found are returned
// so callers can log them.
func ClampCommand(cmd models.OutboundCommand) (models.OutboundCommand, []Violation) {
	violations := CheckCommand(cmd)
	if len(violations) == 0 {
		return cmd, nil
	}

	out := cmd
	out.Text = Truncate(cmd.Text, MaxBodyLength)

	if len(cmd.Buttons) > 0 {
		n := len(cmd.Buttons)
		if n > MaxButtons {
			n = MaxButtons
		}
		out.Buttons = make([]models.Button, n)
		for i := 0; i < n; i++ {
			out.Buttons[i] = models.Button{ID: cmd.Buttons[i].ID, Title: Truncate(cmd.Buttons[i].Title, MaxButtonTitle)}
		}
	}

	if cmd.List != nil {
		list := &models.ListMessage{ButtonText: Truncate(cmd.List.ButtonText, MaxListButtonText)}
		remaining := MaxListRows
		for i, s := range cmd.List.Sections {
			if i >= MaxListSections || remaining == 0 {
				break
			}
			section := models.ListSection{Title: Truncate(s.Title, MaxListSectionTitle)}
			for _, r := range s.Rows {
				if remaining == 0 {
					break
				}
				section.Rows = append(section.Rows, models.ListRow{
					ID:          r.ID,
					Title:       Truncate(r.Title, MaxListRowTitle),
					Description: Truncate(r.Description, MaxListRowDescription),
				})
				remaining--
			}
			list.Sections = append(list.Sections, section)
		}
		out.List = list
	}

	slog.Warn("limits.ClampCommand: outbound payload exceeded provider limits",
		"participantID", cmd.ParticipantID, "violations", len(violations), "first", violations[0].String())
	return out, violations
}

func collect(vs ...*Violation) []Violation {
	var out []Violation
	for _, v := range vs {
		if v != nil {
			out = append(out, *v)
		}
	}
	return out
}
