package flow

import (
	"regexp"

	"github.com/BTreeMap/CivicPipe/internal/models"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.\-]+)\}`)

// Substitute replaces {field} placeholders with collected values. Placeholders for
// fields that were never collected are left as written.
func Substitute(text string, fields map[string]models.FieldValue) string {
	if len(fields) == 0 {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := fields[name]; ok {
			return v.String()
		}
		return m
	})
}
