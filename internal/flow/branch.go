package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/CivicPipe/internal/models"
)

// OptionFormat renders one numbered choice for transports without interactive
// messages. A reply with the number is resolved back to the option id.
const OptionFormat = "\n%d. %s"

// RenderPlainText flattens buttons and list rows into a numbered list appended to the
// body.
func RenderPlainText(cmd models.OutboundCommand) string {
	opts := cmd.Options()
	if len(opts) == 0 {
		return cmd.Text
	}
	var sb strings.Builder
	sb.WriteString(cmd.Text)
	if cmd.Text != "" {
		sb.WriteString("\n")
	}
	for i, opt := range opts {
		sb.WriteString(fmt.Sprintf(OptionFormat, i+1, opt.Title))
	}
	if cmd.Kind() == models.OutboundKindList {
		sb.WriteString("\n\nReply with a number to choose.")
	}
	return sb.String()
}
