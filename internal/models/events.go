package models

import "time"

// MediaAttachment is media received from a participant. Data may be empty when only
// the provider URL is known.
type MediaAttachment struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// InboundEvent is one message or tap delivered by a provider adapter.
type InboundEvent struct {
	TenantID        string           `json:"tenant_id"`
	ParticipantID   string           `json:"participant_id"`
	ProviderEventID string           `json:"provider_event_id"`
	Body            string           `json:"body,omitempty"`
	TappedElementID string           `json:"tapped_element_id,omitempty"`
	Media           *MediaAttachment `json:"media,omitempty"`
	Location        *Location        `json:"location,omitempty"`
	ReceivedAt      time.Time        `json:"received_at"`
}

// Button is a rendered quick-reply button.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListRow is a rendered list row.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListSection is a rendered list section.
type ListSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []ListRow `json:"rows"`
}

// ListMessage is a rendered list payload.
type ListMessage struct {
	ButtonText string        `json:"button_text"`
	Sections   []ListSection `json:"sections"`
}

// OutboundKind classifies an outbound command for adapters and the outbox.
type OutboundKind string

const (
	OutboundKindText    OutboundKind = "text"
	OutboundKindButtons OutboundKind = "buttons"
	OutboundKindList    OutboundKind = "list"
	OutboundKindMedia   OutboundKind = "media"
)

// OutboundCommand is a provider-neutral message to send.
type OutboundCommand struct {
	TenantID      string       `json:"tenant_id"`
	ParticipantID string       `json:"participant_id"`
	Text          string       `json:"text"`
	Buttons       []Button     `json:"buttons,omitempty"`
	List          *ListMessage `json:"list,omitempty"`
	MediaURL      string       `json:"media_url,omitempty"`
}

// Kind returns the shape of the command.
func (c OutboundCommand) Kind() OutboundKind {
	switch {
	case c.MediaURL != "":
		return OutboundKindMedia
	case c.List != nil && len(c.List.Sections) > 0:
		return OutboundKindList
	case len(c.Buttons) > 0:
		return OutboundKindButtons
	default:
		return OutboundKindText
	}
}

// Options flattens buttons and list rows into the choices a participant can pick.
func (c OutboundCommand) Options() []OfferedOption {
	var opts []OfferedOption
	for _, b := range c.Buttons {
		opts = append(opts, OfferedOption{ID: b.ID, Title: b.Title})
	}
	if c.List != nil {
		for _, s := range c.List.Sections {
			for _, r := range s.Rows {
				opts = append(opts, OfferedOption{ID: r.ID, Title: r.Title})
			}
		}
	}
	return opts
}
