// Package models defines conversation session structures.
package models

import (
	"fmt"
	"strconv"
	"time"
)

// Location is a shared geographic point.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// FieldValue is one collected answer. Exactly one of Text or Location is set.
type FieldValue struct {
	Text     string    `json:"text,omitempty"`
	Location *Location `json:"location,omitempty"`
}

// TextValue wraps a plain string answer.
func TextValue(s string) FieldValue {
	return FieldValue{Text: s}
}

// String renders the value for placeholder substitution.
func (v FieldValue) String() string {
	if v.Location != nil {
		return strconv.FormatFloat(v.Location.Latitude, 'f', 6, 64) + "," +
			strconv.FormatFloat(v.Location.Longitude, 'f', 6, 64)
	}
	return v.Text
}

// OfferedOption is an interactive choice shown in the last rendered message.
// It lets a typed number or title stand in for a tap.
type OfferedOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ConversationSession is one participant's live progress through a flow.
// Version is incremented on every committed write.
type ConversationSession struct {
	ID              string                `json:"id"`
	TenantID        string                `json:"tenant_id"`
	ParticipantID   string                `json:"participant_id"`
	FlowID          string                `json:"flow_id"`
	FlowVersion     int                   `json:"flow_version"`
	CurrentStepID   string                `json:"current_step_id"`
	CollectedFields map[string]FieldValue `json:"collected_fields,omitempty"`
	Language        string                `json:"language,omitempty"`
	Offered         []OfferedOption       `json:"offered,omitempty"`
	PendingDate     string                `json:"pending_date,omitempty"`
	Version         int64                 `json:"version"`
	CreatedAt       time.Time             `json:"created_at"`
	LastActivityAt  time.Time             `json:"last_activity_at"`
}

// Key returns the partition key of the session.
func (s *ConversationSession) Key() string {
	return SessionKey(s.TenantID, s.ParticipantID)
}

// SessionKey builds the (tenant, participant) partition key.
func SessionKey(tenantID, participantID string) string {
	return fmt.Sprintf("%s:%s", tenantID, participantID)
}

// Clone returns a deep copy so a routing call never mutates its input.
func (s *ConversationSession) Clone() *ConversationSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.CollectedFields != nil {
		c.CollectedFields = make(map[string]FieldValue, len(s.CollectedFields))
		for k, v := range s.CollectedFields {
			if v.Location != nil {
				loc := *v.Location
				v.Location = &loc
			}
			c.CollectedFields[k] = v
		}
	}
	if s.Offered != nil {
		c.Offered = append([]OfferedOption(nil), s.Offered...)
	}
	return &c
}

// SetField stores a collected value.
func (s *ConversationSession) SetField(name string, v FieldValue) {
	if s.CollectedFields == nil {
		s.CollectedFields = make(map[string]FieldValue)
	}
	s.CollectedFields[name] = v
}

// Expired reports whether the session has been idle longer than timeout.
func (s *ConversationSession) Expired(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(s.LastActivityAt) > timeout
}
