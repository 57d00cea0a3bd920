// Package util generates the identifiers stores assign to new records.
package util

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes of generated identifiers.
const (
	SessionIDPrefix = "s_"
	OutboxIDPrefix  = "outbox_"
)

// NewID returns prefix followed by the 32 lowercase hex digits of a random UUID.
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:])
}

// NewSessionID generates a conversation session id.
func NewSessionID() string {
	return NewID(SessionIDPrefix)
}

// NewOutboxID generates an outbox message id.
func NewOutboxID() string {
	return NewID(OutboxIDPrefix)
}
