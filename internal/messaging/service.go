// Package messaging connects chat transports to the flow engine.
//
// A Service delivers provider-neutral outbound commands and publishes inbound events
// and delivery receipts on channels. The Dispatcher feeds inbound events to the
// engine; the outbox send function delivers what the engine queued.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/CivicPipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer of the event and receipt channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an emit waits on a full channel.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by Send after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service is a pluggable chat transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient turns a provider address into the participant id
	// used for sessions ("+919800000001").
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers one outbound command.
	Send(ctx context.Context, cmd models.OutboundCommand) error

	// Start begins receiving events.
	Start(ctx context.Context) error

	// Stop stops receiving and closes the channels.
	Stop() error

	// Receipts returns delivery receipts.
	Receipts() <-chan models.Receipt

	// Events returns inbound messages and taps.
	Events() <-chan models.InboundEvent
}

var nonDigits = regexp.MustCompile(`[^0-9]`)

// CanonicalizePhone strips everything but digits and returns the number in "+<digits>"
// form. At least six digits are required.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := nonDigits.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	return "+" + digits, nil
}

// channels holds a service's outgoing event and receipt channels. Emits hold the read
// lock so close never races a send.
type channels struct {
	mu       sync.RWMutex
	stopped  bool
	receipts chan models.Receipt
	events   chan models.InboundEvent
}

func newChannels() *channels {
	return &channels{
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		events:   make(chan models.InboundEvent, DefaultChannelBufferSize),
	}
}

func (c *channels) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// emitEvent reports false when the event was dropped.
func (c *channels) emitEvent(e models.InboundEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return false
	}
	select {
	case c.events <- e:
		return true
	case <-time.After(DefaultChannelTimeout):
		return false
	}
}

func (c *channels) emitReceipt(r models.Receipt) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return false
	}
	select {
	case c.receipts <- r:
		return true
	case <-time.After(DefaultChannelTimeout):
		return false
	}
}

// close is idempotent.
func (c *channels) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.receipts)
	close(c.events)
}
