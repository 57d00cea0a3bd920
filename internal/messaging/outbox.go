package messaging

import (
	"context"
	"fmt"

	"github.com/BTreeMap/CivicPipe/internal/flow"
	"github.com/BTreeMap/CivicPipe/internal/store"
)

// NewOutboxSendFunc returns the outbox delivery function for svc. A payload that cannot
// be decoded keeps failing until the sender abandons it.
func NewOutboxSendFunc(svc Service) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		cmd, err := flow.DecodeCommand(msg)
		if err != nil {
			return err
		}
		if cmd.ParticipantID == "" {
			cmd.ParticipantID = msg.ParticipantID
		}
		if err := svc.Send(ctx, cmd); err != nil {
			return fmt.Errorf("outbox message %s: %w", msg.ID, err)
		}
		return nil
	}
}
