package messaging

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CivicPipe/internal/flow"
	"github.com/BTreeMap/CivicPipe/internal/models"
)

// DefaultDispatchWorkers is the number of concurrent event workers.
const DefaultDispatchWorkers = 8

// EventHandler processes one inbound event. *flow.Engine implements it.
type EventHandler interface {
	Handle(ctx context.Context, event models.InboundEvent) (flow.HandleResult, error)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the number of workers. Values below one are ignored.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithNotify registers fn to run after an event queued outbound messages, typically
// OutboxSender.Notify.
func WithNotify(fn func()) DispatcherOption {
	return func(d *Dispatcher) { d.notify = fn }
}

// Dispatcher pumps a service's inbound events into an EventHandler. Events of one
// participant always go to the same worker, so they are handled in arrival order while
// different participants proceed in parallel.
type Dispatcher struct {
	svc     Service
	handler EventHandler
	workers int
	notify  func()
}

// NewDispatcher creates a dispatcher for svc.
func NewDispatcher(svc Service, handler EventHandler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{svc: svc, handler: handler, workers: DefaultDispatchWorkers}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run dispatches events until the events channel closes or ctx is cancelled. Queued
// events are drained before it returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Dispatcher starting", "workers", d.workers)
	defer slog.Info("Dispatcher stopped")

	queues := make([]chan models.InboundEvent, d.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range queues {
		q := make(chan models.InboundEvent, DefaultChannelBufferSize)
		queues[i] = q
		g.Go(func() error {
			for event := range q {
				d.dispatch(gctx, event)
			}
			return nil
		})
	}

	events := d.svc.Events()
loop:
	for {
		select {
		case event, ok := <-events:
			if !ok {
				slog.Debug("Dispatcher events channel closed")
				break loop
			}
			queues[shard(event, d.workers)] <- event
		case <-ctx.Done():
			break loop
		}
	}
	for _, q := range queues {
		close(q)
	}
	return g.Wait()
}

func shard(event models.InboundEvent, n int) int {
	h := fnv.New32a()
	h.Write([]byte(models.SessionKey(event.TenantID, event.ParticipantID)))
	return int(h.Sum32() % uint32(n))
}

// dispatch handles one event. A panic is logged and the event is left unprocessed so a
// provider redelivery can retry it.
func (d *Dispatcher) dispatch(ctx context.Context, event models.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher recovered from panic", "participant", event.ParticipantID, "event", event.ProviderEventID, "panic", fmt.Sprint(r))
		}
	}()
	res, err := d.handler.Handle(ctx, event)
	if err != nil {
		slog.Error("Dispatcher failed to handle event", "participant", event.ParticipantID, "event", event.ProviderEventID, "error", err)
		return
	}
	if res.Duplicate {
		slog.Debug("Dispatcher skipped duplicate event", "event", event.ProviderEventID)
		return
	}
	slog.Debug("Dispatcher handled event", "participant", event.ParticipantID, "flow", res.FlowID, "outbound", len(res.Outbound))
	if len(res.Outbound) > 0 && d.notify != nil {
		d.notify()
	}
}
