// Package worker implements the worker loop: a single consumer
// group reads every event kind off the shared stream and dispatches
// each to the job state machine.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/J-Cake/certmaster/internal/eventbus"
	"github.com/J-Cake/certmaster/internal/job"
	"github.com/J-Cake/certmaster/internal/store"
	"github.com/J-Cake/certmaster/internal/xlog"
)

// group is the single consumer group every worker joins. The original
// reads all four event kinds off one stream under one group name rather
// than splitting by kind, which preserves delivery ordering across
// kinds for the same serial; splitting into per-kind groups would give
// that up, so this stays as the inherited behavior.
const group = "new-csr"

// startOffset means "replay the whole stream from its first entry" on
// group creation: a producer can publish before any worker has ever
// run, and that backlog must still be delivered once a worker creates
// the group, not silently skipped.
const startOffset = "0"

// counterKey names the Store counter this package increments to derive
// a unique consumer name per worker process.
const counterKey = "new-csr-worker"

// Worker owns no state beyond the names it was constructed with; all
// progress lives in the store and the stream itself.
type Worker struct {
	Bus      *eventbus.Bus
	Handlers *job.Handlers
	Log      xlog.Logger

	consumer string
}

// deriveConsumerName increments the shared counter to get a short,
// ordered consumer name. If the counter itself cannot be read (the
// stream and group may still be perfectly reachable; INCR can fail on
// its own, e.g. if "new-csr-worker" was ever written as a
// non-integer), it falls back to a uuid suffix rather than refuse to
// start: two workers never need the same pending-entry owner, no
// ordering property of the name itself is relied on elsewhere.
func deriveConsumerName(ctx context.Context, s *store.Store, log xlog.Logger) string {
	n, err := s.Incr(ctx, counterKey)
	if err == nil {
		return fmt.Sprintf("worker-%d", n)
	}

	log.Warn("consumer counter unavailable, falling back to a random name", "err", err)
	return fmt.Sprintf("worker-%s", uuid.NewString())
}

// New derives this worker's unique consumer name from store's counter
// and ensures the shared group exists.
func New(ctx context.Context, s *store.Store, bus *eventbus.Bus, handlers *job.Handlers, log xlog.Logger) (*Worker, error) {
	w := &Worker{
		Bus:      bus,
		Handlers: handlers,
		Log:      log,
		consumer: deriveConsumerName(ctx, s, log),
	}

	if err := bus.EnsureGroup(ctx, group, startOffset); err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	return w, nil
}

// Run blocks, consuming and dispatching events until ctx is cancelled.
// Every consumed offset is acknowledged whether or not its handler
// succeeds: redelivery on a crash only duplicates work,
// it never recovers a permanently-failed message, so holding an offset
// back buys nothing and risks wedging the group on a poison message.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := w.Bus.Consume(ctx, group, w.consumer)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.Log.Error("consume failed, retrying", "err", err)
			continue
		}

		for _, m := range msgs {
			w.handle(ctx, m)
		}
	}
}

func (w *Worker) handle(ctx context.Context, m eventbus.Message) {
	defer func() {
		if err := w.Bus.Ack(ctx, group, m.ID); err != nil {
			w.Log.Error("ack failed", "offset", m.ID, "err", err)
		}
	}()

	event, err := eventbus.Decode(m)
	if err != nil {
		if errors.Is(err, eventbus.ErrUnknownKind) {
			w.Log.Warn("skipping unknown event kind", "offset", m.ID, "kind", m.Kind)
			return
		}
		w.Log.Error("discarding malformed event", "offset", m.ID, "kind", m.Kind, "err", err)
		return
	}

	if err := w.Handlers.Dispatch(ctx, event); err != nil {
		if errors.Is(err, job.ErrStateGate) {
			w.Log.Warn("state gate rejected event", "offset", m.ID, "kind", m.Kind, "err", err)
			return
		}
		w.Log.Error("handler failed", "offset", m.ID, "kind", m.Kind, "err", err)
	}
}
