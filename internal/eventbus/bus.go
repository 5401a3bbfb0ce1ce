// Package eventbus implements the event bus: an append-only event log
// with consumer-group semantics backed by Redis streams
// (XADD/XREADGROUP/XACK/XGROUP CREATE).
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/J-Cake/certmaster/internal/job"
)

// streamClient is the slice of *redis.Client this package depends on,
// narrow enough that tests can substitute a fake without a live Redis
// server.
type streamClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

var _ streamClient = (*redis.Client)(nil)

// Bus adapts a single append-only stream to typed event publish/consume.
type Bus struct {
	client streamClient
	stream string
}

// New returns a Bus publishing to and consuming from the given stream key.
func New(client *redis.Client, stream string) *Bus {
	return &Bus{client: client, stream: stream}
}

// Message is one decoded-kind entry read off the stream, prior to
// payload decoding.
type Message struct {
	ID      string
	Kind    string
	Payload string
}

// Publish appends event to the stream. Publish is at-least-once:
// duplicates are possible on retry, by contract.
func (b *Bus) Publish(ctx context.Context, event job.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: encode %s: %w", event.Kind(), err)
	}

	_, err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		ID:     "*",
		Values: map[string]interface{}{event.Kind(): string(payload)},
	}).Result()
	if err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", event.Kind(), err)
	}
	return nil
}

// EnsureGroup creates the named consumer group at startOffset, tolerating
// "already exists".
func (b *Bus) EnsureGroup(ctx context.Context, group, startOffset string) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, group, startOffset).Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("eventbus: ensure group %s: %w", group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Consume issues a blocking read (BLOCK 0) against the group for the
// named consumer and returns whatever batch becomes available.
func (b *Bus) Consume(ctx context.Context, group, consumer string) ([]Message, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{b.stream, ">"},
		Block:    0,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("eventbus: consume: %w", err)
	}

	var msgs []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			for kind, v := range m.Values {
				payload, _ := v.(string)
				msgs = append(msgs, Message{ID: m.ID, Kind: kind, Payload: payload})
			}
		}
	}
	return msgs, nil
}

// Ack acknowledges the given offsets against group.
func (b *Bus) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, b.stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("eventbus: ack: %w", err)
	}
	return nil
}

// ErrUnknownKind is returned by Decode when a message's kind tag is not
// one of the four the codec and the worker's dispatch table agree on.
var ErrUnknownKind = errors.New("eventbus: unknown event kind")

// ErrCodec wraps any payload that fails to decode as its declared kind.
var ErrCodec = errors.New("eventbus: codec error")

// Decode interprets a Message's kind tag and decodes its payload into
// the matching job.Event implementation.
func Decode(m Message) (job.Event, error) {
	switch m.Kind {
	case job.KindNewCsr:
		var e job.NewCsr
		if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
			return nil, fmt.Errorf("%w: new-csr: %v", ErrCodec, err)
		}
		return e, nil
	case job.KindChallenge:
		var e job.PendingChallenge
		if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
			return nil, fmt.Errorf("%w: challenge: %v", ErrCodec, err)
		}
		return e, nil
	case job.KindJobProgress:
		var e job.JobProgress
		if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
			return nil, fmt.Errorf("%w: job-progress: %v", ErrCodec, err)
		}
		return e, nil
	case job.KindFinished:
		var e job.Completion
		if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
			return nil, fmt.Errorf("%w: finished: %v", ErrCodec, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
}
