// Package bus is the at-least-once event distribution layer between the
// event store and downstream consumers such as the projection engine.
// Delivery guarantees: a published event reaches every durable consumer at
// least once; consumers that keep failing see the event up to MaxDeliver
// times before it is parked.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/intentforge/core/pkg/contracts"
)

// Envelope is the wire form of one published event.
type Envelope struct {
	AggregateID string `json:"aggregate_id"`
	Sequence    int64  `json:"sequence"`
	EventType   string `json:"event_type"`
	Event       []byte `json:"event"`
}

// EncodeEvent wraps a store event for publication.
func EncodeEvent(ev *contracts.Event) (Envelope, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode event %s/%d: %w", ev.AggregateID, ev.SequenceNumber, err)
	}
	return Envelope{
		AggregateID: ev.AggregateID,
		Sequence:    ev.SequenceNumber,
		EventType:   string(ev.EventType),
		Event:       raw,
	}, nil
}

// DecodeEvent unwraps the envelope back into a store event.
func (e Envelope) DecodeEvent() (*contracts.Event, error) {
	var ev contracts.Event
	if err := json.Unmarshal(e.Event, &ev); err != nil {
		return nil, fmt.Errorf("decode event %s/%d: %w", e.AggregateID, e.Sequence, err)
	}
	return &ev, nil
}

// Handler consumes one delivery. A nil return acks; an error naks, which
// redelivers until the consumer's MaxDeliver is exhausted.
type Handler func(ctx context.Context, env Envelope) error

// ParkedHandler observes messages that exhausted their deliveries. Optional.
type ParkedHandler func(env Envelope, deliveries int, lastErr error)

// SubscribeOptions tune a durable consumer.
type SubscribeOptions struct {
	// MaxDeliver is the delivery ceiling before parking. <=0 means 3.
	MaxDeliver int
	// OnParked observes parked messages.
	OnParked ParkedHandler
}

func (o SubscribeOptions) maxDeliver() int {
	if o.MaxDeliver <= 0 {
		return 3
	}
	return o.MaxDeliver
}

// Subscription is a running durable consumer.
type Subscription interface {
	// Unsubscribe stops delivery. Already-received messages finish.
	Unsubscribe() error
}

// Bus publishes envelopes to a subject and feeds durable consumers.
type Bus interface {
	Publish(ctx context.Context, subject string, env Envelope) error
	// Subscribe registers a durable consumer. The same durable name resumes
	// where it left off across restarts (for buses with persistence).
	Subscribe(ctx context.Context, subject, durable string, h Handler, opts SubscribeOptions) (Subscription, error)
	Close() error
}
