// Package projection turns the event stream into derived views: memory
// nodes, aggregate statistics, and read-after-write sync tokens. Delivery is
// at-least-once; idempotency comes from a per-aggregate last-applied
// sequence watermark.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/intentforge/core/pkg/bus"
	"github.com/intentforge/core/pkg/contracts"
	"github.com/intentforge/core/pkg/kv"
)

// Subject is the bus subject the engine consumes.
const Subject = "forge.events"

// Handler projects one event kind into a derived view.
type Handler interface {
	Name() string
	Handles(t contracts.EventType) bool
	Handle(ctx context.Context, ev *contracts.Event) error
}

// Engine subscribes a durable consumer and dispatches events to handlers.
type Engine struct {
	bus      bus.Bus
	kv       kv.Store
	handlers []Handler
	durable  string

	mu          sync.Mutex
	lastApplied map[string]int64

	handlerTimeout time.Duration
	tokenTTL       time.Duration
	maxDeliver     int
	logger         *slog.Logger

	sub bus.Subscription
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDurableName overrides the consumer name.
func WithDurableName(name string) EngineOption { return func(e *Engine) { e.durable = name } }

// WithHandlerTimeout bounds one handler invocation.
func WithHandlerTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.handlerTimeout = d }
}

// WithTokenTTL sets sync token lifetime.
func WithTokenTTL(d time.Duration) EngineOption { return func(e *Engine) { e.tokenTTL = d } }

// WithMaxDeliver sets the redelivery ceiling before parking.
func WithMaxDeliver(n int) EngineOption { return func(e *Engine) { e.maxDeliver = n } }

func NewEngine(b bus.Bus, store kv.Store, handlers []Handler, opts ...EngineOption) *Engine {
	e := &Engine{
		bus:            b,
		kv:             store,
		handlers:       handlers,
		durable:        "projection-engine",
		lastApplied:    make(map[string]int64),
		handlerTimeout: 30 * time.Second,
		tokenTTL:       300 * time.Second,
		maxDeliver:     3,
		logger:         slog.Default().With("component", "projection"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes the engine. It returns immediately; projection runs on
// bus delivery goroutines until Stop.
func (e *Engine) Start(ctx context.Context) error {
	sub, err := e.bus.Subscribe(ctx, Subject, e.durable, e.project, bus.SubscribeOptions{
		MaxDeliver: e.maxDeliver,
		OnParked: func(env bus.Envelope, deliveries int, lastErr error) {
			e.logger.Error("projection parked",
				"aggregate", env.AggregateID, "sequence", env.Sequence,
				"deliveries", deliveries, "error", lastErr)
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe projection engine: %w", err)
	}
	e.sub = sub
	return nil
}

// Stop unsubscribes.
func (e *Engine) Stop() error {
	if e.sub == nil {
		return nil
	}
	return e.sub.Unsubscribe()
}

// project is the per-delivery entry point: skip already-applied sequences,
// dispatch to matching handlers, advance the watermark, publish the sync
// token. Unknown event types ack with a log line.
func (e *Engine) project(ctx context.Context, env bus.Envelope) error {
	if e.alreadyApplied(env.AggregateID, env.Sequence) {
		return nil
	}
	ev, err := env.DecodeEvent()
	if err != nil {
		// Malformed events cannot succeed on redelivery either; ack and log.
		e.logger.Error("dropping undecodable event",
			"aggregate", env.AggregateID, "sequence", env.Sequence, "error", err)
		return nil
	}

	matched := 0
	for _, h := range e.handlers {
		if !h.Handles(ev.EventType) {
			continue
		}
		matched++
		hctx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
		err := h.Handle(hctx, ev)
		cancel()
		if err != nil {
			return &contracts.ProjectionError{Handler: h.Name(), Err: err}
		}
	}
	if matched == 0 {
		e.logger.Debug("no handler for event type", "event_type", ev.EventType)
	}

	e.markApplied(env.AggregateID, env.Sequence)
	token := SyncToken(env.AggregateID, env.Sequence)
	if err := e.kv.Set(ctx, token, "complete", e.tokenTTL); err != nil {
		e.logger.Warn("sync token write failed", "token", token, "error", err)
	}
	return nil
}

func (e *Engine) alreadyApplied(aggregateID string, seq int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return seq <= e.lastApplied[aggregateID]
}

func (e *Engine) markApplied(aggregateID string, seq int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seq > e.lastApplied[aggregateID] {
		e.lastApplied[aggregateID] = seq
	}
}

// SyncToken names the read-after-write marker for one applied event.
func SyncToken(aggregateID string, seq int64) string {
	return fmt.Sprintf("sync:%s:%d", aggregateID, seq)
}

// WaitFor polls the KV store until the sync token appears or the timeout
// elapses. Writers use it for read-after-write consistency on projections.
func WaitFor(ctx context.Context, store kv.Store, token string, timeout, poll time.Duration) error {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if _, ok, err := store.Get(ctx, token); err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("sync token %s: %w", token, ctx.Err())
		case <-ticker.C:
		}
	}
}
