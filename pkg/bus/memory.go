package bus

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryBus is the in-process bus for tests and embedded deployments.
// Each durable consumer gets its own buffered queue and worker goroutine;
// redelivery on nak happens inline up to the consumer's ceiling.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub // subject -> consumers
	closed bool
	logger *slog.Logger
}

type memorySub struct {
	bus      *MemoryBus
	subject  string
	durable  string
	handler  Handler
	opts     SubscribeOptions
	queue    chan Envelope
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string][]*memorySub),
		logger: slog.Default().With("component", "bus"),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, env Envelope) error {
	b.mu.RLock()
	subs := append([]*memorySub(nil), b.subs[subject]...)
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.queue <- env:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject, durable string, h Handler, opts SubscribeOptions) (Subscription, error) {
	s := &memorySub{
		bus:     b,
		subject: subject,
		durable: durable,
		handler: h,
		opts:    opts,
		queue:   make(chan Envelope, 256),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], s)
	b.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

func (s *memorySub) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case env := <-s.queue:
			s.deliver(ctx, env)
		}
	}
}

// deliver invokes the handler with inline redelivery up to MaxDeliver.
func (s *memorySub) deliver(ctx context.Context, env Envelope) {
	var lastErr error
	limit := s.opts.maxDeliver()
	for attempt := 1; attempt <= limit; attempt++ {
		lastErr = s.handler(ctx, env)
		if lastErr == nil {
			return
		}
		s.bus.logger.Warn("delivery failed",
			"subject", s.subject, "durable", s.durable,
			"aggregate", env.AggregateID, "sequence", env.Sequence,
			"attempt", attempt, "error", lastErr)
	}
	if s.opts.OnParked != nil {
		s.opts.OnParked(env, limit, lastErr)
	} else {
		s.bus.logger.Error("message parked after max deliveries",
			"subject", s.subject, "durable", s.durable,
			"aggregate", env.AggregateID, "sequence", env.Sequence)
	}
}

func (s *memorySub) Unsubscribe() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	list := s.bus.subs[s.subject]
	for i, other := range list {
		if other == s {
			s.bus.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*memorySub)
	b.mu.Unlock()

	for _, s := range all {
		s.stopOnce.Do(func() { close(s.done) })
		s.wg.Wait()
	}
	return nil
}
