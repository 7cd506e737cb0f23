package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus distributes envelopes over Redis Streams. Each subject is a
// stream; each durable name is a consumer group, which gives at-least-once
// semantics with explicit XACK. Messages whose delivery count exceeds the
// consumer's ceiling are copied to "<subject>.parked" and acked.
type RedisBus struct {
	client    *redis.Client
	consumer  string
	blockTime time.Duration
	logger    *slog.Logger
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithConsumerName sets the per-process consumer name inside groups.
func WithConsumerName(name string) RedisBusOption {
	return func(b *RedisBus) { b.consumer = name }
}

// WithBlockTime sets the XREADGROUP poll block interval.
func WithBlockTime(d time.Duration) RedisBusOption {
	return func(b *RedisBus) { b.blockTime = d }
}

func NewRedisBus(client *redis.Client, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		client:    client,
		consumer:  "forge-0",
		blockTime: 2 * time.Second,
		logger:    slog.Default().With("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBus) Publish(ctx context.Context, subject string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: subject,
		Values: map[string]any{"envelope": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

type redisSub struct {
	bus      *RedisBus
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func (s *redisSub) Unsubscribe() error {
	s.stopOnce.Do(s.cancel)
	s.wg.Wait()
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, subject, durable string, h Handler, opts SubscribeOptions) (Subscription, error) {
	err := b.client.XGroupCreateMkStream(ctx, subject, durable, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s on %s: %w", durable, subject, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &redisSub{bus: b, cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		b.consume(runCtx, subject, durable, h, opts)
	}()
	return s, nil
}

func (b *RedisBus) consume(ctx context.Context, subject, durable string, h Handler, opts SubscribeOptions) {
	for {
		if ctx.Err() != nil {
			return
		}
		// Reclaim messages stuck pending on dead consumers first, then read
		// fresh deliveries.
		b.claimStale(ctx, subject, durable, h, opts)

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    durable,
			Consumer: b.consumer,
			Streams:  []string{subject, ">"},
			Count:    32,
			Block:    b.blockTime,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("stream read failed", "subject", subject, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handleMessage(ctx, subject, durable, msg, 1, h, opts)
			}
		}
	}
}

// claimStale transfers messages pending longer than a minute to this
// consumer and processes them, carrying their delivery counts forward.
func (b *RedisBus) claimStale(ctx context.Context, subject, durable string, h Handler, opts SubscribeOptions) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: subject,
		Group:  durable,
		Start:  "-",
		End:    "+",
		Count:  32,
		Idle:   time.Minute,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}
	ids := make([]string, 0, len(pending))
	deliveries := make(map[string]int, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		deliveries[p.ID] = int(p.RetryCount)
	}
	msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   subject,
		Group:    durable,
		Consumer: b.consumer,
		MinIdle:  time.Minute,
		Messages: ids,
	}).Result()
	if err != nil {
		return
	}
	for _, msg := range msgs {
		b.handleMessage(ctx, subject, durable, msg, deliveries[msg.ID], h, opts)
	}
}

func (b *RedisBus) handleMessage(ctx context.Context, subject, durable string, msg redis.XMessage, deliveries int, h Handler, opts SubscribeOptions) {
	raw, _ := msg.Values["envelope"].(string)
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.logger.Error("malformed envelope, acking", "subject", subject, "id", msg.ID, "error", err)
		b.client.XAck(ctx, subject, durable, msg.ID)
		return
	}

	err := h(ctx, env)
	if err == nil {
		b.client.XAck(ctx, subject, durable, msg.ID)
		return
	}
	b.logger.Warn("delivery failed",
		"subject", subject, "durable", durable,
		"aggregate", env.AggregateID, "sequence", env.Sequence,
		"deliveries", deliveries, "error", err)

	if deliveries >= opts.maxDeliver() {
		// Park: copy to the dead-letter stream, then ack the original so the
		// group stops redelivering it.
		parked := subject + ".parked"
		if perr := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: parked,
			Values: map[string]any{"envelope": raw, "error": err.Error()},
		}).Err(); perr != nil {
			b.logger.Error("failed to park message", "subject", subject, "id", msg.ID, "error", perr)
			return // leave pending; will be reclaimed
		}
		b.client.XAck(ctx, subject, durable, msg.ID)
		if opts.OnParked != nil {
			opts.OnParked(env, deliveries, err)
		}
	}
	// Otherwise leave unacked: the pending-claim loop redelivers it.
}

func (b *RedisBus) Close() error { return b.client.Close() }
