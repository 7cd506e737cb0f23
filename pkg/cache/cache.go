// Package cache implements the semantic response cache: exact-hash lookup
// with TTL, optional embedding-similarity hits, and LRU eviction under one
// mutex.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Embedder produces text embeddings for semantic lookup. Optional: without
// one the cache degrades to exact-hash matching.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Entry is one cached generation result.
type Entry struct {
	Key        string    `json:"key"`
	Query      string    `json:"query"`
	Response   string    `json:"response"`
	ModelID    string    `json:"model_id"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	HitCount   int64     `json:"hit_count"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > time.Duration(e.TTLSeconds)*time.Second
}

// Metrics is a snapshot of cache counters.
type Metrics struct {
	Hits         int64   `json:"hits"`
	SemanticHits int64   `json:"semantic_hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	Entries      int     `json:"entries"`
}

// SemanticCache is a thread-safe LRU+TTL cache with optional cosine
// similarity matching over stored embeddings.
type SemanticCache struct {
	mu                  sync.Mutex
	entries             map[string]*Entry
	capacity            int
	defaultTTL          time.Duration
	similarityThreshold float64
	embedder            Embedder
	clock               func() time.Time
	logger              *slog.Logger

	hits, semanticHits, misses int64
}

// Option configures the cache.
type Option func(*SemanticCache)

func WithCapacity(n int) Option { return func(c *SemanticCache) { c.capacity = n } }

func WithTTL(ttl time.Duration) Option { return func(c *SemanticCache) { c.defaultTTL = ttl } }

func WithEmbedder(e Embedder) Option { return func(c *SemanticCache) { c.embedder = e } }

func WithThreshold(t float64) Option { return func(c *SemanticCache) { c.similarityThreshold = t } }

func WithClock(f func() time.Time) Option { return func(c *SemanticCache) { c.clock = f } }

func New(opts ...Option) *SemanticCache {
	c := &SemanticCache{
		entries:             make(map[string]*Entry),
		capacity:            1024,
		defaultTTL:          time.Hour,
		similarityThreshold: 0.92,
		clock:               time.Now,
		logger:              slog.Default().With("component", "cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives the exact-match key H(query || model_id).
func Key(query, modelID string) string {
	sum := sha256.Sum256([]byte(query + "\x00" + modelID))
	return hex.EncodeToString(sum[:])
}

// Get looks up query for modelID: exact hash first, then semantic similarity
// when an embedder is configured. The bool reports whether the hit was
// semantic.
func (c *SemanticCache) Get(ctx context.Context, query, modelID string) (*Entry, bool, error) {
	now := c.clock()

	c.mu.Lock()
	if e, ok := c.entries[Key(query, modelID)]; ok && !e.expired(now) {
		e.LastAccess = now
		e.HitCount++
		c.hits++
		out := *e
		c.mu.Unlock()
		return &out, false, nil
	}
	c.mu.Unlock()

	if c.embedder == nil {
		c.miss()
		return nil, false, nil
	}
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		// Embedding failures degrade to a miss; generation still works.
		c.logger.WarnContext(ctx, "embed failed, semantic lookup skipped", "error", err)
		c.miss()
		return nil, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var best *Entry
	bestSim := c.similarityThreshold
	for _, e := range c.entries {
		if e.ModelID != modelID || e.expired(now) || len(e.Embedding) == 0 {
			continue
		}
		if sim := cosine(vec, e.Embedding); sim >= bestSim {
			bestSim = sim
			best = e
		}
	}
	if best == nil {
		c.misses++
		return nil, false, nil
	}
	best.LastAccess = now
	best.HitCount++
	c.semanticHits++
	out := *best
	return &out, true, nil
}

func (c *SemanticCache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// Set stores a response. When an embedder is configured, the query embedding
// is computed best-effort and stored alongside.
func (c *SemanticCache) Set(ctx context.Context, query, response, modelID string) error {
	var vec []float32
	if c.embedder != nil {
		var err error
		vec, err = c.embedder.Embed(ctx, query)
		if err != nil {
			c.logger.WarnContext(ctx, "embed failed, storing without embedding", "error", err)
			vec = nil
		}
	}
	now := c.clock()
	entry := &Entry{
		Key:        Key(query, modelID),
		Query:      query,
		Response:   response,
		ModelID:    modelID,
		Embedding:  vec,
		CreatedAt:  now,
		LastAccess: now,
		TTLSeconds: int64(c.defaultTTL / time.Second),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[entry.Key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[entry.Key] = entry
	return nil
}

// evictOldestLocked removes the entry with the oldest last_access.
func (c *SemanticCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.LastAccess.Before(oldest) {
			oldestKey = k
			oldest = e.LastAccess
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Sweep removes expired entries and returns how many were dropped.
func (c *SemanticCache) Sweep() int {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (c *SemanticCache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("cache sweep", "removed", n)
				}
			}
		}
	}()
}

// Metrics returns the counter snapshot.
func (c *SemanticCache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.semanticHits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits+c.semanticHits) / float64(total)
	}
	return Metrics{
		Hits:         c.hits,
		SemanticHits: c.semanticHits,
		Misses:       c.misses,
		HitRate:      rate,
		Entries:      len(c.entries),
	}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
