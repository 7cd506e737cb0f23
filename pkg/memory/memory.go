// Package memory is the pluggable context-retrieval collaborator. The core
// only needs a context string per query; richer vector or graph stores plug
// in behind the Retriever interface.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Node is one stored memory item.
type Node struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Retriever supplies optional context for generation prompts.
type Retriever interface {
	// Retrieve returns a context string for the query; empty when nothing
	// relevant is known.
	Retrieve(ctx context.Context, query string) (string, error)
	Store(ctx context.Context, content string, metadata map[string]string) error
}

// InMemoryRetriever ranks stored nodes by token overlap with the query. It
// is the embedded default; deployments wanting semantic retrieval swap in a
// vector-backed implementation.
type InMemoryRetriever struct {
	mu       sync.RWMutex
	nodes    []Node
	maxNodes int
	maxHits  int
	clock    func() time.Time
	nextID   int
}

func NewInMemoryRetriever() *InMemoryRetriever {
	return &InMemoryRetriever{
		maxNodes: 10_000,
		maxHits:  3,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (r *InMemoryRetriever) WithClock(clock func() time.Time) *InMemoryRetriever {
	r.clock = clock
	return r
}

func (r *InMemoryRetriever) Store(ctx context.Context, content string, metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.nodes = append(r.nodes, Node{
		ID:        strconv.Itoa(r.nextID),
		Content:   content,
		Metadata:  metadata,
		CreatedAt: r.clock().UTC(),
	})
	if len(r.nodes) > r.maxNodes {
		r.nodes = r.nodes[len(r.nodes)-r.maxNodes:]
	}
	return nil
}

func (r *InMemoryRetriever) Retrieve(ctx context.Context, query string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return "", nil
	}

	type scored struct {
		node  Node
		score float64
	}
	var hits []scored
	for _, n := range r.nodes {
		s := overlap(queryTokens, tokenize(n.Content))
		if s > 0.1 {
			hits = append(hits, scored{node: n, score: s})
		}
	}
	if len(hits) == 0 {
		return "", nil
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > r.maxHits {
		hits = hits[:r.maxHits]
	}

	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(h.node.Content)
	}
	return b.String(), nil
}

// Count reports the stored node count.
func (r *InMemoryRetriever) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:()[]{}\"'")
		if len(tok) >= 3 {
			out[tok] = true
		}
	}
	return out
}

// overlap is the Jaccard similarity of two token sets.
func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

