package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAndRetrieve(t *testing.T) {
	r := NewInMemoryRetriever()
	ctx := context.Background()

	require.NoError(t, r.Store(ctx, "sort a list of numbers quickly", map[string]string{"kind": "intent"}))
	require.NoError(t, r.Store(ctx, "sort strings alphabetically", nil))

	got, err := r.Retrieve(ctx, "sort numbers")
	require.NoError(t, err)
	assert.Equal(t, "sort a list of numbers quickly\n---\nsort strings alphabetically", got)
	assert.Equal(t, 2, r.Count())
}

func TestRetrieveEmptyQuery(t *testing.T) {
	r := NewInMemoryRetriever()
	ctx := context.Background()
	require.NoError(t, r.Store(ctx, "parse a csv file", nil))

	got, err := r.Retrieve(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Tokens under three characters vanish, leaving an empty query.
	got, err = r.Retrieve(ctx, "a an of")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieveNoMatch(t *testing.T) {
	r := NewInMemoryRetriever()
	ctx := context.Background()
	require.NoError(t, r.Store(ctx, "sort a list of numbers", nil))

	got, err := r.Retrieve(ctx, "render html templates")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieveThresholdIsExclusive(t *testing.T) {
	r := NewInMemoryRetriever()
	ctx := context.Background()
	// Seven content tokens against a four-token query sharing one token:
	// 1/10 Jaccard sits exactly on the threshold and must not match.
	require.NoError(t, r.Store(ctx, "alpha beta gamma delta epsilon zeta sort", nil))

	got, err := r.Retrieve(ctx, "sort red green blue")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieveCapsHits(t *testing.T) {
	r := NewInMemoryRetriever()
	ctx := context.Background()

	require.NoError(t, r.Store(ctx, "parse json payload", nil))
	require.NoError(t, r.Store(ctx, "parse json payload fast", nil))
	require.NoError(t, r.Store(ctx, "parse json payload very fast", nil))
	require.NoError(t, r.Store(ctx, "parse json payload with streaming decoder", nil))

	got, err := r.Retrieve(ctx, "parse json payload")
	require.NoError(t, err)
	parts := strings.Split(got, "\n---\n")
	require.Len(t, parts, 3)
	assert.Equal(t, "parse json payload", parts[0])
	assert.Equal(t, "parse json payload fast", parts[1])
	assert.Equal(t, "parse json payload very fast", parts[2])
}

func TestStoreEvictsOldestBeyondCap(t *testing.T) {
	r := &InMemoryRetriever{maxNodes: 2, maxHits: 3, clock: time.Now}
	ctx := context.Background()

	require.NoError(t, r.Store(ctx, "alpha one", nil))
	require.NoError(t, r.Store(ctx, "beta two", nil))
	require.NoError(t, r.Store(ctx, "gamma three", nil))

	assert.Equal(t, 2, r.Count())

	got, err := r.Retrieve(ctx, "alpha")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = r.Retrieve(ctx, "gamma")
	require.NoError(t, err)
	assert.Equal(t, "gamma three", got)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t,
		map[string]bool{"sort": true, "list": true, "numbers": true},
		tokenize("Sort, a LIST of (numbers)."))
	assert.Empty(t, tokenize("a an of"))
}

func TestOverlap(t *testing.T) {
	a := map[string]bool{"sort": true, "list": true}
	b := map[string]bool{"list": true, "numbers": true}

	assert.InDelta(t, 1.0/3.0, overlap(a, b), 1e-9)
	assert.Zero(t, overlap(nil, b))
	assert.Zero(t, overlap(a, map[string]bool{}))
	assert.InDelta(t, 1.0, overlap(a, a), 1e-9)
}
