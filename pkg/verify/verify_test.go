package verify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentforge/core/pkg/contracts"
)

const validCode = "def add(a, b):\n    return a + b\n"

type fakeVerifier struct {
	name   string
	result contracts.VerifierResult
	delay  time.Duration
	panics bool
	calls  int32
}

func (f *fakeVerifier) Name() string { return f.name }

func (f *fakeVerifier) Verify(ctx context.Context, in Input) contracts.VerifierResult {
	atomic.AddInt32(&f.calls, 1)
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	r := f.result
	r.Name = f.name
	return r
}

func passing(name string, conf float64) *fakeVerifier {
	return &fakeVerifier{name: name, result: contracts.VerifierResult{Passed: true, Confidence: conf}}
}

func TestVerifyAllTiersPass(t *testing.T) {
	o := NewOrchestra(
		WithTier1(passing("types", 0.9)),
		WithTier2(passing("tests", 0.8)),
		WithTier3(passing("sat", 0.7)),
	)
	res := o.Verify(context.Background(), Input{CandidateID: "cand-1", Code: validCode, Language: "python"})

	assert.True(t, res.Passed)
	assert.Equal(t, "cand-1", res.CandidateID)
	require.Len(t, res.Tiers, 4)
	assert.Equal(t, 0.7, res.Confidence)
	assert.InDelta(t, 0.85, res.Score, 1e-9)
}

func TestVerifyStopsAtFailedTier(t *testing.T) {
	bad := &fakeVerifier{name: "lint", result: contracts.VerifierResult{Passed: false, Confidence: 0.9}}
	deep := passing("tests", 1)
	o := NewOrchestra(WithTier1(bad), WithTier2(deep))

	res := o.Verify(context.Background(), Input{Code: validCode, Language: "python"})

	assert.False(t, res.Passed)
	assert.Len(t, res.Tiers, 2)
	assert.Equal(t, int32(0), atomic.LoadInt32(&deep.calls))
}

func TestVerifyLowConfidenceFailsTier(t *testing.T) {
	// Every verifier passed, but the tier floor is 0.5.
	o := NewOrchestra(WithTier1(passing("types", 0.4)))
	res := o.Verify(context.Background(), Input{Code: validCode, Language: "python"})

	assert.False(t, res.Passed)
	require.Len(t, res.Tiers, 2)
	assert.False(t, res.Tiers[1].Passed)
	assert.True(t, res.Tiers[1].Verifiers[0].Passed)
}

func TestCriticalTierOneFailureRecordsLimitation(t *testing.T) {
	bad := &fakeVerifier{name: "policy", result: contracts.VerifierResult{Passed: false, Confidence: 0.1}}
	o := NewOrchestra(WithTier1(bad), WithTier2(passing("tests", 1)))

	res := o.Verify(context.Background(), Input{Code: validCode, Language: "python"})

	assert.False(t, res.Passed)
	require.Len(t, res.Tiers, 2)
	assert.Contains(t, res.Tiers[1].Limitations, "Tier 2 skipped due to Tier 1 failures")
}

func TestVerifierTimeoutSoftensToWarning(t *testing.T) {
	slow := &fakeVerifier{
		name:   "slow",
		delay:  500 * time.Millisecond,
		result: contracts.VerifierResult{Passed: false, Confidence: 0},
	}
	o := NewOrchestra(WithTier1(slow), WithTierTimeout(1, 30*time.Millisecond))

	res := o.Verify(context.Background(), Input{Code: validCode, Language: "python"})

	require.Len(t, res.Tiers, 4)
	vr := res.Tiers[1].Verifiers[0]
	assert.True(t, vr.Passed)
	assert.Equal(t, 0.5, vr.Confidence)
	assert.Contains(t, vr.Warnings, "timeout")
	assert.True(t, res.Passed)
	assert.Equal(t, 0.5, res.Confidence)
}

func TestVerifierPanicBecomesFailure(t *testing.T) {
	o := NewOrchestra(WithTier1(&fakeVerifier{name: "flaky", panics: true}))
	res := o.Verify(context.Background(), Input{Code: validCode, Language: "python"})

	assert.False(t, res.Passed)
	require.Len(t, res.Tiers, 2)
	vr := res.Tiers[1].Verifiers[0]
	assert.False(t, vr.Passed)
	require.NotEmpty(t, vr.Errors)
	assert.Contains(t, vr.Errors[0], "verifier panic")
}

func TestEmptyTiersPassTrivially(t *testing.T) {
	o := NewOrchestra()
	res := o.Verify(context.Background(), Input{Code: validCode, Language: "python"})

	assert.True(t, res.Passed)
	require.Len(t, res.Tiers, 4)
	for _, tier := range res.Tiers[1:] {
		assert.True(t, tier.Passed)
		require.Len(t, tier.Limitations, 1)
		assert.Contains(t, tier.Limitations[0], "no verifiers configured")
	}
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, 1.0, res.Score)
}

func TestVerifyStaticSkipsDeepTiers(t *testing.T) {
	deep := passing("tests", 1)
	o := NewOrchestra(WithTier1(passing("types", 0.9)), WithTier2(deep))

	res := o.VerifyStatic(context.Background(), Input{Code: validCode, Language: "python"})

	assert.True(t, res.Passed)
	assert.Len(t, res.Tiers, 2)
	assert.Equal(t, int32(0), atomic.LoadInt32(&deep.calls))
}

func TestQuickVerify(t *testing.T) {
	o := NewOrchestra()

	res := o.QuickVerify(validCode, "python")
	assert.True(t, res.Passed)
	assert.Len(t, res.Tiers, 1)

	res = o.QuickVerify("x = (1\n", "python")
	assert.False(t, res.Passed)
}

func makeResult(passed bool, conf float64, warnings int) *Result {
	vr := contracts.VerifierResult{Passed: passed, Confidence: conf}
	for i := 0; i < warnings; i++ {
		vr.Warnings = append(vr.Warnings, "w")
	}
	return &Result{
		Passed:     passed,
		Confidence: conf,
		Tiers:      []contracts.TierResult{{Tier: 1, Passed: passed, Confidence: conf, Verifiers: []contracts.VerifierResult{vr}}},
	}
}

func TestSelectBest(t *testing.T) {
	passLow := makeResult(true, 0.6, 0)
	passHigh := makeResult(true, 0.9, 2)
	passHighClean := makeResult(true, 0.9, 0)
	failHigh := makeResult(false, 0.95, 0)
	failLow := makeResult(false, 0.2, 0)

	cases := []struct {
		name    string
		results []*Result
		want    *Result
	}{
		{"passed beats confident failure", []*Result{failHigh, passLow}, passLow},
		{"higher confidence wins among passed", []*Result{passLow, passHigh}, passHigh},
		{"fewer warnings break ties", []*Result{passHigh, passHighClean}, passHighClean},
		{"best failure when nothing passed", []*Result{failLow, failHigh}, failHigh},
		{"nil entries skipped", []*Result{nil, passLow, nil}, passLow},
		{"empty", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SelectBest(tc.results)
			if tc.want == nil {
				assert.Nil(t, got)
				return
			}
			assert.Same(t, tc.want, got)
		})
	}
}

func TestVerifyParallelKeepsOrder(t *testing.T) {
	o := NewOrchestra()
	in := []Input{
		{CandidateID: "a", Code: validCode, Language: "python"},
		{CandidateID: "b", Code: "x = (1\n", Language: "python"},
		{CandidateID: "c", Code: validCode, Language: "python"},
	}
	out := o.VerifyParallel(context.Background(), in)

	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].CandidateID)
	assert.True(t, out[0].Passed)
	assert.Equal(t, "b", out[1].CandidateID)
	assert.False(t, out[1].Passed)
	assert.True(t, out[2].Passed)
}
