package projector

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentforge/core/pkg/canonical"
	"github.com/intentforge/core/pkg/contracts"
)

func event(seq int64, payload contracts.Payload) contracts.Event {
	return contracts.Event{
		EventID:        fmt.Sprintf("e%d", seq),
		AggregateID:    "ivcu-1",
		SequenceNumber: seq,
		EventType:      payload.Kind(),
		Payload:        payload,
		Timestamp:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute),
	}
}

func TestReplayLifecycle(t *testing.T) {
	events := []contracts.Event{
		event(1, contracts.IntentCreated{RawIntent: "sort a list", Language: "python"}),
		event(2, contracts.ContractAdded{Contract: contracts.Contract{Kind: contracts.ContractPost, Expression: "result >= 0"}}),
		event(3, contracts.CandidateGenerated{CandidateID: "c1", Code: "code1", Confidence: 0.5, ModelID: "m"}),
		event(4, contracts.VerificationCompleted{CandidateID: "c1", Passed: true, Score: 0.9}),
		event(5, contracts.CandidateSelected{CandidateID: "c1", Code: "code1", Confidence: 0.9}),
		event(6, contracts.CostIncurred{AmountUSD: "0.004200", ModelID: "m", Operation: "generation"}),
		event(7, contracts.IVCUDeployed{Version: 5}),
	}

	state := Replay("ivcu-1", events)

	assert.Equal(t, int64(7), state.Version)
	assert.Equal(t, "sort a list", state.RawIntent)
	assert.Len(t, state.Contracts, 1)
	assert.Equal(t, "c1", state.SelectedCandidateID)
	assert.Equal(t, "code1", state.Code)
	assert.Equal(t, contracts.StatusDeployed, state.Status)
	assert.Equal(t, int64(4_200), state.TotalCostMicroUSD)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	s0 := Replay("ivcu-1", []contracts.Event{
		event(1, contracts.IntentCreated{RawIntent: "x", Language: "python"}),
		event(2, contracts.CandidateGenerated{CandidateID: "c1", Code: "a", ModelID: "m"}),
	})
	before := len(s0.Candidates)

	_ = Apply(s0, event(3, contracts.CandidateGenerated{CandidateID: "c2", Code: "b", ModelID: "m"}))
	_ = Apply(s0, event(3, contracts.VerificationCompleted{CandidateID: "c1", Passed: false, Score: 0.1}))

	assert.Len(t, s0.Candidates, before)
	assert.Nil(t, s0.Candidates[0].Verification)
}

func TestSelectionOfFailedCandidateMarksFailed(t *testing.T) {
	state := Replay("ivcu-1", []contracts.Event{
		event(1, contracts.IntentCreated{RawIntent: "x", Language: "python"}),
		event(2, contracts.CandidateGenerated{CandidateID: "c1", Code: "a", ModelID: "m"}),
		event(3, contracts.VerificationCompleted{CandidateID: "c1", Passed: false, Score: 0.2}),
		event(4, contracts.CandidateSelected{CandidateID: "c1", Code: "a", Confidence: 0.2}),
	})
	assert.Equal(t, contracts.StatusFailed, state.Status)
	assert.NotEmpty(t, state.FailureReason)
}

func TestNilSelectionIsTerminalFailure(t *testing.T) {
	state := Replay("ivcu-1", []contracts.Event{
		event(1, contracts.IntentCreated{RawIntent: "x", Language: "python"}),
		event(2, contracts.CandidateSelected{FailureReason: "budget exceeded"}),
	})
	assert.Equal(t, contracts.StatusFailed, state.Status)
	assert.Equal(t, "budget exceeded", state.FailureReason)
	assert.Empty(t, state.SelectedCandidateID)
}

func TestUndoSelectionRestoresPreSelectionStatus(t *testing.T) {
	state := Replay("ivcu-1", []contracts.Event{
		event(1, contracts.IntentCreated{RawIntent: "x", Language: "python"}),
		event(2, contracts.CandidateGenerated{CandidateID: "c1", Code: "a", ModelID: "m"}),
		event(3, contracts.VerificationCompleted{CandidateID: "c1", Passed: true, Score: 0.9}),
		event(4, contracts.CandidateSelected{CandidateID: "c1", Code: "a", Confidence: 0.9}),
		event(5, contracts.IntentRefined{NewIntent: "x", UndoSelection: true}),
	})
	assert.Empty(t, state.SelectedCandidateID)
	assert.Empty(t, state.Code)
	assert.Equal(t, contracts.StatusVerifying, state.Status)
	assert.Len(t, state.Candidates, 1)
}

func TestCompensationForCostIsNil(t *testing.T) {
	state := Replay("ivcu-1", []contracts.Event{
		event(1, contracts.IntentCreated{RawIntent: "x", Language: "python"}),
	})
	comp := CompensationFor(state, event(2, contracts.CostIncurred{AmountUSD: "1.000000", ModelID: "m", Operation: "generation"}))
	assert.Nil(t, comp)
}

var payloadType = reflect.TypeOf((*contracts.Payload)(nil)).Elem()

// genPayload produces a valid payload from a small grammar. The properties
// below only need variety, not full coverage of the taxonomy.
func genPayload() gopter.Gen {
	return gen.OneGenOf(
		gen.AlphaString().Map(func(s string) contracts.Payload {
			return contracts.IntentCreated{RawIntent: "intent " + s, Language: "python"}
		}),
		gen.Identifier().Map(func(id string) contracts.Payload {
			return contracts.CandidateGenerated{CandidateID: id, Code: "code " + id, Confidence: 0.5, ModelID: "m"}
		}),
		gen.Identifier().Map(func(id string) contracts.Payload {
			return contracts.VerificationCompleted{CandidateID: id, Passed: true, Score: 0.8}
		}),
		gen.Identifier().Map(func(id string) contracts.Payload {
			return contracts.CandidateSelected{CandidateID: id, Code: "code " + id, Confidence: 0.8}
		}),
		gen.IntRange(1, 1_000_000).Map(func(v int) contracts.Payload {
			return contracts.CostIncurred{AmountUSD: contracts.FormatMicroUSD(int64(v)), ModelID: "m", Operation: "generation"}
		}),
	)
}

// Replaying the same sequence must produce byte-identical canonical state.
func TestReplayDeterminismProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50

	properties := gopter.NewProperties(params)
	properties.Property("replay is deterministic", prop.ForAll(
		func(payloads []contracts.Payload) bool {
			events := make([]contracts.Event, len(payloads))
			for i, p := range payloads {
				events[i] = event(int64(i)+1, p)
			}
			s1 := Replay("ivcu-1", events)
			s2 := Replay("ivcu-1", events)
			b1, err1 := canonical.Marshal(s1)
			b2, err2 := canonical.Marshal(s2)
			return err1 == nil && err2 == nil && string(b1) == string(b2)
		},
		gen.SliceOf(genPayload(), payloadType),
	))
	properties.Property("version equals event count", prop.ForAll(
		func(payloads []contracts.Payload) bool {
			if len(payloads) == 0 {
				return true
			}
			events := make([]contracts.Event, len(payloads))
			for i, p := range payloads {
				events[i] = event(int64(i)+1, p)
			}
			return Replay("ivcu-1", events).Version == int64(len(payloads))
		},
		gen.SliceOf(genPayload(), payloadType),
	))
	properties.TestingRun(t)
}

func TestCostReplayIsExact(t *testing.T) {
	// 0.1 + 0.2 style drift must not appear: amounts fold as integers.
	events := []contracts.Event{
		event(1, contracts.IntentCreated{RawIntent: "x", Language: "python"}),
	}
	for i := int64(2); i < 1002; i++ {
		events = append(events, event(i, contracts.CostIncurred{
			AmountUSD: "0.000100", ModelID: "m", Operation: "generation",
		}))
	}
	state := Replay("ivcu-1", events)
	require.Equal(t, int64(100*1000), state.TotalCostMicroUSD)
	assert.Equal(t, "0.100000", state.TotalCostUSD())
}
