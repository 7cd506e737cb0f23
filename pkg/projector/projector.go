// Package projector folds events into the IVCUState read model.
//
// Apply is a pure function: replaying the same event sequence always yields
// the same state, byte-equal after canonical serialization. Every store and
// the projection engine share this single fold.
package projector

import (
	"github.com/intentforge/core/pkg/contracts"
)

// Apply folds one event into state and returns the next state. The input
// state is never mutated. Version increments by exactly 1 per event.
func Apply(state contracts.IVCUState, ev contracts.Event) contracts.IVCUState {
	next := clone(state)
	next.AggregateID = ev.AggregateID
	next.Version = ev.SequenceNumber
	next.UpdatedAt = ev.Timestamp

	switch p := ev.Payload.(type) {
	case contracts.IntentCreated:
		next.RawIntent = p.RawIntent
		next.ParsedIntent = p.ParsedIntent
		next.Language = p.Language
		next.Status = contracts.StatusDraft
		next.CreatedAt = ev.Timestamp

	case contracts.ContractAdded:
		next.Contracts = append(next.Contracts, p.Contract)

	case contracts.CandidateGenerated:
		next.Candidates = append(next.Candidates, contracts.Candidate{
			CandidateID: p.CandidateID,
			Code:        p.Code,
			Confidence:  p.Confidence,
			ModelID:     p.ModelID,
			Reasoning:   p.Reasoning,
		})
		next.Status = contracts.StatusGenerating

	case contracts.VerificationCompleted:
		for i := range next.Candidates {
			if next.Candidates[i].CandidateID == p.CandidateID {
				next.Candidates[i].Verification = &contracts.VerificationSummary{
					Passed:      p.Passed,
					Score:       p.Score,
					TierResults: p.TierResults,
				}
			}
		}
		next.Status = contracts.StatusVerifying

	case contracts.CandidateSelected:
		if p.CandidateID == "" {
			// Nil-candidate selection is the terminal failure marker.
			next.SelectedCandidateID = ""
			next.Code = ""
			next.Confidence = 0
			next.Status = contracts.StatusFailed
			next.FailureReason = p.FailureReason
			break
		}
		next.SelectedCandidateID = p.CandidateID
		next.Code = p.Code
		next.Confidence = p.Confidence
		next.FailureReason = ""
		// A selected-but-unverified candidate does not mark the aggregate
		// verified: status follows the candidate's verification outcome.
		if c := next.Candidate(p.CandidateID); c != nil && c.Verification != nil && !c.Verification.Passed {
			next.Status = contracts.StatusFailed
			next.FailureReason = "selected candidate failed verification"
		} else {
			next.Status = contracts.StatusVerified
		}

	case contracts.IntentRefined:
		if p.UndoSelection {
			next.SelectedCandidateID = ""
			next.Code = ""
			next.Confidence = 0
			next.CertificateID = ""
			next.Status = preSelectionStatus(next)
			break
		}
		next.RawIntent = p.NewIntent
		if p.NewParsedIntent != "" {
			next.ParsedIntent = p.NewParsedIntent
		}
		if p.ClearCandidates {
			next.Candidates = nil
			next.SelectedCandidateID = ""
			next.Code = ""
			next.Confidence = 0
			next.CertificateID = ""
		}
		next.Status = contracts.StatusDraft
		next.FailureReason = ""

	case contracts.ProofGenerated:
		next.CertificateID = p.CertificateID

	case contracts.IVCUDeployed:
		next.Status = contracts.StatusDeployed

	case contracts.IVCUDeprecated:
		next.Status = contracts.StatusDeprecated
		next.FailureReason = ""

	case contracts.CostIncurred:
		if micro, err := contracts.ParseUSD(p.AmountUSD); err == nil {
			next.TotalCostMicroUSD += micro
		}
	}

	return next
}

// Replay folds a whole ordered event slice from the zero state.
func Replay(aggregateID string, events []contracts.Event) contracts.IVCUState {
	state := contracts.IVCUState{AggregateID: aggregateID, Status: contracts.StatusDraft}
	for _, ev := range events {
		state = Apply(state, ev)
	}
	return state
}

// CompensationFor plans the compensating forward event that semantically
// reverses ev. Undo never deletes history; it appends. A nil return means the
// event is not undoable (cost records, proofs).
func CompensationFor(state contracts.IVCUState, ev contracts.Event) contracts.Payload {
	switch p := ev.Payload.(type) {
	case contracts.CandidateSelected:
		if p.CandidateID == "" {
			return nil
		}
		return contracts.IntentRefined{
			NewIntent:       state.RawIntent,
			ClearCandidates: false,
			UndoSelection:   true,
		}
	case contracts.CandidateGenerated, contracts.VerificationCompleted:
		return contracts.IntentRefined{
			NewIntent:       state.RawIntent,
			NewParsedIntent: state.ParsedIntent,
			ClearCandidates: true,
		}
	case contracts.IntentRefined, contracts.ContractAdded, contracts.IntentCreated:
		return contracts.IntentRefined{
			NewIntent:       state.RawIntent,
			NewParsedIntent: state.ParsedIntent,
			ClearCandidates: true,
		}
	case contracts.IVCUDeployed:
		return contracts.IVCUDeprecated{Reason: "undo deploy"}
	default:
		return nil
	}
}

// preSelectionStatus reconstructs the status an aggregate had before a
// selection: verifying if any candidate carries verification results,
// generating if candidates exist, otherwise draft.
func preSelectionStatus(s contracts.IVCUState) contracts.Status {
	for i := range s.Candidates {
		if s.Candidates[i].Verification != nil {
			return contracts.StatusVerifying
		}
	}
	if len(s.Candidates) > 0 {
		return contracts.StatusGenerating
	}
	return contracts.StatusDraft
}

func clone(s contracts.IVCUState) contracts.IVCUState {
	next := s
	if s.Contracts != nil {
		next.Contracts = make([]contracts.Contract, len(s.Contracts))
		copy(next.Contracts, s.Contracts)
	}
	if s.Candidates != nil {
		next.Candidates = make([]contracts.Candidate, len(s.Candidates))
		copy(next.Candidates, s.Candidates)
		for i := range next.Candidates {
			if v := s.Candidates[i].Verification; v != nil {
				vc := *v
				next.Candidates[i].Verification = &vc
			}
		}
	}
	return next
}
