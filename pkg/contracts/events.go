// Package contracts defines the shared typed records of the forge core:
// the event taxonomy of the IVCU log, the projected read model, verification
// results, and the error taxonomy every component reports against.
package contracts

import (
	"encoding/json"
	"time"
)

// EventType discriminates event payload variants on the wire.
type EventType string

const (
	EventIntentCreated         EventType = "INTENT_CREATED"
	EventContractAdded         EventType = "CONTRACT_ADDED"
	EventCandidateGenerated    EventType = "CANDIDATE_GENERATED"
	EventVerificationCompleted EventType = "VERIFICATION_COMPLETED"
	EventCandidateSelected     EventType = "CANDIDATE_SELECTED"
	EventIntentRefined         EventType = "INTENT_REFINED"
	EventProofGenerated        EventType = "PROOF_GENERATED"
	EventIVCUDeployed          EventType = "IVCU_DEPLOYED"
	EventIVCUDeprecated        EventType = "IVCU_DEPRECATED"
	EventCostIncurred          EventType = "COST_INCURRED"
)

// Event is one immutable, sequentially numbered record of an IVCU transition.
// (aggregate_id, sequence_number) is unique and dense starting at 1.
type Event struct {
	EventID        string    `json:"event_id"`
	AggregateID    string    `json:"aggregate_id"`
	SequenceNumber int64     `json:"sequence_number"`
	EventType      EventType `json:"event_type"`
	Payload        Payload   `json:"payload"`
	Timestamp      time.Time `json:"timestamp"`
	ActorID        string    `json:"actor_id,omitempty"`

	// Hash chain fields. Informational: integrity checking only, never
	// part of projection semantics.
	ContentHash string `json:"content_hash,omitempty"`
	PrevHash    string `json:"prev_hash,omitempty"`
}

// Payload is the tagged-variant interface implemented by every event payload.
type Payload interface {
	Kind() EventType
}

// ContractKind classifies a behavioral contract on generated code.
type ContractKind string

const (
	ContractPre       ContractKind = "pre"
	ContractPost      ContractKind = "post"
	ContractInvariant ContractKind = "invariant"
)

// Contract is a pre/post/invariant condition attached to an IVCU.
type Contract struct {
	Kind        ContractKind `json:"kind"`
	Expression  string       `json:"expression"`
	Description string       `json:"description,omitempty"`
}

type IntentCreated struct {
	RawIntent    string `json:"raw_intent"`
	ParsedIntent string `json:"parsed_intent,omitempty"`
	Language     string `json:"language"`
}

func (IntentCreated) Kind() EventType { return EventIntentCreated }

type ContractAdded struct {
	Contract Contract `json:"contract"`
}

func (ContractAdded) Kind() EventType { return EventContractAdded }

type CandidateGenerated struct {
	CandidateID string  `json:"candidate_id"`
	Code        string  `json:"code"`
	Confidence  float64 `json:"confidence"`
	ModelID     string  `json:"model_id"`
	Reasoning   string  `json:"reasoning,omitempty"`
}

func (CandidateGenerated) Kind() EventType { return EventCandidateGenerated }

type VerificationCompleted struct {
	CandidateID string       `json:"candidate_id"`
	Passed      bool         `json:"passed"`
	Score       float64      `json:"score"`
	TierResults []TierResult `json:"tier_results,omitempty"`
}

func (VerificationCompleted) Kind() EventType { return EventVerificationCompleted }

type CandidateSelected struct {
	CandidateID string  `json:"candidate_id"`
	Code        string  `json:"code"`
	Confidence  float64 `json:"confidence"`
	// VerificationSummary is a short human-readable digest, e.g. "3/4 tiers passed".
	VerificationSummary string `json:"verification_summary,omitempty"`
	// FailureReason marks a terminal failure selection (candidate_id empty).
	FailureReason string `json:"failure_reason,omitempty"`
}

func (CandidateSelected) Kind() EventType { return EventCandidateSelected }

type IntentRefined struct {
	NewIntent       string `json:"new_intent"`
	NewParsedIntent string `json:"new_parsed_intent,omitempty"`
	ClearCandidates bool   `json:"clear_candidates"`
	// UndoSelection reverses only the last selection, keeping candidates.
	UndoSelection bool `json:"undo_selection,omitempty"`
}

func (IntentRefined) Kind() EventType { return EventIntentRefined }

type ProofGenerated struct {
	CertificateID string    `json:"certificate_id"`
	CodeHash      string    `json:"code_hash"`
	Signature     string    `json:"signature"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (ProofGenerated) Kind() EventType { return EventProofGenerated }

type IVCUDeployed struct {
	Version int64 `json:"version"`
}

func (IVCUDeployed) Kind() EventType { return EventIVCUDeployed }

type IVCUDeprecated struct {
	Reason string `json:"reason"`
}

func (IVCUDeprecated) Kind() EventType { return EventIVCUDeprecated }

// CostIncurred carries the amount as a fixed-point decimal string
// ("0.004200") so replay never accumulates float drift.
type CostIncurred struct {
	AmountUSD string `json:"amount_usd"`
	ModelID   string `json:"model_id"`
	Operation string `json:"operation"`
}

func (CostIncurred) Kind() EventType { return EventCostIncurred }

// MarshalJSON emits the wire form {event_type, payload, ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire struct {
		EventID        string          `json:"event_id"`
		AggregateID    string          `json:"aggregate_id"`
		SequenceNumber int64           `json:"sequence_number"`
		EventType      EventType       `json:"event_type"`
		Payload        json.RawMessage `json:"payload"`
		Timestamp      time.Time       `json:"timestamp"`
		ActorID        string          `json:"actor_id,omitempty"`
		ContentHash    string          `json:"content_hash,omitempty"`
		PrevHash       string          `json:"prev_hash,omitempty"`
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire{
		EventID:        e.EventID,
		AggregateID:    e.AggregateID,
		SequenceNumber: e.SequenceNumber,
		EventType:      e.EventType,
		Payload:        raw,
		Timestamp:      e.Timestamp,
		ActorID:        e.ActorID,
		ContentHash:    e.ContentHash,
		PrevHash:       e.PrevHash,
	})
}

// UnmarshalJSON decodes the wire form, dispatching the payload by its
// event_type discriminator. Unknown discriminators fail with ValidationError
// so ingest surfaces them; bus consumers catch that and skip (see projection).
func (e *Event) UnmarshalJSON(data []byte) error {
	type wire struct {
		EventID        string          `json:"event_id"`
		AggregateID    string          `json:"aggregate_id"`
		SequenceNumber int64           `json:"sequence_number"`
		EventType      EventType       `json:"event_type"`
		Payload        json.RawMessage `json:"payload"`
		Timestamp      time.Time       `json:"timestamp"`
		ActorID        string          `json:"actor_id"`
		ContentHash    string          `json:"content_hash"`
		PrevHash       string          `json:"prev_hash"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	payload, err := DecodePayload(w.EventType, w.Payload)
	if err != nil {
		return err
	}
	e.EventID = w.EventID
	e.AggregateID = w.AggregateID
	e.SequenceNumber = w.SequenceNumber
	e.EventType = w.EventType
	e.Payload = payload
	e.Timestamp = w.Timestamp
	e.ActorID = w.ActorID
	e.ContentHash = w.ContentHash
	e.PrevHash = w.PrevHash
	return nil
}
