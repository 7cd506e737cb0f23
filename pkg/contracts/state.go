package contracts

import "time"

// Status is the lifecycle state of an IVCU aggregate.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusGenerating Status = "generating"
	StatusVerifying  Status = "verifying"
	StatusVerified   Status = "verified"
	StatusFailed     Status = "failed"
	StatusDeployed   Status = "deployed"
	StatusDeprecated Status = "deprecated"
)

// VerifierResult is the outcome of one verifier inside a tier.
type VerifierResult struct {
	Name       string   `json:"name"`
	Passed     bool     `json:"passed"`
	Confidence float64  `json:"confidence"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

// TierResult aggregates one verification tier (0..3).
// A tier passes iff every verifier passed and the min confidence is >= 0.5.
type TierResult struct {
	Tier        int              `json:"tier"`
	Passed      bool             `json:"passed"`
	Confidence  float64          `json:"confidence"`
	Verifiers   []VerifierResult `json:"verifiers,omitempty"`
	Limitations []string         `json:"limitations,omitempty"`
	DurationMs  int64            `json:"duration_ms"`
}

// VerificationSummary is the per-candidate verification digest.
type VerificationSummary struct {
	Passed      bool         `json:"passed"`
	Score       float64      `json:"score"`
	TierResults []TierResult `json:"tier_results,omitempty"`
}

// Candidate is one generated code candidate of an IVCU.
type Candidate struct {
	CandidateID  string               `json:"candidate_id"`
	Code         string               `json:"code"`
	Confidence   float64              `json:"confidence"`
	ModelID      string               `json:"model_id"`
	Reasoning    string               `json:"reasoning,omitempty"`
	Verification *VerificationSummary `json:"verification,omitempty"`
	Pruned       bool                 `json:"pruned,omitempty"`
}

// IVCUState is the read model folded from an aggregate's events.
// Version always equals the max applied sequence number.
type IVCUState struct {
	AggregateID         string      `json:"aggregate_id"`
	Version             int64       `json:"version"`
	RawIntent           string      `json:"raw_intent,omitempty"`
	ParsedIntent        string      `json:"parsed_intent,omitempty"`
	Contracts           []Contract  `json:"contracts,omitempty"`
	Candidates          []Candidate `json:"candidates,omitempty"`
	SelectedCandidateID string      `json:"selected_candidate_id,omitempty"`
	Code                string      `json:"code,omitempty"`
	Language            string      `json:"language,omitempty"`
	Confidence          float64     `json:"confidence"`
	Status              Status      `json:"status"`
	GenerationStrategy  string      `json:"generation_strategy,omitempty"`
	CertificateID       string      `json:"certificate_id,omitempty"`
	FailureReason       string      `json:"failure_reason,omitempty"`
	// TotalCostMicroUSD is fixed-point (1e-6 USD) to keep replay exact.
	TotalCostMicroUSD int64     `json:"total_cost_micro_usd"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// TotalCostUSD renders the accumulated cost as a decimal string.
func (s *IVCUState) TotalCostUSD() string {
	return FormatMicroUSD(s.TotalCostMicroUSD)
}

// Candidate returns the candidate with the given id, or nil.
func (s *IVCUState) Candidate(id string) *Candidate {
	for i := range s.Candidates {
		if s.Candidates[i].CandidateID == id {
			return &s.Candidates[i]
		}
	}
	return nil
}

// AuditEntry is one row of the per-aggregate audit trail.
type AuditEntry struct {
	Sequence  int64     `json:"sequence"`
	Kind      EventType `json:"kind"`
	Timestamp time.Time `json:"ts"`
	ActorID   string    `json:"actor,omitempty"`
}

// CostLedger summarizes COST_INCURRED events for one aggregate.
type CostLedger struct {
	TotalMicroUSD int64     `json:"total_micro_usd"`
	Count         int       `json:"count"`
	FirstAt       time.Time `json:"first_ts,omitempty"`
	LastAt        time.Time `json:"last_ts,omitempty"`
}

// TotalUSD renders the ledger total as a decimal string.
func (c *CostLedger) TotalUSD() string { return FormatMicroUSD(c.TotalMicroUSD) }
