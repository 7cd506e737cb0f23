package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Payload schemas, compiled once at init. Ingest is fail-closed: unknown
// fields and unknown discriminators are rejected with ValidationError.

var payloadSchemas = map[EventType]*jsonschema.Schema{}

var rawSchemas = map[EventType]string{
	EventIntentCreated: `{
		"type": "object",
		"required": ["raw_intent", "language"],
		"properties": {
			"raw_intent": {"type": "string", "minLength": 1},
			"parsed_intent": {"type": "string"},
			"language": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	EventContractAdded: `{
		"type": "object",
		"required": ["contract"],
		"properties": {
			"contract": {
				"type": "object",
				"required": ["kind", "expression"],
				"properties": {
					"kind": {"enum": ["pre", "post", "invariant"]},
					"expression": {"type": "string", "minLength": 1},
					"description": {"type": "string"}
				},
				"additionalProperties": false
			}
		},
		"additionalProperties": false
	}`,
	EventCandidateGenerated: `{
		"type": "object",
		"required": ["candidate_id", "code", "model_id"],
		"properties": {
			"candidate_id": {"type": "string", "minLength": 1},
			"code": {"type": "string"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"model_id": {"type": "string", "minLength": 1},
			"reasoning": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	EventVerificationCompleted: `{
		"type": "object",
		"required": ["candidate_id", "passed", "score"],
		"properties": {
			"candidate_id": {"type": "string", "minLength": 1},
			"passed": {"type": "boolean"},
			"score": {"type": "number", "minimum": 0, "maximum": 1},
			"tier_results": {"type": "array"}
		},
		"additionalProperties": false
	}`,
	EventCandidateSelected: `{
		"type": "object",
		"properties": {
			"candidate_id": {"type": "string"},
			"code": {"type": "string"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"verification_summary": {"type": "string"},
			"failure_reason": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	EventIntentRefined: `{
		"type": "object",
		"required": ["new_intent", "clear_candidates"],
		"properties": {
			"new_intent": {"type": "string"},
			"new_parsed_intent": {"type": "string"},
			"clear_candidates": {"type": "boolean"},
			"undo_selection": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	EventProofGenerated: `{
		"type": "object",
		"required": ["certificate_id", "code_hash", "signature"],
		"properties": {
			"certificate_id": {"type": "string", "minLength": 1},
			"code_hash": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
			"signature": {"type": "string", "pattern": "^[0-9a-f]{128}$"},
			"expires_at": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	EventIVCUDeployed: `{
		"type": "object",
		"required": ["version"],
		"properties": {"version": {"type": "integer", "minimum": 1}},
		"additionalProperties": false
	}`,
	EventIVCUDeprecated: `{
		"type": "object",
		"required": ["reason"],
		"properties": {"reason": {"type": "string"}},
		"additionalProperties": false
	}`,
	EventCostIncurred: `{
		"type": "object",
		"required": ["amount_usd", "model_id", "operation"],
		"properties": {
			"amount_usd": {"type": "string", "pattern": "^-?[0-9]+(\\.[0-9]+)?$"},
			"model_id": {"type": "string", "minLength": 1},
			"operation": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
}

func init() {
	for et, raw := range rawSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://intentforge.schemas.local/events/%s.schema.json", strings.ToLower(string(et)))
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("event schema %s load failed: %v", et, err))
		}
		compiled, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("event schema %s compile failed: %v", et, err))
		}
		payloadSchemas[et] = compiled
	}
}

// ValidatePayloadJSON checks raw payload bytes against the schema for et.
func ValidatePayloadJSON(et EventType, raw []byte) error {
	schema, ok := payloadSchemas[et]
	if !ok {
		return &ValidationError{Field: "event_type", Reason: "unknown event type " + string(et)}
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return &ValidationError{Field: "payload", Reason: "invalid JSON: " + err.Error()}
	}
	if err := schema.Validate(v); err != nil {
		return &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}

// DecodePayload validates and decodes raw bytes into the typed variant for et.
func DecodePayload(et EventType, raw []byte) (Payload, error) {
	if err := ValidatePayloadJSON(et, raw); err != nil {
		return nil, err
	}
	var target Payload
	switch et {
	case EventIntentCreated:
		target = &IntentCreated{}
	case EventContractAdded:
		target = &ContractAdded{}
	case EventCandidateGenerated:
		target = &CandidateGenerated{}
	case EventVerificationCompleted:
		target = &VerificationCompleted{}
	case EventCandidateSelected:
		target = &CandidateSelected{}
	case EventIntentRefined:
		target = &IntentRefined{}
	case EventProofGenerated:
		target = &ProofGenerated{}
	case EventIVCUDeployed:
		target = &IVCUDeployed{}
	case EventIVCUDeprecated:
		target = &IVCUDeprecated{}
	case EventCostIncurred:
		target = &CostIncurred{}
	default:
		return nil, &ValidationError{Field: "event_type", Reason: "unknown event type " + string(et)}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return deref(target), nil
}

// deref returns the value form so payload equality works in tests.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *IntentCreated:
		return *v
	case *ContractAdded:
		return *v
	case *CandidateGenerated:
		return *v
	case *VerificationCompleted:
		return *v
	case *CandidateSelected:
		return *v
	case *IntentRefined:
		return *v
	case *ProofGenerated:
		return *v
	case *IVCUDeployed:
		return *v
	case *IVCUDeprecated:
		return *v
	case *CostIncurred:
		return *v
	default:
		return p
	}
}
