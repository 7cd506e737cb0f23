package certify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/intentforge/core/pkg/contracts"
)

// BundleVersion is the current export format version.
const BundleVersion = "1.0.0"

// maxBundleVersion gates imports: bundles from a newer major version are
// rejected rather than misread.
var maxBundleVersion = semver.MustParse(BundleVersion)

// Bundle is a self-describing certificate export. It carries everything an
// offline verifier needs: the code, its certificate, and the issuer key.
type Bundle struct {
	Version      string       `json:"version"`
	IVCUID       string       `json:"ivcu_id"`
	Code         string       `json:"code"`
	CodeHash     string       `json:"code_hash"`
	Proof        *Certificate `json:"proof"`
	PublicKeyPEM string       `json:"public_key_pem"`
	CreatedAt    time.Time    `json:"created_at"`
}

const bundleSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["version", "ivcu_id", "code", "code_hash", "proof", "public_key_pem", "created_at"],
	"properties": {
		"version":        {"type": "string", "pattern": "^\\d+\\.\\d+\\.\\d+$"},
		"ivcu_id":        {"type": "string", "minLength": 1},
		"code":           {"type": "string"},
		"code_hash":      {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
		"proof":          {"type": "object"},
		"public_key_pem": {"type": "string", "minLength": 1},
		"created_at":     {"type": "string"}
	},
	"additionalProperties": false
}`

var compiledBundleSchema = jsonschema.MustCompileString("bundle.json", bundleSchema)

// Export wraps a certificate and its code into a portable bundle.
func (a *Authority) Export(cert *Certificate, code string) (*Bundle, error) {
	pemKey, err := a.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Version:      BundleVersion,
		IVCUID:       cert.IVCUID,
		Code:         code,
		CodeHash:     cert.CodeHash,
		Proof:        cert.clone(),
		PublicKeyPEM: pemKey,
		CreatedAt:    a.clock().UTC(),
	}, nil
}

// ImportBundle validates raw bundle JSON, gates its format version, and
// re-verifies hash and signature against the bundled key. The verification
// outcome rides back with the bundle; callers decide what an expired or
// failed proof means for them.
func ImportBundle(raw []byte, now time.Time) (*Bundle, *Verification, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, &contracts.ValidationError{Field: "bundle", Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if err := compiledBundleSchema.Validate(doc); err != nil {
		return nil, nil, &contracts.ValidationError{Field: "bundle", Reason: err.Error()}
	}

	var b Bundle
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return nil, nil, &contracts.ValidationError{Field: "bundle", Reason: err.Error()}
	}

	ver, err := semver.NewVersion(b.Version)
	if err != nil {
		return nil, nil, &contracts.ValidationError{Field: "version", Reason: err.Error()}
	}
	if ver.Major() > maxBundleVersion.Major() {
		return nil, nil, &contracts.ValidationError{
			Field:  "version",
			Reason: fmt.Sprintf("bundle format %s is newer than supported %s", b.Version, BundleVersion),
		}
	}

	if b.CodeHash != b.Proof.CodeHash {
		return nil, nil, &contracts.ValidationError{
			Field:  "code_hash",
			Reason: "bundle code_hash disagrees with proof code_hash",
		}
	}

	key, err := ParsePublicKeyPEM(b.PublicKeyPEM)
	if err != nil {
		return nil, nil, err
	}
	verification, err := VerifyWithKey(b.Proof, b.Code, key, now)
	if err != nil {
		return nil, nil, err
	}
	return &b, verification, nil
}
