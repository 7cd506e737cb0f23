// Package certify issues and verifies Ed25519 proof certificates over
// verified code. Certificates are immutable once issued; revocation is a
// ledger-side mark, never a mutation of certificate bytes.
package certify

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/intentforge/core/pkg/canonical"
	"github.com/intentforge/core/pkg/contracts"
)

// RevocationStatus marks ledger-side certificate standing.
type RevocationStatus string

const (
	RevocationActive  RevocationStatus = "active"
	RevocationRevoked RevocationStatus = "revoked"
)

// Certificate is one proof of verification for a code candidate.
type Certificate struct {
	CertID            string                 `json:"cert_id"`
	IVCUID            string                 `json:"ivcu_id"`
	CandidateID       string                 `json:"candidate_id"`
	CodeHash          string                 `json:"code_hash"`
	TierResults       []contracts.TierResult `json:"tier_results"`
	OverallPassed     bool                   `json:"overall_passed"`
	OverallConfidence float64                `json:"overall_confidence"`
	IssuedAt          time.Time              `json:"issued_at"`
	ExpiresAt         time.Time              `json:"expires_at,omitempty"`
	PublicKeyID       string                 `json:"public_key_id"`
	Signature         string                 `json:"signature"`
	RevocationStatus  RevocationStatus       `json:"revocation_status"`
}

// Verification is the result of checking a certificate against code.
type Verification struct {
	Valid          bool `json:"valid"`
	HashValid      bool `json:"hash_valid"`
	SignatureValid bool `json:"signature_valid"`
	Expired        bool `json:"expired"`
	Revoked        bool `json:"revoked"`
}

// Authority issues and verifies certificates with a single Ed25519 keypair.
type Authority struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	ledger  Ledger
	ttl     time.Duration
	clock   func() time.Time
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithTTL sets certificate lifetime. 0 means no expiry.
func WithTTL(ttl time.Duration) AuthorityOption {
	return func(a *Authority) { a.ttl = ttl }
}

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) AuthorityOption {
	return func(a *Authority) { a.clock = clock }
}

// NewAuthority wraps an existing keypair. ledger records issuance and
// revocation; it must be non-nil.
func NewAuthority(private ed25519.PrivateKey, ledger Ledger, opts ...AuthorityOption) *Authority {
	a := &Authority{
		private: private,
		public:  private.Public().(ed25519.PublicKey),
		ledger:  ledger,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GenerateAuthority creates an Authority with a fresh keypair.
func GenerateAuthority(ledger Ledger, opts ...AuthorityOption) (*Authority, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, &contracts.CryptoError{Op: "keygen", Reason: err.Error()}
	}
	return NewAuthority(private, ledger, opts...), nil
}

// PublicKey returns the verification key.
func (a *Authority) PublicKey() ed25519.PublicKey { return a.public }

// PublicKeyPEM renders the verification key as PKIX PEM.
func (a *Authority) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(a.public)
	if err != nil {
		return "", &contracts.CryptoError{Op: "encode_public_key", Reason: err.Error()}
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// CodeHash computes the canonical code digest.
func CodeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Issue signs a certificate over the code and tier results. Overall verdict:
// passed iff every tier passed; confidence is the mean tier confidence.
func (a *Authority) Issue(ivcuID, candidateID, code string, tiers []contracts.TierResult) (*Certificate, error) {
	now := a.clock().UTC()
	cert := &Certificate{
		CertID:           uuid.New().String(),
		IVCUID:           ivcuID,
		CandidateID:      candidateID,
		CodeHash:         CodeHash(code),
		TierResults:      tiers,
		PublicKeyID:      hex.EncodeToString(a.public[:8]),
		IssuedAt:         now,
		RevocationStatus: RevocationActive,
	}
	if a.ttl > 0 {
		cert.ExpiresAt = now.Add(a.ttl)
	}
	cert.OverallPassed = len(tiers) > 0
	sum := 0.0
	for _, t := range tiers {
		if !t.Passed {
			cert.OverallPassed = false
		}
		sum += t.Confidence
	}
	if len(tiers) > 0 {
		cert.OverallConfidence = sum / float64(len(tiers))
	}

	digest, err := signingDigest(cert)
	if err != nil {
		return nil, err
	}
	cert.Signature = hex.EncodeToString(ed25519.Sign(a.private, digest))

	if err := a.ledger.Put(cert); err != nil {
		return nil, fmt.Errorf("record certificate: %w", err)
	}
	return cert, nil
}

// Verify checks cert against code using the authority's own key.
func (a *Authority) Verify(cert *Certificate, code string) (*Verification, error) {
	return VerifyWithKey(cert, code, a.public, a.clock())
}

// VerifyWithKey checks a certificate against code under an explicit key,
// for importers that carry the issuer key alongside the bundle.
func VerifyWithKey(cert *Certificate, code string, key ed25519.PublicKey, now time.Time) (*Verification, error) {
	v := &Verification{}
	v.HashValid = cert.CodeHash == CodeHash(code)

	digest, err := signingDigest(cert)
	if err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(cert.Signature)
	if err != nil {
		return nil, &contracts.CryptoError{Op: "decode_signature", Reason: err.Error()}
	}
	v.SignatureValid = ed25519.Verify(key, digest, sig)

	v.Expired = !cert.ExpiresAt.IsZero() && now.After(cert.ExpiresAt)
	v.Revoked = cert.RevocationStatus == RevocationRevoked
	v.Valid = v.HashValid && v.SignatureValid && !v.Expired && !v.Revoked
	return v, nil
}

// Revoke marks the certificate revoked in the ledger with a reason. The
// certificate bytes a holder already exported stay untouched.
func (a *Authority) Revoke(certID, reason string) error {
	return a.ledger.Revoke(certID, reason, a.clock().UTC())
}

// Status loads the ledger's current view of a certificate.
func (a *Authority) Status(certID string) (*Certificate, error) {
	return a.ledger.Get(certID)
}

// signingDigest hashes the RFC 8785 canonical JSON of every certificate
// field except signature and revocation_status.
func signingDigest(cert *Certificate) ([]byte, error) {
	unsigned := struct {
		CertID            string                 `json:"cert_id"`
		IVCUID            string                 `json:"ivcu_id"`
		CandidateID       string                 `json:"candidate_id"`
		CodeHash          string                 `json:"code_hash"`
		TierResults       []contracts.TierResult `json:"tier_results"`
		OverallPassed     bool                   `json:"overall_passed"`
		OverallConfidence float64                `json:"overall_confidence"`
		IssuedAt          time.Time              `json:"issued_at"`
		ExpiresAt         time.Time              `json:"expires_at,omitempty"`
		PublicKeyID       string                 `json:"public_key_id"`
	}{
		CertID:            cert.CertID,
		IVCUID:            cert.IVCUID,
		CandidateID:       cert.CandidateID,
		CodeHash:          cert.CodeHash,
		TierResults:       cert.TierResults,
		OverallPassed:     cert.OverallPassed,
		OverallConfidence: cert.OverallConfidence,
		IssuedAt:          cert.IssuedAt,
		ExpiresAt:         cert.ExpiresAt,
		PublicKeyID:       cert.PublicKeyID,
	}
	data, err := canonical.Marshal(unsigned)
	if err != nil {
		return nil, &contracts.CryptoError{Op: "canonicalize", Reason: err.Error()}
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// ParsePublicKeyPEM decodes a PKIX PEM Ed25519 public key.
func ParsePublicKeyPEM(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, &contracts.CryptoError{Op: "decode_public_key", Reason: "no PEM block"}
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, &contracts.CryptoError{Op: "parse_public_key", Reason: err.Error()}
	}
	ed, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, &contracts.CryptoError{Op: "parse_public_key", Reason: "not an ed25519 key"}
	}
	return ed, nil
}

// clone returns an independent copy for ledger readers.
func (c *Certificate) clone() *Certificate {
	data, _ := json.Marshal(c)
	var out Certificate
	_ = json.Unmarshal(data, &out)
	return &out
}
