package certify

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentforge/core/pkg/contracts"
)

const certCode = "def add(a, b):\n    return a + b\n"

func testAuthority(t *testing.T, opts ...AuthorityOption) *Authority {
	t.Helper()
	a, err := GenerateAuthority(NewMemoryLedger(), opts...)
	require.NoError(t, err)
	return a
}

func passedTiers() []contracts.TierResult {
	return []contracts.TierResult{
		{Tier: 0, Passed: true, Confidence: 1},
		{Tier: 1, Passed: true, Confidence: 0.9},
	}
}

func TestIssueAndVerify(t *testing.T) {
	a := testAuthority(t)

	cert, err := a.Issue("ivcu-1", "cand-1", certCode, passedTiers())
	require.NoError(t, err)

	assert.NotEmpty(t, cert.CertID)
	assert.True(t, cert.OverallPassed)
	assert.InDelta(t, 0.95, cert.OverallConfidence, 1e-9)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, cert.CodeHash)
	assert.Equal(t, RevocationActive, cert.RevocationStatus)

	v, err := a.Verify(cert, certCode)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.True(t, v.HashValid)
	assert.True(t, v.SignatureValid)
	assert.False(t, v.Expired)
	assert.False(t, v.Revoked)
}

func TestVerifyDetectsTamperedCode(t *testing.T) {
	a := testAuthority(t)
	cert, err := a.Issue("ivcu-1", "cand-1", certCode, passedTiers())
	require.NoError(t, err)

	v, err := a.Verify(cert, certCode+"\nimport os\n")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.False(t, v.HashValid)
	assert.True(t, v.SignatureValid)
}

func TestVerifyDetectsMutatedCertificate(t *testing.T) {
	a := testAuthority(t)
	cert, err := a.Issue("ivcu-1", "cand-1", certCode, []contracts.TierResult{
		{Tier: 1, Passed: false, Confidence: 0.2},
	})
	require.NoError(t, err)
	require.False(t, cert.OverallPassed)

	forged := *cert
	forged.OverallPassed = true

	v, err := a.Verify(&forged, certCode)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.True(t, v.HashValid)
	assert.False(t, v.SignatureValid)
}

func TestVerifyWithWrongKey(t *testing.T) {
	a := testAuthority(t)
	other := testAuthority(t)
	cert, err := a.Issue("ivcu-1", "cand-1", certCode, passedTiers())
	require.NoError(t, err)

	v, err := VerifyWithKey(cert, certCode, other.PublicKey(), time.Now())
	require.NoError(t, err)
	assert.False(t, v.SignatureValid)
	assert.True(t, v.HashValid)
}

func TestMixedTiersFailOverall(t *testing.T) {
	a := testAuthority(t)
	cert, err := a.Issue("ivcu-1", "cand-1", certCode, []contracts.TierResult{
		{Tier: 0, Passed: true, Confidence: 1},
		{Tier: 1, Passed: false, Confidence: 0.2},
	})
	require.NoError(t, err)

	assert.False(t, cert.OverallPassed)
	assert.InDelta(t, 0.6, cert.OverallConfidence, 1e-9)
}

func TestIssueWithoutTiersNeverPasses(t *testing.T) {
	a := testAuthority(t)
	cert, err := a.Issue("ivcu-1", "cand-1", certCode, nil)
	require.NoError(t, err)
	assert.False(t, cert.OverallPassed)
	assert.Zero(t, cert.OverallConfidence)
}

func TestCertificateExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := testAuthority(t, WithTTL(time.Hour), WithClock(func() time.Time { return now }))

	cert, err := a.Issue("ivcu-1", "cand-1", certCode, passedTiers())
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), cert.ExpiresAt)

	v, err := a.Verify(cert, certCode)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	now = now.Add(2 * time.Hour)
	v, err = a.Verify(cert, certCode)
	require.NoError(t, err)
	assert.True(t, v.Expired)
	assert.False(t, v.Valid)
}

func TestRevocationIsLedgerSide(t *testing.T) {
	a := testAuthority(t)
	holderCopy, err := a.Issue("ivcu-1", "cand-1", certCode, passedTiers())
	require.NoError(t, err)

	require.NoError(t, a.Revoke(holderCopy.CertID, "sandbox escape found"))

	status, err := a.Status(holderCopy.CertID)
	require.NoError(t, err)
	assert.Equal(t, RevocationRevoked, status.RevocationStatus)

	v, err := a.Verify(status, certCode)
	require.NoError(t, err)
	assert.True(t, v.Revoked)
	assert.False(t, v.Valid)
	assert.True(t, v.SignatureValid, "revocation never rewrites signed bytes")

	// The copy the holder already exported is untouched.
	assert.Equal(t, RevocationActive, holderCopy.RevocationStatus)
	v, err = a.Verify(holderCopy, certCode)
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestRevokeUnknownCertificate(t *testing.T) {
	a := testAuthority(t)
	assert.ErrorIs(t, a.Revoke("no-such-cert", "reason"), ErrCertNotFound)

	_, err := a.Status("no-such-cert")
	assert.ErrorIs(t, err, ErrCertNotFound)
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	a := testAuthority(t)
	pemStr, err := a.PublicKeyPEM()
	require.NoError(t, err)

	key, err := ParsePublicKeyPEM(pemStr)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), key)

	_, err = ParsePublicKeyPEM("not a pem block")
	var ce *contracts.CryptoError
	assert.ErrorAs(t, err, &ce)
}

func TestBundleExportImportRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := testAuthority(t, WithClock(func() time.Time { return now }))
	cert, err := a.Issue("ivcu-1", "cand-1", certCode, passedTiers())
	require.NoError(t, err)

	bundle, err := a.Export(cert, certCode)
	require.NoError(t, err)
	assert.Equal(t, BundleVersion, bundle.Version)
	assert.Equal(t, cert.CodeHash, bundle.CodeHash)

	raw, err := json.Marshal(bundle)
	require.NoError(t, err)

	imported, v, err := ImportBundle(raw, now)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "ivcu-1", imported.IVCUID)
	assert.Equal(t, cert.CertID, imported.Proof.CertID)
}

func TestImportBundleTamperedCodeFailsVerification(t *testing.T) {
	a := testAuthority(t)
	cert, err := a.Issue("ivcu-1", "cand-1", certCode, passedTiers())
	require.NoError(t, err)
	bundle, err := a.Export(cert, certCode)
	require.NoError(t, err)

	bundle.Code = certCode + "\nimport os\n"
	raw, err := json.Marshal(bundle)
	require.NoError(t, err)

	_, v, err := ImportBundle(raw, time.Now())
	require.NoError(t, err, "tampering is a verification verdict, not an import error")
	assert.False(t, v.HashValid)
	assert.False(t, v.Valid)
}

func TestImportBundleRejectsNewerMajorVersion(t *testing.T) {
	a := testAuthority(t)
	cert, err := a.Issue("ivcu-1", "cand-1", certCode, passedTiers())
	require.NoError(t, err)
	bundle, err := a.Export(cert, certCode)
	require.NoError(t, err)

	bundle.Version = "2.0.0"
	raw, err := json.Marshal(bundle)
	require.NoError(t, err)

	_, _, err = ImportBundle(raw, time.Now())
	var ve *contracts.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "version", ve.Field)
	assert.Contains(t, ve.Reason, "newer than supported")
}

func TestImportBundleRejectsHashDisagreement(t *testing.T) {
	a := testAuthority(t)
	cert, err := a.Issue("ivcu-1", "cand-1", certCode, passedTiers())
	require.NoError(t, err)
	bundle, err := a.Export(cert, certCode)
	require.NoError(t, err)

	bundle.CodeHash = CodeHash("something else entirely")
	raw, err := json.Marshal(bundle)
	require.NoError(t, err)

	_, _, err = ImportBundle(raw, time.Now())
	var ve *contracts.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "code_hash", ve.Field)
}

func TestImportBundleRejectsUnknownFields(t *testing.T) {
	a := testAuthority(t)
	cert, err := a.Issue("ivcu-1", "cand-1", certCode, passedTiers())
	require.NoError(t, err)
	bundle, err := a.Export(cert, certCode)
	require.NoError(t, err)

	raw, err := json.Marshal(bundle)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["injected"] = true
	raw, err = json.Marshal(doc)
	require.NoError(t, err)

	_, _, err = ImportBundle(raw, time.Now())
	var ve *contracts.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestImportBundleRejectsMalformedJSON(t *testing.T) {
	_, _, err := ImportBundle([]byte("{not json"), time.Now())
	var ve *contracts.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "not valid JSON")
}

func TestSQLiteLedger(t *testing.T) {
	l, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	_, err = l.Get("missing")
	assert.ErrorIs(t, err, ErrCertNotFound)
	assert.ErrorIs(t, l.Revoke("missing", "r", time.Now()), ErrCertNotFound)

	a, err := GenerateAuthority(l)
	require.NoError(t, err)

	first, err := a.Issue("ivcu-1", "cand-1", certCode, passedTiers())
	require.NoError(t, err)
	second, err := a.Issue("ivcu-1", "cand-2", certCode, passedTiers())
	require.NoError(t, err)
	_, err = a.Issue("ivcu-2", "cand-3", certCode, passedTiers())
	require.NoError(t, err)

	got, err := l.Get(first.CertID)
	require.NoError(t, err)
	assert.Equal(t, first.Signature, got.Signature)

	require.NoError(t, a.Revoke(first.CertID, "superseded"))
	got, err = l.Get(first.CertID)
	require.NoError(t, err)
	assert.Equal(t, RevocationRevoked, got.RevocationStatus)

	v, err := a.Verify(got, certCode)
	require.NoError(t, err)
	assert.True(t, v.SignatureValid)
	assert.False(t, v.Valid)

	stillActive, err := l.Get(second.CertID)
	require.NoError(t, err)
	assert.Equal(t, RevocationActive, stillActive.RevocationStatus)

	listed, err := l.ListByIVCU("ivcu-1")
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestCertificateRoundTripProperty(t *testing.T) {
	a := testAuthority(t)

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 30
	props := gopter.NewProperties(params)

	props.Property("issue then verify is valid for any code", prop.ForAll(
		func(code string) bool {
			cert, err := a.Issue("ivcu-p", "cand-p", code, passedTiers())
			if err != nil {
				return false
			}
			v, err := a.Verify(cert, code)
			return err == nil && v.Valid
		},
		gen.AnyString(),
	))

	props.TestingRun(t)
}
