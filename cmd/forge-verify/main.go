// Command forge-verify checks an exported certificate bundle offline. It
// trusts nothing but the bundle itself: the Ed25519 key travels inside it,
// and verification is pure hash and signature arithmetic — no network, no
// server state.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/intentforge/core/pkg/certify"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// report is the machine-readable verification outcome.
type report struct {
	Valid          bool      `json:"valid"`
	HashValid      bool      `json:"hash_valid"`
	SignatureValid bool      `json:"signature_valid"`
	Expired        bool      `json:"expired"`
	Revoked        bool      `json:"revoked"`
	CertID         string    `json:"cert_id,omitempty"`
	IVCUID         string    `json:"ivcu_id,omitempty"`
	CodeHash       string    `json:"code_hash,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("forge-verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	quiet := fs.Bool("q", false, "suppress the report, exit code only")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: forge-verify [-q] <bundle.json>  (or - for stdin)")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	raw, err := readBundle(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "read bundle: %v\n", err)
		return 2
	}

	bundle, verification, err := certify.ImportBundle(raw, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "invalid bundle: %v\n", err)
		return 1
	}

	rep := report{
		Valid:          verification.Valid,
		HashValid:      verification.HashValid,
		SignatureValid: verification.SignatureValid,
		Expired:        verification.Expired,
		Revoked:        verification.Revoked,
		CertID:         bundle.Proof.CertID,
		IVCUID:         bundle.IVCUID,
		CodeHash:       bundle.CodeHash,
		ExpiresAt:      bundle.Proof.ExpiresAt,
	}
	if !*quiet {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
	}
	if !rep.Valid {
		return 1
	}
	return 0
}

func readBundle(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
