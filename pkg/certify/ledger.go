package certify

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrCertNotFound is returned for unknown certificate ids.
var ErrCertNotFound = errors.New("certificate not found")

// Ledger records issued certificates and their revocation state.
type Ledger interface {
	Put(cert *Certificate) error
	Get(certID string) (*Certificate, error)
	Revoke(certID, reason string, at time.Time) error
	ListByIVCU(ivcuID string) ([]*Certificate, error)
}

// MemoryLedger is the in-process ledger for tests and embedded use.
type MemoryLedger struct {
	mu    sync.RWMutex
	certs map[string]*Certificate
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{certs: make(map[string]*Certificate)}
}

func (l *MemoryLedger) Put(cert *Certificate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.certs[cert.CertID] = cert.clone()
	return nil
}

func (l *MemoryLedger) Get(certID string) (*Certificate, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cert, ok := l.certs[certID]
	if !ok {
		return nil, ErrCertNotFound
	}
	return cert.clone(), nil
}

func (l *MemoryLedger) Revoke(certID, reason string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cert, ok := l.certs[certID]
	if !ok {
		return ErrCertNotFound
	}
	cert.RevocationStatus = RevocationRevoked
	_ = reason // memory ledger keeps no revocation detail rows
	return nil
}

func (l *MemoryLedger) ListByIVCU(ivcuID string) ([]*Certificate, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Certificate
	for _, cert := range l.certs {
		if cert.IVCUID == ivcuID {
			out = append(out, cert.clone())
		}
	}
	return out, nil
}

// SQLiteLedger persists certificates in a local SQLite database. The
// certificate document is stored as JSON; revocation state lives in its own
// columns so a revoke never rewrites signed bytes.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open certificate ledger: %w", err)
	}
	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS certificates (
			cert_id        TEXT PRIMARY KEY,
			ivcu_id        TEXT NOT NULL,
			document       TEXT NOT NULL,
			revoked        INTEGER NOT NULL DEFAULT 0,
			revoke_reason  TEXT,
			revoked_at     TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_certificates_ivcu ON certificates(ivcu_id);
	`)
	if err != nil {
		return fmt.Errorf("migrate certificate ledger: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Put(cert *Certificate) error {
	doc, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	_, err = l.db.Exec(
		`INSERT OR REPLACE INTO certificates (cert_id, ivcu_id, document) VALUES (?, ?, ?)`,
		cert.CertID, cert.IVCUID, string(doc),
	)
	if err != nil {
		return fmt.Errorf("store certificate %s: %w", cert.CertID, err)
	}
	return nil
}

func (l *SQLiteLedger) Get(certID string) (*Certificate, error) {
	var doc string
	var revoked int
	err := l.db.QueryRow(
		`SELECT document, revoked FROM certificates WHERE cert_id = ?`, certID,
	).Scan(&doc, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load certificate %s: %w", certID, err)
	}
	var cert Certificate
	if err := json.Unmarshal([]byte(doc), &cert); err != nil {
		return nil, fmt.Errorf("decode certificate %s: %w", certID, err)
	}
	if revoked != 0 {
		cert.RevocationStatus = RevocationRevoked
	}
	return &cert, nil
}

func (l *SQLiteLedger) Revoke(certID, reason string, at time.Time) error {
	res, err := l.db.Exec(
		`UPDATE certificates SET revoked = 1, revoke_reason = ?, revoked_at = ? WHERE cert_id = ?`,
		reason, at.Format(time.RFC3339Nano), certID,
	)
	if err != nil {
		return fmt.Errorf("revoke certificate %s: %w", certID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke certificate %s: %w", certID, err)
	}
	if n == 0 {
		return ErrCertNotFound
	}
	return nil
}

func (l *SQLiteLedger) ListByIVCU(ivcuID string) ([]*Certificate, error) {
	rows, err := l.db.Query(
		`SELECT document, revoked FROM certificates WHERE ivcu_id = ? ORDER BY cert_id`, ivcuID,
	)
	if err != nil {
		return nil, fmt.Errorf("list certificates for %s: %w", ivcuID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Certificate
	for rows.Next() {
		var doc string
		var revoked int
		if err := rows.Scan(&doc, &revoked); err != nil {
			return nil, fmt.Errorf("scan certificate row: %w", err)
		}
		var cert Certificate
		if err := json.Unmarshal([]byte(doc), &cert); err != nil {
			return nil, fmt.Errorf("decode certificate: %w", err)
		}
		if revoked != 0 {
			cert.RevocationStatus = RevocationRevoked
		}
		out = append(out, &cert)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *SQLiteLedger) Close() error { return l.db.Close() }
