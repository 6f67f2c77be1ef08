package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PendingSigningRequest is an at-rest encrypted audit record of a signing
// request in flight to an external threshold-key service: written just
// before the HTTP round trip and removed once the signature comes back, so
// a crash mid-flight leaves evidence of exactly which requests were
// outstanding. Ciphertext is opaque to this package — encryption and
// decryption are the caller's responsibility (signerkey.ThresholdSigner).
type PendingSigningRequest struct {
	Id         string
	Path       string
	Ciphertext []byte
	CreatedAt  time.Time
}

var signingReqCols = []string{"id", "path", "ciphertext", "created_at"}

// WritePendingSigningRequest persists rec, replacing any existing row with
// the same id (a retried request reuses its id).
func (s *SQLite3Store) WritePendingSigningRequest(ctx context.Context, rec *PendingSigningRequest) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO pending_signing_requests (id,path,ciphertext,created_at) VALUES (?,?,?,?)",
		rec.Id, rec.Path, rec.Ciphertext, rec.CreatedAt); err != nil {
		return fmt.Errorf("INSERT pending_signing_requests %v", err)
	}
	return tx.Commit()
}

// RemovePendingSigningRequest deletes the audit record for id, once its
// signature has been returned by the external service.
func (s *SQLite3Store) RemovePendingSigningRequest(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_signing_requests WHERE id=?", id); err != nil {
		return fmt.Errorf("DELETE pending_signing_requests %v", err)
	}
	return tx.Commit()
}

// ReadPendingSigningRequest returns the audit record for id, or nil if none
// is outstanding.
func (s *SQLite3Store) ReadPendingSigningRequest(ctx context.Context, id string) (*PendingSigningRequest, error) {
	query := fmt.Sprintf("SELECT %s FROM pending_signing_requests WHERE id=?", strings.Join(signingReqCols, ","))
	row := s.db.QueryRowContext(ctx, query, id)
	var rec PendingSigningRequest
	err := row.Scan(&rec.Id, &rec.Path, &rec.Ciphertext, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &rec, err
}

// ListPendingSigningRequests returns every outstanding audit record, oldest
// first — used at startup to surface signing requests that were in flight
// when the process last crashed.
func (s *SQLite3Store) ListPendingSigningRequests(ctx context.Context) ([]*PendingSigningRequest, error) {
	query := fmt.Sprintf("SELECT %s FROM pending_signing_requests ORDER BY created_at ASC", strings.Join(signingReqCols, ","))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store.ListPendingSigningRequests: %w", err)
	}
	defer rows.Close()

	var out []*PendingSigningRequest
	for rows.Next() {
		var rec PendingSigningRequest
		if err := rows.Scan(&rec.Id, &rec.Path, &rec.Ciphertext, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("store.ListPendingSigningRequests: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
