package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReadProperty returns the raw value stored under key, or nil if unset.
// Used for small, infrequently-written cells that don't warrant their own
// table — e.g. the deposit pipeline's per-token mint_nonce/ counters and
// the bridge's stored BFT configuration.
func (s *SQLite3Store) ReadProperty(ctx context.Context, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, "SELECT value FROM properties WHERE key=?", key)
	var v []byte
	err := row.Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.ReadProperty(%s): %w", key, err)
	}
	return v, nil
}

// WriteProperty upserts key=value.
func (s *SQLite3Store) WriteProperty(ctx context.Context, key string, value []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO properties (key,value,updated_at) VALUES (?,?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("UPSERT properties %v", err)
	}
	return tx.Commit()
}
