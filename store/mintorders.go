package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// MintOrderRecord is a persisted signed mint order, keyed by the tuple the
// original `MintOrders` stable multimap uses: (sender, src_token, nonce).
type MintOrderRecord struct {
	Sender    []byte // common.Id256, 32 bytes
	SrcToken  []byte // common.Id256, 32 bytes
	Nonce     uint32
	Variant   byte
	Payload   []byte // SignedMintOrder bytes
	CreatedAt time.Time
}

var mintOrderCols = []string{"sender", "src_token", "nonce", "variant", "payload", "created_at"}

func (r *MintOrderRecord) values() []any {
	return []any{r.Sender, r.SrcToken, r.Nonce, r.Variant, r.Payload, r.CreatedAt}
}

func mintOrderFromRow(row *sql.Row) (*MintOrderRecord, error) {
	var r MintOrderRecord
	err := row.Scan(&r.Sender, &r.SrcToken, &r.Nonce, &r.Variant, &r.Payload, &r.CreatedAt)
	return &r, err
}

// PutMintOrder inserts r, replacing any existing record for the same
// (sender, src_token, nonce) — the original `insert` returns the replaced
// order; this stores "replace" semantics directly via INSERT OR REPLACE
// since nothing in this module reads the displaced value.
func (s *SQLite3Store) PutMintOrder(ctx context.Context, r *MintOrderRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf("INSERT OR REPLACE INTO mint_orders (%s) VALUES (?,?,?,?,?,?)", strings.Join(mintOrderCols, ","))
	if _, err := tx.ExecContext(ctx, query, r.values()...); err != nil {
		return fmt.Errorf("store.PutMintOrder: %w", err)
	}
	return tx.Commit()
}

// GetMintOrder returns the record for (sender, src_token, nonce), or nil if
// none exists.
func (s *SQLite3Store) GetMintOrder(ctx context.Context, sender, srcToken []byte, nonce uint32) (*MintOrderRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM mint_orders WHERE sender=? AND src_token=? AND nonce=?", strings.Join(mintOrderCols, ","))
	row := s.db.QueryRowContext(ctx, query, sender, srcToken, nonce)
	r, err := mintOrderFromRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetAllMintOrders returns every record for (sender, src_token), ordered by
// nonce, mirroring the original `get_all` range scan.
func (s *SQLite3Store) GetAllMintOrders(ctx context.Context, sender, srcToken []byte) ([]*MintOrderRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM mint_orders WHERE sender=? AND src_token=? ORDER BY nonce ASC", strings.Join(mintOrderCols, ","))
	rows, err := s.db.QueryContext(ctx, query, sender, srcToken)
	if err != nil {
		return nil, fmt.Errorf("store.GetAllMintOrders: %w", err)
	}
	defer rows.Close()

	var out []*MintOrderRecord
	for rows.Next() {
		var r MintOrderRecord
		if err := rows.Scan(&r.Sender, &r.SrcToken, &r.Nonce, &r.Variant, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store.GetAllMintOrders: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// RemoveMintOrder deletes the record for (sender, src_token, nonce), once
// its order has been consumed by a successful `mint` call on the bridge
// contract (spec.md §4.6).
func (s *SQLite3Store) RemoveMintOrder(ctx context.Context, sender, srcToken []byte, nonce uint32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM mint_orders WHERE sender=? AND src_token=? AND nonce=?", sender, srcToken, nonce); err != nil {
		return fmt.Errorf("store.RemoveMintOrder: %w", err)
	}
	return tx.Commit()
}

// RemoveMintOrderBySenderNonce deletes every record for sender with the
// given nonce, regardless of src_token. Grounded on
// original_source/brc20-bridge/src/scheduler.rs::remove_mint_order, whose
// MintedEventData only carries (sender_id, nonce) — the Minted log the EVM
// bridge contract emits has no src_token field, unlike the generic
// MintOrders map's (sender, src_token, nonce) addressing used elsewhere in
// the original source. Nonces are allocated per (sender, src_token) pair
// (deposit.nextNonce), so in principle two different src_tokens for the
// same sender could collide on nonce value; the original has the same
// blind spot, and a single bridge-relay deployment serving one AssetKind
// keeps the collision window narrow in practice.
func (s *SQLite3Store) RemoveMintOrderBySenderNonce(ctx context.Context, sender []byte, nonce uint32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM mint_orders WHERE sender=? AND nonce=?", sender, nonce); err != nil {
		return fmt.Errorf("store.RemoveMintOrderBySenderNonce: %w", err)
	}
	return tx.Commit()
}

// ClearMintOrders removes every stored mint order.
func (s *SQLite3Store) ClearMintOrders(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM mint_orders"); err != nil {
		return fmt.Errorf("store.ClearMintOrders: %w", err)
	}
	return tx.Commit()
}
