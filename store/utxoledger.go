package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Utxo is a Bitcoin-side output the bridge's deposit address controls,
// tagged with the derivation path its signing key was generated under
// (spec.md §4.3, §4.6). Reserved utxos are held by an in-flight withdraw
// transaction and must not be selected again until released or spent.
type Utxo struct {
	TransactionHash string
	OutputIndex     uint32
	Satoshi         int64
	Script          []byte
	DerivationPath  string
	Reserved        bool
	SpentBy         sql.NullString
	CreatedAt       time.Time
}

var utxoCols = []string{"transaction_hash", "output_index", "satoshi", "script", "derivation_path", "reserved", "spent_by", "created_at"}

func (u *Utxo) values() []any {
	return []any{u.TransactionHash, u.OutputIndex, u.Satoshi, u.Script, u.DerivationPath, u.Reserved, u.SpentBy, u.CreatedAt}
}

func utxoFromRow(row *sql.Row) (*Utxo, error) {
	var u Utxo
	err := row.Scan(&u.TransactionHash, &u.OutputIndex, &u.Satoshi, &u.Script, &u.DerivationPath, &u.Reserved, &u.SpentBy, &u.CreatedAt)
	return &u, err
}

// WriteUtxoIfNotExist inserts u unless a row for the same outpoint already
// exists, mirroring the teacher's checkExistence-then-execOne shape in
// observer/accountant.go's UTXO ingestion path.
func (s *SQLite3Store) WriteUtxoIfNotExist(ctx context.Context, u *Utxo) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existed, err := s.checkExistence(ctx, tx, "SELECT transaction_hash FROM utxo_ledger WHERE transaction_hash=? AND output_index=?", u.TransactionHash, u.OutputIndex)
	if err != nil || existed {
		return err
	}

	if err := s.execOne(ctx, tx, buildInsertionSQL("utxo_ledger", utxoCols), u.values()...); err != nil {
		return fmt.Errorf("INSERT utxo_ledger %v", err)
	}
	return tx.Commit()
}

// ListSpendableUtxos returns unreserved, unspent outputs for deposit
// address scripts in scripts, ordered oldest-first so the fee estimator
// sees a stable candidate set across retries.
func (s *SQLite3Store) ListSpendableUtxos(ctx context.Context, scripts [][]byte) ([]*Utxo, error) {
	if len(scripts) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(scripts))
	args := make([]any, len(scripts))
	for i, sc := range scripts {
		placeholders[i] = "?"
		args[i] = sc
	}
	query := fmt.Sprintf(
		"SELECT %s FROM utxo_ledger WHERE reserved=0 AND spent_by IS NULL AND script IN (%s) ORDER BY created_at ASC",
		strings.Join(utxoCols, ","), strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store.ListSpendableUtxos: %w", err)
	}
	defer rows.Close()

	var out []*Utxo
	for rows.Next() {
		var u Utxo
		if err := rows.Scan(&u.TransactionHash, &u.OutputIndex, &u.Satoshi, &u.Script, &u.DerivationPath, &u.Reserved, &u.SpentBy, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("store.ListSpendableUtxos: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// ReserveUtxos marks the given outpoints reserved, preventing a concurrent
// withdraw attempt from double-spending them while a transaction built
// against them is outstanding (spec.md §4.7 reserve-before-sign discipline).
func (s *SQLite3Store) ReserveUtxos(ctx context.Context, outpoints [][2]any) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, op := range outpoints {
		if err := s.execOne(ctx, tx, "UPDATE utxo_ledger SET reserved=1 WHERE transaction_hash=? AND output_index=? AND reserved=0", op[0], op[1]); err != nil {
			return fmt.Errorf("UPDATE utxo_ledger reserve %v", err)
		}
	}
	return tx.Commit()
}

// MarkUtxoSpent records spendTxHash against the outpoint and leaves it
// marked reserved, once the spending transaction has been broadcast.
func (s *SQLite3Store) MarkUtxoSpent(ctx context.Context, txHash string, outputIndex uint32, spendTxHash string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.execOne(ctx, tx, "UPDATE utxo_ledger SET spent_by=?, reserved=1 WHERE transaction_hash=? AND output_index=?", spendTxHash, txHash, outputIndex); err != nil {
		return fmt.Errorf("UPDATE utxo_ledger spend %v", err)
	}
	return tx.Commit()
}

// ReleaseUtxoReservation clears a reservation without marking the output
// spent, used when a withdraw attempt aborts before broadcast.
func (s *SQLite3Store) ReleaseUtxoReservation(ctx context.Context, txHash string, outputIndex uint32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE utxo_ledger SET reserved=0 WHERE transaction_hash=? AND output_index=? AND spent_by IS NULL", txHash, outputIndex); err != nil {
		return fmt.Errorf("UPDATE utxo_ledger release %v", err)
	}
	return tx.Commit()
}

// ReadUtxo returns a single outpoint's ledger row, or nil if unknown.
func (s *SQLite3Store) ReadUtxo(ctx context.Context, txHash string, outputIndex uint32) (*Utxo, error) {
	query := fmt.Sprintf("SELECT %s FROM utxo_ledger WHERE transaction_hash=? AND output_index=?", strings.Join(utxoCols, ","))
	row := s.db.QueryRowContext(ctx, query, txHash, outputIndex)
	u, err := utxoFromRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}
