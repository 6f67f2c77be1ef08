package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// NftReceipt records the Bitcoin-side asset behind a deposit, keyed by the
// carrying UTXO's reveal tx hash. deposit.Pipeline writes one for every
// non-native deposit with InscriptionId set to the asset label (ticker,
// spaced rune name or inscription id) and leaves ContentType and Content
// empty; withdraw.Pipeline reads it back to label a Runes edict.
type NftReceipt struct {
	RevealTxHash  string
	InscriptionId string
	ContentType   string
	Content       []byte
	OwnerAddress  string
	CreatedAt     time.Time
}

var nftReceiptCols = []string{"reveal_tx_hash", "inscription_id", "content_type", "content", "owner_address", "created_at"}

func (r *NftReceipt) values() []any {
	return []any{r.RevealTxHash, r.InscriptionId, r.ContentType, r.Content, r.OwnerAddress, r.CreatedAt}
}

func nftReceiptFromRow(row *sql.Row) (*NftReceipt, error) {
	var r NftReceipt
	err := row.Scan(&r.RevealTxHash, &r.InscriptionId, &r.ContentType, &r.Content, &r.OwnerAddress, &r.CreatedAt)
	return &r, err
}

// WriteNftReceiptIfNotExist inserts r unless one already exists for its
// reveal tx hash.
func (s *SQLite3Store) WriteNftReceiptIfNotExist(ctx context.Context, r *NftReceipt) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existed, err := s.checkExistence(ctx, tx, "SELECT reveal_tx_hash FROM nft_receipts WHERE reveal_tx_hash=?", r.RevealTxHash)
	if err != nil || existed {
		return err
	}

	if err := s.execOne(ctx, tx, buildInsertionSQL("nft_receipts", nftReceiptCols), r.values()...); err != nil {
		return fmt.Errorf("INSERT nft_receipts %v", err)
	}
	return tx.Commit()
}

// ReadNftReceipt looks up a receipt by reveal tx hash, returning nil when
// absent.
func (s *SQLite3Store) ReadNftReceipt(ctx context.Context, revealTxHash string) (*NftReceipt, error) {
	query := fmt.Sprintf("SELECT %s FROM nft_receipts WHERE reveal_tx_hash=?", strings.Join(nftReceiptCols, ","))
	row := s.db.QueryRowContext(ctx, query, revealTxHash)
	r, err := nftReceiptFromRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}
