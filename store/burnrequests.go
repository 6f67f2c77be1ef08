package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/chainfusion-labs/bridge-relay/common"
)

// BurnRequest is one EVM-side burn event the withdraw pipeline must turn
// into a Bitcoin-side (or ordinal/BRC-20) transfer (spec.md §4.7). It is
// keyed by the burn event's (tx hash, log index) so a re-observed event
// never produces two withdrawals.
type BurnRequest struct {
	RequestId       string
	BurnTxHash      string
	LogIndex        uint32
	Sender          []byte // common.Id256
	DstToken        []byte // common.Id256
	Amount          []byte // u256 big-endian
	Recipient       string // Bitcoin address or script
	DerivationPath  string
	State           common.RequestState
	TransferTxHash  sql.NullString
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

var burnRequestCols = []string{"request_id", "burn_tx_hash", "log_index", "sender", "dst_token", "amount", "recipient", "derivation_path", "state", "transfer_tx_hash", "created_at", "updated_at"}

func (r *BurnRequest) values() []any {
	return []any{r.RequestId, r.BurnTxHash, r.LogIndex, r.Sender, r.DstToken, r.Amount, r.Recipient, r.DerivationPath, r.State, r.TransferTxHash, r.CreatedAt, r.UpdatedAt}
}

func burnRequestFromRow(row *sql.Row) (*BurnRequest, error) {
	var r BurnRequest
	err := row.Scan(&r.RequestId, &r.BurnTxHash, &r.LogIndex, &r.Sender, &r.DstToken, &r.Amount, &r.Recipient, &r.DerivationPath, &r.State, &r.TransferTxHash, &r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

// WriteBurnRequestIfNotExist inserts req unless a row for the same burn
// event already exists, matching keeper/store/request.go's
// WriteRequestIfNotExist idiom.
func (s *SQLite3Store) WriteBurnRequestIfNotExist(ctx context.Context, req *BurnRequest) error {
	if req.State == 0 {
		panic(req)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existed, err := s.checkExistence(ctx, tx, "SELECT request_id FROM burn_requests WHERE burn_tx_hash=? AND log_index=?", req.BurnTxHash, req.LogIndex)
	if err != nil || existed {
		return err
	}

	if err := s.execOne(ctx, tx, buildInsertionSQL("burn_requests", burnRequestCols), req.values()...); err != nil {
		return fmt.Errorf("INSERT burn_requests %v", err)
	}
	return tx.Commit()
}

// SetBurnRequestTransferred records the Bitcoin-side transfer tx hash and
// moves req to RequestStateDone.
func (s *SQLite3Store) SetBurnRequestTransferred(ctx context.Context, requestId, transferTxHash string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = s.execOne(ctx, tx, "UPDATE burn_requests SET state=?, transfer_tx_hash=?, updated_at=? WHERE request_id=? AND state=?",
		common.RequestStateDone, transferTxHash, time.Now().UTC(), requestId, common.RequestStateInitial)
	if err != nil {
		return fmt.Errorf("UPDATE burn_requests %v", err)
	}
	return tx.Commit()
}

// SetBurnRequestFailed marks req as permanently failed, used by the
// withdraw pipeline when it drops a burn for a non-retryable defect
// (invalid recipient, unknown inscription utxo).
func (s *SQLite3Store) SetBurnRequestFailed(ctx context.Context, requestId string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = s.execOne(ctx, tx, "UPDATE burn_requests SET state=?, updated_at=? WHERE request_id=? AND state=?",
		common.RequestStateFailed, time.Now().UTC(), requestId, common.RequestStateInitial)
	if err != nil {
		return fmt.Errorf("UPDATE burn_requests %v", err)
	}
	return tx.Commit()
}

// ReadBurnRequest returns the request by id, or nil if unknown.
func (s *SQLite3Store) ReadBurnRequest(ctx context.Context, requestId string) (*BurnRequest, error) {
	query := fmt.Sprintf("SELECT %s FROM burn_requests WHERE request_id=?", strings.Join(burnRequestCols, ","))
	row := s.db.QueryRowContext(ctx, query, requestId)
	r, err := burnRequestFromRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ReadPendingBurnRequest returns the oldest RequestStateInitial request, or
// nil if the queue is drained.
func (s *SQLite3Store) ReadPendingBurnRequest(ctx context.Context) (*BurnRequest, error) {
	query := fmt.Sprintf("SELECT %s FROM burn_requests WHERE state=? ORDER BY created_at ASC LIMIT 1", strings.Join(burnRequestCols, ","))
	row := s.db.QueryRowContext(ctx, query, common.RequestStateInitial)
	r, err := burnRequestFromRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}
