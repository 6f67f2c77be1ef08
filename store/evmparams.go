package store

import (
	"context"
	"database/sql"
	"fmt"
)

// EvmParams is the cached chain state the event collector and mint-order
// signer need on every cycle (spec.md §4.5, §4.8): the EVM chain id, the
// cached legacy gas price, the bridge contract address, next_block (the
// checkpoint the collector advances as it consumes logs) and nonce (the
// bridge signer's next outgoing EVM transaction nonce, bumped by the
// deposit pipeline on every successful mint submission). It lives in its
// own single-row table rather than the generic property cell because
// every field is read together on the collector's and deposit pipeline's
// hot paths.
type EvmParams struct {
	ChainID        uint64
	GasPrice       []byte // u256 big-endian, cached legacy gas price
	BridgeContract []byte // 20-byte EVM address
	NextBlock      uint64
	Nonce          uint64
}

// ReadEvmParams returns the single stored row, or nil if the bridge has
// never completed its InitEvmState task (spec.md §4.4, common.ErrNotInitialized).
func (s *SQLite3Store) ReadEvmParams(ctx context.Context) (*EvmParams, error) {
	row := s.db.QueryRowContext(ctx, "SELECT chain_id,gas_price,bridge_contract,next_block,nonce FROM evm_params WHERE id=1")
	var p EvmParams
	err := row.Scan(&p.ChainID, &p.GasPrice, &p.BridgeContract, &p.NextBlock, &p.Nonce)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.ReadEvmParams: %w", err)
	}
	return &p, nil
}

// WriteEvmParams upserts the single row, used by the InitEvmState task.
// The event collector advances next_block through AdvanceNextBlock instead.
func (s *SQLite3Store) WriteEvmParams(ctx context.Context, p *EvmParams) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO evm_params (id,chain_id,gas_price,bridge_contract,next_block,nonce) VALUES (1,?,?,?,?,?) "+
			"ON CONFLICT(id) DO UPDATE SET chain_id=excluded.chain_id, gas_price=excluded.gas_price, bridge_contract=excluded.bridge_contract, next_block=excluded.next_block, nonce=excluded.nonce",
		p.ChainID, p.GasPrice, p.BridgeContract, p.NextBlock, p.Nonce)
	if err != nil {
		return fmt.Errorf("UPSERT evm_params %v", err)
	}
	return tx.Commit()
}

// AdvanceNonce bumps the cached outgoing EVM nonce by one, conditioned on
// it still matching expectedCurrent, mirroring AdvanceNextBlock's
// optimistic-update shape (spec.md §4.6 step 7: "increment the cached EVM
// nonce" on successful mint submission).
func (s *SQLite3Store) AdvanceNonce(ctx context.Context, expectedCurrent uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.execOne(ctx, tx, "UPDATE evm_params SET nonce=nonce+1 WHERE id=1 AND nonce=?", expectedCurrent); err != nil {
		return fmt.Errorf("UPDATE evm_params nonce %v", err)
	}
	return tx.Commit()
}

// AdvanceNextBlock moves the collector's checkpoint forward, conditioned on
// it still matching expectedCurrent — the same optimistic-update shape the
// teacher uses for every state transition guarded by a prior-state check.
func (s *SQLite3Store) AdvanceNextBlock(ctx context.Context, expectedCurrent, next uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.execOne(ctx, tx, "UPDATE evm_params SET next_block=? WHERE id=1 AND next_block=?", next, expectedCurrent); err != nil {
		return fmt.Errorf("UPDATE evm_params next_block %v", err)
	}
	return tx.Commit()
}
