// Package store holds the persistent KV regions described in spec.md §4.2:
// mint orders, burn requests, the UTXO ledger, inscribed NFT receipts,
// scheduled tasks and the EVM params cell. Everything is backed by a single
// SQLite database, guarded by one mutex per store handle, in the same shape
// the teacher's keeper/observer stores use.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLite3Store wraps a *sql.DB with the mutex discipline the teacher's
// keeper/observer stores use: every write transaction holds the mutex for
// its whole lifetime so concurrent callers never interleave a read between
// an existence check and its matching insert.
type SQLite3Store struct {
	db    *sql.DB
	mutex sync.Mutex
}

// OpenSQLite3Store opens (creating if necessary) a SQLite database at path
// and applies the schema. Pass "file::memory:?cache=shared" for ephemeral
// test databases (spec.md §A test tooling).
func OpenSQLite3Store(path string) (*SQLite3Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.OpenSQLite3Store(%s): %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite3Store{db: db}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.OpenSQLite3Store(%s): migrate: %w", path, err)
	}
	return s, nil
}

func (s *SQLite3Store) Close() error {
	return s.db.Close()
}

// execOne runs query inside tx and requires it to affect exactly one row,
// mirroring the teacher's invariant that every mutation is expected to hit
// precisely the row the caller already reasoned about.
func (s *SQLite3Store) execOne(ctx context.Context, tx *sql.Tx, query string, params ...any) error {
	res, err := tx.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("store.execOne(%s): %w", query, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store.execOne(%s): %w", query, err)
	}
	if rows != 1 {
		return fmt.Errorf("store.execOne(%s): %d rows affected", query, rows)
	}
	return nil
}

// checkExistence reports whether query returns at least one row.
func (s *SQLite3Store) checkExistence(ctx context.Context, tx *sql.Tx, query string, params ...any) (bool, error) {
	rows, err := tx.QueryContext(ctx, query, params...)
	if err != nil {
		return false, fmt.Errorf("store.checkExistence(%s): %w", query, err)
	}
	defer rows.Close()
	return rows.Next(), nil
}

// buildInsertionSQL renders an `INSERT INTO table (cols...) VALUES (?...)`
// statement for the given column list, matching the pattern every store
// file in the teacher uses with values() structs.
func buildInsertionSQL(table string, cols []string) string {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ","), strings.Join(placeholders, ","))
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS mint_orders (
	sender          BLOB NOT NULL,
	src_token       BLOB NOT NULL,
	nonce           INTEGER NOT NULL,
	variant         INTEGER NOT NULL,
	payload         BLOB NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (sender, src_token, nonce)
);

CREATE TABLE IF NOT EXISTS burn_requests (
	request_id      VARCHAR NOT NULL PRIMARY KEY,
	burn_tx_hash    VARCHAR NOT NULL,
	log_index       INTEGER NOT NULL,
	sender          BLOB NOT NULL,
	dst_token       BLOB NOT NULL,
	amount          BLOB NOT NULL,
	recipient       VARCHAR NOT NULL,
	derivation_path VARCHAR NOT NULL,
	state           INTEGER NOT NULL,
	transfer_tx_hash VARCHAR,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS burn_requests_by_tx ON burn_requests(burn_tx_hash, log_index);

CREATE TABLE IF NOT EXISTS utxo_ledger (
	transaction_hash VARCHAR NOT NULL,
	output_index     INTEGER NOT NULL,
	satoshi          INTEGER NOT NULL,
	script           BLOB NOT NULL,
	derivation_path  VARCHAR NOT NULL,
	reserved         INTEGER NOT NULL DEFAULT 0,
	spent_by         VARCHAR,
	created_at       TIMESTAMP NOT NULL,
	PRIMARY KEY (transaction_hash, output_index)
);

CREATE TABLE IF NOT EXISTS nft_receipts (
	reveal_tx_hash  VARCHAR NOT NULL PRIMARY KEY,
	inscription_id  VARCHAR NOT NULL,
	content_type    VARCHAR NOT NULL,
	content         BLOB NOT NULL,
	owner_address   VARCHAR NOT NULL,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id              INTEGER NOT NULL PRIMARY KEY,
	kind            VARCHAR NOT NULL,
	payload         BLOB NOT NULL,
	retries_left    INTEGER NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	backoff_kind    VARCHAR NOT NULL,
	backoff_secs    INTEGER NOT NULL,
	backoff_mult    REAL NOT NULL,
	not_before      TIMESTAMP NOT NULL,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_tasks (
	id              INTEGER NOT NULL PRIMARY KEY,
	kind            VARCHAR NOT NULL,
	payload         BLOB NOT NULL,
	status          VARCHAR NOT NULL,
	error           VARCHAR NOT NULL,
	died_at         TIMESTAMP NOT NULL,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS evm_params (
	id              INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
	chain_id        INTEGER NOT NULL,
	gas_price       BLOB NOT NULL,
	bridge_contract BLOB NOT NULL,
	next_block      INTEGER NOT NULL,
	nonce           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pending_signing_requests (
	id              VARCHAR NOT NULL PRIMARY KEY,
	path            VARCHAR NOT NULL,
	ciphertext      BLOB NOT NULL,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS properties (
	key             VARCHAR NOT NULL PRIMARY KEY,
	value           BLOB NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
`
