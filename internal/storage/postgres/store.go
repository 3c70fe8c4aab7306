package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vaultKeeper/internal/model"
)

// Schema creates the tables used by Store.
const Schema = `
CREATE TABLE IF NOT EXISTS account_snapshots (
	namespace   TEXT NOT NULL,
	account     TEXT NOT NULL,
	data        BYTEA NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, account)
);

CREATE TABLE IF NOT EXISTS executor_attempts (
	run_id        TEXT NOT NULL,
	attempt       INT NOT NULL,
	vault         TEXT NOT NULL,
	label         TEXT NOT NULL,
	signature     TEXT,
	slot          BIGINT NOT NULL,
	instructions  INT NOT NULL,
	accounts      TEXT[] NOT NULL,
	compute_units BIGINT NOT NULL,
	fee_lamports  BIGINT NOT NULL,
	outcome       TEXT NOT NULL,
	error         TEXT,
	logs          TEXT[],
	at            TEXT NOT NULL,
	PRIMARY KEY (run_id, attempt)
);

CREATE TABLE IF NOT EXISTS vault_nav (
	vault              TEXT NOT NULL,
	slot               BIGINT NOT NULL,
	epoch_seconds      BIGINT NOT NULL,
	supply             NUMERIC NOT NULL,
	holdings           NUMERIC NOT NULL,
	nav                NUMERIC NOT NULL,
	outstanding_shares NUMERIC NOT NULL,
	fulfillable_shares NUMERIC NOT NULL,
	pending_requests   INT NOT NULL,
	at                 TEXT NOT NULL,
	PRIMARY KEY (vault, slot)
);
`

// Store provides Postgres persistence for snapshots, attempts and valuations.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PutAttempts inserts executor attempts, ignoring ones already recorded.
func (s *Store) PutAttempts(ctx context.Context, records []model.AttemptRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO executor_attempts (
				run_id, attempt, vault, label, signature, slot, instructions, accounts,
				compute_units, fee_lamports, outcome, error, logs, at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (run_id, attempt) DO NOTHING
		`,
			r.RunID,
			r.Attempt,
			r.Vault,
			r.Label,
			r.Signature,
			int64(r.Slot),
			r.Instructions,
			r.Accounts,
			int64(r.ComputeUnits),
			int64(r.FeeLamports),
			r.Outcome,
			r.Error,
			r.Logs,
			r.At,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// PutNav upserts vault valuations keyed by (vault, slot).
func (s *Store) PutNav(ctx context.Context, records []model.NavRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO vault_nav (
				vault, slot, epoch_seconds, supply, holdings, nav,
				outstanding_shares, fulfillable_shares, pending_requests, at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (vault, slot)
			DO UPDATE SET
				supply = EXCLUDED.supply,
				holdings = EXCLUDED.holdings,
				nav = EXCLUDED.nav,
				outstanding_shares = EXCLUDED.outstanding_shares,
				fulfillable_shares = EXCLUDED.fulfillable_shares,
				pending_requests = EXCLUDED.pending_requests,
				at = EXCLUDED.at
		`,
			r.Vault,
			int64(r.Slot),
			r.EpochSeconds,
			r.Supply,
			r.Holdings,
			r.Nav,
			r.OutstandingShares,
			r.FulfillableShares,
			r.PendingRequests,
			r.At,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// LoadSnapshot returns the stored bytes for (namespace, account).
func (s *Store) LoadSnapshot(ctx context.Context, namespace, account string) ([]byte, bool, error) {
	if namespace == "" {
		return nil, false, fmt.Errorf("snapshot namespace required")
	}
	var data []byte
	row := s.pool.QueryRow(ctx, `SELECT data FROM account_snapshots WHERE namespace=$1 AND account=$2`, namespace, account)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// SaveSnapshot upserts the stored bytes for (namespace, account).
func (s *Store) SaveSnapshot(ctx context.Context, namespace, account string, data []byte) error {
	if namespace == "" {
		return fmt.Errorf("snapshot namespace required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_snapshots (namespace, account, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, account) DO UPDATE
		SET data = EXCLUDED.data, updated_at = now()
	`, namespace, account, data)
	return err
}

// ListSnapshots returns the accounts stored under a namespace.
func (s *Store) ListSnapshots(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT account FROM account_snapshots WHERE namespace=$1 ORDER BY account`, namespace)
	if err != nil {
		return nil, err
	}
	accounts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return accounts, nil
}
