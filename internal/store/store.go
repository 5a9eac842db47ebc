// Package store is the Bulk Writer: the sole writer of Address,
// AddressChain and the chain's high-water mark, per spec.md §4.4. It speaks
// to Postgres through github.com/jackc/pgx/v5, following the connection
// pool + explicit-transaction style of the polymarket-indexer's db package
// (other_examples/bf1d3b0f_0xkanth-polymarket-indexer__internal-syncer-syncer.go.go
// calls out db.CheckpointDB as the analogous single-purpose store).
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// Pool is the subset of *pgxpool.Pool the store depends on, so tests can
// substitute a fake without a live Postgres instance.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Chain is the chain_info row the Batch Processor needs to plan a run.
type Chain struct {
	RowID           int64
	ExternalID      string
	Name            string
	NextBlockNumber uint64
}

// Store is the Bulk Writer.
type Store struct {
	pool Pool
	log  *logrus.Logger
}

// New constructs a Store over an already-configured pool.
func New(pool Pool, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{pool: pool, log: log}
}

// LoadChainByExternalID resolves the chain_info row for the chain id string
// configured at startup.
func (s *Store) LoadChainByExternalID(ctx context.Context, externalID string) (*Chain, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, chain_name, chain_id, next_block_number FROM chain_info WHERE chain_id = $1`,
		externalID)
	var c Chain
	if err := row.Scan(&c.RowID, &c.Name, &c.ExternalID, &c.NextBlockNumber); err != nil {
		return nil, fmt.Errorf("load chain %q: %w", externalID, err)
	}
	return &c, nil
}

// Upsert inserts missing addresses, resolves every input address's
// surrogate id (including ones just inserted, within the same
// transaction), and inserts missing (address-id, chainRowID) relationship
// rows. Per spec.md §4.4/§9, address and relationship upserts share one
// transaction; the high-water-mark update does not.
//
// Partial relationship-insert failure does not roll back the address
// upserts; both are attempted best-effort inside the single transaction by
// relying on ON CONFLICT DO NOTHING rather than aborting on a per-row
// error.
func (s *Store) Upsert(ctx context.Context, addresses map[string]struct{}, chainRowID int64) error {
	if len(addresses) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	list := make([]string, 0, len(addresses))
	for addr := range addresses {
		list = append(list, addr)
		batch.Queue(`INSERT INTO address (wallet_address) VALUES ($1) ON CONFLICT (wallet_address) DO NOTHING`, addr)
	}

	br := tx.SendBatch(ctx, batch)
	for range list {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert addresses: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close address batch: %w", err)
	}

	relBatch := &pgx.Batch{}
	for _, addr := range list {
		relBatch.Queue(`
			INSERT INTO address_chain (wallet_address_id, chain_id)
			SELECT id, $2 FROM address WHERE wallet_address = $1
			ON CONFLICT (wallet_address_id, chain_id) DO NOTHING`, addr, chainRowID)
	}
	rbr := tx.SendBatch(ctx, relBatch)
	for range list {
		if _, err := rbr.Exec(); err != nil {
			s.log.WithError(err).Warn("address_chain relationship insert failed, continuing")
		}
	}
	if err := rbr.Close(); err != nil {
		s.log.WithError(err).Warn("closing relationship batch reported an error")
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

// TuneForBulk issues session-level hints (asynchronous commit, increased
// work memory) ahead of a large upsert batch, per spec.md §4.4. These ride
// on whichever connection the pool happens to hand back for this call, so
// they are a best-effort nudge rather than a guaranteed setting on the
// connection Upsert later checks out; failures (and the no-op case of
// landing on a different connection) are non-fatal and only logged.
func (s *Store) TuneForBulk(ctx context.Context) {
	if _, err := s.pool.Exec(ctx, `SET synchronous_commit = off`); err != nil {
		s.log.WithError(err).Debug("store: tuneForBulk hint failed, continuing without it")
	}
	if _, err := s.pool.Exec(ctx, `SET work_mem = '64MB'`); err != nil {
		s.log.WithError(err).Debug("store: tuneForBulk work_mem hint failed, continuing without it")
	}
}

// ResetTuning restores the session-level defaults TuneForBulk relaxed.
// Like TuneForBulk, failures here are non-fatal.
func (s *Store) ResetTuning(ctx context.Context) {
	if _, err := s.pool.Exec(ctx, `SET synchronous_commit = on`); err != nil {
		s.log.WithError(err).Debug("store: resetTuning synchronous_commit hint failed")
	}
	if _, err := s.pool.Exec(ctx, `SET work_mem = DEFAULT`); err != nil {
		s.log.WithError(err).Debug("store: resetTuning work_mem hint failed")
	}
}

// AdvanceHighWaterMark atomically updates the chain's next-block-number,
// separate from the row-upsert transaction per spec.md §4.4 step 5.
func (s *Store) AdvanceHighWaterMark(ctx context.Context, chainRowID int64, newNextBlockNumber uint64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chain_info SET next_block_number = $1, updated_at = now() WHERE id = $2`,
		newNextBlockNumber, chainRowID)
	if err != nil {
		return fmt.Errorf("advance high-water mark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance high-water mark: chain row %d not found", chainRowID)
	}
	return nil
}

// InsertFailureLog records one failed block fetch. statusCode is the
// status.status_code string key (the rpc.Class catalogue entry the failure
// was classified into), not a numeric HTTP-ish code, per spec.md §3/§6's
// status table. Owned exclusively by the Batch Processor per spec.md §4.3's
// ownership rule, but the INSERT itself still runs through the store's pool.
func (s *Store) InsertFailureLog(ctx context.Context, chainExternalID string, blockNumber uint64, statusCode string, errMessage string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_call_failure_log (chain_id, block_number, status_code, error_message) VALUES ($1, $2, $3, $4)`,
		chainExternalID, blockNumber, statusCode, errMessage)
	if err != nil {
		return fmt.Errorf("insert failure log: %w", err)
	}
	return nil
}
