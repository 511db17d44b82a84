// Package ledger persists earned rewards and settlement batches in a SQLite
// database. All amounts are fixed-point Vibe values so no floating point ever
// touches the accounting.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var (
	// ErrDuplicateReward is returned when a reward for the same node and
	// heartbeat timestamp was already recorded.
	ErrDuplicateReward = errors.New("reward already recorded for heartbeat")

	// ErrBatchNotFound is returned when a batch id is unknown.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrNothingToBatch is returned when a batch is requested over zero
	// records.
	ErrNothingToBatch = errors.New("no records to batch")
)

// Ledger wraps the reward database.
type Ledger struct {
	db     *sqlx.DB
	logger *logrus.Entry
}

// Open connects to the SQLite database at path, creating the schema if
// needed. Use ":memory:" for an ephemeral ledger.
func Open(path string, logger *logrus.Entry) (*Ledger, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %v", path, err)
	}

	// SQLite serialises writers; a single connection avoids SQLITE_BUSY
	// between the tracker and distributor loops.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying ledger schema: %v", err)
	}

	return &Ledger{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// InsertReward records a new pending reward. A second reward for the same
// (node, heartbeat timestamp) pair returns ErrDuplicateReward and writes
// nothing.
func (l *Ledger) InsertReward(rec *RewardRecord) error {
	if rec.ID == "" {
		rec.ID = newID()
	}
	now := time.Now().UTC()
	rec.Status = StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := l.db.NamedExec(`
		INSERT INTO peer_rewards
			(id, node_id, wallet, reward_type, base_amount, multiplier_bp,
			 final_amount, status, heartbeat_ts, created_at, updated_at)
		VALUES
			(:id, :node_id, :wallet, :reward_type, :base_amount,
			 :multiplier_bp, :final_amount, :status, :heartbeat_ts,
			 :created_at, :updated_at)`,
		rec,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateReward
	}
	return err
}

// PendingByWallet returns, per wallet, the aggregate of rewards that are not
// yet part of any batch.
func (l *Ledger) PendingByWallet() ([]WalletPending, error) {
	var out []WalletPending
	err := l.db.Select(&out, `
		SELECT wallet, SUM(final_amount) AS total, COUNT(*) AS record_count
		FROM peer_rewards
		WHERE status = ?
		GROUP BY wallet
		ORDER BY wallet`,
		StatusPending,
	)
	return out, err
}

// CreateBatch atomically groups a wallet's pending rewards into a new batch.
// The batch row and the status flip of every contained record happen in one
// transaction; if any record was concurrently batched the whole operation
// rolls back.
func (l *Ledger) CreateBatch(wallet string) (*RewardBatch, error) {
	tx, err := l.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var recs []RewardRecord
	err = tx.Select(&recs, `
		SELECT * FROM peer_rewards
		WHERE wallet = ? AND status = ?
		ORDER BY heartbeat_ts`,
		wallet, StatusPending,
	)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNothingToBatch
	}

	var total Vibe
	ids := make([]string, len(recs))
	for i, r := range recs {
		total += r.FinalAmount
		ids[i] = r.ID
	}

	var lastNumber sql.NullInt64
	if err := tx.Get(&lastNumber, `SELECT MAX(batch_number) FROM reward_batches`); err != nil {
		return nil, err
	}

	batch := &RewardBatch{
		ID:          newID(),
		BatchNumber: lastNumber.Int64 + 1,
		Wallet:      wallet,
		TotalAmount: total,
		RewardCount: int64(len(recs)),
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	_, err = tx.NamedExec(`
		INSERT INTO reward_batches
			(id, batch_number, wallet, total_amount, reward_count, status,
			 created_at)
		VALUES
			(:id, :batch_number, :wallet, :total_amount, :reward_count,
			 :status, :created_at)`,
		batch,
	)
	if err != nil {
		return nil, err
	}

	query, args, err := sqlx.In(`
		UPDATE peer_rewards
		SET status = ?, batch_id = ?, updated_at = ?
		WHERE id IN (?) AND status = ?`,
		StatusBatched, batch.ID, time.Now().UTC(), ids, StatusPending,
	)
	if err != nil {
		return nil, err
	}
	res, err := tx.Exec(query, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected != int64(len(ids)) {
		return nil, fmt.Errorf("batched %d of %d records", affected, len(ids))
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"batch":  batch.BatchNumber,
		"wallet": wallet,
		"amount": total.String(),
		"count":  len(recs),
	}).Debug("Batch created")

	return batch, nil
}

// MarkBatchDistributed records a settlement acknowledgement: the batch and
// its records move to distributed carrying the transfer's transaction id.
func (l *Ledger) MarkBatchDistributed(batchID string, txID string) error {
	return l.inBatchTx(batchID, func(tx *sqlx.Tx, batch *RewardBatch) error {
		if !batch.Status.CanTransition(StatusDistributed) {
			return fmt.Errorf("batch %s is %s, cannot distribute", batchID, batch.Status)
		}
		now := time.Now().UTC()
		_, err := tx.Exec(`
			UPDATE reward_batches
			SET status = ?, tx_id = ?, submitted_at = ?
			WHERE id = ?`,
			StatusDistributed, txID, now, batchID,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE peer_rewards
			SET status = ?, tx_id = ?, updated_at = ?
			WHERE batch_id = ?`,
			StatusDistributed, txID, now, batchID,
		)
		return err
	})
}

// MarkBatchConfirmed finalises a batch after on-chain confirmation.
func (l *Ledger) MarkBatchConfirmed(batchID string) error {
	return l.inBatchTx(batchID, func(tx *sqlx.Tx, batch *RewardBatch) error {
		if !batch.Status.CanTransition(StatusConfirmed) {
			return fmt.Errorf("batch %s is %s, cannot confirm", batchID, batch.Status)
		}
		now := time.Now().UTC()
		_, err := tx.Exec(`
			UPDATE reward_batches SET status = ?, confirmed_at = ? WHERE id = ?`,
			StatusConfirmed, now, batchID,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE peer_rewards SET status = ?, updated_at = ?
			WHERE batch_id = ?`,
			StatusConfirmed, now, batchID,
		)
		return err
	})
}

// MarkBatchFailed voids a batch. Its records are detached and returned to
// pending in the same transaction, so they are picked up again by a later
// batch and the payout is never lost.
func (l *Ledger) MarkBatchFailed(batchID string, reason string) error {
	return l.inBatchTx(batchID, func(tx *sqlx.Tx, batch *RewardBatch) error {
		if !batch.Status.CanTransition(StatusFailed) {
			return fmt.Errorf("batch %s is %s, cannot fail", batchID, batch.Status)
		}
		now := time.Now().UTC()
		_, err := tx.Exec(`
			UPDATE reward_batches SET status = ?, error = ? WHERE id = ?`,
			StatusFailed, reason, batchID,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE peer_rewards
			SET status = ?, batch_id = NULL, tx_id = NULL, updated_at = ?
			WHERE batch_id = ?`,
			StatusPending, now, batchID,
		)
		return err
	})
}

// GetBatch returns a batch by id.
func (l *Ledger) GetBatch(batchID string) (*RewardBatch, error) {
	var batch RewardBatch
	err := l.db.Get(&batch, `SELECT * FROM reward_batches WHERE id = ?`, batchID)
	if err == sql.ErrNoRows {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// UnsettledBatches returns batches that were created but never submitted,
// oldest first. A batch stays in this set when the process dies between
// claiming the records and recording the settlement outcome; the distributor
// resubmits it under its original id so the gateway can deduplicate.
func (l *Ledger) UnsettledBatches() ([]RewardBatch, error) {
	var out []RewardBatch
	err := l.db.Select(&out, `
		SELECT * FROM reward_batches
		WHERE status = ?
		ORDER BY batch_number`,
		StatusPending,
	)
	return out, err
}

// FlagBatchNeedsReview records an operator note on a batch without touching
// its status. Flagging is idempotent; an already-flagged batch keeps its
// original note.
func (l *Ledger) FlagBatchNeedsReview(batchID string, note string) error {
	_, err := l.db.Exec(`
		UPDATE reward_batches SET error = ?
		WHERE id = ? AND error IS NULL`,
		note, batchID,
	)
	return err
}

// DistributedBatches returns batches awaiting on-chain confirmation, oldest
// first.
func (l *Ledger) DistributedBatches() ([]RewardBatch, error) {
	var out []RewardBatch
	err := l.db.Select(&out, `
		SELECT * FROM reward_batches
		WHERE status = ?
		ORDER BY submitted_at`,
		StatusDistributed,
	)
	return out, err
}

// BalanceSummary aggregates a wallet's rewards by stage. A wallet with no
// rewards yields a zero balance, not an error; existence checks belong to
// the caller.
func (l *Ledger) BalanceSummary(wallet string) (*Balance, error) {
	var rows []struct {
		Status Status `db:"status"`
		Total  Vibe   `db:"total"`
		Count  int64  `db:"count"`
	}
	err := l.db.Select(&rows, `
		SELECT status, SUM(final_amount) AS total, COUNT(*) AS count
		FROM peer_rewards
		WHERE wallet = ?
		GROUP BY status`,
		wallet,
	)
	if err != nil {
		return nil, err
	}

	bal := &Balance{Wallet: wallet}
	for _, r := range rows {
		bal.RewardCount += r.Count
		bal.TotalEarned += r.Total
		switch r.Status {
		case StatusPending, StatusBatched:
			bal.Pending += r.Total
		case StatusDistributed:
			bal.Distributed += r.Total
		case StatusConfirmed:
			bal.Confirmed += r.Total
		}
	}
	return bal, nil
}

// History returns a wallet's rewards, most recent heartbeat first.
func (l *Ledger) History(wallet string, limit int) ([]RewardRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []RewardRecord
	err := l.db.Select(&out, `
		SELECT * FROM peer_rewards
		WHERE wallet = ?
		ORDER BY heartbeat_ts DESC
		LIMIT ?`,
		wallet, limit,
	)
	return out, err
}

// Totals aggregates settlement activity across the whole ledger.
func (l *Ledger) Totals() (*NetworkTotals, error) {
	t := &NetworkTotals{}

	err := l.db.Get(&t.TotalBatches, `SELECT COUNT(*) FROM reward_batches`)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Status Status `db:"status"`
		Total  Vibe   `db:"total"`
	}
	err = l.db.Select(&rows, `
		SELECT status, SUM(final_amount) AS total
		FROM peer_rewards
		GROUP BY status`,
	)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		switch r.Status {
		case StatusPending, StatusBatched:
			t.TotalPending += r.Total
		case StatusDistributed, StatusConfirmed:
			t.TotalDistributed += r.Total
		}
	}
	return t, nil
}

// inBatchTx loads the batch and runs fn inside one transaction.
func (l *Ledger) inBatchTx(batchID string, fn func(*sqlx.Tx, *RewardBatch) error) error {
	tx, err := l.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var batch RewardBatch
	err = tx.Get(&batch, `SELECT * FROM reward_batches WHERE id = ?`, batchID)
	if err == sql.ErrNoRows {
		return ErrBatchNotFound
	}
	if err != nil {
		return err
	}

	if err := fn(tx, &batch); err != nil {
		return err
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
