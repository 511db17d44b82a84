package rewards

import (
	"context"
	"time"

	"github.com/alpha-protocol/apn-node/src/ledger"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMinDistribution is 1 VIBE: wallets below it wait for the next
	// cycle.
	DefaultMinDistribution = ledger.VibePerToken

	DefaultSubmitTimeout = 30 * time.Second
	DefaultSubmitRetries = 2
	DefaultRetryBackoff  = 2 * time.Second
)

// Distributor settles pending balances. On each cycle it batches every
// wallet whose pending total reaches the minimum and submits one transfer
// per batch. An acknowledged transfer marks the batch distributed; a failed
// one voids the batch and returns its rewards to pending, so the payout is
// retried in a later cycle under a new batch.
type Distributor struct {
	ledger     *ledger.Ledger
	settlement Settlement

	min     ledger.Vibe
	timeout time.Duration
	retries int
	backoff time.Duration

	logger *logrus.Entry
}

// NewDistributor creates a distributor. Zero values select the defaults.
func NewDistributor(
	l *ledger.Ledger,
	settlement Settlement,
	min ledger.Vibe,
	timeout time.Duration,
	logger *logrus.Entry,
) *Distributor {
	if min <= 0 {
		min = DefaultMinDistribution
	}
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	return &Distributor{
		ledger:     l,
		settlement: settlement,
		min:        min,
		timeout:    timeout,
		retries:    DefaultSubmitRetries,
		backoff:    DefaultRetryBackoff,
		logger:     logger,
	}
}

// SetRetryPolicy overrides the per-cycle submission retry count and backoff.
func (d *Distributor) SetRetryPolicy(retries int, backoff time.Duration) {
	d.retries = retries
	d.backoff = backoff
}

// Distribute runs one settlement cycle and returns the number of batches
// that were acknowledged. Per-wallet failures are logged and do not stop the
// cycle. Batches left unsubmitted by an earlier cycle that never finished
// are resettled first.
func (d *Distributor) Distribute(ctx context.Context) int {
	settled := d.recoverUnsettled(ctx)

	pending, err := d.ledger.PendingByWallet()
	if err != nil {
		d.logger.WithError(err).Error("Reading pending balances")
		return settled
	}

	for _, wp := range pending {
		if wp.Total < d.min {
			continue
		}
		if ctx.Err() != nil {
			return settled
		}
		if d.settleWallet(ctx, wp.Wallet) {
			settled++
		}
	}
	return settled
}

// recoverUnsettled resubmits batches stranded by a cycle that died between
// claiming the records and recording an outcome. The original batch id is
// the idempotency key, so a submission that actually landed before the crash
// comes back with its existing tx id instead of paying twice.
func (d *Distributor) recoverUnsettled(ctx context.Context) int {
	batches, err := d.ledger.UnsettledBatches()
	if err != nil {
		d.logger.WithError(err).Error("Reading unsettled batches")
		return 0
	}

	settled := 0
	for i := range batches {
		if ctx.Err() != nil {
			return settled
		}
		batch := batches[i]
		d.logger.WithFields(logrus.Fields{
			"batch":  batch.BatchNumber,
			"wallet": batch.Wallet,
		}).Warn("Recovering unsettled batch")
		if d.settleBatch(ctx, &batch) {
			settled++
		}
	}
	return settled
}

func (d *Distributor) settleWallet(ctx context.Context, wallet string) bool {
	batch, err := d.ledger.CreateBatch(wallet)
	if err == ledger.ErrNothingToBatch {
		return false
	}
	if err != nil {
		d.logger.WithField("wallet", wallet).WithError(err).
			Error("Creating batch")
		return false
	}

	return d.settleBatch(ctx, batch)
}

func (d *Distributor) settleBatch(ctx context.Context, batch *ledger.RewardBatch) bool {
	logger := d.logger.WithFields(logrus.Fields{
		"batch":  batch.BatchNumber,
		"wallet": batch.Wallet,
		"amount": batch.TotalAmount.String(),
	})

	txID, err := d.submit(ctx, batch)
	if err != nil {
		logger.WithError(err).Warn("Batch submission failed, reverting")
		if ferr := d.ledger.MarkBatchFailed(batch.ID, err.Error()); ferr != nil {
			logger.WithError(ferr).Error("Reverting batch")
		}
		return false
	}

	if err := d.ledger.MarkBatchDistributed(batch.ID, txID); err != nil {
		logger.WithError(err).Error("Recording distribution")
		return false
	}

	logger.WithField("tx", txID).Info("Batch distributed")
	return true
}

// submit tries the transfer up to 1+retries times. The batch id makes
// retries safe: a transfer that landed on a previous attempt returns the
// same tx id.
func (d *Distributor) submit(ctx context.Context, batch *ledger.RewardBatch) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		txID, err := d.settlement.SubmitTransfer(attemptCtx, batch.ID, batch.Wallet, batch.TotalAmount)
		cancel()

		if err == nil {
			return txID, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}
