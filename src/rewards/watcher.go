package rewards

import (
	"context"
	"errors"
	"time"

	"github.com/alpha-protocol/apn-node/src/ledger"
	"github.com/sirupsen/logrus"
)

const (
	DefaultConfirmInterval = 30 * time.Second

	// DefaultConfirmMaxAge is how long a distributed batch may sit
	// unconfirmed before it is flagged for review.
	DefaultConfirmMaxAge = time.Hour
)

// ErrConfirmationTimeout marks a batch that stayed unconfirmed past the
// maximum age.
var ErrConfirmationTimeout = errors.New("confirmation timed out")

// ConfirmationWatcher polls the settlement layer for distributed batches. A
// confirmed verdict finalises the batch; a failed one voids it and returns
// its rewards to pending. Batches with no verdict past the maximum age are
// flagged once, on the batch row so the flag survives restarts, and left
// distributed for an operator to resolve.
type ConfirmationWatcher struct {
	ledger     *ledger.Ledger
	settlement Settlement
	maxAge     time.Duration
	logger     *logrus.Entry
}

// NewConfirmationWatcher creates a watcher. maxAge <= 0 selects the default.
func NewConfirmationWatcher(
	l *ledger.Ledger,
	settlement Settlement,
	maxAge time.Duration,
	logger *logrus.Entry,
) *ConfirmationWatcher {
	if maxAge <= 0 {
		maxAge = DefaultConfirmMaxAge
	}
	return &ConfirmationWatcher{
		ledger:     l,
		settlement: settlement,
		maxAge:     maxAge,
		logger:     logger,
	}
}

// Check runs one confirmation pass and returns how many batches were
// confirmed.
func (w *ConfirmationWatcher) Check(ctx context.Context) int {
	batches, err := w.ledger.DistributedBatches()
	if err != nil {
		w.logger.WithError(err).Error("Reading distributed batches")
		return 0
	}

	confirmed := 0
	for _, batch := range batches {
		if ctx.Err() != nil {
			return confirmed
		}
		if w.checkBatch(ctx, batch) {
			confirmed++
		}
	}
	return confirmed
}

func (w *ConfirmationWatcher) checkBatch(ctx context.Context, batch ledger.RewardBatch) bool {
	logger := w.logger.WithFields(logrus.Fields{
		"batch": batch.BatchNumber,
		"tx":    batch.TxID.String,
	})

	verdict, err := w.settlement.QueryConfirmation(ctx, batch.TxID.String)
	if err != nil {
		logger.WithError(err).Debug("Querying confirmation")
		return false
	}

	switch verdict {
	case ConfirmationConfirmed:
		if err := w.ledger.MarkBatchConfirmed(batch.ID); err != nil {
			logger.WithError(err).Error("Confirming batch")
			return false
		}
		logger.Info("Batch confirmed")
		return true

	case ConfirmationFailed:
		if err := w.ledger.MarkBatchFailed(batch.ID, "settlement reported failure"); err != nil {
			logger.WithError(err).Error("Voiding batch")
			return false
		}
		logger.Warn("Batch failed on settlement, rewards returned to pending")
		return false

	default:
		if batch.SubmittedAt.Valid &&
			time.Since(batch.SubmittedAt.Time) > w.maxAge &&
			!batch.Error.Valid {
			if err := w.ledger.FlagBatchNeedsReview(batch.ID, ErrConfirmationTimeout.Error()); err != nil {
				logger.WithError(err).Error("Flagging batch")
				return false
			}
			logger.WithError(ErrConfirmationTimeout).
				Warn("Batch needs review, still unconfirmed")
		}
		return false
	}
}
