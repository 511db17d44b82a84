package ledger

import (
	"testing"

	"github.com/alpha-protocol/apn-node/src/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	l, err := Open(":memory:", common.NewTestEntry(t, "ledger"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return l
}

func heartbeatReward(nodeID, wallet string, ts int64, amount Vibe) *RewardRecord {
	return &RewardRecord{
		NodeID:       nodeID,
		Wallet:       wallet,
		RewardType:   RewardHeartbeat,
		BaseAmount:   10_000_000,
		MultiplierBP: 100,
		FinalAmount:  amount,
		HeartbeatTS:  ts,
	}
}

func TestInsertRewardDedup(t *testing.T) {
	l := newTestLedger(t)

	err := l.InsertReward(heartbeatReward("apn_01", "0xaa", 1000, 10_000_000))
	require.NoError(t, err)

	// Same node and heartbeat timestamp: the heartbeat was observed twice
	err = l.InsertReward(heartbeatReward("apn_01", "0xaa", 1000, 10_000_000))
	assert.Equal(t, ErrDuplicateReward, err)

	// Different timestamp is a new heartbeat
	err = l.InsertReward(heartbeatReward("apn_01", "0xaa", 2000, 10_000_000))
	require.NoError(t, err)

	// Same timestamp from a different node is fine
	err = l.InsertReward(heartbeatReward("apn_02", "0xbb", 1000, 10_000_000))
	require.NoError(t, err)

	bal, err := l.BalanceSummary("0xaa")
	require.NoError(t, err)
	assert.Equal(t, Vibe(20_000_000), bal.Pending)
	assert.Equal(t, int64(2), bal.RewardCount)
}

func TestCreateBatch(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.InsertReward(heartbeatReward("apn_01", "0xaa", 1000, 50_000_000)))
	require.NoError(t, l.InsertReward(heartbeatReward("apn_01", "0xaa", 2000, 60_000_000)))
	require.NoError(t, l.InsertReward(heartbeatReward("apn_02", "0xbb", 1000, 10_000_000)))

	batch, err := l.CreateBatch("0xaa")
	require.NoError(t, err)

	assert.Equal(t, int64(1), batch.BatchNumber)
	assert.Equal(t, Vibe(110_000_000), batch.TotalAmount)
	assert.Equal(t, int64(2), batch.RewardCount)
	assert.Equal(t, StatusPending, batch.Status)

	// The wallet's records flipped to batched; the other wallet is intact
	balA, _ := l.BalanceSummary("0xaa")
	assert.Equal(t, Vibe(110_000_000), balA.Pending) // batched still counts as pending
	pending, err := l.PendingByWallet()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0xbb", pending[0].Wallet)

	// Nothing left to batch for the wallet
	_, err = l.CreateBatch("0xaa")
	assert.Equal(t, ErrNothingToBatch, err)

	// Batch numbers are sequential
	batch2, err := l.CreateBatch("0xbb")
	require.NoError(t, err)
	assert.Equal(t, int64(2), batch2.BatchNumber)
}

func TestBatchLifecycle(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.InsertReward(heartbeatReward("apn_01", "0xaa", 1000, 100_000_000)))

	batch, err := l.CreateBatch("0xaa")
	require.NoError(t, err)

	require.NoError(t, l.MarkBatchDistributed(batch.ID, "tx-0001"))

	got, err := l.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDistributed, got.Status)
	assert.Equal(t, "tx-0001", got.TxID.String)
	assert.True(t, got.SubmittedAt.Valid)

	bal, _ := l.BalanceSummary("0xaa")
	assert.Equal(t, Vibe(0), bal.Pending)
	assert.Equal(t, Vibe(100_000_000), bal.Distributed)

	require.NoError(t, l.MarkBatchConfirmed(batch.ID))

	got, _ = l.GetBatch(batch.ID)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.True(t, got.ConfirmedAt.Valid)

	bal, _ = l.BalanceSummary("0xaa")
	assert.Equal(t, Vibe(0), bal.Distributed)
	assert.Equal(t, Vibe(100_000_000), bal.Confirmed)

	// A confirmed batch cannot move anymore
	err = l.MarkBatchFailed(batch.ID, "nope")
	assert.Error(t, err)
}

func TestBatchFailureRevertsRecords(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.InsertReward(heartbeatReward("apn_01", "0xaa", 1000, 100_000_000)))
	require.NoError(t, l.InsertReward(heartbeatReward("apn_01", "0xaa", 2000, 100_000_000)))

	batch, err := l.CreateBatch("0xaa")
	require.NoError(t, err)

	require.NoError(t, l.MarkBatchFailed(batch.ID, "gateway timeout"))

	got, _ := l.GetBatch(batch.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "gateway timeout", got.Error.String)

	// Records are detached and pending again: nothing was lost
	pending, err := l.PendingByWallet()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, Vibe(200_000_000), pending[0].Total)
	assert.Equal(t, int64(2), pending[0].RecordCount)

	// They can be re-batched under a new batch number
	batch2, err := l.CreateBatch("0xaa")
	require.NoError(t, err)
	assert.Equal(t, int64(2), batch2.BatchNumber)
	assert.Equal(t, Vibe(200_000_000), batch2.TotalAmount)
}

func TestHistoryOrder(t *testing.T) {
	l := newTestLedger(t)

	for ts := int64(1); ts <= 5; ts++ {
		require.NoError(t, l.InsertReward(heartbeatReward("apn_01", "0xaa", ts*1000, 10_000_000)))
	}

	history, err := l.History("0xaa", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)

	// Most recent heartbeat first
	assert.Equal(t, int64(5000), history[0].HeartbeatTS)
	assert.Equal(t, int64(4000), history[1].HeartbeatTS)
	assert.Equal(t, int64(3000), history[2].HeartbeatTS)
}

func TestTotals(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.InsertReward(heartbeatReward("apn_01", "0xaa", 1000, 100_000_000)))
	require.NoError(t, l.InsertReward(heartbeatReward("apn_02", "0xbb", 1000, 50_000_000)))

	batch, err := l.CreateBatch("0xaa")
	require.NoError(t, err)
	require.NoError(t, l.MarkBatchDistributed(batch.ID, "tx-0001"))

	totals, err := l.Totals()
	require.NoError(t, err)
	assert.Equal(t, Vibe(100_000_000), totals.TotalDistributed)
	assert.Equal(t, Vibe(50_000_000), totals.TotalPending)
	assert.Equal(t, int64(1), totals.TotalBatches)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusBatched))
	assert.True(t, StatusBatched.CanTransition(StatusDistributed))
	assert.True(t, StatusDistributed.CanTransition(StatusConfirmed))
	assert.True(t, StatusBatched.CanTransition(StatusPending))
	assert.True(t, StatusFailed.CanTransition(StatusPending))

	assert.False(t, StatusConfirmed.CanTransition(StatusPending))
	assert.False(t, StatusConfirmed.CanTransition(StatusFailed))
	assert.False(t, StatusPending.CanTransition(StatusConfirmed))
}

func TestVibeString(t *testing.T) {
	assert.Equal(t, "0.1 VIBE", Vibe(10_000_000).String())
	assert.Equal(t, "0.195 VIBE", Vibe(19_500_000).String())
	assert.Equal(t, "1 VIBE", Vibe(100_000_000).String())
	assert.Equal(t, "23.4 VIBE", Vibe(2_340_000_000).String())
}
