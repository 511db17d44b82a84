package ledger

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"
)

// Reward types recorded in the ledger. The tracker only emits heartbeat
// rewards today; the task type exists for settlement of delegated work.
const (
	RewardHeartbeat = "heartbeat"
	RewardTask      = "task"
)

// RewardRecord is one earned reward, keyed by (node, heartbeat timestamp) so
// a replayed heartbeat can never earn twice.
type RewardRecord struct {
	ID           string         `db:"id"`
	NodeID       string         `db:"node_id"`
	Wallet       string         `db:"wallet"`
	RewardType   string         `db:"reward_type"`
	BaseAmount   Vibe           `db:"base_amount"`
	MultiplierBP int64          `db:"multiplier_bp"`
	FinalAmount  Vibe           `db:"final_amount"`
	Status       Status         `db:"status"`
	BatchID      sql.NullString `db:"batch_id"`
	TxID         sql.NullString `db:"tx_id"`
	HeartbeatTS  int64          `db:"heartbeat_ts"`
	Error        sql.NullString `db:"error"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// RewardBatch groups a wallet's pending rewards into one settlement
// transfer. BatchNumber is sequential across the ledger.
type RewardBatch struct {
	ID          string         `db:"id"`
	BatchNumber int64          `db:"batch_number"`
	Wallet      string         `db:"wallet"`
	TotalAmount Vibe           `db:"total_amount"`
	RewardCount int64          `db:"reward_count"`
	Status      Status         `db:"status"`
	TxID        sql.NullString `db:"tx_id"`
	Error       sql.NullString `db:"error"`
	CreatedAt   time.Time      `db:"created_at"`
	SubmittedAt sql.NullTime   `db:"submitted_at"`
	ConfirmedAt sql.NullTime   `db:"confirmed_at"`
}

// Balance summarises a wallet's rewards by settlement stage. Pending counts
// both unbatched and batched-but-unsubmitted amounts.
type Balance struct {
	Wallet      string `json:"wallet"`
	Pending     Vibe   `json:"pending"`
	Distributed Vibe   `json:"distributed"`
	Confirmed   Vibe   `json:"confirmed"`
	TotalEarned Vibe   `json:"total_earned"`
	RewardCount int64  `json:"reward_count"`
}

// NetworkTotals aggregates settlement activity across all wallets.
type NetworkTotals struct {
	TotalDistributed Vibe  `json:"total_distributed"`
	TotalPending     Vibe  `json:"total_pending"`
	TotalBatches     int64 `json:"total_batches"`
}

// WalletPending is a wallet's aggregate of unbatched rewards.
type WalletPending struct {
	Wallet      string `db:"wallet"`
	Total       Vibe   `db:"total"`
	RecordCount int64  `db:"record_count"`
}

func newID() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
