package ledger

// The schema is applied on open; both statements are idempotent so a ledger
// file can be reopened across restarts.
const schema = `
CREATE TABLE IF NOT EXISTS peer_rewards (
	id            TEXT PRIMARY KEY,
	node_id       TEXT NOT NULL,
	wallet        TEXT NOT NULL,
	reward_type   TEXT NOT NULL,
	base_amount   INTEGER NOT NULL,
	multiplier_bp INTEGER NOT NULL,
	final_amount  INTEGER NOT NULL,
	status        TEXT NOT NULL,
	batch_id      TEXT,
	tx_id         TEXT,
	heartbeat_ts  INTEGER NOT NULL,
	error         TEXT,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	UNIQUE (node_id, heartbeat_ts)
);

CREATE INDEX IF NOT EXISTS idx_peer_rewards_wallet_status
	ON peer_rewards (wallet, status);

CREATE TABLE IF NOT EXISTS reward_batches (
	id           TEXT PRIMARY KEY,
	batch_number INTEGER NOT NULL UNIQUE,
	wallet       TEXT NOT NULL,
	total_amount INTEGER NOT NULL,
	reward_count INTEGER NOT NULL,
	status       TEXT NOT NULL,
	tx_id        TEXT,
	error        TEXT,
	created_at   TIMESTAMP NOT NULL,
	submitted_at TIMESTAMP,
	confirmed_at TIMESTAMP
);
`
