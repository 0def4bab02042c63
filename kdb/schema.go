package kdb

// schema is applied at startup. All statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		address             TEXT PRIMARY KEY,
		first_buy_ts        INTEGER NOT NULL DEFAULT 0,
		first_buy_amount    TEXT NOT NULL,
		total_received      TEXT NOT NULL,
		total_sent          TEXT NOT NULL,
		current_balance     TEXT NOT NULL,
		peak_balance        TEXT NOT NULL,
		last_tx_signature   TEXT NOT NULL DEFAULT '',
		last_slot           INTEGER NOT NULL DEFAULT 0,
		k_wallet            INTEGER NOT NULL DEFAULT -1,
		k_wallet_tokens     INTEGER NOT NULL DEFAULT 0,
		k_wallet_updated_at INTEGER NOT NULL DEFAULT 0,
		k_wallet_slot       INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS wallets_current_balance ON wallets (current_balance)`,
	`CREATE INDEX IF NOT EXISTS wallets_peak_balance ON wallets (peak_balance)`,
	`CREATE INDEX IF NOT EXISTS wallets_k_wallet ON wallets (k_wallet)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		signature  TEXT NOT NULL,
		slot       INTEGER NOT NULL,
		block_time INTEGER NOT NULL,
		wallet     TEXT NOT NULL,
		amount     TEXT NOT NULL,
		PRIMARY KEY (signature, wallet)
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_wallet ON transactions (wallet)`,
	`CREATE INDEX IF NOT EXISTS transactions_slot ON transactions (slot)`,
	`CREATE INDEX IF NOT EXISTS transactions_block_time ON transactions (block_time)`,

	`CREATE TABLE IF NOT EXISTS snapshots (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		k                  INTEGER NOT NULL,
		holders            INTEGER NOT NULL,
		accumulators_count INTEGER NOT NULL,
		maintained_count   INTEGER NOT NULL,
		reducers_count     INTEGER NOT NULL,
		extractors_count   INTEGER NOT NULL,
		avg_hold_days      REAL NOT NULL,
		created_at         INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS snapshots_created_at ON snapshots (created_at)`,

	`CREATE TABLE IF NOT EXISTS sync_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS k_wallet_queue (
		key          TEXT PRIMARY KEY,
		priority     INTEGER NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		locked_until INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS k_wallet_queue_lease ON k_wallet_queue (locked_until, priority DESC)`,

	`CREATE TABLE IF NOT EXISTS token_queue (
		key          TEXT PRIMARY KEY,
		priority     INTEGER NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		locked_until INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS token_queue_lease ON token_queue (locked_until, priority DESC)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		key_hash     TEXT NOT NULL UNIQUE,
		name         TEXT NOT NULL,
		tier         TEXT NOT NULL,
		per_minute   INTEGER NOT NULL,
		per_day      INTEGER NOT NULL,
		is_active    INTEGER NOT NULL DEFAULT 1,
		created_at   INTEGER NOT NULL,
		expires_at   INTEGER NOT NULL DEFAULT 0,
		last_used_at INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS usage_daily (
		key_id   INTEGER NOT NULL,
		date     TEXT NOT NULL,
		requests INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (key_id, date)
	)`,

	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id                TEXT PRIMARY KEY,
		api_key_id        INTEGER NOT NULL,
		url               TEXT NOT NULL,
		events            TEXT NOT NULL,
		secret            TEXT NOT NULL,
		is_active         INTEGER NOT NULL DEFAULT 1,
		failure_count     INTEGER NOT NULL DEFAULT 0,
		last_triggered_at INTEGER NOT NULL DEFAULT 0,
		created_at        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS webhook_subscriptions_owner ON webhook_subscriptions (api_key_id, is_active)`,

	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id              TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		payload         TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		attempts        INTEGER NOT NULL DEFAULT 0,
		response_code   INTEGER NOT NULL DEFAULT 0,
		response_body   TEXT NOT NULL DEFAULT '',
		next_retry_at   INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL,
		completed_at    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS webhook_deliveries_due ON webhook_deliveries (status, next_retry_at)`,

	`CREATE TABLE IF NOT EXISTS token_scores (
		mint         TEXT PRIMARY KEY,
		k            INTEGER NOT NULL,
		holders      INTEGER NOT NULL,
		accumulators INTEGER NOT NULL,
		maintained   INTEGER NOT NULL,
		reducers     INTEGER NOT NULL,
		extractors   INTEGER NOT NULL,
		sampled      INTEGER NOT NULL,
		last_sync    INTEGER NOT NULL
	)`,
}
