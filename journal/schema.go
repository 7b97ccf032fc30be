package journal

const Schema = `
CREATE TABLE IF NOT EXISTS fills (
	trade_id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	account TEXT NOT NULL,
	mode TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity REAL NOT NULL,
	price REAL NOT NULL,
	commission REAL NOT NULL,
	time DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fills_time ON fills(time);

CREATE TABLE IF NOT EXISTS pnl (
	time DATETIME NOT NULL,
	account TEXT NOT NULL,
	mode TEXT NOT NULL,
	realized REAL NOT NULL,
	unrealized REAL NOT NULL,
	current_loss REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pnl_account_time ON pnl(account, mode, time);
`
