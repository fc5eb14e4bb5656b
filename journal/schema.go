// journal/schema.go
package journal

const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	event_id TEXT PRIMARY KEY,
	time DATETIME NOT NULL,
	op TEXT NOT NULL,
	side TEXT NOT NULL,
	price REAL NOT NULL,
	size REAL NOT NULL,
	outcome TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flattens (
	event_id TEXT PRIMARY KEY,
	time DATETIME NOT NULL,
	reason TEXT NOT NULL,
	mode TEXT NOT NULL,
	balance REAL NOT NULL,
	total_asset REAL NOT NULL,
	position_size REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_time ON orders(time);
CREATE INDEX IF NOT EXISTS idx_flattens_time ON flattens(time);
`
