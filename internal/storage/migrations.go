package storage

// migration is one schema step. Versions are sequential from 1.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	doc        TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS panel_keys (
	key        TEXT PRIMARY KEY,
	tenant     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_panel_keys_tenant ON panel_keys(tenant);

CREATE TABLE IF NOT EXISTS audit (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	at             TEXT NOT NULL,
	tenant         TEXT NOT NULL,
	actor_id       INTEGER NOT NULL DEFAULT 0,
	actor_username TEXT,
	surface        TEXT NOT NULL,
	action         TEXT NOT NULL,
	target         TEXT,
	ok             INTEGER NOT NULL,
	err            TEXT
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
