package observability

import "database/sql"

// Schema is the DDL of the fetch log. It is idempotent and can be passed to
// dbopen.WithSchema or applied with Init.
const Schema = `
CREATE TABLE IF NOT EXISTS fetch_log (
    id          TEXT PRIMARY KEY,
    trace_id    TEXT NOT NULL DEFAULT '',
    client      TEXT NOT NULL DEFAULT '',
    transport   TEXT NOT NULL DEFAULT '',
    url         TEXT NOT NULL,
    final_url   TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    status      INTEGER NOT NULL DEFAULT 0,
    bytes       INTEGER NOT NULL DEFAULT 0,
    hops        INTEGER NOT NULL DEFAULT 0,
    remote_addr TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_log_created ON fetch_log(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_fetch_log_outcome ON fetch_log(outcome, created_at DESC);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
