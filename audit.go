package threatguard

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func newEventID() string { return uuid.NewString() }

const auditSchema = `
CREATE TABLE IF NOT EXISTS mitigation_events (
	id TEXT PRIMARY KEY,
	event TEXT NOT NULL,
	client_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMP,
	cleared_count INTEGER NOT NULL DEFAULT 0,
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mitigation_events_client ON mitigation_events (client_id, occurred_at);
`

// AuditTrail persists block/unblock/clear events to SQLite for operator
// forensics. It is strictly write-only from the engine's point of view:
// nothing here is ever read back into a decision, so restarting the
// process still starts from a clean slate.
type AuditTrail struct {
	db *sqlx.DB
}

// OpenAuditTrail opens (and migrates) the SQLite file at path.
func OpenAuditTrail(path string) (*AuditTrail, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate audit schema: %w", err)
	}
	return &AuditTrail{db: db}, nil
}

// RecordBlock stores one block event.
func (a *AuditTrail) RecordBlock(ev BlockEvent, expiresAt time.Time) error {
	_, err := a.db.Exec(
		`INSERT INTO mitigation_events (id, event, client_id, reason, expires_at, occurred_at) VALUES (?, 'block', ?, ?, ?, ?)`,
		ev.ID, ev.ClientID, ev.Reason, expiresAt, ev.Timestamp,
	)
	return err
}

// RecordUnblock stores one manual unblock event.
func (a *AuditTrail) RecordUnblock(clientID string, at time.Time) error {
	_, err := a.db.Exec(
		`INSERT INTO mitigation_events (id, event, client_id, occurred_at) VALUES (?, 'unblock', ?, ?)`,
		newEventID(), clientID, at,
	)
	return err
}

// RecordClear stores one clear-all event with the number of entries
// removed.
func (a *AuditTrail) RecordClear(count int, at time.Time) error {
	_, err := a.db.Exec(
		`INSERT INTO mitigation_events (id, event, cleared_count, occurred_at) VALUES (?, 'clear', ?, ?)`,
		newEventID(), count, at,
	)
	return err
}

// Close releases the database handle.
func (a *AuditTrail) Close() error { return a.db.Close() }
