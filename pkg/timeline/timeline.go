// Package timeline persists room timeline events, daily-sharded for
// retention, alongside the two structures the crypto core needs from
// them: a Gap record for limited-timeline resyncs, and a retry-decrypt
// queue for events that arrived before their Megolm session did.
package timeline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	cerrors "github.com/hearthline/matrix-e2e/pkg/errors"
)

// Event is one timeline event as registered by SyncDispatcher, carrying
// both its original (possibly encrypted) content and, once decrypted,
// its cleartext.
type Event struct {
	RoomID         string
	EventID        string
	Sender         string
	OriginServerTS int64
	Type           string
	Content        json.RawMessage

	Decrypted        bool
	CleartextType    string
	CleartextContent json.RawMessage
	VerificationErrs []string
}

// Gap marks a discontinuity in a room's recorded timeline, created when
// the server signals a limited timeline: events between event_before
// and event_after are not held locally and must be backfilled from
// fill_token if the history is ever needed.
type Gap struct {
	RoomID      string
	FillToken   string
	EventBefore string
	EventAfter  string
	CreatedAt   time.Time
}

// Log persists timeline events and the crypto-relevant bookkeeping
// around them to a plain (unencrypted) sqlite database.
type Log struct {
	mu sync.Mutex
	db *sql.DB
}

// Load opens (creating if necessary) the sqlite database at dbPath and
// ensures its schema exists.
func Load(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath))
	if err != nil {
		return nil, cerrors.WrapWithMessage("CFG-011", err, "open timeline database")
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, cerrors.WrapWithMessage("CFG-011", err, "initialize timeline schema")
	}
	return &Log{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS gaps (
		room_id TEXT NOT NULL,
		fill_token TEXT NOT NULL,
		event_before TEXT NOT NULL,
		event_after TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_gaps_room ON gaps(room_id);

	CREATE TABLE IF NOT EXISTS retry_decrypt_queue (
		room_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_json TEXT NOT NULL,
		queued_at INTEGER NOT NULL,
		PRIMARY KEY (room_id, session_id, event_id)
	);

	CREATE TABLE IF NOT EXISTS room_cursor (
		room_id TEXT PRIMARY KEY,
		last_event_id TEXT NOT NULL,
		last_origin_server_ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_retry_room_session ON retry_decrypt_queue(room_id, session_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// shardTable returns the name of the daily shard an event belongs to,
// bucketed by its origin_server_ts (UTC day). Sharding by day keeps any
// future retention sweep (drop shards older than N days) a DROP TABLE
// rather than a row-by-row DELETE across an ever-growing single table.
func shardTable(originServerTS int64) string {
	day := time.UnixMilli(originServerTS).UTC().Format("20060102")
	return "events_" + day
}

func (l *Log) ensureShardTable(table string) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		room_id TEXT NOT NULL,
		event_id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		origin_server_ts INTEGER NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		decrypted INTEGER NOT NULL DEFAULT 0,
		cleartext_type TEXT NOT NULL DEFAULT '',
		cleartext_content TEXT NOT NULL DEFAULT '',
		verification_errors TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_%s_room ON %s(room_id, origin_server_ts);
	`, table, table, table)
	_, err := l.db.Exec(schema)
	return err
}

// AppendEvent registers a timeline event, creating its daily shard
// table if this is the first event seen for that day.
func (l *Log) AppendEvent(ev Event) error {
	table := shardTable(ev.OriginServerTS)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureShardTable(table); err != nil {
		return cerrors.WrapWithMessage("CFG-011", err, "create daily event shard")
	}

	verrsJSON, err := json.Marshal(ev.VerificationErrs)
	if err != nil {
		return cerrors.WrapWithMessage("CFG-011", err, "marshal verification errors")
	}

	_, err = l.db.Exec(fmt.Sprintf(`
		INSERT INTO %s (room_id, event_id, sender, origin_server_ts, type, content, decrypted, cleartext_type, cleartext_content, verification_errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			decrypted = excluded.decrypted,
			cleartext_type = excluded.cleartext_type,
			cleartext_content = excluded.cleartext_content,
			verification_errors = excluded.verification_errors
	`, table), ev.RoomID, ev.EventID, ev.Sender, ev.OriginServerTS, ev.Type, string(ev.Content),
		boolToInt(ev.Decrypted), ev.CleartextType, string(ev.CleartextContent), string(verrsJSON))
	if err != nil {
		return cerrors.WrapWithMessage("CFG-011", err, "insert timeline event")
	}

	_, err = l.db.Exec(`
		INSERT INTO room_cursor (room_id, last_event_id, last_origin_server_ts)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			last_event_id = excluded.last_event_id,
			last_origin_server_ts = excluded.last_origin_server_ts
		WHERE excluded.last_origin_server_ts >= room_cursor.last_origin_server_ts
	`, ev.RoomID, ev.EventID, ev.OriginServerTS)
	if err != nil {
		return cerrors.WrapWithMessage("CFG-011", err, "update room cursor")
	}
	return nil
}

// LastEventID returns the most recent event_id appended for a room, the
// "last known" event SyncDispatcher anchors a Gap's event_before to. ok
// is false if no event has been recorded for the room yet.
func (l *Log) LastEventID(roomID string) (eventID string, ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := l.db.QueryRow(`SELECT last_event_id FROM room_cursor WHERE room_id = ?`, roomID)
	switch scanErr := row.Scan(&eventID); scanErr {
	case sql.ErrNoRows:
		return "", false, nil
	case nil:
		return eventID, true, nil
	default:
		return "", false, cerrors.WrapWithMessage("CFG-011", scanErr, "query room cursor")
	}
}

// RecordGap stores a limited-timeline discontinuity.
func (l *Log) RecordGap(gap Gap) error {
	if gap.CreatedAt.IsZero() {
		gap.CreatedAt = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		INSERT INTO gaps (room_id, fill_token, event_before, event_after, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, gap.RoomID, gap.FillToken, gap.EventBefore, gap.EventAfter, gap.CreatedAt.Unix())
	if err != nil {
		return cerrors.WrapWithMessage("CFG-011", err, "insert timeline gap")
	}
	return nil
}

// Gaps returns every recorded gap for a room, oldest first.
func (l *Log) Gaps(roomID string) ([]Gap, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`
		SELECT room_id, fill_token, event_before, event_after, created_at
		FROM gaps WHERE room_id = ? ORDER BY created_at ASC
	`, roomID)
	if err != nil {
		return nil, cerrors.WrapWithMessage("CFG-011", err, "query timeline gaps")
	}
	defer rows.Close()

	var gaps []Gap
	for rows.Next() {
		var g Gap
		var createdAt int64
		if err := rows.Scan(&g.RoomID, &g.FillToken, &g.EventBefore, &g.EventAfter, &createdAt); err != nil {
			return nil, cerrors.WrapWithMessage("CFG-011", err, "scan timeline gap")
		}
		g.CreatedAt = time.Unix(createdAt, 0)
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

// QueueRetryDecrypt parks an event that failed Megolm decryption with a
// missing-session error, to be retried once sessionID arrives via
// KeyDistribution.
func (l *Log) QueueRetryDecrypt(roomID, sessionID string, ev Event) error {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return cerrors.WrapWithMessage("CFG-011", err, "marshal retry-decrypt event")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.db.Exec(`
		INSERT OR REPLACE INTO retry_decrypt_queue (room_id, session_id, event_id, event_json, queued_at)
		VALUES (?, ?, ?, ?, ?)
	`, roomID, sessionID, ev.EventID, string(eventJSON), time.Now().Unix())
	if err != nil {
		return cerrors.WrapWithMessage("CFG-011", err, "insert retry-decrypt entry")
	}
	return nil
}

// TakeRetryQueue removes and returns every event parked for
// (roomID, sessionID), fired once that Megolm session's key arrives.
func (l *Log) TakeRetryQueue(roomID, sessionID string) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`
		SELECT event_json FROM retry_decrypt_queue WHERE room_id = ? AND session_id = ?
	`, roomID, sessionID)
	if err != nil {
		return nil, cerrors.WrapWithMessage("CFG-011", err, "query retry-decrypt queue")
	}

	var events []Event
	var scanErr error
	for rows.Next() {
		var eventJSON string
		if scanErr = rows.Scan(&eventJSON); scanErr != nil {
			break
		}
		var ev Event
		if scanErr = json.Unmarshal([]byte(eventJSON), &ev); scanErr != nil {
			break
		}
		events = append(events, ev)
	}
	rows.Close()
	if scanErr != nil {
		return nil, cerrors.WrapWithMessage("CFG-011", scanErr, "decode retry-decrypt entry")
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.WrapWithMessage("CFG-011", err, "iterate retry-decrypt queue")
	}

	if _, err := l.db.Exec(`DELETE FROM retry_decrypt_queue WHERE room_id = ? AND session_id = ?`, roomID, sessionID); err != nil {
		return nil, cerrors.WrapWithMessage("CFG-011", err, "clear retry-decrypt queue")
	}
	return events, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
