// Package roomstate indexes the room state the crypto core needs:
// m.room.encryption settings per room and a membership snapshot used to
// compute Megolm rekey target sets. It is a thin projection, not a full
// room state resolver — the homeserver has already resolved state before
// SyncDispatcher ever sees it.
package roomstate

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	cerrors "github.com/hearthline/matrix-e2e/pkg/errors"
)

// EncryptionSettings mirrors a room's m.room.encryption state event
// content, with defaults applied per spec.
type EncryptionSettings struct {
	Algorithm           string        `json:"algorithm"`
	SessionsMaxAge      time.Duration `json:"-"`
	SessionsMaxMessages int           `json:"-"`
}

const (
	defaultSessionsMaxAge      = 7 * 24 * time.Hour
	defaultSessionsMaxMessages = 100
)

// rawEncryptionContent is the wire shape of m.room.encryption's content.
type rawEncryptionContent struct {
	Algorithm           string `json:"algorithm"`
	RotationPeriodMs    int64  `json:"rotation_period_ms"`
	RotationPeriodMsgs  int    `json:"rotation_period_msgs"`
}

// Membership is one room member's current membership state, as last
// seen in m.room.member state events.
type Membership string

const (
	MembershipInvite Membership = "invite"
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
)

// Member is one row of a room's membership snapshot.
type Member struct {
	UserID      string
	Membership  Membership
	DisplayName string
}

// Summary holds the room-level flags SyncDispatcher maintains per
// spec.md step 5: presence category, heroes, and counts.
type Summary struct {
	Invited                 bool
	Left                    bool
	Heroes                  []string
	JoinedMemberCount       int
	InvitedMemberCount      int
	UnreadNotificationCount int
}

// Index persists room state to a plain (unencrypted) sqlite database —
// nothing here is cryptographic key material, so SQLCipher is not
// warranted; the account/session store in pkg/store is what carries
// SQLCipher.
type Index struct {
	mu sync.Mutex
	db *sql.DB
}

// Load opens (creating if necessary) the sqlite database at dbPath and
// ensures its schema exists.
func Load(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath))
	if err != nil {
		return nil, cerrors.WrapWithMessage("CFG-011", err, "open room state database")
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, cerrors.WrapWithMessage("CFG-011", err, "initialize room state schema")
	}
	return &Index{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS room_encryption (
		room_id TEXT PRIMARY KEY,
		algorithm TEXT NOT NULL,
		rotation_period_ms INTEGER NOT NULL,
		rotation_period_msgs INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		membership TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (room_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_room_members_room ON room_members(room_id);

	CREATE TABLE IF NOT EXISTS room_summary (
		room_id TEXT PRIMARY KEY,
		invited INTEGER NOT NULL DEFAULT 0,
		left INTEGER NOT NULL DEFAULT 0,
		heroes TEXT NOT NULL DEFAULT '[]',
		joined_member_count INTEGER NOT NULL DEFAULT 0,
		invited_member_count INTEGER NOT NULL DEFAULT 0,
		unread_notification_count INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.db.Close()
}

// ApplyEncryptionEvent records a room's m.room.encryption state event.
// Per spec.md, algorithm is scoped to megolm.v1.aes-sha2; rotation
// defaults apply when the event omits rotation_period_ms/msgs.
func (idx *Index) ApplyEncryptionEvent(roomID string, content json.RawMessage) error {
	var raw rawEncryptionContent
	if err := json.Unmarshal(content, &raw); err != nil {
		return cerrors.WrapWithMessage("CFG-011", err, "parse m.room.encryption content")
	}
	maxAgeMs := raw.RotationPeriodMs
	if maxAgeMs <= 0 {
		maxAgeMs = defaultSessionsMaxAge.Milliseconds()
	}
	maxMsgs := raw.RotationPeriodMsgs
	if maxMsgs <= 0 {
		maxMsgs = defaultSessionsMaxMessages
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.Exec(`
		INSERT INTO room_encryption (room_id, algorithm, rotation_period_ms, rotation_period_msgs)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			algorithm = excluded.algorithm,
			rotation_period_ms = excluded.rotation_period_ms,
			rotation_period_msgs = excluded.rotation_period_msgs
	`, roomID, raw.Algorithm, maxAgeMs, maxMsgs)
	return err
}

// EncryptionSettings looks up a room's encryption settings. ok is false
// if the room has never seen an m.room.encryption event (unencrypted
// room).
func (idx *Index) EncryptionSettings(roomID string) (settings EncryptionSettings, ok bool, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var algorithm string
	var maxAgeMs int64
	var maxMsgs int
	row := idx.db.QueryRow(`SELECT algorithm, rotation_period_ms, rotation_period_msgs FROM room_encryption WHERE room_id = ?`, roomID)
	switch scanErr := row.Scan(&algorithm, &maxAgeMs, &maxMsgs); scanErr {
	case sql.ErrNoRows:
		return EncryptionSettings{}, false, nil
	case nil:
		return EncryptionSettings{
			Algorithm:           algorithm,
			SessionsMaxAge:      time.Duration(maxAgeMs) * time.Millisecond,
			SessionsMaxMessages: maxMsgs,
		}, true, nil
	default:
		return EncryptionSettings{}, false, cerrors.WrapWithMessage("CFG-011", scanErr, "query room encryption settings")
	}
}

// ApplyMembershipEvent records one m.room.member state event.
func (idx *Index) ApplyMembershipEvent(roomID, userID string, membership Membership, displayName string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.Exec(`
		INSERT INTO room_members (room_id, user_id, membership, display_name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET
			membership = excluded.membership,
			display_name = excluded.display_name
	`, roomID, userID, string(membership), displayName)
	return err
}

// Members returns the full membership snapshot for a room.
func (idx *Index) Members(roomID string) ([]Member, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(`SELECT user_id, membership, display_name FROM room_members WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, cerrors.WrapWithMessage("CFG-011", err, "query room members")
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		var membership string
		if err := rows.Scan(&m.UserID, &membership, &m.DisplayName); err != nil {
			return nil, cerrors.WrapWithMessage("CFG-011", err, "scan room member")
		}
		m.Membership = Membership(membership)
		members = append(members, m)
	}
	return members, rows.Err()
}

// JoinedMembers returns the user_ids of every member with membership
// "join", the rekey target set for MegolmEngine's share-to-new-members
// logic.
func (idx *Index) JoinedMembers(roomID string) ([]string, error) {
	members, err := idx.Members(roomID)
	if err != nil {
		return nil, err
	}
	joined := make([]string, 0, len(members))
	for _, m := range members {
		if m.Membership == MembershipJoin {
			joined = append(joined, m.UserID)
		}
	}
	return joined, nil
}

// UpsertSummary updates a room's presence/heroes/count flags, as
// maintained per sync tick in spec.md's SyncDispatcher step 5.
func (idx *Index) UpsertSummary(roomID string, summary Summary) error {
	heroesJSON, err := json.Marshal(summary.Heroes)
	if err != nil {
		return cerrors.WrapWithMessage("CFG-011", err, "marshal room heroes")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err = idx.db.Exec(`
		INSERT INTO room_summary (room_id, invited, left, heroes, joined_member_count, invited_member_count, unread_notification_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			invited = excluded.invited,
			left = excluded.left,
			heroes = excluded.heroes,
			joined_member_count = excluded.joined_member_count,
			invited_member_count = excluded.invited_member_count,
			unread_notification_count = excluded.unread_notification_count
	`, roomID, boolToInt(summary.Invited), boolToInt(summary.Left), string(heroesJSON),
		summary.JoinedMemberCount, summary.InvitedMemberCount, summary.UnreadNotificationCount)
	return err
}

// RoomSummary returns a room's current summary flags. ok is false if
// the room has never been summarized.
func (idx *Index) RoomSummary(roomID string) (summary Summary, ok bool, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var invited, left int
	var heroesJSON string
	row := idx.db.QueryRow(`
		SELECT invited, left, heroes, joined_member_count, invited_member_count, unread_notification_count
		FROM room_summary WHERE room_id = ?
	`, roomID)
	switch scanErr := row.Scan(&invited, &left, &heroesJSON, &summary.JoinedMemberCount, &summary.InvitedMemberCount, &summary.UnreadNotificationCount); scanErr {
	case sql.ErrNoRows:
		return Summary{}, false, nil
	case nil:
		summary.Invited = invited != 0
		summary.Left = left != 0
		_ = json.Unmarshal([]byte(heroesJSON), &summary.Heroes)
		return summary, true, nil
	default:
		return Summary{}, false, cerrors.WrapWithMessage("CFG-011", scanErr, "query room summary")
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
