// Package store persists a device's full cryptographic state: the
// account, every Olm 1:1 session, and every Megolm inbound/outbound
// group session, encrypted at rest with SQLCipher.
package store

import (
	"crypto/sha512"
	"database/sql"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"
	"golang.org/x/crypto/pbkdf2"

	"github.com/hearthline/matrix-e2e/pkg/crypto"
)

const (
	cipherPageSize     = 4096
	cipherKdfIter      = 256000
	cipherHmacAlg      = "HMAC_SHA512"
	cipherKdfAlgorithm = "PBKDF2_HMAC_SHA512"
	pbkdf2Iterations   = 256000
	keyLength          = 32
	saltLength         = 32
)

// megolmOutboundEntry bundles a room's active outbound session with the
// set of devices it has already been shared to, so resharing on
// membership change only targets devices not yet in the set.
type megolmOutboundEntry struct {
	Session  *crypto.MegolmOutboundSession
	SharedTo map[string]bool // device key ("user_id|device_id") -> shared
	Created  time.Time
}

// megolmInboundKey identifies one inbound Megolm session.
type megolmInboundKey struct {
	RoomID    string
	SenderKey string
	SessionID string
}

// SessionStore holds the single Account and every Olm/Megolm session
// for a device, persisted to an encrypted SQLCipher database. Every
// mutating method saves the affected row before returning: a caller
// that successfully calls AddInOlm (for example) can rely on the
// session being durable, and a save failure is returned as fatal to the
// operation rather than silently leaving in-memory and on-disk state
// diverged.
type SessionStore struct {
	mu sync.Mutex
	db *sql.DB

	account            *crypto.Account
	deviceKeysUploaded bool

	// key: peer curve25519 identity key -> sessions with that peer, in
	// the order they were first added (AddInOlm updates an existing
	// session in place without moving it); OlmEngine tries them in this
	// order.
	inOlm  map[string][]*crypto.OlmSession
	outOlm map[string]*crypto.OlmSession

	inMegolm  map[megolmInboundKey]*crypto.MegolmInboundSession
	outMegolm map[string]*megolmOutboundEntry // room_id -> entry
}

// Load opens (creating if necessary) the SQLCipher database at dbPath,
// encrypted with a key derived from passphrase, and reads the pickled
// account/session state. If the database has no account row yet, a new
// Account is generated and device_keys_uploaded is left false so the
// caller knows to publish device keys before syncing.
func Load(dbPath string, passphrase []byte) (*SessionStore, error) {
	db, err := openCipherDB(dbPath, passphrase)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	s := &SessionStore{
		db:        db,
		inOlm:     make(map[string][]*crypto.OlmSession),
		outOlm:    make(map[string]*crypto.OlmSession),
		inMegolm:  make(map[megolmInboundKey]*crypto.MegolmInboundSession),
		outMegolm: make(map[string]*megolmOutboundEntry),
	}

	if err := s.loadAccount(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadOlmSessions(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadMegolmSessions(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func openCipherDB(dbPath string, passphrase []byte) (*sql.DB, error) {
	key := pbkdf2.Key(passphrase, []byte("matrix-e2e-crypto-store"), pbkdf2Iterations, keyLength, sha512.New)
	keyHex := fmt.Sprintf("%x", key)

	dsn := fmt.Sprintf(
		"file:%s?_pragma_key=x'%s'&_pragma_cipher_page_size=%d&_pragma_kdf_iter=%d&_pragma_cipher_hmac_algorithm=%s&_pragma_cipher_kdf_algorithm=%s&_foreign_keys=ON",
		dbPath, keyHex, cipherPageSize, cipherKdfIter, cipherHmacAlg, cipherKdfAlgorithm,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connect database: %w", err)
	}
	return db, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS account (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			pickle BLOB NOT NULL,
			device_keys_uploaded INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS olm_sessions (
			peer_curve25519 TEXT NOT NULL,
			session_id TEXT NOT NULL,
			direction TEXT NOT NULL, -- 'in' or 'out'
			pickle BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (peer_curve25519, session_id, direction)
		);

		CREATE TABLE IF NOT EXISTS megolm_inbound (
			room_id TEXT NOT NULL,
			sender_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			pickle BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (room_id, sender_key, session_id)
		);

		CREATE TABLE IF NOT EXISTS megolm_outbound (
			room_id TEXT PRIMARY KEY,
			pickle BLOB NOT NULL,
			shared_to TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func (s *SessionStore) loadAccount() error {
	var pickle []byte
	var uploaded int
	err := s.db.QueryRow(`SELECT pickle, device_keys_uploaded FROM account WHERE id = 1`).Scan(&pickle, &uploaded)
	if err == sql.ErrNoRows {
		acct, genErr := crypto.NewAccount()
		if genErr != nil {
			return fmt.Errorf("store: generate account: %w", genErr)
		}
		s.account = acct
		s.deviceKeysUploaded = false
		return s.saveAccountLocked()
	}
	if err != nil {
		return fmt.Errorf("store: load account: %w", err)
	}
	acct, err := crypto.UnpickleAccount(pickle)
	if err != nil {
		return fmt.Errorf("store: unpickle account: %w", err)
	}
	s.account = acct
	s.deviceKeysUploaded = uploaded != 0
	return nil
}

func (s *SessionStore) loadOlmSessions() error {
	rows, err := s.db.Query(`SELECT peer_curve25519, direction, pickle FROM olm_sessions`)
	if err != nil {
		return fmt.Errorf("store: load olm sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var peer, direction string
		var pickle []byte
		if err := rows.Scan(&peer, &direction, &pickle); err != nil {
			return fmt.Errorf("store: scan olm session: %w", err)
		}
		sess, err := crypto.UnpickleOlmSession(pickle)
		if err != nil {
			return fmt.Errorf("store: unpickle olm session: %w", err)
		}
		if direction == "out" {
			s.outOlm[peer] = sess
		} else {
			s.inOlm[peer] = append(s.inOlm[peer], sess)
		}
	}
	return rows.Err()
}

func (s *SessionStore) loadMegolmSessions() error {
	inRows, err := s.db.Query(`SELECT room_id, sender_key, session_id, pickle FROM megolm_inbound`)
	if err != nil {
		return fmt.Errorf("store: load megolm inbound: %w", err)
	}
	defer inRows.Close()
	for inRows.Next() {
		var roomID, senderKey, sessionID string
		var pickle []byte
		if err := inRows.Scan(&roomID, &senderKey, &sessionID, &pickle); err != nil {
			return fmt.Errorf("store: scan megolm inbound: %w", err)
		}
		sess, err := crypto.UnpickleMegolmInboundSession(pickle)
		if err != nil {
			return fmt.Errorf("store: unpickle megolm inbound: %w", err)
		}
		s.inMegolm[megolmInboundKey{roomID, senderKey, sessionID}] = sess
	}
	if err := inRows.Err(); err != nil {
		return err
	}

	outRows, err := s.db.Query(`SELECT room_id, pickle, shared_to, created_at FROM megolm_outbound`)
	if err != nil {
		return fmt.Errorf("store: load megolm outbound: %w", err)
	}
	defer outRows.Close()
	for outRows.Next() {
		var roomID string
		var pickle []byte
		var sharedToJSON string
		var createdAt time.Time
		if err := outRows.Scan(&roomID, &pickle, &sharedToJSON, &createdAt); err != nil {
			return fmt.Errorf("store: scan megolm outbound: %w", err)
		}
		sess, err := crypto.UnpickleMegolmOutboundSession(pickle)
		if err != nil {
			return fmt.Errorf("store: unpickle megolm outbound: %w", err)
		}
		s.outMegolm[roomID] = &megolmOutboundEntry{
			Session:  sess,
			SharedTo: decodeSharedTo(sharedToJSON),
			Created:  createdAt,
		}
	}
	return outRows.Err()
}

// Account returns the device's account. Callers must not retain it
// across a mutation without re-fetching, since Unpickle produces a new
// value on every Load.
func (s *SessionStore) Account() *crypto.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// DeviceKeysUploaded reports whether the account's device_keys have
// been confirmed uploaded to the homeserver.
func (s *SessionStore) DeviceKeysUploaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceKeysUploaded
}

// MarkDeviceKeysUploaded records a successful device_keys upload.
func (s *SessionStore) MarkDeviceKeysUploaded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceKeysUploaded = true
	return s.saveAccountLocked()
}

// SaveAccount persists the account's current state (e.g. after
// generating or marking one-time keys published).
func (s *SessionStore) SaveAccount() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveAccountLocked()
}

func (s *SessionStore) saveAccountLocked() error {
	pickle, err := s.account.Pickle()
	if err != nil {
		return fmt.Errorf("store: pickle account: %w", err)
	}
	uploaded := 0
	if s.deviceKeysUploaded {
		uploaded = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO account (id, pickle, device_keys_uploaded) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET pickle = excluded.pickle, device_keys_uploaded = excluded.device_keys_uploaded
	`, pickle, uploaded)
	if err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}
	return nil
}

// AddInOlm records a new or updated inbound Olm session with a peer
// device, replacing any prior session stored under the same session
// ID, then saves it before returning.
func (s *SessionStore) AddInOlm(peerCurve25519 string, session *crypto.OlmSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := s.inOlm[peerCurve25519]
	replaced := false
	for i, existing := range sessions {
		if existing.ID == session.ID {
			sessions[i] = session
			replaced = true
			break
		}
	}
	if !replaced {
		sessions = append(sessions, session)
	}
	s.inOlm[peerCurve25519] = sessions

	return s.saveOlmSessionLocked(peerCurve25519, "in", session)
}

// AddOutOlm records the outbound Olm session used to send to a peer
// device (one per peer, the most recently established), then saves it.
func (s *SessionStore) AddOutOlm(peerCurve25519 string, session *crypto.OlmSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outOlm[peerCurve25519] = session
	return s.saveOlmSessionLocked(peerCurve25519, "out", session)
}

func (s *SessionStore) saveOlmSessionLocked(peerCurve25519, direction string, session *crypto.OlmSession) error {
	pickle, err := session.Pickle()
	if err != nil {
		return fmt.Errorf("store: pickle olm session: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO olm_sessions (peer_curve25519, session_id, direction, pickle, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(peer_curve25519, session_id, direction) DO UPDATE SET
			pickle = excluded.pickle, updated_at = CURRENT_TIMESTAMP
	`, peerCurve25519, session.ID, direction, pickle)
	if err != nil {
		return fmt.Errorf("store: save olm session: %w", err)
	}
	return nil
}

// InOlmSessions returns the inbound Olm sessions known for a peer
// device, in the order OlmEngine should try them.
func (s *SessionStore) InOlmSessions(peerCurve25519 string) []*crypto.OlmSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*crypto.OlmSession{}, s.inOlm[peerCurve25519]...)
}

// OutOlmSession returns the outbound Olm session for a peer device, if
// one has been established.
func (s *SessionStore) OutOlmSession(peerCurve25519 string) (*crypto.OlmSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.outOlm[peerCurve25519]
	return sess, ok
}

// AddInMegolm records an inbound Megolm session for a room, keyed by
// sender device and session ID, then saves it.
func (s *SessionStore) AddInMegolm(roomID, senderKey, sessionID string, session *crypto.MegolmInboundSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := megolmInboundKey{roomID, senderKey, sessionID}
	s.inMegolm[key] = session
	return s.saveMegolmInboundLocked(key, session)
}

func (s *SessionStore) saveMegolmInboundLocked(key megolmInboundKey, session *crypto.MegolmInboundSession) error {
	pickle, err := session.Pickle()
	if err != nil {
		return fmt.Errorf("store: pickle megolm inbound session: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO megolm_inbound (room_id, sender_key, session_id, pickle, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id, sender_key, session_id) DO UPDATE SET
			pickle = excluded.pickle, updated_at = CURRENT_TIMESTAMP
	`, key.RoomID, key.SenderKey, key.SessionID, pickle)
	if err != nil {
		return fmt.Errorf("store: save megolm inbound session: %w", err)
	}
	return nil
}

// InMegolmSession returns the inbound Megolm session for a room/sender/
// session ID, if known.
func (s *SessionStore) InMegolmSession(roomID, senderKey, sessionID string) (*crypto.MegolmInboundSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.inMegolm[megolmInboundKey{roomID, senderKey, sessionID}]
	return sess, ok
}

// PutOutMegolm records (or replaces) the active outbound Megolm session
// for a room along with the set of devices it has been shared to, then
// saves it. Passing a nil sharedTo starts a fresh empty set, as happens
// on rotation.
func (s *SessionStore) PutOutMegolm(roomID string, session *crypto.MegolmOutboundSession, sharedTo map[string]bool, created time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sharedTo == nil {
		sharedTo = make(map[string]bool)
	}
	entry := &megolmOutboundEntry{Session: session, SharedTo: sharedTo, Created: created}
	s.outMegolm[roomID] = entry

	pickle, err := session.Pickle()
	if err != nil {
		return fmt.Errorf("store: pickle megolm outbound session: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO megolm_outbound (room_id, pickle, shared_to, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			pickle = excluded.pickle, shared_to = excluded.shared_to,
			created_at = excluded.created_at, updated_at = CURRENT_TIMESTAMP
	`, roomID, pickle, encodeSharedTo(sharedTo), created)
	if err != nil {
		return fmt.Errorf("store: save megolm outbound session: %w", err)
	}
	return nil
}

// OutMegolmSession returns the active outbound Megolm session for a
// room, the set of devices it has already been shared to, and when it
// was created (for age-based rotation).
func (s *SessionStore) OutMegolmSession(roomID string) (session *crypto.MegolmOutboundSession, sharedTo map[string]bool, created time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.outMegolm[roomID]
	if !found {
		return nil, nil, time.Time{}, false
	}
	copied := make(map[string]bool, len(entry.SharedTo))
	for k, v := range entry.SharedTo {
		copied[k] = v
	}
	return entry.Session, copied, entry.Created, true
}

// MarkSharedTo adds deviceKey to a room's outbound session shared-to
// set and saves it, without rotating the session or its message index.
func (s *SessionStore) MarkSharedTo(roomID, deviceKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.outMegolm[roomID]
	if !ok {
		return fmt.Errorf("store: no outbound megolm session for room %s", roomID)
	}
	entry.SharedTo[deviceKey] = true

	pickle, err := entry.Session.Pickle()
	if err != nil {
		return fmt.Errorf("store: pickle megolm outbound session: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE megolm_outbound SET pickle = ?, shared_to = ?, updated_at = CURRENT_TIMESTAMP WHERE room_id = ?
	`, pickle, encodeSharedTo(entry.SharedTo), roomID)
	if err != nil {
		return fmt.Errorf("store: save shared_to: %w", err)
	}
	return nil
}

// OutMegolmRoomIDs returns every room with an active outbound Megolm
// session, for a periodic age-based rotation sweep that must not wait
// for the room's next outgoing event.
func (s *SessionStore) OutMegolmRoomIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.outMegolm))
	for roomID := range s.outMegolm {
		out = append(out, roomID)
	}
	return out
}

// Close closes the underlying database connection.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

func encodeSharedTo(m map[string]bool) string {
	var buf []byte
	buf = append(buf, '{')
	first := true
	for k, v := range m {
		if !v {
			continue
		}
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = append(buf, '"')
		buf = append(buf, []byte(base64.StdEncoding.EncodeToString([]byte(k)))...)
		buf = append(buf, '"')
		buf = append(buf, ':', 't', 'r', 'u', 'e')
	}
	buf = append(buf, '}')
	return string(buf)
}

func decodeSharedTo(s string) map[string]bool {
	out := make(map[string]bool)
	// minimal hand-rolled parser matching encodeSharedTo's exact shape:
	// {"<base64key>":true,"<base64key>":true}
	i := 0
	for i < len(s) {
		if s[i] != '"' {
			i++
			continue
		}
		j := i + 1
		for j < len(s) && s[j] != '"' {
			j++
		}
		if j >= len(s) {
			break
		}
		encoded := s[i+1 : j]
		if key, err := base64.StdEncoding.DecodeString(encoded); err == nil {
			out[string(key)] = true
		}
		i = j + 1
	}
	return out
}
