package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
)

// MegolmOutboundSession is a room's group-encryption session as held by
// the sender: it owns the forward ratchet and emits ciphertext plus,
// once, the session_key needed by recipients to construct a matching
// MegolmInboundSession.
type MegolmOutboundSession struct {
	mu      sync.Mutex
	id      string
	ratchet megolmRatchet
}

// NewMegolmOutboundSession creates a fresh outbound session seeded from
// 128 bytes of randomness.
func NewMegolmOutboundSession() (*MegolmOutboundSession, error) {
	seed := make([]byte, 128)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("crypto: generate megolm seed: %w", err)
	}
	ratchet := newMegolmRatchet(seed)
	sum := sha256.Sum256(seed)
	return &MegolmOutboundSession{
		id:      b64Encode(sum[:16]),
		ratchet: ratchet,
	}, nil
}

// ID returns the session's stable identifier, used as the m.megolm key
// session_id in room_key / encrypted event payloads.
func (s *MegolmOutboundSession) ID() string {
	return s.id
}

// SessionKey exports the ratchet's current state for sharing with room
// members via an m.room_key (or m.forwarded_room_key) to-device event.
// The exported state lets the recipient decrypt this and every later
// message, but nothing earlier.
func (s *MegolmOutboundSession) SessionKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratchet.export()
}

// MessageIndex returns the index the next Encrypt call will use.
func (s *MegolmOutboundSession) MessageIndex() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratchet.index
}

// Encrypt seals plaintext under the ratchet's current message key and
// advances the ratchet, so each call produces a unique, forward-secure
// ciphertext bound to an ever-increasing message index.
func (s *MegolmOutboundSession) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messageKey := s.ratchet.messageKey()
	index := s.ratchet.index

	aesKey, macKey, iv, err := deriveMessageKeys(messageKey, "MATRIX_MEGOLM_MESSAGE")
	if err != nil {
		return nil, err
	}
	sealed, err := sealAESCTRHMAC(aesKey, macKey, iv, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 4+16+len(sealed))
	binary.BigEndian.PutUint32(out[0:4], index)
	copy(out[4:20], iv)
	copy(out[20:], sealed)

	s.ratchet.advance()
	return out, nil
}

// MegolmInboundSession is a recipient's copy of a room's group session,
// constructed from a session_key exported by the sender's
// MegolmOutboundSession (directly, or via a forwarded_room_key).
// Decrypting advances an internal copy of the ratchet forward as
// higher message indices arrive, and tracks which indices have already
// been seen so a ciphertext at an already-decrypted index whose
// plaintext differs from the first one is flagged as a replay rather
// than silently re-processed.
type MegolmInboundSession struct {
	mu              sync.Mutex
	id              string
	senderKey       string // peer curve25519 identity key
	firstKnownIndex uint32
	ratchet         megolmRatchet
	decrypted       map[uint32]decryptedMessageRecord // index -> cached keys + digest, for replay detection
	forwarded       bool
	forwardChain    []string // curve25519 keys of devices this session passed through, in forwarding order (the device that sent it to us last)
	starterEd25519  string   // ed25519 of whoever the Olm/forwarded envelope claimed created this session
}

// SetStarterEd25519 records the ed25519 key the enveloping event bound
// this session's creator to, for later sender-verification checks.
func (s *MegolmInboundSession) SetStarterEd25519(ed25519 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starterEd25519 = ed25519
}

// StarterEd25519 returns the ed25519 key recorded via
// SetStarterEd25519, or "" if none was set.
func (s *MegolmInboundSession) StarterEd25519() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starterEd25519
}

// decryptedMessageRecord caches the message keys used to open a given
// index, since the megolm ratchet cannot be run backward: once the
// ratchet has advanced past an index, re-opening a redelivered
// ciphertext at that index relies on this cache rather than re-deriving
// the key from ratchet state.
type decryptedMessageRecord struct {
	aesKey, macKey []byte
	digest         [32]byte
}

// NewMegolmInboundSession constructs an inbound session from a
// session_key exported by the corresponding outbound session.
func NewMegolmInboundSession(id, senderKey string, sessionKey []byte) (*MegolmInboundSession, error) {
	ratchet, ok := importMegolmRatchet(sessionKey)
	if !ok {
		return nil, fmt.Errorf("crypto: malformed megolm session_key")
	}
	return &MegolmInboundSession{
		id:              id,
		senderKey:       senderKey,
		firstKnownIndex: ratchet.index,
		ratchet:         ratchet,
		decrypted:       make(map[uint32]decryptedMessageRecord),
	}, nil
}

// MarkForwarded records that this session arrived via an
// m.forwarded_room_key rather than directly, and records the chain of
// devices it passed through as given, replacing any earlier chain. The
// caller supplies it in forwarding order, with the device that sent it
// to us last.
func (s *MegolmInboundSession) MarkForwarded(forwardChain []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarded = true
	s.forwardChain = append([]string{}, forwardChain...)
}

// Forwarded reports whether the session arrived via key forwarding, and
// the forward chain if so.
func (s *MegolmInboundSession) Forwarded() (bool, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwarded, append([]string{}, s.forwardChain...)
}

// FirstKnownIndex returns the earliest message index this session can
// decrypt.
func (s *MegolmInboundSession) FirstKnownIndex() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstKnownIndex
}

// SessionKey exports the ratchet at its current position, for
// forwarding this session on to another of our own devices via
// m.forwarded_room_key. The export lets the recipient decrypt from
// here onward, matching whatever this copy has already advanced past.
func (s *MegolmInboundSession) SessionKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratchet.export()
}

// Decrypt opens a ciphertext produced by the matching outbound session,
// returning the plaintext and the message index it was encrypted at.
// If the index has already been decrypted, the plaintext digest is
// compared against what was seen before: an identical redelivery
// decrypts again without error (ErrRatchetBehind is not raised), but a
// different plaintext at a previously-seen index is a detected replay
// attack and is reported via the returned bool.
func (s *MegolmInboundSession) Decrypt(ciphertext []byte) (plaintext []byte, index uint32, replay bool, err error) {
	if len(ciphertext) < 20 {
		return nil, 0, false, fmt.Errorf("%w: ciphertext too short", ErrOlmSession)
	}
	index = binary.BigEndian.Uint32(ciphertext[0:4])
	iv := ciphertext[4:20]
	sealed := ciphertext[20:]

	s.mu.Lock()
	defer s.mu.Unlock()

	if index < s.firstKnownIndex {
		return nil, index, false, ErrRatchetBehind
	}
	if index < s.ratchet.index {
		// Within known range but behind the current ratchet position:
		// only decryptable if already recorded, since the message key
		// for a consumed index cannot be re-derived going backward.
		record, seen := s.decrypted[index]
		if !seen {
			return nil, index, false, ErrRatchetBehind
		}
		pt, err := openAESCTRHMAC(record.aesKey, record.macKey, iv, sealed)
		if err != nil {
			return nil, index, false, err
		}
		sum := sha256.Sum256(pt)
		if sum != record.digest {
			return pt, index, true, nil
		}
		return pt, index, false, nil
	}

	s.ratchet.advanceTo(index)
	messageKey := s.ratchet.messageKey()
	aesKey, macKey, _, err := deriveMessageKeys(messageKey, "MATRIX_MEGOLM_MESSAGE")
	if err != nil {
		return nil, index, false, err
	}
	pt, err := openAESCTRHMAC(aesKey, macKey, iv, sealed)
	if err != nil {
		return nil, index, false, err
	}

	s.decrypted[index] = decryptedMessageRecord{
		aesKey: aesKey,
		macKey: macKey,
		digest: sha256.Sum256(pt),
	}
	s.ratchet.advance()
	return pt, index, false, nil
}
