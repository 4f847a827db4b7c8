package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// OlmMessageType distinguishes the two Olm wire message shapes.
type OlmMessageType int

const (
	// OlmMessageTypePrekey is sent by the session's creator until a
	// reply has been received, and carries the X3DH handshake fields
	// needed for the recipient to establish its own session.
	OlmMessageTypePrekey OlmMessageType = 0
	// OlmMessageTypeNormal is sent once a session is established in
	// both directions.
	OlmMessageTypeNormal OlmMessageType = 1
)

// OlmCiphertext is the (type, body) pair produced by OlmSession.Encrypt
// and consumed by OlmSession.Decrypt.
type OlmCiphertext struct {
	Type OlmMessageType `json:"type"`
	Body string         `json:"body"`
}

type olmPrekeyEnvelope struct {
	IdentityKey string `json:"identity_key"`
	BaseKey     string `json:"base_key"`
	OneTimeKey  string `json:"one_time_key"`
	Message     string `json:"message"`
}

type olmNormalEnvelope struct {
	Message string `json:"message"`
}

// OlmSession is an established or being-established 1:1 Olm session
// between our account and a single peer device. The session is created
// via a Curve25519 triple-DH (X3DH-style) handshake and thereafter
// advances independent sending/receiving HMAC-SHA256 ratchet chains per
// message; it does not perform a per-message DH ratchet step.
type OlmSession struct {
	ID string

	outbound    bool
	established bool // true once a reply has been decrypted (outbound); inbound sessions start established

	ourIdentityPub [32]byte

	theirIdentityPub [32]byte
	theirOneTimePub  [32]byte
	theirOneTimeID   string
	ourEphemeralPub  [32]byte // our base key, for outbound sessions
	theirEphemeralPub [32]byte // their base key, for inbound sessions

	sendChainKey [32]byte
	recvChainKey [32]byte
	sendCounter  uint32
	recvCounter  uint32
}

func dh(priv, pub [32]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: x25519: %w", err)
	}
	return out, nil
}

func deriveOlmRootKeys(secret []byte) (a, b [32]byte, err error) {
	r := hkdf.New(sha256.New, secret, nil, []byte("MATRIX_OLM_ROOT"))
	buf := make([]byte, 64)
	if _, err := io.ReadFull(r, buf); err != nil {
		return a, b, fmt.Errorf("crypto: hkdf: %w", err)
	}
	copy(a[:], buf[:32])
	copy(b[:], buf[32:])
	return a, b, nil
}

func sessionIDFrom(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return b64Encode(h.Sum(nil)[:16])
}

// NewOutboundOlmSession begins a session to a peer identified by their
// published identity key and a freshly claimed one-time key, performing
// the X3DH-style triple-DH handshake:
//
//	dh1 = ECDH(our_identity,  their_one_time)
//	dh2 = ECDH(our_ephemeral, their_identity)
//	dh3 = ECDH(our_ephemeral, their_one_time)
func NewOutboundOlmSession(acct *Account, theirIdentityPub, theirOneTimePub [32]byte, theirOneTimeID string) (*OlmSession, error) {
	ourIdentityPriv, ourIdentityPub := acct.identityKeyPair()

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate ephemeral key: %w", err)
	}
	ephPriv[0] &= 248
	ephPriv[31] &= 127
	ephPriv[31] |= 64
	ephPubBytes, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive ephemeral public key: %w", err)
	}
	var ephPub [32]byte
	copy(ephPub[:], ephPubBytes)

	dh1, err := dh(ourIdentityPriv, theirOneTimePub)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ephPriv, theirIdentityPub)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ephPriv, theirOneTimePub)
	if err != nil {
		return nil, err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)

	sendKey, recvKey, err := deriveOlmRootKeys(secret)
	if err != nil {
		return nil, err
	}

	s := &OlmSession{
		ID:                sessionIDFrom(ourIdentityPub[:], theirIdentityPub[:], ephPub[:]),
		outbound:          true,
		ourIdentityPub:    ourIdentityPub,
		theirIdentityPub:  theirIdentityPub,
		theirOneTimePub:   theirOneTimePub,
		theirOneTimeID:    theirOneTimeID,
		ourEphemeralPub:   ephPub,
		sendChainKey:      sendKey,
		recvChainKey:      recvKey,
	}
	return s, nil
}

// NewInboundOlmSession establishes a session from a received prekey
// message, consuming the one-time key it names from acct.
func NewInboundOlmSession(acct *Account, theirIdentityPub, theirEphemeralPub [32]byte, otkID string) (*OlmSession, error) {
	otk, ok := acct.removeOneTimeKey(otkID)
	if !ok {
		return nil, fmt.Errorf("crypto: %w: one-time key %s already consumed", ErrOlmSession, otkID)
	}
	ourIdentityPriv, ourIdentityPub := acct.identityKeyPair()

	dh1, err := dh(otk.Priv, theirIdentityPub)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourIdentityPriv, theirEphemeralPub)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(otk.Priv, theirEphemeralPub)
	if err != nil {
		return nil, err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)

	// Inbound swaps the chain roles relative to the outbound peer.
	recvKey, sendKey, err := deriveOlmRootKeys(secret)
	if err != nil {
		return nil, err
	}

	s := &OlmSession{
		ID:                sessionIDFrom(theirIdentityPub[:], ourIdentityPub[:], theirEphemeralPub[:]),
		outbound:          false,
		established:       true,
		ourIdentityPub:    ourIdentityPub,
		theirIdentityPub:  theirIdentityPub,
		theirEphemeralPub: theirEphemeralPub,
		theirOneTimeID:    otkID,
		sendChainKey:      sendKey,
		recvChainKey:      recvKey,
	}
	return s, nil
}

// Encrypt seals plaintext under the session's current sending chain,
// advancing it, and reports whether this is still a prekey message
// (type 0, sent until a reply is received) or a normal message (type 1).
func (s *OlmSession) Encrypt(plaintext []byte) (OlmCiphertext, error) {
	messageKey, next := advanceChain(s.sendChainKey[:])
	copy(s.sendChainKey[:], next)
	s.sendCounter++

	aesKey, macKey, iv, err := deriveMessageKeys(messageKey, "MATRIX_OLM_MESSAGE")
	if err != nil {
		return OlmCiphertext{}, err
	}
	sealed, err := sealAESCTRHMAC(aesKey, macKey, iv, plaintext)
	if err != nil {
		return OlmCiphertext{}, err
	}

	payload := make([]byte, 4+16+len(sealed))
	binary.BigEndian.PutUint32(payload[0:4], s.sendCounter)
	copy(payload[4:20], iv)
	copy(payload[20:], sealed)
	message := b64Encode(payload)

	if !s.outbound || s.established {
		env := olmNormalEnvelope{Message: message}
		body, err := json.Marshal(env)
		if err != nil {
			return OlmCiphertext{}, fmt.Errorf("crypto: marshal olm body: %w", err)
		}
		return OlmCiphertext{Type: OlmMessageTypeNormal, Body: b64Encode(body)}, nil
	}

	env := olmPrekeyEnvelope{
		IdentityKey: b64Encode(s.ourIdentityPub[:]),
		BaseKey:     b64Encode(s.ourEphemeralPub[:]),
		OneTimeKey:  s.theirOneTimeID,
		Message:     message,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return OlmCiphertext{}, fmt.Errorf("crypto: marshal olm body: %w", err)
	}
	return OlmCiphertext{Type: OlmMessageTypePrekey, Body: b64Encode(body)}, nil
}

// Decrypt opens a ciphertext produced by Encrypt on the peer's matching
// session. The session's receiving chain only advances in order; this
// does not cache skipped message keys for out-of-order delivery.
func (s *OlmSession) Decrypt(ct OlmCiphertext) ([]byte, error) {
	bodyJSON, err := b64Decode(ct.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed body", ErrOlmSession)
	}

	var message string
	switch ct.Type {
	case OlmMessageTypePrekey:
		var env olmPrekeyEnvelope
		if err := json.Unmarshal(bodyJSON, &env); err != nil {
			return nil, fmt.Errorf("%w: malformed prekey body", ErrOlmSession)
		}
		message = env.Message
	case OlmMessageTypeNormal:
		var env olmNormalEnvelope
		if err := json.Unmarshal(bodyJSON, &env); err != nil {
			return nil, fmt.Errorf("%w: malformed body", ErrOlmSession)
		}
		message = env.Message
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrOlmSession, ct.Type)
	}

	payload, err := b64Decode(message)
	if err != nil || len(payload) < 20 {
		return nil, fmt.Errorf("%w: malformed message", ErrOlmSession)
	}
	counter := binary.BigEndian.Uint32(payload[0:4])
	iv := payload[4:20]
	sealed := payload[20:]

	if counter != s.recvCounter+1 {
		return nil, fmt.Errorf("%w: out-of-order message (got %d, want %d)", ErrOlmSession, counter, s.recvCounter+1)
	}

	messageKey, next := advanceChain(s.recvChainKey[:])
	aesKey, macKey, _, err := deriveMessageKeys(messageKey, "MATRIX_OLM_MESSAGE")
	if err != nil {
		return nil, err
	}
	plaintext, err := openAESCTRHMAC(aesKey, macKey, iv, sealed)
	if err != nil {
		return nil, err
	}

	copy(s.recvChainKey[:], next)
	s.recvCounter = counter
	s.established = true
	return plaintext, nil
}

// PrekeyEnvelopeFields is the X3DH handshake data carried in a prekey
// Olm ciphertext, exposed so a caller can identify or build the
// matching inbound session before one exists to call Decrypt on.
type PrekeyEnvelopeFields struct {
	IdentityKey  string
	BaseKey      string
	OneTimeKeyID string
}

// ParsePrekeyEnvelope extracts the handshake fields from a prekey
// ciphertext without needing an existing session.
func ParsePrekeyEnvelope(ct OlmCiphertext) (PrekeyEnvelopeFields, error) {
	if ct.Type != OlmMessageTypePrekey {
		return PrekeyEnvelopeFields{}, fmt.Errorf("%w: not a prekey message", ErrOlmSession)
	}
	bodyJSON, err := b64Decode(ct.Body)
	if err != nil {
		return PrekeyEnvelopeFields{}, fmt.Errorf("%w: malformed prekey body", ErrOlmSession)
	}
	var env olmPrekeyEnvelope
	if err := json.Unmarshal(bodyJSON, &env); err != nil {
		return PrekeyEnvelopeFields{}, fmt.Errorf("%w: malformed prekey body", ErrOlmSession)
	}
	return PrekeyEnvelopeFields{IdentityKey: env.IdentityKey, BaseKey: env.BaseKey, OneTimeKeyID: env.OneTimeKey}, nil
}

// Matches reports whether a received prekey message was produced for
// this specific session (same peer identity/base key and consumed
// one-time key), so OlmEngine can recognize a retransmitted first
// message instead of establishing a duplicate inbound session.
func (s *OlmSession) Matches(ct OlmCiphertext, peerCurve25519 string) bool {
	if ct.Type != OlmMessageTypePrekey {
		return false
	}
	bodyJSON, err := b64Decode(ct.Body)
	if err != nil {
		return false
	}
	var env olmPrekeyEnvelope
	if err := json.Unmarshal(bodyJSON, &env); err != nil {
		return false
	}
	if env.IdentityKey != peerCurve25519 {
		return false
	}
	if !s.outbound {
		return env.BaseKey == b64Encode(s.theirEphemeralPub[:]) && env.OneTimeKey == s.theirOneTimeID
	}
	return false
}
