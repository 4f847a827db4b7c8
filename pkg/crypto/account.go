package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/curve25519"
)

// DefaultMaxOneTimeKeys is the target one-time-key pool size. SyncDispatcher
// replenishes the pool once the homeserver-reported unused count drops
// below half of this; housekeeping's periodic check applies the same
// threshold to the account's own unpublished-key count.
const DefaultMaxOneTimeKeys = 50

// IdentityKeys is the public half of an Account's long-term keys, as
// published in the device_keys upload.
type IdentityKeys struct {
	Ed25519    string // base64, signing key
	Curve25519 string // base64, identity ECDH key
}

// OneTimeKey is a single Curve25519 key-agreement keypair held by the
// Account pending a claim by a peer, or already claimed and awaiting
// upload confirmation.
type OneTimeKey struct {
	KeyID     string
	Priv      [32]byte
	Pub       [32]byte
	Published bool
}

// Account owns a device's long-term Ed25519 signing key, long-term
// Curve25519 identity key, and the pool of one-time Curve25519 keys
// offered for Olm session establishment.
type Account struct {
	mu sync.Mutex

	signingPriv ed25519.PrivateKey
	signingPub  ed25519.PublicKey

	identityPriv [32]byte
	identityPub  [32]byte

	oneTimeKeys map[string]*OneTimeKey
	otkSeq      uint64
	maxOTKs     int
}

// NewAccount generates a fresh Account with new signing and identity
// keys and an empty one-time-key pool.
func NewAccount() (*Account, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate signing key: %w", err)
	}

	var idPriv [32]byte
	if _, err := rand.Read(idPriv[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate identity key: %w", err)
	}
	// clamp per curve25519 scalar requirements
	idPriv[0] &= 248
	idPriv[31] &= 127
	idPriv[31] |= 64

	idPub, err := curve25519.X25519(idPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive identity public key: %w", err)
	}

	a := &Account{
		signingPriv: priv,
		signingPub:  pub,
		oneTimeKeys: make(map[string]*OneTimeKey),
		maxOTKs:     DefaultMaxOneTimeKeys,
	}
	copy(a.identityPriv[:], idPriv[:])
	copy(a.identityPub[:], idPub)
	return a, nil
}

// IdentityKeys returns the account's public identity keys, base64-encoded
// as they appear on the wire.
func (a *Account) IdentityKeys() IdentityKeys {
	a.mu.Lock()
	defer a.mu.Unlock()
	return IdentityKeys{
		Ed25519:    b64Encode(a.signingPub),
		Curve25519: b64Encode(a.identityPub[:]),
	}
}

// Sign produces an Ed25519 signature over CanonicalJSON(v), base64
// encoded, for embedding into a signed-dict's signatures block.
func (a *Account) Sign(v interface{}) (string, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	sig := ed25519.Sign(a.signingPriv, canon)
	a.mu.Unlock()
	return b64Encode(sig), nil
}

// SignBytes signs raw bytes directly, bypassing canonicalization, for
// callers that have already produced the canonical form.
func (a *Account) SignBytes(b []byte) string {
	a.mu.Lock()
	sig := ed25519.Sign(a.signingPriv, b)
	a.mu.Unlock()
	return b64Encode(sig)
}

// MaxOTKs returns the configured one-time-key pool target.
func (a *Account) MaxOTKs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxOTKs
}

// SetMaxOTKs overrides the pool target (used by client config).
func (a *Account) SetMaxOTKs(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxOTKs = n
}

// GenerateOTKs creates n new one-time Curve25519 keypairs and returns
// their public halves keyed by key ID, ready for device_keys upload.
func (a *Account) GenerateOTKs(n int) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]string, n)
	for i := 0; i < n; i++ {
		var priv [32]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return nil, fmt.Errorf("crypto: generate one-time key: %w", err)
		}
		priv[0] &= 248
		priv[31] &= 127
		priv[31] |= 64

		pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("crypto: derive one-time public key: %w", err)
		}

		a.otkSeq++
		keyID := fmt.Sprintf("AAAAA%d", a.otkSeq)
		otk := &OneTimeKey{KeyID: keyID}
		copy(otk.Priv[:], priv[:])
		copy(otk.Pub[:], pub)
		a.oneTimeKeys[keyID] = otk
		out[keyID] = b64Encode(otk.Pub[:])
	}
	return out, nil
}

// MarkPublished marks every currently-unpublished one-time key as
// published, called once a device_keys upload of those keys succeeds.
func (a *Account) MarkPublished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, otk := range a.oneTimeKeys {
		otk.Published = true
	}
}

// UnpublishedOTKCount reports how many one-time keys have been generated
// but not yet confirmed uploaded.
func (a *Account) UnpublishedOTKCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, otk := range a.oneTimeKeys {
		if !otk.Published {
			n++
		}
	}
	return n
}

// removeOneTimeKey consumes a one-time key by ID, for use when
// establishing an inbound Olm session from a prekey message. Returns
// false if the key is unknown (already consumed, or never ours).
func (a *Account) removeOneTimeKey(keyID string) (*OneTimeKey, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	otk, ok := a.oneTimeKeys[keyID]
	if !ok {
		return nil, false
	}
	delete(a.oneTimeKeys, keyID)
	return otk, true
}

func (a *Account) identityKeyPair() (priv, pub [32]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identityPriv, a.identityPub
}
