package crypto

import "errors"

// ErrOlmSession is returned by OlmSession.Decrypt when the ciphertext
// cannot be authenticated or decoded under the session's current ratchet
// state.
var ErrOlmSession = errors.New("olm: session decrypt failed")

// ErrVerify is returned by Ed25519Verify when a signature does not match.
var ErrVerify = errors.New("crypto: signature verification failed")

// ErrRatchetBehind is returned by MegolmInboundSession.Decrypt when the
// ciphertext's message index is earlier than the earliest ratchet state
// the session has retained (the session was exported/imported at a later
// index than the message being decrypted).
var ErrRatchetBehind = errors.New("megolm: message index before earliest known ratchet state")

// ErrNoOneTimeKey is returned when claiming a one-time key from the
// homeserver for a device yields no usable key.
var ErrNoOneTimeKey = errors.New("olm: no one-time key available for device")
