package crypto

import (
	"encoding/base64"
	"fmt"
)

func b64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func b64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// B64Encode exposes base64 encoding of raw key/session bytes, matching
// the encoding IdentityKeys and one-time key values use, for callers
// that need to put raw bytes (e.g. a Megolm session_key export) onto
// the wire.
func B64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// B64Decode exposes base64 decoding of the key encoding used throughout
// this package's public API (IdentityKeys, one-time key values), for
// callers that need to turn those strings back into raw key bytes, e.g.
// to build a [32]byte curve25519 key for NewOutboundOlmSession.
func B64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// B64DecodeKey32 decodes a base64 key expected to be exactly 32 bytes,
// as used for curve25519 public keys.
func B64DecodeKey32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(b))
	}
	copy(out[:], b)
	return out, nil
}
