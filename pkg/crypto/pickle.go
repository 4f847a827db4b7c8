package crypto

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Pickle/Unpickle serialize the opaque session/account state for
// storage, following the pickled-blob convention the persistence layer
// uses for every piece of cryptographic state. Each type's internal
// fields are private (the ratchet state must never be read or mutated
// except through Encrypt/Decrypt), so each exposes a gob-encodable
// snapshot struct instead of relying on gob's reflection over
// unexported fields, which it cannot see.

type accountSnapshot struct {
	SigningPriv  []byte
	SigningPub   []byte
	IdentityPriv [32]byte
	IdentityPub  [32]byte
	OneTimeKeys  map[string]*OneTimeKey
	OTKSeq       uint64
	MaxOTKs      int
}

// Pickle serializes the account's full state, including private keys
// and the one-time-key pool, for encrypted storage.
func (a *Account) Pickle() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := accountSnapshot{
		SigningPriv:  append([]byte{}, a.signingPriv...),
		SigningPub:   append([]byte{}, a.signingPub...),
		IdentityPriv: a.identityPriv,
		IdentityPub:  a.identityPub,
		OneTimeKeys:  a.oneTimeKeys,
		OTKSeq:       a.otkSeq,
		MaxOTKs:      a.maxOTKs,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("crypto: pickle account: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpickleAccount restores an Account from Pickle output.
func UnpickleAccount(data []byte) (*Account, error) {
	var snap accountSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("crypto: unpickle account: %w", err)
	}
	return &Account{
		signingPriv:  snap.SigningPriv,
		signingPub:   snap.SigningPub,
		identityPriv: snap.IdentityPriv,
		identityPub:  snap.IdentityPub,
		oneTimeKeys:  snap.OneTimeKeys,
		otkSeq:       snap.OTKSeq,
		maxOTKs:      snap.MaxOTKs,
	}, nil
}

type olmSessionSnapshot struct {
	ID                string
	Outbound          bool
	Established       bool
	OurIdentityPub    [32]byte
	TheirIdentityPub  [32]byte
	TheirOneTimePub   [32]byte
	TheirOneTimeID    string
	OurEphemeralPub   [32]byte
	TheirEphemeralPub [32]byte
	SendChainKey      [32]byte
	RecvChainKey      [32]byte
	SendCounter       uint32
	RecvCounter       uint32
}

// Pickle serializes an OlmSession's ratchet state for storage.
func (s *OlmSession) Pickle() ([]byte, error) {
	snap := olmSessionSnapshot{
		ID:                s.ID,
		Outbound:          s.outbound,
		Established:       s.established,
		OurIdentityPub:    s.ourIdentityPub,
		TheirIdentityPub:  s.theirIdentityPub,
		TheirOneTimePub:   s.theirOneTimePub,
		TheirOneTimeID:    s.theirOneTimeID,
		OurEphemeralPub:   s.ourEphemeralPub,
		TheirEphemeralPub: s.theirEphemeralPub,
		SendChainKey:      s.sendChainKey,
		RecvChainKey:      s.recvChainKey,
		SendCounter:       s.sendCounter,
		RecvCounter:       s.recvCounter,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("crypto: pickle olm session: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpickleOlmSession restores an OlmSession from Pickle output.
func UnpickleOlmSession(data []byte) (*OlmSession, error) {
	var snap olmSessionSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("crypto: unpickle olm session: %w", err)
	}
	return &OlmSession{
		ID:                snap.ID,
		outbound:          snap.Outbound,
		established:       snap.Established,
		ourIdentityPub:    snap.OurIdentityPub,
		theirIdentityPub:  snap.TheirIdentityPub,
		theirOneTimePub:   snap.TheirOneTimePub,
		theirOneTimeID:    snap.TheirOneTimeID,
		ourEphemeralPub:   snap.OurEphemeralPub,
		theirEphemeralPub: snap.TheirEphemeralPub,
		sendChainKey:      snap.SendChainKey,
		recvChainKey:      snap.RecvChainKey,
		sendCounter:       snap.SendCounter,
		recvCounter:       snap.RecvCounter,
	}, nil
}

type megolmOutboundSnapshot struct {
	ID      string
	Ratchet megolmRatchetSnapshot
}

type megolmRatchetSnapshot struct {
	Parts [4][32]byte
	Index uint32
}

// Pickle serializes a MegolmOutboundSession's ratchet state for storage.
func (s *MegolmOutboundSession) Pickle() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := megolmOutboundSnapshot{
		ID: s.id,
		Ratchet: megolmRatchetSnapshot{
			Parts: s.ratchet.parts,
			Index: s.ratchet.index,
		},
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("crypto: pickle megolm outbound session: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpickleMegolmOutboundSession restores a MegolmOutboundSession from
// Pickle output.
func UnpickleMegolmOutboundSession(data []byte) (*MegolmOutboundSession, error) {
	var snap megolmOutboundSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("crypto: unpickle megolm outbound session: %w", err)
	}
	return &MegolmOutboundSession{
		id: snap.ID,
		ratchet: megolmRatchet{
			parts: snap.Ratchet.Parts,
			index: snap.Ratchet.Index,
		},
	}, nil
}

type megolmInboundSnapshot struct {
	ID              string
	SenderKey       string
	FirstKnownIndex uint32
	Ratchet         megolmRatchetSnapshot
	Decrypted       map[uint32]decryptedMessageRecord
	Forwarded       bool
	ForwardChain    []string
	StarterEd25519  string
}

// Pickle serializes a MegolmInboundSession's ratchet state, replay
// cache, and forward-chain metadata for storage.
func (s *MegolmInboundSession) Pickle() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := megolmInboundSnapshot{
		ID:              s.id,
		SenderKey:       s.senderKey,
		FirstKnownIndex: s.firstKnownIndex,
		Ratchet: megolmRatchetSnapshot{
			Parts: s.ratchet.parts,
			Index: s.ratchet.index,
		},
		Decrypted:      s.decrypted,
		Forwarded:      s.forwarded,
		ForwardChain:   s.forwardChain,
		StarterEd25519: s.starterEd25519,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, fmt.Errorf("crypto: pickle megolm inbound session: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpickleMegolmInboundSession restores a MegolmInboundSession from
// Pickle output.
func UnpickleMegolmInboundSession(data []byte) (*MegolmInboundSession, error) {
	var snap megolmInboundSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("crypto: unpickle megolm inbound session: %w", err)
	}
	decrypted := snap.Decrypted
	if decrypted == nil {
		decrypted = make(map[uint32]decryptedMessageRecord)
	}
	return &MegolmInboundSession{
		id:              snap.ID,
		senderKey:       snap.SenderKey,
		firstKnownIndex: snap.FirstKnownIndex,
		ratchet: megolmRatchet{
			parts: snap.Ratchet.Parts,
			index: snap.Ratchet.Index,
		},
		decrypted:      decrypted,
		forwarded:      snap.Forwarded,
		forwardChain:   snap.ForwardChain,
		starterEd25519: snap.StarterEd25519,
	}, nil
}
