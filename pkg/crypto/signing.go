package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// SignDict signs obj per the signed-dict protocol: the signatures and
// unsigned members are stripped from the copy being signed, the
// remainder is canonicalized and signed, and the resulting signature is
// written back under signatures[userID][ed25519:deviceID] in the
// original obj (with unsigned restored, untouched).
//
// obj is mutated in place and must be a map[string]interface{} (the
// shape event/device-key JSON decodes into).
func SignDict(acct *Account, userID, deviceID string, obj map[string]interface{}) error {
	unsigned, hadUnsigned := obj["unsigned"]
	signatures, _ := obj["signatures"]

	delete(obj, "signatures")
	delete(obj, "unsigned")

	canon, err := CanonicalJSON(obj)
	if err != nil {
		return fmt.Errorf("crypto: canonicalize for signing: %w", err)
	}
	sig := acct.SignBytes(canon)

	sigMap, _ := signatures.(map[string]interface{})
	if sigMap == nil {
		sigMap = make(map[string]interface{})
	}
	userSigs, _ := sigMap[userID].(map[string]interface{})
	if userSigs == nil {
		userSigs = make(map[string]interface{})
	}
	userSigs[fmt.Sprintf("ed25519:%s", deviceID)] = sig
	sigMap[userID] = userSigs
	obj["signatures"] = sigMap

	if hadUnsigned {
		obj["unsigned"] = unsigned
	}
	return nil
}

// VerifySignedDict verifies obj's signatures[userID][ed25519:deviceID]
// entry against the given Ed25519 public key (base64), using the same
// strip-signatures-and-unsigned canonicalization SignDict used to
// produce it. obj is not mutated.
func VerifySignedDict(obj map[string]interface{}, userID, deviceID, ed25519PubKeyB64 string) error {
	sigMap, _ := obj["signatures"].(map[string]interface{})
	if sigMap == nil {
		return fmt.Errorf("crypto: %w: no signatures block", ErrVerify)
	}
	userSigs, _ := sigMap[userID].(map[string]interface{})
	if userSigs == nil {
		return fmt.Errorf("crypto: %w: no signatures for %s", ErrVerify, userID)
	}
	sigB64, _ := userSigs[fmt.Sprintf("ed25519:%s", deviceID)].(string)
	if sigB64 == "" {
		return fmt.Errorf("crypto: %w: no ed25519:%s signature", ErrVerify, deviceID)
	}
	sig, err := b64Decode(sigB64)
	if err != nil {
		return fmt.Errorf("crypto: %w: malformed signature", ErrVerify)
	}

	stripped := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if k == "signatures" || k == "unsigned" {
			continue
		}
		stripped[k] = v
	}
	canon, err := CanonicalJSON(stripped)
	if err != nil {
		return fmt.Errorf("crypto: canonicalize for verify: %w", err)
	}

	return Ed25519Verify(ed25519PubKeyB64, canon, sig)
}

// Ed25519Verify verifies a raw signature over message using the base64
// Ed25519 public key, matching the ed25519_verify(key, message,
// signature) contract.
func Ed25519Verify(pubKeyB64 string, message, signature []byte) error {
	pubKey, err := b64Decode(pubKeyB64)
	if err != nil {
		return fmt.Errorf("crypto: %w: malformed key", ErrVerify)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("crypto: %w: wrong key size", ErrVerify)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKey), message, signature) {
		return ErrVerify
	}
	return nil
}
