package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const macSize = 8 // truncated HMAC-SHA256, matching Olm/Megolm wire format

// deriveMessageKeys expands a 32-byte message key into the AES-256-CTR
// key, HMAC-SHA256 key, and IV used to seal one message, via
// HKDF-SHA256 with the given info label.
func deriveMessageKeys(messageKey []byte, info string) (aesKey, macKey, iv []byte, err error) {
	r := hkdf.New(sha256.New, messageKey, nil, []byte(info))
	out := make([]byte, 32+32+16)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, nil, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return out[:32], out[32:64], out[64:80], nil
}

// sealAESCTRHMAC encrypts plaintext with AES-256-CTR under aesKey/iv and
// appends a truncated HMAC-SHA256(macKey, ciphertext) tag.
func sealAESCTRHMAC(aesKey, macKey, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)[:macSize]

	return append(ciphertext, tag...), nil
}

// openAESCTRHMAC verifies the truncated HMAC-SHA256 tag in sealed and,
// if valid, decrypts the AES-256-CTR ciphertext preceding it.
func openAESCTRHMAC(aesKey, macKey, iv, sealed []byte) ([]byte, error) {
	if len(sealed) < macSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrOlmSession)
	}
	ciphertext := sealed[:len(sealed)-macSize]
	gotTag := sealed[len(sealed)-macSize:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	wantTag := mac.Sum(nil)[:macSize]
	if !hmac.Equal(gotTag, wantTag) {
		return nil, fmt.Errorf("%w: mac mismatch", ErrOlmSession)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

func randomIV() ([]byte, error) {
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: generate iv: %w", err)
	}
	return iv, nil
}

// advanceChain returns the message key derived from chainKey and the
// next chain key, via the HMAC-SHA256 symmetric-ratchet step shared by
// Olm sending/receiving chains and the Megolm ratchet.
func advanceChain(chainKey []byte) (messageKey, nextChainKey []byte) {
	mk := hmac.New(sha256.New, chainKey)
	mk.Write([]byte{0x01})
	messageKey = mk.Sum(nil)

	ck := hmac.New(sha256.New, chainKey)
	ck.Write([]byte{0x02})
	nextChainKey = ck.Sum(nil)

	return messageKey, nextChainKey
}
