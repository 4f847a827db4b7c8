package keystore

import (
	"path/filepath"
	"testing"
)

func testMasterKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func openTestKeystore(t *testing.T) *Keystore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "keystore.db")
	ks, err := New(Config{DBPath: dbPath, MasterKey: testMasterKey()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := ks.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { ks.Close() })
	return ks
}

func TestEncryptDecrypt_RoundTrips(t *testing.T) {
	ks := openTestKeystore(t)

	plaintext := []byte("a matrix access token that must never touch disk unencrypted")
	ciphertext, nonce, err := ks.encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt() error = %v", err)
	}
	if len(nonce) != 24 {
		t.Fatalf("unexpected nonce length: %d", len(nonce))
	}

	decrypted, err := ks.decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("decrypt() error = %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("decrypt() = %q, want %q", decrypted, plaintext)
	}
}

func TestDecrypt_WrongNonceFails(t *testing.T) {
	ks := openTestKeystore(t)

	ciphertext, _, err := ks.encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt() error = %v", err)
	}

	wrongNonce := make([]byte, 24)
	if _, err := ks.decrypt(ciphertext, wrongNonce); err == nil {
		t.Error("expected an error decrypting with the wrong nonce")
	}
}

func TestAccessToken_StoreRetrieveDelete(t *testing.T) {
	ks := openTestKeystore(t)

	tok := AccessToken{
		ID:            "default",
		Token:         "syt_test_access_token",
		HomeserverURL: "https://matrix.example.org",
		UserID:        "@alice:example.org",
		CreatedAt:     1785499200,
	}
	if err := ks.StoreAccessToken(tok); err != nil {
		t.Fatalf("StoreAccessToken() error = %v", err)
	}

	got, err := ks.RetrieveAccessToken(tok.ID)
	if err != nil {
		t.Fatalf("RetrieveAccessToken() error = %v", err)
	}
	if got.Token != tok.Token || got.HomeserverURL != tok.HomeserverURL || got.UserID != tok.UserID {
		t.Errorf("RetrieveAccessToken() = %+v, want %+v", got, tok)
	}

	if err := ks.DeleteAccessToken(tok.ID); err != nil {
		t.Fatalf("DeleteAccessToken() error = %v", err)
	}
	if _, err := ks.RetrieveAccessToken(tok.ID); err != ErrTokenNotFound {
		t.Errorf("expected ErrTokenNotFound after delete, got %v", err)
	}
}

func TestStoreAccessToken_ReplacesExistingID(t *testing.T) {
	ks := openTestKeystore(t)

	first := AccessToken{ID: "default", Token: "first", HomeserverURL: "https://matrix.example.org", UserID: "@alice:example.org"}
	second := AccessToken{ID: "default", Token: "second", HomeserverURL: "https://matrix.example.org", UserID: "@alice:example.org"}

	if err := ks.StoreAccessToken(first); err != nil {
		t.Fatal(err)
	}
	if err := ks.StoreAccessToken(second); err != nil {
		t.Fatal(err)
	}

	got, err := ks.RetrieveAccessToken("default")
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != "second" {
		t.Errorf("expected replaced token %q, got %q", "second", got.Token)
	}
}

func TestNew_DerivesSameKeyAcrossRestartsFromPersistedSalt(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "keystore.db")

	ks1, err := New(Config{DBPath: dbPath})
	if err != nil {
		t.Fatalf("New() (first) error = %v", err)
	}

	ks2, err := New(Config{DBPath: dbPath})
	if err != nil {
		t.Fatalf("New() (second) error = %v", err)
	}

	if string(ks1.MasterKey()) != string(ks2.MasterKey()) {
		t.Error("expected the same derived master key across two New() calls against the same DBPath")
	}
}
