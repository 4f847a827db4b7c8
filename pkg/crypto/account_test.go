package crypto

import "testing"

func TestNewAccount(t *testing.T) {
	acct, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount() error = %v", err)
	}
	keys := acct.IdentityKeys()
	if keys.Ed25519 == "" || keys.Curve25519 == "" {
		t.Error("IdentityKeys() should return non-empty keys")
	}
}

func TestAccount_GenerateOTKs(t *testing.T) {
	acct, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}

	otks, err := acct.GenerateOTKs(5)
	if err != nil {
		t.Fatalf("GenerateOTKs() error = %v", err)
	}
	if len(otks) != 5 {
		t.Errorf("GenerateOTKs(5) returned %d keys, want 5", len(otks))
	}
	if acct.UnpublishedOTKCount() != 5 {
		t.Errorf("UnpublishedOTKCount() = %d, want 5", acct.UnpublishedOTKCount())
	}

	acct.MarkPublished()
	if acct.UnpublishedOTKCount() != 0 {
		t.Errorf("UnpublishedOTKCount() after MarkPublished = %d, want 0", acct.UnpublishedOTKCount())
	}
}

func TestAccount_MaxOTKs(t *testing.T) {
	acct, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	if acct.MaxOTKs() != DefaultMaxOneTimeKeys {
		t.Errorf("MaxOTKs() = %d, want %d", acct.MaxOTKs(), DefaultMaxOneTimeKeys)
	}
	acct.SetMaxOTKs(10)
	if acct.MaxOTKs() != 10 {
		t.Errorf("MaxOTKs() after SetMaxOTKs = %d, want 10", acct.MaxOTKs())
	}
}

func TestAccount_Sign(t *testing.T) {
	acct, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}

	sig, err := acct.Sign(map[string]interface{}{"hello": "world"})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if sig == "" {
		t.Error("Sign() should return a non-empty signature")
	}

	canon, err := CanonicalJSON(map[string]interface{}{"hello": "world"})
	if err != nil {
		t.Fatal(err)
	}
	sigBytes, err := b64Decode(sig)
	if err != nil {
		t.Fatal(err)
	}
	keys := acct.IdentityKeys()
	if err := Ed25519Verify(keys.Ed25519, canon, sigBytes); err != nil {
		t.Errorf("Ed25519Verify() of Sign() output failed: %v", err)
	}
}

func TestAccount_OneTimeKeyConsumedOnce(t *testing.T) {
	acct, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	otks, err := acct.GenerateOTKs(1)
	if err != nil {
		t.Fatal(err)
	}
	var keyID string
	for id := range otks {
		keyID = id
	}

	if _, ok := acct.removeOneTimeKey(keyID); !ok {
		t.Fatal("removeOneTimeKey should succeed the first time")
	}
	if _, ok := acct.removeOneTimeKey(keyID); ok {
		t.Error("removeOneTimeKey should fail once the key is consumed")
	}
}
