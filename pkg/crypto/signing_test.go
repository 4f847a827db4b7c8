package crypto

import "testing"

func TestSignDict_RoundTrip(t *testing.T) {
	acct, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	keys := acct.IdentityKeys()

	obj := map[string]interface{}{
		"user_id":    "@alice:example.org",
		"device_id":  "DEVICE1",
		"algorithms": []interface{}{"m.olm.v1.curve25519-aes-sha2"},
		"keys": map[string]interface{}{
			"curve25519:DEVICE1": keys.Curve25519,
			"ed25519:DEVICE1":    keys.Ed25519,
		},
		"unsigned": map[string]interface{}{"device_display_name": "test"},
	}

	if err := SignDict(acct, "@alice:example.org", "DEVICE1", obj); err != nil {
		t.Fatalf("SignDict() error = %v", err)
	}

	if _, ok := obj["unsigned"]; !ok {
		t.Error("SignDict should restore unsigned")
	}

	if err := VerifySignedDict(obj, "@alice:example.org", "DEVICE1", keys.Ed25519); err != nil {
		t.Errorf("VerifySignedDict() of SignDict() output failed: %v", err)
	}
}

func TestSignDict_TamperedDetected(t *testing.T) {
	acct, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	keys := acct.IdentityKeys()

	obj := map[string]interface{}{
		"user_id":   "@alice:example.org",
		"device_id": "DEVICE1",
		"keys":      map[string]interface{}{"ed25519:DEVICE1": keys.Ed25519},
	}
	if err := SignDict(acct, "@alice:example.org", "DEVICE1", obj); err != nil {
		t.Fatal(err)
	}

	obj["user_id"] = "@mallory:example.org"

	if err := VerifySignedDict(obj, "@alice:example.org", "DEVICE1", keys.Ed25519); err == nil {
		t.Error("VerifySignedDict() should fail on tampered object")
	}
}

func TestVerifySignedDict_MissingSignature(t *testing.T) {
	obj := map[string]interface{}{"user_id": "@alice:example.org"}
	if err := VerifySignedDict(obj, "@alice:example.org", "DEVICE1", "irrelevant"); err == nil {
		t.Error("VerifySignedDict() should fail with no signatures block")
	}
}

func TestEd25519Verify_WrongKey(t *testing.T) {
	acct1, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	acct2, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}

	msg, err := CanonicalJSON(map[string]interface{}{"m": "x"})
	if err != nil {
		t.Fatal(err)
	}
	sigB64, err := acct1.Sign(map[string]interface{}{"m": "x"})
	if err != nil {
		t.Fatal(err)
	}
	sig, err := b64Decode(sigB64)
	if err != nil {
		t.Fatal(err)
	}

	keys2 := acct2.IdentityKeys()
	if err := Ed25519Verify(keys2.Ed25519, msg, sig); err == nil {
		t.Error("Ed25519Verify() should fail against the wrong key")
	}
}
