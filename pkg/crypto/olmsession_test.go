package crypto

import "testing"

func curve25519Pub(acct *Account) [32]byte {
	var pub [32]byte
	b, _ := b64Decode(acct.IdentityKeys().Curve25519)
	copy(pub[:], b)
	return pub
}

func TestOlmSession_PrekeyRoundTrip(t *testing.T) {
	alice, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}

	otks, err := bob.GenerateOTKs(1)
	if err != nil {
		t.Fatal(err)
	}
	var otkID, otkPubB64 string
	for id, pub := range otks {
		otkID, otkPubB64 = id, pub
	}
	var otkPub [32]byte
	b, _ := b64Decode(otkPubB64)
	copy(otkPub[:], b)

	outbound, err := NewOutboundOlmSession(alice, curve25519Pub(bob), otkPub, otkID)
	if err != nil {
		t.Fatalf("NewOutboundOlmSession() error = %v", err)
	}

	ct, err := outbound.Encrypt([]byte("hello bob"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ct.Type != OlmMessageTypePrekey {
		t.Errorf("first message type = %d, want prekey", ct.Type)
	}

	inbound, err := NewInboundOlmSession(bob, curve25519Pub(alice), outbound.ourEphemeralPub, otkID)
	if err != nil {
		t.Fatalf("NewInboundOlmSession() error = %v", err)
	}

	plaintext, err := inbound.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Errorf("Decrypt() = %q, want %q", plaintext, "hello bob")
	}
}

func TestOlmSession_ReplyBecomesNormal(t *testing.T) {
	alice, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	otks, err := bob.GenerateOTKs(1)
	if err != nil {
		t.Fatal(err)
	}
	var otkID, otkPubB64 string
	for id, pub := range otks {
		otkID, otkPubB64 = id, pub
	}
	var otkPub [32]byte
	b, _ := b64Decode(otkPubB64)
	copy(otkPub[:], b)

	outbound, err := NewOutboundOlmSession(alice, curve25519Pub(bob), otkPub, otkID)
	if err != nil {
		t.Fatal(err)
	}
	ct1, err := outbound.Encrypt([]byte("first"))
	if err != nil {
		t.Fatal(err)
	}

	inbound, err := NewInboundOlmSession(bob, curve25519Pub(alice), outbound.ourEphemeralPub, otkID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inbound.Decrypt(ct1); err != nil {
		t.Fatal(err)
	}

	reply, err := inbound.Encrypt([]byte("reply"))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type != OlmMessageTypeNormal {
		t.Errorf("inbound session's first reply type = %d, want normal", reply.Type)
	}

	got, err := outbound.Decrypt(reply)
	if err != nil {
		t.Fatalf("outbound Decrypt(reply) error = %v", err)
	}
	if string(got) != "reply" {
		t.Errorf("Decrypt(reply) = %q, want %q", got, "reply")
	}

	ct2, err := outbound.Encrypt([]byte("second"))
	if err != nil {
		t.Fatal(err)
	}
	if ct2.Type != OlmMessageTypeNormal {
		t.Error("outbound session should switch to normal messages once a reply is decrypted")
	}
}

func TestOlmSession_TamperedMACRejected(t *testing.T) {
	alice, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	otks, err := bob.GenerateOTKs(1)
	if err != nil {
		t.Fatal(err)
	}
	var otkID, otkPubB64 string
	for id, pub := range otks {
		otkID, otkPubB64 = id, pub
	}
	var otkPub [32]byte
	b, _ := b64Decode(otkPubB64)
	copy(otkPub[:], b)

	outbound, err := NewOutboundOlmSession(alice, curve25519Pub(bob), otkPub, otkID)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := outbound.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	inbound, err := NewInboundOlmSession(bob, curve25519Pub(alice), outbound.ourEphemeralPub, otkID)
	if err != nil {
		t.Fatal(err)
	}

	tampered := ct
	tampered.Body = tampered.Body[:len(tampered.Body)-2] + "AA"
	if _, err := inbound.Decrypt(tampered); err == nil {
		t.Error("Decrypt() should reject a tampered message body")
	}
}

func TestOlmSession_Matches(t *testing.T) {
	alice, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	otks, err := bob.GenerateOTKs(1)
	if err != nil {
		t.Fatal(err)
	}
	var otkID, otkPubB64 string
	for id, pub := range otks {
		otkID, otkPubB64 = id, pub
	}
	var otkPub [32]byte
	b, _ := b64Decode(otkPubB64)
	copy(otkPub[:], b)

	outbound, err := NewOutboundOlmSession(alice, curve25519Pub(bob), otkPub, otkID)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := outbound.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	inbound, err := NewInboundOlmSession(bob, curve25519Pub(alice), outbound.ourEphemeralPub, otkID)
	if err != nil {
		t.Fatal(err)
	}

	aliceKeys := alice.IdentityKeys()
	if !inbound.Matches(ct, aliceKeys.Curve25519) {
		t.Error("Matches() should recognize the prekey message that created this session")
	}
}
