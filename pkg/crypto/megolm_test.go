package crypto

import "testing"

func TestMegolm_RoundTrip(t *testing.T) {
	out, err := NewMegolmOutboundSession()
	if err != nil {
		t.Fatal(err)
	}

	ct, err := out.Encrypt([]byte("room message 1"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	in, err := NewMegolmInboundSession(out.ID(), "sender_curve25519_key", out.SessionKey())
	if err != nil {
		t.Fatalf("NewMegolmInboundSession() error = %v", err)
	}

	pt, index, replay, err := in.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if replay {
		t.Error("first decrypt should not be flagged as replay")
	}
	if index != 0 {
		t.Errorf("index = %d, want 0", index)
	}
	if string(pt) != "room message 1" {
		t.Errorf("Decrypt() = %q, want %q", pt, "room message 1")
	}
}

func TestMegolm_SequentialMessages(t *testing.T) {
	out, err := NewMegolmOutboundSession()
	if err != nil {
		t.Fatal(err)
	}
	sessionKey := out.SessionKey()

	var cts [][]byte
	for i := 0; i < 5; i++ {
		ct, err := out.Encrypt([]byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		cts = append(cts, ct)
	}

	in, err := NewMegolmInboundSession(out.ID(), "sender", sessionKey)
	if err != nil {
		t.Fatal(err)
	}

	for i, ct := range cts {
		pt, index, replay, err := in.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt(%d) error = %v", i, err)
		}
		if replay {
			t.Errorf("Decrypt(%d) flagged as replay", i)
		}
		if int(index) != i {
			t.Errorf("Decrypt(%d) index = %d, want %d", i, index, i)
		}
		if len(pt) != 1 || pt[0] != byte(i) {
			t.Errorf("Decrypt(%d) = %v, want [%d]", i, pt, i)
		}
	}
}

func TestMegolm_IdenticalRedeliveryNotReplay(t *testing.T) {
	out, err := NewMegolmOutboundSession()
	if err != nil {
		t.Fatal(err)
	}
	ct1, err := out.Encrypt([]byte("first"))
	if err != nil {
		t.Fatal(err)
	}

	in, err := NewMegolmInboundSession(out.ID(), "sender", out.SessionKey())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := in.Decrypt(ct1); err != nil {
		t.Fatal(err)
	}

	// Re-deliver the same ciphertext at the same index: identical
	// plaintext, not flagged as a replay attack.
	_, _, replay, err := in.Decrypt(ct1)
	if err != nil {
		t.Fatalf("redelivering an identical ciphertext should decrypt cleanly: %v", err)
	}
	if replay {
		t.Error("identical redelivery at the same index should not be flagged as replay")
	}
}

func TestMegolm_BehindFirstKnownIndex(t *testing.T) {
	out, err := NewMegolmOutboundSession()
	if err != nil {
		t.Fatal(err)
	}
	ct0, err := out.Encrypt([]byte("zero"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = out.Encrypt([]byte("one"))
	if err != nil {
		t.Fatal(err)
	}

	// Share the session key only after message 1 has been sent, i.e.
	// an inbound session that starts at index 1.
	sessionKeyAtIndex1 := out.SessionKey()

	in, err := NewMegolmInboundSession(out.ID(), "sender", sessionKeyAtIndex1)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, _, err := in.Decrypt(ct0); err != ErrRatchetBehind {
		t.Errorf("Decrypt() of a message before firstKnownIndex = %v, want ErrRatchetBehind", err)
	}
}

func TestMegolm_ForwardChain(t *testing.T) {
	out, err := NewMegolmOutboundSession()
	if err != nil {
		t.Fatal(err)
	}
	in, err := NewMegolmInboundSession(out.ID(), "sender", out.SessionKey())
	if err != nil {
		t.Fatal(err)
	}

	in.MarkForwarded([]string{"device_a_curve25519", "device_b_curve25519"})

	forwarded, chain := in.Forwarded()
	if !forwarded {
		t.Error("Forwarded() should report true after MarkForwarded")
	}
	if len(chain) != 2 || chain[1] != "device_b_curve25519" {
		t.Errorf("Forwarded() chain = %v, want [device_a_curve25519 device_b_curve25519]", chain)
	}
}
