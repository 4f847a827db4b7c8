package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hearthline/matrix-e2e/pkg/crypto"
)

func openTestStore(t *testing.T) *SessionStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "crypto.db")
	s, err := Load(dbPath, []byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoad_GeneratesAccountOnFirstUse(t *testing.T) {
	s := openTestStore(t)
	if s.Account() == nil {
		t.Fatal("Account() = nil after fresh Load")
	}
	if s.DeviceKeysUploaded() {
		t.Error("DeviceKeysUploaded() = true on a fresh store, want false")
	}
}

func TestLoad_ReopensExistingAccount(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crypto.db")
	s1, err := Load(dbPath, []byte("pass"))
	if err != nil {
		t.Fatal(err)
	}
	keysBefore := s1.Account().IdentityKeys()
	if err := s1.MarkDeviceKeysUploaded(); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Load(dbPath, []byte("pass"))
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if keysAfter := s2.Account().IdentityKeys(); keysAfter != keysBefore {
		t.Errorf("IdentityKeys() after reopen = %+v, want %+v", keysAfter, keysBefore)
	}
	if !s2.DeviceKeysUploaded() {
		t.Error("DeviceKeysUploaded() after reopen = false, want true")
	}
}

func TestAddInMegolm_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crypto.db")
	s1, err := Load(dbPath, []byte("pass"))
	if err != nil {
		t.Fatal(err)
	}
	bob, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	otks, err := bob.GenerateOTKs(1)
	if err != nil {
		t.Fatal(err)
	}
	var otkID string
	for id := range otks {
		otkID = id
	}
	_ = otkID

	peer := bob.IdentityKeys().Curve25519

	sess, err := crypto.NewMegolmInboundSession("sess1", peer, mustOutboundSessionKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.AddInMegolm("!room:example.org", peer, "sess1", sess); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Load(dbPath, []byte("pass"))
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	restored, ok := s2.InMegolmSession("!room:example.org", peer, "sess1")
	if !ok {
		t.Fatal("InMegolmSession() not found after reopen")
	}
	if restored.FirstKnownIndex() != sess.FirstKnownIndex() {
		t.Errorf("FirstKnownIndex() after reopen = %d, want %d", restored.FirstKnownIndex(), sess.FirstKnownIndex())
	}
}

func mustOutboundSessionKey(t *testing.T) []byte {
	t.Helper()
	out, err := crypto.NewMegolmOutboundSession()
	if err != nil {
		t.Fatal(err)
	}
	return out.SessionKey()
}

func TestPutOutMegolm_AndMarkSharedTo(t *testing.T) {
	s := openTestStore(t)

	out, err := crypto.NewMegolmOutboundSession()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutOutMegolm("!room:example.org", out, nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkSharedTo("!room:example.org", "alice|DEVICE1"); err != nil {
		t.Fatal(err)
	}

	_, sharedTo, _, ok := s.OutMegolmSession("!room:example.org")
	if !ok {
		t.Fatal("OutMegolmSession() not found")
	}
	if !sharedTo["alice|DEVICE1"] {
		t.Error("MarkSharedTo() did not record the device in shared_to")
	}
}

func TestPutOutMegolm_PersistsSharedToAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crypto.db")
	s1, err := Load(dbPath, []byte("pass"))
	if err != nil {
		t.Fatal(err)
	}
	out, err := crypto.NewMegolmOutboundSession()
	if err != nil {
		t.Fatal(err)
	}
	created := time.Now()
	if err := s1.PutOutMegolm("!room:example.org", out, map[string]bool{"bob|DEVICE2": true}, created); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Load(dbPath, []byte("pass"))
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	restored, sharedTo, _, ok := s2.OutMegolmSession("!room:example.org")
	if !ok {
		t.Fatal("OutMegolmSession() not found after reopen")
	}
	if restored.ID() != out.ID() {
		t.Errorf("ID() after reopen = %q, want %q", restored.ID(), out.ID())
	}
	if !sharedTo["bob|DEVICE2"] {
		t.Error("shared_to did not survive reopen")
	}
}

func TestAddOutOlm_AndLookup(t *testing.T) {
	s := openTestStore(t)

	alice, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := crypto.NewAccount()
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
	_ = otkPubB64

	bobCurve, err := crypto.B64DecodeKey32(bob.IdentityKeys().Curve25519)
	if err != nil {
		t.Fatal(err)
	}
	bobOTKPub, err := crypto.B64DecodeKey32(otkPubB64)
	if err != nil {
		t.Fatal(err)
	}

	sess, err := crypto.NewOutboundOlmSession(alice, bobCurve, bobOTKPub, otkID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddOutOlm(bob.IdentityKeys().Curve25519, sess); err != nil {
		t.Fatal(err)
	}

	got, ok := s.OutOlmSession(bob.IdentityKeys().Curve25519)
	if !ok {
		t.Fatal("OutOlmSession() not found")
	}
	if got.ID != sess.ID {
		t.Errorf("OutOlmSession().ID = %q, want %q", got.ID, sess.ID)
	}
}
