package megolm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearthline/matrix-e2e/pkg/crypto"
	"github.com/hearthline/matrix-e2e/pkg/devices"
	"github.com/hearthline/matrix-e2e/pkg/logger"
	"github.com/hearthline/matrix-e2e/pkg/store"
)

func testLogger(t *testing.T) *logger.CryptoLogger {
	t.Helper()
	base, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stderr", Component: "test"})
	if err != nil {
		t.Fatal(err)
	}
	return logger.NewCryptoLogger(base)
}

func testStore(t *testing.T) *store.SessionStore {
	t.Helper()
	s, err := store.Load(filepath.Join(t.TempDir(), "crypto.db"), []byte("pass"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func toIfaceSlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func toSigMap(in map[string]interface{}) map[string]map[string]string {
	out := make(map[string]map[string]string, len(in))
	for user, inner := range in {
		innerMap := inner.(map[string]interface{})
		out[user] = make(map[string]string, len(innerMap))
		for k, v := range innerMap {
			out[user][k] = v.(string)
		}
	}
	return out
}

func signedDeviceEntry(t *testing.T, acct *crypto.Account, userID, deviceID string) devices.RawDeviceKeys {
	t.Helper()
	keys := acct.IdentityKeys()
	algorithms := []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"}
	dict := map[string]interface{}{
		"user_id":    userID,
		"device_id":  deviceID,
		"algorithms": toIfaceSlice(algorithms),
		"keys": map[string]interface{}{
			"ed25519:" + deviceID:    keys.Ed25519,
			"curve25519:" + deviceID: keys.Curve25519,
		},
	}
	if err := crypto.SignDict(acct, userID, deviceID, dict); err != nil {
		t.Fatal(err)
	}
	sigs := toSigMap(dict["signatures"].(map[string]interface{}))
	return devices.RawDeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: algorithms,
		Keys: map[string]string{
			"ed25519:" + deviceID:    keys.Ed25519,
			"curve25519:" + deviceID: keys.Curve25519,
		},
		Signatures: sigs,
	}
}

type fakeTransport struct {
	resp *devices.KeysQueryResponse
}

func (f *fakeTransport) QueryKeys(ctx context.Context, d map[string][]string) (*devices.KeysQueryResponse, error) {
	if f.resp == nil {
		return &devices.KeysQueryResponse{}, nil
	}
	return f.resp, nil
}

func (f *fakeTransport) ClaimOneTimeKeys(ctx context.Context, d map[string]map[string]string) (*devices.KeysClaimResponse, error) {
	return &devices.KeysClaimResponse{}, nil
}

// noopKeydist pretends every target device received the session.
type noopKeydist struct{}

func (noopKeydist) Share(ctx context.Context, roomID string, session *crypto.MegolmOutboundSession, targets []*devices.DeviceKey) ([]*devices.DeviceKey, error) {
	return targets, nil
}

func TestEncryptThenDecrypt_RoundTrip(t *testing.T) {
	ctx := context.Background()

	aliceAcct, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	bobAcct, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}

	aliceStore := testStore(t)
	bobEntry := signedDeviceEntry(t, bobAcct, "@bob:example.org", "BOBDEV")
	aliceAccountEntry := signedDeviceEntry(t, aliceAcct, "@alice:example.org", "ALICEDEV")

	aliceRegistry := devices.New(&fakeTransport{resp: &devices.KeysQueryResponse{
		DeviceKeys: map[string]map[string]devices.RawDeviceKeys{"@bob:example.org": {"BOBDEV": bobEntry}},
	}}, "@alice:example.org", "ALICEDEV", aliceAcct, testLogger(t))
	if err := aliceRegistry.Query(ctx, map[string][]string{"@bob:example.org": nil}); err != nil {
		t.Fatal(err)
	}

	// Bob's registry needs to know alice's device to verify the
	// decrypted session's starter binding.
	bobRegistry := devices.New(&fakeTransport{resp: &devices.KeysQueryResponse{
		DeviceKeys: map[string]map[string]devices.RawDeviceKeys{"@alice:example.org": {"ALICEDEV": aliceAccountEntry}},
	}}, "@bob:example.org", "BOBDEV", bobAcct, testLogger(t))
	if err := bobRegistry.Query(ctx, map[string][]string{"@alice:example.org": nil}); err != nil {
		t.Fatal(err)
	}
	if _, err := bobRegistry.Trust("@alice:example.org", "ALICEDEV"); err != nil {
		t.Fatal(err)
	}

	aliceEngine := New(aliceStore, aliceRegistry, noopKeydist{}, aliceAcct, "@alice:example.org", "ALICEDEV", Settings{}, testLogger(t))

	encrypted, err := aliceEngine.EncryptRoomEvent(ctx, "!room:example.org", []string{"@bob:example.org"}, "m.room.message", map[string]interface{}{"body": "hi"})
	if err != nil {
		t.Fatalf("EncryptRoomEvent() error = %v", err)
	}

	// Simulate key distribution landing the session_key with bob
	// directly (bypassing real KeyDistribution/Olm transport, which is
	// exercised separately in pkg/keydist).
	aliceOutbound, _, _, ok := aliceStore.OutMegolmSession("!room:example.org")
	if !ok {
		t.Fatal("alice has no outbound session after encrypt")
	}
	bobStore := testStore(t)
	inbound, err := crypto.NewMegolmInboundSession(aliceOutbound.ID(), aliceAcct.IdentityKeys().Curve25519, aliceOutbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}
	inbound.SetStarterEd25519(aliceAcct.IdentityKeys().Ed25519)
	if err := bobStore.AddInMegolm("!room:example.org", aliceAcct.IdentityKeys().Curve25519, aliceOutbound.ID(), inbound); err != nil {
		t.Fatal(err)
	}

	bobEngine := New(bobStore, bobRegistry, noopKeydist{}, bobAcct, "@bob:example.org", "BOBDEV", Settings{}, testLogger(t))
	result, err := bobEngine.DecryptRoomEvent(ctx, "!room:example.org", "@alice:example.org", aliceAcct.IdentityKeys().Curve25519, encrypted.SessionID, "$event1", 1000, encrypted.Ciphertext)
	if err != nil {
		t.Fatalf("DecryptRoomEvent() error = %v", err)
	}
	if len(result.VerificationErrs) != 0 {
		t.Errorf("VerificationErrs = %v, want none", result.VerificationErrs)
	}
	if result.Payload["room_id"] != "!room:example.org" {
		t.Errorf("payload room_id = %v", result.Payload["room_id"])
	}
}

func TestDecryptRoomEvent_ReplayDetected(t *testing.T) {
	ctx := context.Background()
	aliceAcct, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	bobAcct, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}

	aliceStore := testStore(t)
	aliceRegistry := devices.New(&fakeTransport{}, "@alice:example.org", "ALICEDEV", aliceAcct, testLogger(t))
	aliceEngine := New(aliceStore, aliceRegistry, noopKeydist{}, aliceAcct, "@alice:example.org", "ALICEDEV", Settings{}, testLogger(t))

	encrypted, err := aliceEngine.EncryptRoomEvent(ctx, "!room:example.org", nil, "m.room.message", map[string]interface{}{"body": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	aliceOutbound, _, _, _ := aliceStore.OutMegolmSession("!room:example.org")

	bobStore := testStore(t)
	inbound, err := crypto.NewMegolmInboundSession(aliceOutbound.ID(), aliceAcct.IdentityKeys().Curve25519, aliceOutbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}
	inbound.SetStarterEd25519(aliceAcct.IdentityKeys().Ed25519)
	if err := bobStore.AddInMegolm("!room:example.org", aliceAcct.IdentityKeys().Curve25519, aliceOutbound.ID(), inbound); err != nil {
		t.Fatal(err)
	}
	aliceEntry := signedDeviceEntry(t, aliceAcct, "@alice:example.org", "ALICEDEV")
	bobRegistry := devices.New(&fakeTransport{resp: &devices.KeysQueryResponse{
		DeviceKeys: map[string]map[string]devices.RawDeviceKeys{"@alice:example.org": {"ALICEDEV": aliceEntry}},
	}}, "@bob:example.org", "BOBDEV", bobAcct, testLogger(t))
	if err := bobRegistry.Query(ctx, map[string][]string{"@alice:example.org": nil}); err != nil {
		t.Fatal(err)
	}
	bobEngine := New(bobStore, bobRegistry, noopKeydist{}, bobAcct, "@bob:example.org", "BOBDEV", Settings{}, testLogger(t))

	if _, err := bobEngine.DecryptRoomEvent(ctx, "!room:example.org", "@alice:example.org", aliceAcct.IdentityKeys().Curve25519, encrypted.SessionID, "$event1", 1000, encrypted.Ciphertext); err != nil {
		t.Fatalf("first decrypt error = %v", err)
	}

	if _, err := bobEngine.DecryptRoomEvent(ctx, "!room:example.org", "@alice:example.org", aliceAcct.IdentityKeys().Curve25519, encrypted.SessionID, "$event2-different", 2000, encrypted.Ciphertext); err == nil {
		t.Error("expected a replay error on a second event claiming the same index, got nil")
	}
}

func TestDecryptRoomEvent_ReportsBlockedStarterAndBlockedForwardChainTogether(t *testing.T) {
	ctx := context.Background()
	aliceAcct, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	bobAcct, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}

	aliceStore := testStore(t)
	aliceRegistry := devices.New(&fakeTransport{}, "@alice:example.org", "ALICEDEV", aliceAcct, testLogger(t))
	aliceEngine := New(aliceStore, aliceRegistry, noopKeydist{}, aliceAcct, "@alice:example.org", "ALICEDEV", Settings{}, testLogger(t))

	encrypted, err := aliceEngine.EncryptRoomEvent(ctx, "!room:example.org", nil, "m.room.message", map[string]interface{}{"body": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	aliceOutbound, _, _, _ := aliceStore.OutMegolmSession("!room:example.org")

	bobStore := testStore(t)
	inbound, err := crypto.NewMegolmInboundSession(aliceOutbound.ID(), aliceAcct.IdentityKeys().Curve25519, aliceOutbound.SessionKey())
	if err != nil {
		t.Fatal(err)
	}
	inbound.SetStarterEd25519(aliceAcct.IdentityKeys().Ed25519)
	// Alice (the starter) also appears, forwarded, in her own session's
	// relay chain, mirroring End-to-end Scenario 5's setup.
	inbound.MarkForwarded([]string{aliceAcct.IdentityKeys().Curve25519})
	if err := bobStore.AddInMegolm("!room:example.org", aliceAcct.IdentityKeys().Curve25519, aliceOutbound.ID(), inbound); err != nil {
		t.Fatal(err)
	}

	aliceEntry := signedDeviceEntry(t, aliceAcct, "@alice:example.org", "ALICEDEV")
	bobRegistry := devices.New(&fakeTransport{resp: &devices.KeysQueryResponse{
		DeviceKeys: map[string]map[string]devices.RawDeviceKeys{"@alice:example.org": {"ALICEDEV": aliceEntry}},
	}}, "@bob:example.org", "BOBDEV", bobAcct, testLogger(t))
	if err := bobRegistry.Query(ctx, map[string][]string{"@alice:example.org": nil}); err != nil {
		t.Fatal(err)
	}
	if _, err := bobRegistry.Block("@alice:example.org", "ALICEDEV"); err != nil {
		t.Fatal(err)
	}

	bobEngine := New(bobStore, bobRegistry, noopKeydist{}, bobAcct, "@bob:example.org", "BOBDEV", Settings{}, testLogger(t))
	result, err := bobEngine.DecryptRoomEvent(ctx, "!room:example.org", "@alice:example.org", aliceAcct.IdentityKeys().Curve25519, encrypted.SessionID, "$event1", 1000, encrypted.Ciphertext)
	if err != nil {
		t.Fatalf("DecryptRoomEvent() error = %v", err)
	}

	if len(result.VerificationErrs) != 2 {
		t.Fatalf("VerificationErrs = %v, want exactly 2", result.VerificationErrs)
	}
	if result.VerificationErrs[0] != ErrPayloadFromBlockedDevice {
		t.Errorf("VerificationErrs[0] = %v, want ErrPayloadFromBlockedDevice", result.VerificationErrs[0])
	}
	if result.VerificationErrs[1] != ErrBlockedDeviceInForwardChain {
		t.Errorf("VerificationErrs[1] = %v, want ErrBlockedDeviceInForwardChain", result.VerificationErrs[1])
	}
}

func TestSelectOrRotateOutbound_RotatesOnMaxMessages(t *testing.T) {
	ctx := context.Background()
	aliceAcct, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	aliceStore := testStore(t)
	aliceRegistry := devices.New(&fakeTransport{}, "@alice:example.org", "ALICEDEV", aliceAcct, testLogger(t))
	engine := New(aliceStore, aliceRegistry, noopKeydist{}, aliceAcct, "@alice:example.org", "ALICEDEV", Settings{SessionsMaxMessages: 1}, testLogger(t))

	first, err := engine.EncryptRoomEvent(ctx, "!room:example.org", nil, "m.room.message", map[string]interface{}{"n": 1})
	if err != nil {
		t.Fatal(err)
	}
	second, err := engine.EncryptRoomEvent(ctx, "!room:example.org", nil, "m.room.message", map[string]interface{}{"n": 2})
	if err != nil {
		t.Fatal(err)
	}
	third, err := engine.EncryptRoomEvent(ctx, "!room:example.org", nil, "m.room.message", map[string]interface{}{"n": 3})
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID != second.SessionID {
		t.Errorf("session rotated too early: %s vs %s", first.SessionID, second.SessionID)
	}
	if second.SessionID == third.SessionID {
		t.Error("expected rotation after exceeding SessionsMaxMessages")
	}
}

func TestEncryptRoomEvent_RotatesAfterSharedDeviceBlocked(t *testing.T) {
	ctx := context.Background()
	aliceAcct, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	bobAcct, err := crypto.NewAccount()
	if err != nil {
		t.Fatal(err)
	}

	aliceStore := testStore(t)
	bobEntry := signedDeviceEntry(t, bobAcct, "@bob:example.org", "BOBDEV")
	aliceRegistry := devices.New(&fakeTransport{resp: &devices.KeysQueryResponse{
		DeviceKeys: map[string]map[string]devices.RawDeviceKeys{"@bob:example.org": {"BOBDEV": bobEntry}},
	}}, "@alice:example.org", "ALICEDEV", aliceAcct, testLogger(t))

	engine := New(aliceStore, aliceRegistry, noopKeydist{}, aliceAcct, "@alice:example.org", "ALICEDEV", Settings{}, testLogger(t))

	first, err := engine.EncryptRoomEvent(ctx, "!room:example.org", []string{"@bob:example.org"}, "m.room.message", map[string]interface{}{"n": 1})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := aliceRegistry.Block("@bob:example.org", "BOBDEV"); err != nil {
		t.Fatal(err)
	}

	second, err := engine.EncryptRoomEvent(ctx, "!room:example.org", []string{"@bob:example.org"}, "m.room.message", map[string]interface{}{"n": 2})
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID == second.SessionID {
		t.Error("expected the outbound session to rotate once a device it was shared with is blocked")
	}
}

var _ = time.Second
