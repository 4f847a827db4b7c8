package roomstate

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "roomstate.db")
	idx, err := Load(dbPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestEncryptionSettings_AbsentRoomReturnsNotOK(t *testing.T) {
	idx := openTestIndex(t)
	_, ok, err := idx.EncryptionSettings("!none:example.org")
	if err != nil {
		t.Fatalf("EncryptionSettings() error = %v", err)
	}
	if ok {
		t.Error("expected ok=false for an unencrypted room")
	}
}

func TestApplyEncryptionEvent_AppliesDefaultsWhenOmitted(t *testing.T) {
	idx := openTestIndex(t)
	content, _ := json.Marshal(map[string]string{"algorithm": "m.megolm.v1.aes-sha2"})

	if err := idx.ApplyEncryptionEvent("!room:example.org", content); err != nil {
		t.Fatalf("ApplyEncryptionEvent() error = %v", err)
	}

	settings, ok, err := idx.EncryptionSettings("!room:example.org")
	if err != nil {
		t.Fatalf("EncryptionSettings() error = %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after ApplyEncryptionEvent")
	}
	if settings.Algorithm != "m.megolm.v1.aes-sha2" {
		t.Errorf("unexpected algorithm: %s", settings.Algorithm)
	}
	if settings.SessionsMaxAge != defaultSessionsMaxAge {
		t.Errorf("expected default max age %v, got %v", defaultSessionsMaxAge, settings.SessionsMaxAge)
	}
	if settings.SessionsMaxMessages != defaultSessionsMaxMessages {
		t.Errorf("expected default max messages %d, got %d", defaultSessionsMaxMessages, settings.SessionsMaxMessages)
	}
}

func TestApplyEncryptionEvent_HonorsExplicitRotationValues(t *testing.T) {
	idx := openTestIndex(t)
	content, _ := json.Marshal(map[string]interface{}{
		"algorithm":            "m.megolm.v1.aes-sha2",
		"rotation_period_ms":   3600000,
		"rotation_period_msgs": 50,
	})

	if err := idx.ApplyEncryptionEvent("!room:example.org", content); err != nil {
		t.Fatalf("ApplyEncryptionEvent() error = %v", err)
	}

	settings, _, err := idx.EncryptionSettings("!room:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if settings.SessionsMaxAge != time.Hour {
		t.Errorf("expected max age 1h, got %v", settings.SessionsMaxAge)
	}
	if settings.SessionsMaxMessages != 50 {
		t.Errorf("expected max messages 50, got %d", settings.SessionsMaxMessages)
	}
}

func TestJoinedMembers_ExcludesInviteAndLeave(t *testing.T) {
	idx := openTestIndex(t)
	roomID := "!room:example.org"

	for _, m := range []struct {
		userID     string
		membership Membership
	}{
		{"@alice:example.org", MembershipJoin},
		{"@bob:example.org", MembershipJoin},
		{"@carol:example.org", MembershipInvite},
		{"@dave:example.org", MembershipLeave},
	} {
		if err := idx.ApplyMembershipEvent(roomID, m.userID, m.membership, ""); err != nil {
			t.Fatalf("ApplyMembershipEvent(%s) error = %v", m.userID, err)
		}
	}

	joined, err := idx.JoinedMembers(roomID)
	if err != nil {
		t.Fatalf("JoinedMembers() error = %v", err)
	}
	if len(joined) != 2 {
		t.Fatalf("expected 2 joined members, got %d: %v", len(joined), joined)
	}
}

func TestApplyMembershipEvent_OverwritesPriorMembership(t *testing.T) {
	idx := openTestIndex(t)
	roomID := "!room:example.org"
	userID := "@alice:example.org"

	if err := idx.ApplyMembershipEvent(roomID, userID, MembershipInvite, "Alice"); err != nil {
		t.Fatal(err)
	}
	if err := idx.ApplyMembershipEvent(roomID, userID, MembershipJoin, "Alice"); err != nil {
		t.Fatal(err)
	}

	members, err := idx.Members(roomID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 {
		t.Fatalf("expected exactly 1 member row after overwrite, got %d", len(members))
	}
	if members[0].Membership != MembershipJoin {
		t.Errorf("expected membership to be updated to join, got %s", members[0].Membership)
	}
}

func TestUpsertSummary_RoundTrips(t *testing.T) {
	idx := openTestIndex(t)
	roomID := "!room:example.org"
	summary := Summary{
		Invited:                 true,
		Heroes:                  []string{"@alice:example.org", "@bob:example.org"},
		JoinedMemberCount:       2,
		InvitedMemberCount:      1,
		UnreadNotificationCount: 5,
	}

	if err := idx.UpsertSummary(roomID, summary); err != nil {
		t.Fatalf("UpsertSummary() error = %v", err)
	}

	got, ok, err := idx.RoomSummary(roomID)
	if err != nil {
		t.Fatalf("RoomSummary() error = %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after UpsertSummary")
	}
	if !got.Invited || got.Left {
		t.Errorf("unexpected invited/left flags: %+v", got)
	}
	if got.UnreadNotificationCount != 5 {
		t.Errorf("unexpected unread count: %d", got.UnreadNotificationCount)
	}
	if len(got.Heroes) != 2 {
		t.Errorf("unexpected heroes: %v", got.Heroes)
	}
}
