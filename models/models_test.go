package models

import "testing"

func TestConversationIDIsOrderIndependent(t *testing.T) {
	if got := ConversationID("u1", "u2"); got != "u1_u2" {
		t.Fatalf("expected u1_u2, got %q", got)
	}
	if got := ConversationID("u2", "u1"); got != "u1_u2" {
		t.Fatalf("expected u1_u2 when peer initiates, got %q", got)
	}

	peer, ok := PeerFromConversationID("u1_u2", "u2")
	if !ok || peer != "u1" {
		t.Fatalf("expected peer u1, got %q ok=%v", peer, ok)
	}
	if _, ok := PeerFromConversationID("u1_u2", "u3"); ok {
		t.Fatalf("expected no peer for a non-participant")
	}
}

func TestPeerFromConversationIDWithUnderscoredIDs(t *testing.T) {
	id := ConversationID("a_b", "c")
	if id != "a_b_c" {
		t.Fatalf("expected a_b_c, got %q", id)
	}

	cases := []struct {
		self string
		want string
	}{
		{"a_b", "c"},
		{"c", "a_b"},
	}
	for _, tc := range cases {
		peer, ok := PeerFromConversationID(id, tc.self)
		if !ok || peer != tc.want {
			t.Fatalf("PeerFromConversationID(%q, %q) = %q ok=%v, want %q", id, tc.self, peer, ok, tc.want)
		}
	}
	if _, ok := PeerFromConversationID(id, "b"); ok {
		t.Fatalf("expected no peer for a non-participant")
	}
}

func TestApplyStatusIsMonotonic(t *testing.T) {
	var msg Message

	if !msg.ApplyStatus(StatusDelivered) {
		t.Fatalf("expected delivered to change state")
	}
	if msg.ApplyStatus(StatusDelivered) {
		t.Fatalf("expected repeated delivered to be a no-op")
	}
	if !msg.ApplyStatus(StatusRead) {
		t.Fatalf("expected read to change state")
	}
	if msg.ApplyStatus(StatusRead) {
		t.Fatalf("expected repeated read to be a no-op")
	}
	if msg.ApplyStatus(StatusDelivered) || !msg.Read {
		t.Fatalf("delivered after read must not clear read")
	}
	if msg.ApplyStatus("bogus") {
		t.Fatalf("unknown status must not change state")
	}
}

func TestReadImpliesDelivered(t *testing.T) {
	var msg Message
	msg.ApplyStatus(StatusRead)
	if !msg.Delivered || !msg.Read {
		t.Fatalf("expected read to imply delivered, got %+v", msg)
	}
}

func TestUnreadCountsTotal(t *testing.T) {
	counts := UnreadCounts{Messages: 2, LinkRequests: 1, Notifications: 3}
	if counts.Total() != 6 {
		t.Fatalf("expected total 6, got %d", counts.Total())
	}
}

func TestNotificationTypeValid(t *testing.T) {
	if !NotificationGigAccepted.Valid() {
		t.Fatalf("expected gig_accepted to be valid")
	}
	if NotificationType("poke").Valid() {
		t.Fatalf("expected unknown type to be invalid")
	}
}
