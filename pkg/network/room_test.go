package network

import (
	"testing"

	"github.com/meshtalk/meshtalk-node/pkg/protocol"
)

func member(id string, priority int, online bool) *protocol.RoomMember {
	return &protocol.RoomMember{PeerID: id, Priority: priority, IsOnline: online}
}

func TestElectHostLowestPriorityWins(t *testing.T) {
	members := []*protocol.RoomMember{
		member("host", 0, true),
		member("bob", 2, true),
		member("carol", 1, true),
	}

	winner := ElectHost(members, "host")
	if winner == nil || winner.PeerID != "carol" {
		t.Fatalf("Expected carol (priority 1), got %+v", winner)
	}
}

func TestElectHostSkipsOffline(t *testing.T) {
	members := []*protocol.RoomMember{
		member("host", 0, false),
		member("bob", 1, false),
		member("carol", 2, true),
	}

	winner := ElectHost(members, "host")
	if winner == nil || winner.PeerID != "carol" {
		t.Fatalf("Offline members are not eligible, got %+v", winner)
	}
}

func TestElectHostExcludesDeadHost(t *testing.T) {
	// The dead host may still read as online; it must never win.
	members := []*protocol.RoomMember{
		member("host", 0, true),
		member("bob", 1, true),
	}

	winner := ElectHost(members, "host")
	if winner == nil || winner.PeerID != "bob" {
		t.Fatalf("Dead host must be excluded, got %+v", winner)
	}
}

func TestElectHostNoCandidate(t *testing.T) {
	members := []*protocol.RoomMember{
		member("host", 0, true),
		member("bob", 1, false),
	}

	if winner := ElectHost(members, "host"); winner != nil {
		t.Fatalf("Expected no candidate, got %+v", winner)
	}
}

func TestElectHostDeterministic(t *testing.T) {
	// Every member runs the same election on the same list and must
	// agree without communicating.
	members := []*protocol.RoomMember{
		member("d", 3, true),
		member("b", 1, true),
		member("c", 2, true),
		member("host", 0, true),
	}

	first := ElectHost(members, "host")
	for i := 0; i < 10; i++ {
		again := ElectHost(members, "host")
		if again.PeerID != first.PeerID {
			t.Fatalf("Election is not deterministic: %s vs %s", first.PeerID, again.PeerID)
		}
	}
	if first.PeerID != "b" {
		t.Fatalf("Expected b (priority 1), got %s", first.PeerID)
	}
}

func TestCreateRoomDeterministicState(t *testing.T) {
	hub := newTestHub(t)
	n := newTestNode(t, hub, "alice")

	room := n.CreateRoom("general")
	if room.HostID != "alice" || room.OriginalHostID != "alice" {
		t.Fatalf("Creator should host: %+v", room)
	}
	if len(room.Members) != 1 || !room.Members[0].IsHost {
		t.Fatalf("Creator should be the sole member and host: %+v", room.Members)
	}
	if room.Members[0].Priority != 0 {
		t.Fatalf("Creator priority should be 0, got %d", room.Members[0].Priority)
	}
	if room.ID == "" {
		t.Fatal("Room id should be derived")
	}

	if got := n.RoomInfo(room.ID); got == nil || got.Name != "general" {
		t.Fatalf("RoomInfo lookup failed: %+v", got)
	}
}

func TestSendRoomMessageUnknownRoom(t *testing.T) {
	hub := newTestHub(t)
	n := newTestNode(t, hub, "alice")

	if _, err := n.SendRoomMessage("nope", "hi", "", nil); err != ErrUnknownRoom {
		t.Fatalf("Expected ErrUnknownRoom, got %v", err)
	}
}

func TestHostSendAppearsDelivered(t *testing.T) {
	hub := newTestHub(t)
	n := newTestNode(t, hub, "alice")

	room := n.CreateRoom("general")
	msg, err := n.SendRoomMessage(room.ID, "hello room", "", nil)
	if err != nil {
		t.Fatalf("Host send failed: %v", err)
	}
	if msg.Status != protocol.MessageStatusDelivered {
		t.Fatalf("Host copy is authoritative, expected delivered, got %s", msg.Status)
	}

	state := n.RoomInfo(room.ID)
	if len(state.Messages) != 1 || state.Messages[0].Content != "hello room" {
		t.Fatalf("Message missing from room state: %+v", state.Messages)
	}
}
