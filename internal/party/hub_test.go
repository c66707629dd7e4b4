package party

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestHubRegisterAndUnregisterAreIdempotent(t *testing.T) {
	hub := NewHub(HubConfig{})
	client := NewClient("c1", "u1", 4)

	if !hub.Register(client) {
		t.Fatalf("expected first register to succeed")
	}
	if hub.Register(client) {
		t.Fatalf("expected second register to report false")
	}
	if hub.UserConnections("u1") != 1 {
		t.Fatalf("expected one connection for u1, got %d", hub.UserConnections("u1"))
	}

	hub.JoinRoom(client, "ABC123")
	if !hub.Unregister(client) {
		t.Fatalf("expected unregister to succeed")
	}
	if hub.Unregister(client) {
		t.Fatalf("expected second unregister to report false")
	}
	if hub.UserConnections("u1") != 0 || hub.RoomCount() != 0 {
		t.Fatalf("expected hub to be empty after unregister")
	}
	if _, open := <-client.Send(); open {
		t.Fatalf("expected send buffer to be closed")
	}
	if client.deliver([]byte("late")) {
		t.Fatalf("expected delivery to a closed client to fail")
	}
}

func TestHubJoinRoomMovesClientBetweenRooms(t *testing.T) {
	hub := NewHub(HubConfig{})
	first := NewClient("c1", "u1", 4)
	second := NewClient("c2", "u2", 4)
	hub.Register(first)
	hub.Register(second)

	if previous := hub.JoinRoom(first, "ABC123"); previous != "" {
		t.Fatalf("expected no previous room, got %q", previous)
	}
	hub.JoinRoom(second, "ABC123")
	if members := hub.Members("ABC123"); !reflect.DeepEqual(members, []string{"u1", "u2"}) {
		t.Fatalf("unexpected members %v", members)
	}

	if previous := hub.JoinRoom(first, "XYZ789"); previous != "ABC123" {
		t.Fatalf("expected previous room ABC123, got %q", previous)
	}
	if hub.UserInRoom("u1", "ABC123") || !hub.UserInRoom("u1", "XYZ789") {
		t.Fatalf("expected u1 to have moved rooms")
	}

	if room, left := hub.LeaveRoom(second); !left || room != "ABC123" {
		t.Fatalf("expected to leave ABC123, got %q %v", room, left)
	}
	if _, left := hub.LeaveRoom(second); left {
		t.Fatalf("expected second leave to report false")
	}
	if hub.RoomCount() != 1 {
		t.Fatalf("expected empty rooms to be removed, got %d rooms", hub.RoomCount())
	}
}

func TestHubDeliverSkipsExcludedConnection(t *testing.T) {
	hub := NewHub(HubConfig{})
	sender := NewClient("c1", "u1", 4)
	receiver := NewClient("c2", "u2", 4)
	outsider := NewClient("c3", "u3", 4)
	for _, client := range []*Client{sender, receiver, outsider} {
		hub.Register(client)
	}
	hub.JoinRoom(sender, "ABC123")
	hub.JoinRoom(receiver, "ABC123")
	hub.JoinRoom(outsider, "XYZ789")

	if delivered := hub.Deliver("ABC123", []byte("frame"), "c1"); delivered != 1 {
		t.Fatalf("expected one delivery, got %d", delivered)
	}
	if len(sender.Send()) != 0 || len(outsider.Send()) != 0 {
		t.Fatalf("expected only the receiver to get the frame")
	}
	if got := string(<-receiver.Send()); got != "frame" {
		t.Fatalf("unexpected frame %q", got)
	}
}

func TestClientBuffersRoomFramesUntilJoinCompletes(t *testing.T) {
	client := NewClient("c1", "u1", 8)

	client.beginJoin()
	client.deliver([]byte("room-1"))
	client.reply([]byte("reply"))
	client.deliver([]byte("room-2"))
	if len(client.Send()) != 1 {
		t.Fatalf("expected only the direct reply to be queued while joining, got %d", len(client.Send()))
	}
	client.completeJoin([]byte("snapshot"))

	var order []string
	for len(client.Send()) > 0 {
		order = append(order, string(<-client.Send()))
	}
	if !reflect.DeepEqual(order, []string{"reply", "snapshot", "room-1", "room-2"}) {
		t.Fatalf("unexpected delivery order %v", order)
	}
}

func TestClientAbortJoinDiscardsBufferedFrames(t *testing.T) {
	client := NewClient("c1", "u1", 8)
	client.beginJoin()
	client.deliver([]byte("room-1"))
	client.abortJoin()
	client.deliver([]byte("room-2"))

	if len(client.Send()) != 1 || string(<-client.Send()) != "room-2" {
		t.Fatalf("expected only frames after the aborted join")
	}
}

func TestClientDropsFramesWhenBufferIsFull(t *testing.T) {
	client := NewClient("c1", "u1", 1)
	drops := 0
	client.onDrop = func() { drops++ }

	if !client.deliver([]byte("first")) {
		t.Fatalf("expected first frame to be queued")
	}
	if client.deliver([]byte("second")) {
		t.Fatalf("expected second frame to be dropped")
	}
	if drops != 1 {
		t.Fatalf("expected one drop, got %d", drops)
	}
	if string(<-client.Send()) != "first" {
		t.Fatalf("expected the first frame to survive")
	}
}

func TestHubCloseAllKeepsRoomMembershipForCleanup(t *testing.T) {
	hub := NewHub(HubConfig{})
	first := NewClient("c1", "u1", 4)
	second := NewClient("c2", "u2", 4)
	hub.Register(first)
	hub.Register(second)
	hub.JoinRoom(first, "ABC123")

	if closed := hub.CloseAll(); closed != 2 {
		t.Fatalf("expected two closed connections, got %d", closed)
	}
	if _, open := <-first.Send(); open {
		t.Fatalf("expected send buffer to be closed")
	}
	if first.Room() != "ABC123" {
		t.Fatalf("expected room membership to survive CloseAll")
	}
	if room, left := hub.LeaveRoom(first); !left || room != "ABC123" {
		t.Fatalf("expected leave after CloseAll to report the room, got %q %v", room, left)
	}
	if !hub.Unregister(first) {
		t.Fatalf("expected unregister after CloseAll to succeed")
	}
}

func TestHubDrainWaitsForHeldHandlers(t *testing.T) {
	hub := NewHub(HubConfig{})
	if err := hub.Drain(context.Background()); err != nil {
		t.Fatalf("expected an idle hub to drain at once, got %v", err)
	}

	release := hub.Hold()
	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := hub.Drain(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain to wait for the held handler, got %v", err)
	}

	drained := make(chan error, 1)
	go func() {
		drained <- hub.Drain(context.Background())
	}()
	release()
	release()
	select {
	case err := <-drained:
		if err != nil {
			t.Fatalf("expected drain to finish, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("drain did not finish after release")
	}
}
