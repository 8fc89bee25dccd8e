package hub

import (
	"testing"
	"time"

	"github.com/relaypoint/relaypoint/internal/config"
)

func testCfg() config.WebSocketConfig {
	return config.WebSocketConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Clients are constructed without a live connection; the pumps never
// run, so Send is read directly.
func recv(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case data := <-c.Send:
		return data
	case <-time.After(2 * time.Second):
		t.Fatalf("client %s received nothing", c.ID)
		return nil
	}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("client %s unexpectedly received %s", c.ID, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubRoomFanOut(t *testing.T) {
	h := NewHub(testCfg())
	go h.Run()

	a := NewClient("c1", "alice", h, nil, testCfg())
	b := NewClient("c2", "bob", h, nil, testCfg())
	c := NewClient("c3", "carol", h, nil, testCfg())

	h.Register(a)
	h.Register(b)
	h.Register(c)

	h.JoinRoom(a, "r1")
	h.JoinRoom(b, "r1")
	h.JoinRoom(c, "r2")

	h.BroadcastRawToRoom("r1", []byte(`{"event":"x"}`), "")

	recv(t, a)
	recv(t, b)
	expectSilence(t, c)
}

func TestHubExcludesSender(t *testing.T) {
	h := NewHub(testCfg())
	go h.Run()

	a := NewClient("c1", "alice", h, nil, testCfg())
	b := NewClient("c2", "bob", h, nil, testCfg())
	h.Register(a)
	h.Register(b)
	h.JoinRoom(a, "r1")
	h.JoinRoom(b, "r1")

	h.BroadcastRawToRoom("r1", []byte("typing"), "c1")

	recv(t, b)
	expectSilence(t, a)
}

func TestHubLeaveRoomStopsDelivery(t *testing.T) {
	h := NewHub(testCfg())
	go h.Run()

	a := NewClient("c1", "alice", h, nil, testCfg())
	h.Register(a)
	h.JoinRoom(a, "r1")
	if n := h.RoomClientCount("r1"); n != 1 {
		t.Fatalf("room clients = %d, want 1", n)
	}

	h.LeaveRoom(a, "r1")
	if n := h.RoomClientCount("r1"); n != 0 {
		t.Fatalf("room clients after leave = %d, want 0", n)
	}

	h.BroadcastRawToRoom("r1", []byte("x"), "")
	expectSilence(t, a)
}

func TestClientRoomsSnapshot(t *testing.T) {
	h := NewHub(testCfg())
	go h.Run()

	a := NewClient("c1", "alice", h, nil, testCfg())
	h.Register(a)
	h.JoinRoom(a, "r1")
	h.JoinRoom(a, "r2")

	rooms := a.Rooms()
	if len(rooms) != 2 {
		t.Fatalf("rooms = %v, want 2 entries", rooms)
	}

	h.LeaveRoom(a, "r1")
	if rooms := a.Rooms(); len(rooms) != 1 || rooms[0] != "r2" {
		t.Fatalf("rooms after leave = %v", rooms)
	}
}
