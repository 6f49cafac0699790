package session

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts Options) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(opts)
	s.nowFn = func() time.Time { return now }
	return s, &now
}

func TestRegisterRoomFreshAndResume(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	room, resumed, err := s.RegisterRoom(RoomRegistration{
		HostClientID:  "host-1",
		HostPublicKey: "pk-host",
		PasswordHash:  "ph",
		DisplayName:   "Living Room",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if resumed {
		t.Fatal("fresh registration reported as resume")
	}
	if room.Code == "" || !room.HostOnline {
		t.Fatalf("unexpected fresh room: %+v", room)
	}

	if _, err := s.AttachRoomPeer(room.Code, RoomPeer{ID: "peer-1", PublicKey: "pk-peer"}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Host reconnects under a new client ID; the room and its peer survive.
	again, resumed, err := s.RegisterRoom(RoomRegistration{
		RequestedCode: room.Code,
		HostClientID:  "host-2",
		HostPublicKey: "pk-host",
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed {
		t.Fatal("expected a resume")
	}
	if again.Code != room.Code || again.HostClientID != "host-2" {
		t.Fatalf("unexpected resumed room: %+v", again)
	}
	if len(again.Peers) != 1 {
		t.Fatalf("resume dropped peers: %+v", again.Peers)
	}
	if again.PasswordHash != "ph" || again.DisplayName != "Living Room" {
		t.Fatal("resume with empty fields must keep the stored values")
	}
}

func TestRegisterRoomUnknownCodeCreatesFresh(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	room, resumed, err := s.RegisterRoom(RoomRegistration{
		RequestedCode: "SWIFT-TIGER-42",
		HostClientID:  "host-1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if resumed {
		t.Fatal("unknown code must not resume")
	}
	if room.Code == "SWIFT-TIGER-42" {
		t.Fatal("unknown requested code must be replaced with a generated one")
	}
}

func TestRoomLookupIsCaseInsensitive(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	room, _, err := s.RegisterRoom(RoomRegistration{HostClientID: "host-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	lower := " " + strings.ToLower(room.Code) + " "
	if _, ok := s.Room(lower); !ok {
		t.Fatalf("lookup with %q failed", lower)
	}
	if _, err := s.AttachRoomPeer(lower, RoomPeer{ID: "peer-1"}); err != nil {
		t.Fatalf("attach with normalized code: %v", err)
	}
}

func TestAttachRoomPeerCapacity(t *testing.T) {
	s, _ := newTestStore(t, Options{MaxPeersPerRoom: 2})
	room, _, err := s.RegisterRoom(RoomRegistration{HostClientID: "host-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, id := range []string{"a", "b"} {
		if _, err := s.AttachRoomPeer(room.Code, RoomPeer{ID: id}); err != nil {
			t.Fatalf("attach %s: %v", id, err)
		}
	}
	if _, err := s.AttachRoomPeer(room.Code, RoomPeer{ID: "c"}); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	// Rejoin of an already-attached peer does not count against capacity.
	if _, err := s.AttachRoomPeer(room.Code, RoomPeer{ID: "b"}); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if _, err := s.AttachRoomPeer("NO-SUCH-00", RoomPeer{ID: "x"}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestRoomHostGoneChecksOwnership(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	room, _, err := s.RegisterRoom(RoomRegistration{HostClientID: "host-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// A stale connection must not take a resumed room offline.
	if _, ok := s.RoomHostGone(room.Code, "host-old"); ok {
		t.Fatal("non-owner marked the room offline")
	}
	marked, ok := s.RoomHostGone(room.Code, "host-1")
	if !ok {
		t.Fatal("owner could not mark the room offline")
	}
	if marked.HostOnline || marked.HostClientID != "" {
		t.Fatalf("unexpected state after host gone: %+v", marked)
	}
}

func TestSweepRetention(t *testing.T) {
	s, now := newTestStore(t, Options{RoomExpiry: time.Hour, CleanupThreshold: time.Hour})

	occupied, _, err := s.RegisterRoom(RoomRegistration{HostClientID: "host-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.AttachRoomPeer(occupied.Code, RoomPeer{ID: "peer-1"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	s.RoomHostGone(occupied.Code, "host-1")

	empty, _, err := s.RegisterRoom(RoomRegistration{HostClientID: "host-2"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	s.RoomHostGone(empty.Code, "host-2")

	online, _, err := s.RegisterRoom(RoomRegistration{HostClientID: "host-3"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	srv, _ := s.RegisterServer(ServerRegistration{ServerID: "srv-1", HostClientID: "host-4"})
	s.ServerHostGone(srv.ServerID, "host-4")

	// Before expiry nothing goes.
	rooms, servers := s.Sweep(now.Add(30 * time.Minute))
	if len(rooms) != 0 || len(servers) != 0 {
		t.Fatalf("premature eviction: rooms=%v servers=%v", rooms, servers)
	}

	rooms, servers = s.Sweep(now.Add(2 * time.Hour))
	if len(rooms) != 1 || rooms[0] != empty.Code {
		t.Fatalf("expected only the empty offline room evicted, got %v", rooms)
	}
	if len(servers) != 1 || servers[0] != "srv-1" {
		t.Fatalf("expected srv-1 evicted, got %v", servers)
	}

	// The occupied offline room and the online room survive any horizon.
	rooms, _ = s.Sweep(now.Add(1000 * time.Hour))
	for _, code := range rooms {
		if code == occupied.Code || code == online.Code {
			t.Fatalf("room %s must not be evicted", code)
		}
	}
	if _, ok := s.Room(occupied.Code); !ok {
		t.Fatal("occupied room was deleted")
	}
	if _, ok := s.Room(online.Code); !ok {
		t.Fatal("online room was deleted")
	}
}

func TestRegisterServerResume(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	srv, resumed := s.RegisterServer(ServerRegistration{
		ServerID:        "abcd1234",
		HostClientID:    "host-1",
		DisplayName:     "Studio",
		ProtocolVersion: 2,
	})
	if resumed {
		t.Fatal("fresh server reported as resume")
	}

	if _, err := s.AttachDevice(srv.ServerID, DevicePeer{ClientID: "c-1", DeviceID: "dev-1"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, ok := s.ResolveTrust(srv.ServerID, "dev-1", true); !ok {
		t.Fatal("resolve trust on pending device failed")
	}
	s.ServerHostGone(srv.ServerID, "host-1")

	again, resumed := s.RegisterServer(ServerRegistration{ServerID: "abcd1234", HostClientID: "host-2"})
	if !resumed {
		t.Fatal("expected resume for known serverID")
	}
	if again.DisplayName != "Studio" || again.ProtocolVersion != 2 {
		t.Fatal("resume with empty fields must keep the stored values")
	}
	dev, ok := again.Devices["dev-1"]
	if !ok || !dev.Trusted {
		t.Fatalf("trusted device must survive a host restart: %+v", again.Devices)
	}
}

func TestAttachDeviceRequiresOnlineHost(t *testing.T) {
	s, _ := newTestStore(t, Options{MaxDevicesPerServer: 1})
	srv, _ := s.RegisterServer(ServerRegistration{ServerID: "srv-1", HostClientID: "host-1"})

	if _, err := s.AttachDevice("nope", DevicePeer{DeviceID: "dev-1"}); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("expected ErrServerNotFound, got %v", err)
	}

	state, err := s.AttachDevice(srv.ServerID, DevicePeer{ClientID: "c-1", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if state.Devices["dev-1"].Trusted {
		t.Fatal("freshly attached device must be pending, not trusted")
	}
	if _, err := s.AttachDevice(srv.ServerID, DevicePeer{DeviceID: "dev-2"}); !errors.Is(err, ErrServerFull) {
		t.Fatalf("expected ErrServerFull, got %v", err)
	}

	s.ServerHostGone(srv.ServerID, "host-1")
	if _, err := s.AttachDevice(srv.ServerID, DevicePeer{DeviceID: "dev-3"}); !errors.Is(err, ErrServerOffline) {
		t.Fatalf("expected ErrServerOffline, got %v", err)
	}
}

func TestResolveTrustRejectRemovesDevice(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	srv, _ := s.RegisterServer(ServerRegistration{ServerID: "srv-1", HostClientID: "host-1"})
	if _, err := s.AttachDevice(srv.ServerID, DevicePeer{ClientID: "c-1", DeviceID: "dev-1"}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	dev, ok := s.ResolveTrust(srv.ServerID, "dev-1", false)
	if !ok {
		t.Fatal("resolve trust failed")
	}
	if dev.ClientID != "c-1" {
		t.Fatalf("unexpected pending device: %+v", dev)
	}
	state, _ := s.Server(srv.ServerID)
	if len(state.Devices) != 0 {
		t.Fatalf("rejected device must be removed: %+v", state.Devices)
	}
	if _, ok := s.ResolveTrust(srv.ServerID, "dev-1", true); ok {
		t.Fatal("resolving an absent device must report false")
	}
}

func TestSnapshotsAreDetached(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	room, _, err := s.RegisterRoom(RoomRegistration{HostClientID: "host-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	snap, err := s.AttachRoomPeer(room.Code, RoomPeer{ID: "peer-1"})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	delete(snap.Peers, "peer-1")
	fresh, _ := s.Room(room.Code)
	if len(fresh.Peers) != 1 {
		t.Fatal("mutating a snapshot leaked into the store")
	}
}
