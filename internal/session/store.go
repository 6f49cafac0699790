// Package session holds the relay's in-memory pairing state: legacy Rooms
// keyed by human-memorable codes and v2 ServerStates keyed by stable key
// fingerprints. All state is reconstructible from reconnecting clients;
// nothing is persisted.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/magicianjarden/audiio-relay/internal/pairing"
)

var (
	ErrRoomNotFound   = errors.New("session: room not found")
	ErrRoomFull       = errors.New("session: room at peer capacity")
	ErrServerNotFound = errors.New("session: server not found")
	ErrServerOffline  = errors.New("session: server host offline")
	ErrServerFull     = errors.New("session: server at device capacity")
)

// RoomPeer is one attached v1 peer.
type RoomPeer struct {
	ID          string
	PublicKey   string
	DeviceName  string
	UserAgent   string
	ConnectedAt time.Time
}

// Room is a legacy v1 pairing session. A Room outlives its host connection
// so the host can resume with the same code; it is deleted only by Sweep
// once it is offline, empty, and past the expiry window.
type Room struct {
	Code           string
	HostClientID   string
	HostPublicKey  string
	PasswordHash   string
	DisplayName    string
	Peers          map[string]RoomPeer
	CreatedAt      time.Time
	LastHostSeenAt time.Time
	HostOnline     bool
}

// DevicePeer is one attached v2 device. Trusted flips true only after the
// host's explicit trust decision.
type DevicePeer struct {
	ClientID    string
	DeviceID    string
	PublicKey   string
	DeviceName  string
	ConnectedAt time.Time
	Trusted     bool
}

// ServerState is a v2 pairing session keyed by the host key fingerprint,
// stable across host restarts. Same reconnection invariant as Room.
type ServerState struct {
	ServerID        string
	HostClientID    string
	HostPublicKey   string
	DisplayName     string
	ProtocolVersion int
	Devices         map[string]DevicePeer
	CreatedAt       time.Time
	LastHostSeenAt  time.Time
	HostOnline      bool
}

// Options bounds store capacity and retention.
type Options struct {
	MaxPeersPerRoom     int
	MaxDevicesPerServer int
	// RoomExpiry applies to offline empty v1 rooms, CleanupThreshold to
	// offline empty v2 servers. A static v2 identity is meant to survive
	// the host being offline overnight, so the default is long.
	RoomExpiry       time.Duration
	CleanupThreshold time.Duration
}

// Store owns all Rooms and ServerStates. It is injected into the router
// rather than being a package singleton so tests can run isolated
// instances.
type Store struct {
	mu      sync.RWMutex
	rooms   map[string]*Room
	servers map[string]*ServerState
	opts    Options
	nowFn   func() time.Time
}

const (
	defaultMaxPeers  = 8
	defaultRetention = 24 * time.Hour
	codeRetries      = 16
)

// NewStore builds an empty store, filling zero options with defaults.
func NewStore(opts Options) *Store {
	if opts.MaxPeersPerRoom <= 0 {
		opts.MaxPeersPerRoom = defaultMaxPeers
	}
	if opts.MaxDevicesPerServer <= 0 {
		opts.MaxDevicesPerServer = defaultMaxPeers
	}
	if opts.RoomExpiry <= 0 {
		opts.RoomExpiry = defaultRetention
	}
	if opts.CleanupThreshold <= 0 {
		opts.CleanupThreshold = defaultRetention
	}
	return &Store{
		rooms:   make(map[string]*Room),
		servers: make(map[string]*ServerState),
		opts:    opts,
		nowFn:   time.Now,
	}
}

// RoomRegistration carries the fields of a v1 register message.
type RoomRegistration struct {
	RequestedCode string
	HostClientID  string
	HostPublicKey string
	PasswordHash  string
	DisplayName   string
}

// RegisterRoom resumes the room named by the registration's code, or
// creates a new room under a freshly generated unique code when the code
// is absent or unknown. Returns the room and whether this was a resume.
func (s *Store) RegisterRoom(reg RoomRegistration) (Room, bool, error) {
	now := s.nowFn()

	s.mu.Lock()
	defer s.mu.Unlock()

	if code := pairing.NormalizeCode(reg.RequestedCode); code != "" {
		if room, ok := s.rooms[code]; ok {
			room.HostClientID = reg.HostClientID
			room.HostPublicKey = reg.HostPublicKey
			room.HostOnline = true
			room.LastHostSeenAt = now
			if reg.DisplayName != "" {
				room.DisplayName = reg.DisplayName
			}
			if reg.PasswordHash != "" {
				room.PasswordHash = reg.PasswordHash
			}
			return cloneRoom(room), true, nil
		}
	}

	code, err := s.uniqueCodeLocked()
	if err != nil {
		return Room{}, false, err
	}
	room := &Room{
		Code:           code,
		HostClientID:   reg.HostClientID,
		HostPublicKey:  reg.HostPublicKey,
		PasswordHash:   reg.PasswordHash,
		DisplayName:    reg.DisplayName,
		Peers:          make(map[string]RoomPeer),
		CreatedAt:      now,
		LastHostSeenAt: now,
		HostOnline:     true,
	}
	s.rooms[code] = room
	return cloneRoom(room), false, nil
}

// Room fetches a room by code, case-insensitively.
func (s *Store) Room(code string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[pairing.NormalizeCode(code)]
	if !ok {
		return Room{}, false
	}
	return cloneRoom(room), true
}

// AttachRoomPeer adds a peer to a room, enforcing capacity. The returned
// snapshot reflects the room after attachment.
func (s *Store) AttachRoomPeer(code string, peer RoomPeer) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[pairing.NormalizeCode(code)]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	if _, rejoining := room.Peers[peer.ID]; !rejoining && len(room.Peers) >= s.opts.MaxPeersPerRoom {
		return Room{}, ErrRoomFull
	}
	if peer.ConnectedAt.IsZero() {
		peer.ConnectedAt = s.nowFn()
	}
	room.Peers[peer.ID] = peer
	return cloneRoom(room), nil
}

// DetachRoomPeer removes a peer, reporting whether it was attached.
func (s *Store) DetachRoomPeer(code, peerID string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[pairing.NormalizeCode(code)]
	if !ok {
		return Room{}, false
	}
	if _, attached := room.Peers[peerID]; !attached {
		return cloneRoom(room), false
	}
	delete(room.Peers, peerID)
	return cloneRoom(room), true
}

// RoomHostGone marks the room offline if clientID is still its host. The
// room itself is retained for reconnection.
func (s *Store) RoomHostGone(code, clientID string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[pairing.NormalizeCode(code)]
	if !ok || room.HostClientID != clientID {
		return Room{}, false
	}
	room.HostClientID = ""
	room.HostOnline = false
	room.LastHostSeenAt = s.nowFn()
	return cloneRoom(room), true
}

// ServerRegistration carries the fields of a register-v2 message.
type ServerRegistration struct {
	ServerID        string
	HostClientID    string
	HostPublicKey   string
	DisplayName     string
	ProtocolVersion int
}

// RegisterServer resumes or creates the server record for a stable
// identity. Unlike room codes the identity is deterministic, so an unknown
// serverID simply creates the record under that ID.
func (s *Store) RegisterServer(reg ServerRegistration) (ServerState, bool) {
	now := s.nowFn()

	s.mu.Lock()
	defer s.mu.Unlock()

	if srv, ok := s.servers[reg.ServerID]; ok {
		srv.HostClientID = reg.HostClientID
		srv.HostPublicKey = reg.HostPublicKey
		srv.HostOnline = true
		srv.LastHostSeenAt = now
		if reg.DisplayName != "" {
			srv.DisplayName = reg.DisplayName
		}
		if reg.ProtocolVersion != 0 {
			srv.ProtocolVersion = reg.ProtocolVersion
		}
		return cloneServer(srv), true
	}

	srv := &ServerState{
		ServerID:        reg.ServerID,
		HostClientID:    reg.HostClientID,
		HostPublicKey:   reg.HostPublicKey,
		DisplayName:     reg.DisplayName,
		ProtocolVersion: reg.ProtocolVersion,
		Devices:         make(map[string]DevicePeer),
		CreatedAt:       now,
		LastHostSeenAt:  now,
		HostOnline:      true,
	}
	s.servers[reg.ServerID] = srv
	return cloneServer(srv), false
}

// Server fetches a server record by identity.
func (s *Store) Server(serverID string) (ServerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[serverID]
	if !ok {
		return ServerState{}, false
	}
	return cloneServer(srv), true
}

// AttachDevice adds a device in the pending (untrusted) state. The host
// must be online: v2 devices wait for a live trust decision.
func (s *Store) AttachDevice(serverID string, device DevicePeer) (ServerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[serverID]
	if !ok {
		return ServerState{}, ErrServerNotFound
	}
	if !srv.HostOnline {
		return ServerState{}, ErrServerOffline
	}
	if _, rejoining := srv.Devices[device.DeviceID]; !rejoining && len(srv.Devices) >= s.opts.MaxDevicesPerServer {
		return ServerState{}, ErrServerFull
	}
	if device.ConnectedAt.IsZero() {
		device.ConnectedAt = s.nowFn()
	}
	device.Trusted = false
	srv.Devices[device.DeviceID] = device
	return cloneServer(srv), nil
}

// ResolveTrust records the host's verdict for a pending device. The device
// is kept and marked trusted on acceptance, removed on rejection. Returns
// the device as it was pending, and whether it existed.
func (s *Store) ResolveTrust(serverID, deviceID string, accepted bool) (DevicePeer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[serverID]
	if !ok {
		return DevicePeer{}, false
	}
	device, ok := srv.Devices[deviceID]
	if !ok {
		return DevicePeer{}, false
	}
	if accepted {
		device.Trusted = true
		srv.Devices[deviceID] = device
	} else {
		delete(srv.Devices, deviceID)
	}
	return device, true
}

// DetachDevice removes a device, reporting whether it was attached.
func (s *Store) DetachDevice(serverID, deviceID string) (ServerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[serverID]
	if !ok {
		return ServerState{}, false
	}
	if _, attached := srv.Devices[deviceID]; !attached {
		return cloneServer(srv), false
	}
	delete(srv.Devices, deviceID)
	return cloneServer(srv), true
}

// ServerHostGone marks the server offline if clientID is still its host.
func (s *Store) ServerHostGone(serverID, clientID string) (ServerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[serverID]
	if !ok || srv.HostClientID != clientID {
		return ServerState{}, false
	}
	srv.HostClientID = ""
	srv.HostOnline = false
	srv.LastHostSeenAt = s.nowFn()
	return cloneServer(srv), true
}

// Sweep deletes rooms and servers that are offline, empty, and past their
// retention window. Records with any attached peer or device are never
// deleted, no matter how long the host has been gone: that peer may still
// be waiting for the host to resume.
func (s *Store) Sweep(now time.Time) (rooms, servers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for code, room := range s.rooms {
		if room.HostOnline || len(room.Peers) > 0 {
			continue
		}
		if now.Sub(room.LastHostSeenAt) > s.opts.RoomExpiry {
			delete(s.rooms, code)
			rooms = append(rooms, code)
		}
	}
	for id, srv := range s.servers {
		if srv.HostOnline || len(srv.Devices) > 0 {
			continue
		}
		if now.Sub(srv.LastHostSeenAt) > s.opts.CleanupThreshold {
			delete(s.servers, id)
			servers = append(servers, id)
		}
	}
	return rooms, servers
}

// MaxPeersPerRoom exposes the configured room capacity.
func (s *Store) MaxPeersPerRoom() int {
	return s.opts.MaxPeersPerRoom
}

// MaxDevicesPerServer exposes the configured server capacity.
func (s *Store) MaxDevicesPerServer() int {
	return s.opts.MaxDevicesPerServer
}

// Counts reports the number of live room and server records.
func (s *Store) Counts() (rooms, servers int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms), len(s.servers)
}

func (s *Store) uniqueCodeLocked() (string, error) {
	for i := 0; i < codeRetries; i++ {
		code, err := pairing.GenerateCode()
		if err != nil {
			return "", err
		}
		if _, taken := s.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("no unused room code after %d attempts", codeRetries)
}

func cloneRoom(in *Room) Room {
	out := *in
	out.Peers = make(map[string]RoomPeer, len(in.Peers))
	for id, p := range in.Peers {
		out.Peers[id] = p
	}
	return out
}

func cloneServer(in *ServerState) ServerState {
	out := *in
	out.Devices = make(map[string]DevicePeer, len(in.Devices))
	for id, d := range in.Devices {
		out.Devices[id] = d
	}
	return out
}
