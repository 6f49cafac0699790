package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/magicianjarden/audiio-relay/internal/pairing"
	"github.com/magicianjarden/audiio-relay/internal/protocol"
	"github.com/magicianjarden/audiio-relay/internal/session"
)

// errAlreadyBound rejects a registration frame once the connection is bound
// to a different role, version, or session. Without this a connection could
// re-register elsewhere and strand its previous record: the old room or
// server would keep a peer (or an online host) that no disconnect will ever
// clean up, so the sweeper could never reclaim it.
var errAlreadyBound = &routeError{code: protocol.CodeInvalidMessage, msg: "connection is already bound to a session"}

// routeError maps handler-level validation to protocol error frames. No
// routeError is fatal to the connection; the transport stays open.
type routeError struct {
	code string
	msg  string
}

func (e *routeError) Error() string {
	return e.msg
}

// RouterOptions configures routing behavior and observability.
type RouterOptions struct {
	Metrics       *relayMetrics
	TrustTimeout  time.Duration
	SweepInterval time.Duration
}

// Router dispatches inbound messages to handlers that mutate the session
// store and emit outbound messages. One Router serves all connections; a
// connection's correlation fields are touched only by its own read loop,
// so the only shared mutable state here is the pending-trust timer map.
type Router struct {
	log     *zap.Logger
	store   *session.Store
	conns   *connRegistry
	metrics *relayMetrics

	trustTimeout  time.Duration
	sweepInterval time.Duration
	sweepOnce     sync.Once

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// NewRouter wires a router over an injected session store.
func NewRouter(log *zap.Logger, store *session.Store, opts RouterOptions) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		log:           log,
		store:         store,
		conns:         newConnRegistry(),
		metrics:       opts.Metrics,
		trustTimeout:  opts.TrustTimeout,
		sweepInterval: opts.SweepInterval,
		pending:       make(map[string]*time.Timer),
	}
	if r.trustTimeout <= 0 {
		r.trustTimeout = 30 * time.Second
	}
	if r.sweepInterval <= 0 {
		r.sweepInterval = time.Minute
	}
	return r
}

// StartSweeper launches the periodic eviction of abandoned rooms and
// servers. It stops when ctx is cancelled.
func (r *Router) StartSweeper(ctx context.Context) {
	r.sweepOnce.Do(func() {
		ticker := time.NewTicker(r.sweepInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.sweep(time.Now())
				}
			}
		}()
	})
}

func (r *Router) sweep(now time.Time) {
	rooms, servers := r.store.Sweep(now)
	r.metrics.recordEviction("room", len(rooms))
	r.metrics.recordEviction("server", len(servers))
	for _, code := range rooms {
		r.log.Info("reclaimed abandoned room", zap.String("room", code))
	}
	for _, id := range servers {
		r.log.Info("reclaimed abandoned server", zap.String("server_id", id))
	}
	r.syncSessionGauges()
}

// HandleMessage is the single entry point for every inbound frame. It
// returns a *routeError for protocol-level failures the caller should
// report back on the same connection.
func (r *Router) HandleMessage(c *client, msg protocol.Message) error {
	start := time.Now()
	defer func() {
		r.metrics.recordMessage(msg.Type, time.Since(start))
	}()

	switch msg.Type {
	case protocol.TypeRegister:
		return r.handleRegister(c, msg)
	case protocol.TypeJoin:
		return r.handleJoin(c, msg)
	case protocol.TypeRegisterV2:
		return r.handleRegisterV2(c, msg)
	case protocol.TypeConnect:
		return r.handleConnect(c, msg)
	case protocol.TypeTrustResponse:
		return r.handleTrustResponse(c, msg)
	case protocol.TypeData:
		return r.handleData(c, msg)
	case protocol.TypePing:
		return r.push(c, protocol.TypePong, protocol.Pong{Timestamp: time.Now().UnixMilli()})
	default:
		return &routeError{code: protocol.CodeUnknownType, msg: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
}

func (r *Router) handleRegister(c *client, msg protocol.Message) error {
	var reg protocol.Register
	if err := msg.DecodePayload(&reg); err != nil {
		return &routeError{code: protocol.CodeInvalidMessage, msg: "malformed register payload"}
	}
	if reg.PublicKey == "" {
		return &routeError{code: protocol.CodeMissingFields, msg: "publicKey is required"}
	}
	if c.role != "" && (c.role != RoleHost || c.protocolVersion != protocol.VersionLegacy || pairing.NormalizeCode(reg.RoomID) != c.roomCode) {
		return errAlreadyBound
	}

	room, resumed, err := r.store.RegisterRoom(session.RoomRegistration{
		RequestedCode: reg.RoomID,
		HostClientID:  c.id,
		HostPublicKey: reg.PublicKey,
		PasswordHash:  reg.PasswordHash,
		DisplayName:   reg.ServerName,
	})
	if err != nil {
		return fmt.Errorf("register room: %w", err)
	}

	c.role = RoleHost
	c.protocolVersion = protocol.VersionLegacy
	c.roomCode = room.Code
	c.publicKey = reg.PublicKey
	r.syncSessionGauges()

	if err := r.push(c, protocol.TypeRegistered, protocol.Registered{
		RoomID:      room.Code,
		HasPassword: room.PasswordHash != "",
	}); err != nil {
		return err
	}

	if resumed {
		// Peers waiting on a previously-offline host resume immediately.
		joined := protocol.Joined{DesktopPublicKey: room.HostPublicKey, ServerName: room.DisplayName}
		for _, peer := range room.Peers {
			if pc, ok := r.conns.lookupByID(peer.ID); ok {
				_ = r.push(pc, protocol.TypeJoined, joined)
			}
		}
		r.log.Info("host resumed room",
			zap.String("room", room.Code),
			zap.String("client_id", c.id),
			zap.Int("peers", len(room.Peers)))
	} else {
		r.log.Info("host registered room", zap.String("room", room.Code), zap.String("client_id", c.id))
	}
	return nil
}

func (r *Router) handleJoin(c *client, msg protocol.Message) error {
	var join protocol.Join
	if err := msg.DecodePayload(&join); err != nil {
		return &routeError{code: protocol.CodeInvalidMessage, msg: "malformed join payload"}
	}
	if join.RoomID == "" {
		return &routeError{code: protocol.CodeMissingRoomID, msg: "roomId is required"}
	}
	if join.PublicKey == "" {
		return &routeError{code: protocol.CodeMissingFields, msg: "publicKey is required"}
	}
	if c.role != "" && (c.role != RolePeer || c.protocolVersion != protocol.VersionLegacy || pairing.NormalizeCode(join.RoomID) != c.roomCode) {
		return errAlreadyBound
	}

	room, ok := r.store.Room(join.RoomID)
	if !ok {
		return &routeError{code: protocol.CodeRoomNotFound, msg: "no room with that code"}
	}
	// Capacity is reported before the password is even considered, so a
	// full room never leaks whether a guessed password was right.
	if _, rejoining := room.Peers[c.id]; !rejoining && len(room.Peers) >= r.store.MaxPeersPerRoom() {
		return &routeError{code: protocol.CodeRoomFull, msg: "room is at peer capacity"}
	}
	if room.PasswordHash != "" {
		if join.PasswordHash == "" {
			// A legitimate step in the flow, not an error.
			return r.push(c, protocol.TypeAuthRequired, protocol.AuthRequired{
				RoomID:     room.Code,
				ServerName: room.DisplayName,
			})
		}
		if join.PasswordHash != room.PasswordHash {
			return &routeError{code: protocol.CodeInvalidPassword, msg: "room password mismatch"}
		}
	}

	room, err := r.store.AttachRoomPeer(room.Code, session.RoomPeer{
		ID:         c.id,
		PublicKey:  join.PublicKey,
		DeviceName: join.DeviceName,
		UserAgent:  join.UserAgent,
	})
	if err != nil {
		return mapSessionError(err)
	}

	c.role = RolePeer
	c.protocolVersion = protocol.VersionLegacy
	c.roomCode = room.Code
	c.publicKey = join.PublicKey

	if !room.HostOnline {
		// Attached and ready for the moment the host returns, but told so.
		r.log.Info("peer joined offline room", zap.String("room", room.Code), zap.String("peer_id", c.id))
		return &routeError{code: protocol.CodeDesktopOffline, msg: "desktop is currently offline"}
	}

	if err := r.push(c, protocol.TypeJoined, protocol.Joined{
		DesktopPublicKey: room.HostPublicKey,
		ServerName:       room.DisplayName,
	}); err != nil {
		return err
	}
	if host, ok := r.conns.lookupByID(room.HostClientID); ok {
		_ = r.push(host, protocol.TypePeerJoined, protocol.PeerJoined{
			PeerID:     c.id,
			PublicKey:  join.PublicKey,
			DeviceName: join.DeviceName,
			UserAgent:  join.UserAgent,
		})
	}
	r.log.Info("peer joined room", zap.String("room", room.Code), zap.String("peer_id", c.id))
	return nil
}

func (r *Router) handleRegisterV2(c *client, msg protocol.Message) error {
	var reg protocol.RegisterV2
	if err := msg.DecodePayload(&reg); err != nil {
		return &routeError{code: protocol.CodeInvalidMessage, msg: "malformed register-v2 payload"}
	}
	if reg.ServerID == "" || reg.ServerPublicKey == "" {
		return &routeError{code: protocol.CodeMissingFields, msg: "serverId and serverPublicKey are required"}
	}
	if c.role != "" && (c.role != RoleHost || c.protocolVersion != protocol.VersionDeviceTrust || reg.ServerID != c.serverID) {
		return errAlreadyBound
	}

	srv, resumed := r.store.RegisterServer(session.ServerRegistration{
		ServerID:        reg.ServerID,
		HostClientID:    c.id,
		HostPublicKey:   reg.ServerPublicKey,
		DisplayName:     reg.ServerName,
		ProtocolVersion: reg.ProtocolVersion,
	})

	c.role = RoleHost
	c.protocolVersion = protocol.VersionDeviceTrust
	c.serverID = srv.ServerID
	c.publicKey = reg.ServerPublicKey
	r.syncSessionGauges()

	if err := r.push(c, protocol.TypeRegisteredV2, protocol.RegisteredV2{ServerID: srv.ServerID}); err != nil {
		return err
	}

	if resumed {
		connected := protocol.Connected{ServerPublicKey: srv.HostPublicKey, ServerName: srv.DisplayName}
		for _, dev := range srv.Devices {
			if !dev.Trusted {
				continue
			}
			if dc, ok := r.conns.lookupByID(dev.ClientID); ok {
				_ = r.push(dc, protocol.TypeConnected, connected)
			}
		}
		r.log.Info("host resumed server",
			zap.String("server_id", srv.ServerID),
			zap.String("client_id", c.id),
			zap.Int("devices", len(srv.Devices)))
	} else {
		r.log.Info("host registered server", zap.String("server_id", srv.ServerID), zap.String("client_id", c.id))
	}
	return nil
}

func (r *Router) handleConnect(c *client, msg protocol.Message) error {
	var conn protocol.Connect
	if err := msg.DecodePayload(&conn); err != nil {
		return &routeError{code: protocol.CodeInvalidMessage, msg: "malformed connect payload"}
	}
	if conn.ServerID == "" || conn.DeviceID == "" || conn.DevicePublicKey == "" {
		return &routeError{code: protocol.CodeMissingFields, msg: "serverId, deviceId, and devicePublicKey are required"}
	}
	if c.role != "" && (c.role != RolePeer || c.protocolVersion != protocol.VersionDeviceTrust || conn.ServerID != c.serverID || conn.DeviceID != c.deviceID) {
		return errAlreadyBound
	}

	srv, err := r.store.AttachDevice(conn.ServerID, session.DevicePeer{
		ClientID:   c.id,
		DeviceID:   conn.DeviceID,
		PublicKey:  conn.DevicePublicKey,
		DeviceName: conn.DeviceName,
	})
	if err != nil {
		return mapSessionError(err)
	}

	c.role = RolePeer
	c.protocolVersion = protocol.VersionDeviceTrust
	c.serverID = srv.ServerID
	c.deviceID = conn.DeviceID
	c.publicKey = conn.DevicePublicKey

	// The device is held pending until the host answers; no connected
	// frame is sent yet. Trust is the host's decision, not the relay's.
	if host, ok := r.conns.lookupByID(srv.HostClientID); ok {
		_ = r.push(host, protocol.TypePeerJoined, protocol.PeerJoined{
			PeerID:     c.id,
			DeviceID:   conn.DeviceID,
			PublicKey:  conn.DevicePublicKey,
			DeviceName: conn.DeviceName,
		})
	}
	r.armTrustTimer(srv.ServerID, conn.DeviceID)
	r.log.Info("device pending trust",
		zap.String("server_id", srv.ServerID),
		zap.String("device_id", conn.DeviceID),
		zap.String("peer_id", c.id))
	return nil
}

func (r *Router) handleTrustResponse(c *client, msg protocol.Message) error {
	if c.role != RoleHost || c.serverID == "" {
		return &routeError{code: protocol.CodeInvalidMessage, msg: "trust-response is only valid from a registered host"}
	}
	var resp protocol.TrustResponse
	if err := msg.DecodePayload(&resp); err != nil {
		return &routeError{code: protocol.CodeInvalidMessage, msg: "malformed trust-response payload"}
	}
	if resp.DeviceID == "" {
		return &routeError{code: protocol.CodeMissingFields, msg: "deviceId is required"}
	}

	r.disarmTrustTimer(c.serverID, resp.DeviceID)
	r.resolveTrust(c.serverID, resp.DeviceID, resp.Accepted, "device not trusted by host")
	return nil
}

// resolveTrust applies a host verdict (or a timeout) for a pending device
// and notifies the device of the outcome.
func (r *Router) resolveTrust(serverID, deviceID string, accepted bool, rejectMsg string) {
	dev, ok := r.store.ResolveTrust(serverID, deviceID, accepted)
	if !ok {
		// Device disconnected before the verdict arrived.
		return
	}
	srv, ok := r.store.Server(serverID)
	if !ok {
		return
	}
	dc, ok := r.conns.lookupByID(dev.ClientID)
	if !ok {
		return
	}
	if accepted {
		_ = r.push(dc, protocol.TypeConnected, protocol.Connected{
			ServerPublicKey: srv.HostPublicKey,
			ServerName:      srv.DisplayName,
		})
		r.log.Info("device trusted", zap.String("server_id", serverID), zap.String("device_id", deviceID))
		return
	}
	_ = r.push(dc, protocol.TypeTrustRequired, protocol.TrustRequired{
		ServerID:   serverID,
		ServerName: srv.DisplayName,
		Message:    rejectMsg,
	})
	r.log.Info("device trust denied", zap.String("server_id", serverID), zap.String("device_id", deviceID))
}

func (r *Router) handleData(c *client, msg protocol.Message) error {
	var data protocol.Data
	if err := msg.DecodePayload(&data); err != nil {
		return &routeError{code: protocol.CodeInvalidMessage, msg: "malformed data payload"}
	}
	if data.Encrypted == "" || data.Nonce == "" {
		return &routeError{code: protocol.CodeMissingFields, msg: "encrypted and nonce are required"}
	}

	switch c.role {
	case RoleHost:
		return r.routeHostData(c, data)
	case RolePeer:
		return r.routePeerData(c, data)
	default:
		return &routeError{code: protocol.CodeInvalidMessage, msg: "data before registration"}
	}
}

// routeHostData delivers host traffic to one peer when to is set, or to
// every attached peer otherwise. The relay stamps from so receivers can
// demultiplex without decrypting.
func (r *Router) routeHostData(c *client, data protocol.Data) error {
	out := protocol.Data{Encrypted: data.Encrypted, Nonce: data.Nonce, From: c.id}

	if c.protocolVersion == protocol.VersionDeviceTrust {
		srv, ok := r.store.Server(c.serverID)
		if !ok {
			r.drop("server_gone")
			return nil
		}
		delivered := false
		for _, dev := range srv.Devices {
			if !dev.Trusted {
				continue
			}
			if data.To != "" && data.To != dev.DeviceID && data.To != dev.ClientID {
				continue
			}
			if dc, ok := r.conns.lookupByID(dev.ClientID); ok {
				_ = r.push(dc, protocol.TypeData, out)
				delivered = true
			}
		}
		if data.To != "" && !delivered {
			r.drop("target_gone")
		}
		return nil
	}

	room, ok := r.store.Room(c.roomCode)
	if !ok {
		r.drop("room_gone")
		return nil
	}
	if data.To != "" {
		if _, attached := room.Peers[data.To]; !attached {
			r.drop("target_gone")
			return nil
		}
		if pc, ok := r.conns.lookupByID(data.To); ok {
			return r.push(pc, protocol.TypeData, out)
		}
		r.drop("target_gone")
		return nil
	}
	for _, peer := range room.Peers {
		if pc, ok := r.conns.lookupByID(peer.ID); ok {
			_ = r.push(pc, protocol.TypeData, out)
		}
	}
	return nil
}

// routePeerData delivers peer traffic to the single current host
// connection. With no live host the message is dropped, not queued:
// delivery is at-most-once and non-durable.
func (r *Router) routePeerData(c *client, data protocol.Data) error {
	out := protocol.Data{Encrypted: data.Encrypted, Nonce: data.Nonce, From: c.id}

	var hostClientID string
	if c.protocolVersion == protocol.VersionDeviceTrust {
		srv, ok := r.store.Server(c.serverID)
		if !ok || !srv.HostOnline {
			r.drop("host_offline")
			return nil
		}
		// Pending and rejected devices cannot reach the host either.
		if dev, attached := srv.Devices[c.deviceID]; !attached || !dev.Trusted {
			r.drop("untrusted_device")
			return nil
		}
		hostClientID = srv.HostClientID
		out.DeviceID = c.deviceID
	} else {
		room, ok := r.store.Room(c.roomCode)
		if !ok || !room.HostOnline {
			r.drop("host_offline")
			return nil
		}
		hostClientID = room.HostClientID
	}

	host, ok := r.conns.lookupByID(hostClientID)
	if !ok {
		r.drop("host_offline")
		return nil
	}
	return r.push(host, protocol.TypeData, out)
}

// HandleDisconnect runs after a transport closes, once the connection's
// in-flight handler has finished. It updates the session store and
// notifies the counterpart; the record itself is removed by the server.
func (r *Router) HandleDisconnect(c *client) {
	switch {
	case c.role == RoleHost && c.protocolVersion == protocol.VersionLegacy:
		if room, ok := r.store.RoomHostGone(c.roomCode, c.id); ok {
			left := protocol.PeerLeft{PeerID: c.id}
			for _, peer := range room.Peers {
				if pc, ok := r.conns.lookupByID(peer.ID); ok {
					_ = r.push(pc, protocol.TypePeerLeft, left)
				}
			}
			r.log.Info("host left room", zap.String("room", room.Code), zap.String("client_id", c.id))
		}
	case c.role == RoleHost && c.protocolVersion == protocol.VersionDeviceTrust:
		if srv, ok := r.store.ServerHostGone(c.serverID, c.id); ok {
			left := protocol.PeerLeft{PeerID: c.id}
			for _, dev := range srv.Devices {
				if dc, ok := r.conns.lookupByID(dev.ClientID); ok {
					_ = r.push(dc, protocol.TypePeerLeft, left)
				}
			}
			r.log.Info("host left server", zap.String("server_id", srv.ServerID), zap.String("client_id", c.id))
		}
	case c.role == RolePeer && c.protocolVersion == protocol.VersionLegacy:
		if room, detached := r.store.DetachRoomPeer(c.roomCode, c.id); detached {
			if host, ok := r.conns.lookupByID(room.HostClientID); ok {
				_ = r.push(host, protocol.TypePeerLeft, protocol.PeerLeft{PeerID: c.id})
			}
			r.log.Info("peer left room", zap.String("room", room.Code), zap.String("peer_id", c.id))
		}
	case c.role == RolePeer && c.protocolVersion == protocol.VersionDeviceTrust:
		r.disarmTrustTimer(c.serverID, c.deviceID)
		if srv, detached := r.store.DetachDevice(c.serverID, c.deviceID); detached {
			if host, ok := r.conns.lookupByID(srv.HostClientID); ok {
				_ = r.push(host, protocol.TypePeerLeft, protocol.PeerLeft{PeerID: c.id})
			}
			r.log.Info("device left server", zap.String("server_id", srv.ServerID), zap.String("device_id", c.deviceID))
		}
	}
}

// Close stops all pending trust timers. Called on shutdown.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for key, timer := range r.pending {
		timer.Stop()
		delete(r.pending, key)
	}
}

func (r *Router) armTrustTimer(serverID, deviceID string) {
	key := serverID + "/" + deviceID
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if old, ok := r.pending[key]; ok {
		old.Stop()
	}
	r.pending[key] = time.AfterFunc(r.trustTimeout, func() {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
		r.resolveTrust(serverID, deviceID, false, "trust decision timed out")
	})
}

func (r *Router) disarmTrustTimer(serverID, deviceID string) {
	key := serverID + "/" + deviceID
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.pending[key]; ok {
		timer.Stop()
		delete(r.pending, key)
	}
}

// push queues a frame for delivery on the target's write loop. A full
// buffer tears the target connection down rather than blocking the
// handler.
func (r *Router) push(c *client, msgType string, payload any) error {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.sendCh <- msg:
		return nil
	default:
		c.cancel()
		r.log.Warn("send buffer full, dropping connection", zap.String("client_id", c.id))
		return fmt.Errorf("send buffer full for client %s", c.id)
	}
}

func (r *Router) drop(reason string) {
	r.metrics.recordDrop(reason)
	r.log.Debug("dropped data message", zap.String("reason", reason))
}

func (r *Router) syncSessionGauges() {
	rooms, servers := r.store.Counts()
	r.metrics.setSessionCounts(rooms, servers)
}

func mapSessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrRoomNotFound):
		return &routeError{code: protocol.CodeRoomNotFound, msg: "no room with that code"}
	case errors.Is(err, session.ErrRoomFull):
		return &routeError{code: protocol.CodeRoomFull, msg: "room is at peer capacity"}
	case errors.Is(err, session.ErrServerNotFound):
		return &routeError{code: protocol.CodeServerNotFound, msg: "no server with that identity"}
	case errors.Is(err, session.ErrServerOffline):
		return &routeError{code: protocol.CodeServerOffline, msg: "server host is offline"}
	case errors.Is(err, session.ErrServerFull):
		return &routeError{code: protocol.CodeServerFull, msg: "server is at device capacity"}
	default:
		return err
	}
}
