package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/magicianjarden/audiio-relay/internal/config"
	"github.com/magicianjarden/audiio-relay/internal/protocol"
	"github.com/magicianjarden/audiio-relay/internal/session"
)

// testRelay runs a relay over an in-process HTTP listener.
type testRelay struct {
	t   *testing.T
	ts  *httptest.Server
	srv *Server
}

func startRelay(t *testing.T, storeOpts session.Options, trustTimeout time.Duration) *testRelay {
	t.Helper()

	log := zaptest.NewLogger(t)
	store := session.NewStore(storeOpts)
	cfg := config.Config{
		Transport: config.WSConfig{WriteTimeout: 5 * time.Second, MaxMessageSize: 1 << 20},
	}
	srv := NewServer(cfg, log, store)
	srv.metrics = newRelayMetrics(prometheus.NewRegistry())
	srv.router = NewRouter(log, store, RouterOptions{Metrics: srv.metrics, TrustTimeout: trustTimeout})
	srv.startedAt = time.Now()
	t.Cleanup(srv.router.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWebsocket)
	mux.HandleFunc("/health", srv.handleHealth)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testRelay{t: t, ts: ts, srv: srv}
}

func (r *testRelay) dial() *testConn {
	r.t.Helper()
	url := "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		r.t.Fatalf("dial relay: %v", err)
	}
	c := &testConn{t: r.t, ws: ws}
	r.t.Cleanup(func() { ws.Close() })
	return c
}

type testConn struct {
	t  *testing.T
	ws *websocket.Conn
}

func (c *testConn) send(msgType string, payload any) {
	c.t.Helper()
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		c.t.Fatalf("build %s: %v", msgType, err)
	}
	raw, err := msg.Encode()
	if err != nil {
		c.t.Fatalf("encode %s: %v", msgType, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.t.Fatalf("write %s: %v", msgType, err)
	}
}

func (c *testConn) recv() protocol.Message {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		c.t.Fatalf("decode frame %s: %v", raw, err)
	}
	return msg
}

func (c *testConn) expect(msgType string) protocol.Message {
	c.t.Helper()
	msg := c.recv()
	if msg.Type != msgType {
		c.t.Fatalf("expected %s frame, got %s (payload %s)", msgType, msg.Type, msg.Payload)
	}
	return msg
}

func (c *testConn) expectError(code string) {
	c.t.Helper()
	var perr protocol.Error
	decodeInto(c.t, c.expect(protocol.TypeError), &perr)
	if perr.Code != code {
		c.t.Fatalf("expected error code %s, got %s (%s)", code, perr.Code, perr.Message)
	}
}

// expectSilence asserts no frame arrives within d. The read deadline kills
// the websocket, so call this only when the connection is done being used.
func (c *testConn) expectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(d))
	if _, raw, err := c.ws.ReadMessage(); err == nil {
		c.t.Fatalf("expected no frame, got %s", raw)
	}
}

func decodeInto(t *testing.T, msg protocol.Message, v any) {
	t.Helper()
	if err := msg.DecodePayload(v); err != nil {
		t.Fatalf("decode %s payload: %v", msg.Type, err)
	}
}

func registerHost(t *testing.T, host *testConn, reg protocol.Register) protocol.Registered {
	t.Helper()
	host.send(protocol.TypeRegister, reg)
	var registered protocol.Registered
	decodeInto(t, host.expect(protocol.TypeRegistered), &registered)
	if registered.RoomID == "" {
		t.Fatal("registered frame carries no room code")
	}
	return registered
}

func TestLegacyPairingFlow(t *testing.T) {
	relay := startRelay(t, session.Options{}, 0)

	host := relay.dial()
	registered := registerHost(t, host, protocol.Register{PublicKey: "host-pk", ServerName: "Desk"})
	if registered.HasPassword {
		t.Fatal("room without password reports hasPassword")
	}

	peer := relay.dial()
	peer.send(protocol.TypeJoin, protocol.Join{
		RoomID:     registered.RoomID,
		PublicKey:  "peer-pk",
		DeviceName: "Pixel",
	})
	var joined protocol.Joined
	decodeInto(t, peer.expect(protocol.TypeJoined), &joined)
	if joined.DesktopPublicKey != "host-pk" || joined.ServerName != "Desk" {
		t.Fatalf("unexpected joined payload: %+v", joined)
	}

	var pj protocol.PeerJoined
	decodeInto(t, host.expect(protocol.TypePeerJoined), &pj)
	if pj.PublicKey != "peer-pk" || pj.DeviceName != "Pixel" || pj.PeerID == "" {
		t.Fatalf("unexpected peer-joined payload: %+v", pj)
	}

	// Peer traffic reaches the host with from stamped by the relay.
	peer.send(protocol.TypeData, protocol.Data{Encrypted: "c1", Nonce: "n1"})
	var up protocol.Data
	decodeInto(t, host.expect(protocol.TypeData), &up)
	if up.Encrypted != "c1" || up.From != pj.PeerID {
		t.Fatalf("unexpected upstream data: %+v", up)
	}

	// Host traffic addressed to one peer arrives there.
	host.send(protocol.TypeData, protocol.Data{To: pj.PeerID, Encrypted: "c2", Nonce: "n2"})
	var down protocol.Data
	decodeInto(t, peer.expect(protocol.TypeData), &down)
	if down.Encrypted != "c2" || down.From == "" {
		t.Fatalf("unexpected downstream data: %+v", down)
	}

	// Unaddressed host traffic is broadcast to every attached peer.
	host.send(protocol.TypeData, protocol.Data{Encrypted: "c3", Nonce: "n3"})
	decodeInto(t, peer.expect(protocol.TypeData), &down)
	if down.Encrypted != "c3" {
		t.Fatalf("unexpected broadcast data: %+v", down)
	}

	// Peer disconnect notifies the host; the room itself survives.
	peer.ws.Close()
	var left protocol.PeerLeft
	decodeInto(t, host.expect(protocol.TypePeerLeft), &left)
	if left.PeerID != pj.PeerID {
		t.Fatalf("unexpected peer-left payload: %+v", left)
	}
	if room, ok := relay.srv.store.Room(registered.RoomID); !ok || len(room.Peers) != 0 {
		t.Fatalf("room after peer left: ok=%v peers=%d", ok, len(room.Peers))
	}
}

func TestJoinValidationKeepsConnectionAlive(t *testing.T) {
	relay := startRelay(t, session.Options{}, 0)
	peer := relay.dial()

	peer.send(protocol.TypeJoin, protocol.Join{PublicKey: "pk"})
	peer.expectError(protocol.CodeMissingRoomID)

	peer.send(protocol.TypeJoin, protocol.Join{RoomID: "SWIFT-TIGER-42"})
	peer.expectError(protocol.CodeMissingFields)

	peer.send(protocol.TypeJoin, protocol.Join{RoomID: "SWIFT-TIGER-42", PublicKey: "pk"})
	peer.expectError(protocol.CodeRoomNotFound)

	// Errors are not fatal: the same connection still serves pings.
	peer.send(protocol.TypePing, nil)
	peer.expect(protocol.TypePong)
}

func TestRoomPasswordFlow(t *testing.T) {
	relay := startRelay(t, session.Options{}, 0)

	host := relay.dial()
	registered := registerHost(t, host, protocol.Register{PublicKey: "host-pk", PasswordHash: "good"})
	if !registered.HasPassword {
		t.Fatal("room with password reports hasPassword=false")
	}

	peer := relay.dial()

	// No password supplied: a prompt, not an error.
	peer.send(protocol.TypeJoin, protocol.Join{RoomID: registered.RoomID, PublicKey: "peer-pk"})
	var auth protocol.AuthRequired
	decodeInto(t, peer.expect(protocol.TypeAuthRequired), &auth)
	if auth.RoomID != registered.RoomID {
		t.Fatalf("unexpected auth-required payload: %+v", auth)
	}

	peer.send(protocol.TypeJoin, protocol.Join{RoomID: registered.RoomID, PublicKey: "peer-pk", PasswordHash: "bad"})
	peer.expectError(protocol.CodeInvalidPassword)

	peer.send(protocol.TypeJoin, protocol.Join{RoomID: registered.RoomID, PublicKey: "peer-pk", PasswordHash: "good"})
	peer.expect(protocol.TypeJoined)
	host.expect(protocol.TypePeerJoined)
}

func TestRoomFullReportedBeforePassword(t *testing.T) {
	relay := startRelay(t, session.Options{MaxPeersPerRoom: 1}, 0)

	host := relay.dial()
	registered := registerHost(t, host, protocol.Register{PublicKey: "host-pk", PasswordHash: "good"})

	first := relay.dial()
	first.send(protocol.TypeJoin, protocol.Join{RoomID: registered.RoomID, PublicKey: "pk1", PasswordHash: "good"})
	first.expect(protocol.TypeJoined)

	// A full room must answer ROOM_FULL even to a wrong password, so
	// capacity probing never doubles as a password oracle.
	second := relay.dial()
	second.send(protocol.TypeJoin, protocol.Join{RoomID: registered.RoomID, PublicKey: "pk2", PasswordHash: "bad"})
	second.expectError(protocol.CodeRoomFull)
}

func TestHostResumeNotifiesPeers(t *testing.T) {
	relay := startRelay(t, session.Options{}, 0)

	host := relay.dial()
	registered := registerHost(t, host, protocol.Register{PublicKey: "host-pk"})

	peer := relay.dial()
	peer.send(protocol.TypeJoin, protocol.Join{RoomID: registered.RoomID, PublicKey: "peer-pk"})
	peer.expect(protocol.TypeJoined)
	host.expect(protocol.TypePeerJoined)

	host.ws.Close()
	peer.expect(protocol.TypePeerLeft)

	// The host comes back under the same code and attached peers are told
	// to re-handshake.
	host2 := relay.dial()
	resumed := registerHost(t, host2, protocol.Register{PublicKey: "host-pk", RoomID: registered.RoomID})
	if resumed.RoomID != registered.RoomID {
		t.Fatalf("resume changed the room code: %s -> %s", registered.RoomID, resumed.RoomID)
	}
	var joined protocol.Joined
	decodeInto(t, peer.expect(protocol.TypeJoined), &joined)
	if joined.DesktopPublicKey != "host-pk" {
		t.Fatalf("unexpected joined payload after resume: %+v", joined)
	}
}

func TestJoinOfflineRoomAttachesButReports(t *testing.T) {
	relay := startRelay(t, session.Options{}, 0)

	host := relay.dial()
	registered := registerHost(t, host, protocol.Register{PublicKey: "host-pk"})
	host.ws.Close()

	// The relay needs a moment to process the disconnect.
	waitFor(t, func() bool {
		room, ok := relay.srv.store.Room(registered.RoomID)
		return ok && !room.HostOnline
	})

	peer := relay.dial()
	peer.send(protocol.TypeJoin, protocol.Join{RoomID: registered.RoomID, PublicKey: "peer-pk"})
	peer.expectError(protocol.CodeDesktopOffline)

	room, _ := relay.srv.store.Room(registered.RoomID)
	if len(room.Peers) != 1 {
		t.Fatalf("offline join must still attach the peer, got %d peers", len(room.Peers))
	}
}

func TestDeviceTrustAccept(t *testing.T) {
	relay := startRelay(t, session.Options{}, time.Minute)

	host := relay.dial()
	host.send(protocol.TypeRegisterV2, protocol.RegisterV2{
		ServerID:        "abcd1234",
		ServerPublicKey: "srv-pk",
		ServerName:      "Studio",
		ProtocolVersion: protocol.VersionDeviceTrust,
	})
	var regv2 protocol.RegisteredV2
	decodeInto(t, host.expect(protocol.TypeRegisteredV2), &regv2)
	if regv2.ServerID != "abcd1234" {
		t.Fatalf("unexpected registered-v2 payload: %+v", regv2)
	}

	device := relay.dial()
	device.send(protocol.TypeConnect, protocol.Connect{
		ServerID:        "abcd1234",
		DeviceID:        "dev-1",
		DevicePublicKey: "dev-pk",
		DeviceName:      "Pixel",
	})

	var pj protocol.PeerJoined
	decodeInto(t, host.expect(protocol.TypePeerJoined), &pj)
	if pj.DeviceID != "dev-1" || pj.PublicKey != "dev-pk" {
		t.Fatalf("unexpected peer-joined payload: %+v", pj)
	}

	// The device sits pending until the host answers.
	srv, _ := relay.srv.store.Server("abcd1234")
	if srv.Devices["dev-1"].Trusted {
		t.Fatal("device trusted before the host answered")
	}

	host.send(protocol.TypeTrustResponse, protocol.TrustResponse{DeviceID: "dev-1", Accepted: true})
	var connected protocol.Connected
	decodeInto(t, device.expect(protocol.TypeConnected), &connected)
	if connected.ServerPublicKey != "srv-pk" || connected.ServerName != "Studio" {
		t.Fatalf("unexpected connected payload: %+v", connected)
	}

	// Trusted device traffic reaches the host with deviceId stamped.
	device.send(protocol.TypeData, protocol.Data{Encrypted: "c1", Nonce: "n1"})
	var up protocol.Data
	decodeInto(t, host.expect(protocol.TypeData), &up)
	if up.DeviceID != "dev-1" || up.From == "" {
		t.Fatalf("unexpected upstream data: %+v", up)
	}

	host.send(protocol.TypeData, protocol.Data{To: "dev-1", Encrypted: "c2", Nonce: "n2"})
	var down protocol.Data
	decodeInto(t, device.expect(protocol.TypeData), &down)
	if down.Encrypted != "c2" {
		t.Fatalf("unexpected downstream data: %+v", down)
	}
}

func TestDeviceTrustReject(t *testing.T) {
	relay := startRelay(t, session.Options{}, time.Minute)

	host := relay.dial()
	host.send(protocol.TypeRegisterV2, protocol.RegisterV2{ServerID: "abcd1234", ServerPublicKey: "srv-pk"})
	host.expect(protocol.TypeRegisteredV2)

	device := relay.dial()
	device.send(protocol.TypeConnect, protocol.Connect{ServerID: "abcd1234", DeviceID: "dev-1", DevicePublicKey: "dev-pk"})
	host.expect(protocol.TypePeerJoined)

	host.send(protocol.TypeTrustResponse, protocol.TrustResponse{DeviceID: "dev-1", Accepted: false})
	var tr protocol.TrustRequired
	decodeInto(t, device.expect(protocol.TypeTrustRequired), &tr)
	if tr.ServerID != "abcd1234" {
		t.Fatalf("unexpected trust-required payload: %+v", tr)
	}

	srv, _ := relay.srv.store.Server("abcd1234")
	if len(srv.Devices) != 0 {
		t.Fatalf("rejected device still attached: %+v", srv.Devices)
	}
}

func TestTrustDecisionTimesOut(t *testing.T) {
	relay := startRelay(t, session.Options{}, 150*time.Millisecond)

	host := relay.dial()
	host.send(protocol.TypeRegisterV2, protocol.RegisterV2{ServerID: "abcd1234", ServerPublicKey: "srv-pk"})
	host.expect(protocol.TypeRegisteredV2)

	device := relay.dial()
	device.send(protocol.TypeConnect, protocol.Connect{ServerID: "abcd1234", DeviceID: "dev-1", DevicePublicKey: "dev-pk"})
	host.expect(protocol.TypePeerJoined)

	// No verdict from the host: the relay rejects on its own clock.
	var tr protocol.TrustRequired
	decodeInto(t, device.expect(protocol.TypeTrustRequired), &tr)
	if tr.Message == "" {
		t.Fatal("timeout rejection carries no message")
	}
}

func TestPendingDeviceDataIsDropped(t *testing.T) {
	relay := startRelay(t, session.Options{}, time.Minute)

	host := relay.dial()
	host.send(protocol.TypeRegisterV2, protocol.RegisterV2{ServerID: "abcd1234", ServerPublicKey: "srv-pk"})
	host.expect(protocol.TypeRegisteredV2)

	device := relay.dial()
	device.send(protocol.TypeConnect, protocol.Connect{ServerID: "abcd1234", DeviceID: "dev-1", DevicePublicKey: "dev-pk"})
	host.expect(protocol.TypePeerJoined)

	device.send(protocol.TypeData, protocol.Data{Encrypted: "c1", Nonce: "n1"})
	host.expectSilence(300 * time.Millisecond)
}

func TestConnectValidation(t *testing.T) {
	relay := startRelay(t, session.Options{}, time.Minute)

	device := relay.dial()
	device.send(protocol.TypeConnect, protocol.Connect{ServerID: "missing", DeviceID: "dev-1", DevicePublicKey: "pk"})
	device.expectError(protocol.CodeServerNotFound)

	host := relay.dial()
	host.send(protocol.TypeRegisterV2, protocol.RegisterV2{ServerID: "abcd1234", ServerPublicKey: "srv-pk"})
	host.expect(protocol.TypeRegisteredV2)
	host.ws.Close()

	waitFor(t, func() bool {
		srv, ok := relay.srv.store.Server("abcd1234")
		return ok && !srv.HostOnline
	})

	device.send(protocol.TypeConnect, protocol.Connect{ServerID: "abcd1234", DeviceID: "dev-1", DevicePublicKey: "pk"})
	device.expectError(protocol.CodeServerOffline)
}

func TestServerResumePushesConnected(t *testing.T) {
	relay := startRelay(t, session.Options{}, time.Minute)

	host := relay.dial()
	host.send(protocol.TypeRegisterV2, protocol.RegisterV2{ServerID: "abcd1234", ServerPublicKey: "srv-pk", ServerName: "Studio"})
	host.expect(protocol.TypeRegisteredV2)

	device := relay.dial()
	device.send(protocol.TypeConnect, protocol.Connect{ServerID: "abcd1234", DeviceID: "dev-1", DevicePublicKey: "dev-pk"})
	host.expect(protocol.TypePeerJoined)
	host.send(protocol.TypeTrustResponse, protocol.TrustResponse{DeviceID: "dev-1", Accepted: true})
	device.expect(protocol.TypeConnected)

	host.ws.Close()
	device.expect(protocol.TypePeerLeft)

	host2 := relay.dial()
	host2.send(protocol.TypeRegisterV2, protocol.RegisterV2{ServerID: "abcd1234", ServerPublicKey: "srv-pk"})
	host2.expect(protocol.TypeRegisteredV2)

	// A trusted device does not re-run the trust flow after a host restart.
	var connected protocol.Connected
	decodeInto(t, device.expect(protocol.TypeConnected), &connected)
	if connected.ServerPublicKey != "srv-pk" {
		t.Fatalf("unexpected connected payload after resume: %+v", connected)
	}
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	relay := startRelay(t, session.Options{}, 0)
	conn := relay.dial()

	if err := conn.ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
	conn.expectError(protocol.CodeInvalidMessage)

	conn.send("teleport", nil)
	conn.expectError(protocol.CodeUnknownType)

	conn.send(protocol.TypePing, nil)
	var pong protocol.Pong
	decodeInto(t, conn.expect(protocol.TypePong), &pong)
	if pong.Timestamp <= 0 {
		t.Fatalf("pong carries no timestamp: %+v", pong)
	}
}

func TestHealthEndpoint(t *testing.T) {
	relay := startRelay(t, session.Options{}, 0)

	host := relay.dial()
	registerHost(t, host, protocol.Register{PublicKey: "host-pk"})

	resp, err := http.Get(relay.ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Status      string `json:"status"`
		Rooms       int    `json:"rooms"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body.Status != "ok" || body.Rooms != 1 || body.Connections != 1 {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestPeerCannotRebindToAnotherRoom(t *testing.T) {
	relay := startRelay(t, session.Options{}, 0)

	hostA := relay.dial()
	roomA := registerHost(t, hostA, protocol.Register{PublicKey: "host-a"})
	hostB := relay.dial()
	roomB := registerHost(t, hostB, protocol.Register{PublicKey: "host-b"})

	peer := relay.dial()
	peer.send(protocol.TypeJoin, protocol.Join{RoomID: roomA.RoomID, PublicKey: "peer-pk"})
	peer.expect(protocol.TypeJoined)
	hostA.expect(protocol.TypePeerJoined)

	// The connection is bound to room A; a second join elsewhere is refused
	// and must not register the peer anywhere new.
	peer.send(protocol.TypeJoin, protocol.Join{RoomID: roomB.RoomID, PublicKey: "peer-pk"})
	peer.expectError(protocol.CodeInvalidMessage)
	if room, _ := relay.srv.store.Room(roomB.RoomID); len(room.Peers) != 0 {
		t.Fatalf("refused join still attached the peer to room B: %+v", room.Peers)
	}

	// Re-joining the bound room stays allowed (key refresh).
	peer.send(protocol.TypeJoin, protocol.Join{RoomID: roomA.RoomID, PublicKey: "peer-pk-2"})
	peer.expect(protocol.TypeJoined)
	hostA.expect(protocol.TypePeerJoined)

	// Disconnecting cleans up the one room the peer ever occupied.
	peer.ws.Close()
	hostA.expect(protocol.TypePeerLeft)
	if room, _ := relay.srv.store.Room(roomA.RoomID); len(room.Peers) != 0 {
		t.Fatalf("room A kept a dead peer after disconnect: %+v", room.Peers)
	}
}

func TestHostCannotRebindAcrossVersions(t *testing.T) {
	relay := startRelay(t, session.Options{}, time.Minute)

	host := relay.dial()
	registered := registerHost(t, host, protocol.Register{PublicKey: "host-pk"})

	// One connection, one session: switching to the device-trust flow is
	// refused, so the room cannot be stranded online with a dead host.
	host.send(protocol.TypeRegisterV2, protocol.RegisterV2{ServerID: "abcd1234", ServerPublicKey: "srv-pk"})
	host.expectError(protocol.CodeInvalidMessage)
	if _, ok := relay.srv.store.Server("abcd1234"); ok {
		t.Fatal("refused register-v2 still created a server record")
	}

	host.ws.Close()
	waitFor(t, func() bool {
		room, ok := relay.srv.store.Room(registered.RoomID)
		return ok && !room.HostOnline && room.HostClientID == ""
	})
}

func TestTargetedDataDropIsRecorded(t *testing.T) {
	relay := startRelay(t, session.Options{}, time.Minute)
	dropped := func() float64 {
		return testutil.ToFloat64(relay.srv.metrics.messagesDropped.WithLabelValues("target_gone"))
	}

	hostV1 := relay.dial()
	registerHost(t, hostV1, protocol.Register{PublicKey: "host-pk"})
	hostV1.send(protocol.TypeData, protocol.Data{To: "nobody", Encrypted: "c", Nonce: "n"})
	waitFor(t, func() bool { return dropped() == 1 })

	// The device-trust path accounts for a missing target the same way.
	hostV2 := relay.dial()
	hostV2.send(protocol.TypeRegisterV2, protocol.RegisterV2{ServerID: "abcd1234", ServerPublicKey: "srv-pk"})
	hostV2.expect(protocol.TypeRegisteredV2)
	hostV2.send(protocol.TypeData, protocol.Data{To: "nobody", Encrypted: "c", Nonce: "n"})
	waitFor(t, func() bool { return dropped() == 2 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
