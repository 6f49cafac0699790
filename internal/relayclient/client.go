// Package relayclient is the host-side wrapper around a relay connection.
// It keeps the websocket alive, registers (and re-registers after every
// reconnect), answers keep-alive probes, and surfaces relay traffic to the
// host application as typed events. Reconnection is entirely the client's
// job; the relay never initiates anything.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/magicianjarden/audiio-relay/internal/protocol"
)

// ErrNotConnected is returned when sending while the relay link is down.
// Nothing is queued: delivery is at-most-once by design.
var ErrNotConnected = errors.New("relayclient: not connected")

// EventType tags entries on the event stream.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventPeerJoined   EventType = "peer-joined"
	EventPeerLeft     EventType = "peer-left"
	EventData         EventType = "data"
	EventError        EventType = "error"
	EventDisconnected EventType = "disconnected"
)

// Event is the closed union delivered to the host application. Exactly one
// payload field is set, matching Type.
type Event struct {
	Type EventType

	Registered   *protocol.Registered
	RegisteredV2 *protocol.RegisteredV2
	PeerJoined   *protocol.PeerJoined
	PeerLeft     *protocol.PeerLeft
	Data         *protocol.Data
	RemoteError  *protocol.Error
	Err          error
}

// Options configures the wrapper. Either the v1 fields (room flow) or the
// v2 fields (device trust) must be set, matching ProtocolVersion.
type Options struct {
	URL string
	Log *zap.Logger

	ProtocolVersion int

	// v1
	PublicKey    string
	RoomCode     string
	PasswordHash string

	// v2
	ServerID        string
	ServerPublicKey string

	ServerName string

	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Dialer *websocket.Dialer
}

// Client maintains the relay link for a host.
type Client struct {
	opts   Options
	log    *zap.Logger
	events chan Event

	mu       sync.Mutex
	sendCh   chan protocol.Message
	sessCtx  context.Context
	roomCode string

	lastPong atomic.Int64

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

const eventBufferSize = 64

// New validates options and builds a client. Start must be called to
// connect.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("relay url is required")
	}
	switch opts.ProtocolVersion {
	case protocol.VersionLegacy:
		if opts.PublicKey == "" {
			return nil, errors.New("publicKey is required for the room flow")
		}
	case protocol.VersionDeviceTrust:
		if opts.ServerID == "" || opts.ServerPublicKey == "" {
			return nil, errors.New("serverId and serverPublicKey are required for the device-trust flow")
		}
	default:
		return nil, fmt.Errorf("unsupported protocol version %d", opts.ProtocolVersion)
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = time.Minute
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:     opts,
		log:      opts.Log,
		events:   make(chan Event, eventBufferSize),
		roomCode: opts.RoomCode,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the connection loop. It returns immediately; progress is
// reported on the event stream.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(ctx)
}

// Events returns the typed event stream. The channel is closed when the
// client stops for good.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close stops the client and tears down the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.cancel == nil {
			close(c.events)
			return
		}
		c.cancel()
		<-c.done
		close(c.events)
	})
}

// SendData relays an encrypted payload. An empty to broadcasts to every
// attached peer; a peer or device id targets one.
func (c *Client) SendData(to, encrypted, nonce string) error {
	return c.enqueue(protocol.TypeData, protocol.Data{To: to, Encrypted: encrypted, Nonce: nonce})
}

// RespondTrust answers a pending device's connect request (v2 flow).
func (c *Client) RespondTrust(deviceID string, accepted bool) error {
	return c.enqueue(protocol.TypeTrustResponse, protocol.TrustResponse{DeviceID: deviceID, Accepted: accepted})
}

// run is the reconnect loop: one session per iteration, capped
// exponential backoff between attempts.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	backoff := c.opts.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.emit(Event{Type: EventDisconnected, Err: err})
		c.log.Warn("relay link lost", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.opts.ReconnectMax {
			backoff = c.opts.ReconnectMax
		}
	}
}

// session dials, registers, and services the link until it fails.
func (c *Client) session(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	// ReadMessage only unblocks when the transport closes, so cancellation
	// from the keep-alive or write loop must close the conn itself.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sendCh := make(chan protocol.Message, eventBufferSize)
	c.mu.Lock()
	c.sendCh = sendCh
	c.sessCtx = ctx
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.sendCh = nil
		c.sessCtx = nil
		c.mu.Unlock()
	}()

	go c.writeLoop(ctx, cancel, conn, sendCh)
	go c.keepAlive(ctx, cancel)

	if err := c.register(); err != nil {
		return err
	}
	c.lastPong.Store(time.Now().UnixMilli())

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read relay frame: %w", err)
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			c.log.Warn("undecodable relay frame", zap.Error(err))
			continue
		}
		if err := c.dispatch(msg); err != nil {
			return err
		}
	}
}

// register announces the host after every (re)connect. The v1 flow reuses
// the last assigned room code so the room record is resumed, not recreated.
func (c *Client) register() error {
	if c.opts.ProtocolVersion == protocol.VersionDeviceTrust {
		return c.enqueue(protocol.TypeRegisterV2, protocol.RegisterV2{
			ServerID:        c.opts.ServerID,
			ServerPublicKey: c.opts.ServerPublicKey,
			ServerName:      c.opts.ServerName,
			ProtocolVersion: protocol.VersionDeviceTrust,
		})
	}

	c.mu.Lock()
	code := c.roomCode
	c.mu.Unlock()
	return c.enqueue(protocol.TypeRegister, protocol.Register{
		PublicKey:    c.opts.PublicKey,
		RoomID:       code,
		PasswordHash: c.opts.PasswordHash,
		ServerName:   c.opts.ServerName,
	})
}

func (c *Client) dispatch(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeRegistered:
		var reg protocol.Registered
		if err := msg.DecodePayload(&reg); err != nil {
			return err
		}
		c.mu.Lock()
		c.roomCode = reg.RoomID
		c.mu.Unlock()
		c.emit(Event{Type: EventRegistered, Registered: &reg})
	case protocol.TypeRegisteredV2:
		var reg protocol.RegisteredV2
		if err := msg.DecodePayload(&reg); err != nil {
			return err
		}
		c.emit(Event{Type: EventRegistered, RegisteredV2: &reg})
	case protocol.TypePeerJoined:
		var pj protocol.PeerJoined
		if err := msg.DecodePayload(&pj); err != nil {
			return err
		}
		c.emit(Event{Type: EventPeerJoined, PeerJoined: &pj})
	case protocol.TypePeerLeft:
		var pl protocol.PeerLeft
		if err := msg.DecodePayload(&pl); err != nil {
			return err
		}
		c.emit(Event{Type: EventPeerLeft, PeerLeft: &pl})
	case protocol.TypeData:
		var data protocol.Data
		if err := msg.DecodePayload(&data); err != nil {
			return err
		}
		c.emit(Event{Type: EventData, Data: &data})
	case protocol.TypePong:
		c.lastPong.Store(time.Now().UnixMilli())
	case protocol.TypeError:
		var remote protocol.Error
		if err := msg.DecodePayload(&remote); err != nil {
			return err
		}
		c.emit(Event{Type: EventError, RemoteError: &remote})
	default:
		c.log.Debug("ignoring relay frame", zap.String("type", msg.Type))
	}
	return nil
}

func (c *Client) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sendCh <-chan protocol.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sendCh:
			raw, err := msg.Encode()
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				cancel()
				return
			}
		}
	}
}

// keepAlive probes the relay with protocol pings and drops the session
// when pongs stop arriving.
func (c *Client) keepAlive(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silent := time.Since(time.UnixMilli(c.lastPong.Load()))
			if silent > c.opts.PingInterval+c.opts.PongTimeout {
				c.log.Warn("keep-alive timed out", zap.Duration("silent", silent))
				cancel()
				return
			}
			_ = c.enqueue(protocol.TypePing, nil)
		}
	}
}

func (c *Client) enqueue(msgType string, payload any) error {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sendCh := c.sendCh
	ctx := c.sessCtx
	c.mu.Unlock()
	if sendCh == nil || ctx == nil {
		return ErrNotConnected
	}

	select {
	case <-ctx.Done():
		return ErrNotConnected
	case sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("relayclient: send buffer full")
	}
}

// emit delivers an event without ever blocking the read loop; a slow
// consumer loses events rather than stalling the protocol.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event buffer full, dropping event", zap.String("type", string(ev.Type)))
	}
}
