package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/gorilla/websocket"

	"github.com/magicianjarden/audiio-relay/internal/protocol"
)

const sendBufferSize = 32

// Client roles. A connection's role is undetermined until its first
// registration message is processed.
const (
	RoleHost = "host"
	RolePeer = "peer"
)

// client is the relay-side record for one live transport connection. The
// correlation fields (role, version, roomCode, serverID, deviceID) are
// accessed only by the connection's own read loop; the send channel and
// context are safe to use from any goroutine.
type client struct {
	id     string
	conn   *websocket.Conn
	sendCh chan protocol.Message
	ctx    context.Context
	cancel context.CancelFunc

	connectedAt time.Time

	role            string
	protocolVersion int
	roomCode        string
	serverID        string
	deviceID        string
	publicKey       string
}

func newClient(parent context.Context, conn *websocket.Conn) (*client, error) {
	id, err := generateClientID()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	return &client{
		id:          id,
		conn:        conn,
		sendCh:      make(chan protocol.Message, sendBufferSize),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
	}, nil
}

// writeLoop drains the send channel onto the wire. It owns all writes to
// the connection; a failed or timed-out write tears the connection down.
func (c *client) writeLoop(writeTimeout time.Duration) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.sendCh:
			if !ok {
				return
			}
			raw, err := msg.Encode()
			if err != nil {
				continue
			}
			if writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func generateClientID() (string, error) {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}
