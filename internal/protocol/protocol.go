// Package protocol defines the JSON wire format spoken between the relay,
// desktop hosts, and mobile peers. Every frame is a Message with a closed
// set of types; payload field names are part of the wire contract and must
// not change between releases.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types, partitioned by protocol version. Version 1 is the legacy
// shared-code room flow; version 2 is the device-trust flow keyed by a
// stable server identity.
const (
	// v1
	TypeRegister     = "register"
	TypeRegistered   = "registered"
	TypeJoin         = "join"
	TypeJoined       = "joined"
	TypeAuthRequired = "auth-required"

	// v2
	TypeRegisterV2    = "register-v2"
	TypeRegisteredV2  = "registered-v2"
	TypeConnect       = "connect"
	TypeConnected     = "connected"
	TypeTrustRequired = "trust-required"
	TypeTrustResponse = "trust-response"

	// common
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeData       = "data"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
)

// Error codes carried in error frames. Errors are never fatal to the
// connection; the relay keeps the transport open after sending one.
const (
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeMissingRoomID   = "MISSING_ROOM_ID"
	CodeMissingFields   = "MISSING_FIELDS"
	CodeRoomNotFound    = "ROOM_NOT_FOUND"
	CodeServerNotFound  = "SERVER_NOT_FOUND"
	CodeRoomFull        = "ROOM_FULL"
	CodeServerFull      = "SERVER_FULL"
	CodeDesktopOffline  = "DESKTOP_OFFLINE"
	CodeServerOffline   = "SERVER_OFFLINE"
	CodeInvalidPassword = "INVALID_PASSWORD"
	CodeUnknownType     = "UNKNOWN_TYPE"
)

// Protocol versions negotiated at registration time.
const (
	VersionLegacy      = 1
	VersionDeviceTrust = 2
)

// ErrEmptyMessage is returned when decoding a frame with no type.
var ErrEmptyMessage = errors.New("protocol: message has no type")

// Message is the envelope for every frame on the wire.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// New builds a Message of the given type, marshaling payload and stamping
// the current wall-clock time in milliseconds. A nil payload produces a
// frame without a payload field.
func New(msgType string, payload any) (Message, error) {
	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode parses a raw frame off the wire.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrEmptyMessage
	}
	return msg, nil
}

// Encode serializes a frame for the wire.
func (m Message) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return raw, nil
}

// DecodePayload unmarshals the payload into v. An absent payload is decoded
// as the zero value so handlers can report missing fields uniformly.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Register is sent by a v1 host to create or resume a room.
type Register struct {
	PublicKey    string `json:"publicKey"`
	RoomID       string `json:"roomId,omitempty"`
	PasswordHash string `json:"passwordHash,omitempty"`
	ServerName   string `json:"serverName,omitempty"`
}

// Registered confirms a v1 registration.
type Registered struct {
	RoomID      string `json:"roomId"`
	HasPassword bool   `json:"hasPassword"`
}

// Join is sent by a v1 peer to attach to a room by code.
type Join struct {
	RoomID       string `json:"roomId"`
	PublicKey    string `json:"publicKey"`
	DeviceName   string `json:"deviceName"`
	UserAgent    string `json:"userAgent,omitempty"`
	PasswordHash string `json:"passwordHash,omitempty"`
}

// Joined tells a v1 peer it is attached and hands it the host key.
type Joined struct {
	DesktopPublicKey string `json:"desktopPublicKey"`
	ServerName       string `json:"serverName,omitempty"`
}

// AuthRequired asks a joining peer for the room password. It is a normal
// step in the flow, not an error.
type AuthRequired struct {
	RoomID     string `json:"roomId"`
	ServerName string `json:"serverName,omitempty"`
}

// RegisterV2 is sent by a v2 host to create or resume its server record.
type RegisterV2 struct {
	ServerID        string `json:"serverId"`
	ServerPublicKey string `json:"serverPublicKey"`
	ServerName      string `json:"serverName,omitempty"`
	ProtocolVersion int    `json:"protocolVersion"`
}

// RegisteredV2 confirms a v2 registration.
type RegisteredV2 struct {
	ServerID string `json:"serverId"`
}

// Connect is sent by a v2 device to reach a server by identity.
type Connect struct {
	ServerID        string `json:"serverId"`
	DeviceID        string `json:"deviceId"`
	DevicePublicKey string `json:"devicePublicKey"`
	DeviceName      string `json:"deviceName"`
	ProtocolVersion int    `json:"protocolVersion"`
}

// Connected tells a v2 device the host accepted it.
type Connected struct {
	ServerPublicKey string `json:"serverPublicKey"`
	ServerName      string `json:"serverName,omitempty"`
}

// TrustRequired tells a v2 device the host has not (or not yet) trusted it.
type TrustRequired struct {
	ServerID   string `json:"serverId"`
	ServerName string `json:"serverName,omitempty"`
	Message    string `json:"message,omitempty"`
}

// TrustResponse is the host's verdict on a pending device.
type TrustResponse struct {
	DeviceID string `json:"deviceId"`
	Accepted bool   `json:"accepted"`
}

// PeerJoined notifies a host that a peer or device attached.
type PeerJoined struct {
	PeerID     string `json:"peerId"`
	DeviceID   string `json:"deviceId,omitempty"`
	PublicKey  string `json:"publicKey"`
	DeviceName string `json:"deviceName,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
}

// PeerLeft notifies the counterpart that a peer or host went away.
type PeerLeft struct {
	PeerID string `json:"peerId"`
}

// Data carries an opaque encrypted payload. The relay reads only the
// envelope fields; it stamps From (and DeviceID for v2 senders) before
// forwarding and never inspects Encrypted.
type Data struct {
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	Encrypted string `json:"encrypted"`
	Nonce     string `json:"nonce"`
}

// Pong answers a ping with the relay's clock in milliseconds.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// Error reports a recoverable protocol failure on the same connection.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
