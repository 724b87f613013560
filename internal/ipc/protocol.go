// Package ipc is the control channel between the geofenced daemon and its
// clients. Messages are framed with a fixed 16-byte header followed by a
// JSON payload and travel over a Unix domain socket.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"geofenced/internal/engine"
	"geofenced/internal/store"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x47464E43 // "GFNC"
)

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 1 << 20

// ErrPayloadTooLarge is returned when a header announces an oversized payload.
var ErrPayloadTooLarge = errors.New("ipc: payload too large")

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Geofence configuration (0x02xx)
	MsgSetConfiguration       MessageType = 0x0200
	MsgSetConfigurationResp   MessageType = 0x0201
	MsgClearConfiguration     MessageType = 0x0202
	MsgClearConfigurationResp MessageType = 0x0203
	MsgRequestAuthorization   MessageType = 0x0204
	MsgRequestAuthResp        MessageType = 0x0205

	// Simulation (0x03xx)
	MsgInjectFix      MessageType = 0x0300
	MsgInjectFixResp  MessageType = 0x0301
	MsgSetNetwork     MessageType = 0x0302
	MsgSetNetworkResp MessageType = 0x0303

	// History (0x04xx)
	MsgGetHistory     MessageType = 0x0400
	MsgGetHistoryResp MessageType = 0x0401

	// Event streaming (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

var messageNames = map[MessageType]string{
	MsgPing:                 "ping",
	MsgHandshake:            "handshake",
	MsgStatusRequest:        "status",
	MsgSetConfiguration:     "set_configuration",
	MsgClearConfiguration:   "clear_configuration",
	MsgRequestAuthorization: "request_authorization",
	MsgInjectFix:            "inject_fix",
	MsgSetNetwork:           "set_network",
	MsgGetHistory:           "history",
	MsgSubscribe:            "subscribe",
	MsgUnsubscribe:          "unsubscribe",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// EventType identifies the type of streamed event.
type EventType uint16

const (
	EventZoneChanged          EventType = 0x0001
	EventRegionStateChanged   EventType = 0x0002
	EventAuthorizationChanged EventType = 0x0003
	EventConfigurationChanged EventType = 0x0004
	EventNetworkChanged       EventType = 0x0005
	EventDaemonShutdown       EventType = 0x0006
)

// AllEvents lists every event type, in the order used for subscriptions
// that name none.
var AllEvents = []EventType{
	EventZoneChanged,
	EventRegionStateChanged,
	EventAuthorizationChanged,
	EventConfigurationChanged,
	EventNetworkChanged,
	EventDaemonShutdown,
}

func (e EventType) String() string {
	switch e {
	case EventZoneChanged:
		return "zone"
	case EventRegionStateChanged:
		return "region_state"
	case EventAuthorizationChanged:
		return "authorization"
	case EventConfigurationChanged:
		return "configuration"
	case EventNetworkChanged:
		return "network"
	case EventDaemonShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("event(%d)", uint16(e))
	}
}

// PermissionLevel defines client access levels.
type PermissionLevel uint8

const (
	PermReadOnly  PermissionLevel = 0x01
	PermReadWrite PermissionLevel = 0x02
)

// Header is the fixed-size message header.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// FlagJSON marks a JSON payload. It is the only encoding in use.
const FlagJSON uint8 = 0x04

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write encodes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and checks a header.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes header and payload in a single call.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, 0, HeaderSize+len(m.Payload))
	buf = binary.BigEndian.AppendUint32(buf, m.Header.Magic)
	buf = append(buf, m.Header.Version, m.Header.Flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(m.Header.Type))
	buf = binary.BigEndian.AppendUint32(buf, m.Header.RequestID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// HandshakeRequest is sent by the client after connecting.
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse acknowledges a handshake.
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	Permission      PermissionLevel `json:"permission"`
}

// ErrorResponse is sent when an operation fails.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrUnsupported      = 6
	ErrRateLimited      = 7
)

// RemoteError is an ErrorResponse surfaced to client callers.
type RemoteError struct {
	Code    int
	Message string
	Details string
}

func (e *RemoteError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("daemon: %s: %s", e.Message, e.Details)
	}
	return "daemon: " + e.Message
}

// StatusResponse describes the daemon and the engine state.
type StatusResponse struct {
	Version   string          `json:"version"`
	StartedAt time.Time       `json:"started_at"`
	Uptime    time.Duration   `json:"uptime"`
	Snapshot  engine.Snapshot `json:"snapshot"`

	RegionStateText   string `json:"region_state_text"`
	AuthorizationText string `json:"authorization_text"`

	LocationSource      string `json:"location_source"`
	ConnectivityBackend string `json:"connectivity_backend"`
	ConfigManaged       bool   `json:"config_managed"`

	LastFix *Fix `json:"last_fix,omitempty"`
}

// Coordinate is a latitude/longitude pair on the wire.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SetConfigurationRequest replaces the desired geofence. A nil Center or a
// zero Radius disarms the region; a nil TargetNetwork disables network
// matching.
type SetConfigurationRequest struct {
	Center        *Coordinate `json:"center"`
	Radius        float64     `json:"radius"`
	TargetNetwork *string     `json:"target_network"`
}

// ConfigurationResponse reports the applied configuration.
type ConfigurationResponse struct {
	Configuration engine.Configuration `json:"configuration"`
	Zone          engine.ZoneStatus    `json:"zone"`
}

// AuthorizationResponse reports the status known when the request was queued.
type AuthorizationResponse struct {
	Authorization engine.AuthorizationStatus `json:"authorization"`
}

// Fix is a position on the wire.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

// InjectFixResponse reports the engine state after the fix was processed.
type InjectFixResponse struct {
	RegionState engine.RegionState `json:"region_state"`
	Zone        engine.ZoneStatus  `json:"zone"`
}

// SetNetworkRequest sets the simulated connection.
type SetNetworkRequest struct {
	// Kind is "wifi", "other" or "none".
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
}

// SetNetworkResponse reports the network match after the change.
type SetNetworkResponse struct {
	NetworkAccessible bool              `json:"network_accessible"`
	Zone              engine.ZoneStatus `json:"zone"`
}

// GetHistoryRequest asks for the latest transitions.
type GetHistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// GetHistoryResponse holds transitions, newest first.
type GetHistoryResponse struct {
	Transitions []store.Transition `json:"transitions"`
}

// SubscribeRequest selects streamed events. Empty means all.
type SubscribeRequest struct {
	Events []EventType `json:"events"`
}

// SubscribeResponse acknowledges a subscription.
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed state change.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data into an event stamped now.
func NewEvent(t EventType, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{Type: t, Timestamp: time.Now(), Data: raw}, nil
}

// Encode encodes a payload to JSON.
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode decodes a JSON payload.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
