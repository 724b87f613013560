package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"geofenced/internal/engine"
	"geofenced/internal/store"
)

var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

var errConnRefused = syscall.ECONNREFUSED

// ClientConfig configures a Client.
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns defaults for the socket at path.
func DefaultClientConfig(path string) ClientConfig {
	return ClientConfig{
		SocketPath:     path,
		ClientName:     "geofencectl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Client talks to the daemon over its control socket.
type Client struct {
	cfg ClientConfig

	mu         sync.Mutex
	conn       net.Conn
	sessionID  string
	permission PermissionLevel
	writeMu    sync.Mutex

	connected atomic.Bool
	nextReqID atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan *Message

	events chan *Event
	wg     sync.WaitGroup
}

// NewClient creates an unconnected client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		pending: make(map[uint32]chan *Message),
		events:  make(chan *Event, 64),
	}
}

// Connect dials the socket and performs the handshake.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, errConnRefused) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	var ack HandshakeResponse
	err = c.call(ctx, MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.cfg.ClientVersion,
		ClientName:      c.cfg.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &ack)
	if err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.permission = ack.Permission
	c.mu.Unlock()
	return nil
}

// Close closes the connection and the event channel.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	c.wg.Wait()
	return err
}

// SessionID returns the ID assigned by the daemon.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Permission returns the access level granted by the daemon.
func (c *Client) Permission() PermissionLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permission
}

// Events returns streamed events. The channel is closed when the
// connection ends.
func (c *Client) Events() <-chan *Event { return c.events }

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.events)
	defer c.failPending()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			c.connected.Store(false)
			return
		}

		switch msg.Header.Type {
		case MsgPing:
			c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))
		case MsgPong:
		case MsgEvent:
			var ev Event
			if err := Decode(msg.Payload, &ev); err != nil {
				continue
			}
			select {
			case c.events <- &ev:
			default:
			}
		default:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.Header.RequestID]
			delete(c.pending, msg.Header.RequestID)
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) write(msg *Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(conn)
}

// call sends a request and decodes the reply into out. An error reply is
// returned as *RemoteError.
func (c *Client) call(ctx context.Context, msgType MessageType, req any, want MessageType, out any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	payload, err := Encode(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	id := c.nextReqID.Add(1)
	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(NewMessage(msgType, id, payload)); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	var resp *Message
	select {
	case m, ok := <-ch:
		if !ok {
			return ErrConnectionLost
		}
		resp = m
	case <-timer.C:
		return fmt.Errorf("%s: %w", msgType, context.DeadlineExceeded)
	case <-ctx.Done():
		return ctx.Err()
	}

	if resp.Header.Type == MsgError {
		var e ErrorResponse
		if err := Decode(resp.Payload, &e); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: e.Code, Message: e.Message, Details: e.Details}
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response type %s", resp.Header.Type)
	}
	if out == nil || len(resp.Payload) == 0 {
		return nil
	}
	return Decode(resp.Payload, out)
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, nil, MsgPong, nil)
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, MsgStatusRequest, nil, MsgStatusResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetConfiguration replaces the geofence and returns the applied one.
func (c *Client) SetConfiguration(ctx context.Context, req SetConfigurationRequest) (*ConfigurationResponse, error) {
	var resp ConfigurationResponse
	if err := c.call(ctx, MsgSetConfiguration, &req, MsgSetConfigurationResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearConfiguration disarms the geofence and network match.
func (c *Client) ClearConfiguration(ctx context.Context) (*ConfigurationResponse, error) {
	var resp ConfigurationResponse
	if err := c.call(ctx, MsgClearConfiguration, nil, MsgClearConfigurationResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestAuthorization asks the daemon to prompt for location access.
func (c *Client) RequestAuthorization(ctx context.Context) (engine.AuthorizationStatus, error) {
	var resp AuthorizationResponse
	if err := c.call(ctx, MsgRequestAuthorization, nil, MsgRequestAuthResp, &resp); err != nil {
		return engine.AuthorizationNotDetermined, err
	}
	return resp.Authorization, nil
}

// InjectFix feeds a position to a daemon running the manual source.
func (c *Client) InjectFix(ctx context.Context, fix Fix) (*InjectFixResponse, error) {
	var resp InjectFixResponse
	if err := c.call(ctx, MsgInjectFix, &fix, MsgInjectFixResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetNetwork sets the simulated connection of the static backend.
func (c *Client) SetNetwork(ctx context.Context, kind, name string) (*SetNetworkResponse, error) {
	var resp SetNetworkResponse
	req := &SetNetworkRequest{Kind: kind, Name: name}
	if err := c.call(ctx, MsgSetNetwork, req, MsgSetNetworkResp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns up to limit transitions, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]store.Transition, error) {
	var resp GetHistoryResponse
	if err := c.call(ctx, MsgGetHistory, &GetHistoryRequest{Limit: limit}, MsgGetHistoryResp, &resp); err != nil {
		return nil, err
	}
	return resp.Transitions, nil
}

// Subscribe starts streaming the given event types, or all of them.
func (c *Client) Subscribe(ctx context.Context, types ...EventType) error {
	var resp SubscribeResponse
	if err := c.call(ctx, MsgSubscribe, &SubscribeRequest{Events: types}, MsgSubscribeResp, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("subscription failed")
	}
	return nil
}

// Unsubscribe stops event streaming.
func (c *Client) Unsubscribe(ctx context.Context) error {
	return c.call(ctx, MsgUnsubscribe, nil, MsgUnsubscribeResp, nil)
}
