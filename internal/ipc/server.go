package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"geofenced/internal/security"
)

// ErrServerRunning is returned by Start when another daemon already serves
// the socket.
var ErrServerRunning = errors.New("ipc: socket already in use")

// Handler processes request messages.
type Handler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, session *Session, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, session *Session, msg *Message) (*Message, error) {
	return f(ctx, session, msg)
}

// Session is a connected client as seen by the server.
type Session struct {
	ID          string
	Name        string
	Version     string
	Permission  PermissionLevel
	ConnectedAt time.Time

	conn    net.Conn
	writeMu sync.Mutex
}

// CanWrite reports whether the session may change daemon state.
func (s *Session) CanWrite() bool { return s.Permission >= PermReadWrite }

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath     string
	Version        string
	Permissions    os.FileMode
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger

	// RequestsPerSecond and RequestBurst limit each session. Zero disables
	// limiting. Pings are not counted.
	RequestsPerSecond float64
	RequestBurst      int
}

// DefaultServerConfig returns defaults for a socket at path.
func DefaultServerConfig(path string) ServerConfig {
	return ServerConfig{
		SocketPath:     path,
		Version:        "dev",
		Permissions:    0600,
		MaxConnections: 16,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server accepts control connections and streams events to subscribers.
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *slog.Logger
	limiter *security.KeyedLimiter

	mu          sync.RWMutex
	listener    net.Listener
	sessions    map[string]*Session
	subscribers map[string]map[EventType]bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	nextID  atomic.Uint32

	events chan *Event
}

// NewServer creates a server. Call Start to begin listening.
func NewServer(cfg ServerConfig, handler Handler) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Permissions == 0 {
		cfg.Permissions = 0600
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		handler:     handler,
		logger:      logger.With("component", "ipc"),
		limiter:     security.NewKeyedLimiter(cfg.RequestsPerSecond, cfg.RequestBurst),
		sessions:    make(map[string]*Session),
		subscribers: make(map[string]map[EventType]bool),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan *Event, 64),
	}
}

// Start listens on the socket. A stale socket file is removed; a live one
// yields ErrServerRunning.
func (s *Server) Start() error {
	path := s.cfg.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if IsSocketListening(path) {
		return ErrServerRunning
	}
	if err := CleanupSocket(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, s.cfg.Permissions); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(2)
	go s.broadcastLoop()
	go s.acceptLoop()

	s.logger.Info("control socket listening", "path", path)
	return nil
}

// Stop closes the listener and every session, then removes the socket.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.listener.Close()

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("control socket shutdown timed out")
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string { return s.cfg.SocketPath }

// SessionCount returns the number of connected sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Broadcast queues ev for subscribers. It never blocks; events are dropped
// when the queue is full.
func (s *Server) Broadcast(ev *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event dropped, queue full", "event", ev.Type.String())
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if s.SessionCount() >= s.cfg.MaxConnections {
			s.logger.Warn("connection rejected, limit reached", "max", s.cfg.MaxConnections)
			conn.Close()
			continue
		}

		sess := &Session{
			ID:          uuid.NewString(),
			Permission:  peerPermission(conn),
			ConnectedAt: time.Now(),
			conn:        conn,
		}

		s.mu.Lock()
		s.sessions[sess.ID] = sess
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(sess)
	}
}

func (s *Server) serve(sess *Session) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		delete(s.subscribers, sess.ID)
		s.mu.Unlock()
		s.limiter.Forget(sess.ID)
		sess.conn.Close()
	}()

	logger := s.logger.With("session", sess.ID)
	logger.Debug("session opened", "permission", sess.Permission)

	for {
		sess.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadMessage(sess.conn)
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), s.ctx.Err() != nil:
			case errors.As(err, &ne) && ne.Timeout():
				s.send(sess, NewMessage(MsgPing, s.nextID.Add(1), nil))
				continue
			default:
				logger.Debug("session read failed", "error", err)
			}
			logger.Debug("session closed")
			return
		}

		if t := msg.Header.Type; t != MsgPing && t != MsgPong && !s.limiter.Allow(sess.ID) {
			logger.Debug("request rate limited", "type", t.String())
			if err := s.send(sess, NewErrorMessage(msg.Header.RequestID, ErrRateLimited, "rate limit exceeded")); err != nil {
				return
			}
			continue
		}

		resp, err := s.process(sess, msg)
		if err != nil {
			logger.Warn("request failed", "type", msg.Header.Type.String(), "error", err)
			resp = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if resp != nil {
			if err := s.send(sess, resp); err != nil {
				return
			}
		}
	}
}

func (s *Server) process(sess *Session, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgPong:
		return nil, nil
	case MsgHandshake:
		return s.handshake(sess, msg)
	case MsgSubscribe:
		return s.subscribe(sess, msg)
	case MsgUnsubscribe:
		s.mu.Lock()
		delete(s.subscribers, sess.ID)
		s.mu.Unlock()
		return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
	}

	if s.handler == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrUnsupported, "no handler"), nil
	}
	return s.handler.HandleMessage(s.ctx, sess, msg)
}

func (s *Server) handshake(sess *Session, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrUnsupported,
			fmt.Sprintf("protocol version %d not supported", req.ProtocolVersion)), nil
	}

	s.mu.Lock()
	sess.Name = req.ClientName
	sess.Version = req.ClientVersion
	s.mu.Unlock()

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		SessionID:       sess.ID,
		Permission:      sess.Permission,
	})
}

func (s *Server) subscribe(sess *Session, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
		}
	}

	types := req.Events
	if len(types) == 0 {
		types = AllEvents
	}
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}

	s.mu.Lock()
	s.subscribers[sess.ID] = set
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: sess.ID,
	})
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			payload, err := Encode(ev)
			if err != nil {
				s.logger.Warn("encode event", "error", err)
				continue
			}

			s.mu.RLock()
			var targets []*Session
			for id, set := range s.subscribers {
				if set[ev.Type] {
					if sess, ok := s.sessions[id]; ok {
						targets = append(targets, sess)
					}
				}
			}
			s.mu.RUnlock()

			for _, sess := range targets {
				if err := s.send(sess, NewMessage(MsgEvent, s.nextID.Add(1), payload)); err != nil {
					s.logger.Debug("event delivery failed", "session", sess.ID, "error", err)
					sess.conn.Close()
				}
			}
		}
	}
}

func (s *Server) send(sess *Session, msg *Message) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(sess.conn)
}
