// Package connectivity reports the host's current network connection to the
// engine. NetworkManager is used on Linux; Static is driven by hand over IPC
// or in tests.
package connectivity

import (
	"sync"

	"geofenced/internal/engine"
)

// Static is a connectivity backend whose state is set with Update.
type Static struct {
	mu      sync.Mutex
	kind    engine.ConnectionKind
	name    string
	hasName bool
	handler func()
	started bool
}

// NewStatic returns a backend with no connection.
func NewStatic() *Static {
	return &Static{}
}

func (s *Static) SetReachabilityHandler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

func (s *Static) StartNotifications() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *Static) StopNotifications() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
}

func (s *Static) CurrentConnectionKind() engine.ConnectionKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

func (s *Static) CurrentNetworkName() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name, s.hasName
}

// Update replaces the connection and notifies the handler if notifications
// are running. An empty name means the name is unavailable.
func (s *Static) Update(kind engine.ConnectionKind, name string) {
	s.mu.Lock()
	s.kind = kind
	s.name = name
	s.hasName = name != ""
	fn := s.handler
	started := s.started
	s.mu.Unlock()

	if started && fn != nil {
		fn()
	}
}
