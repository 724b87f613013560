package regionmon

import (
	"context"
	"sync"

	"geofenced/internal/engine"
)

// ManualSource accepts fixes pushed through Monitor.Update, for hosts
// without a positioning service and for testing. Permission is granted on
// request.
type ManualSource struct {
	mu     sync.Mutex
	status engine.AuthorizationStatus
}

// NewManualSource returns a source whose permission starts at initial.
func NewManualSource(initial engine.AuthorizationStatus) *ManualSource {
	return &ManualSource{status: initial}
}

func (s *ManualSource) Name() string { return "manual" }

func (s *ManualSource) Authorization() engine.AuthorizationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *ManualSource) Authorize(context.Context) (engine.AuthorizationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = engine.AuthorizationAlways
	return s.status, nil
}

func (s *ManualSource) Available() bool { return true }

func (s *ManualSource) Run(ctx context.Context, _ chan<- Fix) error {
	<-ctx.Done()
	return nil
}
