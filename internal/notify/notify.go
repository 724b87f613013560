// Package notify turns engine state changes into user notifications.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"geofenced/internal/engine"
)

// Notification titles.
const (
	TitleEntered = "Entered zone"
	TitleLeft    = "Left zone"
	TitleUnknown = "Zone state unknown"
)

// Message is one notification.
type Message struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title"`
	Body  string    `json:"body"`
	At    time.Time `json:"at"`
}

// Sender delivers messages to the user.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Presenter watches engine observables and queues a message for each
// relevant change. Delivery happens on the goroutine running Run so that
// observable callbacks never block.
type Presenter struct {
	sender Sender
	logger *slog.Logger
	queue  chan Message

	mu         sync.Mutex
	lastState  engine.RegionState
	haveState  bool
	lastAccess bool
	haveAccess bool
	unsubs     []func()
}

// NewPresenter returns a presenter that delivers through sender. depth is
// the number of messages that may wait for delivery; extra ones are dropped.
func NewPresenter(sender Sender, depth int, logger *slog.Logger) *Presenter {
	if logger == nil {
		logger = slog.Default()
	}
	if depth <= 0 {
		depth = 16
	}
	return &Presenter{
		sender: sender,
		logger: logger.With("component", "notify"),
		queue:  make(chan Message, depth),
	}
}

// Bind subscribes to the region state and network observables. The values
// replayed on subscription are recorded but not announced.
func (p *Presenter) Bind(state engine.Observable[engine.RegionState], network engine.Observable[bool]) {
	var unsubs []func()
	if state != nil {
		unsubs = append(unsubs, state.Subscribe(p.onState))
	}
	if network != nil {
		unsubs = append(unsubs, network.Subscribe(p.onNetwork))
	}

	// Subscribe replays synchronously into onState and onNetwork, which
	// take p.mu themselves.
	p.mu.Lock()
	p.unsubs = append(p.unsubs, unsubs...)
	p.mu.Unlock()
}

// Close drops all subscriptions.
func (p *Presenter) Close() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

func (p *Presenter) onState(s engine.RegionState) {
	p.mu.Lock()
	first := !p.haveState
	changed := s != p.lastState
	p.haveState = true
	if s != engine.RegionNone {
		p.lastState = s
	}
	p.mu.Unlock()

	if first || !changed || s == engine.RegionNone {
		return
	}
	switch s {
	case engine.RegionInside:
		p.enqueue(TitleEntered, "You are inside the monitored region.")
	case engine.RegionOutside:
		p.enqueue(TitleLeft, "You are outside the monitored region.")
	case engine.RegionUnknown:
		p.enqueue(TitleUnknown, "Waiting for a location update.")
	}
}

func (p *Presenter) onNetwork(accessible bool) {
	p.mu.Lock()
	first := !p.haveAccess
	changed := accessible != p.lastAccess
	p.haveAccess = true
	p.lastAccess = accessible
	p.mu.Unlock()

	if first || !changed {
		return
	}
	if accessible {
		p.enqueue(TitleEntered, "Connected to the target network.")
	} else {
		p.enqueue(TitleLeft, "Disconnected from the target network.")
	}
}

func (p *Presenter) enqueue(title, body string) {
	m := Message{
		ID:    uuid.New(),
		Title: title,
		Body:  body,
		At:    time.Now(),
	}
	select {
	case p.queue <- m:
	default:
		p.logger.Warn("notification queue full, dropping", "title", title)
	}
}

// Run delivers queued messages until ctx is done.
func (p *Presenter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-p.queue:
			if err := p.sender.Send(ctx, m); err != nil {
				p.logger.Warn("deliver notification", "id", m.ID.String(), "title", m.Title, "error", err)
			}
		}
	}
}

// LogSender writes notifications to a logger.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, m Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "id", m.ID.String(), "title", m.Title, "body", m.Body)
	return nil
}
