package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofenced/internal/engine"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *captureSender) Send(_ context.Context, m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureSender) titles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Title
	}
	return out
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func drain(p *Presenter) []Message {
	var out []Message
	for {
		select {
		case m := <-p.queue:
			out = append(out, m)
		default:
			return out
		}
	}
}

func titles(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Title
	}
	return out
}

// bind fails the test instead of hanging if Bind does not return.
func bind(t *testing.T, p *Presenter, state engine.Observable[engine.RegionState], network engine.Observable[bool]) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Bind(state, network)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Bind did not return")
	}
}

func TestPresenterBindWithLiveValues(t *testing.T) {
	state := engine.NewValue(engine.RegionInside, func(a, b engine.RegionState) bool { return a == b })
	network := engine.NewValue(true, func(a, b bool) bool { return a == b })
	p := NewPresenter(&captureSender{}, 8, quiet())
	bind(t, p, state, network)

	set := make(chan struct{})
	go func() {
		defer close(set)
		state.Set(engine.RegionOutside)
		network.Set(false)
	}()
	select {
	case <-set:
	case <-time.After(2 * time.Second):
		t.Fatal("observables blocked after Bind")
	}
	assert.Equal(t, []string{TitleLeft, TitleLeft}, titles(drain(p)))

	p.Close()
	state.Set(engine.RegionInside)
	assert.Empty(t, drain(p))
}

func TestPresenterRegionTransitions(t *testing.T) {
	state := engine.NewValue(engine.RegionInside, func(a, b engine.RegionState) bool { return a == b })
	p := NewPresenter(&captureSender{}, 8, quiet())
	bind(t, p, state, nil)

	assert.Empty(t, drain(p), "replayed value is not announced")

	state.Set(engine.RegionOutside)
	state.Set(engine.RegionNone)
	state.Set(engine.RegionOutside)
	state.Set(engine.RegionUnknown)
	state.Set(engine.RegionInside)

	msgs := drain(p)
	assert.Equal(t, []string{TitleLeft, TitleUnknown, TitleEntered}, titles(msgs))
	ids := map[string]bool{}
	for _, m := range msgs {
		assert.False(t, m.At.IsZero())
		ids[m.ID.String()] = true
	}
	assert.Len(t, ids, len(msgs), "identifiers are unique")
}

func TestPresenterNetwork(t *testing.T) {
	network := engine.NewValue(false, func(a, b bool) bool { return a == b })
	p := NewPresenter(&captureSender{}, 8, quiet())
	bind(t, p, nil, network)

	network.Set(true)
	network.Set(false)
	assert.Equal(t, []string{TitleEntered, TitleLeft}, titles(drain(p)))
}

func TestPresenterClose(t *testing.T) {
	state := engine.NewValue(engine.RegionNone, func(a, b engine.RegionState) bool { return a == b })
	p := NewPresenter(&captureSender{}, 8, quiet())
	bind(t, p, state, nil)
	p.Close()

	state.Set(engine.RegionInside)
	assert.Empty(t, drain(p))
}

func TestPresenterDropsWhenFull(t *testing.T) {
	network := engine.NewValue(false, func(a, b bool) bool { return a == b })
	p := NewPresenter(&captureSender{}, 1, quiet())
	bind(t, p, nil, network)

	network.Set(true)
	network.Set(false)
	assert.Len(t, drain(p), 1)
}

func TestPresenterRunDelivers(t *testing.T) {
	sender := &captureSender{}
	state := engine.NewValue(engine.RegionUnknown, func(a, b engine.RegionState) bool { return a == b })
	p := NewPresenter(sender, 8, quiet())
	bind(t, p, state, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	state.Set(engine.RegionInside)
	require.Eventually(t, func() bool { return len(sender.titles()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{TitleEntered}, sender.titles())

	cancel()
	require.NoError(t, <-done)
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, LogSender{Logger: quiet()}.Send(context.Background(), Message{Title: TitleLeft}))
}
