package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"coach-chat-jobs/internal/domain/model"
)

type fakeChannel struct {
	mu      sync.Mutex
	events  []model.Event
	sendErr error
	closed  int
}

func (c *fakeChannel) Send(ctx context.Context, e model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events = append(c.events, e)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func newTestBridge() *Bridge {
	l := zerolog.Nop()
	return NewBridge(&l)
}

func TestBridge_ForwardsUntilTerminal(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge()
	ch := &fakeChannel{}
	b.Register("j1", ch)

	b.Deliver(ctx, model.TokenEvent("j1", "Hel", 0))
	b.Deliver(ctx, model.TokenEvent("j1", "lo", 3))
	b.Deliver(ctx, model.TokenEvent("other", "x", 0))
	b.Deliver(ctx, model.CompletionEvent(&model.Job{ID: "j1", AccumulatedOutput: "Hello"}))

	assert.Len(t, ch.events, 3)
	assert.Equal(t, model.EventCompletion, ch.events[2].Type)
	assert.Equal(t, 1, ch.closed)
	_, ok := b.Lookup("j1")
	assert.False(t, ok)

	// nothing after the terminal event
	b.Deliver(ctx, model.TokenEvent("j1", "!", 5))
	assert.Len(t, ch.events, 3)
}

func TestBridge_DropsFailingChannel(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge()
	ch := &fakeChannel{sendErr: errors.New("broken pipe")}
	b.Register("j1", ch)

	b.Deliver(ctx, model.TokenEvent("j1", "a", 0))
	assert.Equal(t, 1, ch.closed)
	assert.Zero(t, b.Len())

	// publishing never reports delivery problems to the executor
	assert.NoError(t, b.Publish(ctx, model.TokenEvent("j1", "b", 1)))
}

func TestBridge_RegisterReplacesPreviousChannel(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge()
	first, second := &fakeChannel{}, &fakeChannel{}
	b.Register("j1", first)
	b.Register("j1", second)

	assert.Equal(t, 1, first.closed)
	assert.Equal(t, 1, b.Len())

	b.Deliver(ctx, model.FailureEvent("j1", model.NewProviderError("boom")))
	assert.Empty(t, first.events)
	assert.Len(t, second.events, 1)

	// a stale unregister does not remove a newer channel
	third := &fakeChannel{}
	b.Register("j2", third)
	b.Unregister("j2", first)
	assert.Equal(t, 1, b.Len())

	b.CloseAll()
	assert.Zero(t, b.Len())
	assert.Equal(t, 1, third.closed)
}
