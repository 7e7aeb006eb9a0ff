package web

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coach-chat-jobs/internal/domain/model"
	"coach-chat-jobs/internal/domain/ports/adapter"
)

var _ adapter.LiveChannel = (*wsChannel)(nil)

var errChannelClosed = errors.New("live channel closed")

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 4096
)

// wsChannel is a live channel over a WebSocket. Bridge sends are held back until
// the attach snapshot has been written, so the snapshot is always the first frame.
type wsChannel struct {
	conn *websocket.Conn

	mu        sync.Mutex // serializes data frames
	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn, ready: make(chan struct{}), closed: make(chan struct{})}
}

func (c *wsChannel) Send(ctx context.Context, e model.Event) error {
	select {
	case <-c.ready:
	case <-c.closed:
		return errChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.write(ctx, e)
}

func (c *wsChannel) write(ctx context.Context, e model.Event) error {
	select {
	case <-c.closed:
		return errChannelClosed
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(e)
}

func (c *wsChannel) markReady() { c.readyOnce.Do(func() { close(c.ready) }) }

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

// serve keeps the connection alive until the client goes away or the channel is closed.
// Inbound frames are read and discarded.
func (c *wsChannel) serve() {
	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.closed:
				return
			case <-t.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}
