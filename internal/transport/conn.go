// Package transport carries protocol envelopes between viewers and the
// orchestration boundary over websockets, with an in-memory pipe for tests.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Conn is one bidirectional message stream. Read and Write work on whole
// protocol envelopes.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type wsConn struct {
	c *websocket.Conn
}

// Dial opens a websocket connection to the given URL.
func Dial(ctx context.Context, rawURL string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	c.SetReadLimit(1 << 20)
	return &wsConn{c: c}, nil
}

func newWSConn(c *websocket.Conn) Conn {
	c.SetReadLimit(1 << 20)
	return &wsConn{c: c}
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

type pipeShared struct {
	done      chan struct{}
	closeOnce sync.Once
}

type pipeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	shared *pipeShared
}

// Pipe returns two connected in-memory conns. Closing either end tears the
// pair down, like a socket close.
func Pipe() (Conn, Conn) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	shared := &pipeShared{done: make(chan struct{})}
	return &pipeConn{in: a, out: b, shared: shared},
		&pipeConn{in: b, out: a, shared: shared}
}

func (p *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.shared.done:
		return nil, fmt.Errorf("pipe: connection closed")
	case data := <-p.in:
		return data, nil
	}
}

func (p *pipeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.shared.done:
		return fmt.Errorf("pipe: connection closed")
	case p.out <- data:
		return nil
	}
}

func (p *pipeConn) Close() error {
	p.shared.closeOnce.Do(func() { close(p.shared.done) })
	return nil
}
