// Package transport carries signalling messages between a browser and the
// server. Every adapter turns its connections into a Conn and hands them to a
// Bridge, from which the session registry accepts them.
package transport

import (
	"context"
	"errors"
	"sync"
)

const (
	NameWebSocket    = "websocket"
	NamePolling      = "polling"
	NameWebTransport = "webtransport"
	NamePipe         = "pipe"
)

var (
	// ErrClosed is returned by operations on a closed Conn or Bridge.
	ErrClosed = errors.New("transport: closed")

	// ErrBacklogFull is returned by Bridge.Offer when nobody accepts in time.
	ErrBacklogFull = errors.New("transport: accept backlog full")
)

// Conn is an ordered, bidirectional message channel. ReadMessage returns an
// error once the remote side has gone away.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, msg []byte) error
	Close() error
	Transport() string
}

type inbound struct {
	data []byte
	err  error
}

// Listener yields inbound connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Bridge fans connections from any number of adapters into one Listener.
type Bridge struct {
	conns chan Conn
	done  chan struct{}
	once  sync.Once
}

var _ Listener = (*Bridge)(nil)

func NewBridge(backlog int) *Bridge {
	return &Bridge{
		conns: make(chan Conn, max(backlog, 0)),
		done:  make(chan struct{}),
	}
}

// Offer queues c for Accept. It blocks until there is room in the backlog,
// ctx ends or the bridge is closed; in the last two cases the caller still
// owns c.
func (b *Bridge) Offer(ctx context.Context, c Conn) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.conns <- c:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ErrBacklogFull
	}
}

func (b *Bridge) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-b.conns:
		return c, nil
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting and closes any connection still queued.
func (b *Bridge) Close() error {
	b.once.Do(func() {
		close(b.done)
		for {
			select {
			case c := <-b.conns:
				c.Close()
			default:
				return
			}
		}
	})
	return nil
}
