package transport

import (
	"context"
	"sync"
)

type pipe struct {
	closed chan struct{}
	once   sync.Once
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.closed) })
}

type pipeConn struct {
	p   *pipe
	in  <-chan []byte
	out chan<- []byte
}

// Pipe returns the two ends of an in-memory connection. Each side buffers up
// to buffer messages; closing either end closes both.
func Pipe(buffer int) (Conn, Conn) {
	p := &pipe{closed: make(chan struct{})}
	a := make(chan []byte, buffer)
	b := make(chan []byte, buffer)
	return &pipeConn{p: p, in: a, out: b}, &pipeConn{p: p, in: b, out: a}
}

func (c *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	// Drain what was written before the close.
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}

	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.p.closed:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) WriteMessage(ctx context.Context, msg []byte) error {
	select {
	case <-c.p.closed:
		return ErrClosed
	default:
	}

	buf := append([]byte(nil), msg...)
	select {
	case c.out <- buf:
		return nil
	case <-c.p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.p.close()
	return nil
}

func (c *pipeConn) Transport() string {
	return NamePipe
}
