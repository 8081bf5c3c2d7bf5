package transport

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	log "github.com/sirupsen/logrus"
)

const (
	wtAcceptTimeout = 10 * time.Second
	wtMaxMessage    = 1 << 20

	wtCodeNormal webtransport.SessionErrorCode = 0
)

// WebTransport serves signalling over HTTP/3. A client opens a session on
// the configured path, then one bidirectional stream that carries newline
// delimited messages in both directions.
type WebTransport struct {
	bridge *Bridge
	server *webtransport.Server
}

// NewWebTransport builds a server listening on UDP addr. handler receives the
// plain HTTP/3 requests; the WebTransport session path must route to
// Upgrade.
func NewWebTransport(b *Bridge, addr string, handler http.Handler) *WebTransport {
	return &WebTransport{
		bridge: b,
		server: &webtransport.Server{
			H3: http3.Server{
				Addr:    addr,
				Handler: handler,
			},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ListenAndServeTLS blocks until Close.
func (t *WebTransport) ListenAndServeTLS(certFile, keyFile string) error {
	return t.server.ListenAndServeTLS(certFile, keyFile)
}

func (t *WebTransport) Close() error {
	return t.server.Close()
}

// Upgrade accepts a WebTransport session and waits for its signalling
// stream.
func (t *WebTransport) Upgrade(w http.ResponseWriter, r *http.Request) {
	sess, err := t.server.Upgrade(w, r)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("webtransport upgrade failed")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// The request context ends with this handler, the session outlives it.
	go t.serve(sess)
}

func (t *WebTransport) serve(sess *webtransport.Session) {
	ctx, cancel := context.WithTimeout(sess.Context(), wtAcceptTimeout)
	defer cancel()

	str, err := sess.AcceptStream(ctx)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("webtransport session opened no stream")
		sess.CloseWithError(wtCodeNormal, "no signalling stream")
		return
	}

	c := newWTConn(sess, str)
	if err := t.bridge.Offer(sess.Context(), c); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("webtransport connection rejected")
		c.Close()
	}
}

type wtStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

type wtConn struct {
	sess *webtransport.Session
	str  wtStream

	msgs chan inbound
	done chan struct{}
	once sync.Once

	wmu sync.Mutex
}

func newWTConn(sess *webtransport.Session, str wtStream) *wtConn {
	c := &wtConn{
		sess: sess,
		str:  str,
		msgs: make(chan inbound, 16),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wtConn) readLoop() {
	defer close(c.msgs)

	sc := bufio.NewScanner(c.str)
	sc.Buffer(make([]byte, 4096), wtMaxMessage)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case c.msgs <- inbound{data: append([]byte(nil), line...)}:
		case <-c.done:
			return
		}
	}

	err := sc.Err()
	if err == nil {
		err = ErrClosed
	}
	select {
	case c.msgs <- inbound{err: errors.Wrap(err, "webtransport read")}:
	case <-c.done:
	}
}

func (c *wtConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case m, ok := <-c.msgs:
		if !ok {
			return nil, ErrClosed
		}
		return m.data, m.err
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wtConn) WriteMessage(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.str.SetWriteDeadline(deadline)
	if _, err := c.str.Write(buf); err != nil {
		return errors.Wrap(err, "webtransport write")
	}
	return nil
}

func (c *wtConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.str.Close()
		if c.sess != nil {
			err = c.sess.CloseWithError(wtCodeNormal, "")
		}
	})
	return err
}

func (c *wtConn) Transport() string {
	return NameWebTransport
}
