package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 1 << 20
)

// WebSocket upgrades HTTP requests and offers each connection to a Bridge.
type WebSocket struct {
	bridge   *Bridge
	upgrader websocket.Upgrader
}

func NewWebSocket(b *Bridge) *WebSocket {
	return &WebSocket{
		bridge: b,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("websocket upgrade failed")
		return
	}

	c := newWSConn(ws)
	if err := s.bridge.Offer(r.Context(), c); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("websocket connection rejected")
		c.Close()
	}
}

type wsConn struct {
	ws *websocket.Conn

	msgs chan inbound
	done chan struct{}
	once sync.Once

	wmu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:   ws,
		msgs: make(chan inbound, 16),
		done: make(chan struct{}),
	}

	ws.SetReadLimit(wsMaxMessage)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

// readLoop is the only reader of ws, as gorilla requires.
func (c *wsConn) readLoop() {
	defer close(c.msgs)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithFields(log.Fields{
					"error": err,
				}).Debug("websocket read failed")
			}
			select {
			case c.msgs <- inbound{err: errors.Wrap(err, "websocket read")}:
			case <-c.done:
			}
			return
		}

		select {
		case c.msgs <- inbound{data: data}:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.wmu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.wmu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
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

func (c *wsConn) WriteMessage(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return errors.Wrap(err, "websocket write")
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) Transport() string {
	return NameWebSocket
}
