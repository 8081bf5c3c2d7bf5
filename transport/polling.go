package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const pollInboundBuffer = 64

// Polling carries signalling over plain HTTP requests. A client opens a
// channel, pushes messages with POST and collects queued server messages
// with a long-polling GET.
type Polling struct {
	bridge  *Bridge
	timeout time.Duration

	mu    sync.RWMutex
	conns map[string]*pollConn
}

// NewPolling returns a polling adapter whose GET requests wait at most
// timeout. A channel that is not polled for twice that long is closed.
func NewPolling(b *Bridge, timeout time.Duration) *Polling {
	return &Polling{
		bridge:  b,
		timeout: timeout,
		conns:   make(map[string]*pollConn),
	}
}

// Register mounts the polling routes on r.
func (p *Polling) Register(r gin.IRoutes) {
	r.POST("/polling", p.httpOpen)
	r.POST("/polling/:ID/messages", p.httpPush)
	r.GET("/polling/:ID/messages", p.httpPoll)
	r.DELETE("/polling/:ID", p.httpClose)
}

// Len returns the number of open channels.
func (p *Polling) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

func (p *Polling) lookup(c *gin.Context) (*pollConn, bool) {
	ID := c.Param("ID")
	if ID == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return nil, false
	}

	p.mu.RLock()
	conn, ok := p.conns[ID]
	p.mu.RUnlock()
	if !ok {
		log.WithFields(log.Fields{
			"ID": ID,
		}).Warn("unable to find polling channel for ID")
		c.AbortWithStatus(http.StatusNotFound)
		return nil, false
	}
	return conn, true
}

func (p *Polling) httpOpen(c *gin.Context) {
	ID := uuid.New().String()
	conn := newPollConn(ID, 2*p.timeout, func() {
		p.mu.Lock()
		delete(p.conns, ID)
		p.mu.Unlock()
	})

	p.mu.Lock()
	p.conns[ID] = conn
	p.mu.Unlock()

	if err := p.bridge.Offer(c.Request.Context(), conn); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Error("unable to hand over polling channel")
		conn.Close()
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	log.WithFields(log.Fields{
		"ID": ID,
	}).Info("polling channel opened")

	c.JSON(http.StatusOK, gin.H{
		"id": ID,
	})
}

func (p *Polling) httpPush(c *gin.Context) {
	conn, ok := p.lookup(c)
	if !ok {
		return
	}

	body, err := c.GetRawData()
	if err != nil || !json.Valid(body) {
		log.WithFields(log.Fields{
			"error": err,
		}).Error("error parsing JSON")
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	if err := conn.push(c.Request.Context(), body); err != nil {
		c.AbortWithStatus(http.StatusGone)
		return
	}
	c.Status(http.StatusOK)
}

func (p *Polling) httpPoll(c *gin.Context) {
	conn, ok := p.lookup(c)
	if !ok {
		return
	}

	msgs, err := conn.poll(c.Request.Context(), p.timeout)
	if err != nil {
		c.AbortWithStatus(http.StatusGone)
		return
	}

	if len(msgs) == 0 {
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, msgs)
}

func (p *Polling) httpClose(c *gin.Context) {
	conn, ok := p.lookup(c)
	if !ok {
		return
	}
	conn.Close()
	conn.release()
	c.Status(http.StatusOK)
}

type pollConn struct {
	id string

	in chan []byte

	mu     sync.Mutex
	queue  []json.RawMessage
	notify chan struct{}

	idle    time.Duration
	reaper  *time.Timer
	done    chan struct{}
	once    sync.Once
	gone    sync.Once
	onClose func()
}

func newPollConn(id string, idle time.Duration, onClose func()) *pollConn {
	c := &pollConn{
		id:      id,
		in:      make(chan []byte, pollInboundBuffer),
		notify:  make(chan struct{}, 1),
		idle:    idle,
		done:    make(chan struct{}),
		onClose: onClose,
	}
	c.reaper = time.AfterFunc(idle, func() {
		select {
		case <-c.done:
		default:
			log.WithFields(log.Fields{
				"ID": id,
			}).Info("polling channel idle, closing")
			c.Close()
		}
		c.release()
	})
	return c
}

func (c *pollConn) push(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.in <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// poll waits up to timeout for queued messages. It returns ErrClosed only
// when the channel is closed and nothing is left to deliver.
func (c *pollConn) poll(ctx context.Context, timeout time.Duration) ([]json.RawMessage, error) {
	c.reaper.Reset(c.idle)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		msgs := c.queue
		c.queue = nil
		c.mu.Unlock()

		if len(msgs) > 0 {
			return msgs, nil
		}

		select {
		case <-c.notify:
		case <-c.done:
			c.mu.Lock()
			msgs, c.queue = c.queue, nil
			c.mu.Unlock()
			if len(msgs) > 0 {
				return msgs, nil
			}
			c.release()
			return nil, ErrClosed
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		}
	}
}

func (c *pollConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pollConn) WriteMessage(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	c.queue = append(c.queue, json.RawMessage(append([]byte(nil), msg...)))
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the channel. It stays reachable by ID until the client has
// collected the messages queued before the close, or it goes idle.
func (c *pollConn) Close() error {
	c.once.Do(func() {
		close(c.done)
	})

	c.mu.Lock()
	drained := len(c.queue) == 0
	c.mu.Unlock()
	if drained {
		c.release()
	}
	return nil
}

func (c *pollConn) release() {
	c.gone.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *pollConn) Transport() string {
	return NamePolling
}
