package server

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"zerodependency.co.uk/haia/snippets/balltrack/server/transport"
)

// Registry accepts signalling connections and keeps one Session per
// connection until it closes.
type Registry struct {
	listener transport.Listener
	template SessionConfig
	log      *log.Entry

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewRegistry serves connections from l. Every session is configured from
// template with its own ID and connection.
func NewRegistry(l transport.Listener, template SessionConfig) *Registry {
	if template.Logger == nil {
		template.Logger = log.NewEntry(log.StandardLogger())
	}
	return &Registry{
		listener: l,
		template: template,
		log:      template.Logger,
		sessions: make(map[string]*Session),
	}
}

// Serve accepts connections until ctx is done or the listener is closed.
func (r *Registry) Serve(ctx context.Context) error {
	for {
		conn, err := r.listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if _, err := r.open(conn); err != nil {
			r.log.WithFields(log.Fields{
				"error":     err,
				"transport": conn.Transport(),
			}).Warn("rejecting connection")
			conn.Close()
		}
	}
}

func (r *Registry) open(conn transport.Conn) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	cfg := r.template
	cfg.ID = uuid.New().String()
	cfg.Conn = conn

	s := NewSession(cfg)
	r.sessions[s.ID()] = s

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-s.Done()
		r.remove(s.ID())
	}()
	return s, nil
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns the open sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close closes the listener and every open session and waits for them.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	err := r.listener.Close()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
	r.wg.Wait()

	r.log.WithFields(log.Fields{
		"sessions": len(sessions),
	}).Info("registry closed")
	return err
}
