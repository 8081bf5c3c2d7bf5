package producer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/image/vector"
)

const (
	MinFrameRate = 1
	MaxFrameRate = 60

	DefaultWidth     = 640
	DefaultHeight    = 480
	DefaultFrameRate = 30
	DefaultRadius    = 20
	DefaultSpeed     = 250
	DefaultHistory   = 120
)

var (
	// ErrInvalidDimensions is returned for odd sizes or sizes that cannot
	// hold the ball.
	ErrInvalidDimensions = errors.New("producer: invalid frame dimensions")

	// ErrAlreadyStarted is returned by Start when called twice.
	ErrAlreadyStarted = errors.New("producer: already started")
)

// Config configures a Producer. Zero values fall back to the defaults above.
type Config struct {
	Width     int
	Height    int
	FrameRate int
	Radius    float64
	Speed     float64

	// History is how many recent ground-truth samples are kept for
	// GroundTruthAt.
	History int

	// Ball overrides the random initial state. Used by tests.
	Ball *Ball

	// Now is the capture clock. Defaults to time.Now.
	Now func() time.Time

	Logger *log.Entry
}

func (c *Config) setDefaults() {
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.Height == 0 {
		c.Height = DefaultHeight
	}
	if c.FrameRate == 0 {
		c.FrameRate = DefaultFrameRate
	}
	if c.Radius == 0 {
		c.Radius = DefaultRadius
	}
	if c.Speed == 0 {
		c.Speed = DefaultSpeed
	}
	if c.History == 0 {
		c.History = DefaultHistory
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.NewEntry(log.StandardLogger())
	}
}

// ClampFrameRate limits rate to [MinFrameRate, MaxFrameRate].
func ClampFrameRate(rate int) int {
	return max(MinFrameRate, min(MaxFrameRate, rate))
}

// Interval returns the tick period for a frame rate, after clamping.
func Interval(rate int) time.Duration {
	return time.Second / time.Duration(ClampFrameRate(rate))
}

// Sample is one published ground-truth value.
type Sample struct {
	Sequence  uint64   `json:"sequence"`
	Timestamp int64    `json:"timestamp"`
	Position  Position `json:"position"`
}

// Producer runs the ball simulation on a fixed cadence, renders every tick
// into an I420 frame and hands a copy of it to each subscriber. The latest
// ground truth is readable at any time without locking.
type Producer struct {
	width, height int
	interval      time.Duration
	now           func() time.Time
	log           *log.Entry

	ball   Ball
	img    *image.RGBA
	raster *vector.Rasterizer
	frame  *Frame
	seq    uint64
	last   int64

	truth   atomic.Pointer[Sample]
	history *history
	ticks   atomic.Uint64

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	cancel context.CancelFunc

	started atomic.Bool
	done    chan struct{}
	err     error
}

type subscriber struct {
	ch      chan *Frame
	dropped atomic.Uint64
}

// New validates cfg and builds a stopped Producer.
func New(cfg Config) (*Producer, error) {
	cfg.setDefaults()

	if cfg.Width%2 != 0 || cfg.Height%2 != 0 ||
		float64(cfg.Width) < 2*cfg.Radius || float64(cfg.Height) < 2*cfg.Radius {
		return nil, fmt.Errorf("%w: %dx%d radius %.1f", ErrInvalidDimensions, cfg.Width, cfg.Height, cfg.Radius)
	}

	ball := NewBall(cfg.Width, cfg.Height, cfg.Radius, cfg.Speed, rand.Float64()*2*math.Pi)
	if cfg.Ball != nil {
		ball = *cfg.Ball
	}

	return &Producer{
		width:    cfg.Width,
		height:   cfg.Height,
		interval: Interval(cfg.FrameRate),
		now:      cfg.Now,
		log:      cfg.Logger,
		ball:     ball,
		img:      image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)),
		raster:   vector.NewRasterizer(cfg.Width, cfg.Height),
		frame:    NewFrame(cfg.Width, cfg.Height),
		history:  newHistory(cfg.History),
		subs:     make(map[*subscriber]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Interval is the nominal time between ticks.
func (p *Producer) Interval() time.Duration {
	return p.interval
}

// Size returns the frame dimensions.
func (p *Producer) Size() (int, int) {
	return p.width, p.height
}

// Ticks returns how many ticks have completed.
func (p *Producer) Ticks() uint64 {
	return p.ticks.Load()
}

// Start launches the tick loop. It stops when ctx is cancelled, Stop is
// called, or a tick fails.
func (p *Producer) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(ctx)
	return nil
}

// Stop cancels the tick loop and waits for it to exit. It is safe to call
// more than once and before Start.
func (p *Producer) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-p.done
	return p.err
}

// Done is closed once the tick loop has exited.
func (p *Producer) Done() <-chan struct{} {
	return p.done
}

// Err reports why the tick loop exited. It is nil after a requested stop.
// Only valid once Done is closed.
func (p *Producer) Err() error {
	return p.err
}

func (p *Producer) run(ctx context.Context) {
	defer close(p.done)
	defer p.closeSubscribers()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.WithFields(log.Fields{
		"width":    p.width,
		"height":   p.height,
		"interval": p.interval,
	}).Debug("producer started")

	for {
		select {
		case <-ctx.Done():
			p.log.Debug("producer stopped")
			return
		case <-ticker.C:
			if err := p.safeTick(); err != nil {
				p.err = err
				p.log.WithFields(log.Fields{
					"error": err,
				}).Error("producer failed")
				return
			}
		}
	}
}

func (p *Producer) safeTick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer: tick panicked: %v", r)
		}
	}()
	p.tick()
	return nil
}

// tick advances the simulation by one nominal interval, renders the frame and
// publishes it.
func (p *Producer) tick() {
	p.ball.Step(p.interval.Seconds(), p.width, p.height)

	Rasterize(p.raster, p.img, p.ball)
	ConvertI420(p.frame, p.img)

	ts := p.now().UnixMicro()
	if ts <= p.last {
		ts = p.last + 1
	}
	p.last = ts
	p.seq++

	p.frame.Timestamp = ts
	p.frame.Sequence = p.seq
	p.frame.Position = p.ball.Position()

	sample := &Sample{Sequence: p.seq, Timestamp: ts, Position: p.frame.Position}
	p.history.add(*sample)
	p.truth.Store(sample)

	p.publish()
	p.ticks.Add(1)
}

func (p *Producer) publish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for s := range p.subs {
		select {
		case s.ch <- p.frame.Clone():
		default:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				p.log.WithFields(log.Fields{
					"dropped": n,
				}).Warn("slow frame consumer, dropping frames")
			}
		}
	}
}

// Subscribe registers a consumer. Every tick delivers a private copy of the
// frame on the returned channel; when the channel is full the frame is
// dropped for that consumer. The channel is closed by cancel or when the
// producer exits.
func (p *Producer) Subscribe(buffer int) (<-chan *Frame, func()) {
	s := &subscriber{ch: make(chan *Frame, max(buffer, 1))}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	p.subs[s] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subs[s]; ok {
				delete(p.subs, s)
				close(s.ch)
			}
		})
	}
}

func (p *Producer) closeSubscribers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for s := range p.subs {
		close(s.ch)
		delete(p.subs, s)
	}
}

// GroundTruth returns the most recently published sample.
func (p *Producer) GroundTruth() (Sample, bool) {
	s := p.truth.Load()
	if s == nil {
		return Sample{}, false
	}
	return *s, true
}

// GroundTruthAt returns the sample published with sequence seq if it is still
// in the history window.
func (p *Producer) GroundTruthAt(seq uint64) (Sample, bool) {
	return p.history.get(seq)
}

type history struct {
	mu      sync.RWMutex
	samples []Sample
}

func newHistory(size int) *history {
	return &history{samples: make([]Sample, size)}
}

func (h *history) add(s Sample) {
	h.mu.Lock()
	h.samples[s.Sequence%uint64(len(h.samples))] = s
	h.mu.Unlock()
}

func (h *history) get(seq uint64) (Sample, bool) {
	if seq == 0 {
		return Sample{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.samples[seq%uint64(len(h.samples))]
	if s.Sequence != seq {
		return Sample{}, false
	}
	return s, true
}
