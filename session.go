package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	log "github.com/sirupsen/logrus"
	"zerodependency.co.uk/haia/snippets/balltrack/server/producer"
	"zerodependency.co.uk/haia/snippets/balltrack/server/transport"
)

const (
	DefaultNegotiationTimeout = 15 * time.Second

	maxVideoWidth  = 1920
	maxVideoHeight = 1080

	eventBuffer = 64
	relayBuffer = 4
	sendTimeout = 5 * time.Second
)

// State is the negotiation state of a Session.
type State int32

const (
	StateIdle State = iota
	StateOfferReceived
	StateAnswerSent
	StateActive
	StateClosed
)

var stateNames = [...]string{"idle", "offer-received", "answer-sent", "active", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FrameSource is the producer a session owns.
type FrameSource interface {
	GroundTruthSource
	Start(ctx context.Context) error
	Stop() error
	Done() <-chan struct{}
	Err() error
	Subscribe(buffer int) (<-chan *producer.Frame, func())
	Size() (int, int)
	Interval() time.Duration
}

// VideoSink is the outbound side of a session: the track handed to the peer
// connection and the sink frames are pushed into.
type VideoSink interface {
	FrameSink
	Track() webrtc.TrackLocal
	Codec() string
	Encodes() bool
}

type VideoConfig struct {
	Width     int
	Height    int
	FrameRate int
	Radius    float64
	Speed     float64
	History   int
}

// NewProducerSource is the default FrameSource constructor.
func NewProducerSource(v VideoConfig, entry *log.Entry) (FrameSource, error) {
	p, err := producer.New(producer.Config{
		Width:     v.Width,
		Height:    v.Height,
		FrameRate: v.FrameRate,
		Radius:    v.Radius,
		Speed:     v.Speed,
		History:   v.History,
		Logger:    entry,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// NewVideoSink is the default VideoSink constructor.
func NewVideoSink(codec sdp.Codec, width, height int, frameDuration time.Duration) (VideoSink, error) {
	s, err := NewTrackSink(codec, width, height, frameDuration)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type SessionConfig struct {
	ID    string
	Conn  transport.Conn
	Peers PeerFactory
	Video VideoConfig

	// NegotiationTimeout bounds the time from offer to a connected peer.
	NegotiationTimeout time.Duration

	NewSource func(VideoConfig, *log.Entry) (FrameSource, error)
	NewSink   func(codec sdp.Codec, width, height int, frameDuration time.Duration) (VideoSink, error)

	Logger *log.Entry
}

// Info is a point-in-time view of a session.
type Info struct {
	ID          string           `json:"id"`
	Transport   string           `json:"transport"`
	State       State            `json:"state"`
	Codec       string           `json:"codec,omitempty"`
	Width       int              `json:"width,omitempty"`
	Height      int              `json:"height,omitempty"`
	FramesSent  uint64           `json:"framesSent"`
	Tracking    TrackingStats    `json:"tracking"`
	GroundTruth *producer.Sample `json:"groundTruth"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Session drives one client through offer, answer and ICE exchange, then
// streams frames to it and answers its position reports. All state changes
// happen on a single goroutine fed by the signalling channel and the peer
// connection callbacks.
type Session struct {
	id        string
	conn      transport.Conn
	cfg       SessionConfig
	log       *log.Entry
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	state   atomic.Int32
	frames  atomic.Uint64
	tracker Tracker

	mu     sync.Mutex
	source FrameSource
	codec  string

	// Owned by the run goroutine.
	pc          PeerConnection
	sink        VideoSink
	timer       *time.Timer
	unsubscribe func()
	relayDone   chan struct{}
}

// event is the closed set of inputs of the run loop.
type event interface {
	isEvent()
}

type inboundEvent struct{ data []byte }
type readErrorEvent struct{ err error }
type candidateEvent struct{ candidate *webrtc.ICECandidate }
type connectionStateEvent struct{ state webrtc.PeerConnectionState }

func (inboundEvent) isEvent()         {}
func (readErrorEvent) isEvent()       {}
func (candidateEvent) isEvent()       {}
func (connectionStateEvent) isEvent() {}

// NewSession starts serving cfg.Conn. The session closes itself when the
// connection, the peer connection or the producer fails.
func NewSession(cfg SessionConfig) *Session {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.NewSource == nil {
		cfg.NewSource = NewProducerSource
	}
	if cfg.NewSink == nil {
		cfg.NewSink = NewVideoSink
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewEntry(log.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        cfg.ID,
		conn:      cfg.Conn,
		cfg:       cfg,
		createdAt: time.Now(),
		log: cfg.Logger.WithFields(log.Fields{
			"session":   cfg.ID,
			"transport": cfg.Conn.Transport(),
		}),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan event, eventBuffer),
		done:   make(chan struct{}),
	}

	s.log.Info("session opened")
	go s.run()
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session has released all of its resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears the session down and waits for it. It is safe to call more
// than once.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// GroundTruth returns the latest position rendered for this session.
func (s *Session) GroundTruth() (producer.Sample, bool) {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()

	if src == nil {
		return producer.Sample{}, false
	}
	return src.GroundTruth()
}

func (s *Session) Info() Info {
	s.mu.Lock()
	src, codec := s.source, s.codec
	s.mu.Unlock()

	info := Info{
		ID:         s.id,
		Transport:  s.conn.Transport(),
		State:      s.State(),
		Codec:      codec,
		FramesSent: s.frames.Load(),
		Tracking:   s.tracker.Stats(),
		CreatedAt:  s.createdAt,
	}
	if src != nil {
		info.Width, info.Height = src.Size()
		if gt, ok := src.GroundTruth(); ok {
			info.GroundTruth = &gt
		}
	}
	return info
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.WithFields(log.Fields{
			"from": prev,
			"to":   st,
		}).Debug("session state changed")
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.release()

	go s.readLoop()

	for {
		var timeout <-chan time.Time
		if s.timer != nil {
			timeout = s.timer.C
		}
		var sourceDone <-chan struct{}
		if s.source != nil {
			sourceDone = s.source.Done()
		}

		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.events:
			if !s.handle(ev) {
				return
			}

		case <-timeout:
			s.log.Warn("negotiation timed out")
			s.send(NegotiationError{Message: ErrNegotiationTimeout.Error()})
			return

		case <-sourceDone:
			if err := s.source.Err(); err != nil {
				s.log.WithFields(log.Fields{
					"error": err,
				}).Error("video source failed")
				s.send(Debug(fmt.Sprintf("video source failed: %v", err)))
			}
			return
		}
	}
}

func (s *Session) readLoop() {
	for {
		data, err := s.conn.ReadMessage(s.ctx)
		if err != nil {
			s.post(readErrorEvent{err: err})
			return
		}
		s.post(inboundEvent{data: data})
	}
}

// post hands ev to the run loop unless the session is closing.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) send(m Message) {
	b, err := Encode(m)
	if err != nil {
		s.log.WithFields(log.Fields{
			"error": err,
			"event": m.Event(),
		}).Error("unable to encode message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.conn.WriteMessage(ctx, b); err != nil {
		s.log.WithFields(log.Fields{
			"error": err,
			"event": m.Event(),
		}).Debug("unable to send message")
	}
}

// handle processes one event and reports whether the session stays open.
func (s *Session) handle(ev event) bool {
	switch ev := ev.(type) {
	case inboundEvent:
		return s.handleMessage(ev.data)

	case readErrorEvent:
		s.log.WithFields(log.Fields{
			"error": ev.err,
		}).Info("signalling channel closed")
		return false

	case candidateEvent:
		if ev.candidate == nil {
			return true
		}
		s.send(ICECandidate{ev.candidate.ToJSON()})
		return true

	case connectionStateEvent:
		return s.handleConnectionState(ev.state)
	}
	return true
}

func (s *Session) handleMessage(data []byte) bool {
	msg, err := Decode(data)
	if err != nil {
		s.log.WithFields(log.Fields{
			"error": err,
		}).Warn("invalid signalling message")
		s.send(Debug(err.Error()))
		return true
	}

	switch m := msg.(type) {
	case Offer:
		return s.handleOffer(m)

	case ICECandidate:
		s.handleRemoteCandidate(m)

	case EstimatedPosition:
		s.send(s.tracker.Measure(s.truthSource(), m))
	}
	return true
}

func (s *Session) truthSource() GroundTruthSource {
	if s.source == nil {
		return nil
	}
	return s.source
}

func (s *Session) handleOffer(m Offer) bool {
	if st := s.State(); st != StateIdle {
		s.log.WithFields(log.Fields{
			"state": st,
		}).Warn("rejecting offer, session already negotiated")
		s.send(NegotiationError{Message: ErrRenegotiationNotSupported.Error()})
		return true
	}

	s.log.Info("offer received")
	s.setState(StateOfferReceived)
	s.timer = time.NewTimer(s.cfg.NegotiationTimeout)

	if err := s.negotiate(m); err != nil {
		s.log.WithFields(log.Fields{
			"error": err,
		}).Error("negotiation failed")
		s.send(NegotiationError{Message: err.Error()})
		return false
	}

	s.setState(StateAnswerSent)
	return true
}

func (s *Session) negotiate(m Offer) error {
	video := s.videoFor(m)
	src, err := s.cfg.NewSource(video, s.log)
	if err != nil {
		return fmt.Errorf("video source: %w", err)
	}
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()

	offer := PreferH264(m.SDP)

	pc, err := s.cfg.Peers.NewPeerConnection()
	if err != nil {
		return fmt.Errorf("peer connection: %w", err)
	}
	s.pc = pc

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		s.post(candidateEvent{candidate: c})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.post(connectionStateEvent{state: state})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	codec, err := SelectVideoCodec(offer, SupportedVideoCodecs...)
	if err != nil {
		return err
	}

	width, height := src.Size()
	sink, err := s.cfg.NewSink(codec, width, height, src.Interval())
	if err != nil {
		return fmt.Errorf("video track: %w", err)
	}
	s.sink = sink

	sender, err := pc.AddTrack(sink.Track())
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	if sender != nil {
		go readRTCP(sender, s.log)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	answer.SDP = PreferH264(answer.SDP)

	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	if err := src.Start(s.ctx); err != nil {
		return fmt.Errorf("video source: %w", err)
	}

	s.mu.Lock()
	s.codec = sink.Codec()
	s.mu.Unlock()

	s.send(Answer{SessionDescriptor{SDP: answer.SDP, Type: SessionTypeAnswer}})
	s.send(Debug(fmt.Sprintf("answer sent, %s %dx%d every %s", codec.Name, width, height, src.Interval())))
	if !sink.Encodes() {
		s.send(Debug(fmt.Sprintf("no encoder for %s, the video track carries no frames", codec.Name)))
	}

	s.log.WithFields(log.Fields{
		"codec":  codec.Name,
		"width":  width,
		"height": height,
	}).Info("answer sent")
	return nil
}

// videoFor applies the offer's video parameters on top of the configured
// ones. Unusable values are ignored.
func (s *Session) videoFor(m Offer) VideoConfig {
	v := s.cfg.Video

	if m.Width != 0 || m.Height != 0 {
		w, h := m.Width, m.Height
		if w > 0 && h > 0 && w%2 == 0 && h%2 == 0 &&
			w <= maxVideoWidth && h <= maxVideoHeight &&
			float64(min(w, h)) >= 2*v.Radius {
			v.Width, v.Height = w, h
		} else {
			s.log.WithFields(log.Fields{
				"width":  w,
				"height": h,
			}).Warn("ignoring requested video size")
		}
	}

	if m.FrameRate > 0 {
		v.FrameRate = producer.ClampFrameRate(m.FrameRate)
	}
	return v
}

func (s *Session) handleRemoteCandidate(m ICECandidate) {
	if s.pc == nil || s.pc.RemoteDescription() == nil {
		s.log.WithFields(log.Fields{
			"candidate": m.Candidate,
		}).Warn("dropping ICE candidate, no remote description")
		return
	}

	if err := s.pc.AddICECandidate(m.ICECandidateInit); err != nil {
		s.log.WithFields(log.Fields{
			"error":     err,
			"candidate": m.Candidate,
		}).Warn("unable to add ICE candidate")
	}
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) bool {
	s.log.WithFields(log.Fields{
		"state": state,
	}).Info("OnConnectionStateChange")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.State() == StateAnswerSent {
			s.activate()
		}
	case webrtc.PeerConnectionStateFailed:
		s.send(Debug("peer connection failed"))
		return false
	case webrtc.PeerConnectionStateClosed:
		return false
	}
	return true
}

func (s *Session) activate() {
	s.setState(StateActive)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.send(Debug("media connected"))

	if !s.sink.Encodes() {
		return
	}

	frames, unsubscribe := s.source.Subscribe(relayBuffer)
	s.unsubscribe = unsubscribe
	s.relayDone = make(chan struct{})
	go s.relay(frames, s.sink, s.relayDone)
}

// relay moves frames into the sink until the subscription ends.
func (s *Session) relay(frames <-chan *producer.Frame, sink FrameSink, done chan struct{}) {
	defer close(done)

	failures := 0
	for f := range frames {
		if err := sink.PushFrame(f); err != nil {
			if failures++; failures == 1 || failures%100 == 0 {
				s.log.WithFields(log.Fields{
					"error":    err,
					"failures": failures,
				}).Warn("unable to push frame")
			}
			continue
		}
		s.frames.Add(1)
	}
}

// release runs once, on the run goroutine, when the session ends.
func (s *Session) release() {
	s.setState(StateClosed)
	s.cancel()

	if s.timer != nil {
		s.timer.Stop()
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
		<-s.relayDone
	}

	if s.source != nil {
		if err := s.source.Stop(); err != nil {
			s.log.WithFields(log.Fields{
				"error": err,
			}).Debug("video source stopped with error")
		}
	}

	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.log.WithFields(log.Fields{
				"error": err,
			}).Warn("unable to close peer connection")
		}
	}

	s.conn.Close()

	s.log.WithFields(log.Fields{
		"frames":  s.frames.Load(),
		"reports": s.tracker.Stats().Reports,
	}).Info("session closed")
}
