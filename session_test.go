package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zerodependency.co.uk/haia/snippets/balltrack/server/producer"
	"zerodependency.co.uk/haia/snippets/balltrack/server/transport"
)

const fakeAnswer = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 102\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:102 H264/90000\r\n"

type fakePeer struct {
	mu          sync.Mutex
	remote      *webrtc.SessionDescription
	local       *webrtc.SessionDescription
	remoteCalls int
	localCalls  int
	candidates  []webrtc.ICECandidateInit
	tracks      int
	closed      bool

	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)

	failRemote    error
	failLocal     error
	failCandidate error
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteCalls++
	if p.failRemote != nil {
		return p.failRemote
	}
	p.remote = &d
	return nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeAnswer}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localCalls++
	if p.failLocal != nil {
		return p.failLocal
	}
	p.local = &d
	return nil
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCandidate != nil {
		return p.failCandidate
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks++
	return nil, nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = f
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) setState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	f(state)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakePeers struct {
	peer *fakePeer
}

func (f *fakePeers) NewPeerConnection() (PeerConnection, error) {
	return f.peer, nil
}

type countingSink struct {
	codec   string
	encodes bool
	frames  atomic.Uint64
}

func (s *countingSink) PushFrame(*producer.Frame) error {
	s.frames.Add(1)
	return nil
}

func (s *countingSink) Track() webrtc.TrackLocal { return nil }
func (s *countingSink) Codec() string            { return s.codec }
func (s *countingSink) Encodes() bool            { return s.encodes }

type harness struct {
	t       *testing.T
	ctx     context.Context
	client  transport.Conn
	session *Session
	peer    *fakePeer
	sink    *countingSink

	mu     sync.Mutex
	video  VideoConfig
	source *producer.Producer
}

func newHarness(t *testing.T, configure func(*SessionConfig)) *harness {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client, server := transport.Pipe(64)
	h := &harness{
		t:      t,
		ctx:    ctx,
		client: client,
		peer:   &fakePeer{},
		sink:   &countingSink{encodes: true},
	}

	logger := log.New()
	logger.SetLevel(log.WarnLevel)

	cfg := SessionConfig{
		ID:    "test",
		Conn:  server,
		Peers: &fakePeers{peer: h.peer},
		Video: VideoConfig{Width: 32, Height: 24, FrameRate: 60, Radius: 4, Speed: 100, History: 16},
		NewSource: func(v VideoConfig, entry *log.Entry) (FrameSource, error) {
			p, err := producer.New(producer.Config{
				Width:     v.Width,
				Height:    v.Height,
				FrameRate: v.FrameRate,
				Radius:    v.Radius,
				History:   v.History,
				Ball:      &producer.Ball{X: 10, Y: 10, Radius: v.Radius},
				Logger:    entry,
			})
			if err != nil {
				return nil, err
			}
			h.mu.Lock()
			h.video, h.source = v, p
			h.mu.Unlock()
			return p, nil
		},
		NewSink: func(codec sdp.Codec, width, height int, d time.Duration) (VideoSink, error) {
			h.sink.codec = codec.Name
			if !strings.EqualFold(codec.Name, "H264") {
				h.sink.encodes = false
			}
			return h.sink, nil
		},
		Logger: log.NewEntry(logger),
	}
	if configure != nil {
		configure(&cfg)
	}

	h.session = NewSession(cfg)
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) producer() *producer.Producer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.source
}

func (h *harness) send(raw string) {
	require.NoError(h.t, h.client.WriteMessage(h.ctx, []byte(raw)))
}

func (h *harness) sendMessage(m Message) {
	b, err := Encode(m)
	require.NoError(h.t, err)
	require.NoError(h.t, h.client.WriteMessage(h.ctx, b))
}

// next returns the data of the next message with the given event, skipping
// any other.
func (h *harness) next(event string) json.RawMessage {
	for {
		b, err := h.client.ReadMessage(h.ctx)
		require.NoError(h.t, err, "waiting for %s", event)

		var env envelope
		require.NoError(h.t, json.Unmarshal(b, &env))
		if env.Event == event {
			return env.Data
		}
	}
}

func (h *harness) offer(desc string) SessionDescriptor {
	h.sendMessage(Offer{SessionDescriptor: SessionDescriptor{Type: SessionTypeOffer, SDP: desc}})

	var answer SessionDescriptor
	require.NoError(h.t, json.Unmarshal(h.next(EventAnswer), &answer))
	require.Eventually(h.t, func() bool { return h.session.State() == StateAnswerSent }, time.Second, time.Millisecond)
	return answer
}

func (h *harness) waitClosed() {
	select {
	case <-h.session.Done():
	case <-h.ctx.Done():
		h.t.Fatal("session did not close")
	}
}

func TestSessionNegotiates(t *testing.T) {
	h := newHarness(t, nil)
	offer := crlf(browserOffer)

	answer := h.offer(offer)
	assert.Equal(t, SessionTypeAnswer, answer.Type)
	assert.Equal(t, PreferH264(fakeAnswer), answer.SDP)
	assert.Equal(t, []string{"102", "96"}, videoFormats(t, answer.SDP))

	remote := h.peer.RemoteDescription()
	require.NotNil(t, remote)
	assert.Equal(t, PreferH264(offer), remote.SDP, "offer rewritten before it is applied")
	assert.Equal(t, answer.SDP, h.peer.LocalDescription().SDP)

	info := h.session.Info()
	assert.Equal(t, "H264", info.Codec)
	assert.Equal(t, StateAnswerSent, info.State)
	assert.Equal(t, transport.NamePipe, info.Transport)
	assert.Equal(t, 32, info.Width)
}

func TestSessionRejectsSecondOffer(t *testing.T) {
	h := newHarness(t, nil)
	h.offer(crlf(browserOffer))

	remote, local := h.peer.RemoteDescription(), h.peer.LocalDescription()

	h.sendMessage(Offer{SessionDescriptor: SessionDescriptor{Type: SessionTypeOffer, SDP: "v=0\r\n"}})
	var nerr NegotiationError
	require.NoError(t, json.Unmarshal(h.next(EventNegotiationError), &nerr))
	assert.Equal(t, "renegotiation not supported", nerr.Message)

	assert.Same(t, remote, h.peer.RemoteDescription())
	assert.Same(t, local, h.peer.LocalDescription())
	h.peer.mu.Lock()
	assert.Equal(t, 1, h.peer.remoteCalls)
	assert.Equal(t, 1, h.peer.localCalls)
	h.peer.mu.Unlock()
	assert.Equal(t, StateAnswerSent, h.session.State())
}

func TestSessionRelaysFramesUntilClosed(t *testing.T) {
	h := newHarness(t, nil)
	h.offer(crlf(browserOffer))

	h.peer.setState(webrtc.PeerConnectionStateConnected)
	require.Eventually(t, func() bool { return h.session.State() == StateActive }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.sink.frames.Load() >= 3 }, 2*time.Second, time.Millisecond)

	require.NoError(t, h.client.Close())
	h.waitClosed()

	p := h.producer()
	frames, ticks := h.sink.frames.Load(), p.Ticks()
	time.Sleep(3 * p.Interval())

	assert.Equal(t, frames, h.sink.frames.Load(), "no frames after close")
	assert.Equal(t, ticks, p.Ticks(), "producer stopped")
	assert.True(t, h.peer.isClosed())
	assert.Equal(t, StateClosed, h.session.State())
	assert.Equal(t, frames, h.session.Info().FramesSent)
}

func TestSessionVP8NegotiatesWithoutFrames(t *testing.T) {
	h := newHarness(t, nil)
	vp8Only := "v=0\r\n" +
		"o=- 1 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96 97\r\n" +
		"a=rtpmap:96 VP8/90000\r\n" +
		"a=rtpmap:97 rtx/90000\r\n"

	h.offer(vp8Only)
	assert.Equal(t, vp8Only, h.peer.RemoteDescription().SDP)

	var debug string
	for !strings.Contains(debug, "no encoder") {
		require.NoError(t, json.Unmarshal(h.next(EventDebug), &debug))
	}
	assert.Equal(t, "VP8", h.session.Info().Codec)

	h.peer.setState(webrtc.PeerConnectionStateConnected)
	require.Eventually(t, func() bool { return h.session.State() == StateActive }, time.Second, time.Millisecond)
	assert.Zero(t, h.sink.frames.Load())
}

func TestSessionErrorReports(t *testing.T) {
	h := newHarness(t, nil)

	h.send(`{"event":"estimated-position","data":{"x":1,"y":2}}`)
	var report ErrorReport
	require.NoError(t, json.Unmarshal(h.next(EventErrorReport), &report))
	assert.Nil(t, report.Error, "no ground truth before an offer")

	h.offer(crlf(browserOffer))
	require.Eventually(t, func() bool {
		_, ok := h.session.GroundTruth()
		return ok
	}, time.Second, time.Millisecond)

	// The ball does not move, so every frame has it at (10, 10).
	h.send(`{"event":"estimated-position","data":{"x":13,"y":14}}`)
	require.NoError(t, json.Unmarshal(h.next(EventErrorReport), &report))
	require.NotNil(t, report.Error)
	assert.InDelta(t, 5.0, *report.Error, 1e-9)

	h.send(`{"event":"estimated-position","data":{"x":10,"y":10,"frame":1}}`)
	require.NoError(t, json.Unmarshal(h.next(EventErrorReport), &report))
	require.NotNil(t, report.Error)
	assert.InDelta(t, 0, *report.Error, 1e-9)

	stats := h.session.Info().Tracking
	assert.Equal(t, uint64(3), stats.Reports)
	assert.Equal(t, uint64(2), stats.Measured)
}

func TestSessionNegotiationFailureCloses(t *testing.T) {
	h := newHarness(t, nil)
	h.peer.failRemote = errors.New("bad offer")

	h.sendMessage(Offer{SessionDescriptor: SessionDescriptor{Type: SessionTypeOffer, SDP: browserOffer}})
	var nerr NegotiationError
	require.NoError(t, json.Unmarshal(h.next(EventNegotiationError), &nerr))
	assert.Contains(t, nerr.Message, "bad offer")

	h.waitClosed()
	assert.True(t, h.peer.isClosed())
	assert.Equal(t, StateClosed, h.session.State())
}

func TestSessionLocalDescriptionFailureCloses(t *testing.T) {
	h := newHarness(t, nil)
	h.peer.failLocal = errors.New("no transceivers")

	h.sendMessage(Offer{SessionDescriptor: SessionDescriptor{Type: SessionTypeOffer, SDP: crlf(browserOffer)}})
	var nerr NegotiationError
	require.NoError(t, json.Unmarshal(h.next(EventNegotiationError), &nerr))
	assert.Contains(t, nerr.Message, "set local description")
	assert.Contains(t, nerr.Message, "no transceivers")

	h.waitClosed()
	assert.True(t, h.peer.isClosed())
	assert.Equal(t, StateClosed, h.session.State())
}

func TestSessionNegotiationTimeout(t *testing.T) {
	h := newHarness(t, func(c *SessionConfig) {
		c.NegotiationTimeout = 50 * time.Millisecond
	})
	h.offer(crlf(browserOffer))

	var nerr NegotiationError
	require.NoError(t, json.Unmarshal(h.next(EventNegotiationError), &nerr))
	assert.Equal(t, "negotiation timed out", nerr.Message)
	h.waitClosed()
}

func TestSessionCandidates(t *testing.T) {
	h := newHarness(t, nil)
	early := `{"event":"ice-candidate","data":{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`

	h.send(early)
	h.offer(crlf(browserOffer))
	h.send(early)

	require.Eventually(t, func() bool {
		h.peer.mu.Lock()
		defer h.peer.mu.Unlock()
		return len(h.peer.candidates) == 1
	}, time.Second, time.Millisecond, "only the candidate after the offer is applied")

	h.peer.mu.Lock()
	onCandidate := h.peer.onCandidate
	h.peer.mu.Unlock()

	onCandidate(nil)
	onCandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2122260223,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       5000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})

	var c ICECandidate
	require.NoError(t, json.Unmarshal(h.next(EventICECandidate), &c))
	assert.Contains(t, c.Candidate, "10.0.0.1")
}

func TestSessionRejectedCandidateKeepsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.offer(crlf(browserOffer))

	h.peer.mu.Lock()
	h.peer.failCandidate = errors.New("bad candidate")
	h.peer.mu.Unlock()

	h.send(`{"event":"ice-candidate","data":{"candidate":"candidate:1 1 udp 1 10.0.0.2 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`)

	// The session still answers after the dropped candidate.
	h.send(`{"event":"estimated-position","data":{"x":10,"y":10}}`)
	h.next(EventErrorReport)

	assert.Equal(t, StateAnswerSent, h.session.State())
	assert.False(t, h.peer.isClosed())
	select {
	case <-h.session.Done():
		t.Fatal("session closed after a rejected candidate")
	default:
	}

	h.peer.mu.Lock()
	h.peer.failCandidate = nil
	h.peer.mu.Unlock()
	h.send(`{"event":"ice-candidate","data":{"candidate":"candidate:2 1 udp 1 10.0.0.3 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`)
	require.Eventually(t, func() bool {
		h.peer.mu.Lock()
		defer h.peer.mu.Unlock()
		return len(h.peer.candidates) == 1
	}, time.Second, time.Millisecond)
}

func TestSessionRejectsOutOfRangeEstimate(t *testing.T) {
	h := newHarness(t, nil)

	h.send(`{"event":"estimated-position","data":{"x":-1.7e308,"y":4}}`)
	var debug string
	require.NoError(t, json.Unmarshal(h.next(EventDebug), &debug))
	assert.Contains(t, debug, "malformed")

	_, err := json.Marshal(h.session.Info())
	assert.NoError(t, err)
	assert.Equal(t, StateIdle, h.session.State())
}

func TestSessionPeerFailureCloses(t *testing.T) {
	h := newHarness(t, nil)
	h.offer(crlf(browserOffer))

	h.peer.setState(webrtc.PeerConnectionStateFailed)
	h.waitClosed()
	assert.True(t, h.peer.isClosed())
}

func TestSessionInvalidMessageKeepsState(t *testing.T) {
	h := newHarness(t, nil)

	h.send(`{"event":"bogus","data":{}}`)
	var debug string
	require.NoError(t, json.Unmarshal(h.next(EventDebug), &debug))
	assert.Contains(t, debug, "unknown message")

	h.send(`{"event":"answer","data":{"type":"answer","sdp":"v=0"}}`)
	require.NoError(t, json.Unmarshal(h.next(EventDebug), &debug))
	assert.Contains(t, debug, "unexpected message")

	assert.Equal(t, StateIdle, h.session.State())
	h.offer(crlf(browserOffer))
}

func TestSessionOfferVideoParameters(t *testing.T) {
	h := newHarness(t, nil)

	h.sendMessage(Offer{
		SessionDescriptor: SessionDescriptor{Type: SessionTypeOffer, SDP: crlf(browserOffer)},
		Width:             64,
		Height:            48,
		FrameRate:         240,
	})
	h.next(EventAnswer)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 64, h.video.Width)
	assert.Equal(t, 48, h.video.Height)
	assert.Equal(t, producer.MaxFrameRate, h.video.FrameRate)
}

func TestSessionIgnoresUnusableVideoSize(t *testing.T) {
	h := newHarness(t, nil)

	h.sendMessage(Offer{
		SessionDescriptor: SessionDescriptor{Type: SessionTypeOffer, SDP: crlf(browserOffer)},
		Width:             63,
		Height:            48,
	})
	h.next(EventAnswer)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 32, h.video.Width)
	assert.Equal(t, 24, h.video.Height)
}

type brokenSource struct {
	*producer.Producer
	done chan struct{}
}

func (b *brokenSource) Start(context.Context) error {
	close(b.done)
	return nil
}

func (b *brokenSource) Done() <-chan struct{} { return b.done }
func (b *brokenSource) Err() error            { return errors.New("renderer crashed") }

func TestSessionClosesOnSourceFailure(t *testing.T) {
	h := newHarness(t, func(c *SessionConfig) {
		c.NewSource = func(v VideoConfig, entry *log.Entry) (FrameSource, error) {
			p, err := producer.New(producer.Config{Width: v.Width, Height: v.Height, Radius: v.Radius})
			if err != nil {
				return nil, err
			}
			return &brokenSource{Producer: p, done: make(chan struct{})}, nil
		}
	})

	h.sendMessage(Offer{SessionDescriptor: SessionDescriptor{Type: SessionTypeOffer, SDP: crlf(browserOffer)}})

	var debug string
	for !strings.Contains(debug, "video source failed") {
		require.NoError(t, json.Unmarshal(h.next(EventDebug), &debug))
	}
	assert.Contains(t, debug, "renderer crashed")
	h.waitClosed()
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.session.Close()
	h.session.Close()
	assert.Equal(t, StateClosed, h.session.State())

	_, err := h.client.ReadMessage(h.ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
}
