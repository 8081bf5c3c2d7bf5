package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"zerodependency.co.uk/haia/snippets/balltrack/server/h264"
	"zerodependency.co.uk/haia/snippets/balltrack/server/producer"
)

// SupportedVideoCodecs are the codecs a session is willing to negotiate, in
// no particular order; the offer decides which one wins.
var SupportedVideoCodecs = []string{"H264", "VP8", "VP9", "AV1"}

// ErrNoEncoder is returned by PushFrame on a sink whose codec has no
// encoder.
var ErrNoEncoder = errors.New("server: no encoder for negotiated codec")

// FrameSink consumes produced frames.
type FrameSink interface {
	PushFrame(f *producer.Frame) error
}

// TrackSink encodes frames and writes them as samples to an outbound video
// track.
type TrackSink struct {
	track    *webrtc.TrackLocalStaticSample
	encoder  *h264.Encoder
	codec    string
	duration time.Duration
}

var _ FrameSink = (*TrackSink)(nil)

// NewTrackSink creates the outbound track for codec. Only H.264 gets an
// encoder; other codecs still produce a track so negotiation succeeds.
func NewTrackSink(codec sdp.Codec, width, height int, frameDuration time.Duration) (*TrackSink, error) {
	capability := webrtc.RTPCodecCapability{
		MimeType:  "video/" + codec.Name,
		ClockRate: codec.ClockRate,
	}

	s := &TrackSink{codec: codec.Name, duration: frameDuration}

	if strings.EqualFold(codec.Name, codecH264) {
		enc, err := h264.NewEncoder(width, height, framesPerSecond(frameDuration))
		if err != nil {
			return nil, err
		}
		s.encoder = enc
		capability.MimeType = webrtc.MimeTypeH264
		capability.SDPFmtpLine = fmt.Sprintf("level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=%s", enc.ProfileLevelID())
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, "video", "balltrack")
	if err != nil {
		return nil, err
	}
	s.track = track
	return s, nil
}

// framesPerSecond rounds the rate for frameDuration, or 0 when it is not
// positive.
func framesPerSecond(frameDuration time.Duration) int {
	if frameDuration <= 0 {
		return 0
	}
	return int((time.Second + frameDuration/2) / frameDuration)
}

func (s *TrackSink) Track() webrtc.TrackLocal {
	return s.track
}

// Codec returns the negotiated codec name.
func (s *TrackSink) Codec() string {
	return s.codec
}

// Encodes reports whether PushFrame produces media.
func (s *TrackSink) Encodes() bool {
	return s.encoder != nil
}

// PushFrame encodes f as one access unit. Samples written before the track
// is bound are discarded by pion.
func (s *TrackSink) PushFrame(f *producer.Frame) error {
	if s.encoder == nil {
		return ErrNoEncoder
	}

	au, err := s.encoder.EncodeAnnexB(f.Y, f.U, f.V)
	if err != nil {
		return err
	}

	return s.track.WriteSample(media.Sample{
		Data:      au,
		Timestamp: time.UnixMicro(f.Timestamp),
		Duration:  s.duration,
	})
}
