package server

import (
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	log "github.com/sirupsen/logrus"
)

// PeerConnection is the part of *webrtc.PeerConnection a session drives.
type PeerConnection interface {
	SetRemoteDescription(webrtc.SessionDescription) error
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// PeerFactory creates one peer connection per session.
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// WebRTCPeers builds pion peer connections with the default codecs and
// interceptors.
type WebRTCPeers struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewWebRTCPeers needs at least one ICE server URL. loggers may be nil.
// settings adjust the SettingEngine shared by every peer connection.
func NewWebRTCPeers(iceServers []string, loggers logging.LoggerFactory, settings ...func(*webrtc.SettingEngine)) (*WebRTCPeers, error) {
	if len(iceServers) == 0 {
		return nil, ErrNoICEServers
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	s := webrtc.SettingEngine{}
	if loggers != nil {
		s.LoggerFactory = loggers
	}
	for _, f := range settings {
		f(&s)
	}

	return &WebRTCPeers{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(i),
			webrtc.WithSettingEngine(s),
		),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: iceServers},
			},
		},
	}, nil
}

func (p *WebRTCPeers) NewPeerConnection() (PeerConnection, error) {
	pc, err := p.api.NewPeerConnection(p.config)
	if err != nil {
		return nil, err
	}

	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		log.WithFields(log.Fields{
			"state": state,
		}).Debug("OnSignalingStateChange")
	})

	pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		log.WithFields(log.Fields{
			"state": state,
		}).Debug("OnICEGatheringStateChange")
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.WithFields(log.Fields{
			"state": state,
		}).Debug("OnICEConnectionStateChange")
	})

	return pc, nil
}

// rtcpReader is the subset of *webrtc.RTPSender used to drain RTCP.
type rtcpReader interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

// readRTCP drains RTCP for a sender until it is closed. Interceptors only
// run while packets are read, so this has to happen even if nothing acts on
// them.
func readRTCP(sender rtcpReader, entry *log.Entry) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			entry.WithFields(log.Fields{
				"error": err,
			}).Debug("rtcp reader stopped")
			return
		}

		for _, p := range packets {
			switch p := p.(type) {
			case *rtcp.PictureLossIndication:
				entry.WithFields(log.Fields{
					"ssrc": p.MediaSSRC,
				}).Debug("picture loss indication")
			case *rtcp.FullIntraRequest:
				entry.WithFields(log.Fields{
					"ssrc": p.MediaSSRC,
				}).Debug("full intra request")
			case *rtcp.ReceiverReport:
				for _, r := range p.Reports {
					entry.WithFields(log.Fields{
						"ssrc":   r.SSRC,
						"lost":   r.TotalLost,
						"jitter": r.Jitter,
					}).Trace("receiver report")
				}
			}
		}
	}
}
