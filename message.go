package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/pion/webrtc/v4"
)

// MaxCoordinate bounds the x and y of an estimated position. Anything larger
// cannot be a pixel of a produced frame.
const MaxCoordinate = 1e6

const (
	EventOffer             = "offer"
	EventAnswer            = "answer"
	EventNegotiationError  = "negotiation-error"
	EventICECandidate      = "ice-candidate"
	EventDebug             = "debug"
	EventEstimatedPosition = "estimated-position"
	EventErrorReport       = "error-report"
)

var (
	// ErrUnknownMessage is returned for events outside the protocol.
	ErrUnknownMessage = errors.New("server: unknown message")

	// ErrMalformedMessage is returned when the envelope or payload cannot be
	// decoded.
	ErrMalformedMessage = errors.New("server: malformed message")

	// ErrUnexpectedMessage is returned for server-to-client events sent by a
	// client.
	ErrUnexpectedMessage = errors.New("server: unexpected message")
)

// Message is one signalling message. The set of implementations is closed.
type Message interface {
	Event() string
}

// Offer is the client's session description, optionally carrying the video
// parameters it wants.
type Offer struct {
	SessionDescriptor
	Width     int `json:"width,omitempty"`
	Height    int `json:"height,omitempty"`
	FrameRate int `json:"frameRate,omitempty"`
}

type Answer struct {
	SessionDescriptor
}

type NegotiationError struct {
	Message string `json:"message"`
}

type ICECandidate struct {
	webrtc.ICECandidateInit
}

type Debug string

// EstimatedPosition is where the client's tracker sees the ball. Frame, when
// set, is the sequence number of the analysed frame.
type EstimatedPosition struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Frame *uint64 `json:"frame,omitempty"`
}

// ErrorReport carries the distance between an estimate and the ground
// truth, or null when there is no ground truth yet.
type ErrorReport struct {
	Error *float64 `json:"error"`
}

func (Offer) Event() string             { return EventOffer }
func (Answer) Event() string            { return EventAnswer }
func (NegotiationError) Event() string  { return EventNegotiationError }
func (ICECandidate) Event() string      { return EventICECandidate }
func (Debug) Event() string             { return EventDebug }
func (EstimatedPosition) Event() string { return EventEstimatedPosition }
func (ErrorReport) Event() string       { return EventErrorReport }

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode wraps m in the {"event", "data"} envelope.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: m.Event(), Data: data})
}

// Decode parses a message sent by a client. Only client-to-server events are
// accepted.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Event {
	case EventOffer:
		var m Offer
		if err := decodeData(env, &m); err != nil {
			return nil, err
		}
		if m.Type == "" {
			m.Type = SessionTypeOffer
		}
		if m.Type != SessionTypeOffer || m.SDP == "" {
			return nil, fmt.Errorf("%w: offer needs type %q and an sdp", ErrMalformedMessage, SessionTypeOffer)
		}
		return m, nil

	case EventICECandidate:
		var m ICECandidate
		if err := decodeData(env, &m); err != nil {
			return nil, err
		}
		return m, nil

	case EventEstimatedPosition:
		var raw struct {
			X     *float64 `json:"x"`
			Y     *float64 `json:"y"`
			Frame *uint64  `json:"frame"`
		}
		if err := decodeData(env, &raw); err != nil {
			return nil, err
		}
		if raw.X == nil || raw.Y == nil || !coordinate(*raw.X) || !coordinate(*raw.Y) {
			return nil, fmt.Errorf("%w: estimated-position needs numeric x and y within ±%g", ErrMalformedMessage, MaxCoordinate)
		}
		return EstimatedPosition{X: *raw.X, Y: *raw.Y, Frame: raw.Frame}, nil

	case EventAnswer, EventNegotiationError, EventDebug, EventErrorReport:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, env.Event)

	case "":
		return nil, fmt.Errorf("%w: missing event", ErrMalformedMessage)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Event)
	}
}

func decodeData(env envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: %s without data", ErrMalformedMessage, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, env.Event, err)
	}
	return nil
}

func coordinate(f float64) bool {
	return !math.IsNaN(f) && math.Abs(f) <= MaxCoordinate
}
