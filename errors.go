package server

import "errors"

// The negotiation errors below are sent verbatim to the client in a
// negotiation-error message, so their text has no package prefix.
var (
	// ErrRenegotiationNotSupported answers an offer on a session that already
	// has a remote description.
	ErrRenegotiationNotSupported = errors.New("renegotiation not supported")

	// ErrNegotiationTimeout closes a session whose offer did not reach an
	// active connection in time.
	ErrNegotiationTimeout = errors.New("negotiation timed out")
)

var (
	// ErrNoICEServers is returned by NewWebRTCPeers without a STUN server.
	ErrNoICEServers = errors.New("server: at least one ICE server is required")

	// ErrRegistryClosed rejects connections accepted after Close.
	ErrRegistryClosed = errors.New("server: registry closed")
)
