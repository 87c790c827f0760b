package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Wire errors
	ErrMessageTooLarge = errors.New("message exceeds maximum frame size")
	ErrMalformedFrame  = errors.New("frame is missing the address delimiter")
	ErrMalformedPacket = errors.New("time packet has the wrong length")

	// Socket errors
	ErrSocketSetup     = errors.New("socket setup failed")
	ErrNoLocalAddress  = errors.New("no usable local IPv4 address")
	ErrEndpointClosed  = errors.New("endpoint is closed")
	ErrUnknownEndpoint = errors.New("no endpoint bound for role")

	// Protocol errors
	ErrStageTimedOut   = errors.New("session stage timed out")
	ErrElectionStalled = errors.New("election stalled: every peer kept declining")
	ErrMatchAborted    = errors.New("opponent withdrew before the match started")
	ErrNoCoordinator   = errors.New("coordinator address is not known")
	ErrNoReply         = errors.New("time server did not reply")

	// Session errors
	ErrStageOrder      = errors.New("session stage called before its predecessor")
	ErrSessionNotFound = errors.New("session not found")
)
