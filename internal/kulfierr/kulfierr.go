// Package kulfierr defines the sentinel error taxonomy shared by the
// overlay, broker, acceptor, and relay packages so callers can branch with
// errors.Is instead of string matching.
package kulfierr

import "errors"

var (
	// ErrUnreachable means an overlay connection to a peer could not be
	// established or re-established.
	ErrUnreachable = errors.New("overlay: peer unreachable")

	// ErrStreamOpenFailed means the connection is alive but a new
	// bidirectional stream could not be opened on it.
	ErrStreamOpenFailed = errors.New("overlay: stream open failed")

	// ErrHandshakeFailed means a stream opened but the peer's ack was
	// missing, wrong, or malformed.
	ErrHandshakeFailed = errors.New("overlay: handshake failed")

	// ErrProtocolViolation means a stream's header was unparseable, used an
	// unknown tag, or carried a payload forbidden for that tag.
	ErrProtocolViolation = errors.New("overlay: protocol violation")

	// ErrLocalServiceUnreachable means the peer-to-local relay could not
	// reach the configured loopback service.
	ErrLocalServiceUnreachable = errors.New("overlay: local service unreachable")

	// ErrBodyStream means a transport error occurred mid-body on either
	// direction of a relay.
	ErrBodyStream = errors.New("overlay: body stream error")

	// ErrCancelled means the operation was abandoned because of graceful
	// shutdown.
	ErrCancelled = errors.New("overlay: cancelled")

	// ErrPermissionDenied means a configuration boundary rejected exposing
	// a service (e.g. the public flag was not set).
	ErrPermissionDenied = errors.New("overlay: permission denied")
)
