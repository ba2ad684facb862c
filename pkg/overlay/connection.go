package overlay

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"

	"github.com/quic-go/quic-go"

	"github.com/kulfi-go/kulfi/pkg/ovproto"
)

// Connection is one long-lived overlay connection to a single peer,
// carrying many multiplexed bidirectional streams.
type Connection struct {
	quicConn   *quic.Conn
	remoteID52 string
	traceID    string
	log        *slog.Logger
}

// RemoteID52 returns the verified identity of the peer on the other end.
func (c *Connection) RemoteID52() string { return c.remoteID52 }

// TraceID returns this connection's unique id, attached to the Endpoint's
// and the Acceptor's log lines about it. Each side mints its own id when it
// dials or accepts, so the id is local to one process.
func (c *Connection) TraceID() string { return c.traceID }

// OpenStream opens a new bidirectional stream on this connection.
func (c *Connection) OpenStream(ctx context.Context) (*quic.Stream, error) {
	s, err := c.quicConn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("overlay: open stream: %w", err)
	}
	return s, nil
}

// AcceptStream blocks until the peer opens a new bidirectional stream.
func (c *Connection) AcceptStream(ctx context.Context) (*quic.Stream, error) {
	s, err := c.quicConn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("overlay: accept stream: %w", err)
	}
	return s, nil
}

// Ping opens a fresh stream, writes a Ping header, and waits for the
// literal "pong" reply. Used both as the Connection Manager's idle-liveness
// probe and as a directly-callable round-trip operation.
func (c *Connection) Ping(ctx context.Context) error {
	s, err := c.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	header, err := ovproto.EncodeHeader(ovproto.Header{Protocol: ovproto.TagPing})
	if err != nil {
		return fmt.Errorf("overlay: ping encode: %w", err)
	}
	if _, err := s.Write(append(header, '\n')); err != nil {
		return fmt.Errorf("overlay: ping write: %w", err)
	}

	line, err := bufio.NewReader(s).ReadString('\n')
	if err != nil {
		return fmt.Errorf("overlay: ping read: %w", err)
	}
	line = line[:len(line)-1]
	if line != ovproto.Pong {
		return fmt.Errorf("overlay: ping expected %q, got %q", ovproto.Pong, line)
	}
	return nil
}

// CloseWithError tears down the connection immediately. The Connection
// Manager never calls this, not even after a fatal error, so in-flight
// sibling streams get a chance to finish.
func (c *Connection) CloseWithError(code uint64, reason string) error {
	return c.quicConn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}
