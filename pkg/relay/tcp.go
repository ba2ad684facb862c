// Package relay splices overlay streams to local TCP/UDP/HTTP destinations
// in both directions: peer-to-local (Acceptor-side handlers) and
// local-to-peer (bridge-side callers of the Stream Broker).
package relay

import (
	"fmt"
	"io"
	"net"

	"golang.org/x/sync/errgroup"
)

// streamReadWriteCloser is the subset of *quic.Stream (or the broker's
// Stream wrapper) a TCP pipe needs.
type streamReadWriteCloser interface {
	io.Writer
	io.Reader
	Close() error
}

// PipeTCP splices tcpConn with an overlay stream, honoring the framed
// reader's residual buffer: any bytes already read off the stream while
// parsing the protocol header must reach the local socket before the raw
// byte copy begins, or the first bytes of the payload would be lost.
//
// streamRecv is the residual-buffer-aware reader (ovproto.FrameReader's
// IntoReader(), or an equivalent prefix reader); streamSend is the
// stream's write half; tcpConn is the local TCP connection to pipe to.
func PipeTCP(tcpConn net.Conn, streamSend io.Writer, streamRecv io.Reader) error {
	g := errgroup.Group{}

	g.Go(func() error {
		// Flush the framed reader's residual bytes, then continue with
		// the raw stream-to-local copy — this ordering is the entire
		// point of taking streamRecv as a reader that already has the
		// residual bytes prepended.
		_, err := io.Copy(tcpConn, streamRecv)
		if tc, ok := tcpConn.(interface{ CloseWrite() error }); ok {
			_ = tc.CloseWrite()
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("relay: stream->tcp copy: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		_, err := io.Copy(streamSend, tcpConn)
		if closer, ok := streamSend.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("relay: tcp->stream copy: %w", err)
		}
		return nil
	})

	err := g.Wait()
	_ = tcpConn.Close()
	if sc, ok := streamSend.(streamReadWriteCloser); ok {
		_ = sc.Close()
	}
	return err
}
