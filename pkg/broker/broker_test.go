package broker

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/kulfi-go/kulfi/internal/id52"
	"github.com/kulfi-go/kulfi/pkg/overlay"
	"github.com/kulfi-go/kulfi/pkg/ovproto"
)

// serveAckingPeer accepts one overlay connection on ln and answers every
// stream with ack (or pong for Ping), matching the Acceptor's handshake
// contract without depending on pkg/acceptor.
func serveAckingPeer(t *testing.T, ep *overlay.Endpoint, ln *quic.Listener) {
	t.Helper()
	go func() {
		ctx := context.Background()
		conn, err := ep.Accept(ctx, ln)
		if err != nil {
			return
		}
		for {
			s, err := conn.AcceptStream(ctx)
			if err != nil {
				return
			}
			go func(s *quic.Stream) {
				defer func() { _ = s.Close() }()
				line, err := bufio.NewReader(s).ReadString('\n')
				if err != nil {
					return
				}
				hdr, err := ovproto.DecodeHeader([]byte(line[:len(line)-1]))
				if err != nil {
					return
				}
				if hdr.Protocol == ovproto.TagPing {
					_, _ = s.Write([]byte(ovproto.Pong + "\n"))
					return
				}
				_, _ = s.Write([]byte(ovproto.Ack + "\n"))
			}(s)
		}
	}()
}

func newPeer(t *testing.T) (*overlay.Endpoint, *quic.Listener) {
	t.Helper()
	kp, err := id52.Generate()
	require.NoError(t, err)
	ep, err := overlay.New(overlay.Config{Identity: kp, ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })

	ln, err := ep.Listen(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	overlay.RegisterAddr(ep.ID52(), ep.LocalAddr().String())
	t.Cleanup(func() { overlay.UnregisterAddr(ep.ID52()) })

	return ep, ln
}

func TestGetStreamHandshake(t *testing.T) {
	server, ln := newPeer(t)
	serveAckingPeer(t, server, ln)

	client, _ := newPeer(t)
	b := New(client, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := b.GetStream(ctx, ovproto.Header{Protocol: ovproto.TagTCP}, server.ID52())
	require.NoError(t, err)
	require.NotNil(t, stream)
}

func TestGetStreamConcurrentRequestsShareOneManager(t *testing.T) {
	server, ln := newPeer(t)
	serveAckingPeer(t, server, ln)

	client, _ := newPeer(t)
	b := New(client, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := b.GetStream(ctx, ovproto.Header{Protocol: ovproto.TagTCP}, server.ID52())
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errs)
	}

	b.mu.Lock()
	count := len(b.senders)
	b.mu.Unlock()
	require.Equal(t, 1, count)
}

func TestGetStreamUnreachablePeer(t *testing.T) {
	client, _ := newPeer(t)
	b := New(client, nil)

	kp, err := id52.Generate()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = b.GetStream(ctx, ovproto.Header{Protocol: ovproto.TagTCP}, kp.ID52)
	require.Error(t, err)
}
