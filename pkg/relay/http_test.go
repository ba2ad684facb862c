package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/kulfi-go/kulfi/internal/id52"
	"github.com/kulfi-go/kulfi/pkg/broker"
	"github.com/kulfi-go/kulfi/pkg/httppool"
	"github.com/kulfi-go/kulfi/pkg/overlay"
	"github.com/kulfi-go/kulfi/pkg/ovproto"
)

func newRelayPeer(t *testing.T) (*overlay.Endpoint, *quic.Listener) {
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

// serveHTTPExitNode accepts one connection on ln and, for every stream
// tagged Http, acks the header the way the Acceptor does and relays it to
// localAddr via PeerToLocal.
func serveHTTPExitNode(t *testing.T, ep *overlay.Endpoint, ln *quic.Listener, pool *httppool.Manager, localAddr string) {
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
				frame := ovproto.NewFrameReader(s)
				line, err := frame.ReadLine()
				if err != nil {
					return
				}
				hdr, err := ovproto.DecodeHeader([]byte(line))
				if err != nil || hdr.Protocol != ovproto.TagHTTP {
					return
				}
				if _, err := s.Write([]byte(ovproto.Ack + "\n")); err != nil {
					return
				}
				_ = PeerToLocal(s, frame, pool, localAddr)
			}(s)
		}
	}()
}

func TestHTTPRelayRoundTrip(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "kulfi-exit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from origin"))
	}))
	defer origin.Close()

	pool := httppool.NewManager()
	server, ln := newRelayPeer(t)
	serveHTTPExitNode(t, server, ln, pool, origin.Listener.Addr().String())

	client, _ := newRelayPeer(t)
	b := broker.New(client, nil)

	req, err := http.NewRequest(http.MethodGet, "/hello", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := LocalToPeer(ctx, b, server.ID52(), req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "kulfi-exit", resp.Header.Get("X-Origin"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello from origin", string(body))
}

func TestHTTPRelayUnreachableLocalService(t *testing.T) {
	pool := httppool.NewManager()
	server, ln := newRelayPeer(t)
	// Nothing listening on this address.
	serveHTTPExitNode(t, server, ln, pool, "127.0.0.1:1")

	client, _ := newRelayPeer(t)
	b := broker.New(client, nil)

	req, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := LocalToPeer(ctx, b, server.ID52(), req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHostID52ExtractsLabel(t *testing.T) {
	id := "01234567890123456789012345678901234567890123456789ab"
	require.Len(t, id, 52)

	got, err := HostID52(id + ".kulfi:8080")
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = HostID52("too-short.kulfi")
	require.Error(t, err)

	_, err = HostID52(id+".kulfi", "some-other-id")
	require.Error(t, err)
}
