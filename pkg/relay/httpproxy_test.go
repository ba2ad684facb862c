package relay

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/kulfi-go/kulfi/pkg/broker"
	"github.com/kulfi-go/kulfi/pkg/httppool"
	"github.com/kulfi-go/kulfi/pkg/ovproto"
)

func TestDialConnectProxyTunnelsRawBytes(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = echoLn.Close() }()
	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
	}()

	pool := httppool.NewManager()
	server, ln := newRelayPeer(t)
	go func() {
		ctx := context.Background()
		conn, err := server.Accept(ctx, ln)
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
				if err != nil {
					return
				}
				if _, err := s.Write([]byte(ovproto.Ack + "\n")); err != nil {
					return
				}
				_ = ServeProxyStream(ctx, hdr, s, frame, pool, net.Dialer{})
			}(s)
		}
	}()

	client, _ := newRelayPeer(t)
	b := broker.New(client, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := DialConnectProxy(ctx, b, server.ID52(), echoLn.Addr().String())
	require.NoError(t, err)

	payload := []byte("tunnel-me")
	_, err = stream.Quic.Write(payload)
	require.NoError(t, err)
	_ = stream.Quic.Close()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(stream.Frame.IntoReader(), got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestProxyHTTPRequestRelaysToSelectedTarget(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("proxied body"))
	}))
	defer origin.Close()

	pool := httppool.NewManager()
	server, ln := newRelayPeer(t)
	go func() {
		ctx := context.Background()
		conn, err := server.Accept(ctx, ln)
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
				if err != nil {
					return
				}
				if _, err := s.Write([]byte(ovproto.Ack + "\n")); err != nil {
					return
				}
				_ = ServeProxyStream(ctx, hdr, s, frame, pool, net.Dialer{})
			}(s)
		}
	}()

	client, _ := newRelayPeer(t)
	b := broker.New(client, nil)

	req, err := http.NewRequest(http.MethodGet, "/anything", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := ProxyHTTPRequest(ctx, b, server.ID52(), origin.Listener.Addr().String(), req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "proxied body", string(body))
}
