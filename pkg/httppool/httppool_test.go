package httppool

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				req, err := http.ReadRequest(bufio.NewReader(c))
				if err != nil {
					return
				}
				resp := &http.Response{
					StatusCode: 200,
					Status:     "200 OK",
					Proto:      "HTTP/1.1",
					ProtoMajor: 1,
					ProtoMinor: 1,
					Header:     make(http.Header),
					Request:    req,
				}
				_ = resp.Write(c)
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestLeaseDialsAndRoundTrips(t *testing.T) {
	addr := startEchoServer(t)
	m := NewManager()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lease, err := m.Lease(ctx, addr)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/", nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(lease.Conn()))

	resp, err := lease.ReadResponse(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	lease.Return()
}

func TestLeaseReuseFromIdlePool(t *testing.T) {
	addr := startEchoServer(t)
	m := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lease1, err := m.Lease(ctx, addr)
	require.NoError(t, err)
	conn1 := lease1.Conn()
	lease1.Return()

	lease2, err := m.Lease(ctx, addr)
	require.NoError(t, err)
	require.Same(t, conn1, lease2.Conn())
}

func TestLeaseDiscardDoesNotReturnToPool(t *testing.T) {
	addr := startEchoServer(t)
	m := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lease1, err := m.Lease(ctx, addr)
	require.NoError(t, err)
	lease1.Discard()

	p := m.poolFor(addr)
	require.Empty(t, p.idle)
}
