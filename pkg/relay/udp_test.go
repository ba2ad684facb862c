package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/kulfi-go/kulfi/pkg/broker"
	"github.com/kulfi-go/kulfi/pkg/overlay"
	"github.com/kulfi-go/kulfi/pkg/ovproto"
)

// serveUDPExitNode accepts one connection on ln and, for every stream
// tagged Udp, acks the header the way the Acceptor does and relays it to
// targetAddr via ServeUDPExit.
func serveUDPExitNode(t *testing.T, ep *overlay.Endpoint, ln *quic.Listener, targetAddr string) {
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
				if err != nil || hdr.Protocol != ovproto.TagUDP {
					return
				}
				if _, err := s.Write([]byte(ovproto.Ack + "\n")); err != nil {
					return
				}
				_ = ServeUDPExit(s, frame.IntoReader(), targetAddr)
			}(s)
		}
	}()
}

func TestUDPBridgeRoundTripsThroughExitNode(t *testing.T) {
	echoAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	echoConn, err := net.ListenUDP("udp", echoAddr)
	require.NoError(t, err)
	defer func() { _ = echoConn.Close() }()

	go func() {
		buf := make([]byte, ovproto.MaxDatagramSize)
		for {
			n, from, err := echoConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = echoConn.WriteToUDP(buf[:n], from)
		}
	}()

	server, ln := newRelayPeer(t)
	serveUDPExitNode(t, server, ln, echoConn.LocalAddr().String())

	client, _ := newRelayPeer(t)
	b := broker.New(client, nil)

	bridgeAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	bridgeConn, err := net.ListenUDP("udp", bridgeAddr)
	require.NoError(t, err)
	defer func() { _ = bridgeConn.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = BridgeUDP(ctx, bridgeConn, server.ID52(), b, nil) }()

	localClient, err := net.DialUDP("udp", nil, bridgeConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer func() { _ = localClient.Close() }()

	payload := []byte("hello over udp")
	_, err = localClient.Write(payload)
	require.NoError(t, err)

	require.NoError(t, localClient.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, len(payload))
	n, err := localClient.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
}
