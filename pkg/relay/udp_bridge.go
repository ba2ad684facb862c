package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/kulfi-go/kulfi/internal/obslog"
	"github.com/kulfi-go/kulfi/pkg/broker"
	"github.com/kulfi-go/kulfi/pkg/ovproto"
)

// udpSession is one client's relayed stream: datagrams read from the
// shared local socket for this client address are pushed onto outbound;
// the session goroutine owns the overlay stream and drains both
// directions until the peer finishes it.
type udpSession struct {
	outbound chan []byte
}

// BridgeUDP listens on conn and, for each distinct client SocketAddr it
// sees, opens one Udp-tagged stream to peerID52 via b and relays
// datagrams in both directions for the lifetime of that stream. A session
// is keyed by the client's address; it ends when the peer finishes the
// stream, matching the core's "no explicit client-initiated close"
// behavior.
func BridgeUDP(ctx context.Context, conn *net.UDPConn, peerID52 string, b *broker.StreamBroker, logger *slog.Logger) error {
	log := obslog.Component(logger, "relay.udp-bridge")
	sessions := NewUDPSessions()

	var activeMu sync.Mutex
	active := make(map[string]*udpSession)

	buf := make([]byte, ovproto.MaxDatagramSize)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("relay: udp bridge read: %w", err)
		}
		payload := append([]byte(nil), buf[:n]...)
		key := clientAddr.String()

		activeMu.Lock()
		sess, ok := active[key]
		if !ok {
			sessions.Start(clientAddr)
			sess = &udpSession{outbound: make(chan []byte, 16)}
			active[key] = sess
		}
		activeMu.Unlock()

		select {
		case sess.outbound <- payload:
		default:
			log.Warn("udp bridge: session backlog full, dropping datagram", "client", key)
		}

		if ok {
			continue
		}

		addr := clientAddr
		go func() {
			defer func() {
				sessions.End(addr)
				activeMu.Lock()
				delete(active, key)
				activeMu.Unlock()
			}()
			runUDPSession(ctx, conn, addr, peerID52, b, sess, log)
		}()
	}
}

func runUDPSession(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, peerID52 string, b *broker.StreamBroker, sess *udpSession, log *slog.Logger) {
	stream, err := b.GetStream(ctx, ovproto.Header{Protocol: ovproto.TagUDP}, peerID52)
	if err != nil {
		log.Error("udp bridge: get stream failed", "error", err)
		return
	}

	sessionDone := make(chan struct{})
	writerDone := make(chan struct{})

	// Selects on sessionDone rather than ranging over sess.outbound: the
	// channel is never closed (BridgeUDP's dispatch loop keeps sending to
	// it), so a bare range would block forever once the peer side finishes
	// and no further local datagrams arrive.
	go func() {
		defer close(writerDone)
		for {
			select {
			case payload := <-sess.outbound:
				if err := ovproto.WriteDatagram(stream.Quic, payload); err != nil {
					log.Debug("udp bridge: write datagram", "error", err)
					return
				}
			case <-sessionDone:
				return
			}
		}
	}()

	recv := stream.Frame.IntoReader()
	if err := PeerToLocalUDP(conn, recv, addr); err != nil {
		log.Debug("udp bridge session ended", "error", err)
	}
	close(sessionDone)
	_ = stream.Quic.Close()
	<-writerDone
}
