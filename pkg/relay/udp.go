package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/kulfi-go/kulfi/pkg/ovproto"
)

// LocalToPeerUDP listens on a UDP socket and frames every datagram it
// receives onto streamSend. The source address is ignored: datagrams from
// different local clients all go onto the one stream, unseparated. It loops
// until the local socket or stream errors.
func LocalToPeerUDP(conn *net.UDPConn, streamSend io.Writer) error {
	buf := make([]byte, ovproto.MaxDatagramSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("relay: udp read: %w", err)
		}
		if err := ovproto.WriteDatagram(streamSend, buf[:n]); err != nil {
			return fmt.Errorf("relay: udp frame write: %w", err)
		}
	}
}

// PeerToLocalUDP reads framed datagrams from streamRecv and forwards each
// to clientAddr over conn, until the remote side finishes the stream
// (teardown is driven by the remote closing; there is no separate
// client-initiated close signal in this protocol).
func PeerToLocalUDP(conn *net.UDPConn, streamRecv io.Reader, clientAddr *net.UDPAddr) error {
	for {
		payload, err := ovproto.ReadDatagram(streamRecv)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("relay: udp frame read: %w", err)
		}
		if _, err := conn.WriteToUDP(payload, clientAddr); err != nil {
			return fmt.Errorf("relay: udp write to client: %w", err)
		}
	}
}

// ServeUDPExit relays one accepted Udp-tagged overlay stream to a local UDP
// service at targetAddr: datagrams framed on the stream are forwarded to
// targetAddr, and targetAddr's replies are framed back onto the stream.
// This is the exit-node (peer-to-local) side; BridgeUDP is its
// local-to-peer counterpart.
func ServeUDPExit(streamSend io.Writer, streamRecv io.Reader, targetAddr string) error {
	conn, err := net.Dial("udp", targetAddr)
	if err != nil {
		return fmt.Errorf("relay: udp exit dial %s: %w", targetAddr, err)
	}
	defer func() { _ = conn.Close() }()

	errCh := make(chan error, 2)

	go func() {
		buf := make([]byte, ovproto.MaxDatagramSize)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errCh <- err
				return
			}
			if err := ovproto.WriteDatagram(streamSend, buf[:n]); err != nil {
				errCh <- err
				return
			}
		}
	}()

	go func() {
		for {
			payload, err := ovproto.ReadDatagram(streamRecv)
			if err != nil {
				errCh <- err
				return
			}
			if _, err := conn.Write(payload); err != nil {
				errCh <- err
				return
			}
		}
	}()

	err = <-errCh
	if err == io.EOF {
		return nil
	}
	return err
}

// UDPSessions tracks one relay session per local client address, so a
// single local UDP listener can front many overlay peers/streams
// concurrently without datagrams from different clients crossing streams.
// A session is keyed by the client's SocketAddr; teardown is driven by the
// remote side finishing the stream, there is no explicit client-initiated
// close.
type UDPSessions struct {
	mu       sync.Mutex
	byClient map[string]struct{}
}

// NewUDPSessions builds an empty session tracker.
func NewUDPSessions() *UDPSessions {
	return &UDPSessions{byClient: make(map[string]struct{})}
}

// Start registers addr as active, returning false if a session for addr
// already exists.
func (s *UDPSessions) Start(addr *net.UDPAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := addr.String()
	if _, ok := s.byClient[key]; ok {
		return false
	}
	s.byClient[key] = struct{}{}
	return true
}

// End removes addr's session, called once PeerToLocalUDP returns.
func (s *UDPSessions) End(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byClient, addr.String())
}
