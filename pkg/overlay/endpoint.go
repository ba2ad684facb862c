// Package overlay wraps quic-go as the concrete transport underneath the
// node-identity scheme: a process-lifetime Endpoint bound to one Ed25519
// identity that can both dial peers by id52 and accept incoming overlay
// connections, each secured by a self-signed certificate whose public key
// carries the node's identity.
package overlay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/kulfi-go/kulfi/internal/id52"
	"github.com/kulfi-go/kulfi/internal/obslog"
	"github.com/kulfi-go/kulfi/internal/kulfierr"
)

// ALPN is the single application-layer-protocol-negotiation tag used for
// every overlay connection.
const ALPN = "/kulfi/identity/0.1"

// idleTimeout and keepAlive bound the raw QUIC connection; they are
// independent of the Connection Manager's own 12s/5-tick application-level
// idle policy (pkg/broker), which governs when a healthy connection is
// voluntarily retired rather than when the transport itself times out.
const (
	idleTimeout = 30 * time.Second
	keepAlive   = 10 * time.Second
)

// Endpoint is a process-lifetime (or per-identity) handle to the overlay
// network, bound under one identity.
type Endpoint struct {
	keyPair   *id52.KeyPair
	transport *quic.Transport
	tlsConfig *tls.Config
	log       *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Config configures a new Endpoint.
type Config struct {
	// Identity is the node's keypair. Required.
	Identity *id52.KeyPair

	// ListenAddr is the local UDP address to bind. Defaults to ":0"
	// (ephemeral port, all interfaces) — NAT traversal and discovery of
	// the externally reachable address are the transport library's
	// concern, not this package's.
	ListenAddr string

	Logger *slog.Logger
}

// New binds a UDP socket and returns an Endpoint ready to Dial and Accept.
func New(cfg Config) (*Endpoint, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("overlay: identity is required")
	}
	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":0"
	}
	log := obslog.Component(cfg.Logger, "overlay")

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("overlay: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("overlay: listen udp: %w", err)
	}

	tlsCert, err := selfSignedCert(cfg.Identity)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("overlay: build identity certificate: %w", err)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ALPN},
		// The overlay's trust model is "the peer proves it owns the secret
		// key behind the id52 it claims", not X.509 chain validation, so
		// every certificate is self-signed and accepted here; the identity
		// check happens afterwards by deriving id52 from the peer's leaf
		// certificate public key (see RemoteID52).
		InsecureSkipVerify: true,
		ClientAuth:         tls.RequireAnyClientCert,
	}

	return &Endpoint{
		keyPair: cfg.Identity,
		transport: &quic.Transport{
			Conn: conn,
		},
		tlsConfig: tlsConf,
		log:       log,
	}, nil
}

// ID52 returns this endpoint's own node identity.
func (e *Endpoint) ID52() string { return e.keyPair.ID52 }

// LocalAddr returns the bound UDP address.
func (e *Endpoint) LocalAddr() net.Addr { return e.transport.Conn.LocalAddr() }

// Dial opens an overlay connection to the peer identified by peerID52.
func (e *Endpoint) Dial(ctx context.Context, peerID52 string) (*Connection, error) {
	if _, err := id52.Decode(peerID52); err != nil {
		return nil, fmt.Errorf("overlay: %w: invalid peer id %q: %v", kulfierr.ErrUnreachable, peerID52, err)
	}

	quicConf := &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: keepAlive,
	}

	// The destination UDP address is resolved by the transport library in
	// a real deployment (NAT traversal / relay / discovery); here it is
	// looked up in the process-wide address registry (RegisterAddr), which
	// covers same-process and same-host topologies only.
	addrStr, err := resolvePeerAddr(peerID52)
	if err != nil {
		return nil, fmt.Errorf("overlay: %w: %v", kulfierr.ErrUnreachable, err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addrStr)
	if err != nil {
		return nil, fmt.Errorf("overlay: %w: resolve %s: %v", kulfierr.ErrUnreachable, addrStr, err)
	}

	conn, err := e.transport.Dial(ctx, udpAddr, e.tlsConfig, quicConf)
	if err != nil {
		return nil, fmt.Errorf("overlay: %w: dial %s: %v", kulfierr.ErrUnreachable, peerID52, err)
	}

	remoteID, err := RemoteID52(conn)
	if err != nil {
		_ = conn.CloseWithError(0, "identity verification failed")
		return nil, fmt.Errorf("overlay: %w: %v", kulfierr.ErrUnreachable, err)
	}

	traceID := uuid.NewString()
	connLog := e.log.With("conn_id", traceID, "peer", remoteID)
	connLog.Info("connection dialed")

	return &Connection{quicConn: conn, remoteID52: remoteID, traceID: traceID, log: connLog}, nil
}

// Listen starts a QUIC listener on the endpoint's transport. Pass it to
// Accept to receive each incoming Connection; the caller closes it. ctx is
// not used.
func (e *Endpoint) Listen(ctx context.Context) (*quic.Listener, error) {
	quicConf := &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: keepAlive,
	}
	ln, err := e.transport.Listen(e.tlsConfig, quicConf)
	if err != nil {
		return nil, fmt.Errorf("overlay: listen: %w", err)
	}
	return ln, nil
}

// Accept accepts one incoming overlay connection from ln and verifies the
// peer's identity.
func (e *Endpoint) Accept(ctx context.Context, ln *quic.Listener) (*Connection, error) {
	qc, err := ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("overlay: accept: %w", err)
	}
	remoteID, err := RemoteID52(qc)
	if err != nil {
		_ = qc.CloseWithError(0, "identity verification failed")
		return nil, fmt.Errorf("overlay: %w: %v", kulfierr.ErrProtocolViolation, err)
	}

	traceID := uuid.NewString()
	connLog := e.log.With("conn_id", traceID, "peer", remoteID)
	connLog.Info("connection accepted")

	return &Connection{quicConn: qc, remoteID52: remoteID, traceID: traceID, log: connLog}, nil
}

// Close releases the bound socket. In-flight connections are not force
// closed; callers coordinate that via pkg/shutdown.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.transport.Close()
}

// RemoteID52 derives the peer's node identity from the Ed25519 public key
// embedded in its TLS leaf certificate.
func RemoteID52(conn *quic.Conn) (string, error) {
	state := conn.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("overlay: peer presented no certificate")
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("overlay: peer certificate key is not Ed25519")
	}
	return id52.Encode(pub)
}

// selfSignedCert builds a TLS certificate whose subject public key IS the
// node's Ed25519 identity key, so the peer can recover id52 straight from
// the handshake without a separate identity exchange.
func selfSignedCert(kp *id52.KeyPair) (tls.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
		Subject:      pkixNameFor(kp.ID52),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, kp.Public, kp.Secret)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  kp.Secret,
	}, nil
}
