// Package broker implements the Stream Broker and the per-(self, peer)
// Connection Manager it supervises: the serialized mailbox that owns one
// overlay connection, health-checks it via the protocol handshake, and
// retires it after a bounded idle period.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kulfi-go/kulfi/internal/kulfierr"
	"github.com/kulfi-go/kulfi/internal/obslog"
	"github.com/kulfi-go/kulfi/pkg/overlay"
	"github.com/kulfi-go/kulfi/pkg/ovproto"
)

// Stream is what StreamBroker.GetStream hands back: a bidirectional stream
// whose header has already been written and whose ack has already been
// consumed.
type Stream struct {
	Quic  streamWriteCloser
	Frame *ovproto.FrameReader
}

// streamWriteCloser is the subset of *quic.Stream the broker needs; kept
// as an interface so tests can substitute an in-memory pipe.
type streamWriteCloser interface {
	Write([]byte) (int, error)
	Close() error
}

type streamRequest struct {
	header ovproto.Header
	reply  chan streamResult
}

type streamResult struct {
	stream *Stream
	err    error
}

type peerKey struct {
	self string
	peer string
}

// StreamBroker is the public entry point: GetStream locates or spawns the
// Connection Manager for (self, peer) and returns a ready stream.
type StreamBroker struct {
	endpoint *overlay.Endpoint

	mu      sync.Mutex
	senders map[peerKey]chan streamRequest

	log *slog.Logger

	// mailboxCapacity is the Connection Manager's bounded channel size.
	// Spec default is 1 (backpressure intentional); tests may override.
	mailboxCapacity int
}

// New builds a StreamBroker bound to endpoint (this process's identity).
func New(endpoint *overlay.Endpoint, logger *slog.Logger) *StreamBroker {
	return &StreamBroker{
		endpoint:        endpoint,
		senders:         make(map[peerKey]chan streamRequest),
		log:             obslog.Component(logger, "broker"),
		mailboxCapacity: 1,
	}
}

// GetStream returns a fresh, ACK-confirmed bidirectional stream tagged
// header to peerID52, locating or spawning the Connection Manager that
// owns the underlying overlay connection for (self, peer).
func (b *StreamBroker) GetStream(ctx context.Context, header ovproto.Header, peerID52 string) (*Stream, error) {
	sender := b.senderFor(peerID52)

	reply := make(chan streamResult, 1)
	select {
	case sender <- streamRequest{header: header, reply: reply}:
	case <-ctx.Done():
		return nil, fmt.Errorf("broker: %w", kulfierr.ErrCancelled)
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return nil, res.err
		}
		return res.stream, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("broker: %w", kulfierr.ErrCancelled)
	}
}

// senderFor returns the existing mailbox for (self, peer) or spawns a new
// Connection Manager and registers its mailbox. The critical section is
// lookup-or-insert only; the connection itself is built outside the lock,
// inside the spawned manager goroutine.
func (b *StreamBroker) senderFor(peerID52 string) chan streamRequest {
	key := peerKey{self: b.endpoint.ID52(), peer: peerID52}

	b.mu.Lock()
	if s, ok := b.senders[key]; ok {
		b.mu.Unlock()
		return s
	}

	sender := make(chan streamRequest, b.mailboxCapacity)
	b.senders[key] = sender
	b.mu.Unlock()

	cm := &connectionManager{
		endpoint: b.endpoint,
		peerID52: peerID52,
		receiver: sender,
		log:      b.log.With("peer", peerID52),
	}

	go func() {
		cm.run()

		b.mu.Lock()
		if b.senders[key] == sender {
			delete(b.senders, key)
		}
		b.mu.Unlock()
	}()

	return sender
}

// connectionManager owns one overlay connection for one (self, peer) pair
// and answers stream requests from its mailbox serially.
type connectionManager struct {
	endpoint *overlay.Endpoint
	peerID52 string
	receiver chan streamRequest
	log      *slog.Logger
}

const (
	idleTick      = 12 * time.Second
	idleTickLimit = 5
)

func (cm *connectionManager) run() {
	if err := cm.runLoop(); err != nil {
		cm.log.Error("connection manager worker error", "error", err)
		cm.drainWithError(err)
		return
	}
	cm.log.Info("connection manager closed")
}

func (cm *connectionManager) runLoop() error {
	ctx := context.Background()

	conn, err := cm.dialWithBoundedRetry(ctx)
	if err != nil {
		return err
	}

	idleCounter := 0
	timer := time.NewTimer(idleTick)
	defer timer.Stop()

	for {
		if idleCounter > idleTickLimit-1 {
			cm.log.Info("connection idle timeout, retiring")
			return nil
		}

		select {
		case <-timer.C:
			if err := conn.Ping(ctx); err != nil {
				cm.log.Error("idle ping failed", "error", err)
				return fmt.Errorf("broker: %w", kulfierr.ErrUnreachable)
			}
			idleCounter++
			timer.Reset(idleTick)

		case req, ok := <-cm.receiver:
			if !ok {
				return nil
			}
			idleCounter = 0
			if err := cm.handleRequest(ctx, conn, req); err != nil {
				// Deliberately do not close conn here: a stream that's
				// already open and healthy should get the chance to
				// finish on its own.
				return err
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idleTick)
		}
	}
}

// dialWithBoundedRetry dials the overlay connection for this manager. A
// failed dial, for any reason, is retried once after 50ms (via
// cenkalti/backoff); if the second attempt also fails, the error surfaces
// as ErrUnreachable to every queued caller.
func (cm *connectionManager) dialWithBoundedRetry(ctx context.Context) (*overlay.Connection, error) {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 1)

	var conn *overlay.Connection
	err := backoff.Retry(func() error {
		c, dialErr := cm.endpoint.Dial(ctx, cm.peerID52)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	}, backoff.WithContext(policy, ctx))

	if err != nil {
		return nil, fmt.Errorf("broker: %w: %v", kulfierr.ErrUnreachable, err)
	}
	return conn, nil
}

func (cm *connectionManager) handleRequest(ctx context.Context, conn *overlay.Connection, req streamRequest) error {
	cm.log.Debug("handling request", "protocol", req.header.Protocol)

	qstream, err := conn.OpenStream(ctx)
	if err != nil {
		replyErr := fmt.Errorf("broker: %w: %v", kulfierr.ErrStreamOpenFailed, err)
		req.reply <- streamResult{err: replyErr}
		return replyErr
	}

	headerBytes, err := ovproto.EncodeHeader(req.header)
	if err != nil {
		replyErr := fmt.Errorf("broker: %w: %v", kulfierr.ErrProtocolViolation, err)
		req.reply <- streamResult{err: replyErr}
		return replyErr
	}

	if _, err := qstream.Write(append(headerBytes, '\n')); err != nil {
		replyErr := fmt.Errorf("broker: %w: %v", kulfierr.ErrStreamOpenFailed, err)
		req.reply <- streamResult{err: replyErr}
		return replyErr
	}

	frame := ovproto.NewFrameReader(qstream)
	line, err := frame.ReadLine()
	if err != nil {
		replyErr := fmt.Errorf("broker: %w: %v", kulfierr.ErrHandshakeFailed, err)
		req.reply <- streamResult{err: replyErr}
		return replyErr
	}
	if line != ovproto.Ack {
		replyErr := fmt.Errorf("broker: %w: got %q", kulfierr.ErrHandshakeFailed, line)
		req.reply <- streamResult{err: replyErr}
		return replyErr
	}

	req.reply <- streamResult{stream: &Stream{Quic: qstream, Frame: frame}}
	return nil
}

// drainWithError answers every already-queued request with err, after the
// manager has fatally failed. The mailbox channel is not closed; the
// registry entry is removed by the goroutine in senderFor only after run
// (and so this drain) has returned.
func (cm *connectionManager) drainWithError(cause error) {
	for {
		select {
		case req, ok := <-cm.receiver:
			if !ok {
				return
			}
			req.reply <- streamResult{err: fmt.Errorf("broker: failed to create connection: %w", cause)}
		default:
			return
		}
	}
}
