// Package acceptor runs the server side of the overlay: accepting incoming
// connections, verifying the remote identity, and for every new
// bidirectional stream, answering Ping inline and dispatching everything
// else by its protocol tag.
package acceptor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/kulfi-go/kulfi/internal/obslog"
	"github.com/kulfi-go/kulfi/pkg/overlay"
	"github.com/kulfi-go/kulfi/pkg/ovproto"
)

// StreamHandler processes one dispatched, already-ack'd stream. header is
// the parsed protocol header; frame is positioned right after the header
// line (its IntoReader() has not been called yet, so the handler owns that
// transition). remoteID52 is the verified peer identity for this
// connection.
type StreamHandler func(ctx context.Context, remoteID52 string, header ovproto.Header, stream *quic.Stream, frame *ovproto.FrameReader) error

// Tracker is satisfied by *shutdown.Graceful. Wiring one in makes the
// Acceptor's connection- and stream-serving goroutines count as in-flight
// work for the double-Ctrl-C drain; an Acceptor built without one simply
// doesn't report them.
type Tracker interface {
	Track() func()
}

type noopTracker struct{}

func (noopTracker) Track() func() { return func() {} }

// Acceptor serves one hosted identity's incoming overlay connections.
type Acceptor struct {
	endpoint *overlay.Endpoint
	handlers map[ovproto.Tag]StreamHandler
	log      *slog.Logger
	tracker  Tracker
}

// New builds an Acceptor for endpoint. Register handlers with Handle
// before calling Serve.
func New(endpoint *overlay.Endpoint, logger *slog.Logger) *Acceptor {
	return &Acceptor{
		endpoint: endpoint,
		handlers: make(map[ovproto.Tag]StreamHandler),
		log:      obslog.Component(logger, "acceptor"),
		tracker:  noopTracker{},
	}
}

// UseTracker wires t so every connection- and stream-serving goroutine this
// Acceptor spawns is tracked as in-flight work. Call before Serve.
func (a *Acceptor) UseTracker(t Tracker) {
	if t != nil {
		a.tracker = t
	}
}

// Handle registers the handler invoked for streams tagged with tag. Ping
// and WhatTimeIsIt are handled internally and cannot be overridden.
func (a *Acceptor) Handle(tag ovproto.Tag, h StreamHandler) {
	a.handlers[tag] = h
}

// Serve accepts connections until ctx is cancelled. It returns nil on
// graceful cancellation.
func (a *Acceptor) Serve(ctx context.Context) error {
	ln, err := a.endpoint.Listen(ctx)
	if err != nil {
		return fmt.Errorf("acceptor: listen: %w", err)
	}
	defer func() { _ = ln.Close() }()

	g, gctx := errgroup.WithContext(ctx)

	for gctx.Err() == nil {
		conn, err := a.endpoint.Accept(gctx, ln)
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			a.log.Error("accept failed", "error", err)
			continue
		}

		done := a.tracker.Track()
		g.Go(func() error {
			defer done()
			a.serveConnection(gctx, conn)
			return nil
		})
	}

	_ = g.Wait()
	return nil
}

func (a *Acceptor) serveConnection(ctx context.Context, conn *overlay.Connection) {
	remoteID := conn.RemoteID52()
	log := a.log.With("peer", remoteID, "conn_id", conn.TraceID())
	log.Info("dispatching streams for connection")

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("connection closed", "error", err)
			}
			return
		}
		streamDone := a.tracker.Track()
		go func() {
			defer streamDone()
			a.serveStream(ctx, remoteID, log, stream)
		}()
	}
}

// serveStream loops serving inline Pings on the stream transparently until
// a non-Ping header arrives, then dispatches it once.
func (a *Acceptor) serveStream(ctx context.Context, remoteID string, log *slog.Logger, stream *quic.Stream) {
	frame := ovproto.NewFrameReader(stream)

	for {
		line, err := frame.ReadLine()
		if err != nil {
			return
		}

		header, err := ovproto.DecodeHeader([]byte(line))
		if err != nil {
			a.writeErrorLine(stream, "protocol violation: "+err.Error())
			_ = stream.Close()
			return
		}

		if header.Protocol == ovproto.TagPing {
			if _, err := stream.Write([]byte(ovproto.Pong + "\n")); err != nil {
				return
			}
			continue // acceptor loops, serving further pings transparently
		}

		if header.Protocol == ovproto.TagWhatTimeIsIt {
			if _, err := stream.Write([]byte(ovproto.Ack + "\n")); err != nil {
				return
			}
			now := time.Now().UnixNano()
			if _, err := fmt.Fprintf(stream, "%d\n", now); err != nil {
				log.Debug("whattimeisit write failed", "error", err)
			}
			_ = stream.Close()
			return
		}

		handler, ok := a.handlers[header.Protocol]
		if !ok {
			a.writeErrorLine(stream, fmt.Sprintf("unexpected protocol tag %q", header.Protocol))
			_ = stream.Close()
			return
		}

		if _, err := stream.Write([]byte(ovproto.Ack + "\n")); err != nil {
			return
		}

		if err := handler(ctx, remoteID, header, stream, frame); err != nil {
			log.Error("stream handler failed", "protocol", header.Protocol, "error", err)
		}
		return
	}
}

func (a *Acceptor) writeErrorLine(stream *quic.Stream, msg string) {
	_, _ = fmt.Fprintf(stream, "error: %s\n", msg)
}
