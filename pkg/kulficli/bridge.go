package kulficli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/kulfi-go/kulfi/pkg/broker"
	"github.com/kulfi-go/kulfi/pkg/overlay"
	"github.com/kulfi-go/kulfi/pkg/ovproto"
	"github.com/kulfi-go/kulfi/pkg/relay"
	"github.com/kulfi-go/kulfi/pkg/shutdown"
)

var (
	bridgePeer   string
	bridgeListen string
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge http|tcp|udp|proxy",
	Short: "Listen locally and relay every connection to a peer over the overlay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := args[0]
		if bridgePeer == "" && kind != "http" {
			return fmt.Errorf("--peer is required")
		}

		log := newLogger()
		kp, err := loadIdentity(identityFile)
		if err != nil {
			return err
		}

		ep, err := overlay.New(overlay.Config{Identity: kp, ListenAddr: serveListenAddr, Logger: log})
		if err != nil {
			return fmt.Errorf("kulficli: build overlay endpoint: %w", err)
		}
		defer func() { _ = ep.Close() }()

		b := broker.New(ep, log)
		g := shutdown.New()
		go g.Wait(log)

		switch kind {
		case "tcp":
			return bridgeTCP(g.Context(), g, b, log)
		case "http":
			return bridgeHTTP(g.Context(), g, b, log)
		case "udp":
			return bridgeUDP(g.Context(), b, log)
		case "proxy":
			return bridgeProxy(g.Context(), g, b, log)
		default:
			return fmt.Errorf("unknown bridge kind %q, want http, tcp, udp, or proxy", kind)
		}
	},
}

func init() {
	bridgeCmd.Flags().StringVar(&identityFile, "identity", "", "identity file path (default .kulfi.id52)")
	bridgeCmd.Flags().StringVar(&serveListenAddr, "listen", ":0", "local overlay UDP address to bind")
	bridgeCmd.Flags().StringVar(&bridgePeer, "peer", "", "peer id52 to relay to (http: optional, restricts which Host-header identity is served; required for tcp/udp/proxy)")
	bridgeCmd.Flags().StringVar(&bridgeListen, "bind", "127.0.0.1:8080", "local address to listen on for incoming client connections")
}

func bridgeTCP(ctx context.Context, g *shutdown.Graceful, b *broker.StreamBroker, log *slog.Logger) error {
	ln, err := net.Listen("tcp", bridgeListen)
	if err != nil {
		return fmt.Errorf("kulficli: bridge tcp listen: %w", err)
	}
	defer func() { _ = ln.Close() }()
	log.Info("tcp bridge listening", "addr", ln.Addr(), "peer", bridgePeer)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("accept failed", "error", err)
			continue
		}
		done := g.Track()
		go func() {
			defer done()
			defer func() { _ = conn.Close() }()
			stream, err := b.GetStream(ctx, ovproto.Header{Protocol: ovproto.TagTCP}, bridgePeer)
			if err != nil {
				log.Error("get stream failed", "error", err)
				return
			}
			if err := relay.PipeTCP(conn, stream.Quic, stream.Frame.IntoReader()); err != nil {
				log.Error("pipe failed", "error", err)
			}
		}()
	}
}

func bridgeHTTP(ctx context.Context, g *shutdown.Graceful, b *broker.StreamBroker, log *slog.Logger) error {
	log.Info("http bridge listening", "addr", bridgeListen, "peer", bridgePeer)
	var allowed []string
	if bridgePeer != "" {
		allowed = []string{bridgePeer}
	}
	server := &http.Server{
		Addr: bridgeListen,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer g.Track()()
			peer, err := relay.HostID52(r.Host, allowed...)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			resp, err := relay.LocalToPeer(r.Context(), b, peer, r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			defer func() { _ = resp.Body.Close() }()
			for k, vs := range resp.Header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			buf := make([]byte, 64*1024)
			for {
				n, rerr := resp.Body.Read(buf)
				if n > 0 {
					_, _ = w.Write(buf[:n])
				}
				if rerr != nil {
					return
				}
			}
		}),
	}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("kulficli: http bridge: %w", err)
	}
	return nil
}

func bridgeUDP(ctx context.Context, b *broker.StreamBroker, log *slog.Logger) error {
	addr, err := net.ResolveUDPAddr("udp", bridgeListen)
	if err != nil {
		return fmt.Errorf("kulficli: resolve udp bind addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("kulficli: udp bridge listen: %w", err)
	}
	defer func() { _ = conn.Close() }()
	log.Info("udp bridge listening", "addr", conn.LocalAddr(), "peer", bridgePeer)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	return relay.BridgeUDP(ctx, conn, bridgePeer, b, nil)
}

func bridgeProxy(ctx context.Context, g *shutdown.Graceful, b *broker.StreamBroker, log *slog.Logger) error {
	log.Info("http proxy bridge listening", "addr", bridgeListen, "peer", bridgePeer)
	server := &http.Server{
		Addr: bridgeListen,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer g.Track()()
			if r.Method == http.MethodConnect {
				handleConnect(ctx, b, w, r, log)
				return
			}
			resp, err := relay.ProxyHTTPRequest(r.Context(), b, bridgePeer, r.Host, r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			defer func() { _ = resp.Body.Close() }()
			for k, vs := range resp.Header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			buf := make([]byte, 64*1024)
			for {
				n, rerr := resp.Body.Read(buf)
				if n > 0 {
					_, _ = w.Write(buf[:n])
				}
				if rerr != nil {
					return
				}
			}
		}),
	}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("kulficli: http proxy bridge: %w", err)
	}
	return nil
}

func handleConnect(ctx context.Context, b *broker.StreamBroker, w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	stream, err := relay.DialConnectProxy(ctx, b, bridgePeer, r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = clientConn.Close()
		return
	}

	if err := relay.PipeTCP(clientConn, stream.Quic, stream.Frame.IntoReader()); err != nil {
		log.Error("connect tunnel failed", "error", err)
	}
}
