package kulficli

import (
	"context"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/spf13/cobra"

	"github.com/kulfi-go/kulfi/pkg/acceptor"
	"github.com/kulfi-go/kulfi/pkg/httppool"
	"github.com/kulfi-go/kulfi/pkg/overlay"
	"github.com/kulfi-go/kulfi/pkg/ovproto"
	"github.com/kulfi-go/kulfi/pkg/relay"
	"github.com/kulfi-go/kulfi/pkg/shutdown"
)

var exposeTarget string

var exposeCmd = &cobra.Command{
	Use:   "expose http|tcp|udp",
	Short: "Serve a local TCP/UDP/HTTP service to any peer that dials this identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := args[0]
		if exposeTarget == "" {
			return fmt.Errorf("--target is required (e.g. 127.0.0.1:8080)")
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
		log.Info("exposing local service", "id52", ep.ID52(), "kind", kind, "target", exposeTarget)

		a := acceptor.New(ep, log)
		pool := httppool.NewManager()

		switch kind {
		case "http":
			// Identity-tagged streams are handled identically to Http ones.
			httpHandler := func(ctx context.Context, remoteID52 string, header ovproto.Header, stream *quic.Stream, frame *ovproto.FrameReader) error {
				return relay.PeerToLocal(stream, frame, pool, exposeTarget)
			}
			a.Handle(ovproto.TagHTTP, httpHandler)
			a.Handle(ovproto.TagIdentity, httpHandler)
		case "tcp":
			a.Handle(ovproto.TagTCP, func(ctx context.Context, remoteID52 string, header ovproto.Header, stream *quic.Stream, frame *ovproto.FrameReader) error {
				conn, err := net.Dial("tcp", exposeTarget)
				if err != nil {
					return fmt.Errorf("kulficli: dial local tcp target: %w", err)
				}
				return relay.PipeTCP(conn, stream, frame.IntoReader())
			})
		case "udp":
			a.Handle(ovproto.TagUDP, func(ctx context.Context, remoteID52 string, header ovproto.Header, stream *quic.Stream, frame *ovproto.FrameReader) error {
				return relay.ServeUDPExit(stream, frame.IntoReader(), exposeTarget)
			})
		default:
			return fmt.Errorf("unknown expose kind %q, want http, tcp, or udp", kind)
		}

		g := shutdown.New()
		go g.Wait(log)
		a.UseTracker(g)
		return a.Serve(g.Context())
	},
}

func init() {
	exposeCmd.Flags().StringVar(&identityFile, "identity", "", "identity file path (default .kulfi.id52)")
	exposeCmd.Flags().StringVar(&serveListenAddr, "listen", ":0", "local UDP address to bind")
	exposeCmd.Flags().StringVar(&exposeTarget, "target", "", "local host:port to relay incoming streams to")
}
