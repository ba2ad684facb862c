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

var (
	serveListenAddr string
	serveAllowProxy bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the overlay Acceptor for this identity",
	Long: `serve starts the overlay Acceptor. With no flags it only answers
Ping/WhatTimeIsIt, useful to verify an identity is reachable. With
--allow-proxy it also accepts HttpProxy-tagged streams and acts as an exit
node for any peer's "bridge proxy" traffic. Use "expose" to relay one fixed
local TCP/UDP/HTTP service to peers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		log.Info("identity ready", "id52", ep.ID52(), "listen", ep.LocalAddr())

		a := acceptor.New(ep, log)
		if serveAllowProxy {
			pool := httppool.NewManager()
			a.Handle(ovproto.TagHTTPProxy, func(ctx context.Context, remoteID52 string, header ovproto.Header, stream *quic.Stream, frame *ovproto.FrameReader) error {
				return relay.ServeProxyStream(ctx, header, stream, frame, pool, net.Dialer{})
			})
		}

		g := shutdown.New()
		go g.Wait(log)
		a.UseTracker(g)
		return a.Serve(g.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&identityFile, "identity", "", "identity file path (default .kulfi.id52)")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", ":0", "local UDP address to bind")
	serveCmd.Flags().BoolVar(&serveAllowProxy, "allow-proxy", false, "accept HttpProxy-tagged streams and act as a forward-proxy exit node")
}
