package kulficli

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kulfi-go/kulfi/pkg/acceptor"
	"github.com/kulfi-go/kulfi/pkg/httppool"
	"github.com/kulfi-go/kulfi/pkg/kulficonfig"
	"github.com/kulfi-go/kulfi/pkg/overlay"
	"github.com/kulfi-go/kulfi/pkg/ovproto"
	"github.com/kulfi-go/kulfi/pkg/relay"
	"github.com/kulfi-go/kulfi/pkg/shutdown"
)

var runCmd = &cobra.Command{
	Use:   "run config.yaml",
	Short: "Start every active, public service named in a multi-service config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()

		cfg, err := kulficonfig.Load(args[0])
		if err != nil {
			return err
		}

		g := shutdown.New()
		go g.Wait(log)

		eg, ectx := errgroup.WithContext(g.Context())
		pool := httppool.NewManager()
		started := 0

		for name, svc := range cfg.HTTP {
			if !svc.Active || !svc.Public {
				log.Warn("skipping inactive or non-public http service", "name", name)
				continue
			}
			name, svc := name, svc
			started++
			eg.Go(func() error {
				return runExposedService(ectx, g, log, cfg.Identity.File, svc.Identity, "http", name, func(a *acceptor.Acceptor) {
					target := fmt.Sprintf("%s:%d", svc.Host, svc.Port)
					// Identity-tagged streams are handled identically to Http ones.
					httpHandler := func(ctx context.Context, remoteID52 string, header ovproto.Header, stream *quic.Stream, frame *ovproto.FrameReader) error {
						return relay.PeerToLocal(stream, frame, pool, target)
					}
					a.Handle(ovproto.TagHTTP, httpHandler)
					a.Handle(ovproto.TagIdentity, httpHandler)
				})
			})
		}

		for name, svc := range cfg.TCP {
			if !svc.Active || !svc.Public {
				log.Warn("skipping inactive or non-public tcp service", "name", name)
				continue
			}
			name, svc := name, svc
			started++
			eg.Go(func() error {
				return runExposedService(ectx, g, log, cfg.Identity.File, svc.Identity, "tcp", name, func(a *acceptor.Acceptor) {
					target := fmt.Sprintf("%s:%d", svc.Host, svc.Port)
					a.Handle(ovproto.TagTCP, func(ctx context.Context, remoteID52 string, header ovproto.Header, stream *quic.Stream, frame *ovproto.FrameReader) error {
						conn, err := net.Dial("tcp", target)
						if err != nil {
							return fmt.Errorf("kulficli: dial local tcp target: %w", err)
						}
						return relay.PipeTCP(conn, stream, frame.IntoReader())
					})
				})
			})
		}

		for name, svc := range cfg.UDP {
			if !svc.Active || !svc.Public {
				log.Warn("skipping inactive or non-public udp service", "name", name)
				continue
			}
			name, svc := name, svc
			started++
			eg.Go(func() error {
				return runExposedService(ectx, g, log, cfg.Identity.File, svc.Identity, "udp", name, func(a *acceptor.Acceptor) {
					target := fmt.Sprintf("%s:%d", svc.Host, svc.Port)
					a.Handle(ovproto.TagUDP, func(ctx context.Context, remoteID52 string, header ovproto.Header, stream *quic.Stream, frame *ovproto.FrameReader) error {
						return relay.ServeUDPExit(stream, frame.IntoReader(), target)
					})
				})
			})
		}

		if started == 0 {
			return fmt.Errorf("kulficli: no active, public services found in %s", args[0])
		}

		return eg.Wait()
	},
}

// runExposedService loads serviceIdentityFile (falling back to
// defaultIdentityFile), builds one overlay Endpoint and Acceptor for it,
// registers handlers via register, and serves until ctx is cancelled —
// one identity per service, since a single Acceptor dispatches purely by
// protocol tag and cannot front two same-protocol services.
func runExposedService(ctx context.Context, g *shutdown.Graceful, log *slog.Logger, defaultIdentityFile, serviceIdentityFile, kind, name string, register func(*acceptor.Acceptor)) error {
	path := serviceIdentityFile
	if path == "" {
		path = defaultIdentityFile
	}
	kp, err := loadIdentity(path)
	if err != nil {
		return fmt.Errorf("kulficli: load identity for %s service %s: %w", kind, name, err)
	}

	ep, err := overlay.New(overlay.Config{Identity: kp, ListenAddr: ":0", Logger: log})
	if err != nil {
		return fmt.Errorf("kulficli: build overlay endpoint for %s service %s: %w", kind, name, err)
	}
	defer func() { _ = ep.Close() }()

	log.Info("serving", "kind", kind, "name", name, "id52", ep.ID52())

	a := acceptor.New(ep, log)
	a.UseTracker(g)
	register(a)
	return a.Serve(ctx)
}
