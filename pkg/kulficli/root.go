// Package kulficli wires the core broker/acceptor/relay/overlay packages
// into a thin cobra-based command surface: flags in, calls into the core's
// public structs, nothing else. It is the external-collaborator surface
// spec.md scopes out of the core itself (identity persistence, CLI, and
// wiring of exposed/bridged services).
package kulficli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kulfi-go/kulfi/internal/obslog"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:           "kulfi",
	Short:         "kulfi exposes and bridges local TCP/UDP/HTTP services over a peer-to-peer overlay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text, json")

	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exposeCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(runCmd)
}

// Execute runs the root command. Called once from cmd/kulfi/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	cfg := obslog.DefaultConfig()
	cfg.Level = obslog.ParseLevel(logLevel)
	cfg.Format = obslog.ParseFormat(logFormat)
	return obslog.New(cfg)
}
