// Package main is the dbmcp-gateway entry point: a cobra root command
// with "serve" and "version" subcommands, grounded on
// Denis-Chistyakov-Saltare/internal/gateway/cli/commands.go's RootCmd/
// versionCmd shape and cmd/saltare/main.go's signal-driven shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arxiv-labs/dbmcp-gateway/internal/config"
	"github.com/arxiv-labs/dbmcp-gateway/internal/orchestrator"
	"github.com/arxiv-labs/dbmcp-gateway/internal/version"
)

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "dbmcp-gateway — a JSON-RPC gateway exposing a relational database over MCP",
	// With no subcommand, serve — matching cmd/saltare/main.go's "first arg
	// isn't a known subcommand" dispatch into server mode.
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("dbmcp-gateway %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway's configured transports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd, serveCmd)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("transport", string(cfg.Transport)).
		Str("auth_mode", string(cfg.AuthMode)).
		Str("session_mode", string(cfg.SessionMode)).
		Bool("tls_enabled", cfg.TLSEnabled).
		Interface("database", cfg.Database.Redacted()).
		Msg("starting dbmcp-gateway")

	gw := orchestrator.New(cfg)
	if err := gw.Start(); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := gw.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("gateway shutdown reported an error")
		return err
	}

	log.Info().Msg("dbmcp-gateway stopped")
	return nil
}
