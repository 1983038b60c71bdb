package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pixperk/roomchat/config"
	"github.com/pixperk/roomchat/logging"
	"github.com/pixperk/roomchat/server"
)

var (
	configFile    string
	addrFlag      string
	transportFlag string
	logLevelFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Multi-user chat server with rooms and private messages",
	Long: `Runs the chat server. Clients connect, send JOIN:<username> as their
first line and then chat in rooms, switch rooms with /join <room>, whisper
with /pm <user> <text> and leave with /exit.

Settings come from an optional YAML file; flags override it.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "YAML configuration file")
	rootCmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address (default :8888)")
	rootCmd.Flags().StringVar(&transportFlag, "transport", "", "Transport: tcp, websocket or quic")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if addrFlag != "" {
		cfg.ListenAddr = addrFlag
	}
	if transportFlag != "" {
		cfg.Transport = transportFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	srv := server.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	return srv.Start(ctx)
}
