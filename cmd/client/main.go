package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pixperk/roomchat/client"
	"github.com/pixperk/roomchat/config"
	"github.com/pixperk/roomchat/transport"
)

const dialTimeout = 10 * time.Second

var (
	transportFlag string
	usernameFlag  string
	noColor       bool
)

var rootCmd = &cobra.Command{
	Use:   "client <server_ip> [port]",
	Short: "Terminal client for the chat server",
	Long: `Connects to a chat server and joins it under a username.

Commands once connected:
  <text>              send to everyone in your room
  /pm <user> <text>   private message
  /join <room>        switch rooms
  /exit               leave the chat`,
	Args:          cobra.RangeArgs(1, 2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runClient,
}

func init() {
	rootCmd.Flags().StringVar(&transportFlag, "transport", string(transport.TCP), "Transport: tcp, websocket or quic")
	rootCmd.Flags().StringVar(&usernameFlag, "username", "", "Username to join with (prompted when empty)")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable coloured output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintln(os.Stderr, rootCmd.UsageString())
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	port := config.DefaultPort
	if len(args) == 2 {
		p, err := strconv.Atoi(args[1])
		if err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("invalid port %q", args[1])
		}
		port = p
	}
	kind, err := transport.ParseKind(transportFlag)
	if err != nil {
		return err
	}

	c := client.New(net.JoinHostPort(args[0], strconv.Itoa(port)), kind, os.Stdin, os.Stdout)
	c.Username = usernameFlag
	if noColor || color.NoColor {
		c.DisableColor()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	err = c.Connect(dialCtx)
	dialCancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer c.Close()

	if err := c.Join(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println("\nReceived shutdown signal...")
			return nil
		}
		return err
	}

	if err := c.Run(ctx); err != nil && !errors.Is(err, client.ErrServerClosed) {
		return err
	}
	return nil
}
