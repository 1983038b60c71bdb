// Package transport hides how a chat line stream reaches the server. TCP is
// the native transport; QUIC and WebSocket carry the same newline-delimited
// frames.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

type Kind string

const (
	TCP       Kind = "tcp"
	QUIC      Kind = "quic"
	WebSocket Kind = "websocket"

	DefaultWSPath = "/chat"
	alpn          = "roomchat"
)

var (
	ErrUnknownKind    = errors.New("unknown transport")
	ErrListenerClosed = errors.New("listener closed")
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case TCP, QUIC, WebSocket:
		return Kind(s), nil
	case "ws":
		return WebSocket, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Conn is one client line stream. net.Conn satisfies it.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

type Options struct {
	WSPath string
	// TLS is used by QUIC; a self-signed config is generated when nil.
	TLS *tls.Config
}

func (o Options) wsPath() string {
	if o.WSPath == "" {
		return DefaultWSPath
	}
	return o.WSPath
}

func Listen(kind Kind, addr string, opts Options) (Listener, error) {
	switch kind {
	case TCP:
		return listenTCP(addr)
	case QUIC:
		return listenQUIC(addr, opts)
	case WebSocket:
		return listenWebSocket(addr, opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func Dial(ctx context.Context, kind Kind, addr string, opts Options) (Conn, error) {
	switch kind {
	case TCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		return conn, nil
	case QUIC:
		return dialQUIC(ctx, addr, opts)
	case WebSocket:
		return dialWebSocket(ctx, addr, opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}
