package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type tcpListener struct {
	lis net.Listener
}

func listenTCP(addr string) (*tcpListener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &tcpListener{lis: lis}, nil
}

// Accept ignores ctx; closing the listener is what unblocks it.
func (l *tcpListener) Accept(_ context.Context) (Conn, error) {
	conn, err := l.lis.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return conn, nil
}

func (l *tcpListener) Addr() net.Addr { return l.lis.Addr() }
func (l *tcpListener) Close() error   { return l.lis.Close() }
