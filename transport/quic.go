package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	streamAcceptTimeout = 10 * time.Second
	// closing the connection straight after the last write can drop data the
	// stream has not sent yet; the FIN goes first and the connection follows
	closeLinger = 500 * time.Millisecond
)

var quicConfig = &quic.Config{
	MaxStreamReceiveWindow:     1024 * 1024,
	MaxConnectionReceiveWindow: 4 * 1024 * 1024,
	KeepAlivePeriod:            30 * time.Second,
	MaxIdleTimeout:             5 * time.Minute,
}

// quicConn is one QUIC connection carrying a single bidirectional stream.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	once   sync.Once
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *quicConn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }

func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func (c *quicConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.stream.Close()
		c.stream.CancelRead(0)
		time.AfterFunc(closeLinger, func() {
			c.conn.CloseWithError(0, "closed")
		})
	})
	return err
}

type quicListener struct {
	lis   *quic.Listener
	conns chan Conn

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func listenQUIC(addr string, opts Options) (*quicListener, error) {
	tlsConfig := opts.TLS
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = SelfSignedTLS(); err != nil {
			return nil, fmt.Errorf("failed to generate tls config: %w", err)
		}
	}

	lis, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		lis:    lis,
		conns:  make(chan Conn),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.acceptConns()
	return l, nil
}

func (l *quicListener) acceptConns() {
	for {
		conn, err := l.lis.Accept(l.ctx)
		if err != nil {
			return
		}
		go l.acceptStream(conn)
	}
}

// acceptStream waits for the client's line stream. The stream only shows up
// once the client has written to it.
func (l *quicListener) acceptStream(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, streamAcceptTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return
	}

	select {
	case l.conns <- &quicConn{conn: conn, stream: stream}:
	case <-l.ctx.Done():
		conn.CloseWithError(0, "server closing")
	}
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Addr() net.Addr { return l.lis.Addr() }

func (l *quicListener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.lis.Close()
	})
	return err
}

func dialQUIC(ctx context.Context, addr string, opts Options) (Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLS(opts), quicConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return &quicConn{conn: conn, stream: stream}, nil
}
