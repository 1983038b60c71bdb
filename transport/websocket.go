package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// line clients are not browsers
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn maps text messages onto a newline-delimited byte stream: every
// message read gains a trailing newline if it lacks one, and every Write is
// sent as one text message.
type wsConn struct {
	ws  *websocket.Conn
	buf []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if len(msg) == 0 || msg[len(msg)-1] != '\n' {
			msg = append(msg, '\n')
		}
		c.buf = msg
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

type wsListener struct {
	lis   net.Listener
	srv   *http.Server
	conns chan Conn

	closed chan struct{}
	once   sync.Once
}

func listenWebSocket(addr string, opts Options) (*wsListener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l := &wsListener{
		lis:    lis,
		conns:  make(chan Conn),
		closed: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(opts.wsPath(), l.wsHandler)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go l.srv.Serve(lis)
	return l, nil
}

func (l *wsListener) wsHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		return
	}

	select {
	case l.conns <- &wsConn{ws: ws}:
	case <-l.closed:
		ws.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Addr() net.Addr { return l.lis.Addr() }

// Close stops the HTTP server. Upgraded connections are hijacked, so they
// stay open until their owners close them.
func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.srv.Close()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	})
	return err
}

func dialWebSocket(ctx context.Context, addr string, opts Options) (Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: opts.wsPath()}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	return &wsConn{ws: ws}, nil
}
