package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pixperk/roomchat/config"
	"github.com/pixperk/roomchat/registry"
	"github.com/pixperk/roomchat/relay"
	"github.com/pixperk/roomchat/transport"
)

const acceptBackoff = 50 * time.Millisecond

type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	reg   *registry.Registry
	relay *relay.Relay

	lis     transport.Listener
	lisOnce sync.Once

	// handler lifetime; canceled when shutdown starts
	ctx    context.Context
	cancel context.CancelFunc

	// live handler connections, so shutdown can interrupt and force-close them
	connsMu  sync.Mutex
	conns    map[transport.Conn]struct{}
	closing  bool
	handlers sync.WaitGroup

	state   atomic.Int32
	stopped chan struct{}
}

func New(cfg *config.Config, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "server"),
		reg:     registry.New(cfg.Capacity),
		relay:   relay.New(cfg.RelayBuffer, cfg.WriteTimeout, logger),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[transport.Conn]struct{}),
		stopped: make(chan struct{}),
	}
}

// Start listens and serves until ctx is canceled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) Listen() error {
	kind := s.cfg.TransportKind()
	lis, err := transport.Listen(kind, s.cfg.ListenAddr, transport.Options{WSPath: s.cfg.WSPath})
	if err != nil {
		return err
	}
	s.lis = lis

	s.logger.Info("chat server listening", "addr", lis.Addr().String(), "transport", kind, "capacity", s.reg.Capacity())
	return nil
}

// Serve runs the relay and the accept loop on a listener opened by Listen.
func (s *Server) Serve(ctx context.Context) error {
	if s.lis == nil {
		return errors.New("server is not listening")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// stopped by Shutdown, never by ctx, so delivery outlives the accept loop
		return s.relay.Run(context.Background())
	})
	g.Go(func() error {
		return s.acceptConns(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.Shutdown()
		case <-s.stopped:
		}
		return nil
	})

	return g.Wait()
}

// Addr is the bound listener address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Clients returns a snapshot of the active registry records.
func (s *Server) Clients() []registry.Record {
	s.reg.Gate.Lock()
	defer s.reg.Gate.Unlock()
	return s.reg.Snapshot()
}

func (s *Server) acceptConns(ctx context.Context) error {
	for {
		conn, err := s.lis.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || ctx.Err() != nil || s.State() != StateRunning {
				return nil
			}
			s.logger.Warn("accept error", "err", err)
			time.Sleep(acceptBackoff)
			continue
		}

		if !s.trackConn(conn) {
			conn.Close()
			continue
		}
		s.logger.Debug("new client connected", "remote", remoteAddr(conn))
		go s.handleConnection(conn)
	}
}

// trackConn registers a handler for conn. It fails once shutdown has begun,
// which keeps handlers.Add from racing with handlers.Wait.
func (s *Server) trackConn(conn transport.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrackConn(conn transport.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) liveConns() []transport.Conn {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	conns := make([]transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) closeListener() {
	s.lisOnce.Do(func() {
		if s.lis == nil {
			return
		}
		if err := s.lis.Close(); err != nil {
			s.logger.Debug("listener close", "err", err)
		}
	})
}

func remoteAddr(conn transport.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}
