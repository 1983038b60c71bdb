package server

import (
	"time"
)

type State int32

const (
	StateRunning State = iota
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting down"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

func (s *Server) State() State {
	return State(s.state.Load())
}

// Stopped is closed once shutdown has completed.
func (s *Server) Stopped() <-chan struct{} {
	return s.stopped
}

// Shutdown tears the server down exactly once. Concurrent and later callers
// block until the first caller has finished.
//
// Sequence, each step bounded:
//  1. stop accepting
//  2. ask every handler to stop: cancel their context and interrupt blocked reads
//  3. wait up to ShutdownTimeout for handlers to return
//  4. force-close leftover connections and wait up to ForceWait more
//  5. stop the relay
//  6. under the Gate, close every still-active socket and free all slots
func (s *Server) Shutdown() {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
		<-s.stopped
		return
	}
	start := time.Now()
	s.logger.Info("shutting down")

	s.closeListener()

	s.connsMu.Lock()
	s.closing = true
	s.connsMu.Unlock()

	s.cancel()
	live := s.liveConns()
	for _, c := range live {
		c.SetReadDeadline(time.Now())
	}

	if !s.waitHandlers(s.cfg.ShutdownTimeout) {
		leftover := s.liveConns()
		s.logger.Warn("handlers still running, forcing close", "count", len(leftover))
		for _, c := range leftover {
			c.Close()
		}
		if !s.waitHandlers(s.cfg.ForceWait) {
			s.logger.Error("abandoning handlers", "count", len(s.liveConns()))
		}
	}

	s.relay.Stop()
	select {
	case <-s.relay.Done():
	case <-time.After(s.cfg.ForceWait):
	}

	s.reg.Gate.Lock()
	conns := s.reg.Reset()
	for _, c := range conns {
		c.Close()
	}
	s.reg.Gate.Unlock()

	s.closeListener()

	s.state.Store(int32(StateStopped))
	close(s.stopped)
	s.logger.Info("shutdown complete", "closed_sockets", len(conns), "handlers", len(live), "took", time.Since(start))
}

func (s *Server) waitHandlers(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
