package server

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	protocol "github.com/pixperk/roomchat"
	"github.com/pixperk/roomchat/registry"
	"github.com/pixperk/roomchat/transport"
)

type connState int32

const (
	stateConnecting connState = iota
	stateRegistering
	stateActive
	stateDisconnecting
	stateTerminated
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateRegistering:
		return "registering"
	case stateActive:
		return "active"
	case stateDisconnecting:
		return "disconnecting"
	case stateTerminated:
		return "terminated"
	}
	return "unknown"
}

// handler owns one client connection and, once claimed, one registry slot.
type handler struct {
	srv      *Server
	conn     transport.Conn
	id       string
	slot     int
	username string
	state    atomic.Int32
	log      *slog.Logger
}

func (s *Server) handleConnection(conn transport.Conn) {
	defer s.handlers.Done()
	defer s.untrackConn(conn)

	h := &handler{
		srv:  s,
		conn: conn,
		id:   uuid.NewString(),
		slot: -1,
	}
	h.log = s.logger.With("session", h.id, "remote", remoteAddr(conn))
	h.run()
}

func (h *handler) setState(st connState) {
	h.state.Store(int32(st))
	h.log.Debug("state change", "state", st)
}

func (h *handler) run() {
	defer h.setState(stateTerminated)
	h.setState(stateConnecting)

	if !h.claim() {
		return
	}

	scanner := bufio.NewScanner(h.conn)
	scanner.Buffer(make([]byte, 0, protocol.MaxFrameSize+1), protocol.MaxFrameSize+1)

	h.setState(stateRegistering)
	if !h.register(scanner) {
		return
	}

	h.setState(stateActive)
	if h.loop(scanner) {
		return
	}

	if h.srv.ctx.Err() != nil {
		// shutdown owns teardown of the slot and socket
		return
	}
	h.setState(stateDisconnecting)
	h.srv.onDisconnect(h.slot, false)
}

// claim takes the first free registry slot, rejecting the connection when the
// registry is full.
func (h *handler) claim() bool {
	reg := h.srv.reg

	reg.Gate.Lock()
	slot, err := reg.FindFreeSlot()
	if err == nil {
		err = reg.Claim(slot, h.conn, h.id)
	}
	if err != nil {
		h.srv.relay.Send(h.conn, protocol.ServerFull)
		done := h.srv.relay.CloseAfter(h.conn)
		reg.Gate.Unlock()

		h.log.Warn("rejecting connection", "err", err)
		h.srv.awaitClose(done, h.conn)
		return false
	}
	reg.Gate.Unlock()

	h.slot = slot
	return true
}

// register reads the JOIN line and commits the username. Any failure
// releases the slot and closes the connection.
func (h *handler) register(scanner *bufio.Scanner) bool {
	if !scanner.Scan() {
		if h.srv.ctx.Err() == nil {
			h.reject("")
		}
		return false
	}

	name, err := protocol.ParseJoin(scanner.Text())
	if err != nil {
		h.log.Info("rejecting handshake", "err", err)
		if errors.Is(err, protocol.ErrNotJoin) {
			h.reject(protocol.ExpectedJoin)
		} else {
			h.reject(protocol.ErrorText(err))
		}
		return false
	}

	reg := h.srv.reg
	reg.Gate.Lock()
	if err := reg.SetUsername(h.slot, name); err != nil {
		reg.Gate.Unlock()
		h.log.Info("rejecting handshake", "username", name, "err", err)
		if errors.Is(err, registry.ErrUsernameTaken) {
			h.reject(protocol.UsernameTaken(name))
		} else {
			h.reject(protocol.ErrorText(err))
		}
		return false
	}

	h.username = name
	h.log = h.log.With("username", name)
	h.srv.relay.Send(h.conn, protocol.Welcome(name))
	h.srv.broadcastLocked(protocol.Joined(name), protocol.DefaultRoom, nil)
	reg.Gate.Unlock()

	h.log.Info("user joined", "slot", h.slot)
	return true
}

// reject sends notice (if any), closes the connection and then frees the
// provisional slot.
func (h *handler) reject(notice string) {
	reg := h.srv.reg

	reg.Gate.Lock()
	if notice != "" {
		h.srv.relay.Send(h.conn, notice)
	}
	done := h.srv.relay.CloseAfter(h.conn)
	reg.MarkLeaving(h.slot)
	reg.Gate.Unlock()

	h.srv.releaseAfterClose(h.slot, h.conn, done)
}

// loop dispatches client lines until the peer goes away or exits. It reports
// whether the disconnect has already been handled.
func (h *handler) loop(scanner *bufio.Scanner) bool {
	for scanner.Scan() {
		cmd := protocol.ParseCommand(scanner.Text())

		switch cmd.Type {
		case protocol.CommandPM:
			h.srv.sendPrivateMessage(h.username, cmd.To, cmd.Text)
		case protocol.CommandJoin:
			h.srv.joinRoom(h.slot, cmd.Room)
		case protocol.CommandChat:
			h.srv.sendChat(h.slot, cmd.Text)
		case protocol.CommandExit:
			h.setState(stateDisconnecting)
			h.srv.onDisconnect(h.slot, true)
			return true
		default:
			h.log.Debug("dropping malformed command", "line", scanner.Text())
		}
	}

	if err := scanner.Err(); err != nil && h.srv.ctx.Err() == nil {
		h.log.Debug("read error", "err", err)
	}
	return false
}

// awaitClose waits for the relay to close conn behind its queued frames, then
// closes it regardless.
func (s *Server) awaitClose(done <-chan struct{}, conn io.Closer) {
	select {
	case <-done:
	case <-s.relay.Done():
	case <-time.After(s.cfg.WriteTimeout):
	}
	conn.Close()
}
