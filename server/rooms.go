package server

import (
	"io"

	protocol "github.com/pixperk/roomchat"
	"github.com/pixperk/roomchat/registry"
)

// Every operation here holds the Gate for its whole duration, so a room
// change and its notices are one critical section. The *Locked helpers assume
// the caller already holds it.

func (s *Server) broadcastToRoom(msg, room string, exclude io.WriteCloser) {
	s.reg.Gate.Lock()
	defer s.reg.Gate.Unlock()
	s.broadcastLocked(msg, room, exclude)
}

// broadcastLocked relays msg to every registered member of room except
// exclude. Connections still in their JOIN handshake are skipped.
func (s *Server) broadcastLocked(msg, room string, exclude io.WriteCloser) int {
	n := 0
	s.reg.Each(func(_ int, rec registry.Record) {
		if !rec.Registered() || rec.Room != room {
			return
		}
		if exclude != nil && rec.Conn == exclude {
			return
		}
		s.relay.Send(rec.Conn, msg)
		n++
	})
	return n
}

// sendChat broadcasts text from slot to its current room, sender excluded.
func (s *Server) sendChat(slot int, text string) {
	s.reg.Gate.Lock()
	defer s.reg.Gate.Unlock()

	rec, ok := s.reg.Get(slot)
	if !ok || !rec.Registered() {
		return
	}
	n := s.broadcastLocked(protocol.Chat(rec.Username, text), rec.Room, rec.Conn)
	s.logger.Debug("chat", "from", rec.Username, "room", rec.Room, "recipients", n)
}

func (s *Server) sendPrivateMessage(from, to, text string) {
	s.reg.Gate.Lock()
	defer s.reg.Gate.Unlock()

	fromSlot, fromOK := s.reg.FindByUsername(from)
	toSlot, toOK := s.reg.FindByUsername(to)

	if !toOK {
		if fromOK {
			rec, _ := s.reg.Get(fromSlot)
			s.relay.Send(rec.Conn, protocol.UserNotFound(to))
		}
		s.logger.Info("private message to unknown user", "from", from, "to", to)
		return
	}

	recipient, _ := s.reg.Get(toSlot)
	s.relay.Send(recipient.Conn, protocol.PMFrom(from, text))

	if fromOK {
		sender, _ := s.reg.Get(fromSlot)
		s.relay.Send(sender.Conn, protocol.PMTo(to, text))
	}
}

// joinRoom moves slot to room: "left" notice to the old room, the room
// update, a confirmation to the mover, then "joined" notice to the new room.
func (s *Server) joinRoom(slot int, room string) {
	s.reg.Gate.Lock()
	defer s.reg.Gate.Unlock()

	rec, ok := s.reg.Get(slot)
	if !ok || !rec.Registered() || room == "" {
		return
	}
	old := rec.Room

	s.broadcastLocked(protocol.RoomLeft(rec.Username), old, rec.Conn)
	if err := s.reg.SetRoom(slot, room); err != nil {
		s.logger.Error("room change failed", "username", rec.Username, "err", err)
		return
	}
	s.relay.Send(rec.Conn, protocol.RoomConfirm(room))
	s.broadcastLocked(protocol.RoomJoined(rec.Username), room, rec.Conn)

	s.logger.Info("room change", "username", rec.Username, "from", old, "to", room)
}

// onDisconnect tears down an active slot: optional exit acknowledgment, a
// "left the chat" notice to the room, then the socket is closed behind every
// frame already queued for it. Until the socket is closed the slot stays
// claimed but leaving; it is free once this returns.
func (s *Server) onDisconnect(slot int, exiting bool) {
	s.reg.Gate.Lock()
	rec, ok := s.reg.Get(slot)
	if !ok || rec.Leaving {
		s.reg.Gate.Unlock()
		return
	}

	if exiting {
		s.relay.Send(rec.Conn, protocol.ExitAck)
	}
	if rec.Registered() {
		s.broadcastLocked(protocol.Left(rec.Username), rec.Room, rec.Conn)
	}
	done := s.relay.CloseAfter(rec.Conn)
	s.reg.MarkLeaving(slot)
	s.reg.Gate.Unlock()

	s.logger.Info("client disconnected", "username", rec.Username, "slot", slot, "exit", exiting)

	s.releaseAfterClose(slot, rec.Conn, done)
}

// releaseAfterClose waits for conn to be closed, then frees slot if conn
// still owns it.
func (s *Server) releaseAfterClose(slot int, conn io.WriteCloser, done <-chan struct{}) {
	s.awaitClose(done, conn)

	s.reg.Gate.Lock()
	defer s.reg.Gate.Unlock()
	// shutdown may have reset the registry meanwhile
	if cur, ok := s.reg.Get(slot); ok && cur.Conn == conn {
		s.reg.Deactivate(slot)
	}
}
