// Package registry holds the fixed-capacity table of connected clients shared
// by every connection handler.
//
// The registry does no locking of its own. Every read or mutation must happen
// while the caller holds the registry's Gate:
//
//	reg.Gate.Lock()
//	defer reg.Gate.Unlock()
//	slot, err := reg.FindFreeSlot()
package registry

import (
	"errors"
	"io"
	"sync"

	protocol "github.com/pixperk/roomchat"
)

const DefaultCapacity = 50

var (
	ErrFull          = errors.New("registry is full")
	ErrUsernameTaken = errors.New("username is already taken")
	ErrNotFound      = errors.New("no active record")
	ErrBadSlot       = errors.New("slot index out of range")
	ErrSocketInUse   = errors.New("socket already owns an active slot")
)

// Record is one registry slot. Conn is owned by the handler that claimed the
// slot and written to only through the relay.
type Record struct {
	Conn      io.WriteCloser
	Username  string
	Room      string
	SessionID string // owning handler, diagnostic only
	Active    bool
	// Leaving records keep their slot until the socket is closed but are
	// invisible to lookups and broadcasts.
	Leaving bool
}

// Registered reports whether the record has completed its JOIN handshake
// and is not on its way out.
func (r Record) Registered() bool {
	return r.Active && !r.Leaving && r.Username != ""
}

// Gate serializes all registry access.
type Gate struct {
	mu sync.Mutex
}

func (g *Gate) Lock()   { g.mu.Lock() }
func (g *Gate) Unlock() { g.mu.Unlock() }

type Registry struct {
	Gate Gate

	slots  []Record
	byName map[string]int
}

func New(capacity int) *Registry {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Registry{
		slots:  make([]Record, capacity),
		byName: make(map[string]int),
	}
}

func (r *Registry) Capacity() int {
	return len(r.slots)
}

// FindFreeSlot returns the first inactive slot. Caller holds the Gate.
func (r *Registry) FindFreeSlot() (int, error) {
	for i := range r.slots {
		if !r.slots[i].Active {
			return i, nil
		}
	}
	return -1, ErrFull
}

// FindByUsername returns the slot of the active record named name. Caller
// holds the Gate.
func (r *Registry) FindByUsername(name string) (int, bool) {
	if name == "" {
		return -1, false
	}
	i, ok := r.byName[name]
	if !ok || !r.slots[i].Active {
		return -1, false
	}
	return i, true
}

// Claim marks slot active for conn. Every field of the previous occupant is
// reset and the room defaults to the general room. Caller holds the Gate.
func (r *Registry) Claim(slot int, conn io.WriteCloser, sessionID string) error {
	if err := r.check(slot); err != nil {
		return err
	}
	if r.slots[slot].Active {
		return ErrSocketInUse
	}
	for i := range r.slots {
		if r.slots[i].Active && r.slots[i].Conn == conn {
			return ErrSocketInUse
		}
	}

	r.slots[slot] = Record{
		Conn:      conn,
		Room:      protocol.DefaultRoom,
		SessionID: sessionID,
		Active:    true,
	}
	return nil
}

// SetUsername assigns the immutable username of slot. Caller holds the Gate.
func (r *Registry) SetUsername(slot int, name string) error {
	if err := r.checkActive(slot); err != nil {
		return err
	}
	if _, taken := r.FindByUsername(name); taken {
		return ErrUsernameTaken
	}
	r.slots[slot].Username = name
	r.byName[name] = slot
	return nil
}

// SetRoom moves slot to room. Caller holds the Gate.
func (r *Registry) SetRoom(slot int, room string) error {
	if err := r.checkActive(slot); err != nil {
		return err
	}
	r.slots[slot].Room = room
	return nil
}

// MarkLeaving hides slot from lookups and broadcasts and releases its
// username, while keeping the slot claimed. Caller holds the Gate.
func (r *Registry) MarkLeaving(slot int) error {
	if err := r.checkActive(slot); err != nil {
		return err
	}
	rec := &r.slots[slot]
	if rec.Username != "" && r.byName[rec.Username] == slot {
		delete(r.byName, rec.Username)
	}
	rec.Leaving = true
	return nil
}

// Deactivate frees slot. The socket is left to the caller to close. Caller
// holds the Gate.
func (r *Registry) Deactivate(slot int) {
	if r.check(slot) != nil {
		return
	}
	rec := &r.slots[slot]
	if rec.Username != "" && r.byName[rec.Username] == slot {
		delete(r.byName, rec.Username)
	}
	rec.Active = false
}

// Get returns a copy of slot's record. Caller holds the Gate.
func (r *Registry) Get(slot int) (Record, bool) {
	if r.check(slot) != nil || !r.slots[slot].Active {
		return Record{}, false
	}
	return r.slots[slot], true
}

// Each calls fn for every active record in slot order. Caller holds the Gate.
func (r *Registry) Each(fn func(slot int, rec Record)) {
	for i, rec := range r.slots {
		if rec.Active {
			fn(i, rec)
		}
	}
}

// Snapshot returns copies of all active records. Caller holds the Gate.
func (r *Registry) Snapshot() []Record {
	out := make([]Record, 0, len(r.byName))
	r.Each(func(_ int, rec Record) {
		out = append(out, rec)
	})
	return out
}

// Len counts active records. Caller holds the Gate.
func (r *Registry) Len() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].Active {
			n++
		}
	}
	return n
}

// Reset frees every slot and returns the sockets that were still active so
// the caller can close them. Caller holds the Gate.
func (r *Registry) Reset() []io.WriteCloser {
	var conns []io.WriteCloser
	for i := range r.slots {
		if r.slots[i].Active && r.slots[i].Conn != nil {
			conns = append(conns, r.slots[i].Conn)
		}
		r.slots[i] = Record{}
	}
	r.byName = make(map[string]int)
	return conns
}

func (r *Registry) check(slot int) error {
	if slot < 0 || slot >= len(r.slots) {
		return ErrBadSlot
	}
	return nil
}

func (r *Registry) checkActive(slot int) error {
	if err := r.check(slot); err != nil {
		return err
	}
	if !r.slots[slot].Active {
		return ErrNotFound
	}
	return nil
}
