// Package relay is the single delivery path for frames written to client
// sockets. Producers enqueue frames from any goroutine; one consumer writes
// them in enqueue order.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const DefaultBuffer = 256

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Frame is a payload addressed to one socket. A frame with closeAfter set
// carries no payload and closes Target once everything queued before it has
// been written.
type Frame struct {
	Target  io.WriteCloser
	Payload []byte

	closeAfter bool
	done       chan struct{}
}

type Relay struct {
	frames       chan Frame
	writeTimeout time.Duration
	logger       *slog.Logger

	stopped  chan struct{}
	stopOnce sync.Once
	finished chan struct{}

	// targets closed after a write timed out; owned by Run
	stalled map[io.WriteCloser]struct{}
}

func New(buffer int, writeTimeout time.Duration, logger *slog.Logger) *Relay {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		frames:       make(chan Frame, buffer),
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "relay"),
		stopped:      make(chan struct{}),
		finished:     make(chan struct{}),
		stalled:      make(map[io.WriteCloser]struct{}),
	}
}

// Send enqueues payload for target. It blocks only while the buffer is full
// and drops the frame once the relay has stopped.
func (r *Relay) Send(target io.WriteCloser, payload string) {
	if target == nil {
		return
	}
	r.enqueue(Frame{Target: target, Payload: []byte(payload)})
}

// CloseAfter enqueues a close of target behind every frame already queued.
// The returned channel is closed once target has been closed, or right away
// if the relay is no longer running. A close racing with Stop may never be
// acknowledged; wait on Done as well.
func (r *Relay) CloseAfter(target io.WriteCloser) <-chan struct{} {
	done := make(chan struct{})
	if !r.enqueue(Frame{Target: target, closeAfter: true, done: done}) {
		close(done)
	}
	return done
}

func (r *Relay) enqueue(f Frame) bool {
	select {
	case <-r.stopped:
		return false
	default:
	}

	select {
	case r.frames <- f:
		return true
	case <-r.stopped:
		return false
	}
}

// Run consumes frames until ctx is done or Stop is called.
func (r *Relay) Run(ctx context.Context) error {
	defer close(r.finished)
	r.logger.Debug("relay started")

	for {
		select {
		case <-ctx.Done():
			r.Stop()
			r.drop()
			return nil
		case <-r.stopped:
			r.drop()
			return nil
		case f := <-r.frames:
			r.deliver(f)
		}
	}
}

func (r *Relay) deliver(f Frame) {
	if f.closeAfter {
		delete(r.stalled, f.Target)
		if f.Target != nil {
			f.Target.Close()
		}
		close(f.done)
		return
	}

	// a target that stopped reading costs one write timeout, not one per frame
	if _, ok := r.stalled[f.Target]; ok {
		return
	}

	if d, ok := f.Target.(deadliner); ok && r.writeTimeout > 0 {
		d.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	}
	// the receiver may already be gone
	if _, err := f.Target.Write(f.Payload); err != nil {
		if isTimeout(err) {
			r.stalled[f.Target] = struct{}{}
			f.Target.Close()
			r.logger.Warn("closing stalled socket", "err", err)
			return
		}
		r.logger.Debug("dropped frame", "bytes", len(f.Payload), "err", err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// drop releases anyone waiting on a close frame that will never be delivered.
func (r *Relay) drop() {
	for {
		select {
		case f := <-r.frames:
			if f.closeAfter {
				close(f.done)
			}
		default:
			return
		}
	}
}

// Stop makes Run return; queued frames are discarded. Safe to call more than
// once.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
	})
}

// Done is closed when Run has returned.
func (r *Relay) Done() <-chan struct{} {
	return r.finished
}

// Pending reports how many frames are waiting for delivery.
func (r *Relay) Pending() int {
	return len(r.frames)
}
