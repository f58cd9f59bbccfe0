package room

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Identity is the authenticated user behind a peer.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Transport writes events to one live connection.
type Transport interface {
	WriteEvent(ev Event) error
	Close() error
}

// Peer binds a live transport to a user identity and a project. It is
// never persisted.
type Peer struct {
	ID        string
	ProjectID string
	Identity  Identity

	transport Transport
	send      chan Event
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

func newPeer(projectID string, identity Identity, transport Transport, buffer int) *Peer {
	return &Peer{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Identity:  identity,
		transport: transport,
		send:      make(chan Event, buffer),
		done:      make(chan struct{}),
	}
}

// enqueue queues ev without blocking. It reports false if the peer is closed
// or its buffer is full.
func (p *Peer) enqueue(ev Event) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- ev:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Deliver queues ev for this peer alone, with the same drop-on-full rule as
// a broadcast.
func (p *Peer) Deliver(ev Event) bool {
	return p.enqueue(ev)
}

// Dropped returns how many events this peer missed because its buffer was full.
func (p *Peer) Dropped() int64 {
	return p.dropped.Load()
}

// Done is closed when the peer has left its room.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.transport.Close()
	})
}

// WritePump drains the peer's queue into its transport and emits a heartbeat
// every interval. It returns when the peer closes, ctx ends, or a write fails.
func (p *Peer) WritePump(ctx context.Context, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		case ev := <-p.send:
			if err := p.transport.WriteEvent(ev); err != nil {
				return err
			}
		case <-tick:
			if err := p.transport.WriteEvent(Event{Name: EventHeartbeat}); err != nil {
				return err
			}
		}
	}
}
