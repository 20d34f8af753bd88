package chat

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrPoolExhausted is returned when every slot of a bounded pool is busy.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// Pool manages the connection slots. Slots are created on demand up to the
// configured capacity and reused once freed. Both TCP and WebSocket
// acceptors share a single Pool instance.
type Pool struct {
	store Store
	rooms Rooms
	ids   IDGenerator
	opts  options
	size  int

	mu    sync.Mutex
	slots []*Connection
}

// NewPool creates a Pool holding at most size slots; size <= 0 means unbounded.
func NewPool(size int, store Store, rooms Rooms, ids IDGenerator, opt ...Option) *Pool {
	return &Pool{
		store: store,
		rooms: rooms,
		ids:   ids,
		opts:  buildOptions(opt...),
		size:  size,
	}
}

// Assign installs conn in a free slot and returns it. The caller starts
// Serve on the returned connection.
func (p *Pool) Assign(conn Conn) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.slots {
		if !c.Busy() {
			c.Reuse(conn)
			return c, nil
		}
	}

	if p.size > 0 && len(p.slots) >= p.size {
		return nil, errors.Wrapf(ErrPoolExhausted, "%d slots busy", len(p.slots))
	}

	c := newConnection(len(p.slots), p.store, p.rooms, p.ids, p.opts)
	p.slots = append(p.slots, c)
	c.Reuse(conn)
	return c, nil
}

// Active returns number of busy slots.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, c := range p.slots {
		if c.Busy() {
			n++
		}
	}
	return n
}

// Len returns number of slots created so far.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// FreeAll tears down every busy slot.
func (p *Pool) FreeAll() {
	p.mu.Lock()
	slots := append([]*Connection(nil), p.slots...)
	p.mu.Unlock()

	for _, c := range slots {
		c.Free()
	}
}
