// Package command holds the fixed pool of in-flight ALP command slots.
package command

import (
	"fmt"

	"github.com/postalsys/alpd/internal/fifo"
	"github.com/postalsys/alpd/internal/session"
)

// Origin is where a command came from.
type Origin uint8

// Command origins
const (
	OriginConsole Origin = iota
	OriginRemoteInbound
	OriginLocalApp
)

func (o Origin) String() string {
	switch o {
	case OriginConsole:
		return "console"
	case OriginRemoteInbound:
		return "remote"
	case OriginLocalApp:
		return "app"
	default:
		return fmt.Sprintf("origin(%d)", uint8(o))
	}
}

// Handle identifies a slot in a Pool.
type Handle int

// Command is one slot. Fields other than the buffers keep their previous
// values after Free and are set again on use.
type Command struct {
	active bool

	TransID              uint16
	TagID                uint8
	RespondWhenCompleted bool
	Origin               Origin
	// Meta is the link metadata of the session that delivered the command.
	Meta session.Result
	// Failed is set when an action of the command failed.
	Failed bool

	Request  *fifo.Fifo
	Response *fifo.Fifo
}

// Active reports whether the slot is allocated.
func (c *Command) Active() bool { return c.active }

// Reset prepares an allocated slot for a new command.
func (c *Command) Reset(origin Origin) {
	c.TransID = 0
	c.TagID = 0
	c.RespondWhenCompleted = false
	c.Origin = origin
	c.Meta = session.Result{}
	c.Failed = false
	c.Request.Reset()
	c.Response.Reset()
}

// Pool is a fixed-capacity set of command slots. Allocation never blocks:
// a full pool refuses the command. Pool is not safe for concurrent use.
type Pool struct {
	slots []Command
}

// NewPool creates capacity slots with request buffers of requestSize bytes
// and response buffers of responseSize bytes.
func NewPool(capacity, requestSize, responseSize int) *Pool {
	p := &Pool{slots: make([]Command, capacity)}
	for i := range p.slots {
		p.slots[i].Request = fifo.New(requestSize)
		p.slots[i].Response = fifo.New(responseSize)
	}
	return p
}

// Alloc takes the first free slot.
func (p *Pool) Alloc() (Handle, bool) {
	for i := range p.slots {
		if !p.slots[i].active {
			p.slots[i].active = true
			return Handle(i), true
		}
	}
	return -1, false
}

// Get returns the slot for h, or nil if h is out of range.
func (p *Pool) Get(h Handle) *Command {
	if h < 0 || int(h) >= len(p.slots) {
		return nil
	}
	return &p.slots[h]
}

// Free releases a slot and empties its buffers. Freeing a free slot is a
// no-op.
func (p *Pool) Free(h Handle) {
	c := p.Get(h)
	if c == nil || !c.active {
		return
	}
	c.active = false
	c.Request.Reset()
	c.Response.Reset()
}

// FindByTransID returns the active slot waiting on transaction id.
func (p *Pool) FindByTransID(id uint16) (Handle, bool) {
	for i := range p.slots {
		if p.slots[i].active && p.slots[i].TransID == id {
			return Handle(i), true
		}
	}
	return -1, false
}

// Active returns the number of allocated slots.
func (p *Pool) Active() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].active {
			n++
		}
	}
	return n
}

// Capacity returns the number of slots.
func (p *Pool) Capacity() int {
	return len(p.slots)
}
