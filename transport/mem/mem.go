// Package mem provides an in-process radio bus. Endpoints attached to the
// same bus exchange frames synchronously, with per-link failure injection.
// It backs tests and the simulator command; no wire I/O is involved.
package mem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bghosh412/aquanet-go/core"
	"github.com/bghosh412/aquanet-go/core/codec"
	"github.com/bghosh412/aquanet-go/transport"
)

// Compile-time interface check.
var _ transport.Radio = (*Endpoint)(nil)

var (
	ErrNotConnected  = errors.New("endpoint not started")
	ErrLinkDown      = errors.New("link down")
	ErrFrameTooLarge = errors.New("frame exceeds radio limit")
)

type link struct {
	from, to core.NodeAddr
}

// Bus connects endpoints and delivers frames between them.
type Bus struct {
	mu        sync.Mutex
	endpoints map[core.NodeAddr]*Endpoint
	down      map[link]bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		endpoints: make(map[core.NodeAddr]*Endpoint),
		down:      make(map[link]bool),
	}
}

// Endpoint attaches a new endpoint with the given address to the bus.
func (b *Bus) Endpoint(addr core.NodeAddr) *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep := &Endpoint{bus: b, addr: addr}
	b.endpoints[addr] = ep
	return ep
}

// SetLinkDown injects a unidirectional transmit failure from one address
// to another. Sends over a down link return an error, emulating a radio
// transmit rejection.
func (b *Bus) SetLinkDown(from, to core.NodeAddr, isDown bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if isDown {
		b.down[link{from, to}] = true
	} else {
		delete(b.down, link{from, to})
	}
}

func (b *Bus) send(src, dest core.NodeAddr, frame []byte) error {
	b.mu.Lock()
	if b.down[link{src, dest}] {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrLinkDown, src, dest)
	}

	var targets []*Endpoint
	if dest.IsBroadcast() {
		for addr, ep := range b.endpoints {
			if addr != src {
				targets = append(targets, ep)
			}
		}
	} else if ep, ok := b.endpoints[dest]; ok {
		targets = append(targets, ep)
	}
	b.mu.Unlock()

	// The transport is connectionless: a missing receiver is not a
	// transmit failure.
	for _, ep := range targets {
		ep.receive(src, frame)
	}
	return nil
}

// Endpoint is one radio attached to a Bus.
type Endpoint struct {
	bus  *Bus
	addr core.NodeAddr

	mu           sync.RWMutex
	started      bool
	frameHandler transport.FrameHandler
	stateHandler transport.StateHandler
}

// Start marks the endpoint as connected.
func (e *Endpoint) Start(_ context.Context) error {
	e.mu.Lock()
	e.started = true
	handler := e.stateHandler
	e.mu.Unlock()

	if handler != nil {
		handler(e, transport.EventConnected)
	}
	return nil
}

// Stop marks the endpoint as disconnected.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	e.started = false
	handler := e.stateHandler
	e.mu.Unlock()

	if handler != nil {
		handler(e, transport.EventDisconnected)
	}
	return nil
}

// IsConnected returns true if the endpoint has been started.
func (e *Endpoint) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started
}

// LocalAddr returns the endpoint's address.
func (e *Endpoint) LocalAddr() core.NodeAddr {
	return e.addr
}

// SetFrameHandler sets the callback for incoming frames.
func (e *Endpoint) SetFrameHandler(fn transport.FrameHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frameHandler = fn
}

// SetStateHandler sets the callback for endpoint state changes.
func (e *Endpoint) SetStateHandler(fn transport.StateHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateHandler = fn
}

// SendFrame delivers a frame through the bus.
func (e *Endpoint) SendFrame(dest core.NodeAddr, frame []byte) error {
	if len(frame) > codec.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	if !e.IsConnected() {
		return ErrNotConnected
	}
	return e.bus.send(e.addr, dest, frame)
}

// receive hands an incoming frame to the registered handler. The frame is
// copied so that receivers never alias the sender's buffer.
func (e *Endpoint) receive(src core.NodeAddr, frame []byte) {
	e.mu.RLock()
	started := e.started
	handler := e.frameHandler
	e.mu.RUnlock()

	if !started || handler == nil {
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	handler(src, cp)
}
