// Package transport provides radio interfaces and implementations for
// carrying aquanet frames between the hub and its nodes.
package transport

import (
	"context"

	"github.com/bghosh412/aquanet-go/core"
)

// Radio is the base interface for all radio transport implementations.
// A radio delivers opaque datagrams of at most codec.MaxFrameSize bytes
// with no acknowledgment, ordering, or retransmission guarantees.
type Radio interface {
	// Start brings the radio up. The provided context controls its lifetime.
	Start(ctx context.Context) error
	// Stop shuts the radio down.
	Stop() error
	// IsConnected returns true if the radio is currently usable.
	IsConnected() bool
	// LocalAddr returns this endpoint's radio address.
	LocalAddr() core.NodeAddr
	// SetFrameHandler sets the callback for incoming frames. The handler
	// runs in the radio's receive context and must return quickly; its
	// only legal protocol action is an ingress-queue enqueue.
	SetFrameHandler(fn FrameHandler)
	// SetStateHandler sets the callback for radio state changes.
	SetStateHandler(fn StateHandler)
	// SendFrame transmits one frame to dest. core.Broadcast delivers to
	// every listening endpoint.
	SendFrame(dest core.NodeAddr, frame []byte) error
}

// FrameHandler is called when a frame is received.
type FrameHandler func(src core.NodeAddr, frame []byte)

// StateHandler is called when the radio state changes.
type StateHandler func(radio Radio, event Event)

// Event represents radio state change events.
type Event int

const (
	// EventConnected is fired when the radio comes up.
	EventConnected Event = iota
	// EventDisconnected is fired when the radio goes down.
	EventDisconnected
	// EventReconnecting is fired when the radio is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}
