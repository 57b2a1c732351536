// Package dedupe provides per-peer duplicate suppression.
//
// The radio transport may deliver the same frame more than once. Each peer
// stamps outgoing messages with a 1-byte sequence counter; the receiver of
// record keeps the last sequence seen per peer and drops a repeat of it.
//
// Sequence 0 is never classified as a duplicate: a peer that reboots resets
// its counter to 0, and treating that as a repeat would silently discard
// its first message. The flip side is that a true retransmission
// immediately after a counter wraparound can pass through twice; the
// protocol accepts this.
package dedupe

import (
	"sync"

	"github.com/bghosh412/aquanet-go/core"
)

// Suppressor tracks the last received sequence number for each known peer.
// Only peers explicitly registered with Track participate; frames from
// unknown senders are never classified as duplicates.
type Suppressor struct {
	mu      sync.Mutex
	lastSeq map[core.NodeAddr]uint8
}

// New creates an empty Suppressor.
func New() *Suppressor {
	return &Suppressor{
		lastSeq: make(map[core.NodeAddr]uint8),
	}
}

// Track registers a peer for duplicate tracking, starting from sequence 0.
func (s *Suppressor) Track(addr core.NodeAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq[addr] = 0
}

// Forget stops tracking a peer.
func (s *Suppressor) Forget(addr core.NodeAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastSeq, addr)
}

// IsDuplicate reports whether seq repeats the last sequence seen from addr.
// The stored value is always updated to seq regardless of the verdict, so a
// distinct subsequent sequence always passes.
func (s *Suppressor) IsDuplicate(addr core.NodeAddr, seq uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, known := s.lastSeq[addr]
	if !known {
		return false
	}
	dup := seq == last && seq != 0
	s.lastSeq[addr] = seq
	return dup
}

// TrackedCount returns the number of peers being tracked.
func (s *Suppressor) TrackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lastSeq)
}
