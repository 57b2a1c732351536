// Package peer provides hub-side liveness tracking for known nodes.
//
// The Tracker records when each peer last sent a heartbeat and flips peers
// between online and offline: a heartbeat from an offline peer brings it
// back online, and a periodic sweep marks peers offline once their last
// heartbeat is older than the timeout. Records persist until the peer is
// explicitly removed, so an offline peer is still known.
package peer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bghosh412/aquanet-go/core"
)

// DefaultTimeout is the default heartbeat age after which a peer is
// considered offline.
const DefaultTimeout = 60 * time.Second

// Record tracks one peer's liveness state.
type Record struct {
	Addr          core.NodeAddr
	Online        bool
	LastHeartbeat time.Time
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Logger for liveness transitions. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker tracks peer liveness. Safe for concurrent use.
type Tracker struct {
	log *slog.Logger

	mu            sync.Mutex
	peers         map[core.NodeAddr]*Record
	onStateChange func(addr core.NodeAddr, online bool)

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewTracker creates a peer liveness tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		log:   logger.WithGroup("peers"),
		peers: make(map[core.NodeAddr]*Record),
		nowFn: time.Now,
	}
}

// SetOnStateChange sets the callback invoked when a peer transitions
// between online and offline. Fired outside the tracker's lock.
func (t *Tracker) SetOnStateChange(fn func(addr core.NodeAddr, online bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStateChange = fn
}

// Add registers a peer as online with the current time as its last
// heartbeat. Re-adding an existing peer resets its record.
func (t *Tracker) Add(addr core.NodeAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[addr] = &Record{
		Addr:          addr,
		Online:        true,
		LastHeartbeat: t.nowFn(),
	}
}

// Remove deletes a peer's record. No state-change callback is fired.
func (t *Tracker) Remove(addr core.NodeAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, addr)
}

// Heartbeat refreshes a known peer's last-heartbeat time. If the peer was
// offline it flips back online. Unknown peers are ignored.
func (t *Tracker) Heartbeat(addr core.NodeAddr) {
	t.mu.Lock()
	p, ok := t.peers[addr]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.LastHeartbeat = t.nowFn()
	cameOnline := !p.Online
	if cameOnline {
		p.Online = true
	}
	fn := t.onStateChange
	t.mu.Unlock()

	if cameOnline {
		t.log.Info("peer back online", "peer", addr.String())
		if fn != nil {
			fn(addr, true)
		}
	}
}

// IsOnline reports whether the peer is known and currently online.
func (t *Tracker) IsOnline(addr core.NodeAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr]
	return ok && p.Online
}

// IsKnown reports whether the peer has a record.
func (t *Tracker) IsKnown(addr core.NodeAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[addr]
	return ok
}

// CheckTimeouts marks every online peer whose last heartbeat is older than
// timeout as offline, returning how many peers were flipped.
func (t *Tracker) CheckTimeouts(timeout time.Duration) int {
	t.mu.Lock()
	now := t.nowFn()

	var flipped []core.NodeAddr
	for addr, p := range t.peers {
		if p.Online && now.Sub(p.LastHeartbeat) > timeout {
			p.Online = false
			flipped = append(flipped, addr)
		}
	}
	fn := t.onStateChange
	t.mu.Unlock()

	for _, addr := range flipped {
		t.log.Warn("peer timed out", "peer", addr.String(), "timeout", timeout)
		if fn != nil {
			fn(addr, false)
		}
	}
	return len(flipped)
}

// Count returns the number of tracked peers.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// OnlineCount returns the number of tracked peers currently online.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.peers {
		if p.Online {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of every peer record.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}
