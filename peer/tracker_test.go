package peer

import (
	"testing"
	"time"

	"github.com/bghosh412/aquanet-go/core"
)

func makeAddr(b byte) core.NodeAddr {
	return core.NodeAddr{b, b, b, b, b, b}
}

func TestAddAndIsOnline(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	addr := makeAddr(0x01)

	if tr.IsOnline(addr) {
		t.Error("unknown peer should be offline")
	}
	tr.Add(addr)
	if !tr.IsOnline(addr) {
		t.Error("freshly added peer should be online")
	}
	if tr.Count() != 1 {
		t.Errorf("Count = %d, want 1", tr.Count())
	}
}

func TestRemove(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	addr := makeAddr(0x01)
	tr.Add(addr)
	tr.Remove(addr)

	if tr.IsKnown(addr) {
		t.Error("removed peer should be unknown")
	}
}

func TestCheckTimeouts(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	now := time.Now()
	tr.nowFn = func() time.Time { return now }

	stale := makeAddr(0x01)
	fresh := makeAddr(0x02)
	tr.Add(stale)

	now = now.Add(61 * time.Second)
	tr.Add(fresh)

	flipped := tr.CheckTimeouts(60 * time.Second)
	if flipped != 1 {
		t.Errorf("CheckTimeouts = %d, want 1", flipped)
	}
	if tr.IsOnline(stale) {
		t.Error("stale peer should be offline")
	}
	if !tr.IsOnline(fresh) {
		t.Error("fresh peer should stay online")
	}
	if tr.OnlineCount() != 1 {
		t.Errorf("OnlineCount = %d, want 1", tr.OnlineCount())
	}

	// Repeat sweep flips nothing further.
	if flipped := tr.CheckTimeouts(60 * time.Second); flipped != 0 {
		t.Errorf("second CheckTimeouts = %d, want 0", flipped)
	}
}

func TestHeartbeatFlipsBackOnline(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	now := time.Now()
	tr.nowFn = func() time.Time { return now }

	addr := makeAddr(0x01)
	tr.Add(addr)

	now = now.Add(2 * time.Minute)
	tr.CheckTimeouts(time.Minute)
	if tr.IsOnline(addr) {
		t.Fatal("peer should be offline after sweep")
	}

	tr.Heartbeat(addr)
	if !tr.IsOnline(addr) {
		t.Error("heartbeat should flip peer back online")
	}

	// And it stays online through a sweep with a fresh timestamp.
	if flipped := tr.CheckTimeouts(time.Minute); flipped != 0 {
		t.Errorf("CheckTimeouts after heartbeat = %d, want 0", flipped)
	}
}

func TestHeartbeatUnknownPeerIgnored(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	tr.Heartbeat(makeAddr(0x09))
	if tr.Count() != 0 {
		t.Error("heartbeat from unknown peer should not create a record")
	}
}

func TestOnStateChange(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	now := time.Now()
	tr.nowFn = func() time.Time { return now }

	type change struct {
		addr   core.NodeAddr
		online bool
	}
	var changes []change
	tr.SetOnStateChange(func(addr core.NodeAddr, online bool) {
		changes = append(changes, change{addr, online})
	})

	addr := makeAddr(0x01)
	tr.Add(addr)

	now = now.Add(2 * time.Minute)
	tr.CheckTimeouts(time.Minute)
	tr.Heartbeat(addr)

	if len(changes) != 2 {
		t.Fatalf("got %d state changes, want 2", len(changes))
	}
	if changes[0].online || changes[0].addr != addr {
		t.Errorf("first change = %+v, want offline %v", changes[0], addr)
	}
	if !changes[1].online || changes[1].addr != addr {
		t.Errorf("second change = %+v, want online %v", changes[1], addr)
	}
}
