package mem

import (
	"bytes"
	"context"
	"testing"

	"github.com/bghosh412/aquanet-go/core"
)

var (
	addrA = core.NodeAddr{0x24, 0x6F, 0x28, 0x00, 0x00, 0x01}
	addrB = core.NodeAddr{0x24, 0x6F, 0x28, 0x00, 0x00, 0x02}
	addrC = core.NodeAddr{0x24, 0x6F, 0x28, 0x00, 0x00, 0x03}
)

func startEndpoint(t *testing.T, bus *Bus, addr core.NodeAddr) *Endpoint {
	t.Helper()
	ep := bus.Endpoint(addr)
	if err := ep.Start(context.Background()); err != nil {
		t.Fatalf("Start(%v): %v", addr, err)
	}
	return ep
}

func TestUnicastDelivery(t *testing.T) {
	bus := NewBus()
	a := startEndpoint(t, bus, addrA)
	b := startEndpoint(t, bus, addrB)
	c := startEndpoint(t, bus, addrC)

	var gotSrc core.NodeAddr
	var gotFrame []byte
	b.SetFrameHandler(func(src core.NodeAddr, frame []byte) {
		gotSrc = src
		gotFrame = frame
	})
	c.SetFrameHandler(func(src core.NodeAddr, frame []byte) {
		t.Errorf("unicast to B leaked to C")
	})

	frame := []byte{0x06, 0x00, 0x01}
	if err := a.SendFrame(addrB, frame); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	if gotSrc != addrA {
		t.Errorf("src = %v, want %v", gotSrc, addrA)
	}
	if !bytes.Equal(gotFrame, frame) {
		t.Errorf("frame = %x, want %x", gotFrame, frame)
	}
}

func TestBroadcastReachesAllButSender(t *testing.T) {
	bus := NewBus()
	a := startEndpoint(t, bus, addrA)
	b := startEndpoint(t, bus, addrB)
	c := startEndpoint(t, bus, addrC)

	counts := map[core.NodeAddr]int{}
	for _, ep := range []*Endpoint{a, b, c} {
		addr := ep.LocalAddr()
		ep.SetFrameHandler(func(core.NodeAddr, []byte) {
			counts[addr]++
		})
	}

	if err := a.SendFrame(core.Broadcast, []byte{0x06}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	if counts[addrA] != 0 {
		t.Errorf("sender received its own broadcast")
	}
	if counts[addrB] != 1 || counts[addrC] != 1 {
		t.Errorf("counts = %v, want 1 each for B and C", counts)
	}
}

func TestDownLinkBlocksOneDirection(t *testing.T) {
	bus := NewBus()
	a := startEndpoint(t, bus, addrA)
	b := startEndpoint(t, bus, addrB)

	delivered := 0
	a.SetFrameHandler(func(core.NodeAddr, []byte) { delivered++ })
	b.SetFrameHandler(func(core.NodeAddr, []byte) { delivered++ })

	bus.SetLinkDown(addrA, addrB, true)

	if err := a.SendFrame(addrB, []byte{0x06}); err == nil {
		t.Error("expected error sending over down link")
	}
	if err := b.SendFrame(addrA, []byte{0x06}); err != nil {
		t.Errorf("reverse direction should still work: %v", err)
	}
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}

	bus.SetLinkDown(addrA, addrB, false)
	if err := a.SendFrame(addrB, []byte{0x06}); err != nil {
		t.Errorf("link restored, send failed: %v", err)
	}
}

func TestSendToAbsentReceiverIsSilent(t *testing.T) {
	bus := NewBus()
	a := startEndpoint(t, bus, addrA)

	// Connectionless medium: nobody listening is not a send error.
	if err := a.SendFrame(addrB, []byte{0x06}); err != nil {
		t.Errorf("send to absent receiver: %v", err)
	}
}

func TestSendNotConnected(t *testing.T) {
	bus := NewBus()
	ep := bus.Endpoint(addrA)

	if err := ep.SendFrame(addrB, []byte{0x06}); err == nil {
		t.Error("expected error before Start")
	}
}

func TestFrameIsCopied(t *testing.T) {
	bus := NewBus()
	a := startEndpoint(t, bus, addrA)
	b := startEndpoint(t, bus, addrB)

	var got []byte
	b.SetFrameHandler(func(_ core.NodeAddr, frame []byte) {
		got = frame
	})

	frame := []byte{0x01, 0x02, 0x03}
	if err := a.SendFrame(addrB, frame); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	frame[0] = 0xFF
	if got[0] != 0x01 {
		t.Error("delivered frame aliases sender's buffer")
	}
}
