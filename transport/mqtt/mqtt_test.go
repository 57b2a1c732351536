package mqtt

import (
	"context"
	"testing"

	"github.com/bghosh412/aquanet-go/core"
)

var testAddr = core.NodeAddr{0x24, 0x6F, 0x28, 0x01, 0x02, 0x03}

func TestNew_Defaults(t *testing.T) {
	r := New(Config{
		Broker:    "tcp://localhost:1883",
		NetworkID: "tank-1",
		LocalAddr: testAddr,
	})

	if r.cfg.TopicPrefix != DefaultTopicPrefix {
		t.Errorf("expected default topic prefix %q, got %q", DefaultTopicPrefix, r.cfg.TopicPrefix)
	}
	if r.log == nil {
		t.Error("expected logger to be set")
	}
}

func TestTopicFor(t *testing.T) {
	r := New(Config{
		Broker:    "tcp://localhost:1883",
		NetworkID: "tank-1",
		LocalAddr: testAddr,
	})

	if got, want := r.topicFor(testAddr), "aquanet/tank-1/246f28010203"; got != want {
		t.Errorf("unicast topic = %q, want %q", got, want)
	}
	if got, want := r.topicFor(core.Broadcast), "aquanet/tank-1/broadcast"; got != want {
		t.Errorf("broadcast topic = %q, want %q", got, want)
	}
}

func TestStart_MissingBroker(t *testing.T) {
	r := New(Config{NetworkID: "tank-1"})
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected error with empty broker")
	}
}

func TestStart_MissingNetworkID(t *testing.T) {
	r := New(Config{Broker: "tcp://localhost:1883"})
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected error with empty network ID")
	}
}

func TestSendFrame_NotConnected(t *testing.T) {
	r := New(Config{
		Broker:    "tcp://localhost:1883",
		NetworkID: "tank-1",
		LocalAddr: testAddr,
	})

	if err := r.SendFrame(core.Broadcast, []byte{0x06, 0x01}); err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestIsConnected_Default(t *testing.T) {
	r := New(Config{
		Broker:    "tcp://localhost:1883",
		NetworkID: "tank-1",
	})

	if r.IsConnected() {
		t.Error("expected not connected initially")
	}
}
