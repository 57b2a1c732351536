package link

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bghosh412/aquanet-go/core"
	"github.com/bghosh412/aquanet-go/core/codec"
	"github.com/bghosh412/aquanet-go/transport"
)

var (
	hubAddr  = core.NodeAddr{0x24, 0x6F, 0x28, 0x00, 0x00, 0x01}
	nodeAddr = core.NodeAddr{0x24, 0x6F, 0x28, 0x00, 0x00, 0x02}
)

type sentFrame struct {
	dest  core.NodeAddr
	frame []byte
}

// mockRadio records sent frames and can be told to fail.
type mockRadio struct {
	mu       sync.Mutex
	addr     core.NodeAddr
	sent     []sentFrame
	failures int // fail this many sends, then succeed
	handler  transport.FrameHandler
}

func (r *mockRadio) Start(context.Context) error { return nil }
func (r *mockRadio) Stop() error                 { return nil }
func (r *mockRadio) IsConnected() bool           { return true }
func (r *mockRadio) LocalAddr() core.NodeAddr    { return r.addr }
func (r *mockRadio) SetFrameHandler(fn transport.FrameHandler) {
	r.handler = fn
}
func (r *mockRadio) SetStateHandler(transport.StateHandler) {}

func (r *mockRadio) SendFrame(dest core.NodeAddr, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("radio busy")
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	r.sent = append(r.sent, sentFrame{dest: dest, frame: buf})
	return nil
}

func (r *mockRadio) sentFrames() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentFrame, len(r.sent))
	copy(out, r.sent)
	return out
}

// calls records dispatched messages for assertions.
type calls struct {
	mu         sync.Mutex
	announces  []core.NodeAddr
	acks       []*codec.Ack
	configs    []*codec.Config
	commands   [][]byte
	commandIDs []uint8
	statuses   []*codec.Status
	heartbeats []*codec.Heartbeat
	unmaps     []*codec.Unmap
}

func (c *calls) HandleAnnounce(src core.NodeAddr, msg *codec.Announce) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.announces = append(c.announces, src)
}

func (c *calls) HandleAck(src core.NodeAddr, msg *codec.Ack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, msg)
}

func (c *calls) HandleConfig(src core.NodeAddr, msg *codec.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs = append(c.configs, msg)
}

func (c *calls) HandleCommand(src core.NodeAddr, commandID uint8, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.commands = append(c.commands, buf)
	c.commandIDs = append(c.commandIDs, commandID)
}

func (c *calls) HandleStatus(src core.NodeAddr, msg *codec.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, msg)
}

func (c *calls) HandleHeartbeat(src core.NodeAddr, msg *codec.Heartbeat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats = append(c.heartbeats, msg)
}

func (c *calls) HandleUnmap(src core.NodeAddr, msg *codec.Unmap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unmaps = append(c.unmaps, msg)
}

func (c *calls) heartbeatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.heartbeats)
}

func newTestManager(t *testing.T) (*Manager, *mockRadio, *calls) {
	t.Helper()
	radio := &mockRadio{addr: hubAddr}
	h := &calls{}
	m := New(Config{
		Radio:    radio,
		Handler:  h,
		NodeType: codec.NodeHub,
	})
	m.sleepFn = func(time.Duration) {}
	return m, radio, h
}

func heartbeatFrame(seq uint8) []byte {
	hb := &codec.Heartbeat{
		Header: codec.Header{
			Type:     codec.TypeHeartbeat,
			GroupID:  1,
			NodeType: codec.NodeDoser,
			Sequence: seq,
		},
		Health: 0,
	}
	return hb.Encode()
}

func TestSendCommandFragmentLayout(t *testing.T) {
	tests := []struct {
		name         string
		payloadLen   int
		wantFrags    int
		wantLastSize int
	}{
		{"empty", 0, 1, 0},
		{"small", 10, 1, 10},
		{"one full chunk", 32, 1, 32},
		{"just over", 33, 2, 1},
		{"two full chunks", 64, 2, 32},
		{"max", 512, 16, 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, radio, _ := newTestManager(t)
			payload := make([]byte, tt.payloadLen)
			for i := range payload {
				payload[i] = byte(i)
			}

			if err := m.SendCommand(nodeAddr, 0x11, payload, false); err != nil {
				t.Fatalf("SendCommand: %v", err)
			}

			sent := radio.sentFrames()
			if len(sent) != tt.wantFrags {
				t.Fatalf("sent %d fragments, want %d", len(sent), tt.wantFrags)
			}

			var rebuilt []byte
			for i, sf := range sent {
				cmd, err := codec.DecodeCommand(sf.frame)
				if err != nil {
					t.Fatalf("fragment %d: %v", i, err)
				}
				if cmd.CommandID != 0x11 {
					t.Errorf("fragment %d command = 0x%02X", i, cmd.CommandID)
				}
				if int(cmd.FragmentSeq) != i {
					t.Errorf("fragment %d seq = %d", i, cmd.FragmentSeq)
				}
				if final := i == len(sent)-1; cmd.Final != final {
					t.Errorf("fragment %d final = %v, want %v", i, cmd.Final, final)
				}
				if i == len(sent)-1 {
					if len(cmd.Chunk) != tt.wantLastSize {
						t.Errorf("last chunk %d bytes, want %d", len(cmd.Chunk), tt.wantLastSize)
					}
				} else if len(cmd.Chunk) != codec.FragmentSize {
					t.Errorf("fragment %d chunk %d bytes, want %d", i, len(cmd.Chunk), codec.FragmentSize)
				}
				rebuilt = append(rebuilt, cmd.Chunk...)
			}

			if !bytes.Equal(rebuilt, payload) {
				t.Error("concatenated chunks do not reproduce the payload")
			}

			if got := m.Counters().FragmentsSent; got != uint32(tt.wantFrags) {
				t.Errorf("FragmentsSent = %d, want %d", got, tt.wantFrags)
			}
		})
	}
}

func TestSendCommandPacing(t *testing.T) {
	m, _, _ := newTestManager(t)
	var sleeps []time.Duration
	m.sleepFn = func(d time.Duration) { sleeps = append(sleeps, d) }

	if err := m.SendCommand(nodeAddr, 0x01, make([]byte, 100), false); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	// 100 bytes is 4 fragments: pacing between them, not after the last.
	if len(sleeps) != 3 {
		t.Fatalf("got %d pacing sleeps, want 3", len(sleeps))
	}
	for _, d := range sleeps {
		if d != DefaultInterFragmentDelay {
			t.Errorf("pacing sleep = %v, want %v", d, DefaultInterFragmentDelay)
		}
	}
}

func TestSendCommandAbortsOnFragmentFailure(t *testing.T) {
	m, radio, _ := newTestManager(t)
	radio.failures = 1 // first fragment fails; no per-fragment retry

	err := m.SendCommand(nodeAddr, 0x01, make([]byte, 100), false)
	if err == nil {
		t.Fatal("expected error when a fragment fails")
	}
	if got := len(radio.sentFrames()); got != 0 {
		t.Errorf("sent %d fragments after abort, want 0", got)
	}
}

func TestSendWithRetryBackoff(t *testing.T) {
	m, radio, _ := newTestManager(t)
	var sleeps []time.Duration
	m.sleepFn = func(d time.Duration) { sleeps = append(sleeps, d) }

	radio.failures = 100 // never succeeds

	err := m.SendWithRetry(nodeAddr, heartbeatFrame(1), false)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(sleeps) != len(want) {
		t.Fatalf("got %d backoff sleeps, want %d", len(sleeps), len(want))
	}
	for i, d := range sleeps {
		if d != want[i] {
			t.Errorf("backoff %d = %v, want %v", i, d, want[i])
		}
	}
	if got := m.Counters().Retries; got != 3 {
		t.Errorf("Retries = %d, want 3", got)
	}
}

func TestSendWithRetryEventualSuccess(t *testing.T) {
	m, radio, _ := newTestManager(t)
	var sleeps int
	m.sleepFn = func(time.Duration) { sleeps++ }

	radio.failures = 2

	if err := m.SendWithRetry(nodeAddr, heartbeatFrame(1), false); err != nil {
		t.Fatalf("SendWithRetry: %v", err)
	}
	if sleeps != 2 {
		t.Errorf("slept %d times, want 2", sleeps)
	}
	if got := len(radio.sentFrames()); got != 1 {
		t.Errorf("sent %d frames, want 1", got)
	}
}

func TestIngressQueueOverflow(t *testing.T) {
	radio := &mockRadio{addr: hubAddr}
	h := &calls{}
	m := New(Config{Radio: radio, Handler: h, QueueDepth: 2})

	for i := 0; i < 3; i++ {
		m.HandleFrame(nodeAddr, heartbeatFrame(uint8(i+1)))
	}

	if got := m.Counters().QueueDrops; got != 1 {
		t.Errorf("QueueDrops = %d, want 1", got)
	}
	if n := m.ProcessQueue(); n != 2 {
		t.Errorf("processed %d frames, want 2", n)
	}
	if len(h.heartbeats) != 2 {
		t.Errorf("dispatched %d heartbeats, want 2", len(h.heartbeats))
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	m, _, h := newTestManager(t)

	m.HandleFrame(nodeAddr, []byte{0xFF, 0x00, 0x01}) // unknown type, too short
	m.HandleFrame(nodeAddr, heartbeatFrame(1)[:5])    // truncated header
	m.ProcessQueue()

	if got := m.Counters().MalformedDropped; got != 2 {
		t.Errorf("MalformedDropped = %d, want 2", got)
	}
	if len(h.heartbeats) != 0 {
		t.Error("malformed frames must not dispatch")
	}
}

func TestDuplicateSuppressionForTrackedPeer(t *testing.T) {
	m, _, h := newTestManager(t)
	m.AddPeer(nodeAddr)

	m.HandleFrame(nodeAddr, heartbeatFrame(5))
	m.HandleFrame(nodeAddr, heartbeatFrame(5)) // duplicate
	m.HandleFrame(nodeAddr, heartbeatFrame(6))
	m.ProcessQueue()

	if len(h.heartbeats) != 2 {
		t.Errorf("dispatched %d heartbeats, want 2", len(h.heartbeats))
	}
	if got := m.Counters().DuplicatesDropped; got != 1 {
		t.Errorf("DuplicatesDropped = %d, want 1", got)
	}
}

func TestNoSuppressionForUnknownPeer(t *testing.T) {
	m, _, h := newTestManager(t)

	m.HandleFrame(nodeAddr, heartbeatFrame(5))
	m.HandleFrame(nodeAddr, heartbeatFrame(5))
	m.ProcessQueue()

	if len(h.heartbeats) != 2 {
		t.Errorf("dispatched %d heartbeats, want 2 for untracked peer", len(h.heartbeats))
	}
}

func TestSequenceZeroNeverSuppressed(t *testing.T) {
	m, _, h := newTestManager(t)
	m.AddPeer(nodeAddr)

	m.HandleFrame(nodeAddr, heartbeatFrame(0))
	m.HandleFrame(nodeAddr, heartbeatFrame(0))
	m.ProcessQueue()

	if len(h.heartbeats) != 2 {
		t.Errorf("dispatched %d heartbeats, want 2 for sequence zero", len(h.heartbeats))
	}
}

func TestHeartbeatRefreshesTrackedPeer(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.AddPeer(nodeAddr)

	// Force the peer offline, then deliver a heartbeat.
	m.CheckPeerTimeouts(0)
	if m.IsPeerOnline(nodeAddr) {
		t.Fatal("peer should be offline after zero timeout sweep")
	}

	m.HandleFrame(nodeAddr, heartbeatFrame(1))
	m.ProcessQueue()

	if !m.IsPeerOnline(nodeAddr) {
		t.Error("heartbeat should bring the peer back online")
	}
}

func TestSendCheckOnline(t *testing.T) {
	m, radio, _ := newTestManager(t)
	m.AddPeer(nodeAddr)
	m.CheckPeerTimeouts(0)

	err := m.Send(nodeAddr, heartbeatFrame(1), true)
	if !errors.Is(err, ErrPeerOffline) {
		t.Fatalf("err = %v, want ErrPeerOffline", err)
	}
	if len(radio.sentFrames()) != 0 {
		t.Error("offline-checked send must not reach the radio")
	}

	// Unchecked send still goes out.
	if err := m.Send(nodeAddr, heartbeatFrame(2), false); err != nil {
		t.Fatalf("unchecked send: %v", err)
	}
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.Send(nodeAddr, make([]byte, codec.MaxFrameSize+1), false); err == nil {
		t.Error("expected error for oversized frame")
	}
}

func TestFragmentedCommandReassembly(t *testing.T) {
	// Sender manager fragments; frames are fed into a receiver manager.
	sender, senderRadio, _ := newTestManager(t)
	receiver, _, h := newTestManager(t)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	if err := sender.SendCommand(nodeAddr, 0x22, payload, false); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	for _, sf := range senderRadio.sentFrames() {
		receiver.HandleFrame(hubAddr, sf.frame)
	}
	receiver.ProcessQueue()

	if len(h.commands) != 1 {
		t.Fatalf("dispatched %d commands, want 1", len(h.commands))
	}
	if h.commandIDs[0] != 0x22 {
		t.Errorf("command id = 0x%02X, want 0x22", h.commandIDs[0])
	}
	if !bytes.Equal(h.commands[0], payload) {
		t.Error("reassembled payload differs from original")
	}
	if got := receiver.Counters().FragmentsReceived; got != 4 {
		t.Errorf("FragmentsReceived = %d, want 4", got)
	}
}

func TestSingleFrameCommandBypassesAssembler(t *testing.T) {
	m, _, h := newTestManager(t)

	frag, err := codec.NewCommandFragment(
		codec.Header{Type: codec.TypeCommand, Sequence: 1}, 0x33, 0, true, []byte{0xAA, 0xBB})
	if err != nil {
		t.Fatalf("NewCommandFragment: %v", err)
	}
	m.HandleFrame(nodeAddr, frag.Encode())
	m.ProcessQueue()

	if len(h.commands) != 1 {
		t.Fatalf("dispatched %d commands, want 1", len(h.commands))
	}
	if !bytes.Equal(h.commands[0], []byte{0xAA, 0xBB}) {
		t.Errorf("payload = %x", h.commands[0])
	}
}

func TestOutOfOrderFragmentCountsViolation(t *testing.T) {
	m, _, h := newTestManager(t)

	send := func(seq uint8, final bool) {
		frag, err := codec.NewCommandFragment(
			codec.Header{Type: codec.TypeCommand, Sequence: seq + 1},
			0x44, seq, final, make([]byte, codec.FragmentSize))
		if err != nil {
			t.Fatalf("NewCommandFragment: %v", err)
		}
		m.HandleFrame(nodeAddr, frag.Encode())
	}

	send(0, false)
	send(2, false) // skips 1
	m.ProcessQueue()

	if got := m.Counters().ProtocolViolations; got != 1 {
		t.Errorf("ProtocolViolations = %d, want 1", got)
	}
	if len(h.commands) != 0 {
		t.Error("aborted reassembly must not dispatch")
	}
}

func TestRetryQueueBackoffAndDrop(t *testing.T) {
	m, radio, _ := newTestManager(t)
	now := time.Unix(1000, 0)
	m.nowFn = func() time.Time { return now }
	radio.failures = 100

	m.AddToRetryQueue(nodeAddr, heartbeatFrame(1))
	if m.PendingRetries() != 1 {
		t.Fatal("entry should be queued")
	}

	// Not yet due.
	m.ProcessQueue()
	if got := m.Counters().Retries; got != 0 {
		t.Fatalf("Retries = %d before due time", got)
	}

	// Attempts at +100ms, then backoff 200ms, then 400ms, then dropped.
	for i, step := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	} {
		now = now.Add(step)
		m.ProcessQueue()
		if got := m.Counters().Retries; got != uint32(i+1) {
			t.Fatalf("Retries = %d after attempt %d", got, i+1)
		}
	}

	if m.PendingRetries() != 0 {
		t.Error("entry should be dropped after max retries")
	}
}

func TestRetryQueueSuccessRemovesEntry(t *testing.T) {
	m, radio, _ := newTestManager(t)
	now := time.Unix(1000, 0)
	m.nowFn = func() time.Time { return now }

	m.AddToRetryQueue(nodeAddr, heartbeatFrame(1))
	now = now.Add(100 * time.Millisecond)
	m.ProcessQueue()

	if m.PendingRetries() != 0 {
		t.Error("successful retry should clear the queue")
	}
	if len(radio.sentFrames()) != 1 {
		t.Errorf("sent %d frames, want 1", len(radio.sentFrames()))
	}
}

func TestNextSeqIncrements(t *testing.T) {
	m, _, _ := newTestManager(t)
	if s1, s2 := m.NextSeq(), m.NextSeq(); s1 != 1 || s2 != 2 {
		t.Errorf("sequence = %d, %d, want 1, 2", s1, s2)
	}
}

func TestStartStopProcessesFrames(t *testing.T) {
	m, _, h := newTestManager(t)

	m.Start(context.Background())
	defer m.Stop()

	m.HandleFrame(nodeAddr, heartbeatFrame(1))

	deadline := time.After(2 * time.Second)
	for h.heartbeatCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("frame not processed by Start loop")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
