// Package link implements the datagram protocol layer between a radio
// transport and the application. The Manager sits where the router sits in
// a mesh stack, but for a hub-and-spoke control network. It handles:
//   - Ingress queue: radio callbacks only copy and enqueue, never process
//   - Deduplication: per-peer sequence suppression for tracked peers
//   - Fragmentation: splitting large command payloads across frames
//   - Reassembly: rebuilding fragmented commands with a strict-order assembler
//   - Retry: blocking sends with exponential backoff, plus a deferred
//     retry queue scanned during housekeeping
//   - Peer liveness: heartbeat-refreshed online/offline tracking
//
// All processing happens on whichever goroutine pumps the queue, either
// the Start loop or explicit ProcessQueue calls. Send methods may be
// called from any goroutine.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bghosh412/aquanet-go/core"
	"github.com/bghosh412/aquanet-go/core/clock"
	"github.com/bghosh412/aquanet-go/core/codec"
	"github.com/bghosh412/aquanet-go/core/dedupe"
	"github.com/bghosh412/aquanet-go/core/reassembly"
	"github.com/bghosh412/aquanet-go/peer"
	"github.com/bghosh412/aquanet-go/transport"
)

const (
	// DefaultQueueDepth is the default ingress queue capacity. Frames
	// arriving while the queue is full are dropped.
	DefaultQueueDepth = 10

	// DefaultInterFragmentDelay is the default pause between fragments of
	// one command, giving slow receivers time to drain.
	DefaultInterFragmentDelay = 10 * time.Millisecond

	// DefaultRetryBaseDelay is the backoff before the first retry. Each
	// further retry doubles it.
	DefaultRetryBaseDelay = 100 * time.Millisecond

	// DefaultMaxRetries is the default number of retries after the
	// initial attempt.
	DefaultMaxRetries = 3

	// DefaultPollInterval is how often the Start loop runs housekeeping
	// (retry queue scan, reassembly expiry).
	DefaultPollInterval = 100 * time.Millisecond
)

var (
	// ErrPeerOffline is returned by checked sends when the destination is
	// not currently online.
	ErrPeerOffline = errors.New("peer is offline")

	// ErrRetriesExhausted is returned when a send failed on every attempt.
	ErrRetriesExhausted = errors.New("send retries exhausted")

	// ErrNoRadio is returned when sending without a radio configured.
	ErrNoRadio = errors.New("no radio configured")
)

// Config configures a Manager.
type Config struct {
	// Radio is the transport the manager sends and receives on.
	Radio transport.Radio

	// Handler receives decoded messages. May be set later with SetHandler.
	Handler Handler

	// NodeType identifies this endpoint in outgoing message headers.
	NodeType codec.NodeType

	// GroupID is the initial group stamped on outgoing headers. Nodes
	// update it at provisioning time via SetGroupID.
	GroupID uint8

	// QueueDepth is the ingress queue capacity. Default: 10.
	QueueDepth int

	// InterFragmentDelay is the pause between command fragments.
	// Default: 10ms.
	InterFragmentDelay time.Duration

	// RetryBaseDelay is the backoff before the first retry, doubling on
	// each further retry. Default: 100ms.
	RetryBaseDelay time.Duration

	// MaxRetries is the number of retries after the initial attempt.
	// Default: 3 (four attempts total).
	MaxRetries int

	// ReassemblyTimeout is the maximum age of an in-flight reassembly.
	// Default: 1.5s.
	ReassemblyTimeout time.Duration

	// PollInterval is the Start loop's housekeeping interval.
	// Default: 100ms.
	PollInterval time.Duration

	// OnPeerStateChange is called when a tracked peer flips online or
	// offline. Called without manager locks held.
	OnPeerStateChange func(addr core.NodeAddr, online bool)

	// Logger for link events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// inbound is one queued radio frame, copied out of the radio callback.
type inbound struct {
	src   core.NodeAddr
	frame []byte
}

// retryEntry is a deferred frame awaiting its next attempt.
type retryEntry struct {
	dest        core.NodeAddr
	frame       []byte
	attempts    int
	nextAttempt time.Time
}

// Manager is the protocol engine tying radio, codec, dedupe, reassembly,
// retry and peer tracking together.
type Manager struct {
	cfg       Config
	log       *slog.Logger
	radio     transport.Radio
	queue     chan inbound
	assembler *reassembly.Assembler
	dupes     *dedupe.Suppressor
	peers     *peer.Tracker
	clock     *clock.Clock
	counters  Counters

	mu      sync.Mutex
	handler Handler
	groupID uint8
	seq     uint8
	retries []*retryEntry

	// Test seams.
	sleepFn func(time.Duration)
	nowFn   func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Manager and installs itself as the radio's frame handler.
func New(cfg Config) *Manager {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.InterFragmentDelay <= 0 {
		cfg.InterFragmentDelay = DefaultInterFragmentDelay
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:     cfg,
		log:     logger.WithGroup("link"),
		radio:   cfg.Radio,
		queue:   make(chan inbound, cfg.QueueDepth),
		dupes:   dedupe.New(),
		clock:   clock.New(),
		handler: cfg.Handler,
		groupID: cfg.GroupID,
		sleepFn: time.Sleep,
		nowFn:   time.Now,
	}
	m.assembler = reassembly.New(reassembly.Config{
		Timeout: cfg.ReassemblyTimeout,
		Logger:  logger,
	})
	m.peers = peer.NewTracker(peer.TrackerConfig{Logger: logger})
	if cfg.OnPeerStateChange != nil {
		m.peers.SetOnStateChange(cfg.OnPeerStateChange)
	}

	if m.radio != nil {
		m.radio.SetFrameHandler(m.HandleFrame)
	}

	return m
}

// SetHandler sets the message handler.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// GroupID returns the group currently stamped on outgoing headers.
func (m *Manager) GroupID() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupID
}

// SetGroupID changes the group stamped on outgoing headers.
func (m *Manager) SetGroupID(g uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupID = g
}

// Clock returns the manager's uptime clock.
func (m *Manager) Clock() *clock.Clock {
	return m.clock
}

// Counters returns a point-in-time copy of the link counters.
func (m *Manager) Counters() CountersSnapshot {
	return m.counters.Snapshot()
}

// NextSeq returns the next outgoing sequence number. Sequences wrap
// through zero; a zero-sequence frame is never duplicate-suppressed by
// the receiver.
func (m *Manager) NextSeq() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

// NewHeader builds a header for an outgoing message of the given type,
// stamped with the current group, node type, uptime and a fresh sequence.
func (m *Manager) NewHeader(t codec.MessageType) codec.Header {
	return codec.Header{
		Type:      t,
		GroupID:   m.GroupID(),
		NodeType:  m.cfg.NodeType,
		Timestamp: m.clock.Millis(),
		Sequence:  m.NextSeq(),
	}
}

// HandleFrame is the radio callback. It copies the frame and enqueues it;
// when the queue is full the frame is dropped and counted. No protocol
// work happens on the radio's goroutine.
func (m *Manager) HandleFrame(src core.NodeAddr, frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case m.queue <- inbound{src: src, frame: buf}:
	default:
		m.counters.QueueDrops.Add(1)
		m.log.Warn("ingress queue full, dropping frame", "src", src)
	}
}

// Start runs the processing loop: draining the ingress queue as frames
// arrive and running housekeeping every poll interval.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop cancels the processing loop and waits for it to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-m.queue:
			m.process(in.src, in.frame)
		case <-ticker.C:
			m.housekeeping()
		}
	}
}

// ProcessQueue drains the ingress queue synchronously and runs one round
// of housekeeping. It returns the number of frames processed. Useful for
// single-threaded embedding and tests; the Start loop does the same work.
func (m *Manager) ProcessQueue() int {
	n := 0
	for {
		select {
		case in := <-m.queue:
			m.process(in.src, in.frame)
			n++
		default:
			m.housekeeping()
			return n
		}
	}
}

// housekeeping expires stale reassemblies and scans the retry queue.
func (m *Manager) housekeeping() {
	if m.assembler.Expire() {
		m.counters.ReassemblyTimeouts.Add(1)
	}
	m.processRetries()
}

// process decodes and dispatches one frame.
func (m *Manager) process(src core.NodeAddr, frame []byte) {
	header, err := codec.DecodeHeader(frame)
	if err != nil {
		m.counters.MalformedDropped.Add(1)
		m.log.Debug("dropping malformed frame", "src", src, "error", err)
		return
	}

	if m.dupes.IsDuplicate(src, header.Sequence) {
		m.counters.DuplicatesDropped.Add(1)
		return
	}

	m.counters.MessagesReceived.Add(1)

	handler := m.currentHandler()

	switch header.Type {
	case codec.TypeAnnounce:
		msg, err := codec.DecodeAnnounce(frame)
		if err != nil {
			m.dropMalformed(src, header.Type, err)
			return
		}
		if handler != nil {
			handler.HandleAnnounce(src, msg)
		}

	case codec.TypeAck:
		msg, err := codec.DecodeAck(frame)
		if err != nil {
			m.dropMalformed(src, header.Type, err)
			return
		}
		if handler != nil {
			handler.HandleAck(src, msg)
		}

	case codec.TypeConfig:
		msg, err := codec.DecodeConfig(frame)
		if err != nil {
			m.dropMalformed(src, header.Type, err)
			return
		}
		if handler != nil {
			handler.HandleConfig(src, msg)
		}

	case codec.TypeCommand:
		msg, err := codec.DecodeCommand(frame)
		if err != nil {
			m.dropMalformed(src, header.Type, err)
			return
		}
		m.handleCommand(src, msg, handler)

	case codec.TypeStatus:
		msg, err := codec.DecodeStatus(frame)
		if err != nil {
			m.dropMalformed(src, header.Type, err)
			return
		}
		if handler != nil {
			handler.HandleStatus(src, msg)
		}

	case codec.TypeHeartbeat:
		msg, err := codec.DecodeHeartbeat(frame)
		if err != nil {
			m.dropMalformed(src, header.Type, err)
			return
		}
		if m.peers.IsKnown(src) {
			m.peers.Heartbeat(src)
		}
		if handler != nil {
			handler.HandleHeartbeat(src, msg)
		}

	case codec.TypeUnmap:
		msg, err := codec.DecodeUnmap(frame)
		if err != nil {
			m.dropMalformed(src, header.Type, err)
			return
		}
		if handler != nil {
			handler.HandleUnmap(src, msg)
		}
	}
}

// handleCommand feeds a command fragment through reassembly. Single-frame
// commands (sequence 0 with the final flag) bypass the assembler.
func (m *Manager) handleCommand(src core.NodeAddr, msg *codec.Command, handler Handler) {
	m.counters.FragmentsReceived.Add(1)

	// An in-flight reassembly that has aged out must not absorb the
	// incoming fragment.
	if m.assembler.Expire() {
		m.counters.ReassemblyTimeouts.Add(1)
	}

	if msg.FragmentSeq == 0 && msg.Final {
		if handler != nil {
			handler.HandleCommand(src, msg.CommandID, msg.Chunk)
		}
		return
	}

	payload, err := m.assembler.HandleFragment(src, msg)
	switch {
	case err == nil:
		if payload != nil && handler != nil {
			handler.HandleCommand(src, msg.CommandID, payload)
		}
	case errors.Is(err, reassembly.ErrNotStarted):
		// Tail of a command whose start we missed. Ignore.
	default:
		m.counters.ProtocolViolations.Add(1)
		m.log.Warn("fragment aborted reassembly",
			"src", src, "command", msg.CommandID, "error", err)
	}
}

func (m *Manager) currentHandler() Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

func (m *Manager) dropMalformed(src core.NodeAddr, t codec.MessageType, err error) {
	m.counters.MalformedDropped.Add(1)
	m.log.Debug("dropping malformed message",
		"src", src, "type", codec.TypeName(t), "error", err)
}

// Send transmits one frame. With checkOnline set, the send is refused
// when the destination is a tracked peer currently offline, avoiding
// airtime on nodes known to be gone.
func (m *Manager) Send(dest core.NodeAddr, frame []byte, checkOnline bool) error {
	if m.radio == nil {
		return ErrNoRadio
	}
	if len(frame) > codec.MaxFrameSize {
		m.counters.SendFailures.Add(1)
		return fmt.Errorf("%w: %d bytes", codec.ErrFrameTooLarge, len(frame))
	}
	if checkOnline && m.peers.IsKnown(dest) && !m.peers.IsOnline(dest) {
		m.counters.SendFailures.Add(1)
		return fmt.Errorf("%w: %s", ErrPeerOffline, dest)
	}

	if err := m.radio.SendFrame(dest, frame); err != nil {
		m.counters.SendFailures.Add(1)
		return err
	}
	m.counters.MessagesSent.Add(1)
	return nil
}

// SendWithRetry transmits a frame, retrying with exponential backoff
// (base, 2x base, 4x base, ...) up to MaxRetries extra attempts. The call
// blocks through the backoff sleeps.
func (m *Manager) SendWithRetry(dest core.NodeAddr, frame []byte, checkOnline bool) error {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			m.sleepFn(m.cfg.RetryBaseDelay << (attempt - 1))
			m.counters.Retries.Add(1)
		}
		lastErr = m.Send(dest, frame, checkOnline)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// SendCommand fragments a command payload and transmits the fragments in
// order with a pacing delay between them. Delivery is all-or-nothing: a
// fragment failure aborts the remainder, since the receiver's assembler
// cannot complete without it.
func (m *Manager) SendCommand(dest core.NodeAddr, commandID uint8, payload []byte, checkOnline bool) error {
	if len(payload) > codec.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", codec.ErrPayloadTooLong, len(payload))
	}
	if checkOnline && m.peers.IsKnown(dest) && !m.peers.IsOnline(dest) {
		m.counters.SendFailures.Add(1)
		return fmt.Errorf("%w: %s", ErrPeerOffline, dest)
	}

	numFragments := (len(payload) + codec.FragmentSize - 1) / codec.FragmentSize
	if numFragments == 0 {
		numFragments = 1
	}

	for i := 0; i < numFragments; i++ {
		start := i * codec.FragmentSize
		end := start + codec.FragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		final := i == numFragments-1

		frag, err := codec.NewCommandFragment(
			m.NewHeader(codec.TypeCommand), commandID, uint8(i), final, payload[start:end])
		if err != nil {
			return err
		}
		if err := m.Send(dest, frag.Encode(), false); err != nil {
			return fmt.Errorf("fragment %d/%d: %w", i+1, numFragments, err)
		}
		m.counters.FragmentsSent.Add(1)

		if !final {
			m.sleepFn(m.cfg.InterFragmentDelay)
		}
	}
	return nil
}

// AddToRetryQueue defers a frame for retry during housekeeping. The first
// attempt happens one base delay from now; each failed attempt doubles
// the wait. After MaxRetries failed attempts the frame is dropped.
func (m *Manager) AddToRetryQueue(dest core.NodeAddr, frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = append(m.retries, &retryEntry{
		dest:        dest,
		frame:       buf,
		nextAttempt: m.nowFn().Add(m.cfg.RetryBaseDelay),
	})
}

// PendingRetries returns the number of frames waiting in the retry queue.
func (m *Manager) PendingRetries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retries)
}

// processRetries attempts every due retry entry once.
func (m *Manager) processRetries() {
	m.mu.Lock()
	now := m.nowFn()
	var due []*retryEntry
	for _, e := range m.retries {
		if !now.Before(e.nextAttempt) {
			due = append(due, e)
		}
	}
	m.mu.Unlock()

	for _, e := range due {
		m.counters.Retries.Add(1)
		err := m.Send(e.dest, e.frame, false)

		m.mu.Lock()
		if err == nil {
			m.removeRetry(e)
		} else {
			e.attempts++
			if e.attempts >= m.cfg.MaxRetries {
				m.removeRetry(e)
				m.log.Warn("dropping frame after retries",
					"dest", e.dest, "attempts", e.attempts, "error", err)
			} else {
				e.nextAttempt = m.nowFn().Add(m.cfg.RetryBaseDelay << e.attempts)
			}
		}
		m.mu.Unlock()
	}
}

// removeRetry deletes an entry from the retry queue. Caller holds m.mu.
func (m *Manager) removeRetry(target *retryEntry) {
	for i, e := range m.retries {
		if e == target {
			m.retries = append(m.retries[:i], m.retries[i+1:]...)
			return
		}
	}
}

// AddPeer starts tracking a peer: it becomes eligible for duplicate
// suppression and liveness timeout.
func (m *Manager) AddPeer(addr core.NodeAddr) {
	m.peers.Add(addr)
	m.dupes.Track(addr)
}

// RemovePeer stops tracking a peer.
func (m *Manager) RemovePeer(addr core.NodeAddr) {
	m.peers.Remove(addr)
	m.dupes.Forget(addr)
}

// IsPeerOnline reports whether a tracked peer is currently online.
func (m *Manager) IsPeerOnline(addr core.NodeAddr) bool {
	return m.peers.IsOnline(addr)
}

// IsPeerKnown reports whether a peer is tracked.
func (m *Manager) IsPeerKnown(addr core.NodeAddr) bool {
	return m.peers.IsKnown(addr)
}

// CheckPeerTimeouts marks tracked peers offline when their last heartbeat
// is older than timeout, returning how many flipped.
func (m *Manager) CheckPeerTimeouts(timeout time.Duration) int {
	return m.peers.CheckTimeouts(timeout)
}

// Peers returns a snapshot of all tracked peers.
func (m *Manager) Peers() []peer.Record {
	return m.peers.Snapshot()
}

// LocalAddr returns the radio's local address.
func (m *Manager) LocalAddr() core.NodeAddr {
	if m.radio == nil {
		return core.NodeAddr{}
	}
	return m.radio.LocalAddr()
}
