// Package node implements the peripheral side of the control network: a
// device that announces itself, gets provisioned by a hub, executes
// commands, and reports liveness. The Session owns the node's protocol
// state machine; the device-specific behavior plugs in through the
// Device interface.
package node

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bghosh412/aquanet-go/core"
	"github.com/bghosh412/aquanet-go/core/codec"
	"github.com/bghosh412/aquanet-go/link"
)

// State is the node session's lifecycle state.
type State uint8

const (
	// StateInitializing is the state before Start.
	StateInitializing State = iota
	// StateAnnouncing means the node is broadcasting discovery beacons.
	StateAnnouncing
	// StateWaitingForAck means a beacon went out and no hub has answered yet.
	StateWaitingForAck
	// StateConnected means a hub accepted this node.
	StateConnected
	// StateLostConnection means the hub went silent past the timeout. The
	// node enters fail-safe and resumes announcing.
	StateLostConnection
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAnnouncing:
		return "announcing"
	case StateWaitingForAck:
		return "waiting_for_ack"
	case StateConnected:
		return "connected"
	case StateLostConnection:
		return "lost_connection"
	default:
		return "unknown"
	}
}

const (
	// DefaultAnnounceInterval is how often discovery beacons go out while
	// unprovisioned.
	DefaultAnnounceInterval = 5 * time.Second

	// DefaultHeartbeatInterval is how often a connected node reports
	// liveness to its hub.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultConnectionTimeout is how long the hub may stay silent before
	// the node declares the connection lost and enters fail-safe.
	DefaultConnectionTimeout = 90 * time.Second

	// DefaultTickInterval is the Start loop's state machine tick.
	DefaultTickInterval = 1 * time.Second
)

// Device is the hardware-specific half of a node. HandleCommand executes
// one command and returns the status code and reply data for the Status
// message. EnterFailSafe puts the hardware into its safe output state; it
// is called when the hub connection is lost.
type Device interface {
	HandleCommand(commandID uint8, payload []byte) (statusCode uint8, data []byte)
	EnterFailSafe()
}

// Config configures a Session.
type Config struct {
	// Manager is the link-layer manager the session runs on.
	Manager *link.Manager

	// Device executes commands and handles fail-safe.
	Device Device

	// Store persists the provisioned identity across restarts. Optional;
	// without it the node is re-provisioned on every boot.
	Store *IdentityStore

	// FirmwareVersion and Capabilities are advertised in beacons.
	FirmwareVersion uint8
	Capabilities    uint8

	// HealthFn supplies the health byte for heartbeats. Optional;
	// defaults to always zero (healthy).
	HealthFn func() uint8

	// AnnounceInterval is the discovery beacon period. Default: 5s.
	AnnounceInterval time.Duration

	// HeartbeatInterval is the liveness report period. Default: 30s.
	HeartbeatInterval time.Duration

	// ConnectionTimeout is the hub silence limit. Default: 90s.
	ConnectionTimeout time.Duration

	// TickInterval is the Start loop's period. Default: 1s.
	TickInterval time.Duration

	// Logger for session events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Session is the node-side protocol state machine. It implements
// link.Handler for the hub-facing messages; node-facing message types are
// ignored.
type Session struct {
	cfg Config
	log *slog.Logger
	mgr *link.Manager
	dev Device

	mu            sync.Mutex
	state         State
	upstream      core.NodeAddr
	hasUpstream   bool
	name          string
	lastAnnounce  time.Time
	lastHeartbeat time.Time
	lastContact   time.Time

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a node session and installs it as the manager's
// message handler.
func NewSession(cfg Config) *Session {
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		cfg:   cfg,
		log:   logger.WithGroup("node"),
		mgr:   cfg.Manager,
		dev:   cfg.Device,
		state: StateInitializing,
		nowFn: time.Now,
	}
	s.mgr.SetHandler(s)
	return s
}

// Start loads any stored identity, begins announcing and runs the state
// machine tick until the context is cancelled or Stop is called.
func (s *Session) Start(ctx context.Context) error {
	if s.cfg.Store != nil {
		id, err := s.cfg.Store.Load()
		if err != nil {
			return err
		}
		if id != nil {
			s.mgr.SetGroupID(id.GroupID)
			s.mu.Lock()
			s.name = id.Name
			s.mu.Unlock()
			s.log.Info("loaded stored identity", "group", id.GroupID, "name", id.Name)
		}
	}

	s.mu.Lock()
	s.state = StateAnnouncing
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Stop cancels the state machine loop and waits for it to finish.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick advances the state machine: due beacons and heartbeats go out,
// and hub silence past the timeout triggers fail-safe. The Start loop
// calls it periodically; single-threaded embeddings may call it directly.
func (s *Session) Tick() {
	now := s.nowFn()

	s.mu.Lock()
	state := s.state
	upstream := s.upstream
	announceDue := now.Sub(s.lastAnnounce) >= s.cfg.AnnounceInterval
	heartbeatDue := now.Sub(s.lastHeartbeat) >= s.cfg.HeartbeatInterval
	hubSilent := now.Sub(s.lastContact) >= s.cfg.ConnectionTimeout
	s.mu.Unlock()

	switch state {
	case StateAnnouncing, StateWaitingForAck, StateLostConnection:
		if announceDue {
			s.sendAnnounce(now)
		}

	case StateConnected:
		if hubSilent {
			s.loseConnection(upstream)
			return
		}
		if heartbeatDue {
			s.sendHeartbeat(now, upstream)
		}
	}
}

// sendAnnounce broadcasts a discovery beacon.
func (s *Session) sendAnnounce(now time.Time) {
	msg := &codec.Announce{
		Header:          s.mgr.NewHeader(codec.TypeAnnounce),
		FirmwareVersion: s.cfg.FirmwareVersion,
		Capabilities:    s.cfg.Capabilities,
	}

	s.mu.Lock()
	s.lastAnnounce = now
	if s.state == StateAnnouncing || s.state == StateLostConnection {
		s.state = StateWaitingForAck
	}
	s.mu.Unlock()

	if err := s.mgr.Send(core.Broadcast, msg.Encode(), false); err != nil {
		s.log.Warn("announce failed", "error", err)
		return
	}
	s.log.Debug("announced", "firmware", s.cfg.FirmwareVersion)
}

// sendHeartbeat unicasts a liveness report to the upstream hub.
func (s *Session) sendHeartbeat(now time.Time, upstream core.NodeAddr) {
	health := uint8(0)
	if s.cfg.HealthFn != nil {
		health = s.cfg.HealthFn()
	}
	msg := &codec.Heartbeat{
		Header:        s.mgr.NewHeader(codec.TypeHeartbeat),
		Health:        health,
		UptimeMinutes: s.mgr.Clock().UptimeMinutes(),
	}

	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()

	if err := s.mgr.Send(upstream, msg.Encode(), false); err != nil {
		s.log.Warn("heartbeat failed", "error", err)
	}
}

// loseConnection puts the device into fail-safe and resumes announcing.
func (s *Session) loseConnection(upstream core.NodeAddr) {
	s.log.Warn("hub silent past timeout, entering fail-safe", "hub", upstream)

	s.mu.Lock()
	s.state = StateLostConnection
	s.hasUpstream = false
	s.mu.Unlock()

	s.mgr.RemovePeer(upstream)
	s.dev.EnterFailSafe()
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Upstream returns the hub this node is connected to, if any.
func (s *Session) Upstream() (core.NodeAddr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream, s.hasUpstream
}

// Name returns the provisioned device name, empty when unprovisioned.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// trusted reports whether src is the connected upstream hub. Messages
// from anyone else are ignored once provisioned.
func (s *Session) trusted(src core.NodeAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasUpstream && s.upstream == src
}

// touch records hub activity for the silence timeout.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastContact = s.nowFn()
	s.mu.Unlock()
}

// HandleAck processes a hub's answer to our beacon.
func (s *Session) HandleAck(src core.NodeAddr, msg *codec.Ack) {
	if !msg.Accepted {
		s.log.Info("hub rejected announce", "hub", src)
		return
	}

	s.mu.Lock()
	if s.state != StateWaitingForAck && s.state != StateAnnouncing && s.state != StateLostConnection {
		// Already connected; a second hub answering is ignored.
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.upstream = src
	s.hasUpstream = true
	s.lastContact = s.nowFn()
	s.lastHeartbeat = s.nowFn()
	s.mu.Unlock()

	s.mgr.AddPeer(src)
	s.log.Info("connected to hub", "hub", src, "assigned_id", msg.AssignedID)
}

// HandleConfig applies provisioning from the upstream hub: group, name,
// device blob. The identity is persisted and acknowledged with a
// zero-command Status.
func (s *Session) HandleConfig(src core.NodeAddr, msg *codec.Config) {
	if !s.trusted(src) {
		s.log.Debug("ignoring config from untrusted source", "src", src)
		return
	}
	s.touch()

	s.mgr.SetGroupID(msg.GroupID)
	s.mu.Lock()
	s.name = msg.DeviceName
	s.mu.Unlock()

	if s.cfg.Store != nil {
		id := &Identity{
			GroupID:    msg.GroupID,
			Name:       msg.DeviceName,
			ConfigData: msg.ConfigData[:],
		}
		if err := s.cfg.Store.Save(id); err != nil {
			s.log.Error("persisting identity failed", "error", err)
		}
	}

	s.log.Info("provisioned", "group", msg.GroupID, "name", msg.DeviceName)
	s.sendStatus(src, 0, 0, nil)
}

// HandleCommand executes a command through the device and reports the
// result with a Status message.
func (s *Session) HandleCommand(src core.NodeAddr, commandID uint8, payload []byte) {
	if !s.trusted(src) {
		s.log.Debug("ignoring command from untrusted source", "src", src, "command", commandID)
		return
	}
	s.touch()

	statusCode, data := s.dev.HandleCommand(commandID, payload)
	s.log.Debug("command executed", "command", commandID, "status", statusCode)
	s.sendStatus(src, commandID, statusCode, data)
}

// HandleUnmap resets the node to factory-fresh discovery: identity
// cleared, group zeroed, announcing resumes immediately.
func (s *Session) HandleUnmap(src core.NodeAddr, msg *codec.Unmap) {
	if !s.trusted(src) {
		s.log.Debug("ignoring unmap from untrusted source", "src", src)
		return
	}

	s.log.Info("unmapped by hub", "hub", src, "reason", msg.Reason)

	s.mgr.RemovePeer(src)
	s.mgr.SetGroupID(0)
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Clear(); err != nil {
			s.log.Error("clearing identity failed", "error", err)
		}
	}

	s.mu.Lock()
	s.state = StateAnnouncing
	s.hasUpstream = false
	s.name = ""
	s.lastAnnounce = time.Time{} // next tick announces immediately
	s.mu.Unlock()
}

// HandleHeartbeat on a node only refreshes the hub silence timer.
func (s *Session) HandleHeartbeat(src core.NodeAddr, msg *codec.Heartbeat) {
	if s.trusted(src) {
		s.touch()
	}
}

// HandleAnnounce is hub-side traffic; nodes ignore it.
func (s *Session) HandleAnnounce(core.NodeAddr, *codec.Announce) {}

// HandleStatus is hub-side traffic; nodes ignore it.
func (s *Session) HandleStatus(core.NodeAddr, *codec.Status) {}

func (s *Session) sendStatus(dest core.NodeAddr, commandID, statusCode uint8, data []byte) {
	msg, err := codec.NewStatus(s.mgr.NewHeader(codec.TypeStatus), commandID, statusCode, data)
	if err != nil {
		s.log.Error("building status failed", "error", err)
		return
	}
	if err := s.mgr.SendWithRetry(dest, msg.Encode(), false); err != nil {
		s.log.Warn("status report failed", "command", commandID, "error", err)
	}
}
