// Package hub implements the coordinating side of the control network: a
// central controller that accepts announcing nodes, provisions their
// identities, sends them commands and watches their heartbeats. A hub
// serves many nodes; each node trusts exactly one hub.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bghosh412/aquanet-go/core"
	"github.com/bghosh412/aquanet-go/core/codec"
	"github.com/bghosh412/aquanet-go/link"
	"github.com/bghosh412/aquanet-go/peer"
)

// ErrUnknownNode is returned for operations on a node that has never
// announced to this hub.
var ErrUnknownNode = errors.New("unknown node")

const (
	// DefaultPeerTimeout is how long a node may go without a heartbeat
	// before the hub marks it offline.
	DefaultPeerTimeout = peer.DefaultTimeout

	// DefaultSweepInterval is how often the hub scans for silent nodes.
	DefaultSweepInterval = 10 * time.Second
)

// AcceptPolicy decides whether an announcing node may join. A nil policy
// accepts everyone.
type AcceptPolicy func(src core.NodeAddr, msg *codec.Announce) bool

// StatusFn is called for every status report a node sends, including
// command replies and provisioning acknowledgements.
type StatusFn func(src core.NodeAddr, msg *codec.Status)

// Config configures a Hub.
type Config struct {
	// Manager is the link-layer manager the hub runs on.
	Manager *link.Manager

	// Accept gates announcing nodes. Nil accepts all.
	Accept AcceptPolicy

	// OnStatus receives node status reports. Optional.
	OnStatus StatusFn

	// PeerTimeout is the heartbeat silence limit. Default: 60s.
	PeerTimeout time.Duration

	// SweepInterval is how often silent nodes are checked for.
	// Default: 10s.
	SweepInterval time.Duration

	// Logger for hub events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Hub is the hub-side protocol engine. It implements link.Handler for the
// node-facing messages; hub-facing message types are ignored.
type Hub struct {
	cfg Config
	log *slog.Logger
	mgr *link.Manager
	dir *Directory

	mu     sync.Mutex
	nextID uint8

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a hub and installs it as the manager's message handler.
func New(cfg Config) *Hub {
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = DefaultPeerTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		cfg: cfg,
		log: logger.WithGroup("hub"),
		mgr: cfg.Manager,
		dir: NewDirectory(),
	}
	h.mgr.SetHandler(h)
	return h
}

// Start runs the silent-node sweep until the context is cancelled or
// Stop is called.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx)
}

// Stop cancels the sweep loop and waits for it to finish.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
		h.cancel = nil
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.mgr.CheckPeerTimeouts(h.cfg.PeerTimeout); n > 0 {
				h.log.Warn("nodes went silent", "count", n)
			}
		}
	}
}

// Directory returns the hub's node registry.
func (h *Hub) Directory() *Directory {
	return h.dir
}

// Nodes returns copies of all known node records.
func (h *Hub) Nodes() []NodeRecord {
	return h.dir.Snapshot()
}

// IsNodeOnline reports whether a node is currently heartbeating.
func (h *Hub) IsNodeOnline(addr core.NodeAddr) bool {
	return h.mgr.IsPeerOnline(addr)
}

// assignID hands out a short id, reusing the one a returning node
// already has.
func (h *Hub) assignID(addr core.NodeAddr) uint8 {
	if rec, ok := h.dir.Get(addr); ok && rec.AssignedID != 0 {
		return rec.AssignedID
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()
	return id
}

// HandleAnnounce admits or rejects an announcing node. Admitted nodes are
// tracked, acked, and re-provisioned when the hub already knows their
// identity (a provisioned node that rebooted).
func (h *Hub) HandleAnnounce(src core.NodeAddr, msg *codec.Announce) {
	if h.cfg.Accept != nil && !h.cfg.Accept(src, msg) {
		h.log.Info("rejecting node", "node", src, "type", codec.NodeTypeName(msg.NodeType))
		h.sendAck(src, 0, false)
		return
	}

	rec, isNew := h.dir.Upsert(src, msg)
	id := h.assignID(src)
	h.dir.SetAssignedID(src, id)
	h.mgr.AddPeer(src)

	h.log.Info("node announced",
		"node", src,
		"type", codec.NodeTypeName(msg.NodeType),
		"firmware", msg.FirmwareVersion,
		"new", isNew)

	h.sendAck(src, id, true)

	if rec.GroupID != 0 {
		// A known node come back from a reboot. Push its identity again so
		// it does not sit unprovisioned.
		if err := h.Provision(src, rec.GroupID, rec.Name, nil); err != nil {
			h.log.Warn("re-provisioning failed", "node", src, "error", err)
		}
	}
}

func (h *Hub) sendAck(dest core.NodeAddr, id uint8, accepted bool) {
	msg := &codec.Ack{
		Header:     h.mgr.NewHeader(codec.TypeAck),
		AssignedID: id,
		Accepted:   accepted,
	}
	// A lost ack is recovered by the node's next beacon.
	if err := h.mgr.Send(dest, msg.Encode(), false); err != nil {
		h.log.Warn("ack failed", "node", dest, "error", err)
	}
}

// HandleHeartbeat records a node's reported health. Liveness refresh
// already happened in the link manager.
func (h *Hub) HandleHeartbeat(src core.NodeAddr, msg *codec.Heartbeat) {
	h.dir.RecordHeartbeat(src, msg.Health, msg.UptimeMinutes)
}

// HandleStatus forwards node status reports to the configured callback.
func (h *Hub) HandleStatus(src core.NodeAddr, msg *codec.Status) {
	h.dir.Touch(src)
	h.log.Debug("status report",
		"node", src, "command", msg.CommandID, "status", msg.StatusCode)
	if h.cfg.OnStatus != nil {
		h.cfg.OnStatus(src, msg)
	}
}

// HandleAck is node-side traffic; hubs ignore it.
func (h *Hub) HandleAck(core.NodeAddr, *codec.Ack) {}

// HandleConfig is node-side traffic; hubs ignore it.
func (h *Hub) HandleConfig(core.NodeAddr, *codec.Config) {}

// HandleCommand is node-side traffic; hubs ignore it.
func (h *Hub) HandleCommand(core.NodeAddr, uint8, []byte) {}

// HandleUnmap is node-side traffic; hubs ignore it.
func (h *Hub) HandleUnmap(core.NodeAddr, *codec.Unmap) {}

// Provision assigns a node its group, name and device blob. The config
// frame is retried; a node answers with a zero-command Status.
func (h *Hub) Provision(addr core.NodeAddr, groupID uint8, name string, blob []byte) error {
	if _, ok := h.dir.Get(addr); !ok {
		return fmt.Errorf("provision %s: %w", addr, ErrUnknownNode)
	}

	header := h.mgr.NewHeader(codec.TypeConfig)
	header.GroupID = groupID
	msg, err := codec.NewConfig(header, name, blob)
	if err != nil {
		return err
	}

	if err := h.mgr.SendWithRetry(addr, msg.Encode(), true); err != nil {
		return fmt.Errorf("provision %s: %w", addr, err)
	}

	h.dir.SetIdentity(addr, groupID, name)
	h.log.Info("provisioned node", "node", addr, "group", groupID, "name", name)
	return nil
}

// Unmap resets a node to discovery mode and forgets it.
func (h *Hub) Unmap(addr core.NodeAddr, reason uint8) error {
	if _, ok := h.dir.Get(addr); !ok {
		return fmt.Errorf("unmap %s: %w", addr, ErrUnknownNode)
	}

	msg := &codec.Unmap{
		Header: h.mgr.NewHeader(codec.TypeUnmap),
		Reason: reason,
	}
	if err := h.mgr.SendWithRetry(addr, msg.Encode(), true); err != nil {
		return fmt.Errorf("unmap %s: %w", addr, err)
	}

	h.mgr.RemovePeer(addr)
	h.dir.Remove(addr)
	h.log.Info("unmapped node", "node", addr, "reason", reason)
	return nil
}

// SendCommand sends a command payload to a node, fragmenting as needed.
// The node must be online; the reply arrives as a Status report.
func (h *Hub) SendCommand(addr core.NodeAddr, commandID uint8, payload []byte) error {
	if _, ok := h.dir.Get(addr); !ok {
		return fmt.Errorf("command to %s: %w", addr, ErrUnknownNode)
	}
	return h.mgr.SendCommand(addr, commandID, payload, true)
}
