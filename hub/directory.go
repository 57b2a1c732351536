package hub

import (
	"sync"
	"time"

	"github.com/bghosh412/aquanet-go/core"
	"github.com/bghosh412/aquanet-go/core/codec"
)

// NodeRecord is everything the hub knows about one node.
type NodeRecord struct {
	Addr         core.NodeAddr
	NodeType     codec.NodeType
	Firmware     uint8
	Capabilities uint8
	AssignedID   uint8

	// Provisioned identity. GroupID zero means not yet provisioned.
	GroupID uint8
	Name    string

	// Last reported liveness.
	LastHealth uint8
	LastUptime uint16

	FirstSeen time.Time
	LastSeen  time.Time
}

// Directory is the hub's registry of every node that has ever announced.
// Liveness lives in the link manager's peer tracker; the directory keeps
// identity and last-reported state.
type Directory struct {
	mu    sync.Mutex
	nodes map[core.NodeAddr]*NodeRecord

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewDirectory creates an empty node directory.
func NewDirectory() *Directory {
	return &Directory{
		nodes: make(map[core.NodeAddr]*NodeRecord),
		nowFn: time.Now,
	}
}

// Upsert records an announce, creating the record on first contact.
// Returns the record copy and whether the node was new.
func (d *Directory) Upsert(src core.NodeAddr, msg *codec.Announce) (NodeRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFn()
	rec, ok := d.nodes[src]
	if !ok {
		rec = &NodeRecord{Addr: src, FirstSeen: now}
		d.nodes[src] = rec
	}
	rec.NodeType = msg.NodeType
	rec.Firmware = msg.FirmwareVersion
	rec.Capabilities = msg.Capabilities
	rec.LastSeen = now
	return *rec, !ok
}

// SetAssignedID stores the short id handed out in the ack.
func (d *Directory) SetAssignedID(addr core.NodeAddr, id uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.nodes[addr]; ok {
		rec.AssignedID = id
	}
}

// SetIdentity stores a node's provisioned group and name.
func (d *Directory) SetIdentity(addr core.NodeAddr, groupID uint8, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.nodes[addr]; ok {
		rec.GroupID = groupID
		rec.Name = name
	}
}

// RecordHeartbeat updates a node's last-reported health and uptime.
func (d *Directory) RecordHeartbeat(addr core.NodeAddr, health uint8, uptime uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.nodes[addr]; ok {
		rec.LastHealth = health
		rec.LastUptime = uptime
		rec.LastSeen = d.nowFn()
	}
}

// Touch refreshes a node's last-seen time.
func (d *Directory) Touch(addr core.NodeAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.nodes[addr]; ok {
		rec.LastSeen = d.nowFn()
	}
}

// Get returns a copy of a node's record.
func (d *Directory) Get(addr core.NodeAddr) (NodeRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.nodes[addr]
	if !ok {
		return NodeRecord{}, false
	}
	return *rec, true
}

// Remove deletes a node's record.
func (d *Directory) Remove(addr core.NodeAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, addr)
}

// Count returns the number of known nodes.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.nodes)
}

// Snapshot returns copies of all node records.
func (d *Directory) Snapshot() []NodeRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]NodeRecord, 0, len(d.nodes))
	for _, rec := range d.nodes {
		out = append(out, *rec)
	}
	return out
}
