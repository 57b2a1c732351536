package link

import "sync/atomic"

// Counters tracks link-layer statistics using atomic counters.
type Counters struct {
	MessagesSent       atomic.Uint32 // Frames handed to the radio
	MessagesReceived   atomic.Uint32 // Frames accepted after dedupe
	SendFailures       atomic.Uint32 // Sends that failed after all retries
	Retries            atomic.Uint32 // Individual retry attempts
	FragmentsSent      atomic.Uint32 // Command fragments sent
	FragmentsReceived  atomic.Uint32 // Command fragments received
	ReassemblyTimeouts atomic.Uint32 // In-flight reassemblies discarded by age
	DuplicatesDropped  atomic.Uint32 // Frames suppressed by sequence dedupe
	MalformedDropped   atomic.Uint32 // Frames that failed to decode
	ProtocolViolations atomic.Uint32 // Fragments that aborted a reassembly
	QueueDrops         atomic.Uint32 // Frames dropped at the full ingress queue
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	MessagesSent       uint32
	MessagesReceived   uint32
	SendFailures       uint32
	Retries            uint32
	FragmentsSent      uint32
	FragmentsReceived  uint32
	ReassemblyTimeouts uint32
	DuplicatesDropped  uint32
	MalformedDropped   uint32
	ProtocolViolations uint32
	QueueDrops         uint32
}

// Snapshot returns a consistent point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		MessagesSent:       c.MessagesSent.Load(),
		MessagesReceived:   c.MessagesReceived.Load(),
		SendFailures:       c.SendFailures.Load(),
		Retries:            c.Retries.Load(),
		FragmentsSent:      c.FragmentsSent.Load(),
		FragmentsReceived:  c.FragmentsReceived.Load(),
		ReassemblyTimeouts: c.ReassemblyTimeouts.Load(),
		DuplicatesDropped:  c.DuplicatesDropped.Load(),
		MalformedDropped:   c.MalformedDropped.Load(),
		ProtocolViolations: c.ProtocolViolations.Load(),
		QueueDrops:         c.QueueDrops.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.MessagesSent.Store(0)
	c.MessagesReceived.Store(0)
	c.SendFailures.Store(0)
	c.Retries.Store(0)
	c.FragmentsSent.Store(0)
	c.FragmentsReceived.Store(0)
	c.ReassemblyTimeouts.Store(0)
	c.DuplicatesDropped.Store(0)
	c.MalformedDropped.Store(0)
	c.ProtocolViolations.Store(0)
	c.QueueDrops.Store(0)
}
