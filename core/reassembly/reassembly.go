// Package reassembly rebuilds fragmented commands on the receiving side.
//
// A command larger than one fragment arrives as a run of Command frames
// with fragment sequence numbers incrementing from 0 and the final flag set
// on the last one. Fragments must arrive strictly in order; there is no
// out-of-order buffering. The assembler holds a single slot, so only one
// fragmented command can be in flight per receiver at a time — a hub
// receiving fragmented traffic from many concurrently-sending peers would
// need one assembler per active sender.
package reassembly

import (
	"errors"
	"log/slog"
	"time"

	"github.com/bghosh412/aquanet-go/core"
	"github.com/bghosh412/aquanet-go/core/codec"
)

const (
	// DefaultTimeout is how long an in-flight reassembly may sit without
	// completing before it is discarded.
	DefaultTimeout = 1500 * time.Millisecond
)

var (
	// ErrNotStarted is returned for a non-initial fragment with no
	// reassembly in flight. The fragment is ignored; recovery requires a
	// fresh sequence-0 fragment.
	ErrNotStarted = errors.New("fragment does not start a reassembly")

	// ErrCommandMismatch is returned when a fragment's command id differs
	// from the in-flight command. The reassembly is aborted.
	ErrCommandMismatch = errors.New("command id mismatch mid-reassembly")

	// ErrOutOfOrder is returned when a fragment's sequence is not the
	// expected next one. The reassembly is aborted.
	ErrOutOfOrder = errors.New("fragment out of order")

	// ErrOverflow is returned when appending a chunk would exceed the
	// maximum message size. The reassembly is aborted.
	ErrOverflow = errors.New("reassembly buffer overflow")
)

// Config configures an Assembler.
type Config struct {
	// Timeout is the maximum age of an in-flight reassembly.
	// Default: 1.5 seconds.
	Timeout time.Duration

	// MaxMessageSize bounds the assembled payload.
	// Default: codec.MaxMessageSize (512).
	MaxMessageSize int

	// Logger for reassembly events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Assembler is the single-slot strict-order fragment reassembler.
// It is not safe for concurrent use; it is owned by the protocol loop.
type Assembler struct {
	cfg Config
	log *slog.Logger

	active      bool
	commandID   uint8
	expectedSeq uint8
	start       time.Time
	src         core.NodeAddr
	buf         []byte

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates an Assembler with the given configuration.
func New(cfg Config) *Assembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = codec.MaxMessageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		cfg:   cfg,
		log:   logger.WithGroup("reassembly"),
		nowFn: time.Now,
	}
}

// Active reports whether a reassembly is in flight.
func (a *Assembler) Active() bool {
	return a.active
}

// Expire aborts the in-flight reassembly if it has exceeded the timeout.
// Returns true if a timeout occurred. Called both on each loop poll and
// before handling a newly arrived fragment.
func (a *Assembler) Expire() bool {
	if !a.active {
		return false
	}
	if a.nowFn().Sub(a.start) <= a.cfg.Timeout {
		return false
	}
	a.log.Debug("reassembly timed out",
		"command", a.commandID, "src", a.src.String(), "collected", len(a.buf))
	a.reset()
	return true
}

// HandleFragment feeds one fragment into the assembler.
//
// On completion it returns the exact assembled payload and the source
// address it came from. A nil payload with a nil error means the fragment
// was accepted and more are expected. A non-nil error means the fragment
// was rejected; for every error except ErrNotStarted the in-flight
// reassembly has been aborted.
//
// Single-frame commands (sequence 0 with the final flag) are expected to
// be dispatched directly by the caller and never reach the assembler.
func (a *Assembler) HandleFragment(src core.NodeAddr, cmd *codec.Command) ([]byte, error) {
	if !a.active {
		if cmd.FragmentSeq != 0 {
			return nil, ErrNotStarted
		}
		a.active = true
		a.commandID = cmd.CommandID
		a.expectedSeq = 0
		a.start = a.nowFn()
		a.src = src
		a.buf = make([]byte, 0, a.cfg.MaxMessageSize)
		a.log.Debug("reassembly started", "command", cmd.CommandID, "src", src.String())
	}

	if cmd.CommandID != a.commandID {
		a.log.Debug("aborting reassembly: command id mismatch",
			"want", a.commandID, "got", cmd.CommandID)
		a.reset()
		return nil, ErrCommandMismatch
	}
	if cmd.FragmentSeq != a.expectedSeq {
		a.log.Debug("aborting reassembly: sequence mismatch",
			"want", a.expectedSeq, "got", cmd.FragmentSeq)
		a.reset()
		return nil, ErrOutOfOrder
	}
	if len(a.buf)+len(cmd.Chunk) > a.cfg.MaxMessageSize {
		a.log.Debug("aborting reassembly: buffer overflow",
			"collected", len(a.buf), "chunk", len(cmd.Chunk))
		a.reset()
		return nil, ErrOverflow
	}

	a.buf = append(a.buf, cmd.Chunk...)
	a.expectedSeq++

	if !cmd.Final {
		return nil, nil
	}

	payload := a.buf
	a.log.Debug("reassembly complete", "command", a.commandID, "bytes", len(payload))
	a.reset()
	return payload, nil
}

// Source returns the address of the sender of the in-flight reassembly.
func (a *Assembler) Source() core.NodeAddr {
	return a.src
}

func (a *Assembler) reset() {
	a.active = false
	a.buf = nil
}
