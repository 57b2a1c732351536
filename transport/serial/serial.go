// Package serial provides a radio transport bridged over a serial line.
//
// A radio modem on the far end of the line handles the actual RF. Each
// datagram crosses the serial link wrapped in checksummed link framing
// (see codec.EncodeLinkFrame) with a 12-byte address prefix: destination
// first, then source. The modem fills in the source on receive.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bghosh412/aquanet-go/core"
	"github.com/bghosh412/aquanet-go/core/codec"
	"github.com/bghosh412/aquanet-go/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Radio = (*Radio)(nil)

const (
	// DefaultBaudRate is the default baud rate for modem connections.
	DefaultBaudRate = 115200

	// addrPrefixSize is the dest+src address prefix on every link payload.
	addrPrefixSize = 12

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

// Config holds the configuration for a serial radio bridge.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// LocalAddr is this endpoint's radio address.
	LocalAddr core.NodeAddr
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Radio implements transport.Radio over a serial-attached modem.
type Radio struct {
	cfg          Config
	port         serial.Port
	log          *slog.Logger
	mu           sync.RWMutex
	connected    bool
	cancel       context.CancelFunc
	done         chan struct{}
	frameHandler transport.FrameHandler
	stateHandler transport.StateHandler
}

// New creates a new serial radio bridge with the given configuration.
func New(cfg Config) *Radio {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Radio{
		cfg: cfg,
		log: cfg.Logger.WithGroup("serial"),
	}
}

// Start opens the serial port and begins reading frames.
func (r *Radio) Start(ctx context.Context) error {
	if r.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	mode := &serial.Mode{
		BaudRate: r.cfg.BaudRate,
	}

	port, err := serial.Open(r.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	r.mu.Lock()
	r.port = port
	r.connected = true
	r.done = make(chan struct{})
	handler := r.stateHandler
	r.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.readLoop(readCtx)

	r.log.Info("connected to radio modem", "port", r.cfg.Port, "baud", r.cfg.BaudRate)

	if handler != nil {
		handler(r, transport.EventConnected)
	}

	return nil
}

// Stop closes the serial port and stops the read loop.
func (r *Radio) Stop() error {
	r.mu.Lock()
	handler := r.stateHandler
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}

	r.mu.Lock()
	r.connected = false
	port := r.port
	r.port = nil
	done := r.done
	r.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}

	// Wait for read loop to finish
	if done != nil {
		<-done
	}

	if handler != nil {
		handler(r, transport.EventDisconnected)
	}

	return err
}

// IsConnected returns true if the serial port is open.
func (r *Radio) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// LocalAddr returns this endpoint's radio address.
func (r *Radio) LocalAddr() core.NodeAddr {
	return r.cfg.LocalAddr
}

// SetFrameHandler sets the callback for incoming frames.
func (r *Radio) SetFrameHandler(fn transport.FrameHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frameHandler = fn
}

// SetStateHandler sets the callback for radio state changes.
func (r *Radio) SetStateHandler(fn transport.StateHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateHandler = fn
}

// SendFrame writes an addressed, link-framed datagram to the modem.
func (r *Radio) SendFrame(dest core.NodeAddr, frame []byte) error {
	if len(frame) > codec.MaxFrameSize {
		return fmt.Errorf("frame %d bytes exceeds radio limit %d", len(frame), codec.MaxFrameSize)
	}

	r.mu.RLock()
	port := r.port
	connected := r.connected
	r.mu.RUnlock()

	if !connected || port == nil {
		return errors.New("not connected")
	}

	payload := make([]byte, addrPrefixSize+len(frame))
	copy(payload[0:6], dest.Bytes())
	copy(payload[6:12], r.cfg.LocalAddr.Bytes())
	copy(payload[addrPrefixSize:], frame)

	linkFrame, err := codec.EncodeLinkFrame(payload)
	if err != nil {
		return fmt.Errorf("encoding link frame: %w", err)
	}

	if _, err := port.Write(linkFrame); err != nil {
		return fmt.Errorf("writing to serial port: %w", err)
	}

	return nil
}

// readLoop continuously reads from the serial port and assembles link frames.
func (r *Radio) readLoop(ctx context.Context) {
	defer close(r.done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := r.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return // context cancelled, clean shutdown
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				r.handleDisconnect(err)
				return
			}
			r.log.Error("serial read error", "error", err)
			r.handleDisconnect(err)
			return
		}

		if n == 0 {
			continue
		}

		assemblyBuf = append(assemblyBuf, buf[:n]...)
		assemblyBuf = r.processFrames(assemblyBuf)
	}
}

// processFrames extracts complete link frames from the buffer and dispatches
// the contained datagrams. Returns any remaining bytes that don't form a
// complete frame.
func (r *Radio) processFrames(data []byte) []byte {
	for len(data) >= codec.MinLinkFrameSize {
		payload, remaining, err := codec.DecodeLinkFrame(data)
		if err != nil {
			if errors.Is(err, codec.ErrLinkIncomplete) {
				return data // wait for more data
			}
			if errors.Is(err, codec.ErrLinkChecksum) {
				r.log.Debug("dropping corrupt link frame")
				data = remaining
				continue
			}
			// Bad leading bytes — hunt for the next frame magic.
			data = codec.ResyncLinkBuffer(data)
			continue
		}

		data = remaining

		if len(payload) < addrPrefixSize {
			r.log.Debug("link frame too short for address prefix", "len", len(payload))
			continue
		}

		var dest, src core.NodeAddr
		copy(dest[:], payload[0:6])
		copy(src[:], payload[6:12])

		// The modem forwards everything it hears; keep only frames for us
		// or for the broadcast address.
		if dest != r.cfg.LocalAddr && !dest.IsBroadcast() {
			continue
		}

		r.mu.RLock()
		handler := r.frameHandler
		r.mu.RUnlock()

		if handler != nil {
			handler(src, payload[addrPrefixSize:])
		}
	}

	return data
}

func (r *Radio) handleDisconnect(err error) {
	r.mu.Lock()
	wasConnected := r.connected
	r.connected = false
	handler := r.stateHandler
	r.mu.Unlock()

	if !wasConnected {
		return
	}

	r.log.Warn("radio modem disconnected", "error", err)
	if handler != nil {
		handler(r, transport.EventDisconnected)
	}
}
