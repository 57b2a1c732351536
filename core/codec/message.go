// Package codec defines the wire format for aquanet control messages.
//
// Every message starts with an 8-byte header followed by a fixed,
// type-specific payload layout. All multi-byte fields are little endian and
// there is no padding between fields. Every encoded message fits within a
// single 250-byte radio frame; the layouts are sized so that an over-limit
// message cannot be constructed.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType identifies the payload layout that follows the header.
type MessageType uint8

const (
	TypeAnnounce  MessageType = 0x01 // Node announces itself (discovery)
	TypeAck       MessageType = 0x02 // Hub acknowledges a discovery beacon
	TypeConfig    MessageType = 0x03 // Hub provisions a node
	TypeCommand   MessageType = 0x04 // Hub command fragment to a node
	TypeStatus    MessageType = 0x05 // Node status / command reply
	TypeHeartbeat MessageType = 0x06 // Periodic liveness signal
	TypeUnmap     MessageType = 0x07 // Hub resets a node to discovery mode
)

// NodeType identifies the device class of a node.
type NodeType uint8

const (
	NodeUnknown    NodeType = 0x00
	NodeHub        NodeType = 0x01
	NodeLight      NodeType = 0x02
	NodeCO2        NodeType = 0x03
	NodeDoser      NodeType = 0x04
	NodeSensor     NodeType = 0x05
	NodeHeater     NodeType = 0x06
	NodeFilter     NodeType = 0x07
	NodeFishFeeder NodeType = 0x08
	NodeRepeater   NodeType = 0x09
)

const (
	// MaxFrameSize is the radio transport's frame size ceiling.
	MaxFrameSize = 250

	// HeaderSize is the encoded size of the common message header.
	HeaderSize = 8

	// FragmentSize is the chunk size carried by one Command fragment.
	FragmentSize = 32

	// MaxMessageSize is the largest logical payload that may be fragmented
	// across Command frames.
	MaxMessageSize = 512

	// NameSize is the fixed on-wire size of a device name (NUL padded).
	NameSize = 16

	// ConfigDataSize is the fixed size of the opaque provisioning blob.
	ConfigDataSize = 32

	// StatusDataSize is the fixed size of a Status payload.
	StatusDataSize = 32
)

// Encoded message sizes. Command frames vary: non-final fragments carry a
// full FragmentSize chunk, the final fragment may be shorter.
const (
	AnnounceSize   = HeaderSize + 1 + 1 + 16
	AckSize        = HeaderSize + 1 + 1
	ConfigSize     = HeaderSize + NameSize + ConfigDataSize
	CommandMinSize = HeaderSize + 1 + 1 + 1
	CommandMaxSize = CommandMinSize + FragmentSize
	StatusSize     = HeaderSize + 1 + 1 + StatusDataSize
	HeartbeatSize  = HeaderSize + 1 + 2
	UnmapSize      = HeaderSize + 1 + 8
)

var (
	ErrFrameTooShort  = errors.New("frame shorter than message minimum")
	ErrFrameTooLarge  = errors.New("frame exceeds transport limit")
	ErrUnknownType    = errors.New("unknown message type")
	ErrNameTooLong    = errors.New("device name exceeds maximum length")
	ErrChunkTooLong   = errors.New("fragment chunk exceeds fragment size")
	ErrPayloadTooLong = errors.New("payload exceeds maximum length")
)

// Header is the fixed 8-byte preamble present in every message.
type Header struct {
	Type      MessageType
	GroupID   uint8 // control domain; 0 = unmapped/unprovisioned
	NodeType  NodeType
	Timestamp uint32 // sender uptime in milliseconds
	Sequence  uint8  // per-sender counter, wraps at 256
}

func (h *Header) encode(dst []byte) {
	dst[0] = byte(h.Type)
	dst[1] = h.GroupID
	dst[2] = byte(h.NodeType)
	binary.LittleEndian.PutUint32(dst[3:7], h.Timestamp)
	dst[7] = h.Sequence
}

// DecodeHeader decodes the common header from the start of a frame.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes, need %d", ErrFrameTooShort, len(data), HeaderSize)
	}
	h.Type = MessageType(data[0])
	h.GroupID = data[1]
	h.NodeType = NodeType(data[2])
	h.Timestamp = binary.LittleEndian.Uint32(data[3:7])
	h.Sequence = data[7]
	if h.Type < TypeAnnounce || h.Type > TypeUnmap {
		return h, fmt.Errorf("%w: 0x%02X", ErrUnknownType, data[0])
	}
	return h, nil
}

// Announce is a node's discovery beacon. It carries no identity fields;
// the hub provisions identity later via Config.
type Announce struct {
	Header
	FirmwareVersion uint8
	Capabilities    uint8
	Reserved        [16]byte
}

// Encode returns the wire representation of the message.
func (m *Announce) Encode() []byte {
	data := make([]byte, AnnounceSize)
	m.Header.encode(data)
	data[8] = m.FirmwareVersion
	data[9] = m.Capabilities
	copy(data[10:], m.Reserved[:])
	return data
}

// DecodeAnnounce decodes an Announce message.
func DecodeAnnounce(data []byte) (*Announce, error) {
	if len(data) < AnnounceSize {
		return nil, fmt.Errorf("%w: announce %d bytes, need %d", ErrFrameTooShort, len(data), AnnounceSize)
	}
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	m := &Announce{Header: h, FirmwareVersion: data[8], Capabilities: data[9]}
	copy(m.Reserved[:], data[10:AnnounceSize])
	return m, nil
}

// Ack is the hub's reply to an Announce.
type Ack struct {
	Header
	AssignedID uint8
	Accepted   bool
}

func (m *Ack) Encode() []byte {
	data := make([]byte, AckSize)
	m.Header.encode(data)
	data[8] = m.AssignedID
	if m.Accepted {
		data[9] = 1
	}
	return data
}

// DecodeAck decodes an Ack message.
func DecodeAck(data []byte) (*Ack, error) {
	if len(data) < AckSize {
		return nil, fmt.Errorf("%w: ack %d bytes, need %d", ErrFrameTooShort, len(data), AckSize)
	}
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	return &Ack{Header: h, AssignedID: data[8], Accepted: data[9] != 0}, nil
}

// Config provisions a node with its group id, friendly name, and a
// device-specific opaque blob. The group id travels in the header.
type Config struct {
	Header
	DeviceName string // at most NameSize bytes, NUL padded on the wire
	ConfigData [ConfigDataSize]byte
}

func (m *Config) Encode() []byte {
	data := make([]byte, ConfigSize)
	m.Header.encode(data)
	copy(data[8:8+NameSize], m.DeviceName)
	copy(data[8+NameSize:], m.ConfigData[:])
	return data
}

// DecodeConfig decodes a Config message. The device name is truncated at
// the first NUL byte.
func DecodeConfig(data []byte) (*Config, error) {
	if len(data) < ConfigSize {
		return nil, fmt.Errorf("%w: config %d bytes, need %d", ErrFrameTooShort, len(data), ConfigSize)
	}
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	m := &Config{Header: h}
	name := data[8 : 8+NameSize]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}
	m.DeviceName = string(name)
	copy(m.ConfigData[:], data[8+NameSize:ConfigSize])
	return m, nil
}

// Command is one fragment of a (possibly multi-frame) command. Non-final
// fragments carry exactly FragmentSize chunk bytes; the final fragment
// carries the remainder and may be shorter, down to zero bytes.
type Command struct {
	Header
	CommandID   uint8
	FragmentSeq uint8
	Final       bool
	Chunk       []byte
}

func (m *Command) Encode() []byte {
	data := make([]byte, CommandMinSize+len(m.Chunk))
	m.Header.encode(data)
	data[8] = m.CommandID
	data[9] = m.FragmentSeq
	if m.Final {
		data[10] = 1
	}
	copy(data[CommandMinSize:], m.Chunk)
	return data
}

// DecodeCommand decodes a Command fragment. Everything past the fixed
// fields is the chunk.
func DecodeCommand(data []byte) (*Command, error) {
	if len(data) < CommandMinSize {
		return nil, fmt.Errorf("%w: command %d bytes, need %d", ErrFrameTooShort, len(data), CommandMinSize)
	}
	if len(data) > CommandMaxSize {
		return nil, fmt.Errorf("%w: command %d bytes, max %d", ErrChunkTooLong, len(data), CommandMaxSize)
	}
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	m := &Command{Header: h, CommandID: data[8], FragmentSeq: data[9], Final: data[10] != 0}
	if len(data) > CommandMinSize {
		m.Chunk = make([]byte, len(data)-CommandMinSize)
		copy(m.Chunk, data[CommandMinSize:])
	}
	return m, nil
}

// Status is a node's reply to a command (echoing its id) or an unsolicited
// state report.
type Status struct {
	Header
	CommandID  uint8 // echoed from the command being acknowledged
	StatusCode uint8 // 0 = success
	Data       [StatusDataSize]byte
}

func (m *Status) Encode() []byte {
	data := make([]byte, StatusSize)
	m.Header.encode(data)
	data[8] = m.CommandID
	data[9] = m.StatusCode
	copy(data[10:], m.Data[:])
	return data
}

// DecodeStatus decodes a Status message.
func DecodeStatus(data []byte) (*Status, error) {
	if len(data) < StatusSize {
		return nil, fmt.Errorf("%w: status %d bytes, need %d", ErrFrameTooShort, len(data), StatusSize)
	}
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	m := &Status{Header: h, CommandID: data[8], StatusCode: data[9]}
	copy(m.Data[:], data[10:StatusSize])
	return m, nil
}

// Heartbeat is the periodic liveness signal.
type Heartbeat struct {
	Header
	Health        uint8 // 0-100
	UptimeMinutes uint16
}

func (m *Heartbeat) Encode() []byte {
	data := make([]byte, HeartbeatSize)
	m.Header.encode(data)
	data[8] = m.Health
	binary.LittleEndian.PutUint16(data[9:11], m.UptimeMinutes)
	return data
}

// DecodeHeartbeat decodes a Heartbeat message.
func DecodeHeartbeat(data []byte) (*Heartbeat, error) {
	if len(data) < HeartbeatSize {
		return nil, fmt.Errorf("%w: heartbeat %d bytes, need %d", ErrFrameTooShort, len(data), HeartbeatSize)
	}
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	return &Heartbeat{
		Header:        h,
		Health:        data[8],
		UptimeMinutes: binary.LittleEndian.Uint16(data[9:11]),
	}, nil
}

// Unmap resets a node to discovery mode, clearing its provisioned identity.
type Unmap struct {
	Header
	Reason   uint8
	Reserved [8]byte
}

func (m *Unmap) Encode() []byte {
	data := make([]byte, UnmapSize)
	m.Header.encode(data)
	data[8] = m.Reason
	copy(data[9:], m.Reserved[:])
	return data
}

// DecodeUnmap decodes an Unmap message.
func DecodeUnmap(data []byte) (*Unmap, error) {
	if len(data) < UnmapSize {
		return nil, fmt.Errorf("%w: unmap %d bytes, need %d", ErrFrameTooShort, len(data), UnmapSize)
	}
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	m := &Unmap{Header: h, Reason: data[8]}
	copy(m.Reserved[:], data[9:UnmapSize])
	return m, nil
}

// TypeName returns a human-readable name for a message type.
func TypeName(t MessageType) string {
	switch t {
	case TypeAnnounce:
		return "ANNOUNCE"
	case TypeAck:
		return "ACK"
	case TypeConfig:
		return "CONFIG"
	case TypeCommand:
		return "COMMAND"
	case TypeStatus:
		return "STATUS"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeUnmap:
		return "UNMAP"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// NodeTypeName returns a human-readable name for a node type.
func NodeTypeName(t NodeType) string {
	switch t {
	case NodeHub:
		return "hub"
	case NodeLight:
		return "light"
	case NodeCO2:
		return "co2"
	case NodeDoser:
		return "doser"
	case NodeSensor:
		return "sensor"
	case NodeHeater:
		return "heater"
	case NodeFilter:
		return "filter"
	case NodeFishFeeder:
		return "fish_feeder"
	case NodeRepeater:
		return "repeater"
	default:
		return "unknown"
	}
}
