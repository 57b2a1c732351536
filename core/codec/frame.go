package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Serial link framing. Radio modems bridged over a serial line wrap each
// datagram in a magic-prefixed, length-delimited, checksummed frame:
//
//	[magic (2 BE)][length (2 BE)][payload (length bytes)][checksum (2 BE)]
//
// The checksum is Fletcher-16 over the payload.
const (
	// LinkFrameMagic starts every serial link frame.
	LinkFrameMagic uint16 = 0xAC1D
	// LinkHeaderSize is the size of the link frame header (magic + length).
	LinkHeaderSize = 4
	// LinkChecksumSize is the size of the trailing checksum.
	LinkChecksumSize = 2
	// MinLinkFrameSize is the smallest valid link frame.
	MinLinkFrameSize = LinkHeaderSize + LinkChecksumSize
	// MaxLinkPayload bounds the payload of one link frame: a radio frame
	// plus the 12 bytes of destination and source addresses.
	MaxLinkPayload = MaxFrameSize + 12
)

var (
	ErrLinkFrameTooShort  = errors.New("link frame too short")
	ErrLinkInvalidMagic   = errors.New("invalid link frame magic")
	ErrLinkPayloadTooLong = errors.New("link payload exceeds maximum size")
	ErrLinkChecksum       = errors.New("link frame checksum mismatch")
	ErrLinkIncomplete     = errors.New("incomplete link frame")
)

// Fletcher16 computes the Fletcher-16 checksum of the given data.
func Fletcher16(data []byte) uint16 {
	var sum1, sum2 uint8
	for _, b := range data {
		sum1 = (sum1 + b) % 255
		sum2 = (sum2 + sum1) % 255
	}
	return uint16(sum2)<<8 | uint16(sum1)
}

// EncodeLinkFrame wraps a payload in serial link framing.
func EncodeLinkFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxLinkPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrLinkPayloadTooLong, len(payload))
	}
	data := make([]byte, MinLinkFrameSize+len(payload))
	binary.BigEndian.PutUint16(data[0:2], LinkFrameMagic)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(payload)))
	copy(data[LinkHeaderSize:], payload)
	binary.BigEndian.PutUint16(data[LinkHeaderSize+len(payload):], Fletcher16(payload))
	return data, nil
}

// DecodeLinkFrame decodes one link frame from the front of data.
// Returns the payload, the remaining bytes after the frame, and an error.
// ErrLinkIncomplete means more bytes are needed; the caller should buffer
// and retry. Any other error means the leading bytes are garbage and the
// caller should resynchronize.
func DecodeLinkFrame(data []byte) (payload, rest []byte, err error) {
	if len(data) < LinkHeaderSize {
		return nil, data, ErrLinkIncomplete
	}
	if binary.BigEndian.Uint16(data[0:2]) != LinkFrameMagic {
		return nil, data, ErrLinkInvalidMagic
	}
	payloadLen := int(binary.BigEndian.Uint16(data[2:4]))
	if payloadLen > MaxLinkPayload {
		return nil, data, fmt.Errorf("%w: %d bytes", ErrLinkPayloadTooLong, payloadLen)
	}
	total := MinLinkFrameSize + payloadLen
	if len(data) < total {
		return nil, data, ErrLinkIncomplete
	}
	payload = make([]byte, payloadLen)
	copy(payload, data[LinkHeaderSize:LinkHeaderSize+payloadLen])
	sum := binary.BigEndian.Uint16(data[LinkHeaderSize+payloadLen:])
	if Fletcher16(payload) != sum {
		return nil, data[total:], ErrLinkChecksum
	}
	return payload, data[total:], nil
}

// ResyncLinkBuffer discards bytes until the next candidate frame magic,
// returning the trimmed buffer. Used after a framing error.
func ResyncLinkBuffer(data []byte) []byte {
	for i := 1; i < len(data); i++ {
		if data[i] == byte(LinkFrameMagic>>8) {
			return data[i:]
		}
	}
	return nil
}
