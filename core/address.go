package core

import (
	"fmt"
	"strings"
)

// NodeAddr is a node's 6-byte radio address.
type NodeAddr [6]byte

// Broadcast is the all-bits-set address. It is used only for discovery
// beacons; all other traffic is unicast.
var Broadcast = NodeAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// String returns the colon-separated hex representation of the address.
func (a NodeAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		a[0], a[1], a[2], a[3], a[4], a[5])
}

// Bytes returns the underlying byte slice.
func (a NodeAddr) Bytes() []byte {
	return a[:]
}

// IsBroadcast returns true if the address is the broadcast address.
func (a NodeAddr) IsBroadcast() bool {
	return a == Broadcast
}

// IsZero returns true if the address is all zeros (unset).
func (a NodeAddr) IsZero() bool {
	return a == NodeAddr{}
}

// ParseNodeAddr parses a colon- or dash-separated hex address string.
func ParseNodeAddr(s string) (NodeAddr, error) {
	var addr NodeAddr
	s = strings.ReplaceAll(s, "-", ":")
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("invalid address %q: expected 6 octets, got %d", s, len(parts))
	}
	for i, p := range parts {
		var b byte
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil {
			return addr, fmt.Errorf("invalid address octet %q: %w", p, err)
		}
		addr[i] = b
	}
	return addr, nil
}
