package link

import (
	"github.com/bghosh412/aquanet-go/core"
	"github.com/bghosh412/aquanet-go/core/codec"
)

// Handler receives decoded messages from the Manager. All methods are
// called from the goroutine that pumps the ingress queue, one message at
// a time, after dedupe and reassembly. Commands arrive as whole payloads;
// the Manager hides fragmentation from the handler.
//
// A hub implements the node-facing half (announce, status, heartbeat) and
// a node the hub-facing half (ack, config, command, unmap); the remaining
// methods are typically no-ops.
type Handler interface {
	HandleAnnounce(src core.NodeAddr, msg *codec.Announce)
	HandleAck(src core.NodeAddr, msg *codec.Ack)
	HandleConfig(src core.NodeAddr, msg *codec.Config)
	HandleCommand(src core.NodeAddr, commandID uint8, payload []byte)
	HandleStatus(src core.NodeAddr, msg *codec.Status)
	HandleHeartbeat(src core.NodeAddr, msg *codec.Heartbeat)
	HandleUnmap(src core.NodeAddr, msg *codec.Unmap)
}
