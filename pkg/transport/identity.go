package transport

import (
	"fmt"
	"net"
)

// AddrPeerID builds a logging-only peer id from transport kind and remote
// address. It carries no identity guarantee; see PeerID.
func AddrPeerID(kind Kind, addr net.Addr) PeerID {
	if addr == nil {
		return PeerID(fmt.Sprintf("%s:unknown", kind))
	}
	return PeerID(fmt.Sprintf("%s:%s", kind, addr.String()))
}
