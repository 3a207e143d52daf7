// Package factory selects a concrete transport implementation by the kind
// string carried in configuration, keeping the per-media packages
// (mem/tcp/udp/quic) independent of each other and of the config package.
package factory

import (
	"fmt"
	"strings"

	"aeronet/pkg/transport"
	"aeronet/pkg/transport/mem"
	"aeronet/pkg/transport/quic"
	"aeronet/pkg/transport/tcp"
	"aeronet/pkg/transport/udp"
)

// New constructs the transport.Transport named by kind ("tcp", "udp",
// "quic", or "mem").
func New(kind string) (transport.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "tcp":
		return tcp.New(), nil
	case "udp":
		return udp.New(), nil
	case "quic":
		return quic.New(), nil
	case "mem":
		return mem.New(), nil
	default:
		return nil, fmt.Errorf("transport factory: unknown kind %q", kind)
	}
}
