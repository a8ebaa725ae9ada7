package tnet

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/ridge/must/v2"
)

const keepAlive = 3 * time.Minute

// SplitAddress splits a listen address into network and address parts.
// "unix:<path>" selects a UNIX domain socket; "tcp:<host:port>" and a bare
// "<host:port>" select TCP.
func SplitAddress(address string) (network, addr string) {
	if proto, rest, ok := strings.Cut(address, ":"); ok {
		switch proto {
		case "unix", "tcp":
			return proto, rest
		}
	}
	return "tcp", address
}

// Listen installs a listener on the address (see SplitAddress). TCP listeners
// have keep-alive enabled.
func Listen(address string) (net.Listener, error) {
	return ListenContext(context.Background(), address)
}

// ListenContext is Listen with a context bounding address resolution
func ListenContext(ctx context.Context, address string) (net.Listener, error) {
	network, addr := SplitAddress(address)
	lc := net.ListenConfig{KeepAlive: keepAlive}
	return lc.Listen(ctx, network, addr)
}

// ListenOnRandomPort listens on a free loopback TCP port, panicking on failure
func ListenOnRandomPort() net.Listener {
	return must.OK1(Listen("localhost:0"))
}
