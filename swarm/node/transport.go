package node

import (
	"context"
	"time"

	"lanmesh/datamodel/peer"
	"lanmesh/oid"
)

// Discovery reports peers seen on the local network.
type Discovery interface {
	// Run blocks until ctx is cancelled or the discovery socket fails.
	Run(ctx context.Context) error
	Events() <-chan peer.DiscoveryEvent
	Errors() <-chan error
}

// Transport opens authenticated connections to peers.
type Transport interface {
	// Connect returns once the remote side has proven it is id.
	Connect(ctx context.Context, id oid.Oid, address string) (Conn, error)
}

type Conn interface {
	// Probe does one liveness round trip and returns its duration.
	Probe(ctx context.Context) (time.Duration, error)
	// Closed is closed when the connection drops.
	Closed() <-chan struct{}
	Close() error
}
