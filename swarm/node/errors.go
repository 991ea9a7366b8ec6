package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"lanmesh/oid"
)

// Transports wrap these so the dialer can tell failures apart.
var (
	ErrBadAddress       = errors.New("malformed peer address")
	ErrIdentityMismatch = errors.New("peer identity mismatch")
)

type DialReason string

const (
	DialReasonAddress   DialReason = "address"
	DialReasonRefused   DialReason = "refused"
	DialReasonHandshake DialReason = "handshake"
	DialReasonTimeout   DialReason = "timeout"
	DialReasonCancelled DialReason = "cancelled"
	DialReasonTransport DialReason = "transport"
)

// DialError describes a failed connection attempt. Failed dials are never retried
// until the peer is discovered again.
type DialError struct {
	Peer    oid.Oid
	Address string
	Reason  DialReason
	Err     error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s at %s: %s: %v", e.Peer.String(), e.Address, e.Reason, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

func classifyDialError(err error) DialReason {
	var ne net.Error
	switch {
	case errors.Is(err, ErrBadAddress):
		return DialReasonAddress
	case errors.Is(err, ErrIdentityMismatch):
		return DialReasonHandshake
	case errors.Is(err, context.Canceled):
		return DialReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return DialReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return DialReasonRefused
	case errors.As(err, &ne) && ne.Timeout():
		return DialReasonTimeout
	}
	return DialReasonTransport
}

// DiscoveryError is a problem reported by the discovery collaborator. It never stops the node.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return "discovery: " + e.Err.Error()
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}
