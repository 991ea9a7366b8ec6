package peer

import (
	"fmt"
	"lanmesh/oid"
	"time"
)

type State int

const (
	StateUnknown State = iota
	StateDialing
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "invalid"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for c := StateUnknown; c <= StateDisconnected; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("invalid peer state %q", text)
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeUnreachable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeUnreachable:
		return "unreachable"
	}
	return "invalid"
}

// Record is everything known about a single peer.
type Record struct {
	ID                  oid.Oid        `cbor:"1,keyasint" json:"id"`
	Address             string         `cbor:"2,keyasint,omitempty" json:"address"`
	State               State          `cbor:"3,keyasint" json:"state"`
	LastSeen            time.Time      `cbor:"4,keyasint,omitempty" json:"last_seen"`
	LastRTT             *time.Duration `cbor:"5,keyasint,omitempty" json:"last_rtt,omitempty"`
	ConsecutiveTimeouts uint           `cbor:"6,keyasint,omitempty" json:"consecutive_timeouts"`
	LastError           string         `cbor:"7,keyasint,omitempty" json:"last_error,omitempty"`
	Dials               uint           `cbor:"8,keyasint,omitempty" json:"dials"`
}

func (r *Record) clone() Record {
	c := *r
	if r.LastRTT != nil {
		rtt := *r.LastRTT
		c.LastRTT = &rtt
	}
	return c
}

// Sighting is a single (peer, address) pair reported by discovery.
type Sighting struct {
	ID      oid.Oid
	Address string
}

// DiscoveryEvent is a batch of sightings from one announcement cycle.
type DiscoveryEvent struct {
	Discovered []Sighting
}

type ProbeResult struct {
	Peer    oid.Oid
	Outcome Outcome
	RTT     time.Duration // Only meaningful on OutcomeSuccess
}

// Index persists peer records between runs.
type Index interface {
	// Get retrieves the record for a peer, or an error if it was never stored.
	Get(oid.Oid) (*Record, error)

	// Put stores or replaces the record for rec.ID.
	Put(*Record) error

	// Enumerate returns all stored records.
	Enumerate() ([]*Record, error)

	Close() error
}
