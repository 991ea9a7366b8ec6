package peer

import (
	"errors"
	"fmt"
	"lanmesh/oid"
	"sort"
	"time"
)

// ErrInvariantViolation means the registry was asked for a transition the state machine forbids.
// With a single writer this cannot happen, so callers treat it as fatal.
var ErrInvariantViolation = errors.New("registry invariant violation")

var ErrUnknownPeer = errors.New("unknown peer")

// transitions lists the legal state changes. Staying in the same state is always legal.
var transitions = map[State][]State{
	StateUnknown:      {StateDialing, StateConnected, StateDisconnected},
	StateDialing:      {StateConnected, StateDisconnected},
	StateConnected:    {StateDisconnected},
	StateDisconnected: {StateUnknown},
}

func canTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Registry maps peer IDs to their records.
// It does no locking: exactly one goroutine (the node event loop) may use it.
type Registry struct {
	peers     map[oid.Oid]*Record
	threshold uint
	now       func() time.Time
}

// NewRegistry creates an empty registry. threshold is the number of consecutive probe
// timeouts after which a connected peer is declared disconnected; values below 1 mean 1.
func NewRegistry(threshold uint, now func() time.Time) *Registry {
	if threshold < 1 {
		threshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		peers:     make(map[oid.Oid]*Record),
		threshold: threshold,
		now:       now,
	}
}

// Upsert creates or refreshes the record for id. State and liveness counters are left alone.
func (r *Registry) Upsert(id oid.Oid, address string) Record {
	rec, ok := r.peers[id]
	if !ok {
		rec = &Record{ID: id, State: StateUnknown}
		r.peers[id] = rec
	}
	rec.Address = address
	rec.LastSeen = r.now()
	return rec.clone()
}

func (r *Registry) Get(id oid.Oid) (Record, bool) {
	rec, ok := r.peers[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// All returns a copy of every record, ordered by ID.
func (r *Registry) All() []Record {
	out := make([]Record, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (r *Registry) lookup(id oid.Oid) (*Record, error) {
	rec, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id.String())
	}
	return rec, nil
}

func (r *Registry) transition(rec *Record, to State) error {
	if !canTransition(rec.State, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvariantViolation, rec.ID.String(), rec.State, to)
	}
	rec.State = to
	return nil
}

// MarkDialing moves an Unknown peer to Dialing and counts the attempt.
func (r *Registry) MarkDialing(id oid.Oid) (Record, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return Record{}, err
	}
	if rec.State != StateUnknown {
		return rec.clone(), fmt.Errorf("%w: dial requested for %s in state %s", ErrInvariantViolation, id.String(), rec.State)
	}
	if err := r.transition(rec, StateDialing); err != nil {
		return rec.clone(), err
	}
	rec.Dials++
	return rec.clone(), nil
}

// MarkDisconnected records a failure that ends the connection regardless of counters.
func (r *Registry) MarkDisconnected(id oid.Oid, reason string) (Record, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return Record{}, err
	}
	if err := r.transition(rec, StateDisconnected); err != nil {
		return rec.clone(), err
	}
	rec.LastError = reason
	return rec.clone(), nil
}

// Rediscover moves a Disconnected peer back to Unknown so it can be dialed again.
func (r *Registry) Rediscover(id oid.Oid) (Record, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return Record{}, err
	}
	if rec.State != StateDisconnected {
		return rec.clone(), fmt.Errorf("%w: rediscovery of %s in state %s", ErrInvariantViolation, id.String(), rec.State)
	}
	if err := r.transition(rec, StateUnknown); err != nil {
		return rec.clone(), err
	}
	return rec.clone(), nil
}

// RecordProbe applies a probe outcome to the peer's liveness state.
func (r *Registry) RecordProbe(id oid.Oid, res ProbeResult) (Record, error) {
	rec, err := r.lookup(id)
	if err != nil {
		return Record{}, err
	}

	switch res.Outcome {
	case OutcomeSuccess:
		rtt := res.RTT
		rec.LastRTT = &rtt
		rec.ConsecutiveTimeouts = 0
		rec.LastError = ""
		if rec.State == StateDialing || rec.State == StateUnknown {
			if err := r.transition(rec, StateConnected); err != nil {
				return rec.clone(), err
			}
		}
	case OutcomeTimeout:
		rec.ConsecutiveTimeouts++
		if rec.State == StateConnected && rec.ConsecutiveTimeouts >= r.threshold {
			if err := r.transition(rec, StateDisconnected); err != nil {
				return rec.clone(), err
			}
			rec.LastError = fmt.Sprintf("%d consecutive probe timeouts", rec.ConsecutiveTimeouts)
		}
	case OutcomeUnreachable:
		if err := r.transition(rec, StateDisconnected); err != nil {
			return rec.clone(), err
		}
		rec.LastError = "unreachable"
	default:
		return rec.clone(), fmt.Errorf("%w: unknown probe outcome %d", ErrInvariantViolation, res.Outcome)
	}

	return rec.clone(), nil
}
