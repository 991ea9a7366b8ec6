package node

import (
	"context"
	"time"

	"lanmesh/datamodel/peer"
	"lanmesh/metrics"
	"lanmesh/oid"

	"github.com/google/uuid"

	log "github.com/sirupsen/logrus"
)

type dialResult struct {
	peer    oid.Oid
	address string
	attempt string
	conn    Conn
	rtt     time.Duration
	err     error
}

// dial starts an asynchronous connection attempt to an Unknown peer.
// Peers already Dialing or Connected are left alone, whatever state rec carries.
func (n *Node) dial(ctx context.Context, rec peer.Record) error {
	cur, ok := n.registry.Get(rec.ID)
	if !ok {
		return peer.ErrUnknownPeer
	}
	if cur.State == peer.StateDialing || cur.State == peer.StateConnected {
		return nil
	}

	updated, err := n.registry.MarkDialing(cur.ID)
	if err != nil {
		return err
	}
	n.stateChanged(cur.State, updated)
	n.persist(&updated)

	attempt := uuid.NewString()
	n.emit(Event{
		Kind:    EventDialAttempt,
		Peer:    updated.ID,
		Address: updated.Address,
		Attempt: attempt,
	})

	id, address := updated.ID, updated.Address
	n.dialWG.Add(1)
	go func() {
		defer n.dialWG.Done()

		res := n.connect(ctx, id, address, attempt)
		select {
		case n.dials <- res:
		case <-ctx.Done():
			if res.conn != nil {
				res.conn.Close()
			}
		}
	}()

	return nil
}

func (n *Node) connect(ctx context.Context, id oid.Oid, address, attempt string) dialResult {
	ctx, cancel := context.WithTimeout(ctx, n.dialTimeout)
	defer cancel()

	log.Debugf("Dialing %s at %s (attempt %s)", id.String(), address, attempt)
	start := n.clock.Now()
	conn, err := n.transport.Connect(ctx, id, address)
	return dialResult{
		peer:    id,
		address: address,
		attempt: attempt,
		conn:    conn,
		rtt:     n.clock.Since(start),
		err:     err,
	}
}

func (n *Node) handleDial(ctx context.Context, res dialResult) error {
	rec, ok := n.registry.Get(res.peer)
	if !ok || rec.State != peer.StateDialing {
		log.Warnf("Dial result for %s in state %s - discarding", res.peer.String(), rec.State)
		if res.conn != nil {
			res.conn.Close()
		}
		return nil
	}

	if res.err != nil {
		derr := &DialError{
			Peer:    res.peer,
			Address: res.address,
			Reason:  classifyDialError(res.err),
			Err:     res.err,
		}
		metrics.DialsTotal.WithLabelValues(string(derr.Reason)).Inc()

		updated, err := n.registry.MarkDisconnected(res.peer, derr.Error())
		if err != nil {
			return err
		}
		n.emit(Event{
			Kind:    EventDialFailure,
			Peer:    res.peer,
			Address: res.address,
			Attempt: res.attempt,
			Err:     derr.Error(),
		})
		n.stateChanged(rec.State, updated)
		n.persist(&updated)
		return nil
	}

	metrics.DialsTotal.WithLabelValues("success").Inc()

	// A completed handshake counts as a successful probe
	updated, err := n.registry.RecordProbe(res.peer, peer.ProbeResult{
		Peer:    res.peer,
		Outcome: peer.OutcomeSuccess,
		RTT:     res.rtt,
	})
	if err != nil {
		res.conn.Close()
		return err
	}
	n.emit(Event{
		Kind:    EventDialSuccess,
		Peer:    res.peer,
		Address: res.address,
		Attempt: res.attempt,
		RTT:     res.rtt,
	})
	n.stateChanged(rec.State, updated)
	n.persist(&updated)

	n.startProber(ctx, res.peer, res.conn)
	return nil
}
