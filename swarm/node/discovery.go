package node

import (
	"context"

	"lanmesh/datamodel/peer"
	"lanmesh/metrics"

	log "github.com/sirupsen/logrus"
)

// handleDiscovery registers every sighting and dials peers that are not connected yet.
// It never waits for a dial to finish.
func (n *Node) handleDiscovery(ctx context.Context, ev peer.DiscoveryEvent) error {
	for _, s := range ev.Discovered {
		if s.ID == n.NodeID {
			log.Tracef("Received our own announcement - ignoring")
			continue
		}
		if s.ID.IsZero() {
			continue
		}
		metrics.DiscoveriesTotal.Inc()

		_, known := n.registry.Get(s.ID)
		rec := n.registry.Upsert(s.ID, s.Address)
		if !known {
			metrics.Peers.WithLabelValues(rec.State.String()).Inc()
		}
		n.emit(Event{
			Kind:    EventDiscovered,
			Peer:    s.ID,
			Address: s.Address,
			State:   rec.State.String(),
		})

		if rec.State == peer.StateDisconnected {
			updated, err := n.registry.Rediscover(s.ID)
			if err != nil {
				return err
			}
			n.stateChanged(rec.State, updated)
			rec = updated
		}
		n.persist(&rec)

		if rec.State == peer.StateUnknown {
			if err := n.dial(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *Node) handleDiscoveryError(err error) {
	metrics.DiscoveryErrorsTotal.Inc()
	derr := &DiscoveryError{Err: err}
	n.emit(Event{
		Kind: EventDiscoveryError,
		Err:  derr.Error(),
	})
}
