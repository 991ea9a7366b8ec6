package node

import (
	"context"
	"errors"
	"fmt"

	"lanmesh/datamodel/peer"
	"lanmesh/metrics"
	"lanmesh/oid"

	"github.com/benbjohnson/clock"

	log "github.com/sirupsen/logrus"
)

// session is a live connection and the prober watching it.
type session struct {
	conn   Conn
	cancel context.CancelFunc
}

type probeReport struct {
	session *session
	result  peer.ProbeResult
	err     error
}

// startProber takes ownership of conn and begins probing it every interval.
func (n *Node) startProber(ctx context.Context, id oid.Oid, conn Conn) {
	if old, ok := n.sessions[id]; ok {
		n.closeSession(id, old)
	}

	pctx, cancel := context.WithCancel(ctx)
	s := &session{conn: conn, cancel: cancel}
	n.sessions[id] = s

	// The ticker exists before this returns, so a mock clock advanced right
	// after a successful dial is always observed.
	ticker := n.clock.Ticker(n.probeInterval)

	n.probeWG.Add(1)
	go func() {
		defer n.probeWG.Done()
		defer ticker.Stop()
		n.probe(pctx, id, s, ticker)
	}()
}

func (n *Node) probe(ctx context.Context, id oid.Oid, s *session, ticker *clock.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.conn.Closed():
			n.report(ctx, probeReport{
				session: s,
				result:  peer.ProbeResult{Peer: id, Outcome: peer.OutcomeUnreachable},
				err:     errors.New("connection closed"),
			})
			return
		case <-ticker.C:
		}

		tctx, cancel := n.clock.WithTimeout(ctx, n.probeTimeout)
		rtt, err := s.conn.Probe(tctx)
		cancel()

		res := peer.ProbeResult{Peer: id, RTT: rtt}
		switch {
		case err == nil:
			res.Outcome = peer.OutcomeSuccess
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			res.Outcome = peer.OutcomeTimeout
		default:
			res.Outcome = peer.OutcomeUnreachable
		}

		if !n.report(ctx, probeReport{session: s, result: res, err: err}) {
			return
		}
		if res.Outcome == peer.OutcomeUnreachable {
			return
		}
	}
}

// report hands a probe outcome to the event loop. It returns false if the prober should stop.
func (n *Node) report(ctx context.Context, rep probeReport) bool {
	select {
	case n.probes <- rep:
		return true
	case <-ctx.Done():
		return false
	}
}

func (n *Node) handleProbe(rep probeReport) error {
	id := rep.result.Peer
	if n.sessions[id] != rep.session {
		// Left over from a connection that was already torn down
		return nil
	}

	rec, ok := n.registry.Get(id)
	if !ok {
		return peer.ErrUnknownPeer
	}
	// A session lives exactly as long as its peer is Connected
	if rec.State != peer.StateConnected {
		return fmt.Errorf("%w: live session for %s in state %s", peer.ErrInvariantViolation, id.String(), rec.State)
	}

	updated, err := n.registry.RecordProbe(id, rep.result)
	if err != nil {
		return err
	}

	metrics.ProbesTotal.WithLabelValues(rep.result.Outcome.String()).Inc()
	ev := Event{
		Kind:    EventProbe,
		Peer:    id,
		Address: updated.Address,
		Outcome: rep.result.Outcome.String(),
	}
	if rep.result.Outcome == peer.OutcomeSuccess {
		metrics.ProbeRTT.Observe(rep.result.RTT.Seconds())
		ev.RTT = rep.result.RTT
	}
	if rep.err != nil {
		ev.Err = rep.err.Error()
	}
	n.emit(ev)

	n.stateChanged(rec.State, updated)
	n.persist(&updated)

	if updated.State == peer.StateDisconnected {
		n.closeSession(id, rep.session)
	}
	return nil
}

// closeSession stops the prober and closes the connection.
func (n *Node) closeSession(id oid.Oid, s *session) {
	s.cancel()
	if err := s.conn.Close(); err != nil {
		log.Debugf("Closing connection to %s: %v", id.String(), err)
	}
	delete(n.sessions, id)
}
