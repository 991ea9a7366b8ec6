package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"lanmesh/config"
	"lanmesh/datamodel/peer"
	"lanmesh/metrics"
	"lanmesh/net/crpc"
	"lanmesh/net/maddr"
	"lanmesh/oid"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

var ErrNoAddresses = errors.New("no addresses to advertise")

type Option func(*Node)

// WithClock replaces the wall clock used for probing and timestamps.
func WithClock(c clock.Clock) Option {
	return func(n *Node) {
		n.clock = c
	}
}

func WithEventSink(s EventSink) Option {
	return func(n *Node) {
		n.sinks = append(n.sinks, s)
	}
}

type Node struct {
	// Node ID
	NodeID    oid.Oid
	Addresses []string

	key config.PrivKey

	// Timing
	clock         clock.Clock
	dialTimeout   time.Duration
	probeInterval time.Duration
	probeTimeout  time.Duration

	// Storage
	index peer.Index

	// Networking
	rpcServer *crpc.Server
	discovery Discovery
	transport Transport

	// Owned by the event loop
	registry *peer.Registry
	sessions map[oid.Oid]*session

	// Event loop inputs
	probes  chan probeReport
	dials   chan dialResult
	queries chan func(*peer.Registry)
	stopped chan struct{}

	// Event subscribers
	sinks []EventSink
	subMu sync.Mutex
	subs  map[chan Event]struct{}

	// Helpers
	dialWG  sync.WaitGroup
	probeWG sync.WaitGroup
}

// AdvertisedAddresses returns the multiaddrs peers should dial: the configured
// advertise address if set, otherwise the routable addresses the listener is bound to.
func AdvertisedAddresses(advertise string, listenAddr net.Addr) []string {
	if advertise != "" {
		return []string{advertise}
	}
	if listenAddr == nil {
		return nil
	}
	return maddr.Routable(maddr.Expand(listenAddr))
}

// New creates a node. rpcServer and index may be nil, in which case the node
// neither answers RPCs nor persists peers.
func New(cfg *config.Config, rpcServer *crpc.Server, discovery Discovery, transport Transport, index peer.Index, opts ...Option) (*Node, error) {
	id, err := cfg.Node.PrivKey.NodeID()
	if err != nil {
		return nil, fmt.Errorf("node identity: %w", err)
	}

	node := &Node{
		NodeID:        id,
		key:           cfg.Node.PrivKey,
		clock:         clock.New(),
		dialTimeout:   cfg.Network.DialTimeout.Std(),
		probeInterval: cfg.Liveness.Interval.Std(),
		probeTimeout:  cfg.Liveness.Timeout.Std(),
		index:         index,
		rpcServer:     rpcServer,
		discovery:     discovery,
		transport:     transport,
		sessions:      make(map[oid.Oid]*session),
		probes:        make(chan probeReport),
		dials:         make(chan dialResult),
		queries:       make(chan func(*peer.Registry)),
		stopped:       make(chan struct{}),
		subs:          make(map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(node)
	}
	node.registry = peer.NewRegistry(cfg.Liveness.Threshold, node.clock.Now)

	if rpcServer != nil {
		node.Addresses = AdvertisedAddresses(cfg.Network.AdvertiseAddress, rpcServer.Addr())
		if len(node.Addresses) == 0 {
			return nil, ErrNoAddresses
		}
		if err := rpcServer.Register(&Liveness{node: node}); err != nil {
			return nil, err
		}
	} else if cfg.Network.AdvertiseAddress != "" {
		node.Addresses = []string{cfg.Network.AdvertiseAddress}
	}

	log.Infof("I am %s, listening on %s", node.NodeID.String(), node.Addresses)

	return node, nil
}

// Run serves RPCs, consumes discovery and drives the event loop until ctx is cancelled.
// It returns nil after a clean shutdown, or the error that stopped the event loop.
func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	if n.rpcServer != nil {
		wg.Go(func() error {
			err := n.rpcServer.Serve(cctx)
			if cctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	wg.Go(func() error {
		err := n.discovery.Run(cctx)
		if err != nil && cctx.Err() == nil {
			// The registry keeps working without new sightings
			log.Errorf("Discovery stopped: %v", err)
		}
		return nil
	})

	wg.Go(func() error {
		return n.loop(cctx)
	})

	return wg.Wait()
}

func (n *Node) loop(ctx context.Context) error {
	defer close(n.stopped)
	defer n.shutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := n.discovery.Events()
	errs := n.discovery.Errors()

	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			err = n.handleDiscovery(ctx, ev)
		case derr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			n.handleDiscoveryError(derr)
		case rep := <-n.probes:
			err = n.handleProbe(rep)
		case res := <-n.dials:
			err = n.handleDial(ctx, res)
		case q := <-n.queries:
			q(n.registry)
		}
		if err != nil {
			log.Errorf("Event loop stopped: %v", err)
			return err
		}
	}
}

// shutdown runs on the loop goroutine after the loop context is cancelled.
func (n *Node) shutdown() {
	var errs error
	for id, s := range n.sessions {
		s.cancel()
		errs = multierr.Append(errs, s.conn.Close())
		delete(n.sessions, id)
	}
	n.probeWG.Wait()
	n.dialWG.Wait()

	for _, rec := range n.registry.All() {
		var reason string
		switch rec.State {
		case peer.StateDialing:
			reason = "dial cancelled"
		case peer.StateConnected:
			reason = "shutdown"
		default:
			continue
		}
		updated, err := n.registry.MarkDisconnected(rec.ID, reason)
		if err != nil {
			log.Errorf("Shutdown: %v", err)
			continue
		}
		n.stateChanged(rec.State, updated)
		n.persist(&updated)
	}

	if errs != nil {
		log.Debugf("Shutdown: closing connections: %v", errs)
	}
}

func (n *Node) persist(rec *peer.Record) {
	if n.index == nil {
		return
	}
	if err := n.index.Put(rec); err != nil {
		log.Errorf("Failed to persist peer %s: %v", rec.ID.String(), err)
	}
}

// stateChanged emits a state change event and keeps the per-state gauge current.
func (n *Node) stateChanged(from peer.State, rec peer.Record) {
	if from == rec.State {
		return
	}
	metrics.Peers.WithLabelValues(from.String()).Dec()
	metrics.Peers.WithLabelValues(rec.State.String()).Inc()
	n.emit(Event{
		Kind:    EventStateChange,
		Peer:    rec.ID,
		Address: rec.Address,
		From:    from.String(),
		State:   rec.State.String(),
		Err:     rec.LastError,
	})
}

// query runs f on the event loop. After the loop has exited the registry no longer
// changes, so f runs directly.
func (n *Node) query(ctx context.Context, f func(*peer.Registry)) error {
	done := make(chan struct{})
	select {
	case n.queries <- func(r *peer.Registry) {
		f(r)
		close(done)
	}:
		<-done
		return nil
	case <-n.stopped:
		f(n.registry)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Peers returns a snapshot of every known peer, sorted by ID.
func (n *Node) Peers(ctx context.Context) ([]peer.Record, error) {
	var out []peer.Record
	err := n.query(ctx, func(r *peer.Registry) {
		out = r.All()
	})
	return out, err
}

func (n *Node) Peer(ctx context.Context, id oid.Oid) (peer.Record, bool, error) {
	var (
		rec peer.Record
		ok  bool
	)
	err := n.query(ctx, func(r *peer.Registry) {
		rec, ok = r.Get(id)
	})
	return rec, ok, err
}
