// Package discovery announces the local node on a multicast group and reports the peers it hears.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"

	"lanmesh/datamodel/peer"
	"lanmesh/helper/timer"
	"lanmesh/net/maddr"
	"lanmesh/net/mpubsub"
	"lanmesh/oid"
	"lanmesh/swarm/protocol"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNoNodeID    = errors.New("announcement without node id")
	ErrNoAddresses = errors.New("announcement without usable addresses")
)

// Beacon implements node.Discovery on top of a multicast PubSub.
type Beacon struct {
	ps       *mpubsub.PubSub
	self     oid.Oid
	addrs    []string
	interval timer.Interval

	events chan peer.DiscoveryEvent
	errs   chan error
	quit   chan struct{}
}

// Join opens the reader and writer sockets for a multicast group given as host:port.
// The returned close function releases the writer; the reader is closed when Listen returns.
func Join(group string) (*mpubsub.PubSub, func() error, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve multicast group %s: %w", group, err)
	}

	rs, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to join multicast group %s: %w", group, err)
	}

	ws, err := net.DialUDP("udp4", nil, gaddr)
	if err != nil {
		rs.Close()
		return nil, nil, fmt.Errorf("failed to create multicast writer: %w", err)
	}

	return mpubsub.New(rs, ws), ws.Close, nil
}

// NewBeacon registers the announcement handler on ps. The node announces addrs as self every interval.
func NewBeacon(ps *mpubsub.PubSub, self oid.Oid, addrs []string, interval timer.Interval) (*Beacon, error) {
	if err := interval.Validate(); err != nil {
		return nil, err
	}
	b := &Beacon{
		ps:       ps,
		self:     self,
		addrs:    addrs,
		interval: interval,
		events:   make(chan peer.DiscoveryEvent, 64),
		errs:     make(chan error, 16),
		quit:     make(chan struct{}),
	}
	if err := ps.Register(b); err != nil {
		return nil, err
	}
	ps.OnError(b.reportError)
	return b, nil
}

func (b *Beacon) Events() <-chan peer.DiscoveryEvent {
	return b.events
}

func (b *Beacon) Errors() <-chan error {
	return b.errs
}

// Run listens and announces until ctx is cancelled or the socket fails. It must be called once.
func (b *Beacon) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	// Unblocks a handler stuck on a full events channel
	stop := context.AfterFunc(cctx, func() { close(b.quit) })
	defer stop()

	wg.Go(func() error {
		return b.ps.Listen(cctx)
	})
	wg.Go(func() error {
		return timer.RunWithTicker(cctx, &b.interval, true, b.announce)
	})
	return wg.Wait()
}

// This is run via the RunWithTicker() helper
func (b *Beacon) announce(ctx context.Context) error {
	msg := &protocol.PeerAnnouncementMessage{
		NodeID:    b.self,
		Addresses: b.addrs,
	}
	if err := b.ps.Publish(protocol.AnnounceMethod, msg); err != nil {
		// A single lost announcement is harmless, the next tick retries
		b.reportError(fmt.Errorf("failed to publish peer announcement: %w", err))
	}
	return nil
}

// PeerAnnouncement is the multicast handler. One announcement yields one sighting,
// using the first address we know how to dial.
func (b *Beacon) PeerAnnouncement(msg *protocol.PeerAnnouncementMessage) {
	if msg.NodeID.IsZero() {
		b.reportError(ErrNoNodeID)
		return
	}

	var address string
	for _, a := range msg.Addresses {
		if _, _, err := maddr.DialArgs(a); err == nil {
			address = a
			break
		}
	}
	if address == "" {
		b.reportError(fmt.Errorf("%w: %s %v", ErrNoAddresses, msg.NodeID.String(), msg.Addresses))
		return
	}

	log.Tracef("PeerAnnouncement: node: %s, addresses: %s", msg.NodeID.String(), msg.Addresses)

	ev := peer.DiscoveryEvent{
		Discovered: []peer.Sighting{{ID: msg.NodeID, Address: address}},
	}
	select {
	case b.events <- ev:
	case <-b.quit:
	}
}

func (b *Beacon) reportError(err error) {
	select {
	case b.errs <- err:
	default:
		log.Debugf("Beacon: error channel full, dropping: %v", err)
	}
}
