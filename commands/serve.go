package commands

import (
	"context"
	"errors"
	"fmt"
	"net"

	"lanmesh/api/rest"
	"lanmesh/config"
	"lanmesh/datamodel/peer"
	"lanmesh/datastore/leveldb"
	"lanmesh/helper/timer"
	"lanmesh/net/crpc"
	"lanmesh/net/maddr"
	"lanmesh/net/zpub"
	"lanmesh/swarm/client"
	"lanmesh/swarm/discovery"
	"lanmesh/swarm/node"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

// RunServe runs the node until ctx is cancelled. Everything opened during setup is
// closed again before it returns, whether setup failed or the node stopped.
func RunServe(ctx context.Context, cfg *config.Config) error {
	id, err := cfg.Node.PrivKey.NodeID()
	if err != nil {
		return fmt.Errorf("node id: %w", err)
	}

	// Closed in reverse order of creation on the way out
	var closers []func() error
	defer func() {
		var errs error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = multierr.Append(errs, closers[i]())
		}
		if errs != nil {
			log.Warnf("Errors during shutdown: %v", errs)
		}
	}()

	// Peer index
	var index peer.Index
	if cfg.DataStore.PeerIndexPath != "" {
		pidx, err := leveldb.NewPeerIndex(cfg.DataStore.PeerIndexPath)
		if err != nil {
			return fmt.Errorf("open peer index: %w", err)
		}
		closers = append(closers, pidx.Close)
		index = pidx
	}

	// Create the CRPC server and listener
	rpcl, err := maddr.Listen(cfg.Network.ListenAddress)
	if err != nil {
		return fmt.Errorf("create RPC listener: %w", err)
	}
	closers = append(closers, func() error {
		// Already closed if the RPC server ran
		if err := rpcl.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	rsrv := crpc.NewServer(rpcl)
	rsrv.SetIdleTimeout(cfg.Network.IdleTimeout.Std())

	log.Infof("RPC server listening on %s", rsrv.Addr())

	// Create pubsub
	ps, closeWriter, err := discovery.Join(cfg.Network.MulticastAddress)
	if err != nil {
		return fmt.Errorf("set up discovery: %w", err)
	}
	closers = append(closers, closeWriter)

	addrs := node.AdvertisedAddresses(cfg.Network.AdvertiseAddress, rsrv.Addr())
	beacon, err := discovery.NewBeacon(ps, id, addrs, timer.Interval{
		Duration: cfg.Network.AnnounceInterval.Std(),
		Jitter:   cfg.Network.AnnounceJitter.Std(),
	})
	if err != nil {
		return fmt.Errorf("create discovery beacon: %w", err)
	}

	var opts []node.Option
	if cfg.Events.ZMQEndpoint != "" {
		pub, err := zpub.Listen(cfg.Events.ZMQEndpoint)
		if err != nil {
			return fmt.Errorf("create event publisher: %w", err)
		}
		closers = append(closers, pub.Close)
		opts = append(opts, node.WithEventSink(node.PublisherSink(pub)))
	}

	// Create the node
	n, err := node.New(cfg, rsrv, beacon, client.NewTransport(id), index, opts...)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	wg, cctx := errgroup.WithContext(ctx)

	if cfg.API.ListenAddress != "" {
		apil, err := net.Listen("tcp", cfg.API.ListenAddress)
		if err != nil {
			return fmt.Errorf("create API listener: %w", err)
		}
		api := rest.NewServer(n.NodeID, n.Addresses, n)
		wg.Go(func() error {
			if err := api.Serve(cctx, apil); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	// Run the node
	wg.Go(func() error {
		return n.Run(cctx)
	})

	if err := wg.Wait(); err != nil {
		return err
	}
	log.Info("Node stopped")
	return nil
}
