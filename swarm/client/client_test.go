package client

import (
	"context"
	"testing"
	"time"

	"lanmesh/config"
	"lanmesh/datamodel/peer"
	"lanmesh/net/crpc"
	"lanmesh/net/maddr"
	"lanmesh/oid"
	"lanmesh/swarm/node"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleDiscovery struct{}

func (idleDiscovery) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (idleDiscovery) Events() <-chan peer.DiscoveryEvent { return nil }
func (idleDiscovery) Errors() <-chan error               { return nil }

func newID(t *testing.T) oid.Oid {
	t.Helper()
	key, err := config.GenerateKey()
	require.NoError(t, err)
	id, err := key.NodeID()
	require.NoError(t, err)
	return id
}

// startPeer serves the liveness RPCs of a fresh identity on loopback.
// Cancelling the returned function stops the server and drops its connections.
func startPeer(t *testing.T) (oid.Oid, string, context.CancelFunc) {
	t.Helper()
	key, err := config.GenerateKey()
	require.NoError(t, err)
	cfg := config.NewEmptyConfig("")
	cfg.Node.PrivKey = key

	l, err := maddr.Listen("/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	srv := crpc.NewServer(l)

	n, err := node.New(cfg, srv, idleDiscovery{}, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, n.Addresses)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n.NodeID, n.Addresses[0], cancel
}

func TestConnectAndProbe(t *testing.T) {
	id, addr, stop := startPeer(t)
	self := newID(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewTransport(self).Connect(ctx, id, addr)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, id, conn.(*Client).Peer())

	rtt, err := conn.Probe(ctx)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	// The closed signal fires when the remote goes away
	stop()
	select {
	case <-conn.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not report closure")
	}
	_, err = conn.Probe(ctx)
	assert.ErrorIs(t, err, crpc.ErrShutdown)
}

func TestIdentityMismatch(t *testing.T) {
	_, addr, _ := startPeer(t)
	self := newID(t)
	impostor := newID(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, self, impostor, addr)
	assert.ErrorIs(t, err, node.ErrIdentityMismatch)
}

func TestMalformedAddress(t *testing.T) {
	ctx := context.Background()
	_, err := NewTransport(newID(t)).Connect(ctx, newID(t), "not-a-multiaddr")
	assert.ErrorIs(t, err, node.ErrBadAddress)

	_, err = NewTransport(newID(t)).Connect(ctx, newID(t), "/ip4/127.0.0.1/udp/9")
	assert.ErrorIs(t, err, node.ErrBadAddress)
}

func TestProbeHonoursDeadline(t *testing.T) {
	id, addr, _ := startPeer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, newID(t), id, addr)
	require.NoError(t, err)
	defer c.Close()

	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	_, err = c.Probe(expired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
