package discovery

import (
	"context"
	"crypto/sha256"
	"net"
	"testing"
	"time"

	"lanmesh/datamodel/peer"
	"lanmesh/helper/timer"
	"lanmesh/net/mpubsub"
	"lanmesh/oid"
	"lanmesh/swarm/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastInterval = timer.Interval{Duration: 20 * time.Millisecond, Jitter: 5 * time.Millisecond}

func testID(name string) oid.Oid {
	return oid.Encode(oid.OidTypeNode, sha256.Sum256([]byte(name)))
}

func udpSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func writerTo(t *testing.T, c *net.UDPConn) *net.UDPConn {
	t.Helper()
	w, err := net.DialUDP("udp4", nil, c.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func run(t *testing.T, b *Beacon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("beacon did not stop")
		}
	})
}

func nextEvent(t *testing.T, b *Beacon) peer.DiscoveryEvent {
	t.Helper()
	select {
	case ev := <-b.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no discovery event")
	}
	return peer.DiscoveryEvent{}
}

func TestBeaconsDiscoverEachOther(t *testing.T) {
	ra, rb := udpSocket(t), udpSocket(t)

	// Each beacon's writer points at the other one's reader
	a, err := NewBeacon(mpubsub.New(ra, writerTo(t, rb)), testID("a"), []string{"/ip4/10.0.0.1/tcp/4001"}, fastInterval)
	require.NoError(t, err)
	b, err := NewBeacon(mpubsub.New(rb, writerTo(t, ra)), testID("b"), []string{"/ip4/10.0.0.2/tcp/4002"}, fastInterval)
	require.NoError(t, err)
	run(t, a)
	run(t, b)

	ev := nextEvent(t, a)
	require.Len(t, ev.Discovered, 1)
	assert.Equal(t, testID("b"), ev.Discovered[0].ID)
	assert.Equal(t, "/ip4/10.0.0.2/tcp/4002", ev.Discovered[0].Address)

	ev = nextEvent(t, b)
	require.Len(t, ev.Discovered, 1)
	assert.Equal(t, testID("a"), ev.Discovered[0].ID)
}

func TestAnnouncementPicksDialableAddress(t *testing.T) {
	b, err := NewBeacon(mpubsub.New(nil, nil), testID("self"), nil, fastInterval)
	require.NoError(t, err)

	b.PeerAnnouncement(&protocol.PeerAnnouncementMessage{
		NodeID:    testID("p"),
		Addresses: []string{"garbage", "/ip4/10.0.0.3/udp/1", "/ip4/10.0.0.3/tcp/1"},
	})
	ev := nextEvent(t, b)
	assert.Equal(t, []peer.Sighting{{ID: testID("p"), Address: "/ip4/10.0.0.3/tcp/1"}}, ev.Discovered)
}

func TestMalformedAnnouncementsAreErrors(t *testing.T) {
	b, err := NewBeacon(mpubsub.New(nil, nil), testID("self"), nil, fastInterval)
	require.NoError(t, err)

	b.PeerAnnouncement(&protocol.PeerAnnouncementMessage{Addresses: []string{"/ip4/10.0.0.3/tcp/1"}})
	b.PeerAnnouncement(&protocol.PeerAnnouncementMessage{NodeID: testID("p")})

	assert.ErrorIs(t, <-b.Errors(), ErrNoNodeID)
	assert.ErrorIs(t, <-b.Errors(), ErrNoAddresses)
	assert.Empty(t, b.Events())
}

func TestUndecodableDatagramIsReported(t *testing.T) {
	r := udpSocket(t)
	w := writerTo(t, r)
	b, err := NewBeacon(mpubsub.New(r, writerTo(t, udpSocket(t))), testID("self"), []string{"/ip4/10.0.0.1/tcp/1"}, fastInterval)
	require.NoError(t, err)
	run(t, b)

	_, err = w.Write([]byte{0xff, 0xff, 0xff})
	require.NoError(t, err)

	select {
	case err := <-b.Errors():
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no discovery error")
	}
}

func TestNewBeaconRejectsBadInterval(t *testing.T) {
	_, err := NewBeacon(mpubsub.New(nil, nil), testID("self"), nil, timer.Interval{Duration: time.Second, Jitter: time.Second})
	assert.Error(t, err)
}
