package peer

import (
	"crypto/ed25519"
	"lanmesh/oid"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPeerID(t *testing.T) oid.Oid {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	id, err := oid.FromPublicKey(pub)
	require.NoError(t, err)
	return id
}

type fakeNow struct {
	t time.Time
}

func (f *fakeNow) now() time.Time {
	return f.t
}

func TestUpsertKeepsOneRecordPerPeer(t *testing.T) {
	clk := &fakeNow{t: time.Unix(1000, 0)}
	reg := NewRegistry(1, clk.now)
	id := newPeerID(t)

	rec := reg.Upsert(id, "/ip4/10.0.0.1/tcp/4000")
	assert.Equal(t, StateUnknown, rec.State)
	assert.Equal(t, clk.t, rec.LastSeen)

	clk.t = clk.t.Add(time.Second)
	rec = reg.Upsert(id, "/ip4/10.0.0.2/tcp/4000")
	assert.Equal(t, "/ip4/10.0.0.2/tcp/4000", rec.Address)
	assert.Equal(t, clk.t, rec.LastSeen)
	assert.Len(t, reg.All(), 1)
	assert.Len(t, reg.All(), 1)
}

func TestUpsertDoesNotTouchLiveness(t *testing.T) {
	reg := NewRegistry(3, nil)
	id := newPeerID(t)
	reg.Upsert(id, "/ip4/10.0.0.1/tcp/4000")

	_, err := reg.MarkDialing(id)
	require.NoError(t, err)
	_, err = reg.RecordProbe(id, ProbeResult{Peer: id, Outcome: OutcomeSuccess, RTT: time.Millisecond})
	require.NoError(t, err)
	_, err = reg.RecordProbe(id, ProbeResult{Peer: id, Outcome: OutcomeTimeout})
	require.NoError(t, err)

	rec := reg.Upsert(id, "/ip4/10.0.0.9/tcp/4000")
	assert.Equal(t, StateConnected, rec.State)
	assert.Equal(t, uint(1), rec.ConsecutiveTimeouts)
	require.NotNil(t, rec.LastRTT)
	assert.Equal(t, time.Millisecond, *rec.LastRTT)
}

func TestProbeStateMachine(t *testing.T) {
	reg := NewRegistry(2, nil)
	id := newPeerID(t)
	reg.Upsert(id, "/ip4/10.0.0.1/tcp/4000")

	rec, err := reg.MarkDialing(id)
	require.NoError(t, err)
	assert.Equal(t, StateDialing, rec.State)
	assert.Equal(t, uint(1), rec.Dials)

	rec, err = reg.RecordProbe(id, ProbeResult{Peer: id, Outcome: OutcomeSuccess, RTT: 3 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, rec.State)

	rec, err = reg.RecordProbe(id, ProbeResult{Peer: id, Outcome: OutcomeTimeout})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, rec.State, "one timeout is below the threshold")
	assert.Equal(t, uint(1), rec.ConsecutiveTimeouts)

	rec, err = reg.RecordProbe(id, ProbeResult{Peer: id, Outcome: OutcomeSuccess, RTT: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, uint(0), rec.ConsecutiveTimeouts)

	_, err = reg.RecordProbe(id, ProbeResult{Peer: id, Outcome: OutcomeTimeout})
	require.NoError(t, err)
	rec, err = reg.RecordProbe(id, ProbeResult{Peer: id, Outcome: OutcomeTimeout})
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, rec.State)
	assert.Equal(t, uint(2), rec.ConsecutiveTimeouts)
	assert.NotEmpty(t, rec.LastError)
}

func TestUnreachableBypassesCounter(t *testing.T) {
	reg := NewRegistry(5, nil)
	id := newPeerID(t)
	reg.Upsert(id, "/ip4/10.0.0.1/tcp/4000")
	_, err := reg.MarkDialing(id)
	require.NoError(t, err)
	_, err = reg.RecordProbe(id, ProbeResult{Peer: id, Outcome: OutcomeSuccess})
	require.NoError(t, err)

	rec, err := reg.RecordProbe(id, ProbeResult{Peer: id, Outcome: OutcomeUnreachable})
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, rec.State)
	assert.Equal(t, uint(0), rec.ConsecutiveTimeouts)
}

func TestRediscoverReentersUnknown(t *testing.T) {
	reg := NewRegistry(1, nil)
	id := newPeerID(t)
	reg.Upsert(id, "/ip4/10.0.0.1/tcp/4000")
	_, err := reg.MarkDialing(id)
	require.NoError(t, err)
	_, err = reg.MarkDisconnected(id, "refused")
	require.NoError(t, err)

	rec, err := reg.Rediscover(id)
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, rec.State)

	rec, err = reg.MarkDialing(id)
	require.NoError(t, err)
	assert.Equal(t, uint(2), rec.Dials)
}

func TestIllegalTransitionsAreInvariantViolations(t *testing.T) {
	reg := NewRegistry(1, nil)
	id := newPeerID(t)
	reg.Upsert(id, "/ip4/10.0.0.1/tcp/4000")

	_, err := reg.Rediscover(id)
	assert.ErrorIs(t, err, ErrInvariantViolation, "unknown -> unknown through rediscovery is not a disconnect")

	_, err = reg.MarkDialing(id)
	require.NoError(t, err)
	_, err = reg.MarkDialing(id)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	_, err = reg.MarkDisconnected(id, "boom")
	require.NoError(t, err)
	_, err = reg.MarkDialing(id)
	assert.ErrorIs(t, err, ErrInvariantViolation, "a disconnected peer must be rediscovered first")
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, canTransition(StateUnknown, StateUnknown))
	assert.False(t, canTransition(StateConnected, StateDialing))
	assert.False(t, canTransition(StateDisconnected, StateConnected))
}

func TestUnknownPeer(t *testing.T) {
	reg := NewRegistry(1, nil)
	_, err := reg.RecordProbe(newPeerID(t), ProbeResult{Outcome: OutcomeTimeout})
	assert.ErrorIs(t, err, ErrUnknownPeer)
	_, ok := reg.Get(newPeerID(t))
	assert.False(t, ok)
}

func TestAllReturnsSnapshot(t *testing.T) {
	reg := NewRegistry(1, nil)
	id := newPeerID(t)
	reg.Upsert(id, "/ip4/10.0.0.1/tcp/4000")
	_, err := reg.MarkDialing(id)
	require.NoError(t, err)
	_, err = reg.RecordProbe(id, ProbeResult{Peer: id, Outcome: OutcomeSuccess, RTT: time.Second})
	require.NoError(t, err)

	snap := reg.All()
	*snap[0].LastRTT = time.Hour
	snap[0].Address = "changed"

	rec, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, time.Second, *rec.LastRTT)
	assert.Equal(t, "/ip4/10.0.0.1/tcp/4000", rec.Address)
}
