package leveldb

import (
	"crypto/ed25519"
	"lanmesh/datamodel/peer"
	"lanmesh/oid"
	"path/filepath"
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

func TestPeerIndexPutGet(t *testing.T) {
	idx, err := NewPeerIndex(filepath.Join(t.TempDir(), "peers"))
	require.NoError(t, err)
	defer idx.Close()

	rtt := 12 * time.Millisecond
	rec := &peer.Record{
		ID:                  newPeerID(t),
		Address:             "/ip4/192.168.1.4/tcp/4001",
		State:               peer.StateConnected,
		LastSeen:            time.Unix(1700000000, 0).UTC(),
		LastRTT:             &rtt,
		ConsecutiveTimeouts: 2,
		Dials:               3,
	}
	require.NoError(t, idx.Put(rec))

	got, err := idx.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Address, got.Address)
	assert.Equal(t, peer.StateConnected, got.State)
	assert.True(t, rec.LastSeen.Equal(got.LastSeen))
	require.NotNil(t, got.LastRTT)
	assert.Equal(t, rtt, *got.LastRTT)
	assert.Equal(t, uint(2), got.ConsecutiveTimeouts)
	assert.Equal(t, uint(3), got.Dials)

	_, err = idx.Get(newPeerID(t))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPeerIndexEnumerateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers")
	idx, err := NewPeerIndex(path)
	require.NoError(t, err)

	a := &peer.Record{ID: newPeerID(t), Address: "/ip4/10.0.0.1/tcp/1"}
	b := &peer.Record{ID: newPeerID(t), Address: "/ip4/10.0.0.2/tcp/2", State: peer.StateDisconnected}
	require.NoError(t, idx.Put(a))
	require.NoError(t, idx.Put(b))
	b.Address = "/ip4/10.0.0.3/tcp/3"
	require.NoError(t, idx.Put(b))
	require.NoError(t, idx.Close())

	idx, err = NewPeerIndex(path)
	require.NoError(t, err)
	defer idx.Close()

	recs, err := idx.Enumerate()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byID := map[oid.Oid]*peer.Record{}
	for _, r := range recs {
		byID[r.ID] = r
	}
	assert.Equal(t, "/ip4/10.0.0.1/tcp/1", byID[a.ID].Address)
	assert.Equal(t, "/ip4/10.0.0.3/tcp/3", byID[b.ID].Address)
	assert.Equal(t, peer.StateDisconnected, byID[b.ID].State)
}
