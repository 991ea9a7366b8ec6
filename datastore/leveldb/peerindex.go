package leveldb

import (
	"lanmesh/datamodel/peer"
	"lanmesh/oid"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "PEER" // Peer records indexed by ID. Followed by textual OID representation
)

var _ peer.Index = (*PeerIndex)(nil)

type PeerIndex struct {
	LevelDB
}

func NewPeerIndex(path string) (*PeerIndex, error) {
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &PeerIndex{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

func keyFromID(id oid.Oid) []byte {
	return append([]byte(keyPrefixPeer), []byte(id.String())...)
}

func (l *PeerIndex) Get(id oid.Oid) (*peer.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(keyFromID(id), nil)
	if err != nil {
		return nil, err
	}

	rec := &peer.Record{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}

	// Compare the ID just in case
	if rec.ID != id {
		log.Errorf("PeerIndex.Get: ID mismatch: %s != %s", id.String(), rec.ID.String())
		return nil, ErrCorrupted
	}

	return rec, nil
}

func (l *PeerIndex) Put(rec *peer.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}

	return l.db.Put(keyFromID(rec.ID), raw, nil)
}

func (l *PeerIndex) Enumerate() ([]*peer.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []*peer.Record

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		rec := &peer.Record{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}

	return results, iter.Error()
}
