// Package store persists the peer registry between runs, so a node
// remembers every peer it has ever observed.
package store

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"

	"swarmlink/identity"
	"swarmlink/peer"
)

// Peer records are keyed by prefix + textual peer ID.
const keyPrefixPeer = "PER"

var ErrCorrupted = fmt.Errorf("corrupted")

// PeerStore is a LevelDB-backed index of peer records with CBOR-encoded
// values.
type PeerStore struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func keyFromPeerID(id identity.PeerID) []byte {
	return append([]byte(keyPrefixPeer), []byte(id)...)
}

// Open opens or creates the peer store at the given path, recovering a
// corrupted database when possible.
func Open(path string) (*PeerStore, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	db, err := leveldb.OpenFile(path, opts)
	if ldberrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}

	log.Infof("Opened peer store at %s", path)

	return &PeerStore{path: path, db: db}, nil
}

// Get fetches a peer record by ID.
func (s *PeerStore) Get(id identity.PeerID) (*peer.PeerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.db.Get(keyFromPeerID(id), nil)
	if err != nil {
		return nil, err
	}

	info := &peer.PeerInfo{}
	if err := cbor.Unmarshal(raw, info); err != nil {
		return nil, err
	}

	// Compare the ID just in case.
	if info.ID != id {
		log.Errorf("peerstore: ID mismatch: %s != %s", id, info.ID)
		return nil, ErrCorrupted
	}

	return info, nil
}

// Put stores or updates a peer record.
func (s *PeerStore) Put(info *peer.PeerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := cbor.Marshal(info)
	if err != nil {
		return err
	}
	return s.db.Put(keyFromPeerID(info.ID), raw, nil)
}

// Enumerate returns every persisted peer record.
func (s *PeerStore) Enumerate() ([]*peer.PeerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []*peer.PeerInfo

	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		info := &peer.PeerInfo{}
		if err := cbor.Unmarshal(iter.Value(), info); err != nil {
			return nil, err
		}
		results = append(results, info)
	}

	return results, iter.Error()
}

// Close closes the underlying database.
func (s *PeerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
