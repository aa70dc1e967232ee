// Package evidence implements the supervisor's cross era index of
// equivocation proofs. Evidence is append only: it is recorded when an
// era's protocol instance detects a fault and stays answerable for the
// whole bonded window, surviving both era retirement and node restarts.
package evidence

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tos-network/erabft/crypto"
	"github.com/tos-network/erabft/types"
)

// evidencePrefix namespaces evidence keys in the database.
var evidencePrefix = []byte("ev-")

var (
	// ErrClosed is returned when recording into a closed store.
	ErrClosed = errors.New("evidence: store closed")
)

type indexKey struct {
	era types.EraID
	pub crypto.PublicKey
}

// Store is the durable (era, validator) → proof index.
type Store struct {
	mu     sync.RWMutex
	db     *leveldb.DB
	index  map[indexKey][]byte
	closed bool
}

// OpenStore opens (or creates) the evidence database at path and loads the
// in-memory index from it.
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return load(db)
}

// NewMemStore creates a store backed by in-memory storage, for tests and
// ephemeral nodes.
func NewMemStore() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return load(db)
}

func load(db *leveldb.DB) (*Store, error) {
	s := &Store{db: db, index: make(map[indexKey][]byte)}
	it := db.NewIterator(util.BytesPrefix(evidencePrefix), nil)
	defer it.Release()
	for it.Next() {
		key, ok := decodeKey(it.Key())
		if !ok {
			continue
		}
		payload := make([]byte, len(it.Value()))
		copy(payload, it.Value())
		s.index[key] = payload
	}
	return s, it.Error()
}

// Record stores proof that pub equivocated in era. The first proof per
// (era, validator) wins; later proofs are ignored, keeping the index
// append only.
func (s *Store) Record(era types.EraID, pub crypto.PublicKey, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	key := indexKey{era: era, pub: pub}
	if _, ok := s.index[key]; ok {
		return nil
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	if err := s.db.Put(encodeKey(key), stored, nil); err != nil {
		return err
	}
	s.index[key] = stored
	return nil
}

// Get returns the stored proof against pub in era, if any.
func (s *Store) Get(era types.EraID, pub crypto.PublicKey) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.index[indexKey{era: era, pub: pub}]
	return payload, ok
}

// Has reports whether pub is known faulty in era.
func (s *Store) Has(era types.EraID, pub crypto.PublicKey) bool {
	_, ok := s.Get(era, pub)
	return ok
}

// Faulty returns every validator with recorded evidence in era.
func (s *Store) Faulty(era types.EraID) []crypto.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crypto.PublicKey
	for key := range s.index {
		if key.era == era {
			out = append(out, key.pub)
		}
	}
	return out
}

// Purge drops all evidence for eras strictly older than oldest. Called
// when the bonded window advances; accusations outside the window are no
// longer actionable.
func (s *Store) Purge(oldest types.EraID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	batch := new(leveldb.Batch)
	for key := range s.index {
		if key.era < oldest {
			batch.Delete(encodeKey(key))
			delete(s.index, key)
		}
	}
	return s.db.Write(batch, nil)
}

// Close releases the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func encodeKey(key indexKey) []byte {
	out := make([]byte, 0, len(evidencePrefix)+8+crypto.PublicKeyLength)
	out = append(out, evidencePrefix...)
	var era [8]byte
	binary.BigEndian.PutUint64(era[:], uint64(key.era))
	out = append(out, era[:]...)
	return append(out, key.pub[:]...)
}

func decodeKey(raw []byte) (indexKey, bool) {
	body := raw[len(evidencePrefix):]
	if len(body) != 8+crypto.PublicKeyLength {
		return indexKey{}, false
	}
	var key indexKey
	key.era = types.EraID(binary.BigEndian.Uint64(body[:8]))
	copy(key.pub[:], body[8:])
	return key, true
}
