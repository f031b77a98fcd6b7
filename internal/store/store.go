// Package store is the node's own persisted-state layer (spec §6): peers
// table, params table (MyID, SyncTarget), BBS table, dummy table, and mined
// log. The chain database proper (blocks/states/UTXO/kernels/macroblock
// index) stays an external collaborator per spec §1; this package only
// backs the state this spec assigns to PeerManager, SyncController,
// TxPool's dummy inputs, and Bbs.
package store

import (
	"encoding/binary"
	"encoding/json"

	"github.com/beamlabs/beamnode/internal/peer"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Prefixes partition the single goleveldb keyspace into logical tables,
// the way kaspad's own dbaccess package namespaces keys (grounded on
// infrastructure/db/dbaccess/utxomap.go's bucket-by-prefix idiom).
var (
	prefixPeers  = []byte{0x01}
	prefixParams = []byte{0x02}
	prefixBbs    = []byte{0x03}
	prefixDummy  = []byte{0x04}
	prefixMined  = []byte{0x05}
)

// Store wraps a goleveldb handle.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) the goleveldb store at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening node state store")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func key(prefix []byte, parts ...[]byte) []byte {
	out := append([]byte{}, prefix...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// --- Peers table ---

// SavePeers persists the full PeerManager snapshot, replacing whatever was
// there before, mirroring kaspad's addrmgr periodic full-rewrite pattern.
func (s *Store) SavePeers(infos []peer.PersistedPeerInfo) error {
	batch := new(leveldb.Batch)

	iter := s.db.NewIterator(util.BytesPrefix(prefixPeers), nil)
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	for _, info := range infos {
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		batch.Put(key(prefixPeers, info.ID[:]), data)
	}
	return s.db.Write(batch, nil)
}

// LoadPeers reads back the persisted PeerManager snapshot.
func (s *Store) LoadPeers() ([]peer.PersistedPeerInfo, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefixPeers), nil)
	defer iter.Release()

	var out []peer.PersistedPeerInfo
	for iter.Next() {
		var info peer.PersistedPeerInfo
		if err := json.Unmarshal(iter.Value(), &info); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, iter.Error()
}

// --- BBS table ---

// BbsEntry is a stored BBS message, keyed by its content key (spec §4.9).
type BbsEntry struct {
	Key        [32]byte
	Channel    uint32
	TimePosted uint64
	Message    []byte
}

func (s *Store) PutBbs(e BbsEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Put(key(prefixBbs, e.Key[:]), data, nil)
}

func (s *Store) DeleteBbs(k [32]byte) error {
	return s.db.Delete(key(prefixBbs, k[:]), nil)
}

// EachBbs calls fn for every stored BBS message; fn returning false stops
// the walk early.
func (s *Store) EachBbs(fn func(BbsEntry) bool) error {
	iter := s.db.NewIterator(util.BytesPrefix(prefixBbs), nil)
	defer iter.Release()
	for iter.Next() {
		var e BbsEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return err
		}
		if !fn(e) {
			break
		}
	}
	return iter.Error()
}

// --- Params table ---

// GetParam reads a raw params-table value (e.g. "MyID", "SyncTarget").
func (s *Store) GetParam(name string) ([]byte, bool, error) {
	v, err := s.db.Get(key(prefixParams, []byte(name)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// PutParam writes a raw params-table value.
func (s *Store) PutParam(name string, value []byte) error {
	return s.db.Put(key(prefixParams, []byte(name)), value, nil)
}

// --- Mined log ---

// MinedEntry is one row of the mined log (spec §6).
type MinedEntry struct {
	Height  uint64
	Hash    [32]byte
	Valid   bool
}

// AppendMined records a mining result, keyed by height so iteration
// (spec §1: "a key-value store with iteration" is the external chain-DB's
// shape; this mirrors it for the node's own tables) yields ascending order.
func (s *Store) AppendMined(e MinedEntry) error {
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], e.Height)
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Put(key(prefixMined, h[:]), data, nil)
}

// MinedSince returns mined-log entries with height >= heightMin.
func (s *Store) MinedSince(heightMin uint64) ([]MinedEntry, error) {
	var lower [8]byte
	binary.BigEndian.PutUint64(lower[:], heightMin)

	rng := util.BytesPrefix(prefixMined)
	rng.Start = key(prefixMined, lower[:])

	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	var out []MinedEntry
	for iter.Next() {
		var e MinedEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

// --- Dummy table ---

// DummyEntry is a node-generated dummy-UTXO record (spec §3/§4.6), keyed by
// its blinding scalar.
type DummyEntry struct {
	BlindingScalar [32]byte
	Height         uint64
	Commitment     []byte
}

func (s *Store) PutDummy(d DummyEntry) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.Put(key(prefixDummy, d.BlindingScalar[:]), data, nil)
}

func (s *Store) DeleteDummy(scalar [32]byte) error {
	return s.db.Delete(key(prefixDummy, scalar[:]), nil)
}

// EachDummy calls fn for every stored dummy entry; fn returning false stops
// the walk early.
func (s *Store) EachDummy(fn func(DummyEntry) bool) error {
	iter := s.db.NewIterator(util.BytesPrefix(prefixDummy), nil)
	defer iter.Release()
	for iter.Next() {
		var d DummyEntry
		if err := json.Unmarshal(iter.Value(), &d); err != nil {
			return err
		}
		if !fn(d) {
			break
		}
	}
	return iter.Error()
}

// NextDummy returns an arbitrary stored dummy whose height is at most
// maxHeight (internal/txpool.DummyProvider's eligibility rule), or
// ok=false if none qualifies.
func (s *Store) NextDummy(maxHeight uint64) (DummyEntry, bool, error) {
	var found DummyEntry
	ok := false
	err := s.EachDummy(func(d DummyEntry) bool {
		if d.Height <= maxHeight {
			found, ok = d, true
			return false
		}
		return true
	})
	return found, ok, err
}

// BumpDummy extends a dummy's recorded height by extraHeight and rewrites
// it, so a reused dummy input isn't immediately re-offered.
func (s *Store) BumpDummy(entry DummyEntry, extraHeight uint64) error {
	entry.Height += extraHeight
	return s.PutDummy(entry)
}
