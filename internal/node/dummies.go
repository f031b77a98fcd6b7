package node

import (
	"github.com/beamlabs/beamnode/internal/store"
	"github.com/beamlabs/beamnode/internal/txpool"
)

// dummyAdapter satisfies txpool.DummyProvider by backing the
// store-resident parts (NextDummy/DeleteDummy/BumpDummy) with
// internal/store directly, and the UTXO-liveness parts (IsUnspent,
// AddDummyOutput) with the injected chain-DB collaborator — the dummy
// table is in scope, but whether a commitment is still unspent is not
// (spec §1).
type dummyAdapter struct {
	store     *store.Store
	isUnspent func(commitment []byte) (bool, error)
	addDummy  func(tx *txpool.TxSummary, height uint64) error
}

func (d *dummyAdapter) NextDummy(maxHeight uint64) (txpool.DummyEntry, bool, error) {
	e, ok, err := d.store.NextDummy(maxHeight)
	if err != nil || !ok {
		return txpool.DummyEntry{}, ok, err
	}
	return txpool.DummyEntry{BlindingScalar: e.BlindingScalar, Height: e.Height, Commitment: e.Commitment}, true, nil
}

func (d *dummyAdapter) IsUnspent(commitment []byte) (bool, error) {
	return d.isUnspent(commitment)
}

func (d *dummyAdapter) DeleteDummy(scalar [32]byte) error {
	return d.store.DeleteDummy(scalar)
}

func (d *dummyAdapter) BumpDummy(entry txpool.DummyEntry, extraHeight uint64) error {
	return d.store.BumpDummy(store.DummyEntry{
		BlindingScalar: entry.BlindingScalar,
		Height:         entry.Height,
		Commitment:     entry.Commitment,
	}, extraHeight)
}

func (d *dummyAdapter) AddDummyOutput(tx *txpool.TxSummary, height uint64) error {
	return d.addDummy(tx, height)
}
