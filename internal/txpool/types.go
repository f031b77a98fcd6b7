// Package txpool implements TxPool and Dandelion (spec §4.6, component
// C6): a pre-fluff stem pool that aggregates and relays transactions
// through Dandelion++-style stem hops, and a fluff pool of
// ready-to-broadcast, ready-to-mine transactions.
//
// Grounded on node.cpp's Node::TxPool stem/fluff split and kaspad's real
// mempool package shape referenced from flowcontext.go
// (`txPool *mempool.TxPool`, `sharedRequestedTransactions`); the
// profit-ordered and kernel-keyed indices here are plain Go maps plus a
// helper slice kept sorted with the standard library's slices package,
// replacing the source's intrusive
// multi-index container.
package txpool

import (
	"time"

	"github.com/beamlabs/beamnode/internal/peer"
)

// KernelID identifies a transaction's output kernel up to aggregation
// (spec glossary: "Kernel").
type KernelID [32]byte

// Profit is the (fee, size) pair used to rank transactions for
// aggregation-partner choice and pool eviction.
type Profit struct {
	Fee  uint64
	Size uint64
}

// less reports whether a is strictly less profitable than b, compared as
// fee-per-byte via cross-multiplication to avoid floating point.
func (a Profit) less(b Profit) bool {
	if a.Size == 0 || b.Size == 0 {
		return a.Fee < b.Fee
	}
	return a.Fee*b.Size < b.Fee*a.Size
}

// TxSummary is everything the pool needs to know about a transaction
// without parsing its wire bytes itself (spec §1: block/tx body parsing
// is out of scope; only this externally-supplied summary is consumed
// here).
type TxSummary struct {
	Raw     []byte
	Kernels []KernelID
	Inputs  int
	Outputs int
	Profit  Profit
}

// Validator performs the actual cryptographic/consensus validation of a
// transaction (spec §1's "cryptographic primitives" and "consensus
// rules" are out of scope; this is the external collaborator boundary).
type Validator interface {
	ValidateTx(raw []byte) (TxSummary, error)
}

// DummyEntry is a node-generated dummy UTXO usable as a padding input
// (spec §3/§4.6), mirroring internal/store.DummyEntry's shape so the
// node package can wire internal/store directly as a DummyProvider.
type DummyEntry struct {
	BlindingScalar [32]byte
	Height         uint64
	Commitment     []byte
}

// DummyProvider is the dummy-table + UTXO-liveness collaborator
// AddDummyInputs needs (spec §4.6).
type DummyProvider interface {
	NextDummy(maxHeight uint64) (DummyEntry, bool, error)
	IsUnspent(commitment []byte) (bool, error)
	DeleteDummy(scalar [32]byte) error
	BumpDummy(entry DummyEntry, extraHeight uint64) error
	// AddDummyOutput mints a fresh dummy output added to an aggregating
	// tx whose stem timer expired (spec §4.6's "Stem timer expiry ...
	// AddDummyOutputs(tx)").
	AddDummyOutput(tx *TxSummary, height uint64) error
}

// TipProvider reports the current chain height, used by AddDummyInputs's
// "height <= current tip + 1" eligibility check.
type TipProvider interface {
	TipHeight() uint64
}

// Peer is the relay capability the pool needs from an authenticated
// session. Aliased to peer.TxPoolPeer rather than restated as a distinct
// interface: Pool.RegisterPeer must accept exactly the type named by
// peer.TxPoolSink.RegisterPeer for *Pool to satisfy that interface, and
// Go requires identical named types for that, not just identical method
// sets.
type Peer = peer.TxPoolPeer

// Miner is notified to restart mining once a new tx reaches the fluff
// pool (spec §4.6 step 7: "Signal miner: SetTimer(MiningSoftRestart_ms)").
type Miner interface {
	ScheduleSoftRestart(after time.Duration)
}

// WantedTx lets the pool track in-flight GetTransaction requests, mirroring
// wanted.Set[[32]byte]'s API (spec §4.6 step 4's "Delete from the
// WantedSet for txs", extended here with Add/Has so HaveTransaction can
// avoid re-requesting a transaction already being chased).
type WantedTx interface {
	Add(key [32]byte) bool
	Has(key [32]byte) bool
	Delete(key [32]byte) bool
}

func kernelKey(kernels []KernelID) [32]byte {
	// Kernel-set identity for the fluff pool's dedup key: XOR-folding the
	// (already hash-sized) kernel IDs together. Order-independent, which
	// matches two txs carrying the same aggregated kernel set regardless
	// of kernel ordering.
	var key [32]byte
	for _, k := range kernels {
		for i := range key {
			key[i] ^= k[i]
		}
	}
	return key
}
