// Package node implements NodeCore (spec §13/C11): the assembly point that
// wires every in-scope component (store, PeerManager, TaskScheduler,
// SyncController, TxPool, Bbs, Beacon, Miner, Verifier, netio) together and
// drives their startup/shutdown order.
//
// Grounded on kaspad.go's own `type kaspad struct` + start/stop wrapper
// (the atomic started/shutdown guards, the ordered construction in
// newKaspad, the ordered start() sequence).
package node

import (
	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/beamlabs/beamnode/internal/miner"
	"github.com/beamlabs/beamnode/internal/peer"
	"github.com/beamlabs/beamnode/internal/scheduler"
	syncctl "github.com/beamlabs/beamnode/internal/sync"
	"github.com/beamlabs/beamnode/internal/txpool"
	"github.com/beamlabs/beamnode/internal/verifier"
)

// Dependencies bundles every external collaborator spec §1 places out of
// scope: block/consensus validation, UTXO liveness, macroblock file
// handling, block construction, and proof-of-work. A concrete embedder
// supplies these; NodeCore itself only wires the components this spec
// actually covers.
type Dependencies struct {
	Processor    peer.Processor
	Validator    txpool.Validator
	IsUnspent    func(commitment []byte) (bool, error)
	AddDummy     func(tx *txpool.TxSummary, height uint64) error
	TipProvider  txpool.TipProvider
	// CurrentTip reports the state announced to a newly-connected peer
	// during the handshake (spec §4.3's OnConnectedSecure): the chain
	// state identity and its accumulated chainwork, both out of this
	// spec's scope. A nil return (height 0) means "no tip yet."
	CurrentTip   func() (*chainid.StateID, []byte)
	Walker       scheduler.Walker
	ShardFile    syncctl.ShardFile
	ShardLayout  syncctl.ShardLayout
	Importer     syncctl.Importer
	BlockBuilder miner.BlockBuilder
	PowEngine    miner.PowEngine
	MinerProc    miner.Processor
	NewTipNotifier miner.NewTipNotifier
	// VerifierHandle is the embedder's forward reference to the Verifier
	// pool (C7), built before NodeCore constructs the pool itself:
	// Processor calls through it to fan block validation out across
	// verification workers (spec §4.7). Node stores the live pool into
	// it during Start(). Optional: a nil handle just means Processor
	// never calls into the pool.
	VerifierHandle *verifier.Handle
}
