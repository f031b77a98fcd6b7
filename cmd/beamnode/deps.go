package main

import (
	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/beamlabs/beamnode/internal/config"
	"github.com/beamlabs/beamnode/internal/node"
	"github.com/beamlabs/beamnode/internal/peer"
	"github.com/beamlabs/beamnode/internal/scheduler"
	"github.com/beamlabs/beamnode/internal/txpool"
	"github.com/beamlabs/beamnode/internal/verifier"
	"github.com/beamlabs/beamnode/internal/xlog"
	"github.com/pkg/errors"
)

// buildDependencies assembles NodeCore's external collaborators: block and
// transaction validation, UTXO liveness, macroblock storage, block
// construction, and proof-of-work. None of that lives in this module (it's
// the chain engine's job, not the network layer's); this command runs the
// standalone network shell against a chain that never grows past genesis,
// the way a protocol conformance harness would. An embedder linking a real
// chain/UTXO engine replaces this file wholesale with its own
// node.Dependencies.
func buildDependencies(cfg *config.Config, logRoot *xlog.Root) (node.Dependencies, error) {
	horizonDir := cfg.MacroblockDir()
	shards := newFileShardStore(horizonDir)
	verifyHandle := &verifier.Handle{}

	return node.Dependencies{
		Processor:      stubProcessor{verify: verifyHandle},
		Validator:      stubValidator{},
		IsUnspent:      func(commitment []byte) (bool, error) { return false, nil },
		AddDummy:       func(tx *txpool.TxSummary, height uint64) error { return nil },
		TipProvider:    stubTip{},
		CurrentTip:     func() (*chainid.StateID, []byte) { return nil, nil },
		Walker:         stubWalker{},
		ShardFile:      shards,
		ShardLayout:    stubShardLayout{},
		Importer:       stubImporter{},
		BlockBuilder:   stubBuilder{},
		PowEngine:      stubPow{},
		MinerProc:      stubMinerProc{},
		NewTipNotifier: stubNotifier{},
		VerifierHandle: verifyHandle,
	}, nil
}

// nopReader is the block reader clone stubProcessor hands each verifier
// worker: block body parsing is out of scope here, so there is nothing
// for a worker to actually read.
type nopReader struct{}

func (nopReader) Clone() verifier.Reader { return nopReader{} }

// stubProcessor rejects every state/block announcement and every
// transaction: the minimal, honest behavior for a node with no chain
// engine behind it. OnBlock still fans the (empty) validation out across
// the Verifier pool before rejecting, the same call an embedder's real
// Processor would make.
type stubProcessor struct {
	verify *verifier.Handle
}

func (stubProcessor) OnState(id chainid.StateID, chainWork []byte) (peer.ProcessorResult, error) {
	return peer.ResultRejected, nil
}
func (s stubProcessor) OnBlock(id chainid.StateID, body []byte) (peer.ProcessorResult, error) {
	job := &verifier.Job{
		Reader:     nopReader{},
		HeightFrom: id.Height,
		HeightTo:   id.Height,
		Validate: func(reader verifier.Reader, verifierIndex, total int) (interface{}, bool) {
			return nil, false
		},
	}
	if s.verify.RunBatch(job, 1) {
		return peer.ResultRejected, nil
	}
	return peer.ResultRejected, nil
}
func (stubProcessor) ValidateTx(tx []byte) error {
	return errors.New("no chain engine configured: transaction validation unavailable")
}

type stubValidator struct{}

func (stubValidator) ValidateTx(raw []byte) (txpool.TxSummary, error) {
	return txpool.TxSummary{}, errors.New("no chain engine configured: transaction validation unavailable")
}

type stubTip struct{}

func (stubTip) TipHeight() uint64 { return 0 }

type stubWalker struct{}

func (stubWalker) EnumCongestions(request scheduler.RequestFunc) {}

type stubShardLayout struct{}

func (stubShardLayout) ShardCount(target chainid.StateID) (int, error) { return 0, nil }

type stubImporter struct{}

func (stubImporter) ImportMacroblock(target chainid.StateID) error {
	return errors.New("no chain engine configured: macroblock import unavailable")
}

type stubBuilder struct{}

func (stubBuilder) GenerateNewBlock(fluffTxs [][]byte, height uint64, treasury []byte) (hdr, body []byte, fees uint64, err error) {
	return nil, nil, 0, errors.New("no chain engine configured: block construction unavailable")
}

type stubPow struct{}

func (stubPow) GeneratePoW(hdr []byte, nonceSeed [32]byte, cancel func(retrying bool) bool) ([]byte, bool) {
	return nil, false
}

type stubMinerProc struct{}

func (stubMinerProc) OnMinedBlock(hdr, body []byte) (bool, error) { return false, nil }

type stubNotifier struct{}

func (stubNotifier) OnMinerAccepted(hdr, body []byte) {}
