// Package peer implements PeerSession (spec §4.3, component C3) and
// PeerManager (spec §4.4, component C4). Grounded on kaspad's
// protocol/flowcontext (peers map + mutex, single-slot-for-IBD-peer
// pattern generalized into "at most one block request per peer") and
// netadapter/router.Route for the framed inbound queue, now living in
// internal/netio.
package peer

import (
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/pkg/errors"
)

// ProcessorResult is the verdict a chain-state/block validation yields.
type ProcessorResult int

const (
	ResultAccepted ProcessorResult = iota
	ResultInvalid
	ResultRejected // valid but not better than current tip; no action needed
)

// Processor is the external chain-validation collaborator (spec §1:
// "block body parsing and consensus rules" are out of scope; only this
// interface is specified).
type Processor interface {
	OnState(id chainid.StateID, chainWork []byte) (ProcessorResult, error)
	OnBlock(id chainid.StateID, body []byte) (ProcessorResult, error)
	ValidateTx(tx []byte) error
}

// TxPoolSink receives transactions relayed by peers. Implemented by
// internal/txpool.Pool; declared here (the consumer) to avoid an import
// cycle, the same pattern scheduler.Peer uses for the opposite direction.
type TxPoolSink interface {
	OnTransactionStem(tx []byte, from chainid.PeerID) error
	OnTransactionFluff(tx []byte, from chainid.PeerID) error
	HaveTransaction(id [32]byte, from chainid.PeerID)
	GetTransaction(id [32]byte) ([]byte, bool)
	ForEachFluffKey(func(key [32]byte))
	RegisterPeer(p TxPoolPeer)
	UnregisterPeer(id chainid.PeerID)
}

// TxPoolPeer is the capability internal/txpool.Pool needs to relay
// transactions: broadcast HaveTransaction, forward a stem hop, and read
// the peer's SpreadingTransactions capability (spec §4.6).
type TxPoolPeer interface {
	ID() chainid.PeerID
	SpreadingTransactions() bool
	SendNewTransaction(tx []byte, fluff bool) error
	SendHaveTransaction(key [32]byte) error
	SendGetTransaction(key [32]byte) error
}

// BbsSink receives BBS traffic relayed by peers. Implemented by
// internal/bbs.Bbs.
type BbsSink interface {
	OnBbsMsg(channel uint32, timePosted uint64, payload []byte, from chainid.PeerID) error
	OnBbsHaveMsg(key [32]byte, from chainid.PeerID)
	OnBbsGetMsg(key [32]byte) ([]byte, uint32, uint64, bool)
	Subscribe(peer chainid.PeerID, channel uint32, timeFrom uint64)
	Unsubscribe(peer chainid.PeerID, channel uint32)
	UnsubscribeAll(peer chainid.PeerID)
	ForEachStoredSince(channel uint32, timeFrom uint64, fn func(key [32]byte, timePosted uint64, payload []byte))
	RecommendedChannel() uint32
	RegisterPeer(p BbsPeer)
	UnregisterPeer(id chainid.PeerID)
}

// BbsPeer is the capability internal/bbs.Bbs needs from an authenticated
// session: relay a BbsHaveMsg/BbsGetMsg, check BBS capability, and push a
// full message to a local subscriber (spec §4.9).
type BbsPeer interface {
	ID() chainid.PeerID
	BbsCapable() bool
	SendBbsHaveMsg(key [32]byte) error
	SendBbsGetMsg(key [32]byte) error
	Deliver(channel uint32, timePosted uint64, payload []byte)
}

// SyncSink lets PeerSession drive the bootstrap sync controller
// (internal/sync.Controller) without importing it directly.
type SyncSink interface {
	IsSyncing() bool
	InDetectionPhase() bool
	OnPeerChainWorkProof(from chainid.PeerID, cwp []byte)
	OnPeerMacroblockPortion(from chainid.PeerID, id chainid.StateID, data uint8, portion []byte)
	OnPeerRejectedTarget(from chainid.PeerID)
	RegisterPeer(p SyncPeer)
	UnregisterPeer(id chainid.PeerID)
}

// SyncPeer is the capability internal/sync.Controller needs from an
// authenticated session to drive phase-2 macroblock download: pick an
// eligible peer and send it a targeted request. Satisfied structurally by
// *Session, the same consumer-defined-interface pattern scheduler.Peer
// uses.
type SyncPeer interface {
	ID() chainid.PeerID
	Tip() chainid.StateID
	ProvenWork() bool
	DontSync() bool
	SetDontSync()
	SendMacroblockGet(id chainid.StateID, data uint8, offset uint64) error
}

// CongestionRefresher is the one scheduler capability PeerSession needs
// that isn't already satisfied by holding a *scheduler.Scheduler (kept as
// an interface purely for testability).
type CongestionRefresher interface {
	RefreshCongestions()
}

// ErrProtocolViolation marks errors that must result in a ban (spec §7).
var ErrProtocolViolation = errors.New("protocol violation")

// ErrValidationFailure marks chain-validation rejections that must result
// in a ban.
var ErrValidationFailure = errors.New("validation failure")

// now is overridable in tests.
var now = time.Now
