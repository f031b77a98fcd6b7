// Package bbs implements Bbs (spec §4.9, component C9): a
// timestamp-windowed, deduplicated message board relayed between peers
// and fanned out to local per-channel subscribers.
//
// Grounded on node.cpp's Node::Bbs (key = H(payload||channel), dedup,
// cleanup/RecommendedChannel). Local fan-out to subscribers is modelled
// on mosaicnetworks-babble's net/signal/wamp client/server pair: an
// embedded nexus/v3 router plus in-process client.ConnectLocal clients,
// since no pack teacher file implements local pub/sub natively.
// Cross-peer relay (BbsHaveMsg) still goes out over the ordinary peer
// wire protocol; nexus only replaces the local "push to subscribers"
// fan-out.
package bbs

import (
	"time"

	"github.com/beamlabs/beamnode/internal/peer"
	"github.com/beamlabs/beamnode/internal/store"
)

// Peer is the relay capability the board needs from an authenticated
// session. Aliased to peer.BbsPeer (not restated as a distinct
// interface) for the same reason internal/txpool aliases peer.TxPoolPeer:
// Bbs.RegisterPeer must accept exactly the type peer.BbsSink.RegisterPeer
// names, and Go requires identical named types for that.
type Peer = peer.BbsPeer

// DB is the persisted BBS table (spec §6), satisfied directly by
// *internal/store.Store.
type DB interface {
	PutBbs(e store.BbsEntry) error
	DeleteBbs(key [32]byte) error
	EachBbs(fn func(store.BbsEntry) bool) error
}

// Config groups the BBS tunables of spec §6.
type Config struct {
	MessageTimeoutS        int64
	MessageMaxAheadS       int64
	CleanupPeriodMs        int64
	IdealChannelPopulation uint32
}

var now = time.Now
