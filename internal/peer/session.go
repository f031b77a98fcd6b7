package peer

import (
	"sync"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/beamlabs/beamnode/internal/netio"
	"github.com/beamlabs/beamnode/internal/scheduler"
	"github.com/beamlabs/beamnode/internal/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config is the last capability announcement received from this peer
// (spec §3's `config`).
type Config struct {
	CfgChecksum [32]byte
	SpreadingTx bool
	Bbs         bool
	SendPeers   bool
}

// Deps bundles every collaborator a Session needs, so construction doesn't
// take a dozen positional arguments.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Manager   *Manager
	TxPool    TxPoolSink
	Bbs       BbsSink
	Sync      SyncSink
	Processor Processor

	Identity     *Identity
	OwnerID      chainid.PeerID
	CfgChecksum  [32]byte
	ListenPort   uint16

	Timeout struct {
		GetBlockMs    int64
		GetStateMs    int64
		TopPeersUpdMs int64
	}
}

// Session is PeerSession (spec §4.3): per-peer protocol state machine.
type Session struct {
	mu sync.Mutex

	conn *netio.Conn
	deps Deps
	log  *logrus.Entry

	remoteAddr string
	port       uint16
	tip        chainid.StateID
	chainWork  []byte
	flags      Flags

	info *Info

	rejected      map[chainid.TaskKey]bool
	subscriptions map[uint32]bool
	config        Config

	remoteID chainid.PeerID

	taskTimer       *time.Timer
	peerGossipTimer *time.Timer

	sentChallenge [32]byte

	closed    bool
	closeOnce sync.Once
	doneCh    chan struct{}
}

// NewSession wraps an accepted or dialed connection, not yet authenticated.
func NewSession(conn *netio.Conn, deps Deps, log *logrus.Entry) *Session {
	s := &Session{
		conn:          conn,
		deps:          deps,
		log:           log.WithField("remote", conn.Address()),
		remoteAddr:    conn.Address(),
		rejected:      make(map[chainid.TaskKey]bool),
		subscriptions: make(map[uint32]bool),
		flags:         FlagConnected,
		doneCh:        make(chan struct{}),
	}
	return s
}

// ID satisfies scheduler.Peer. Before authentication this is the zero
// value; the scheduler never assigns tasks to an unauthenticated peer
// (spec §4.2's ShouldAssignTask condition 2), so this is safe.
func (s *Session) ID() chainid.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Tip satisfies scheduler.Peer.
func (s *Session) Tip() chainid.StateID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tip
}

// Authenticated satisfies scheduler.Peer.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags.has(FlagPiRcvd)
}

// IsRejected satisfies scheduler.Peer.
func (s *Session) IsRejected(key chainid.TaskKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected[key]
}

// SendGetHdr satisfies scheduler.Peer.
func (s *Session) SendGetHdr(id chainid.StateID) error {
	return s.conn.Send(&wire.GetHdr{ID: id})
}

// SendGetHdrPack satisfies scheduler.Peer.
func (s *Session) SendGetHdrPack(top chainid.StateID, count uint32) error {
	return s.conn.Send(&wire.GetHdrPack{Top: top, Count: count})
}

// SendGetBody satisfies scheduler.Peer.
func (s *Session) SendGetBody(id chainid.StateID) error {
	return s.conn.Send(&wire.GetBody{ID: id})
}

// ProvenWork satisfies peer.SyncPeer.
func (s *Session) ProvenWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags.has(FlagProvenWork)
}

// DontSync satisfies peer.SyncPeer.
func (s *Session) DontSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags.has(FlagDontSync)
}

// SetDontSync flags this peer as an unproductive macroblock-download
// source (spec §4.5: "if the peer's response targets a different id, flag
// it DontSync and try another").
func (s *Session) SetDontSync() {
	s.mu.Lock()
	s.flags |= FlagDontSync
	s.mu.Unlock()
}

// SendMacroblockGet satisfies peer.SyncPeer.
func (s *Session) SendMacroblockGet(id chainid.StateID, data uint8, offset uint64) error {
	return s.conn.Send(&wire.MacroblockGet{ID: id, Data: data, Offset: offset})
}

// SpreadingTransactions satisfies peer.TxPoolPeer.
func (s *Session) SpreadingTransactions() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.SpreadingTx
}

// SendNewTransaction satisfies peer.TxPoolPeer.
func (s *Session) SendNewTransaction(tx []byte, fluff bool) error {
	return s.conn.Send(&wire.NewTransaction{Tx: tx, Fluff: fluff})
}

// SendHaveTransaction satisfies peer.TxPoolPeer.
func (s *Session) SendHaveTransaction(key [32]byte) error {
	return s.conn.Send(&wire.HaveTransaction{ID: key})
}

// SendGetTransaction satisfies peer.TxPoolPeer.
func (s *Session) SendGetTransaction(key [32]byte) error {
	return s.conn.Send(&wire.GetTransaction{ID: key})
}

// BbsCapable satisfies peer.BbsPeer.
func (s *Session) BbsCapable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Bbs
}

// SendBbsHaveMsg satisfies peer.BbsPeer.
func (s *Session) SendBbsHaveMsg(key [32]byte) error {
	return s.conn.Send(&wire.BbsHaveMsg{Key: key})
}

// SendBbsGetMsg satisfies peer.BbsPeer.
func (s *Session) SendBbsGetMsg(key [32]byte) error {
	return s.conn.Send(&wire.BbsGetMsg{Key: key})
}

// ArmTaskTimer satisfies scheduler.Peer: (re)start the front-of-queue
// timer. Firing means "peer is too slow" (spec §4.2's per-peer timer).
func (s *Session) ArmTaskTimer(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskTimer != nil {
		s.taskTimer.Stop()
	}
	s.taskTimer = time.AfterFunc(d, s.onTaskTimeout)
}

// DisarmTaskTimer satisfies scheduler.Peer.
func (s *Session) DisarmTaskTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskTimer != nil {
		s.taskTimer.Stop()
		s.taskTimer = nil
	}
}

func (s *Session) onTaskTimeout() {
	s.log.Warn("peer timed out waiting for requested data")
	s.deps.Manager.ModifyRating(s.ID(), PenaltyTimeout, false)
	s.DeleteSelf(false, wire.ByeTimeout)
}

// OnConnectedSecure runs the handshake (spec §4.3): announce our listening
// port, prove our identity, send our capability config, and send our tip
// if we have one.
func (s *Session) OnConnectedSecure(myTip *chainid.StateID, myChainWork []byte) error {
	if s.deps.ListenPort != 0 {
		if err := s.conn.Send(&wire.PeerInfoSelf{Port: s.deps.ListenPort}); err != nil {
			return errors.Wrap(err, "sending PeerInfoSelf")
		}
	}

	challenge, err := newChallenge()
	if err != nil {
		return err
	}
	s.sentChallenge = challenge
	sig, err := s.deps.Identity.signChallenge(challenge)
	if err != nil {
		return err
	}
	auth := &wire.Authentication{
		ID:        s.deps.Identity.PeerID(),
		AuthType:  wire.AuthNode,
		Challenge: challenge,
		Sig:       sig,
	}
	if err := s.conn.Send(auth); err != nil {
		return errors.Wrap(err, "sending Authentication")
	}

	cfgMsg := &wire.Config{CfgChecksum: s.deps.CfgChecksum}
	if err := s.conn.Send(cfgMsg); err != nil {
		return errors.Wrap(err, "sending Config")
	}

	if myTip != nil {
		if err := s.conn.Send(&wire.NewTip{Descriptor: wire.StateDescriptor{ID: *myTip, ChainWork: myChainWork}}); err != nil {
			return errors.Wrap(err, "sending NewTip")
		}
	}
	return nil
}

// DeleteSelf tears the session down (spec §4.3's teardown sequence).
func (s *Session) DeleteSelf(sendBye bool, reason wire.ByeReason) {
	s.closeOnce.Do(func() {
		if sendBye {
			_ = s.conn.Send(&wire.Bye{Reason: reason})
		}

		s.mu.Lock()
		s.tip = chainid.StateID{}
		remoteID := s.remoteID
		info := s.info
		s.info = nil
		s.closed = true
		if s.taskTimer != nil {
			s.taskTimer.Stop()
		}
		if s.peerGossipTimer != nil {
			s.peerGossipTimer.Stop()
		}
		s.mu.Unlock()

		if !remoteID.IsZero() {
			s.deps.Scheduler.UnregisterPeer(remoteID)
			s.deps.Sync.UnregisterPeer(remoteID)
			s.deps.TxPool.UnregisterPeer(remoteID)
			s.deps.Bbs.UnregisterPeer(remoteID)
		}
		s.deps.Bbs.UnsubscribeAll(remoteID)

		if info != nil {
			s.deps.Manager.DetachLive(remoteID, s)
			isError := reason != wire.ByeUnspecified && reason != wire.ByeLoopback
			if isError {
				s.deps.Manager.ModifyRating(remoteID, PenaltyRemoteError, false)
			}
		}

		_ = s.conn.Close()
		close(s.doneCh)
	})
}

// Done reports when teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.doneCh }
