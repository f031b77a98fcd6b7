package peer

import (
	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/beamlabs/beamnode/internal/wire"
	"github.com/pkg/errors"
)

func (s *Session) onPeerInfoSelf(m *wire.PeerInfoSelf) error {
	s.mu.Lock()
	s.port = m.Port
	s.mu.Unlock()
	return nil
}

// onAuthentication implements spec §4.3's Authentication handling,
// including the Owner credential, loopback detection, and the asymmetric
// duplicate-connection tiebreak.
func (s *Session) onAuthentication(m *wire.Authentication) error {
	if err := verifyChallenge(m.ID, s.sentChallenge, m.Sig); err != nil {
		return errors.Wrap(ErrProtocolViolation, err.Error())
	}

	if m.AuthType == wire.AuthOwner {
		if m.ID == s.deps.OwnerID {
			s.mu.Lock()
			s.flags |= FlagOwner
			s.mu.Unlock()
		}
		return nil
	}

	if m.ID.IsZero() {
		return errors.Wrap(ErrProtocolViolation, "node authentication with zero id")
	}
	s.mu.Lock()
	alreadyAuthed := s.flags.has(FlagPiRcvd)
	s.mu.Unlock()
	if alreadyAuthed {
		return errors.Wrap(ErrProtocolViolation, "duplicate node authentication")
	}

	if m.ID == s.deps.Identity.PeerID() {
		s.DeleteSelf(true, wire.ByeLoopback)
		return nil
	}

	info := s.deps.Manager.OnPeer(m.ID, s.remoteAddr, true)
	if info.Banned() {
		s.DeleteSelf(true, wire.ByeBan)
		return nil
	}

	if live, exists := s.deps.Manager.Live(m.ID); exists && live != s {
		// Duplicate resolution: the side with the larger local id kills
		// the other, asymmetrically, so both sides don't drop (spec §4.3).
		if s.deps.Identity.PeerID().Cmp(m.ID) > 0 {
			live.DeleteSelf(true, wire.ByeDuplicate)
		} else {
			s.DeleteSelf(true, wire.ByeDuplicate)
			return nil
		}
	}

	s.mu.Lock()
	s.remoteID = m.ID
	s.flags |= FlagPiRcvd
	s.info = info
	s.mu.Unlock()

	s.deps.Manager.AttachLive(m.ID, s)
	s.deps.Scheduler.RegisterPeer(s)
	s.deps.Sync.RegisterPeer(s)
	s.deps.TxPool.RegisterPeer(s)
	s.deps.Bbs.RegisterPeer(s)
	return nil
}

// onConfig implements spec §4.3's capability renegotiation.
func (s *Session) onConfig(m *wire.Config) error {
	if m.CfgChecksum != s.deps.CfgChecksum {
		return errors.Wrap(ErrProtocolViolation, "rules checksum mismatch")
	}

	s.mu.Lock()
	prev := s.config
	s.config = Config{CfgChecksum: m.CfgChecksum, SpreadingTx: m.SpreadingTx, Bbs: m.Bbs, SendPeers: m.SendPeers}
	s.mu.Unlock()

	if m.SpreadingTx && !prev.SpreadingTx {
		s.deps.TxPool.ForEachFluffKey(func(key [32]byte) {
			_ = s.conn.Send(&wire.HaveTransaction{ID: key})
		})
	}
	if m.SendPeers && !prev.SendPeers {
		s.armPeerGossipTimer()
	} else if !m.SendPeers && prev.SendPeers {
		s.disarmPeerGossipTimer()
	}
	if m.Bbs && !prev.Bbs {
		s.deps.Bbs.ForEachStoredSince(0, 0, func(key [32]byte, timePosted uint64, payload []byte) {
			_ = s.conn.Send(&wire.BbsHaveMsg{Key: key})
		})
	}
	return nil
}

// onNewTip implements spec §4.3's NewTip handling.
func (s *Session) onNewTip(m *wire.NewTip) error {
	s.mu.Lock()
	if !chainWorkGreater(m.Descriptor.ChainWork, s.chainWork) && s.chainWork != nil {
		s.mu.Unlock()
		return errors.Wrap(ErrProtocolViolation, "chainwork went backwards")
	}
	firstTip := s.chainWork == nil
	s.tip = m.Descriptor.ID
	s.chainWork = m.Descriptor.ChainWork
	s.rejected = make(map[chainid.TaskKey]bool)
	s.mu.Unlock()

	if s.deps.Sync.IsSyncing() {
		if firstTip {
			s.mu.Lock()
			s.flags |= FlagProvenWorkReq
			s.mu.Unlock()
			s.conn.Send(&wire.GetProofChainWork{LowerBound: 0})
			if s.deps.Sync.InDetectionPhase() {
				return s.conn.Send(&wire.MacroblockGet{})
			}
		}
		return nil
	}

	result, err := s.deps.Processor.OnState(m.Descriptor.ID, m.Descriptor.ChainWork)
	if err != nil {
		return err
	}
	switch result {
	case ResultInvalid:
		return errors.Wrap(ErrValidationFailure, "tip header invalid")
	case ResultAccepted:
		s.deps.Scheduler.RefreshCongestions()
	default:
		s.takeTasks()
	}
	return nil
}

// takeTasks rescans unassigned tasks this peer is now eligible for (spec
// §4.3's TakeTasks). Expressed via a fresh RequestData-style nudge: the
// scheduler already tries assignment on every RequestData/ReleaseTask, so
// the only additional thing a newly-eligible peer needs is for the
// scheduler to reconsider its existing unassigned backlog. Since spec gives
// the scheduler no direct "peer became eligible" entry point beyond a
// congestion refresh, the cheapest faithful approximation that doesn't
// touch `relevant` bookkeeping is to re-run RefreshCongestions here too;
// it is idempotent when nothing changed.
func (s *Session) takeTasks() {
	s.deps.Scheduler.RefreshCongestions()
}

func chainWorkGreater(a, b []byte) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

func (s *Session) onProofChainWork(msg wire.Message) error {
	if cwp, ok := msg.(*wire.ProofChainWork); ok {
		s.mu.Lock()
		s.flags |= FlagProvenWork
		s.mu.Unlock()
		s.deps.Sync.OnPeerChainWorkProof(s.ID(), cwp.Cwp)
	}
	return nil
}
