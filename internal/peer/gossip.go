package peer

import (
	"time"

	"github.com/beamlabs/beamnode/internal/wire"
)

// armPeerGossipTimer starts the periodic top-N peer gossip described in
// spec §4.3 (supplemented per SPEC_FULL.md §12: a recurring timer, not a
// one-shot backfill).
func (s *Session) armPeerGossipTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerGossipTimer != nil {
		s.peerGossipTimer.Stop()
	}
	period := time.Duration(s.deps.Timeout.TopPeersUpdMs) * time.Millisecond
	if period <= 0 {
		period = 10 * time.Second
	}
	s.peerGossipTimer = time.AfterFunc(period, s.sendPeerGossip)
}

func (s *Session) disarmPeerGossipTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerGossipTimer != nil {
		s.peerGossipTimer.Stop()
		s.peerGossipTimer = nil
	}
}

func (s *Session) sendPeerGossip() {
	const topN = 20
	self := s.deps.Identity.PeerID()
	for _, info := range s.deps.Manager.TopByRating(topN, self) {
		if info.ID == s.ID() {
			continue
		}
		_ = s.conn.Send(&wire.PeerInfo{ID: info.ID, LastAddr: info.Address})
	}

	s.mu.Lock()
	stillOn := s.config.SendPeers && !s.closed
	s.mu.Unlock()
	if stillOn {
		s.armPeerGossipTimer()
	}
}
