package node

import (
	"context"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/beamlabs/beamnode/internal/netio"
	"github.com/beamlabs/beamnode/internal/peer"
)

// newSessionDeps builds the peer.Deps shared by every accepted or dialed
// connection.
func (n *Node) newSessionDeps() peer.Deps {
	deps := peer.Deps{
		Scheduler:   n.sched,
		Manager:     n.manager,
		TxPool:      n.pool,
		Bbs:         n.board,
		Sync:        n.syncCtl,
		Processor:   n.deps.Processor,
		Identity:    n.identity,
		OwnerID:     n.ownerID,
		CfgChecksum: n.cfgChecksum,
		ListenPort:  n.listenPort(),
	}
	deps.Timeout.GetBlockMs = n.cfg.Timeout.GetBlockMs
	deps.Timeout.GetStateMs = n.cfg.Timeout.GetStateMs
	deps.Timeout.TopPeersUpdMs = n.cfg.Timeout.TopPeersUpdMs
	return deps
}

// currentTip asks the out-of-scope chain layer for the state to announce
// during a handshake; a nil deps.CurrentTip (or height 0) means "nothing
// to announce yet."
func (n *Node) currentTip() (*chainid.StateID, []byte) {
	if n.deps.CurrentTip == nil {
		return nil, nil
	}
	return n.deps.CurrentTip()
}

// acceptLoop accepts inbound peer connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			return
		}
		n.wg.Add(1)
		go n.runSession(conn)
	}
}

// dialPeer repeatedly dials addr (spec §6's static Connect list), retrying
// with a fixed backoff until it succeeds or the node is shutting down.
func (n *Node) dialPeer(addr string) {
	defer n.wg.Done()
	const retryDelay = 5 * time.Second

	for {
		select {
		case <-n.dialStop:
			return
		default:
		}

		conn, err := n.dialer.Dial(context.Background(), addr)
		if err != nil {
			n.log.WithError(err).WithField("addr", addr).Debug("failed to dial configured peer")
			select {
			case <-time.After(retryDelay):
				continue
			case <-n.dialStop:
				return
			}
		}

		n.wg.Add(1)
		n.runSessionSync(conn)
		return
	}
}

// runSession drives an inbound connection's handshake and dispatch loop,
// signalling n.wg when the session's Run loop returns.
func (n *Node) runSession(conn *netio.Conn) {
	defer n.wg.Done()
	s := peer.NewSession(conn, n.newSessionDeps(), n.log.WithField("component", "session"))
	s.Run()
}

// runSessionSync performs the outbound handshake inline, then hands off to
// Run. A failed handshake closes the connection; dialPeer does not retry it.
func (n *Node) runSessionSync(conn *netio.Conn) {
	defer n.wg.Done()
	s := peer.NewSession(conn, n.newSessionDeps(), n.log.WithField("component", "session"))
	tip, chainWork := n.currentTip()
	if err := s.OnConnectedSecure(tip, chainWork); err != nil {
		n.log.WithError(err).WithField("addr", conn.Address()).Warn("outbound handshake failed")
		conn.Close()
		return
	}
	s.Run()
}

func (n *Node) armPersistenceFlush() {
	n.timerMu.Lock()
	defer n.timerMu.Unlock()
	n.flushTimer = time.AfterFunc(time.Duration(n.cfg.Timeout.PeersDbFlushMs)*time.Millisecond, n.onFlushTimer)
}

func (n *Node) onFlushTimer() {
	if err := n.manager.Flush(); err != nil {
		n.log.WithError(err).Warn("failed to flush peer table")
	}
	n.armPersistenceFlush()
}

func (n *Node) armActivation() {
	n.timerMu.Lock()
	defer n.timerMu.Unlock()
	n.activationTimer = time.AfterFunc(time.Duration(n.cfg.Timeout.PeersUpdateMs)*time.Millisecond, n.onActivationTimer)
}

func (n *Node) onActivationTimer() {
	n.manager.UpdateActivation()
	n.armActivation()
}

func (n *Node) armCongestionRefresh() {
	n.timerMu.Lock()
	defer n.timerMu.Unlock()
	n.congestionTimer = time.AfterFunc(time.Duration(n.cfg.Timeout.TopPeersUpdMs)*time.Millisecond, n.onCongestionTimer)
}

func (n *Node) onCongestionTimer() {
	n.sched.RefreshCongestions()
	n.armCongestionRefresh()
}
