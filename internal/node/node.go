package node

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beamlabs/beamnode/internal/bbs"
	"github.com/beamlabs/beamnode/internal/beacon"
	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/beamlabs/beamnode/internal/config"
	"github.com/beamlabs/beamnode/internal/miner"
	"github.com/beamlabs/beamnode/internal/netio"
	"github.com/beamlabs/beamnode/internal/peer"
	"github.com/beamlabs/beamnode/internal/scheduler"
	"github.com/beamlabs/beamnode/internal/store"
	syncctl "github.com/beamlabs/beamnode/internal/sync"
	"github.com/beamlabs/beamnode/internal/txpool"
	"github.com/beamlabs/beamnode/internal/verifier"
	"github.com/beamlabs/beamnode/internal/wanted"
	"github.com/beamlabs/beamnode/internal/wire"
	"github.com/beamlabs/beamnode/internal/xlog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const paramMyID = "MyID"

// minerHandle breaks the construction cycle between *txpool.Pool (needs a
// txpool.Miner to schedule soft restarts) and *miner.Miner (needs a
// txpool.TxSource to read the fluff pool): the pool is built first against
// this handle, and the real miner is dropped in once it exists.
type minerHandle struct {
	m atomic.Pointer[miner.Miner]
}

func (h *minerHandle) ScheduleSoftRestart(after time.Duration) {
	if m := h.m.Load(); m != nil {
		m.ScheduleSoftRestart(after)
	}
}

// minedLogAdapter satisfies miner.MinedLog against the node's own store,
// translating miner.MinedLog's positional signature into store.MinedEntry
// (mined-log persistence is in scope; only mining itself is not).
type minedLogAdapter struct {
	store *store.Store
}

func (a *minedLogAdapter) AppendMined(height uint64, hash [32]byte, valid bool) error {
	return a.store.AppendMined(store.MinedEntry{Height: height, Hash: hash, Valid: valid})
}

// Node is NodeCore (C11): owns every in-scope component and the
// goroutines that drive them.
type Node struct {
	cfg  *config.Config
	deps Dependencies
	log  *logrus.Entry

	store     *store.Store
	identity  *peer.Identity
	manager   *peer.Manager
	sched     *scheduler.Scheduler
	syncCtl   *syncctl.Controller
	pool      *txpool.Pool
	board     *bbs.Bbs
	mine      *miner.Miner
	verify    *verifier.Pool
	listener  *netio.Listener
	beaconSvc *beacon.Beacon
	dialer    *netio.Dialer
	wantedTx  *wanted.Set[[32]byte]

	cfgChecksum [32]byte
	ownerID     chainid.PeerID

	timerMu         sync.Mutex
	flushTimer      *time.Timer
	activationTimer *time.Timer
	congestionTimer *time.Timer

	dialStop chan struct{}
	wg       sync.WaitGroup

	started, shutdown int32
}

// New builds a Node against cfg and deps. Call Start to bring it up.
func New(cfg *config.Config, deps Dependencies, logRoot *xlog.Root) *Node {
	return &Node{cfg: cfg, deps: deps, log: logRoot.WithField("subsystem", "node"), dialStop: make(chan struct{})}
}

// Start brings every component up in order: open the store, load or
// generate this node's identity, wire PeerManager/TaskScheduler/
// SyncController/TxPool/Bbs, start the listener, start the beacon, start
// the miner's workers, start the verifier pool, arm the periodic
// maintenance timers, then dial every configured peer.
func (n *Node) Start() error {
	if !atomic.CompareAndSwapInt32(&n.started, 0, 1) {
		return nil
	}

	st, err := store.Open(n.cfg.StorePath())
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	n.store = st

	identity, err := n.loadOrCreateIdentity()
	if err != nil {
		return err
	}
	n.identity = identity
	n.cfgChecksum = configChecksum(n.cfg)
	n.ownerID = ownerIDFromWalletKey(n.cfg.WalletKey)

	n.manager = peer.NewManager(peer.ManagerConfig{
		PeersUpdateMs: n.cfg.Timeout.PeersUpdateMs,
		ActiveQuorum:  n.cfg.Sync.SrcPeers,
	}, n.store, n.log.WithField("component", "peer-manager"))
	if err := n.manager.LoadFromStore(); err != nil {
		return errors.Wrap(err, "loading peer table")
	}

	n.sched = scheduler.New(scheduler.Config{
		GetBlockMs: n.cfg.Timeout.GetBlockMs,
		GetStateMs: n.cfg.Timeout.GetStateMs,
	}, n.deps.Walker, n.log.WithField("component", "scheduler"))

	syncActive := n.deps.TipProvider == nil || n.deps.TipProvider.TipHeight() == 0
	n.syncCtl = syncctl.New(syncctl.Config{
		SrcPeers:    n.cfg.Sync.SrcPeers,
		TimeoutMs:   n.cfg.Sync.TimeoutMs,
		ForceResync: n.cfg.Sync.ForceResync,
	}, n.store, n.deps.ShardFile, n.deps.ShardLayout, n.deps.Importer, syncActive, n.log.WithField("component", "sync"))

	fluffProb, ok := new(big.Int).SetString(n.cfg.Dandelion.FluffProbabilityHex, 16)
	if !ok {
		fluffProb = big.NewInt(0)
	}

	n.wantedTx = wanted.New[[32]byte](time.Duration(n.cfg.Timeout.GetTxMs)*time.Millisecond, n.onWantedTxTimeout)

	handle := &minerHandle{}
	n.pool = txpool.New(txpool.Config{
		FluffProbability:    fluffProb,
		TimeoutMinMs:        n.cfg.Dandelion.TimeoutMinMs,
		TimeoutMaxMs:        n.cfg.Dandelion.TimeoutMaxMs,
		AggregationTimeMs:   n.cfg.Dandelion.AggregationTimeMs,
		OutputsMin:          n.cfg.Dandelion.OutputsMin,
		OutputsMax:          n.cfg.Dandelion.OutputsMax,
		DummyLifetimeLo:     n.cfg.Dandelion.DummyLifetimeLo,
		MaxPoolTransactions: n.cfg.MaxPoolTransactions,
	}, n.deps.Validator, &dummyAdapter{store: n.store, isUnspent: n.deps.IsUnspent, addDummy: n.deps.AddDummy}, n.deps.TipProvider, handle, n.wantedTx, n.log.WithField("component", "txpool"))

	n.board, err = bbs.New(n.store, bbs.Config{
		MessageTimeoutS:        n.cfg.Timeout.BbsMessageTimeoutS,
		MessageMaxAheadS:       n.cfg.Timeout.BbsMessageMaxAheadS,
		CleanupPeriodMs:        n.cfg.Timeout.BbsCleanupPeriodMs,
		IdealChannelPopulation: n.cfg.Bbs.IdealChannelPopulation,
	}, n.log.WithField("component", "bbs"))
	if err != nil {
		return errors.Wrap(err, "starting bbs")
	}

	n.listener, err = netio.Listen(n.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "starting listener")
	}
	n.wg.Add(1)
	go n.acceptLoop()

	if n.cfg.BeaconPort != 0 {
		n.beaconSvc, err = beacon.New(beacon.Config{Port: n.cfg.BeaconPort, PeriodMs: n.cfg.BeaconPeriodMs}, identity.PeerID(), n.cfgChecksum, n.listenPort(), n.manager, n.log.WithField("component", "beacon"))
		if err != nil {
			return errors.Wrap(err, "starting beacon")
		}
	}

	n.mine = miner.New(miner.Config{
		Threads:       n.cfg.MiningThreads,
		SoftRestartMs: n.cfg.Timeout.MiningSoftRestartMs,
		Treasury:      decodeTreasury(n.cfg.Treasury),
	}, identity.PeerID(), n.deps.BlockBuilder, n.deps.PowEngine, n.pool, n.deps.TipProvider, n.deps.MinerProc, &minedLogAdapter{store: n.store}, n.deps.NewTipNotifier, n.log.WithField("component", "miner"))
	handle.m.Store(n.mine)

	verificationThreads := n.cfg.VerificationThreads
	if verificationThreads < 0 {
		verificationThreads = runtime.NumCPU()
	}
	n.verify = verifier.New(verificationThreads, n.log.WithField("component", "verifier"))
	if n.deps.VerifierHandle != nil {
		n.deps.VerifierHandle.Store(n.verify)
	}

	n.armPersistenceFlush()
	n.armActivation()
	n.armCongestionRefresh()

	n.dialer = &netio.Dialer{ProxyAddr: n.cfg.SocksProxy}
	for _, addr := range n.cfg.Connect {
		n.wg.Add(1)
		go n.dialPeer(addr)
	}

	return nil
}

// Stop tears every component down in reverse order.
func (n *Node) Stop() error {
	if !atomic.CompareAndSwapInt32(&n.shutdown, 0, 1) {
		return nil
	}

	close(n.dialStop)
	if n.listener != nil {
		n.listener.Close()
	}

	if n.manager != nil {
		for _, s := range n.manager.LiveSessions() {
			s.DeleteSelf(true, wire.ByeUnspecified)
		}
	}

	if n.mine != nil {
		n.mine.HardAbort()
		n.mine.Shutdown()
	}
	if n.verify != nil {
		n.verify.Shutdown()
	}
	if n.beaconSvc != nil {
		n.beaconSvc.Shutdown()
	}
	if n.board != nil {
		n.board.Shutdown()
	}
	if n.wantedTx != nil {
		n.wantedTx.Close()
	}

	n.timerMu.Lock()
	stopTimer(n.flushTimer)
	stopTimer(n.activationTimer)
	stopTimer(n.congestionTimer)
	n.timerMu.Unlock()

	if n.manager != nil {
		if err := n.manager.Flush(); err != nil {
			n.log.WithError(err).Warn("failed to flush peer table on shutdown")
		}
	}

	n.wg.Wait()

	if n.store != nil {
		return n.store.Close()
	}
	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (n *Node) loadOrCreateIdentity() (*peer.Identity, error) {
	raw, ok, err := n.store.GetParam(paramMyID)
	if err != nil {
		return nil, errors.Wrap(err, "reading node identity")
	}
	if ok && len(raw) == 32 {
		var priv [32]byte
		copy(priv[:], raw)
		return peer.LoadIdentity(priv)
	}

	identity, err := peer.NewIdentity()
	if err != nil {
		return nil, err
	}
	priv, err := identity.Serialize()
	if err != nil {
		return nil, err
	}
	if err := n.store.PutParam(paramMyID, priv[:]); err != nil {
		return nil, errors.Wrap(err, "persisting node identity")
	}
	return identity, nil
}

// listenPort parses the port out of cfg.ListenAddr for the beacon's
// "this is the TCP port I accept peer connections on" field.
func (n *Node) listenPort() uint16 {
	_, portStr, err := net.SplitHostPort(n.cfg.ListenAddr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// ownerIDFromWalletKey interprets the configured wallet key as a
// hex-encoded owner identity for spec's RestrictMinedReportToOwner check;
// an empty or malformed key leaves the zero PeerID, meaning "no owner
// configured."
func ownerIDFromWalletKey(walletKey string) chainid.PeerID {
	var id chainid.PeerID
	if walletKey == "" {
		return id
	}
	raw, err := hex.DecodeString(walletKey)
	if err != nil || len(raw) != chainid.PeerIDSize {
		return id
	}
	copy(id[:], raw)
	return id
}

// configChecksum hashes the configuration fields peers must agree on to
// interoperate (spec §4.3's capability-announcement "rules checksum"):
// presently just the chain-pruning horizon, since that determines what
// history this node can serve a syncing peer.
func configChecksum(cfg *config.Config) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], cfg.Horizon)
	return sha256.Sum256(buf[:])
}

func decodeTreasury(entries []string) [][]byte {
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		b, err := hex.DecodeString(e)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

// onWantedTxTimeout handles a GetTransaction that nobody answered in time.
// The pool has no notion of a specific peer to re-chase once the original
// announcer is gone, so this just logs; wanted.Set re-arms on its own and
// a later HaveTransaction announcement will retry the request.
func (n *Node) onWantedTxTimeout(key [32]byte) {
	n.log.WithField("tx", hex.EncodeToString(key[:])).Debug("timed out waiting for a requested transaction")
}
