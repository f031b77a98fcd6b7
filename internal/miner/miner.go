// Package miner implements Miner (spec §4.8, component C8): a fixed pool
// of mining workers, each running its own proof-of-work attempt against
// the current task, replaced wholesale on every restart (new tip, or a
// higher-fee transaction reaching the fluff pool).
//
// Grounded on spec §4.8/§9's description of node.cpp's per-worker
// reactor + shared m_Mutex/stop-flag handoff; the "private reactor per
// worker" becomes one goroutine per worker here, and the "async event
// posted back to the main reactor" becomes a direct call into the
// Processor collaborator, since this port has no single-threaded main
// loop to hop back onto (peer sessions and the tx pool are already
// goroutine-per-connection plus mutexes, the same substitution kaspad's
// own flowcontext makes for the legacy reactor model).
package miner

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/btcsuite/btcutil"
	"github.com/sirupsen/logrus"
)

// BlockBuilder constructs a fresh block template (spec §1: block/consensus
// construction is out of scope; this is the external collaborator
// boundary for GenerateNewBlock).
type BlockBuilder interface {
	GenerateNewBlock(fluffTxs [][]byte, height uint64, treasury []byte) (hdr, body []byte, fees uint64, err error)
}

// PowEngine runs the actual proof-of-work search (spec §1: cryptographic
// primitives are out of scope). cancel is polled by the engine's inner
// loop and mirrors spec §4.8's cancel_fn(retrying).
type PowEngine interface {
	GeneratePoW(hdr []byte, nonceSeed [32]byte, cancel func(retrying bool) bool) (solvedHdr []byte, ok bool)
}

// TxSource supplies the fluff-pool transactions a new block template is
// built from.
type TxSource interface {
	FluffTransactions() [][]byte
}

// TipSource reports the height a new block extends.
type TipSource interface {
	TipHeight() uint64
}

// Processor feeds a mined header/body through chain validation and
// commits it on acceptance (spec §4.8's OnMined: "feed the header/body
// through the processor; accepted -> write to mined log").
type Processor interface {
	OnMinedBlock(hdr, body []byte) (accepted bool, err error)
}

// MinedLog records every mining attempt's outcome (spec §6's mined log).
type MinedLog interface {
	AppendMined(height uint64, hash [32]byte, valid bool) error
}

// NewTipNotifier is invoked after an accepted mined block has been
// committed, so the caller can broadcast the new tip and anything else
// OnNewState triggers (spec §4.8: "Accept path triggers OnNewState ->
// tip broadcast + another miner restart").
type NewTipNotifier interface {
	OnMinerAccepted(hdr, body []byte)
}

// Config groups the miner tunables of spec §6.
type Config struct {
	Threads       int
	SoftRestartMs int64
	Treasury      [][]byte
}

// task is spec's Task{hdr, body, fees} with a shared stop flag; the flag
// is a *int32 (not a plain bool) so a soft-restart can hand the same
// cell to the replacement task, letting an in-flight worker's cancel
// check observe a late "already mined" signal even after m.cur has moved
// on.
type task struct {
	hdr, body []byte
	fees      uint64
	stop      *int32
}

func (t *task) stopped() bool { return atomic.LoadInt32(t.stop) != 0 }

// Miner is Miner (C8).
type Miner struct {
	mu     sync.Mutex
	cond   *sync.Cond
	gen    uint64
	closed bool
	cur    *task

	cfg      Config
	log      *logrus.Entry
	nodeID   chainid.PeerID
	builder  BlockBuilder
	pow      PowEngine
	txs      TxSource
	tip      TipSource
	proc     Processor
	minedLog MinedLog
	notifier NewTipNotifier

	restartTimer *time.Timer

	wg sync.WaitGroup
}

// New starts cfg.Threads worker goroutines, idle until the first Restart.
func New(cfg Config, nodeID chainid.PeerID, builder BlockBuilder, pow PowEngine, txs TxSource, tip TipSource, proc Processor, minedLog MinedLog, notifier NewTipNotifier, log *logrus.Entry) *Miner {
	m := &Miner{
		cfg:      cfg,
		log:      log,
		nodeID:   nodeID,
		builder:  builder,
		pow:      pow,
		txs:      txs,
		tip:      tip,
		proc:     proc,
		minedLog: minedLog,
		notifier: notifier,
	}
	m.cond = sync.NewCond(&m.mu)
	for i := 0; i < cfg.Threads; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	return m
}

// Restart builds a new block template and hands it to every worker
// (spec §4.8's Restart). If the current task has already yielded a
// solution (stop already set), the new template is discarded: a mined
// block is already on its way through OnMined.
func (m *Miner) Restart() {
	if m.cfg.Threads == 0 {
		return
	}
	height := m.tip.TipHeight() + 1
	fluffTxs := m.txs.FluffTransactions()
	hdr, body, fees, err := m.builder.GenerateNewBlock(fluffTxs, height, treasuryFor(m.cfg.Treasury, height))
	if err != nil {
		m.log.WithError(err).Warn("failed to construct a new block template")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.cur != nil && m.cur.stopped() {
		return
	}
	stop := new(int32)
	if m.cur != nil {
		stop = m.cur.stop // reuse the prior stop cell for a soft-restart
	}
	m.cur = &task{hdr: hdr, body: body, fees: fees, stop: stop}
	m.gen++
	m.cond.Broadcast()
}

// ScheduleSoftRestart satisfies txpool.Miner: a new fluff-pool tx arrived,
// restart mining after the configured debounce so a burst of transactions
// doesn't thrash the block template (spec §4.6 step 7 /
// Timeout.MiningSoftRestart_ms).
func (m *Miner) ScheduleSoftRestart(after time.Duration) {
	if after <= 0 {
		after = time.Duration(m.cfg.SoftRestartMs) * time.Millisecond
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.restartTimer != nil {
		m.restartTimer.Stop()
	}
	m.restartTimer = time.AfterFunc(after, m.Restart)
}

// HardAbort stops the current task outright with no replacement (spec
// §4.8's HardAbort: shutdown or a new tip invalidating the in-flight
// parent).
func (m *Miner) HardAbort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		atomic.StoreInt32(m.cur.stop, 1)
		m.cur = nil
	}
	m.gen++
	m.cond.Broadcast()
}

// Shutdown aborts mining and waits for every worker to return.
func (m *Miner) Shutdown() {
	m.mu.Lock()
	if m.cur != nil {
		atomic.StoreInt32(m.cur.stop, 1)
		m.cur = nil
	}
	m.closed = true
	m.gen++
	m.cond.Broadcast()
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Miner) worker(index int) {
	defer m.wg.Done()
	seen := uint64(0)
	for {
		m.mu.Lock()
		for m.gen == seen && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		seen = m.gen
		t := m.cur
		m.mu.Unlock()

		if t == nil {
			continue
		}
		m.runAttempt(index, t)
	}
}

func (m *Miner) runAttempt(index int, t *task) {
	seed := powSeed(m.nodeID, index, m.tip.TipHeight()+1)

	cancel := func(retrying bool) bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return t.stopped() || (retrying && m.cur != t)
	}

	solvedHdr, ok := m.pow.GeneratePoW(t.hdr, seed, cancel)
	if !ok {
		return
	}

	m.mu.Lock()
	if t.stopped() {
		m.mu.Unlock()
		return
	}
	atomic.StoreInt32(t.stop, 1)
	m.mu.Unlock()

	m.onMined(solvedHdr, t.body, t.fees)
}

// onMined is spec §4.8's OnMined, called from whichever worker goroutine
// found the solution.
func (m *Miner) onMined(hdr, body []byte, fees uint64) {
	accepted, err := m.proc.OnMinedBlock(hdr, body)
	if err != nil {
		m.log.WithError(err).Warn("mined block rejected with an error")
		return
	}
	m.log.WithField("fees", btcutil.Amount(fees)).Info("mined a block")
	hash := blockHash(hdr)
	if logErr := m.minedLog.AppendMined(m.tip.TipHeight()+1, hash, accepted); logErr != nil {
		m.log.WithError(logErr).Warn("failed to append to mined log")
	}
	if !accepted {
		m.log.Info("mined block was valid but not better than the current tip")
		return
	}
	if m.notifier != nil {
		m.notifier.OnMinerAccepted(hdr, body)
	}
	m.Restart()
}

func treasuryFor(treasury [][]byte, height uint64) []byte {
	if len(treasury) == 0 {
		return nil
	}
	return treasury[int(height)%len(treasury)]
}

func powSeed(nodeID chainid.PeerID, workerIndex int, height uint64) [32]byte {
	var seed [32]byte
	copy(seed[:], nodeID[:])
	seed[24] ^= byte(workerIndex)
	var h [8]byte
	for i := 0; i < 8; i++ {
		h[i] = byte(height >> (8 * uint(i)))
	}
	for i := range h {
		seed[25+i%7] ^= h[i]
	}
	return seed
}

func blockHash(hdr []byte) [32]byte {
	var h [32]byte
	for i, b := range hdr {
		h[i%32] ^= b
	}
	return h
}
