package txpool

import (
	"crypto/rand"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/btcsuite/btcutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config groups the Dandelion/pool tunables of spec §4.6 / §6.
type Config struct {
	FluffProbability    *big.Int // numerator over 2^256
	TimeoutMinMs        int64
	TimeoutMaxMs        int64
	AggregationTimeMs   int64
	OutputsMin          int
	OutputsMax          int
	DummyLifetimeLo     uint64
	MaxPoolTransactions int
}

type stemEntry struct {
	summary     TxSummary
	aggregating bool
	timer       *time.Timer
}

type fluffEntry struct {
	key     [32]byte
	summary TxSummary
}

// Pool is TxPool (C6): the stem and fluff pools plus Dandelion relay.
type Pool struct {
	mu  sync.Mutex
	cfg Config
	log *logrus.Entry

	validator Validator
	dummies   DummyProvider
	tip       TipProvider
	miner     Miner
	wanted    WantedTx

	peers map[chainid.PeerID]Peer

	// stem pool
	kernelIndex map[KernelID]*stemEntry
	byProfit    []*stemEntry // kept sorted ascending by profit for neighbour walks

	// fluff pool
	fluff       map[[32]byte]*fluffEntry
	fluffByProfit []*fluffEntry
}

// New builds a Pool.
func New(cfg Config, validator Validator, dummies DummyProvider, tip TipProvider, miner Miner, wanted WantedTx, log *logrus.Entry) *Pool {
	if cfg.FluffProbability == nil {
		cfg.FluffProbability = big.NewInt(0)
	}
	return &Pool{
		cfg:         cfg,
		log:         log,
		validator:   validator,
		dummies:     dummies,
		tip:         tip,
		miner:       miner,
		wanted:      wanted,
		peers:       make(map[chainid.PeerID]Peer),
		kernelIndex: make(map[KernelID]*stemEntry),
		fluff:       make(map[[32]byte]*fluffEntry),
	}
}

// RegisterPeer satisfies peer.TxPoolSink.
func (p *Pool) RegisterPeer(peer Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[peer.ID()] = peer
}

// UnregisterPeer satisfies peer.TxPoolSink.
func (p *Pool) UnregisterPeer(id chainid.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, id)
}

// GetTransaction satisfies peer.TxPoolSink: fluff-pool lookup by key.
func (p *Pool) GetTransaction(id [32]byte) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.fluff[id]
	if !ok {
		return nil, false
	}
	return e.summary.Raw, true
}

// HaveTransaction satisfies peer.TxPoolSink: request the transaction from
// its announcer unless we already hold it or are already chasing it,
// mirroring the scheduler's WantedSet-gated request pattern for blocks.
func (p *Pool) HaveTransaction(id [32]byte, from chainid.PeerID) {
	p.mu.Lock()
	_, known := p.fluff[id]
	peer, peerOK := p.peers[from]
	p.mu.Unlock()
	if known || !peerOK {
		return
	}
	if p.wanted == nil || p.wanted.Add(id) {
		_ = peer.SendGetTransaction(id)
	}
}

// FluffTransactions returns the raw bytes of every ready-to-mine
// transaction, satisfying miner.TxSource (spec §4.8's "construct a block
// with the fluff tx pool").
func (p *Pool) FluffTransactions() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, 0, len(p.fluff))
	for _, e := range p.fluff {
		out = append(out, e.summary.Raw)
	}
	return out
}

// ForEachFluffKey satisfies peer.TxPoolSink (spec §4.3's SpreadingTx
// backfill on capability change).
func (p *Pool) ForEachFluffKey(fn func(key [32]byte)) {
	p.mu.Lock()
	keys := make([][32]byte, 0, len(p.fluff))
	for k := range p.fluff {
		keys = append(keys, k)
	}
	p.mu.Unlock()
	for _, k := range keys {
		fn(k)
	}
}

// --- OnTransactionStem (spec §4.6) ---

// OnTransactionStem satisfies peer.TxPoolSink.
func (p *Pool) OnTransactionStem(raw []byte, from chainid.PeerID) error {
	summary, err := p.validator.ValidateTx(raw)
	if err != nil {
		return errors.Wrap(err, "validating stem transaction")
	}
	if summary.Inputs == 0 || len(summary.Kernels) == 0 {
		return errors.New("stem transaction has no inputs or no output kernels")
	}
	summary.Raw = raw
	p.log.WithField("fee", btcutil.Amount(summary.Profit.Fee)).Debug("accepted stem transaction")

	p.mu.Lock()
	var conflict *stemEntry
	for _, k := range summary.Kernels {
		if e, ok := p.kernelIndex[k]; ok {
			conflict = e
			break
		}
	}

	if conflict != nil {
		if isSubset(summary.Kernels, conflict.summary.Kernels) && len(summary.Kernels) < len(conflict.summary.Kernels) {
			p.mu.Unlock()
			return errors.New("rejecting stem transaction: reduction of an existing entry")
		}
		if sameKernelSet(summary.Kernels, conflict.summary.Kernels) && !conflict.aggregating {
			p.mu.Unlock()
			return nil // already known
		}
		// Anything else (overlap without reduction): the new tx has
		// already been validated above, so just drop the stale entry and
		// fall through to fresh insertion.
		p.deleteStemEntryLocked(conflict)
	}

	if err := p.addDummyInputsLocked(&summary); err != nil {
		p.mu.Unlock()
		return err
	}

	entry := &stemEntry{summary: summary}
	for _, k := range summary.Kernels {
		p.kernelIndex[k] = entry
	}

	if summary.Outputs > p.cfg.OutputsMax {
		p.mu.Unlock()
		p.onTransactionAggregated(entry)
		return nil
	}

	entry.aggregating = true
	p.insertProfitLocked(entry)
	p.mu.Unlock()
	p.performAggregation(entry)
	return nil
}

func (p *Pool) addDummyInputsLocked(summary *TxSummary) error {
	tip := p.tip.TipHeight()
	for summary.Inputs < p.cfg.OutputsMax {
		dummy, ok, err := p.dummies.NextDummy(tip + 1)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		unspent, err := p.dummies.IsUnspent(dummy.Commitment)
		if err != nil {
			return err
		}
		if !unspent {
			if err := p.dummies.DeleteDummy(dummy.BlindingScalar); err != nil {
				return err
			}
			continue
		}
		summary.Inputs++
		if err := p.dummies.BumpDummy(dummy, p.cfg.DummyLifetimeLo); err != nil {
			return err
		}
	}
	return nil
}

func isSubset(small, big []KernelID) bool {
	set := make(map[KernelID]bool, len(big))
	for _, k := range big {
		set[k] = true
	}
	for _, k := range small {
		if !set[k] {
			return false
		}
	}
	return true
}

func sameKernelSet(a, b []KernelID) bool {
	return len(a) == len(b) && isSubset(a, b)
}

func (p *Pool) deleteStemEntryLocked(e *stemEntry) {
	for _, k := range e.summary.Kernels {
		delete(p.kernelIndex, k)
	}
	p.removeProfitLocked(e)
	if e.timer != nil {
		e.timer.Stop()
	}
}

// --- profit-ordered index ---

func (p *Pool) insertProfitLocked(e *stemEntry) {
	i, _ := slices.BinarySearchFunc(p.byProfit, e, func(a, b *stemEntry) int {
		return profitCompare(a.summary.Profit, b.summary.Profit)
	})
	p.byProfit = append(p.byProfit, nil)
	copy(p.byProfit[i+1:], p.byProfit[i:])
	p.byProfit[i] = e
}

func (p *Pool) removeProfitLocked(e *stemEntry) {
	for i, x := range p.byProfit {
		if x == e {
			p.byProfit = append(p.byProfit[:i], p.byProfit[i+1:]...)
			return
		}
	}
}

func profitCompare(a, b Profit) int {
	if a.less(b) {
		return -1
	}
	if b.less(a) {
		return 1
	}
	return 0
}

// --- PerformAggregation (spec §4.6) ---

func (p *Pool) performAggregation(x *stemEntry) {
	p.mu.Lock()
	i := -1
	for idx, e := range p.byProfit {
		if e == x {
			i = idx
			break
		}
	}
	if i < 0 {
		p.mu.Unlock()
		return
	}

	outputs := x.summary.Outputs
	lo, hi := i-1, i+1
	for outputs < p.cfg.OutputsMin && (lo >= 0 || hi < len(p.byProfit)) {
		var candidate *stemEntry
		var candidateIdx int
		switch {
		case lo >= 0 && hi < len(p.byProfit):
			// Either direction is a legal merge partner per spec; when
			// both exist, try the lower-index (less profitable) neighbour
			// first.
			candidate, candidateIdx = p.byProfit[lo], lo
		case lo >= 0:
			candidate, candidateIdx = p.byProfit[lo], lo
		case hi < len(p.byProfit):
			candidate, candidateIdx = p.byProfit[hi], hi
		}
		if candidate == nil || candidate == x {
			break
		}
		if !p.tryMergeLocked(x, candidate) {
			if candidateIdx < i {
				lo--
			} else {
				hi++
			}
			continue
		}
		outputs = x.summary.Outputs
		// x's index may have shifted after the merge rewrote byProfit; find
		// it again before continuing the walk.
		for idx, e := range p.byProfit {
			if e == x {
				i = idx
				break
			}
		}
		lo, hi = i-1, i+1
	}
	p.mu.Unlock()

	if outputs >= p.cfg.OutputsMin {
		p.onTransactionAggregated(x)
		return
	}
	p.armAggregationTimer(x)
}

// tryMergeLocked merges src into dst if their combined outputs still fit
// within OutputsMax (spec §4.6's TryMerge). Caller holds p.mu.
func (p *Pool) tryMergeLocked(dst, src *stemEntry) bool {
	if dst.summary.Outputs+src.summary.Outputs > p.cfg.OutputsMax {
		return false
	}
	dst.summary.Outputs += src.summary.Outputs
	dst.summary.Inputs += src.summary.Inputs
	dst.summary.Profit.Fee += src.summary.Profit.Fee
	dst.summary.Profit.Size += src.summary.Profit.Size
	dst.summary.Kernels = append(dst.summary.Kernels, src.summary.Kernels...)
	p.deleteStemEntryLocked(src)
	p.removeProfitLocked(dst)
	p.insertProfitLocked(dst)
	for _, k := range src.summary.Kernels {
		p.kernelIndex[k] = dst
	}
	return true
}

func (p *Pool) armAggregationTimer(e *stemEntry) {
	p.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(time.Duration(p.cfg.AggregationTimeMs)*time.Millisecond, func() {
		p.onStemTimer(e)
	})
	p.mu.Unlock()
}

func (p *Pool) onStemTimer(e *stemEntry) {
	p.mu.Lock()
	_, alive := p.kernelIndex[e.summary.Kernels[0]]
	aggregating := e.aggregating
	p.mu.Unlock()
	if !alive {
		return
	}
	if aggregating {
		if err := p.dummies.AddDummyOutput(&e.summary, p.tip.TipHeight()+1); err != nil {
			p.log.WithError(err).Error("adding dummy output on stem timer expiry")
		}
		p.onTransactionAggregated(e)
		return
	}
	p.fluffStemEntry(e, chainid.PeerID{})
}

// --- OnTransactionAggregated (spec §4.6) ---

func (p *Pool) onTransactionAggregated(e *stemEntry) {
	p.mu.Lock()
	var spreaders []Peer
	for _, peer := range p.peers {
		if peer.SpreadingTransactions() {
			spreaders = append(spreaders, peer)
		}
	}
	p.mu.Unlock()

	if drawFluff(p.cfg.FluffProbability) || len(spreaders) == 0 {
		p.fluffStemEntry(e, chainid.PeerID{})
		return
	}

	next := spreaders[randIndex(len(spreaders))]
	if err := next.SendNewTransaction(e.summary.Raw, false); err != nil {
		p.log.WithError(err).Warn("failed to forward stem hop")
	}

	p.mu.Lock()
	e.aggregating = false
	p.mu.Unlock()

	lo, hi := p.cfg.TimeoutMinMs, p.cfg.TimeoutMaxMs
	p.armStemTimer(e, uniformDuration(lo, hi))
}

func (p *Pool) armStemTimer(e *stemEntry, d time.Duration) {
	p.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(d, func() { p.onStemTimer(e) })
	p.mu.Unlock()
}

// --- OnTransactionFluff (spec §4.6) ---

// OnTransactionFluff satisfies peer.TxPoolSink.
func (p *Pool) OnTransactionFluff(raw []byte, from chainid.PeerID) error {
	summary, err := p.validator.ValidateTx(raw)
	if err != nil {
		return errors.Wrap(err, "validating fluff transaction")
	}
	summary.Raw = raw
	p.mu.Lock()
	var conflicts []*stemEntry
	seen := make(map[*stemEntry]bool)
	for _, k := range summary.Kernels {
		if e, ok := p.kernelIndex[k]; ok && !seen[e] {
			seen[e] = true
			conflicts = append(conflicts, e)
		}
	}
	for _, e := range conflicts {
		p.deleteStemEntryLocked(e)
	}
	p.mu.Unlock()

	return p.fluffSummary(summary, from)
}

func (p *Pool) fluffStemEntry(e *stemEntry, from chainid.PeerID) {
	p.mu.Lock()
	p.deleteStemEntryLocked(e)
	p.mu.Unlock()
	if err := p.fluffSummary(e.summary, from); err != nil {
		p.log.WithError(err).Warn("failed to fluff stem entry")
	}
}

func (p *Pool) fluffSummary(summary TxSummary, from chainid.PeerID) error {
	key := kernelKey(summary.Kernels)

	p.mu.Lock()
	if _, dup := p.fluff[key]; dup {
		p.mu.Unlock()
		return nil
	}
	entry := &fluffEntry{key: key, summary: summary}
	p.fluff[key] = entry
	p.insertFluffProfitLocked(entry)
	p.log.WithFields(logrus.Fields{
		"fee":  btcutil.Amount(summary.Profit.Fee),
		"from": from,
	}).Debug("fluffing transaction")
	p.shrinkFluffLocked()
	var broadcastTo []Peer
	for id, peer := range p.peers {
		if id == from {
			continue
		}
		if peer.SpreadingTransactions() {
			broadcastTo = append(broadcastTo, peer)
		}
	}
	p.mu.Unlock()

	if p.wanted != nil {
		p.wanted.Delete(key)
	}
	for _, peer := range broadcastTo {
		_ = peer.SendHaveTransaction(key)
	}
	if p.miner != nil {
		p.miner.ScheduleSoftRestart(0)
	}
	return nil
}

func (p *Pool) insertFluffProfitLocked(e *fluffEntry) {
	i, _ := slices.BinarySearchFunc(p.fluffByProfit, e, func(a, b *fluffEntry) int {
		return profitCompare(a.summary.Profit, b.summary.Profit)
	})
	p.fluffByProfit = append(p.fluffByProfit, nil)
	copy(p.fluffByProfit[i+1:], p.fluffByProfit[i:])
	p.fluffByProfit[i] = e
}

func (p *Pool) shrinkFluffLocked() {
	for p.cfg.MaxPoolTransactions > 0 && len(p.fluff) > p.cfg.MaxPoolTransactions {
		worst := p.fluffByProfit[0]
		p.fluffByProfit = p.fluffByProfit[1:]
		delete(p.fluff, worst.key)
	}
}

// --- randomness helpers ---

func drawFluff(fluffProbability *big.Int) bool {
	if fluffProbability.Sign() <= 0 {
		return false
	}
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	if fluffProbability.Cmp(max) >= 0 {
		return true
	}
	draw, err := rand.Int(rand.Reader, max)
	if err != nil {
		return false
	}
	return draw.Cmp(fluffProbability) < 0
}

func randIndex(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

func uniformDuration(loMs, hiMs int64) time.Duration {
	if hiMs <= loMs {
		return time.Duration(loMs) * time.Millisecond
	}
	span := hiMs - loMs
	v, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return time.Duration(loMs) * time.Millisecond
	}
	return time.Duration(loMs+v.Int64()) * time.Millisecond
}
