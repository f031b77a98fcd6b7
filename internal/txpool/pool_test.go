package txpool

import (
	"math/big"
	"testing"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/sirupsen/logrus"
)

func testEntry() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type fakeValidator struct{ next TxSummary }

func (v *fakeValidator) ValidateTx(raw []byte) (TxSummary, error) {
	s := v.next
	s.Raw = raw
	return s, nil
}

type fakeDummies struct{}

func (fakeDummies) NextDummy(maxHeight uint64) (DummyEntry, bool, error) { return DummyEntry{}, false, nil }
func (fakeDummies) IsUnspent(commitment []byte) (bool, error)           { return true, nil }
func (fakeDummies) DeleteDummy(scalar [32]byte) error                   { return nil }
func (fakeDummies) BumpDummy(entry DummyEntry, extraHeight uint64) error { return nil }
func (fakeDummies) AddDummyOutput(tx *TxSummary, height uint64) error   { return nil }

type fakeTip struct{ height uint64 }

func (t fakeTip) TipHeight() uint64 { return t.height }

type fakeMiner struct{ restarted int }

func (m *fakeMiner) ScheduleSoftRestart(after time.Duration) { m.restarted++ }

type fakeWanted struct{ set map[[32]byte]bool }

func newFakeWanted() *fakeWanted { return &fakeWanted{set: map[[32]byte]bool{}} }
func (w *fakeWanted) Add(key [32]byte) bool {
	if w.set[key] {
		return false
	}
	w.set[key] = true
	return true
}
func (w *fakeWanted) Has(key [32]byte) bool    { return w.set[key] }
func (w *fakeWanted) Delete(key [32]byte) bool { had := w.set[key]; delete(w.set, key); return had }

type fakePeer struct {
	id            chainid.PeerID
	spreading     bool
	sentNew       [][]byte
	sentHave      [][32]byte
	sentGet       [][32]byte
}

func (p *fakePeer) ID() chainid.PeerID             { return p.id }
func (p *fakePeer) SpreadingTransactions() bool     { return p.spreading }
func (p *fakePeer) SendNewTransaction(tx []byte, fluff bool) error {
	p.sentNew = append(p.sentNew, tx)
	return nil
}
func (p *fakePeer) SendHaveTransaction(key [32]byte) error {
	p.sentHave = append(p.sentHave, key)
	return nil
}
func (p *fakePeer) SendGetTransaction(key [32]byte) error {
	p.sentGet = append(p.sentGet, key)
	return nil
}

func newTestPool(fluffProbability *big.Int, validator *fakeValidator) (*Pool, *fakeMiner, *fakeWanted) {
	miner := &fakeMiner{}
	wanted := newFakeWanted()
	cfg := Config{
		FluffProbability:    fluffProbability,
		TimeoutMinMs:        1,
		TimeoutMaxMs:        2,
		AggregationTimeMs:   50,
		OutputsMin:          1,
		OutputsMax:          6,
		DummyLifetimeLo:     720,
		MaxPoolTransactions: 2,
	}
	p := New(cfg, validator, fakeDummies{}, fakeTip{height: 100}, miner, wanted, testEntry())
	return p, miner, wanted
}

func kernel(b byte) KernelID {
	var k KernelID
	k[0] = b
	return k
}

func TestOnTransactionStemRejectsEmptyTx(t *testing.T) {
	validator := &fakeValidator{next: TxSummary{}}
	p, _, _ := newTestPool(big.NewInt(0), validator)
	var from chainid.PeerID
	if err := p.OnTransactionStem([]byte("tx"), from); err == nil {
		t.Fatal("expected rejection of a transaction with no inputs/kernels")
	}
}

func TestOnTransactionStemAggregatesAboveThreshold(t *testing.T) {
	validator := &fakeValidator{next: TxSummary{
		Kernels: []KernelID{kernel(1)},
		Inputs:  1,
		Outputs: 1,
		Profit:  Profit{Fee: 10, Size: 100},
	}}
	p, _, _ := newTestPool(big.NewInt(0), validator) // FluffProbability 0: never fluff directly
	var a chainid.PeerID
	a[0] = 1
	peer := &fakePeer{id: a, spreading: true}
	p.RegisterPeer(peer)

	if err := p.OnTransactionStem([]byte("tx1"), chainid.PeerID{}); err != nil {
		t.Fatalf("OnTransactionStem: %v", err)
	}

	if len(peer.sentNew) != 1 {
		t.Fatalf("expected the aggregated tx to be forwarded as a stem hop, got %d sends", len(peer.sentNew))
	}
}

func TestOnTransactionStemRejectsReduction(t *testing.T) {
	validator := &fakeValidator{next: TxSummary{
		Kernels: []KernelID{kernel(1), kernel(2)},
		Inputs:  1,
		Outputs: 2,
		Profit:  Profit{Fee: 5, Size: 50},
	}}
	p, _, _ := newTestPool(big.NewInt(0), validator)
	// Keep the seed aggregating in the stem pool: its 2 outputs stay below
	// OutputsMin and it has no neighbour to merge, so it waits on its timer.
	p.cfg.OutputsMin = 10
	if err := p.OnTransactionStem([]byte("tx-full"), chainid.PeerID{}); err != nil {
		t.Fatalf("seed stem tx: %v", err)
	}

	validator.next = TxSummary{
		Kernels: []KernelID{kernel(1)},
		Inputs:  1,
		Outputs: 1,
		Profit:  Profit{Fee: 1, Size: 10},
	}
	if err := p.OnTransactionStem([]byte("tx-reduced"), chainid.PeerID{}); err == nil {
		t.Fatal("expected a strict-subset (reduction) stem tx to be rejected")
	}
}

func TestOnTransactionFluffDedupsAndBroadcasts(t *testing.T) {
	validator := &fakeValidator{next: TxSummary{
		Kernels: []KernelID{kernel(9)},
		Inputs:  1,
		Outputs: 1,
		Profit:  Profit{Fee: 3, Size: 30},
	}}
	p, miner, wanted := newTestPool(big.NewInt(0), validator)

	var a, source chainid.PeerID
	a[0], source[0] = 1, 2
	other := &fakePeer{id: a, spreading: true}
	p.RegisterPeer(other)

	key := kernelKey(validator.next.Kernels)
	wanted.Add(key)

	if err := p.OnTransactionFluff([]byte("fluff-tx"), source); err != nil {
		t.Fatalf("OnTransactionFluff: %v", err)
	}
	if wanted.Has(key) {
		t.Fatal("expected the fluffed tx's key to be cleared from the wanted set")
	}
	if len(other.sentHave) != 1 {
		t.Fatalf("expected HaveTransaction broadcast to the other peer, got %d", len(other.sentHave))
	}
	if miner.restarted == 0 {
		t.Fatal("expected miner soft-restart to be scheduled")
	}

	// Resubmitting the identical tx should be a silent dedup, not a second
	// broadcast.
	if err := p.OnTransactionFluff([]byte("fluff-tx"), source); err != nil {
		t.Fatalf("dedup resubmission: %v", err)
	}
	if len(other.sentHave) != 1 {
		t.Fatal("expected no additional broadcast for a duplicate fluff tx")
	}
}

func TestFluffPoolShrinksToMax(t *testing.T) {
	validator := &fakeValidator{}
	p, _, _ := newTestPool(big.NewInt(0), validator)

	for i, fee := range []uint64{1, 2, 3} {
		validator.next = TxSummary{
			Kernels: []KernelID{kernel(byte(10 + i))},
			Inputs:  1,
			Outputs: 1,
			Profit:  Profit{Fee: fee, Size: 10},
		}
		if err := p.OnTransactionFluff([]byte{byte(i)}, chainid.PeerID{}); err != nil {
			t.Fatalf("fluff %d: %v", i, err)
		}
	}

	if len(p.fluff) != 2 {
		t.Fatalf("expected pool to shrink to MaxPoolTransactions=2, got %d", len(p.fluff))
	}
	lowestKey := kernelKey([]KernelID{kernel(10)})
	if _, stillThere := p.fluff[lowestKey]; stillThere {
		t.Fatal("expected the lowest-fee transaction to have been evicted")
	}
}

func TestDrawFluffAlwaysFluffsAtMaxProbability(t *testing.T) {
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	if !drawFluff(max) {
		t.Fatal("expected probability == 2^256 to always fluff")
	}
	if drawFluff(big.NewInt(0)) {
		t.Fatal("expected probability == 0 to never fluff")
	}
}
