package miner

import (
	"sync"
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

type fakeBuilder struct {
	mu    sync.Mutex
	calls int
}

func (b *fakeBuilder) GenerateNewBlock(fluffTxs [][]byte, height uint64, treasury []byte) ([]byte, []byte, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return []byte{byte(height)}, []byte("body"), uint64(len(fluffTxs)), nil
}

// slowPow blocks until cancel reports true, simulating a long-running PoW
// search that never finds a solution — used to exercise restart/abort
// without racing a real solve.
type slowPow struct{}

func (slowPow) GeneratePoW(hdr []byte, seed [32]byte, cancel func(retrying bool) bool) ([]byte, bool) {
	for !cancel(true) {
		time.Sleep(time.Millisecond)
	}
	return nil, false
}

// instantPow always finds a solution on the first check.
type instantPow struct{}

func (instantPow) GeneratePoW(hdr []byte, seed [32]byte, cancel func(retrying bool) bool) ([]byte, bool) {
	if cancel(false) {
		return nil, false
	}
	return append([]byte{}, hdr...), true
}

type fakeTxs struct{}

func (fakeTxs) FluffTransactions() [][]byte { return nil }

type fakeTip struct{ height uint64 }

func (t fakeTip) TipHeight() uint64 { return t.height }

type fakeProcessor struct {
	mu       sync.Mutex
	accepted int
	acceptCh chan struct{}
}

func (p *fakeProcessor) OnMinedBlock(hdr, body []byte) (bool, error) {
	p.mu.Lock()
	p.accepted++
	p.mu.Unlock()
	if p.acceptCh != nil {
		p.acceptCh <- struct{}{}
	}
	return true, nil
}

type fakeMinedLog struct {
	mu      sync.Mutex
	entries int
}

func (l *fakeMinedLog) AppendMined(height uint64, hash [32]byte, valid bool) error {
	l.mu.Lock()
	l.entries++
	l.mu.Unlock()
	return nil
}

type fakeNotifier struct{ notified int32 }

func (n *fakeNotifier) OnMinerAccepted(hdr, body []byte) { n.notified++ }

func TestRestartIsNoOpWithZeroThreads(t *testing.T) {
	builder := &fakeBuilder{}
	m := New(Config{Threads: 0}, chainid.PeerID{}, builder, slowPow{}, fakeTxs{}, fakeTip{}, &fakeProcessor{}, &fakeMinedLog{}, nil, testEntry())
	m.Restart()
	if builder.calls != 0 {
		t.Fatal("expected no block template construction with zero mining threads")
	}
	m.Shutdown()
}

func TestInstantSolutionReachesProcessorAndMinedLog(t *testing.T) {
	builder := &fakeBuilder{}
	proc := &fakeProcessor{acceptCh: make(chan struct{}, 8)}
	minedLog := &fakeMinedLog{}
	notifier := &fakeNotifier{}
	m := New(Config{Threads: 1}, chainid.PeerID{}, builder, instantPow{}, fakeTxs{}, fakeTip{}, proc, minedLog, notifier, testEntry())
	defer m.Shutdown()

	m.Restart()

	select {
	case <-proc.acceptCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a mined block to reach the processor")
	}

	proc.mu.Lock()
	accepted := proc.accepted
	proc.mu.Unlock()
	if accepted == 0 {
		t.Fatal("expected at least one accepted block")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		minedLog.mu.Lock()
		entries := minedLog.entries
		minedLog.mu.Unlock()
		if entries > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected the mined block to be recorded in the mined log")
		}
		time.Sleep(time.Millisecond)
	}
	if notifier.notified == 0 {
		t.Fatal("expected the new-tip notifier to fire on acceptance")
	}
}

func TestHardAbortStopsInFlightWorkers(t *testing.T) {
	builder := &fakeBuilder{}
	m := New(Config{Threads: 2}, chainid.PeerID{}, builder, slowPow{}, fakeTxs{}, fakeTip{}, &fakeProcessor{}, &fakeMinedLog{}, nil, testEntry())
	m.Restart()
	time.Sleep(10 * time.Millisecond)
	m.HardAbort()
	m.Shutdown()
}
