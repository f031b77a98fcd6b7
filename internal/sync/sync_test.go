package sync

import (
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

type memParamStore struct{ vals map[string][]byte }

func newMemParamStore() *memParamStore { return &memParamStore{vals: map[string][]byte{}} }

func (m *memParamStore) GetParam(name string) ([]byte, bool, error) {
	v, ok := m.vals[name]
	return v, ok, nil
}
func (m *memParamStore) PutParam(name string, value []byte) error {
	if value == nil {
		delete(m.vals, name)
		return nil
	}
	m.vals[name] = value
	return nil
}

type memShardFile struct{ data map[uint8][]byte }

func newMemShardFile() *memShardFile { return &memShardFile{data: map[uint8][]byte{}} }

func (f *memShardFile) Size(target chainid.StateID, data uint8) (uint64, error) {
	return uint64(len(f.data[data])), nil
}
func (f *memShardFile) Append(target chainid.StateID, data uint8, portion []byte) error {
	f.data[data] = append(f.data[data], portion...)
	return nil
}

type fixedLayout struct{ count int }

func (l fixedLayout) ShardCount(chainid.StateID) (int, error) { return l.count, nil }

type recordingImporter struct{ imported chainid.StateID }

func (r *recordingImporter) ImportMacroblock(target chainid.StateID) error {
	r.imported = target
	return nil
}

type fakeSyncPeer struct {
	id         chainid.PeerID
	tip        chainid.StateID
	provenWork bool
	dontSync   bool
	sent       []sentReq
}

type sentReq struct {
	target chainid.StateID
	data   uint8
	offset uint64
}

func (p *fakeSyncPeer) ID() chainid.PeerID        { return p.id }
func (p *fakeSyncPeer) Tip() chainid.StateID      { return p.tip }
func (p *fakeSyncPeer) ProvenWork() bool          { return p.provenWork }
func (p *fakeSyncPeer) DontSync() bool            { return p.dontSync }
func (p *fakeSyncPeer) SetDontSync()              { p.dontSync = true }
func (p *fakeSyncPeer) SendMacroblockGet(target chainid.StateID, data uint8, offset uint64) error {
	p.sent = append(p.sent, sentReq{target, data, offset})
	return nil
}

func TestDetectionCommitsBestProposalAndStartsDownload(t *testing.T) {
	store := newMemParamStore()
	files := newMemShardFile()
	importer := &recordingImporter{}
	c := New(Config{SrcPeers: 2, TimeoutMs: 60000}, store, files, fixedLayout{count: 2}, importer, true, testEntry())

	var a, b chainid.PeerID
	a[0], b[0] = 1, 2
	pa := &fakeSyncPeer{id: a, tip: chainid.StateID{Height: 10}, provenWork: true}
	pb := &fakeSyncPeer{id: b, tip: chainid.StateID{Height: 20}, provenWork: true}
	c.RegisterPeer(pa)
	c.RegisterPeer(pb)

	c.OnPeerChainWorkProof(a, []byte{1})
	c.OnPeerMacroblockPortion(a, chainid.StateID{Height: 10}, 0, []byte{1})

	c.OnPeerChainWorkProof(b, []byte{2})
	c.OnPeerMacroblockPortion(b, chainid.StateID{Height: 20}, 0, []byte{2})

	time.Sleep(20 * time.Millisecond)

	if !c.IsSyncing() {
		t.Fatal("expected controller to still be syncing (download phase)")
	}
	if c.InDetectionPhase() {
		t.Fatal("expected detection phase to have ended")
	}

	raw, ok, err := store.GetParam(paramSyncTarget)
	if err != nil || !ok {
		t.Fatalf("expected SyncTarget to be persisted, ok=%v err=%v", ok, err)
	}
	target, shardCount, err := decodeTarget(raw)
	if err != nil {
		t.Fatalf("decode target: %v", err)
	}
	if target.Height != 20 || shardCount != 2 {
		t.Fatalf("expected peer b's higher-chainwork target (20, shards=2), got height=%d shards=%d", target.Height, shardCount)
	}
}

func TestDownloadSkipsIneligiblePeers(t *testing.T) {
	store := newMemParamStore()
	store.vals[paramSyncTarget] = encodeTarget(Target{Height: 5}, 1)
	files := newMemShardFile()
	importer := &recordingImporter{}
	c := New(Config{SrcPeers: 1, TimeoutMs: 60000}, store, files, fixedLayout{count: 1}, importer, true, testEntry())

	var lowTip, noProof, eligible chainid.PeerID
	lowTip[0], noProof[0], eligible[0] = 1, 2, 3
	pLow := &fakeSyncPeer{id: lowTip, tip: chainid.StateID{Height: 1}, provenWork: true}
	pNoProof := &fakeSyncPeer{id: noProof, tip: chainid.StateID{Height: 10}, provenWork: false}
	pGood := &fakeSyncPeer{id: eligible, tip: chainid.StateID{Height: 10}, provenWork: true}

	c.RegisterPeer(pLow)
	c.RegisterPeer(pNoProof)
	c.RegisterPeer(pGood)

	if len(pGood.sent) != 1 {
		t.Fatalf("expected exactly one MacroblockGet sent to the eligible peer, got %d", len(pGood.sent))
	}
	if len(pLow.sent) != 0 || len(pNoProof.sent) != 0 {
		t.Fatal("expected ineligible peers to receive no request")
	}
}

func TestDownloadCompletesAndImports(t *testing.T) {
	store := newMemParamStore()
	store.vals[paramSyncTarget] = encodeTarget(Target{Height: 5}, 1)
	files := newMemShardFile()
	importer := &recordingImporter{}
	c := New(Config{SrcPeers: 1, TimeoutMs: 60000}, store, files, fixedLayout{count: 1}, importer, true, testEntry())

	var id chainid.PeerID
	id[0] = 9
	p := &fakeSyncPeer{id: id, tip: chainid.StateID{Height: 10}, provenWork: true}
	c.RegisterPeer(p)

	if len(p.sent) != 1 {
		t.Fatalf("expected one outstanding request, got %d", len(p.sent))
	}

	c.OnPeerMacroblockPortion(id, chainid.StateID{Height: 5}, 0, []byte("chunk"))
	if len(p.sent) != 2 {
		t.Fatalf("expected a follow-up request after a non-empty portion, got %d", len(p.sent))
	}

	c.OnPeerMacroblockPortion(id, chainid.StateID{Height: 5}, 0, nil)

	if importer.imported.Height != 5 {
		t.Fatalf("expected macroblock import at height 5, got %d", importer.imported.Height)
	}
	if c.IsSyncing() {
		t.Fatal("expected sync to be done after import")
	}
}

func TestDownloadRejectsWrongTargetAndFlagsPeer(t *testing.T) {
	store := newMemParamStore()
	store.vals[paramSyncTarget] = encodeTarget(Target{Height: 5}, 1)
	files := newMemShardFile()
	importer := &recordingImporter{}
	c := New(Config{SrcPeers: 1, TimeoutMs: 60000}, store, files, fixedLayout{count: 1}, importer, true, testEntry())

	var id chainid.PeerID
	id[0] = 4
	p := &fakeSyncPeer{id: id, tip: chainid.StateID{Height: 10}, provenWork: true}
	c.RegisterPeer(p)

	c.OnPeerMacroblockPortion(id, chainid.StateID{Height: 999}, 0, []byte("wrong"))

	if !p.dontSync {
		t.Fatal("expected peer to be flagged DontSync after responding for the wrong target")
	}
}
