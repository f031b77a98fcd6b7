package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/beamlabs/beamnode/internal/peer"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParamRoundTrip(t *testing.T) {
	s := openTest(t)
	if _, ok, err := s.GetParam("MyID"); err != nil || ok {
		t.Fatalf("expected absent param, got ok=%v err=%v", ok, err)
	}
	if err := s.PutParam("MyID", []byte{1, 2, 3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, err := s.GetParam("MyID")
	if err != nil || !ok {
		t.Fatalf("expected stored param, got ok=%v err=%v", ok, err)
	}
	if string(v) != "\x01\x02\x03" {
		t.Fatalf("unexpected value %v", v)
	}
}

func TestSaveLoadPeersReplacesSnapshot(t *testing.T) {
	s := openTest(t)
	var a, b chainid.PeerID
	a[0], b[0] = 1, 2

	first := []peer.PersistedPeerInfo{
		{ID: a, Address: "1.1.1.1:1", Rating: 100, LastSeen: time.Unix(1, 0)},
		{ID: b, Address: "2.2.2.2:2", Rating: 50, LastSeen: time.Unix(2, 0)},
	}
	if err := s.SavePeers(first); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := s.LoadPeers()
	if err != nil || len(loaded) != 2 {
		t.Fatalf("expected 2 peers, got %d err=%v", len(loaded), err)
	}

	second := []peer.PersistedPeerInfo{
		{ID: a, Address: "1.1.1.1:1", Rating: 100, LastSeen: time.Unix(1, 0)},
	}
	if err := s.SavePeers(second); err != nil {
		t.Fatalf("resave: %v", err)
	}
	loaded, err = s.LoadPeers()
	if err != nil || len(loaded) != 1 {
		t.Fatalf("expected snapshot to replace stale entries, got %d err=%v", len(loaded), err)
	}
}

func TestDummyEntryLifecycle(t *testing.T) {
	s := openTest(t)
	var scalar [32]byte
	scalar[0] = 9
	if err := s.PutDummy(DummyEntry{BlindingScalar: scalar, Height: 5}); err != nil {
		t.Fatalf("put dummy: %v", err)
	}
	count := 0
	if err := s.EachDummy(func(DummyEntry) bool { count++; return true }); err != nil {
		t.Fatalf("each dummy: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 dummy entry, got %d", count)
	}
	if err := s.DeleteDummy(scalar); err != nil {
		t.Fatalf("delete dummy: %v", err)
	}
	count = 0
	_ = s.EachDummy(func(DummyEntry) bool { count++; return true })
	if count != 0 {
		t.Fatalf("expected dummy entry deleted, got %d remaining", count)
	}
}

func TestMinedSinceOrdersByHeight(t *testing.T) {
	s := openTest(t)
	for _, h := range []uint64{5, 1, 3} {
		if err := s.AppendMined(MinedEntry{Height: h, Valid: true}); err != nil {
			t.Fatalf("append mined: %v", err)
		}
	}
	entries, err := s.MinedSince(2)
	if err != nil {
		t.Fatalf("mined since: %v", err)
	}
	if len(entries) != 2 || entries[0].Height != 3 || entries[1].Height != 5 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
