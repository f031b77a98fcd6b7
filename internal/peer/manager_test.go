package peer

import (
	"testing"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/sirupsen/logrus"
)

type memStore struct{ saved []PersistedPeerInfo }

func (m *memStore) SavePeers(infos []PersistedPeerInfo) error {
	m.saved = infos
	return nil
}
func (m *memStore) LoadPeers() ([]PersistedPeerInfo, error) { return m.saved, nil }

func testEntry() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestRatingSaturatesAndBansStick(t *testing.T) {
	mgr := NewManager(ManagerConfig{ActiveQuorum: 8}, &memStore{}, testEntry())
	var id chainid.PeerID
	id[0] = 1
	mgr.OnPeer(id, "1.2.3.4:9901", true)

	mgr.ModifyRating(id, InitialRating+10, false) // drive to zero (banned)
	info, _ := mgr.Lookup(id)
	if !info.Banned() {
		t.Fatalf("expected rating to saturate at 0 (banned), got %d", info.Rating)
	}

	mgr.ModifyRating(id, 50, true)
	info, _ = mgr.Lookup(id)
	if !info.Banned() {
		t.Fatal("expected a banned peer to stay banned despite an upward rating delta")
	}
}

func TestOnPeerClearsStaleAddressOwner(t *testing.T) {
	mgr := NewManager(ManagerConfig{ActiveQuorum: 8}, &memStore{}, testEntry())
	var a, b chainid.PeerID
	a[0], b[0] = 1, 2

	mgr.OnPeer(a, "1.2.3.4:9901", true)
	mgr.OnPeer(b, "1.2.3.4:9901", true)

	infoA, _ := mgr.Lookup(a)
	infoB, _ := mgr.Lookup(b)
	if infoA.Address == "1.2.3.4:9901" {
		t.Fatal("expected old owner's address to be cleared when reassigned")
	}
	if infoB.Address != "1.2.3.4:9901" {
		t.Fatal("expected new owner to hold the address")
	}
}

func TestFlushRoundTrips(t *testing.T) {
	store := &memStore{}
	mgr := NewManager(ManagerConfig{ActiveQuorum: 8}, store, testEntry())
	var id chainid.PeerID
	id[0] = 7
	mgr.OnPeer(id, "5.6.7.8:1", true)
	mgr.ModifyRating(id, 5, true)

	if err := mgr.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	mgr2 := NewManager(ManagerConfig{ActiveQuorum: 8}, store, testEntry())
	if err := mgr2.LoadFromStore(); err != nil {
		t.Fatalf("load: %v", err)
	}
	info, ok := mgr2.Lookup(id)
	if !ok {
		t.Fatal("expected persisted peer to reload")
	}
	if info.Rating != InitialRating+5 {
		t.Fatalf("expected rating %d, got %d", InitialRating+5, info.Rating)
	}
	_ = time.Now
}
