package beacon

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/beamlabs/beamnode/internal/peer"
	"github.com/sirupsen/logrus"
)

var udpAddrLoopback = net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}

type fakeSink struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeSink) OnPeer(id chainid.PeerID, addr string, addrValid bool) *peer.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, addr)
	return &peer.Info{ID: id, Address: addr}
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

func TestNewWithZeroPortDisablesBeacon(t *testing.T) {
	b, err := New(Config{Port: 0, PeriodMs: 1000}, chainid.PeerID{}, [32]byte{}, 9000, &fakeSink{}, testLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b != nil {
		t.Fatalf("expected a nil beacon when Port is zero")
	}
}

func TestTwoBeaconsDiscoverEachOther(t *testing.T) {
	cfgChecksum := [32]byte{0xAB}
	var idA, idB chainid.PeerID
	idA[0] = 1
	idB[0] = 2

	sinkA := &fakeSink{}
	sinkB := &fakeSink{}

	a, err := New(Config{Port: 38901, PeriodMs: 50}, idA, cfgChecksum, 11000, sinkA, testLog())
	if err != nil {
		t.Skipf("beacon requires broadcast-capable sockets in this environment: %v", err)
	}
	defer a.Shutdown()

	b, err := New(Config{Port: 38901, PeriodMs: 50}, idB, cfgChecksum, 12000, sinkB, testLog())
	if err != nil {
		t.Skipf("beacon requires broadcast-capable sockets in this environment: %v", err)
	}
	defer b.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sinkA.count() > 0 && sinkB.count() > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected each beacon to discover the other: a=%d b=%d", sinkA.count(), sinkB.count())
}

func TestOnPacketIgnoresWrongSizeAndMismatchedChecksum(t *testing.T) {
	sink := &fakeSink{}
	cfgChecksum := [32]byte{0x01}
	var nodeID chainid.PeerID
	nodeID[0] = 9

	be := &Beacon{cfgChecksum: cfgChecksum, nodeID: nodeID, sink: sink, log: testLog()}

	be.onPacket(make([]byte, 10), &udpAddrLoopback)
	if sink.count() != 0 {
		t.Fatalf("wrong-size packet should be ignored")
	}

	badChecksum := make([]byte, packetSize)
	be.onPacket(badChecksum, &udpAddrLoopback)
	if sink.count() != 0 {
		t.Fatalf("mismatched checksum packet should be ignored")
	}
}

func TestOnPacketIgnoresOwnAnnouncement(t *testing.T) {
	sink := &fakeSink{}
	cfgChecksum := [32]byte{0x02}
	var nodeID chainid.PeerID
	nodeID[0] = 7

	be := &Beacon{cfgChecksum: cfgChecksum, nodeID: nodeID, sink: sink, log: testLog()}

	packet := make([]byte, packetSize)
	copy(packet[0:32], cfgChecksum[:])
	copy(packet[32:64], nodeID[:])

	be.onPacket(packet, &udpAddrLoopback)
	if sink.count() != 0 {
		t.Fatalf("a node's own announcement should be ignored")
	}
}
