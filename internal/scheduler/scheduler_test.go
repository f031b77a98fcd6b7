package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/sirupsen/logrus"
)

type fakePeer struct {
	id           chainid.PeerID
	tip          chainid.StateID
	authed       bool
	rejected     map[chainid.TaskKey]bool
	sentHdr      []chainid.StateID
	sentHdrPack  []chainid.StateID
	sentBody     []chainid.StateID
	failNextSend bool

	mu sync.Mutex
}

func newFakePeer(b byte, tip chainid.StateID) *fakePeer {
	p := &fakePeer{tip: tip, authed: true, rejected: map[chainid.TaskKey]bool{}}
	p.id[0] = b
	return p
}

func (p *fakePeer) ID() chainid.PeerID              { return p.id }
func (p *fakePeer) Tip() chainid.StateID            { return p.tip }
func (p *fakePeer) Authenticated() bool             { return p.authed }
func (p *fakePeer) IsRejected(k chainid.TaskKey) bool {
	return p.rejected[k]
}
func (p *fakePeer) SendGetHdr(id chainid.StateID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNextSend {
		p.failNextSend = false
		return errTest
	}
	p.sentHdr = append(p.sentHdr, id)
	return nil
}
func (p *fakePeer) SendGetHdrPack(top chainid.StateID, count uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sentHdrPack = append(p.sentHdrPack, top)
	return nil
}
func (p *fakePeer) SendGetBody(id chainid.StateID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sentBody = append(p.sentBody, id)
	return nil
}
func (p *fakePeer) ArmTaskTimer(time.Duration) {}
func (p *fakePeer) DisarmTaskTimer()           {}

type errString string

func (e errString) Error() string { return string(e) }

const errTest = errString("boom")

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestRequestDataAssignsSingleHeader(t *testing.T) {
	s := New(Config{GetBlockMs: 1000, GetStateMs: 1000}, nil, testLogger())
	s.SetMyTipHeight(100)

	p := newFakePeer(1, chainid.StateID{Height: 200})
	s.RegisterPeer(p)

	id := chainid.StateID{Height: 101}
	s.RequestData(id, false, nil)

	if len(p.sentHdr) != 1 || p.sentHdr[0] != id {
		t.Fatalf("expected single GetHdr sent, got %+v", p.sentHdr)
	}
	if s.Stats().Unassigned != 0 {
		t.Fatalf("expected task assigned, not unassigned")
	}
}

func TestRequestDataUsesPackWhenFarBehind(t *testing.T) {
	s := New(Config{GetBlockMs: 1000, GetStateMs: 1000}, nil, testLogger())
	s.SetMyTipHeight(100)

	p := newFakePeer(1, chainid.StateID{Height: 200})
	s.RegisterPeer(p)

	id := chainid.StateID{Height: 110}
	s.RequestData(id, false, nil)

	if len(p.sentHdrPack) != 1 {
		t.Fatalf("expected a header pack request, got hdr=%v pack=%v", p.sentHdr, p.sentHdrPack)
	}
}

func TestAtMostOnePackInFlight(t *testing.T) {
	s := New(Config{GetBlockMs: 1000, GetStateMs: 1000}, nil, testLogger())
	s.SetMyTipHeight(0)

	p1 := newFakePeer(1, chainid.StateID{Height: 200})
	p2 := newFakePeer(2, chainid.StateID{Height: 200})
	s.RegisterPeer(p1)
	s.RegisterPeer(p2)

	s.RequestData(chainid.StateID{Height: 10}, false, nil)
	s.RequestData(chainid.StateID{Height: 20}, false, nil)

	if s.Stats().PackHdrCount > 1 {
		t.Fatalf("expected at most one pack request in flight, got %d", s.Stats().PackHdrCount)
	}
}

func TestReleaseTaskReassignsToEligiblePeer(t *testing.T) {
	s := New(Config{GetBlockMs: 1000, GetStateMs: 1000}, nil, testLogger())
	s.SetMyTipHeight(100)

	p1 := newFakePeer(1, chainid.StateID{Height: 200})
	s.RegisterPeer(p1)

	id := chainid.StateID{Height: 101}
	s.RequestData(id, true, nil)

	task, ok := s.PeerFrontTask(p1.ID())
	if !ok {
		t.Fatal("expected task assigned to p1")
	}

	p2 := newFakePeer(2, chainid.StateID{Height: 200})
	s.RegisterPeer(p2)

	// p1 has reported it lacks the object, so p2 is the only eligible peer.
	p1.rejected[task.Key] = true
	s.ReleaseTask(task)

	if _, ok := s.PeerFrontTask(p2.ID()); !ok {
		t.Fatal("expected task reassigned to p2 after release")
	}
}

func TestReleaseTaskDeletesWhenIrrelevant(t *testing.T) {
	s := New(Config{GetBlockMs: 1000, GetStateMs: 1000}, nil, testLogger())
	s.SetMyTipHeight(100)

	p1 := newFakePeer(1, chainid.StateID{Height: 200})
	s.RegisterPeer(p1)

	id := chainid.StateID{Height: 101}
	s.RequestData(id, true, nil)
	task, _ := s.PeerFrontTask(p1.ID())

	task.Relevant = false
	s.ReleaseTask(task)

	if s.Stats().Unassigned != 0 {
		t.Fatalf("expected irrelevant task to be deleted, not requeued")
	}
}

func TestUnauthenticatedPeerNeverAssigned(t *testing.T) {
	s := New(Config{GetBlockMs: 1000, GetStateMs: 1000}, nil, testLogger())
	s.SetMyTipHeight(0)

	p := newFakePeer(1, chainid.StateID{Height: 200})
	p.authed = false
	s.RegisterPeer(p)

	s.RequestData(chainid.StateID{Height: 1}, false, nil)

	if len(p.sentHdr) != 0 {
		t.Fatal("expected unauthenticated peer to never receive a task")
	}
	if s.Stats().Unassigned != 1 {
		t.Fatal("expected task to remain unassigned")
	}
}
