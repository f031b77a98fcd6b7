package bbs

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/beamlabs/beamnode/internal/store"
	"github.com/sirupsen/logrus"
)

type fakeDB struct {
	mu      sync.Mutex
	entries map[[32]byte]store.BbsEntry
	deleted [][32]byte
}

func newFakeDB() *fakeDB { return &fakeDB{entries: make(map[[32]byte]store.BbsEntry)} }

func (f *fakeDB) PutBbs(e store.BbsEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.Key] = e
	return nil
}

func (f *fakeDB) DeleteBbs(key [32]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeDB) EachBbs(fn func(store.BbsEntry) bool) error {
	f.mu.Lock()
	entries := make([]store.BbsEntry, 0, len(f.entries))
	for _, e := range f.entries {
		entries = append(entries, e)
	}
	f.mu.Unlock()
	for _, e := range entries {
		if !fn(e) {
			break
		}
	}
	return nil
}

type fakePeer struct {
	id        chainid.PeerID
	bbsCap    bool
	haves     []([32]byte)
	gets      []([32]byte)
	delivered chan deliverCall
}

type deliverCall struct {
	channel    uint32
	timePosted uint64
	payload    []byte
}

func newFakePeer(id byte) *fakePeer {
	p := &fakePeer{bbsCap: true, delivered: make(chan deliverCall, 8)}
	p.id[0] = id
	return p
}

func (p *fakePeer) ID() chainid.PeerID   { return p.id }
func (p *fakePeer) BbsCapable() bool     { return p.bbsCap }
func (p *fakePeer) SendBbsHaveMsg(key [32]byte) error {
	p.haves = append(p.haves, key)
	return nil
}
func (p *fakePeer) SendBbsGetMsg(key [32]byte) error {
	p.gets = append(p.gets, key)
	return nil
}
func (p *fakePeer) Deliver(channel uint32, timePosted uint64, payload []byte) {
	p.delivered <- deliverCall{channel, timePosted, payload}
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

func newTestBoard(t *testing.T) (*Bbs, *fakeDB) {
	t.Helper()
	db := newFakeDB()
	b, err := New(db, Config{MessageTimeoutS: 60, MessageMaxAheadS: 10, CleanupPeriodMs: 0, IdealChannelPopulation: 2}, testLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(b.Shutdown)
	return b, db
}

func TestOnBbsMsgDedupsAndRelaysExceptOrigin(t *testing.T) {
	b, db := newTestBoard(t)

	origin := newFakePeer(1)
	other := newFakePeer(2)
	b.RegisterPeer(origin)
	b.RegisterPeer(other)

	payload := []byte("hello")
	nowS := uint64(now().Unix())
	if err := b.OnBbsMsg(7, nowS, payload, origin.ID()); err != nil {
		t.Fatalf("OnBbsMsg: %v", err)
	}

	if len(origin.haves) != 0 {
		t.Fatalf("origin should not receive its own relay, got %d", len(origin.haves))
	}
	if len(other.haves) != 1 {
		t.Fatalf("expected relay to other peer, got %d", len(other.haves))
	}

	key := bbsKey(payload, 7)
	if other.haves[0] != key {
		t.Fatalf("relayed key mismatch")
	}

	if _, ok := db.entries[key]; !ok {
		t.Fatalf("message not persisted")
	}

	// Second delivery of the same payload/channel must be ignored (dedup).
	other.haves = nil
	if err := b.OnBbsMsg(7, nowS, payload, origin.ID()); err != nil {
		t.Fatalf("OnBbsMsg (dup): %v", err)
	}
	if len(other.haves) != 0 {
		t.Fatalf("duplicate message should not be relayed again")
	}
}

func TestOnBbsMsgRejectsStaleMessage(t *testing.T) {
	b, db := newTestBoard(t)
	payload := []byte("old")
	stale := uint64(now().Unix()) - 1000
	if err := b.OnBbsMsg(1, stale, payload, chainid.PeerID{}); err != nil {
		t.Fatalf("OnBbsMsg: %v", err)
	}
	if len(db.entries) != 0 {
		t.Fatalf("stale message should not be stored")
	}
}

func TestOnBbsMsgRejectsFarFutureMessage(t *testing.T) {
	b, _ := newTestBoard(t)
	future := uint64(now().Unix()) + 1000
	if err := b.OnBbsMsg(1, future, []byte("x"), chainid.PeerID{}); err == nil {
		t.Fatalf("expected an error for a timestamp far in the future")
	}
}

func TestOnBbsGetMsgServesStoredMessage(t *testing.T) {
	b, _ := newTestBoard(t)
	payload := []byte("payload")
	nowS := uint64(now().Unix())
	if err := b.OnBbsMsg(3, nowS, payload, chainid.PeerID{}); err != nil {
		t.Fatalf("OnBbsMsg: %v", err)
	}
	key := bbsKey(payload, 3)

	got, channel, timePosted, ok := b.OnBbsGetMsg(key)
	if !ok {
		t.Fatalf("expected stored message to be found")
	}
	if channel != 3 || timePosted != nowS || string(got) != string(payload) {
		t.Fatalf("unexpected message contents: %+v %d %d", got, channel, timePosted)
	}

	if _, _, _, ok := b.OnBbsGetMsg([32]byte{0xff}); ok {
		t.Fatalf("unknown key should not be found")
	}
}

func TestOnBbsHaveMsgRequestsUnknownMessage(t *testing.T) {
	b, _ := newTestBoard(t)
	from := newFakePeer(5)
	b.RegisterPeer(from)

	key := bbsKey([]byte("unseen"), 1)
	b.OnBbsHaveMsg(key, from.ID())
	if len(from.gets) != 1 || from.gets[0] != key {
		t.Fatalf("expected a GetMsg request for the unknown key")
	}

	// Already-known keys should not trigger a request.
	from.gets = nil
	payload := []byte("known")
	nowS := uint64(now().Unix())
	if err := b.OnBbsMsg(1, nowS, payload, chainid.PeerID{}); err != nil {
		t.Fatalf("OnBbsMsg: %v", err)
	}
	b.OnBbsHaveMsg(bbsKey(payload, 1), from.ID())
	if len(from.gets) != 0 {
		t.Fatalf("known key should not be re-requested")
	}
}

func TestSubscribeBackfillsStoredMessages(t *testing.T) {
	b, _ := newTestBoard(t)
	payload := []byte("backfill me")
	nowS := uint64(now().Unix())
	if err := b.OnBbsMsg(9, nowS, payload, chainid.PeerID{}); err != nil {
		t.Fatalf("OnBbsMsg: %v", err)
	}

	sub := newFakePeer(6)
	b.RegisterPeer(sub)
	b.Subscribe(sub.ID(), 9, 0)

	select {
	case got := <-sub.delivered:
		if got.channel != 9 || string(got.payload) != string(payload) {
			t.Fatalf("unexpected backfilled message: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a backfilled delivery")
	}
}

func TestSubscribeReceivesLiveMessagesExceptSelf(t *testing.T) {
	b, _ := newTestBoard(t)

	sub := newFakePeer(4)
	b.RegisterPeer(sub)
	b.Subscribe(sub.ID(), 2, 0)

	other := newFakePeer(8)
	b.RegisterPeer(other)

	nowS := uint64(now().Unix())
	if err := b.OnBbsMsg(2, nowS, []byte("live"), other.ID()); err != nil {
		t.Fatalf("OnBbsMsg: %v", err)
	}

	select {
	case got := <-sub.delivered:
		if got.channel != 2 || string(got.payload) != "live" {
			t.Fatalf("unexpected live delivery: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a live delivery to the subscriber")
	}

	// The originating peer is also registered but not itself subscribed,
	// so it never observes its own Deliver channel; RegisterPeer alone must
	// not cause self-delivery.
	select {
	case got := <-other.delivered:
		t.Fatalf("origin peer should not receive its own message, got %+v", got)
	default:
	}
}

func TestUnsubscribeStopsFurtherDeliveries(t *testing.T) {
	b, _ := newTestBoard(t)
	sub := newFakePeer(3)
	b.RegisterPeer(sub)
	b.Subscribe(sub.ID(), 1, 0)
	b.Unsubscribe(sub.ID(), 1)

	if err := b.OnBbsMsg(1, uint64(now().Unix()), []byte("after unsub"), chainid.PeerID{}); err != nil {
		t.Fatalf("OnBbsMsg: %v", err)
	}

	select {
	case got := <-sub.delivered:
		t.Fatalf("unsubscribed peer should not be delivered to, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRecommendedChannelPicksSmallestUnderPopulated(t *testing.T) {
	b, _ := newTestBoard(t) // IdealChannelPopulation: 2

	for i := 0; i < 3; i++ {
		payload := []byte{byte(i)}
		if err := b.OnBbsMsg(0, uint64(now().Unix()), payload, chainid.PeerID{}); err != nil {
			t.Fatalf("OnBbsMsg: %v", err)
		}
	}
	if got := b.RecommendedChannel(); got != 1 {
		t.Fatalf("expected channel 1 to be recommended once channel 0 is over capacity, got %d", got)
	}
}

func TestRunCleanupDeletesStaleEntries(t *testing.T) {
	b, db := newTestBoard(t)
	payload := []byte("stale soon")
	oldTime := uint64(now().Unix()) - 61 // MessageTimeoutS is 60
	key := bbsKey(payload, 4)
	entry := store.BbsEntry{Key: key, Channel: 4, TimePosted: oldTime, Message: payload}

	b.mu.Lock()
	b.entries[key] = entry
	b.population[4]++
	b.mu.Unlock()
	db.entries[key] = entry

	b.runCleanup()

	if _, _, _, ok := b.OnBbsGetMsg(key); ok {
		t.Fatalf("stale entry should have been swept")
	}
	if len(db.deleted) != 1 || db.deleted[0] != key {
		t.Fatalf("expected the stale entry to be deleted from storage")
	}
}

func TestForEachStoredSinceFiltersByChannelAndTime(t *testing.T) {
	b, _ := newTestBoard(t)
	nowS := uint64(now().Unix())
	if err := b.OnBbsMsg(1, nowS, []byte("a"), chainid.PeerID{}); err != nil {
		t.Fatalf("OnBbsMsg: %v", err)
	}
	if err := b.OnBbsMsg(2, nowS, []byte("b"), chainid.PeerID{}); err != nil {
		t.Fatalf("OnBbsMsg: %v", err)
	}

	var channelOneOnly int
	b.ForEachStoredSince(1, 0, func(_ [32]byte, _ uint64, _ []byte) { channelOneOnly++ })
	if channelOneOnly != 1 {
		t.Fatalf("expected exactly one channel-1 message, got %d", channelOneOnly)
	}

	var all int
	b.ForEachStoredSince(0, 0, func(_ [32]byte, _ uint64, _ []byte) { all++ })
	if all != 2 {
		t.Fatalf("channel 0 should match every channel, got %d", all)
	}
}

func TestUnregisterPeerDropsRelayTargetAndSubscription(t *testing.T) {
	b, _ := newTestBoard(t)
	sub := newFakePeer(2)
	b.RegisterPeer(sub)
	b.Subscribe(sub.ID(), 5, 0)
	b.UnregisterPeer(sub.ID())

	other := newFakePeer(9)
	b.RegisterPeer(other)
	if err := b.OnBbsMsg(5, uint64(now().Unix()), []byte("after unregister"), other.ID()); err != nil {
		t.Fatalf("OnBbsMsg: %v", err)
	}
	if len(sub.haves) != 0 {
		t.Fatalf("unregistered peer should not be relayed to")
	}
	select {
	case got := <-sub.delivered:
		t.Fatalf("unregistered peer should not be delivered to, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}
