package bbs

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/beamlabs/beamnode/internal/store"
	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const realm = "beamnode.bbs"

// Bbs implements spec §4.9: BbsSink, the message board peers relay
// BbsMsg/BbsHaveMsg/BbsGetMsg/BbsSubscribe traffic through.
//
// Cross-peer relay (telling other nodes we have a message, fetching ones
// we don't) goes out over the ordinary wire protocol via the registered
// Peer handles. Local fan-out to a subscribed peer's own session uses an
// embedded nexus/v3 router: one channel maps to one WAMP topic, and each
// subscribing peer gets its own in-process client so it can unsubscribe
// independently. This mirrors mosaicnetworks-babble's wamp.Server/Client
// pair, substituting Subscribe/Publish for their Register/Call RPC use.
type Bbs struct {
	db  DB
	cfg Config
	log *logrus.Entry

	mu         sync.Mutex
	entries    map[[32]byte]store.BbsEntry
	population map[uint32]int
	peers      map[chainid.PeerID]Peer
	subs       map[chainid.PeerID]map[uint32]bool
	clients    map[chainid.PeerID]*client.Client
	closed     bool

	cleanupTimer *time.Timer

	router router.Router
	pub    *client.Client
}

// New opens the board: starts the local pub/sub router, preloads every
// stored message into memory (spec §4.9 wants O(1) dedup/serve), and arms
// the periodic stale-entry sweep.
func New(db DB, cfg Config, log *logrus.Entry) (*Bbs, error) {
	routerCfg := &router.Config{
		RealmConfigs: []*router.RealmConfig{
			{URI: wamp.URI(realm), AnonymousAuth: true},
		},
	}
	rtr, err := router.NewRouter(routerCfg, log)
	if err != nil {
		return nil, errors.Wrap(err, "starting bbs pub/sub router")
	}

	pub, err := client.ConnectLocal(rtr, client.Config{Realm: realm, Logger: log})
	if err != nil {
		rtr.Close()
		return nil, errors.Wrap(err, "connecting bbs publisher client")
	}

	b := &Bbs{
		db:         db,
		cfg:        cfg,
		log:        log,
		entries:    make(map[[32]byte]store.BbsEntry),
		population: make(map[uint32]int),
		peers:      make(map[chainid.PeerID]Peer),
		subs:       make(map[chainid.PeerID]map[uint32]bool),
		clients:    make(map[chainid.PeerID]*client.Client),
		router:     rtr,
		pub:        pub,
	}

	if err := db.EachBbs(func(e store.BbsEntry) bool {
		b.entries[e.Key] = e
		b.population[e.Channel]++
		return true
	}); err != nil {
		pub.Close()
		rtr.Close()
		return nil, errors.Wrap(err, "loading stored bbs messages")
	}

	b.armCleanup()
	return b, nil
}

func bbsKey(payload []byte, channel uint32) [32]byte {
	h := sha256.New()
	h.Write(payload)
	var chanBuf [4]byte
	binary.BigEndian.PutUint32(chanBuf[:], channel)
	h.Write(chanBuf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func topicFor(channel uint32) string {
	return realm + ".channel." + itoa(channel)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// OnBbsMsg implements peer.BbsSink: accept a message forwarded by a peer
// (spec §4.9's time-window check, then content-hash dedup, then relay).
func (b *Bbs) OnBbsMsg(channel uint32, timePosted uint64, payload []byte, from chainid.PeerID) error {
	nowS := uint64(now().Unix())
	if timePosted+uint64(b.cfg.MessageTimeoutS) < nowS {
		return nil // already expired by the time it reached us; drop silently
	}
	if b.cfg.MessageMaxAheadS > 0 && timePosted > nowS+uint64(b.cfg.MessageMaxAheadS) {
		return errors.New("bbs message timestamp too far in the future")
	}

	key := bbsKey(payload, channel)
	entry := store.BbsEntry{Key: key, Channel: channel, TimePosted: timePosted, Message: payload}

	b.mu.Lock()
	if _, exists := b.entries[key]; exists {
		b.mu.Unlock()
		return nil // first writer wins
	}
	b.entries[key] = entry
	b.population[channel]++
	b.mu.Unlock()

	if err := b.db.PutBbs(entry); err != nil {
		b.log.WithError(err).Warn("failed to persist bbs message")
	}

	b.relay(entry, from)
	return nil
}

// relay tells every other BBS-capable peer we now have this message, and
// pushes it to local subscribers of its channel.
func (b *Bbs) relay(entry store.BbsEntry, from chainid.PeerID) {
	b.mu.Lock()
	targets := make([]Peer, 0, len(b.peers))
	for id, p := range b.peers {
		if id == from || !p.BbsCapable() {
			continue
		}
		targets = append(targets, p)
	}
	b.mu.Unlock()

	for _, p := range targets {
		if err := p.SendBbsHaveMsg(entry.Key); err != nil {
			b.log.WithError(err).Debug("failed relaying bbs have-message")
		}
	}

	args := wamp.List{int64(entry.TimePosted), entry.Message, from.String()}
	if err := b.pub.Publish(topicFor(entry.Channel), nil, args, nil); err != nil {
		b.log.WithError(err).Warn("failed publishing bbs message to local subscribers")
	}
}

// OnBbsHaveMsg implements peer.BbsSink: a peer announced a key we may not
// have; fetch it if we don't.
func (b *Bbs) OnBbsHaveMsg(key [32]byte, from chainid.PeerID) {
	b.mu.Lock()
	_, known := b.entries[key]
	p, ok := b.peers[from]
	b.mu.Unlock()
	if known || !ok {
		return
	}
	if err := p.SendBbsGetMsg(key); err != nil {
		b.log.WithError(err).Debug("failed requesting bbs message")
	}
}

// OnBbsGetMsg implements peer.BbsSink: serve a stored message by key.
func (b *Bbs) OnBbsGetMsg(key [32]byte) ([]byte, uint32, uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, 0, 0, false
	}
	return e.Message, e.Channel, e.TimePosted, true
}

// RegisterPeer implements peer.BbsSink.
func (b *Bbs) RegisterPeer(p Peer) {
	b.mu.Lock()
	b.peers[p.ID()] = p
	b.mu.Unlock()
}

// UnregisterPeer implements peer.BbsSink.
func (b *Bbs) UnregisterPeer(id chainid.PeerID) {
	b.mu.Lock()
	delete(b.peers, id)
	b.mu.Unlock()
	b.UnsubscribeAll(id)
}

func (b *Bbs) clientFor(peerID chainid.PeerID) (*client.Client, error) {
	b.mu.Lock()
	cli := b.clients[peerID]
	b.mu.Unlock()
	if cli != nil {
		return cli, nil
	}

	cli, err := client.ConnectLocal(b.router, client.Config{Realm: realm, Logger: b.log})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if existing := b.clients[peerID]; existing != nil {
		b.mu.Unlock()
		cli.Close()
		return existing, nil
	}
	b.clients[peerID] = cli
	b.mu.Unlock()
	return cli, nil
}

// Subscribe implements peer.BbsSink: join a channel's local topic and
// backfill every message stored on it since timeFrom.
func (b *Bbs) Subscribe(peerID chainid.PeerID, channel uint32, timeFrom uint64) {
	b.mu.Lock()
	p, ok := b.peers[peerID]
	b.mu.Unlock()
	if !ok {
		return
	}

	cli, err := b.clientFor(peerID)
	if err != nil {
		b.log.WithError(err).Warn("failed to connect local bbs subscriber client")
		return
	}

	handler := func(event *wamp.Event) {
		if len(event.Arguments) != 3 {
			return
		}
		if originID, ok := wamp.AsString(event.Arguments[2]); ok && originID == peerID.String() {
			return // don't echo a peer's own message back to it
		}
		timePosted, _ := wamp.AsInt64(event.Arguments[0])
		payload, ok := event.Arguments[1].([]byte)
		if !ok {
			return
		}
		p.Deliver(channel, uint64(timePosted), payload)
	}
	if err := cli.Subscribe(topicFor(channel), handler, nil); err != nil {
		b.log.WithError(err).Warn("failed subscribing to bbs channel")
		return
	}

	b.mu.Lock()
	if b.subs[peerID] == nil {
		b.subs[peerID] = make(map[uint32]bool)
	}
	b.subs[peerID][channel] = true
	b.mu.Unlock()

	b.ForEachStoredSince(channel, timeFrom, func(_ [32]byte, timePosted uint64, payload []byte) {
		p.Deliver(channel, timePosted, payload)
	})
}

// Unsubscribe implements peer.BbsSink.
func (b *Bbs) Unsubscribe(peerID chainid.PeerID, channel uint32) {
	b.mu.Lock()
	cli := b.clients[peerID]
	if b.subs[peerID] != nil {
		delete(b.subs[peerID], channel)
	}
	b.mu.Unlock()
	if cli != nil {
		if err := cli.Unsubscribe(topicFor(channel)); err != nil {
			b.log.WithError(err).Debug("failed unsubscribing from bbs channel")
		}
	}
}

// UnsubscribeAll implements peer.BbsSink: drop every subscription for a
// peer, e.g. on disconnect.
func (b *Bbs) UnsubscribeAll(peerID chainid.PeerID) {
	b.mu.Lock()
	cli := b.clients[peerID]
	delete(b.clients, peerID)
	delete(b.subs, peerID)
	b.mu.Unlock()
	if cli != nil {
		cli.Close()
	}
}

// ForEachStoredSince implements peer.BbsSink. channel == 0 matches every
// channel (the Bbs-capability handshake backfill in onConfig); a non-zero
// channel filters to it (Subscribe's per-channel backfill).
func (b *Bbs) ForEachStoredSince(channel uint32, timeFrom uint64, fn func(key [32]byte, timePosted uint64, payload []byte)) {
	b.mu.Lock()
	snapshot := make([]store.BbsEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if channel != 0 && e.Channel != channel {
			continue
		}
		if e.TimePosted < timeFrom {
			continue
		}
		snapshot = append(snapshot, e)
	}
	b.mu.Unlock()

	for _, e := range snapshot {
		fn(e.Key, e.TimePosted, e.Message)
	}
}

// RecommendedChannel implements peer.BbsSink: the smallest channel number
// whose population doesn't exceed the configured ideal (spec §4.9).
func (b *Bbs) RecommendedChannel() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := uint32(0); ; ch++ {
		if uint32(b.population[ch]) <= b.cfg.IdealChannelPopulation {
			return ch
		}
	}
}

func (b *Bbs) armCleanup() {
	if b.cfg.CleanupPeriodMs <= 0 {
		return
	}
	b.cleanupTimer = time.AfterFunc(time.Duration(b.cfg.CleanupPeriodMs)*time.Millisecond, b.runCleanup)
}

func (b *Bbs) runCleanup() {
	cutoff := uint64(now().Unix())
	if cutoff > uint64(b.cfg.MessageTimeoutS) {
		cutoff -= uint64(b.cfg.MessageTimeoutS)
	} else {
		cutoff = 0
	}

	b.mu.Lock()
	var stale []store.BbsEntry
	for k, e := range b.entries {
		if e.TimePosted < cutoff {
			stale = append(stale, e)
			delete(b.entries, k)
			b.population[e.Channel]--
		}
	}
	closed := b.closed
	b.mu.Unlock()

	for _, e := range stale {
		if err := b.db.DeleteBbs(e.Key); err != nil {
			b.log.WithError(err).Warn("failed deleting stale bbs entry")
		}
	}

	b.mu.Lock()
	if !closed {
		b.armCleanup()
	}
	b.mu.Unlock()
}

// Shutdown stops the cleanup sweep, closes every subscriber client, and
// tears down the local pub/sub router.
func (b *Bbs) Shutdown() {
	b.mu.Lock()
	b.closed = true
	if b.cleanupTimer != nil {
		b.cleanupTimer.Stop()
	}
	clients := make([]*client.Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[chainid.PeerID]*client.Client)
	b.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	b.pub.Close()
	b.router.Close()
}
