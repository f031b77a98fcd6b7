package peer

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/sirupsen/logrus"
)

// Rating deltas (spec §4.4's "well-defined constants").
const (
	RewardHeader  uint32 = 1
	RewardBlock   uint32 = 20
	RewardTx      uint32 = 1
	PenaltyTimeout uint32 = 5
	PenaltyRemoteError uint32 = 5
	PenaltyProtocolViolation uint32 = 100
	InitialRating uint32 = 100
	BannedRating  uint32 = 0
)

// Store persists the peer table (spec §6: "peers table (id, address_u64,
// rating, last_seen)"). Implemented by internal/store against goleveldb.
type Store interface {
	SavePeers(infos []PersistedPeerInfo) error
	LoadPeers() ([]PersistedPeerInfo, error)
}

// PersistedPeerInfo is the on-disk shape of one PeerManager entry.
type PersistedPeerInfo struct {
	ID       chainid.PeerID
	Address  string
	Rating   uint32
	LastSeen time.Time
}

// Info is PeerManager's record of a known peer (spec §3's PeerInfo).
type Info struct {
	ID         chainid.PeerID
	Address    string
	Rating     uint32
	LastSeen   time.Time
	Live       *Session // nil if not currently connected
	Active     bool
}

// Banned reports whether this peer's rating has hit zero.
func (i *Info) Banned() bool { return i.Rating == BannedRating }

// ManagerConfig carries PeerManager's tunables (spec §6).
type ManagerConfig struct {
	PeersUpdateMs  int64
	ActiveQuorum   int
}

// Manager is PeerManager (spec §4.4): an ordered-by-rating registry plus a
// by-ID lookup, rating arithmetic, activation policy, and persistence.
type Manager struct {
	mu sync.Mutex

	cfg   ManagerConfig
	store Store
	log   *logrus.Entry

	byID map[chainid.PeerID]*Info
}

// NewManager builds an empty Manager; call LoadFromStore to seed it.
func NewManager(cfg ManagerConfig, store Store, log *logrus.Entry) *Manager {
	return &Manager{cfg: cfg, store: store, log: log, byID: make(map[chainid.PeerID]*Info)}
}

// LoadFromStore restores the peer table from persisted state.
func (m *Manager) LoadFromStore() error {
	persisted, err := m.store.LoadPeers()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range persisted {
		m.byID[p.ID] = &Info{ID: p.ID, Address: p.Address, Rating: p.Rating, LastSeen: p.LastSeen}
	}
	return nil
}

// Flush persists the full peer table within one transaction-shaped write,
// per spec §4.4.
func (m *Manager) Flush() error {
	m.mu.Lock()
	out := make([]PersistedPeerInfo, 0, len(m.byID))
	for _, info := range m.byID {
		out = append(out, PersistedPeerInfo{ID: info.ID, Address: info.Address, Rating: info.Rating, LastSeen: info.LastSeen})
	}
	m.mu.Unlock()
	return m.store.SavePeers(out)
}

// OnPeer implements spec §4.4's merge-or-create: an observed (id, addr)
// pair updates or creates the PeerInfo entry, clearing any other entry that
// previously claimed the same address.
func (m *Manager) OnPeer(id chainid.PeerID, addr string, addrValid bool) *Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, exists := m.byID[id]
	if addrValid && (!exists || info.Address != addr) {
		for otherID, other := range m.byID {
			if otherID != id && other.Address == addr {
				other.Address = ""
			}
		}
	}
	if !exists {
		info = &Info{ID: id, Address: addr, Rating: InitialRating, LastSeen: now()}
		m.byID[id] = info
		return info
	}

	if addrValid && info.Address != addr {
		info.Address = addr
	}
	return info
}

// Lookup returns the Info for id, if known.
func (m *Manager) Lookup(id chainid.PeerID) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.byID[id]
	return info, ok
}

// ModifyRating implements spec §4.4's ModifyRating: saturating arithmetic,
// 0 sticky as "banned."
func (m *Manager) ModifyRating(id chainid.PeerID, delta uint32, up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.byID[id]
	if !ok {
		return
	}
	if info.Rating == BannedRating {
		return // already banned; stays banned
	}
	if up {
		if info.Rating > ^uint32(0)-delta {
			info.Rating = ^uint32(0)
		} else {
			info.Rating += delta
		}
	} else {
		if delta >= info.Rating {
			info.Rating = BannedRating
		} else {
			info.Rating -= delta
		}
	}
}

// Ban forces a peer's rating to zero.
func (m *Manager) Ban(id chainid.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.byID[id]; ok {
		info.Rating = BannedRating
	}
}

// TopByRating returns up to n non-banned, non-self peers ordered by
// descending rating, for peer-gossip (spec §4.3's SendPeers backfill).
func (m *Manager) TopByRating(n int, exclude chainid.PeerID) []Info {
	m.mu.Lock()
	all := make([]Info, 0, len(m.byID))
	for _, info := range m.byID {
		if info.ID == exclude || info.Banned() {
			continue
		}
		all = append(all, *info)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Rating > all[j].Rating })
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// UpdateActivation implements spec §4.4: activate the highest-rated
// inactive peers up to the configured quorum, deactivating the rest.
func (m *Manager) UpdateActivation() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]chainid.PeerID, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b chainid.PeerID) int {
		ra, rb := m.byID[a].Rating, m.byID[b].Rating
		switch {
		case ra > rb:
			return -1
		case ra < rb:
			return 1
		default:
			return 0
		}
	})

	activated := 0
	for _, id := range ids {
		info := m.byID[id]
		if info.Banned() {
			info.Active = false
			continue
		}
		if activated < m.cfg.ActiveQuorum {
			info.Active = true
			activated++
		} else {
			info.Active = false
		}
	}
}

// AttachLive records that a Session is now the live connection for id.
func (m *Manager) AttachLive(id chainid.PeerID, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.byID[id]; ok {
		info.Live = s
		info.LastSeen = now()
	}
}

// DetachLive clears the live connection for id if s is still the one
// attached (guards against a stale detach racing a newer attach).
func (m *Manager) DetachLive(id chainid.PeerID, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.byID[id]; ok && info.Live == s {
		info.Live = nil
	}
}

// Live returns the currently-connected Session for id, if any.
func (m *Manager) Live(id chainid.PeerID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.byID[id]
	if !ok || info.Live == nil {
		return nil, false
	}
	return info.Live, true
}

// LiveSessions returns every currently-connected Session, for shutdown.
func (m *Manager) LiveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byID))
	for _, info := range m.byID {
		if info.Live != nil {
			out = append(out, info.Live)
		}
	}
	return out
}
