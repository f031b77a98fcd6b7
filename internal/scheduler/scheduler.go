// Package scheduler implements TaskScheduler (spec §4.2, component C2): it
// tracks which chain objects are missing, assigns them to eligible peers,
// and retries on failure or disconnection. Grounded on
// original_source/node/node.cpp's Node::Task/AssignTask/TryAssignTask/
// RefreshCongestions, re-expressed as an arena of owned Tasks keyed by a
// stable chainid.TaskKey instead of the source's intrusive boost lists.
package scheduler

import (
	"container/list"
	"sync"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// HdrPackMaxSize bounds a single header-pack request (spec's
// g_HdrPackMaxSize).
const HdrPackMaxSize = 128

// hdrPackThreshold is the height gap at/above which a header request is
// batched into a pack rather than sent singly (spec §4.2 step 1).
const hdrPackThreshold = 5

// RequestFunc is the callback a chain-gap Walker invokes per missing
// object; it is exactly the scheduler's own RequestData, handed to the
// walker so ownership of "what is missing" stays with the external
// processor collaborator (spec §1 scope).
type RequestFunc func(id chainid.StateID, isBlock bool, preferred *chainid.PeerID)

// Walker enumerates chain gaps, e.g. the external chain processor.
type Walker interface {
	EnumCongestions(request RequestFunc)
}

// Config carries the timeouts the scheduler arms on peers.
type Config struct {
	GetBlockMs int64
	GetStateMs int64
}

// Scheduler is TaskScheduler: the global registry of missing chain objects.
type Scheduler struct {
	mu sync.Mutex

	cfg    Config
	walker Walker
	log    *logrus.Entry

	tasks      map[chainid.TaskKey]*Task
	unassigned *list.List // of *Task

	peers     map[chainid.PeerID]Peer
	peerTasks map[chainid.PeerID]*list.List // of *Task, FIFO

	packHdrCount  int
	packBodyCount int

	myTipHeight uint64
	syncActive  bool
}

// New builds an empty Scheduler.
func New(cfg Config, walker Walker, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		walker:     walker,
		log:        log,
		tasks:      make(map[chainid.TaskKey]*Task),
		unassigned: list.New(),
		peers:      make(map[chainid.PeerID]Peer),
		peerTasks:  make(map[chainid.PeerID]*list.List),
	}
}

// SetMyTipHeight updates the local tip height used for pack-size decisions.
func (s *Scheduler) SetMyTipHeight(h uint64) {
	s.mu.Lock()
	s.myTipHeight = h
	s.mu.Unlock()
}

// SetSyncActive pauses (true) or resumes (false) congestion refresh, per
// spec's "sync controller ... normal congestion refresh is paused" rule.
func (s *Scheduler) SetSyncActive(active bool) {
	s.mu.Lock()
	s.syncActive = active
	s.mu.Unlock()
}

// RegisterPeer makes p eligible for task assignment.
func (s *Scheduler) RegisterPeer(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.ID()] = p
	s.peerTasks[p.ID()] = list.New()
}

// UnregisterPeer releases every task owned by p back to unassigned (or
// deletes it if no longer relevant), and forgets p. Mirrors
// Peer::DeleteSelf's "release all in-flight tasks" step (spec §4.3).
func (s *Scheduler) UnregisterPeer(id chainid.PeerID) {
	s.mu.Lock()
	tasks := s.peerTasks[id]
	delete(s.peers, id)
	delete(s.peerTasks, id)
	s.mu.Unlock()

	if tasks == nil {
		return
	}
	for el := tasks.Front(); el != nil; {
		t := el.Value.(*Task)
		next := el.Next()
		s.ReleaseTask(t)
		el = next
	}
}

// RequestData is the processor's "I need object X" entry point (spec §4.2).
func (s *Scheduler) RequestData(id chainid.StateID, isBlock bool, preferred *chainid.PeerID) {
	key := chainid.TaskKey{State: id, IsBlock: isBlock}

	s.mu.Lock()
	t, exists := s.tasks[key]
	if exists {
		t.Relevant = true
		s.mu.Unlock()
		return
	}

	t = &Task{Key: key, Relevant: true}
	s.tasks[key] = t
	s.unassigned.PushBack(t)
	s.mu.Unlock()

	s.tryAssignTask(t, preferred)
}

// RefreshCongestions implements spec §4.2's EnumCongestions -> Refresh
// cycle: clear relevant on all tasks, let the walker re-declare what's
// still needed, then delete every unassigned task nobody re-declared. An
// assigned task that was not re-declared stays with its peer and is deleted
// only when that peer releases it. Paused while sync is active.
func (s *Scheduler) RefreshCongestions() {
	s.mu.Lock()
	if s.syncActive {
		s.mu.Unlock()
		return
	}
	for _, t := range s.tasks {
		t.Relevant = false
	}
	s.mu.Unlock()

	if s.walker != nil {
		s.walker.EnumCongestions(s.RequestData)
	}

	s.mu.Lock()
	var toDelete []*Task
	for el := s.unassigned.Front(); el != nil; el = el.Next() {
		t := el.Value.(*Task)
		if !t.Relevant {
			toDelete = append(toDelete, t)
		}
	}
	for _, t := range toDelete {
		s.deleteUnassignedLocked(t)
	}
	s.mu.Unlock()
}

func (s *Scheduler) deleteUnassignedLocked(t *Task) {
	for el := s.unassigned.Front(); el != nil; el = el.Next() {
		if el.Value.(*Task) == t {
			s.unassigned.Remove(el)
			break
		}
	}
	delete(s.tasks, t.Key)
}

// shouldAssignTask implements spec §4.2's ShouldAssignTask predicate.
func (s *Scheduler) shouldAssignTask(t *Task, p Peer) bool {
	if !p.Authenticated() {
		return false
	}
	tip := p.Tip()
	if !(tip.Height > t.Key.State.Height || (tip.Height == t.Key.State.Height && tip.Hash == t.Key.State.Hash)) {
		return false
	}
	if p.IsRejected(t.Key) {
		return false
	}
	if t.Key.IsBlock && s.peerHasBlockTaskLocked(p.ID()) {
		return false
	}
	return true
}

func (s *Scheduler) peerHasBlockTaskLocked(id chainid.PeerID) bool {
	tasks, ok := s.peerTasks[id]
	if !ok {
		return false
	}
	for el := tasks.Front(); el != nil; el = el.Next() {
		if el.Value.(*Task).Key.IsBlock {
			return true
		}
	}
	return false
}

// tryAssignTask implements spec §4.2's TryAssignTask: try the preferred
// peer first, then scan all peers for the first eligible one, retrying
// against the next candidate if a send fails.
func (s *Scheduler) tryAssignTask(t *Task, preferred *chainid.PeerID) {
	s.mu.Lock()
	candidates := s.candidateOrderLocked(t, preferred)
	s.mu.Unlock()

	for _, p := range candidates {
		if err := s.assignTask(t, p); err != nil {
			s.log.WithError(err).WithField("peer", p.ID()).Warn("send failed while assigning task, trying next peer")
			continue
		}
		return
	}
}

func (s *Scheduler) candidateOrderLocked(t *Task, preferred *chainid.PeerID) []Peer {
	var ordered []Peer
	if preferred != nil {
		if p, ok := s.peers[*preferred]; ok && s.shouldAssignTask(t, p) {
			ordered = append(ordered, p)
		}
	}
	for id, p := range s.peers {
		if preferred != nil && id == *preferred {
			continue
		}
		if s.shouldAssignTask(t, p) {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// assignTask implements spec §4.2's AssignTask.
func (s *Scheduler) assignTask(t *Task, p Peer) error {
	s.mu.Lock()
	// Re-validate under lock: eligibility or pack-slot state may have
	// changed between candidate selection and now.
	if !s.shouldAssignTask(t, p) {
		s.mu.Unlock()
		return errors.New("peer no longer eligible")
	}

	isPack := false
	var packCount uint32
	if !t.Key.IsBlock && t.Key.State.Height >= s.myTipHeight+hdrPackThreshold {
		if s.packHdrCount > 0 {
			s.mu.Unlock()
			return errors.New("a header pack is already in flight")
		}
		isPack = true
		packCount = uint32(t.Key.State.Height - s.myTipHeight)
		if packCount > HdrPackMaxSize {
			packCount = HdrPackMaxSize
		}
	}
	if t.Key.IsBlock && s.packBodyCount > 0 {
		// Bodies are never packed in this design (spec: "Blocks are always
		// single"); packBodyCount exists for forward-compatible symmetry
		// with the header-pack slot and is never incremented today.
		_ = packCount
	}
	s.mu.Unlock()

	var err error
	switch {
	case t.Key.IsBlock:
		err = p.SendGetBody(t.Key.State)
	case isPack:
		err = p.SendGetHdrPack(t.Key.State, packCount)
	default:
		err = p.SendGetHdr(t.Key.State)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if isPack {
		t.IsPack = true
		s.packHdrCount++
	}
	t.assign(p.ID())
	s.removeFromUnassignedLocked(t)

	tasks := s.peerTasks[p.ID()]
	wasEmpty := tasks.Len() == 0
	tasks.PushBack(t)
	if wasEmpty {
		p.ArmTaskTimer(s.frontTimeout(t))
	}
	return nil
}

func (s *Scheduler) frontTimeout(t *Task) time.Duration {
	if t.Key.IsBlock {
		return time.Duration(s.cfg.GetBlockMs) * time.Millisecond
	}
	return time.Duration(s.cfg.GetStateMs) * time.Millisecond
}

func (s *Scheduler) removeFromUnassignedLocked(t *Task) {
	for el := s.unassigned.Front(); el != nil; el = el.Next() {
		if el.Value.(*Task) == t {
			s.unassigned.Remove(el)
			return
		}
	}
}

// ReleaseTask implements spec §4.2's ReleaseTask: called when a peer times
// out, errors, or delivers. Decrements the pack counter if applicable,
// returns the task to unassigned, and either reassigns it immediately (if
// still relevant) or deletes it.
func (s *Scheduler) ReleaseTask(t *Task) {
	s.mu.Lock()
	owner, hasOwner := t.Owner()
	if hasOwner {
		if tasks, ok := s.peerTasks[owner]; ok {
			s.removeFromPeerListLocked(tasks, t)
			if front := tasks.Front(); front != nil {
				frontTask := front.Value.(*Task)
				if p, ok := s.peers[owner]; ok {
					p.ArmTaskTimer(s.frontTimeout(frontTask))
				}
			} else if p, ok := s.peers[owner]; ok {
				p.DisarmTaskTimer()
			}
		}
		if t.IsPack {
			s.packHdrCount--
		}
	}
	t.unassign()

	relevant := t.Relevant
	if relevant {
		s.unassigned.PushBack(t)
	} else {
		delete(s.tasks, t.Key)
	}
	s.mu.Unlock()

	if relevant {
		s.tryAssignTask(t, nil)
	}
}

func (s *Scheduler) removeFromPeerListLocked(tasks *list.List, t *Task) {
	for el := tasks.Front(); el != nil; el = el.Next() {
		if el.Value.(*Task) == t {
			tasks.Remove(el)
			return
		}
	}
}

// OnFirstTaskDone is called once a peer's front task has been fully
// processed (accepted or invalid-but-tolerated); it releases the task and
// rearms the peer's timer for its new front (spec §4.3's dispatch rule).
func (s *Scheduler) OnFirstTaskDone(t *Task) {
	t.Relevant = false
	s.ReleaseTask(t)
}

// PeerFrontTask returns the task at the head of p's FIFO, if any. Used by
// the peer dispatcher to validate that an incoming response matches what
// was actually asked for.
func (s *Scheduler) PeerFrontTask(id chainid.PeerID) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, ok := s.peerTasks[id]
	if !ok || tasks.Len() == 0 {
		return nil, false
	}
	return tasks.Front().Value.(*Task), true
}

// Stats reports scheduler-wide counters, useful for tests and monitoring.
type Stats struct {
	Unassigned    int
	PackHdrCount  int
	PackBodyCount int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Unassigned:    s.unassigned.Len(),
		PackHdrCount:  s.packHdrCount,
		PackBodyCount: s.packBodyCount,
	}
}
