package scheduler

import "github.com/beamlabs/beamnode/internal/chainid"

// Task represents "we want this chain object from some peer" (spec §3/§4.2).
// Ownership is tracked by a stable PeerID rather than a pointer, per spec §9's
// guidance to replace intrusive cyclic ownership with arena + stable ids.
type Task struct {
	Key      chainid.TaskKey
	Relevant bool
	IsPack   bool

	hasOwner bool
	owner    chainid.PeerID
}

// Owner returns the responsible peer and true, or the zero value and false
// if the task is currently unassigned.
func (t *Task) Owner() (chainid.PeerID, bool) {
	return t.owner, t.hasOwner
}

func (t *Task) assign(p chainid.PeerID) {
	t.owner = p
	t.hasOwner = true
}

func (t *Task) unassign() {
	t.owner = chainid.PeerID{}
	t.hasOwner = false
	t.IsPack = false
}
