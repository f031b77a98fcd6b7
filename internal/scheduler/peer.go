package scheduler

import (
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
)

// Peer is the narrow view TaskScheduler needs of a PeerSession. Defined by
// the consumer (scheduler) rather than the implementer (internal/peer), the
// idiomatic Go way to avoid the scheduler<->peer import cycle that spec §9
// calls out as cyclic ownership in the source.
type Peer interface {
	ID() chainid.PeerID
	Tip() chainid.StateID
	Authenticated() bool
	IsRejected(key chainid.TaskKey) bool

	SendGetHdr(id chainid.StateID) error
	SendGetHdrPack(top chainid.StateID, count uint32) error
	SendGetBody(id chainid.StateID) error

	// ArmTaskTimer (re)starts the peer's front-of-queue timer for d.
	// DisarmTaskTimer stops it. The scheduler calls these whenever the
	// front of a peer's task list changes.
	ArmTaskTimer(d time.Duration)
	DisarmTaskTimer()
}
