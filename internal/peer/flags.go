package peer

// Flags is the per-session bitset from spec §3.
type Flags uint16

const (
	FlagConnected Flags = 1 << iota
	FlagPiRcvd
	FlagOwner
	FlagProvenWorkReq
	FlagProvenWork
	FlagSyncPending
	FlagDontSync
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }
