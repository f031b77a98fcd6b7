// Package chainid defines the opaque identifiers shared by every component:
// peer public keys and chain state references.
package chainid

import (
	"bytes"
	"encoding/hex"
)

// PeerIDSize is the length of a node's public-key identity, in bytes.
const PeerIDSize = 32

// PeerID is a node's public key, used as its network identity.
type PeerID [PeerIDSize]byte

// ZeroPeerID is the anonymous identity: a peer that has not yet authenticated.
var ZeroPeerID PeerID

// IsZero reports whether id is the anonymous identity.
func (id PeerID) IsZero() bool {
	return id == ZeroPeerID
}

// Cmp orders two PeerIDs lexicographically. Used by the duplicate-connection
// tiebreak: the side with the larger local ID keeps its session.
func (id PeerID) Cmp(other PeerID) int {
	return bytes.Compare(id[:], other[:])
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// StateID uniquely identifies a chain state: a height and the state hash at
// that height.
type StateID struct {
	Height uint64
	Hash   [32]byte
}

func (s StateID) String() string {
	return hex.EncodeToString(s.Hash[:8]) + "@" + itoa(s.Height)
}

func itoa(h uint64) string {
	if h == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for h > 0 {
		i--
		buf[i] = byte('0' + h%10)
		h /= 10
	}
	return string(buf[i:])
}

// Less orders two StateIDs by height then hash, used wherever a
// deterministic ordering is required (e.g. chainwork tiebreaks use height as
// the secondary key after chainwork itself).
func (s StateID) Less(o StateID) bool {
	if s.Height != o.Height {
		return s.Height < o.Height
	}
	return bytes.Compare(s.Hash[:], o.Hash[:]) < 0
}

// TaskKey is the unique key of a scheduler Task: a chain object identity
// plus whether it denotes a full block body (as opposed to a header).
type TaskKey struct {
	State   StateID
	IsBlock bool
}
