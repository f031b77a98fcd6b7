package wire

import "github.com/beamlabs/beamnode/internal/chainid"

// AuthType distinguishes a node-identity handshake from an owner-credential
// one (spec §4.3).
type AuthType uint8

const (
	AuthNode AuthType = iota
	AuthOwner
)

// ByeReason explains a disconnect (spec §7).
type ByeReason uint8

const (
	ByeUnspecified ByeReason = iota
	ByeLoopback
	ByeDuplicate
	ByeBan
	ByeIncompatible
	ByeTimeout
	ByeProtocolViolation
)

// StateDescriptor mirrors the wire-level description of a chain state.
type StateDescriptor struct {
	ID         chainid.StateID
	ChainWork  []byte // big-endian cumulative work, opaque beyond comparison
}

// --- Handshake ---

type PeerInfoSelf struct{ Port uint16 }

func (*PeerInfoSelf) Type() MessageType { return MsgPeerInfoSelf }

type Authentication struct {
	ID        chainid.PeerID
	AuthType  AuthType
	Challenge [32]byte
	Sig       []byte
}

func (*Authentication) Type() MessageType { return MsgAuthentication }

// --- Session ---

type Config struct {
	CfgChecksum        [32]byte
	SpreadingTx        bool
	Bbs                bool
	SendPeers          bool
}

func (*Config) Type() MessageType { return MsgConfig }

type Bye struct{ Reason ByeReason }

func (*Bye) Type() MessageType { return MsgBye }

type Ping struct{ Nonce uint64 }

func (*Ping) Type() MessageType { return MsgPing }

type Pong struct{ Nonce uint64 }

func (*Pong) Type() MessageType { return MsgPong }

// --- Chain ---

type NewTip struct{ Descriptor StateDescriptor }

func (*NewTip) Type() MessageType { return MsgNewTip }

type GetHdr struct{ ID chainid.StateID }

func (*GetHdr) Type() MessageType { return MsgGetHdr }

type Hdr struct{ Descriptor StateDescriptor }

func (*Hdr) Type() MessageType { return MsgHdr }

type GetHdrPack struct {
	Top   chainid.StateID
	Count uint32
}

func (*GetHdrPack) Type() MessageType { return MsgGetHdrPack }

type HdrPack struct {
	Prefix   chainid.StateID
	Elements []StateDescriptor
}

func (*HdrPack) Type() MessageType { return MsgHdrPack }

type GetBody struct{ ID chainid.StateID }

func (*GetBody) Type() MessageType { return MsgGetBody }

type Body struct{ Buffer []byte }

func (*Body) Type() MessageType { return MsgBody }

type DataMissing struct{}

func (*DataMissing) Type() MessageType { return MsgDataMissing }

// --- Proofs ---

type GetProofState struct{ Height uint64 }

func (*GetProofState) Type() MessageType { return MsgGetProofState }

type ProofState struct{ Proof []byte }

func (*ProofState) Type() MessageType { return MsgProofState }

type GetProofKernel struct{ ID [32]byte }

func (*GetProofKernel) Type() MessageType { return MsgGetProofKernel }

type ProofKernel struct{ Proof []byte }

func (*ProofKernel) Type() MessageType { return MsgProofKernel }

type GetProofUtxo struct {
	Commitment  []byte
	MaturityMin uint64
}

func (*GetProofUtxo) Type() MessageType { return MsgGetProofUtxo }

type ProofUtxo struct{ Proofs [][]byte }

func (*ProofUtxo) Type() MessageType { return MsgProofUtxo }

type GetProofChainWork struct{ LowerBound uint64 }

func (*GetProofChainWork) Type() MessageType { return MsgGetProofChainWork }

type ProofChainWork struct{ Cwp []byte }

func (*ProofChainWork) Type() MessageType { return MsgProofChainWork }

// --- Transactions ---

type NewTransaction struct {
	Tx    []byte
	Fluff bool
}

func (*NewTransaction) Type() MessageType { return MsgNewTransaction }

type HaveTransaction struct{ ID [32]byte }

func (*HaveTransaction) Type() MessageType { return MsgHaveTransaction }

type GetTransaction struct{ ID [32]byte }

func (*GetTransaction) Type() MessageType { return MsgGetTransaction }

// --- BBS ---

type BbsMsg struct {
	Channel    uint32
	TimePosted uint64
	Message    []byte
}

func (*BbsMsg) Type() MessageType { return MsgBbsMsg }

type BbsHaveMsg struct{ Key [32]byte }

func (*BbsHaveMsg) Type() MessageType { return MsgBbsHaveMsg }

type BbsGetMsg struct{ Key [32]byte }

func (*BbsGetMsg) Type() MessageType { return MsgBbsGetMsg }

type BbsSubscribe struct {
	Channel  uint32
	TimeFrom uint64
	On       bool
}

func (*BbsSubscribe) Type() MessageType { return MsgBbsSubscribe }

type BbsPickChannel struct{}

func (*BbsPickChannel) Type() MessageType { return MsgBbsPickChannel }

type BbsPickChannelRes struct{ Channel uint32 }

func (*BbsPickChannelRes) Type() MessageType { return MsgBbsPickChannelRes }

// --- Sync ---

type MacroblockGet struct {
	ID     chainid.StateID
	Data   uint8
	Offset uint64
}

func (*MacroblockGet) Type() MessageType { return MsgMacroblockGet }

type Macroblock struct {
	ID      chainid.StateID
	Data    uint8
	Portion []byte
}

func (*Macroblock) Type() MessageType { return MsgMacroblock }

// --- Peer gossip ---

type PeerInfo struct {
	ID       chainid.PeerID
	LastAddr string
}

func (*PeerInfo) Type() MessageType { return MsgPeerInfo }

// --- Misc ---

type GetTime struct{}

func (*GetTime) Type() MessageType { return MsgGetTime }

type Time struct{ UnixMs int64 }

func (*Time) Type() MessageType { return MsgTime }

type GetExternalAddr struct{}

func (*GetExternalAddr) Type() MessageType { return MsgGetExternalAddr }

type ExternalAddr struct{ IP string }

func (*ExternalAddr) Type() MessageType { return MsgExternalAddr }

type GetMined struct{ HeightMin uint64 }

func (*GetMined) Type() MessageType { return MsgGetMined }

type MinedEntry struct {
	Height  uint64
	Hash    [32]byte
	IsValid bool
}

type Mined struct{ Entries []MinedEntry }

func (*Mined) Type() MessageType { return MsgMined }
