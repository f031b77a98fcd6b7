// Package wire defines the node's typed, length-delimited wire protocol
// (spec §6): a 4-byte big-endian length prefix, a 1-byte message-type tag,
// and a github.com/ugorji/go/codec msgpack-encoded body. This mirrors the
// split between kaspad's wire (message types) and netadapter/router
// (framed transport) packages, but with a concrete codec instead of
// hand-written binary marshalling per message.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
)

// MessageType tags every wire message.
type MessageType uint8

const (
	MsgPeerInfoSelf MessageType = iota + 1
	MsgAuthentication
	MsgConfig
	MsgBye
	MsgPing
	MsgPong
	MsgNewTip
	MsgGetHdr
	MsgHdr
	MsgGetHdrPack
	MsgHdrPack
	MsgGetBody
	MsgBody
	MsgDataMissing
	MsgGetProofState
	MsgProofState
	MsgGetProofKernel
	MsgProofKernel
	MsgGetProofUtxo
	MsgProofUtxo
	MsgGetProofChainWork
	MsgProofChainWork
	MsgNewTransaction
	MsgHaveTransaction
	MsgGetTransaction
	MsgBbsMsg
	MsgBbsHaveMsg
	MsgBbsGetMsg
	MsgBbsSubscribe
	MsgBbsPickChannel
	MsgBbsPickChannelRes
	MsgMacroblockGet
	MsgMacroblock
	MsgPeerInfo
	MsgGetTime
	MsgTime
	MsgGetExternalAddr
	MsgExternalAddr
	MsgGetMined
	MsgMined
)

// EntriesMax bounds the number of entries any *Pack/*Proofs/Mined response
// may carry in a single message (spec §6 "s_EntriesMax").
const EntriesMax = 64

// Message is implemented by every concrete message body.
type Message interface {
	Type() MessageType
}

var mh codec.MsgpackHandle

// Encode frames a single message: length prefix + type byte + codec body.
func Encode(w io.Writer, m Message) error {
	var body []byte
	enc := codec.NewEncoderBytes(&body, &mh)
	if err := enc.Encode(m); err != nil {
		return errors.Wrap(err, "encoding message body")
	}

	frame := make([]byte, 5+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)+1))
	frame[4] = byte(m.Type())
	copy(frame[5:], body)

	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, "writing frame")
	}
	return nil
}

// MaxFrameBytes bounds a single decoded frame to defend against a malicious
// peer advertising an enormous length prefix.
const MaxFrameBytes = 32 * 1024 * 1024

// Decode reads one framed message and returns its concrete, typed body.
func Decode(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameBytes {
		return nil, errors.Errorf("invalid frame length %d", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "reading frame body")
	}

	typ := MessageType(buf[0])
	body := buf[1:]

	msg, err := newMessage(typ)
	if err != nil {
		return nil, err
	}

	dec := codec.NewDecoderBytes(body, &mh)
	if err := dec.Decode(msg); err != nil {
		return nil, errors.Wrapf(err, "decoding message type %d", typ)
	}
	return msg, nil
}

func newMessage(t MessageType) (Message, error) {
	switch t {
	case MsgPeerInfoSelf:
		return &PeerInfoSelf{}, nil
	case MsgAuthentication:
		return &Authentication{}, nil
	case MsgConfig:
		return &Config{}, nil
	case MsgBye:
		return &Bye{}, nil
	case MsgPing:
		return &Ping{}, nil
	case MsgPong:
		return &Pong{}, nil
	case MsgNewTip:
		return &NewTip{}, nil
	case MsgGetHdr:
		return &GetHdr{}, nil
	case MsgHdr:
		return &Hdr{}, nil
	case MsgGetHdrPack:
		return &GetHdrPack{}, nil
	case MsgHdrPack:
		return &HdrPack{}, nil
	case MsgGetBody:
		return &GetBody{}, nil
	case MsgBody:
		return &Body{}, nil
	case MsgDataMissing:
		return &DataMissing{}, nil
	case MsgGetProofState:
		return &GetProofState{}, nil
	case MsgProofState:
		return &ProofState{}, nil
	case MsgGetProofKernel:
		return &GetProofKernel{}, nil
	case MsgProofKernel:
		return &ProofKernel{}, nil
	case MsgGetProofUtxo:
		return &GetProofUtxo{}, nil
	case MsgProofUtxo:
		return &ProofUtxo{}, nil
	case MsgGetProofChainWork:
		return &GetProofChainWork{}, nil
	case MsgProofChainWork:
		return &ProofChainWork{}, nil
	case MsgNewTransaction:
		return &NewTransaction{}, nil
	case MsgHaveTransaction:
		return &HaveTransaction{}, nil
	case MsgGetTransaction:
		return &GetTransaction{}, nil
	case MsgBbsMsg:
		return &BbsMsg{}, nil
	case MsgBbsHaveMsg:
		return &BbsHaveMsg{}, nil
	case MsgBbsGetMsg:
		return &BbsGetMsg{}, nil
	case MsgBbsSubscribe:
		return &BbsSubscribe{}, nil
	case MsgBbsPickChannel:
		return &BbsPickChannel{}, nil
	case MsgBbsPickChannelRes:
		return &BbsPickChannelRes{}, nil
	case MsgMacroblockGet:
		return &MacroblockGet{}, nil
	case MsgMacroblock:
		return &Macroblock{}, nil
	case MsgPeerInfo:
		return &PeerInfo{}, nil
	case MsgGetTime:
		return &GetTime{}, nil
	case MsgTime:
		return &Time{}, nil
	case MsgGetExternalAddr:
		return &GetExternalAddr{}, nil
	case MsgExternalAddr:
		return &ExternalAddr{}, nil
	case MsgGetMined:
		return &GetMined{}, nil
	case MsgMined:
		return &Mined{}, nil
	default:
		return nil, errors.Errorf("unknown message type %d", t)
	}
}
