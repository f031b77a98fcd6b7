package peer

import (
	"io"

	"github.com/beamlabs/beamnode/internal/wire"
)

// Run pumps inbound messages until the connection closes or a handler
// decides to tear the session down. Spec §5: "per-peer messages are
// processed in receive order" — this loop is the single place that holds,
// so no two messages from the same peer are ever handled concurrently.
func (s *Session) Run() {
	defer s.DeleteSelf(false, wire.ByeUnspecified)

	for {
		msg, err := s.conn.Recv()
		if err != nil {
			if err != io.EOF {
				s.log.WithError(err).Debug("connection read error")
			}
			return
		}

		if err := s.handle(msg); err != nil {
			s.log.WithError(err).Warn("peer dispatch error, disconnecting")
			s.onDispatchError(err)
			return
		}
	}
}

func (s *Session) onDispatchError(err error) {
	switch {
	case isProtocolViolation(err) || isValidationFailure(err):
		id := s.ID()
		if !id.IsZero() {
			s.deps.Manager.Ban(id)
		}
		s.DeleteSelf(true, wire.ByeProtocolViolation)
	default:
		s.DeleteSelf(true, wire.ByeUnspecified)
	}
}

func isProtocolViolation(err error) bool { return errorsIs(err, ErrProtocolViolation) }
func isValidationFailure(err error) bool { return errorsIs(err, ErrValidationFailure) }

// handle routes one message to its handler. Expressed as a single type
// switch rather than per-message virtual dispatch, per spec §9's guidance
// to replace `OnMsg(X&&)` overloads with a tagged enum + match.
func (s *Session) handle(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.PeerInfoSelf:
		return s.onPeerInfoSelf(m)
	case *wire.Authentication:
		return s.onAuthentication(m)
	case *wire.Config:
		return s.onConfig(m)
	case *wire.Bye:
		s.DeleteSelf(false, wire.ByeUnspecified)
		return nil
	case *wire.Ping:
		return s.conn.Send(&wire.Pong{Nonce: m.Nonce})
	case *wire.Pong:
		return nil

	case *wire.NewTip:
		return s.onNewTip(m)
	case *wire.GetHdr:
		return s.onGetHdr(m)
	case *wire.Hdr:
		return s.onHdr(m)
	case *wire.GetHdrPack:
		return s.onGetHdrPack(m)
	case *wire.HdrPack:
		return s.onHdrPack(m)
	case *wire.GetBody:
		return s.onGetBody(m)
	case *wire.Body:
		return s.onBody(m)
	case *wire.DataMissing:
		return s.onDataMissing()

	case *wire.NewTransaction:
		return s.onNewTransaction(m)
	case *wire.HaveTransaction:
		return s.onHaveTransaction(m)
	case *wire.GetTransaction:
		return s.onGetTransaction(m)

	case *wire.BbsMsg:
		return s.onBbsMsg(m)
	case *wire.BbsHaveMsg:
		return s.onBbsHaveMsg(m)
	case *wire.BbsGetMsg:
		return s.onBbsGetMsg(m)
	case *wire.BbsSubscribe:
		return s.onBbsSubscribe(m)
	case *wire.BbsPickChannel:
		return s.conn.Send(&wire.BbsPickChannelRes{Channel: s.deps.Bbs.RecommendedChannel()})
	case *wire.BbsPickChannelRes:
		return nil

	case *wire.MacroblockGet:
		return s.onMacroblockGet(m)
	case *wire.Macroblock:
		return s.onMacroblock(m)

	case *wire.PeerInfo:
		return s.onPeerInfoGossip(m)

	case *wire.GetTime:
		return s.conn.Send(&wire.Time{UnixMs: now().UnixMilli()})
	case *wire.Time:
		return nil
	case *wire.GetExternalAddr:
		return s.conn.Send(&wire.ExternalAddr{IP: s.remoteAddr})
	case *wire.ExternalAddr:
		return nil

	case *wire.GetProofState, *wire.GetProofKernel, *wire.GetProofUtxo, *wire.GetProofChainWork:
		// Proof construction is delegated to the external chain-DB
		// collaborator (spec §1); this node core only routes the request.
		return nil
	case *wire.ProofState, *wire.ProofKernel, *wire.ProofUtxo, *wire.ProofChainWork:
		return s.onProofChainWork(msg)

	case *wire.GetMined, *wire.Mined:
		return nil

	default:
		return ErrProtocolViolation
	}
}

func errorsIs(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
