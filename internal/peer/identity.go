package peer

import (
	"crypto/rand"

	"github.com/beamlabs/beamnode/internal/chainid"
	secp256k1 "github.com/kaspanet/go-secp256k1"
	"github.com/pkg/errors"
)

// Identity is the node's own keypair, used both as its PeerID and to sign
// the handshake challenge (spec §4.3 step 2). The EC math itself is an
// external collaborator per spec §1; this is a thin wrapper around it.
type Identity struct {
	priv *secp256k1.SchnorrKeyPair
	pub  *secp256k1.SchnorrPublicKey
	id   chainid.PeerID
}

// NewIdentity generates a fresh keypair.
func NewIdentity() (*Identity, error) {
	priv, err := secp256k1.GenerateSchnorrKeyPair()
	if err != nil {
		return nil, errors.Wrap(err, "generating node identity key")
	}
	pub, err := priv.SchnorrPublicKey()
	if err != nil {
		return nil, errors.Wrap(err, "deriving node identity public key")
	}
	return identityFromKeys(priv, pub)
}

// LoadIdentity reconstructs an Identity from a persisted private key.
func LoadIdentity(privBytes [32]byte) (*Identity, error) {
	serialized := secp256k1.SerializedPrivateKey(privBytes)
	priv, err := secp256k1.DeserializeSchnorrPrivateKey(&serialized)
	if err != nil {
		return nil, errors.Wrap(err, "loading node identity key")
	}
	pub, err := priv.SchnorrPublicKey()
	if err != nil {
		return nil, err
	}
	return identityFromKeys(priv, pub)
}

func identityFromKeys(priv *secp256k1.SchnorrKeyPair, pub *secp256k1.SchnorrPublicKey) (*Identity, error) {
	serialized, err := pub.Serialize()
	if err != nil {
		return nil, errors.Wrap(err, "serializing node identity public key")
	}
	var id chainid.PeerID
	copy(id[:], serialized[:])
	return &Identity{priv: priv, pub: pub, id: id}, nil
}

// PeerID returns this identity's public-key ID.
func (id *Identity) PeerID() chainid.PeerID { return id.id }

// Serialize returns the raw private key bytes, for persistence under the
// params-table `MyID` key (spec §6).
func (id *Identity) Serialize() ([32]byte, error) {
	b := id.priv.SerializePrivateKey()
	return [32]byte(*b), nil
}

// newChallenge returns a fresh random challenge to sign.
func newChallenge() ([32]byte, error) {
	var c [32]byte
	if _, err := rand.Read(c[:]); err != nil {
		return c, errors.Wrap(err, "generating challenge")
	}
	return c, nil
}

// signChallenge signs a 32-byte challenge with the node's private key.
func (id *Identity) signChallenge(challenge [32]byte) ([]byte, error) {
	hash := secp256k1.Hash(challenge)
	sig, err := id.priv.SchnorrSign(&hash)
	if err != nil {
		return nil, errors.Wrap(err, "signing handshake challenge")
	}
	serialized := sig.Serialize()
	return serialized[:], nil
}

// verifyChallenge checks a claimed peer's signature over the challenge we
// issued to them.
func verifyChallenge(claimedID chainid.PeerID, challenge [32]byte, sig []byte) error {
	pub, err := secp256k1.DeserializeSchnorrPubKey(claimedID[:])
	if err != nil {
		return errors.Wrap(err, "parsing claimed peer public key")
	}
	parsedSig, err := secp256k1.DeserializeSchnorrSignatureFromSlice(sig)
	if err != nil {
		return errors.Wrap(err, "parsing handshake signature")
	}
	hash := secp256k1.Hash(challenge)
	valid := pub.SchnorrVerify(&hash, parsedSig)
	if !valid {
		return errors.New("handshake signature does not verify")
	}
	return nil
}
