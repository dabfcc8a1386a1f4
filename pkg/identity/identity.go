package identity

import (
	"crypto/rand"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is the process-lifetime keypair and its derived peer address.
// It is generated fresh on every start and never persisted.
type Identity struct {
	priv crypto.PrivKey
	id   peer.ID
}

// Generate creates a fresh ed25519 keypair and derives the peer ID from
// its public half. Failure to source randomness is fatal to startup, so
// callers should treat an error here as unrecoverable.
func Generate() (*Identity, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	return &Identity{priv: priv, id: id}, nil
}

// PrivKey returns the private key for host construction.
func (i *Identity) PrivKey() crypto.PrivKey { return i.priv }

// PeerID returns the derived libp2p peer ID.
func (i *Identity) PeerID() peer.ID { return i.id }

// Address is the stable textual form of the peer ID. All addressing and
// receiver comparisons in the protocol use this exact string.
func (i *Identity) Address() string { return i.id.String() }
