package identity

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Info holds a node's keypair and derived peer ID.
type Info struct {
	PrivateKey crypto.PrivKey
	PublicKey  crypto.PubKey
	PeerID     peer.ID
}

// Generate creates a fresh Ed25519 node identity.
func Generate() (*Info, error) {
	priv, pub, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
	if err != nil {
		return nil, err
	}

	peerID, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}

	return &Info{
		PrivateKey: priv,
		PublicKey:  pub,
		PeerID:     peerID,
	}, nil
}

// Save writes the private key to path with restrictive permissions.
func Save(info *Info, path string) error {
	data, err := crypto.MarshalPrivateKey(info.PrivateKey)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Load reads a previously saved private key.
func Load(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	priv, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity key: %w", err)
	}

	pub := priv.GetPublic()
	peerID, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}

	return &Info{
		PrivateKey: priv,
		PublicKey:  pub,
		PeerID:     peerID,
	}, nil
}

// LoadOrCreate loads the identity at path, generating and saving a new
// one if the file does not exist yet.
func LoadOrCreate(path string) (*Info, error) {
	if _, err := os.Stat(path); err == nil {
		if info, err := Load(path); err == nil {
			return info, nil
		}
	}

	info, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := Save(info, path); err != nil {
		return nil, err
	}
	return info, nil
}
