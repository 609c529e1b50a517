package p2p

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	libp2pCrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// loadOrGenerateKey loads the host's libp2p identity key from file,
// generating an Ed25519 key on first start. This is the transport
// identity, distinct from the validator signing identity.
func loadOrGenerateKey(keyFile string) (libp2pCrypto.PrivKey, error) {
	if _, err := os.Stat(keyFile); os.IsNotExist(err) {
		priv, _, err := libp2pCrypto.GenerateKeyPairWithReader(libp2pCrypto.Ed25519, -1, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}

		keyBytes, err := libp2pCrypto.MarshalPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal private key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
		if err := os.WriteFile(keyFile, keyBytes, 0600); err != nil {
			return nil, fmt.Errorf("failed to save key to file: %w", err)
		}
		return priv, nil
	}

	keyBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	priv, err := libp2pCrypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal private key: %w", err)
	}
	return priv, nil
}
