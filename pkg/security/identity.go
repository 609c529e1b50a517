package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Key derivation parameters
	pbkdfIterations = 100000
	saltLength      = 32
	keyLength       = 32

	// addressLength is the hex length of a validator address derived from
	// its public key.
	addressLength = 40
)

var (
	ErrKeyFileCorrupt = errors.New("key file corrupt or wrong passphrase")
	ErrNoPrivateKey   = errors.New("private key not available")
)

// ValidatorIdentity is this node's signing identity. The address every
// other node knows the validator by is derived from the public key, so a
// vote's signature and its claimed sender verify against the same bytes.
type ValidatorIdentity struct {
	address    string
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// NewValidatorIdentity generates a fresh Ed25519 identity.
func NewValidatorIdentity() (*ValidatorIdentity, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	return &ValidatorIdentity{
		address:    DeriveAddress(publicKey),
		publicKey:  publicKey,
		privateKey: privateKey,
	}, nil
}

// DeriveAddress maps a public key to its validator address.
func DeriveAddress(publicKey []byte) string {
	hash := sha256.Sum256(publicKey)
	return hex.EncodeToString(hash[:])[:addressLength]
}

// Address returns the validator address for this identity.
func (vi *ValidatorIdentity) Address() string { return vi.address }

// PublicKey returns the raw public key bytes.
func (vi *ValidatorIdentity) PublicKey() []byte { return vi.publicKey }

// Sign signs a payload with the identity's private key.
func (vi *ValidatorIdentity) Sign(payload []byte) ([]byte, error) {
	if len(vi.privateKey) == 0 {
		return nil, ErrNoPrivateKey
	}
	return ed25519.Sign(vi.privateKey, payload), nil
}

// Ed25519Verifier verifies vote signatures against claimed sender
// identities.
type Ed25519Verifier struct{}

// Verify checks a signature over a payload.
func (Ed25519Verifier) Verify(payload, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, payload, signature)
}

// AddressMatchesKey reports whether a public key derives the claimed
// address.
func (Ed25519Verifier) AddressMatchesKey(address string, publicKey []byte) bool {
	return DeriveAddress(publicKey) == address
}

// SaveKeyFile writes the identity's private key encrypted with a key
// derived from the passphrase. File layout: salt, GCM nonce, ciphertext.
func (vi *ValidatorIdentity) SaveKeyFile(path string, passphrase []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	aead, err := newAEAD(deriveKey(passphrase, salt))
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	payload := append(append(salt, nonce...), aead.Seal(nil, nonce, vi.privateKey, nil)...)
	if err := os.WriteFile(path, payload, 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// LoadKeyFile decrypts a stored identity.
func LoadKeyFile(path string, passphrase []byte) (*ValidatorIdentity, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	if len(payload) < saltLength {
		return nil, ErrKeyFileCorrupt
	}

	salt := payload[:saltLength]
	aead, err := newAEAD(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	rest := payload[saltLength:]
	if len(rest) < aead.NonceSize() {
		return nil, ErrKeyFileCorrupt
	}

	privateKey, err := aead.Open(nil, rest[:aead.NonceSize()], rest[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrKeyFileCorrupt
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, ErrKeyFileCorrupt
	}

	key := ed25519.PrivateKey(privateKey)
	publicKey := key.Public().(ed25519.PublicKey)
	return &ValidatorIdentity{
		address:    DeriveAddress(publicKey),
		publicKey:  publicKey,
		privateKey: key,
	}, nil
}

// LoadOrCreateIdentity loads the identity at path, generating and saving a
// new one on first start.
func LoadOrCreateIdentity(path string, passphrase []byte) (*ValidatorIdentity, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadKeyFile(path, passphrase)
	}

	identity, err := NewValidatorIdentity()
	if err != nil {
		return nil, err
	}
	if err := identity.SaveKeyFile(path, passphrase); err != nil {
		return nil, err
	}
	return identity, nil
}

func deriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, pbkdfIterations, keyLength, sha256.New)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
