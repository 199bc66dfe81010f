package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrKeyNotFound    = errors.New("key not found in keyring")
	ErrActiveKeyUnset = errors.New("active master key identifier not set or found")
)

const (
	pbkdf2Iterations = 600_000
	derivedKID       = "derived-v1"
)

type MasterKey struct {
	KID      string `json:"kid"`
	Material string `json:"material"` // base64
}

// Keyring holds the master keys used to wrap per-credential DEKs. Keys are
// keyed by KID so old credentials stay readable after rotation.
type Keyring struct {
	keys      map[string][]byte
	activeKID string
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string][]byte)}
}

// LoadFromEnv populates the keyring from MASTER_KEYS (JSON array) and
// ACTIVE_MASTER_KID. When MASTER_KEYS is absent but MASTER_PASSPHRASE is set,
// a single key is derived with PBKDF2-SHA256, intended for development only.
func (k *Keyring) LoadFromEnv() error {
	keysJSON := os.Getenv("MASTER_KEYS")
	activeKID := os.Getenv("ACTIVE_MASTER_KID")

	if keysJSON == "" {
		if pass := os.Getenv("MASTER_PASSPHRASE"); pass != "" {
			k.keys = map[string][]byte{derivedKID: DeriveKey(pass)}
			k.activeKID = derivedKID
			return nil
		}
		return errors.New("MASTER_KEYS environment variable is empty")
	}
	if activeKID == "" {
		return errors.New("ACTIVE_MASTER_KID environment variable is empty")
	}

	var rawKeys []MasterKey
	if err := json.Unmarshal([]byte(keysJSON), &rawKeys); err != nil {
		return fmt.Errorf("failed to parse MASTER_KEYS: %w", err)
	}

	k.keys = make(map[string][]byte)
	for _, rk := range rawKeys {
		if rk.KID == "" {
			return errors.New("found master key with empty KID")
		}
		if _, exists := k.keys[rk.KID]; exists {
			return fmt.Errorf("duplicate master key KID: %s", rk.KID)
		}

		decoded, err := base64.StdEncoding.DecodeString(rk.Material)
		if err != nil {
			return fmt.Errorf("invalid base64 for key %s: %w", rk.KID, err)
		}
		if len(decoded) != 32 {
			return fmt.Errorf("invalid key length for %s: expected 32 bytes (AES-256), got %d", rk.KID, len(decoded))
		}
		k.keys[rk.KID] = decoded
	}

	if _, ok := k.keys[activeKID]; !ok {
		return fmt.Errorf("active key %s not found in MASTER_KEYS", activeKID)
	}
	k.activeKID = activeKID
	return nil
}

// WrapDEK encrypts a DEK with the active master key.
// Returns: masterKID, nonce, ciphertext, tag.
func (k *Keyring) WrapDEK(dek, aad []byte) (string, []byte, []byte, []byte, error) {
	if k.activeKID == "" {
		return "", nil, nil, nil, ErrActiveKeyUnset
	}
	masterKey, ok := k.keys[k.activeKID]
	if !ok {
		return "", nil, nil, nil, ErrActiveKeyUnset
	}

	nonce, ciphertext, tag, err := EncryptGCM(masterKey, dek, aad)
	if err != nil {
		return "", nil, nil, nil, err
	}
	return k.activeKID, nonce, ciphertext, tag, nil
}

// UnwrapDEK decrypts a wrapped DEK using the master key named by kid.
func (k *Keyring) UnwrapDEK(kid string, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	masterKey, ok := k.keys[kid]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return DecryptGCM(masterKey, nonce, ciphertext, tag, aad)
}

// GenerateDEK creates a random 32-byte data encryption key.
func GenerateDEK() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveKey stretches a passphrase into a 32-byte key. The salt is fixed:
// derived keys exist so a dev box works without provisioning MASTER_KEYS, not
// to resist offline attack.
func DeriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte("ts-relay.credential.v1"), pbkdf2Iterations, 32, sha256.New)
}
