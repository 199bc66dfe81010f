package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-relay/internal/crypto"
	"github.com/technosupport/ts-relay/internal/data"
)

// Credentials is a camera login in plaintext, only ever held in
// memory.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Store wraps the persistence models with credential envelope
// handling and per-camera write serialization.
type Store struct {
	Cameras     data.CameraModel
	Credentials data.CredentialModel
	Publish     data.PublishModel

	keyring   *crypto.Keyring
	credCache *lru.Cache[uuid.UUID, Credentials]

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewStore builds a Store over one database handle.
func NewStore(db data.DBTX, keyring *crypto.Keyring) *Store {
	cache, _ := lru.New[uuid.UUID, Credentials](256)
	return &Store{
		Cameras:     data.CameraModel{DB: db},
		Credentials: data.CredentialModel{DB: db},
		Publish:     data.PublishModel{DB: db},
		keyring:     keyring,
		credCache:   cache,
		locks:       make(map[uuid.UUID]*sync.Mutex),
	}
}

// CameraLock returns the mutex serializing state transitions for one
// camera. All orchestrator writes for a camera happen under it.
func (s *Store) CameraLock(cameraID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[cameraID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[cameraID] = l
	}
	return l
}

// credentialAAD binds a credential envelope to its camera row so a
// ciphertext copied onto another row fails to decrypt.
func credentialAAD(cameraID uuid.UUID) []byte {
	return []byte("camera-credential:" + cameraID.String())
}

// GetCredentials decrypts the stored login for a camera. Decrypted
// values are cached; UpdateCredentials invalidates the entry.
func (s *Store) GetCredentials(ctx context.Context, cameraID uuid.UUID) (Credentials, error) {
	if c, ok := s.credCache.Get(cameraID); ok {
		return c, nil
	}

	rec, err := s.Credentials.Get(ctx, cameraID)
	if err != nil {
		return Credentials{}, err
	}

	aad := credentialAAD(cameraID)
	dek, err := s.keyring.UnwrapDEK(rec.MasterKID, rec.DEKNonce, rec.DEKCiphertext, rec.DEKTag, aad)
	if err != nil {
		return Credentials{}, fmt.Errorf("unwrapping DEK for camera %s: %w", cameraID, err)
	}
	plain, err := crypto.DecryptGCM(dek, rec.DataNonce, rec.DataCiphertext, rec.DataTag, aad)
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypting credentials for camera %s: %w", cameraID, err)
	}

	var c Credentials
	if err := json.Unmarshal(plain, &c); err != nil {
		return Credentials{}, fmt.Errorf("decoding credentials for camera %s: %w", cameraID, err)
	}
	s.credCache.Add(cameraID, c)
	return c, nil
}

// UpdateCredentials encrypts and stores a camera login under a fresh
// DEK wrapped by the active master key.
func (s *Store) UpdateCredentials(ctx context.Context, cameraID uuid.UUID, c Credentials) error {
	plain, err := json.Marshal(c)
	if err != nil {
		return err
	}

	dek, err := crypto.GenerateDEK()
	if err != nil {
		return err
	}
	aad := credentialAAD(cameraID)

	kid, dekNonce, dekCT, dekTag, err := s.keyring.WrapDEK(dek, aad)
	if err != nil {
		return err
	}
	dataNonce, dataCT, dataTag, err := crypto.EncryptGCM(dek, plain, aad)
	if err != nil {
		return err
	}

	rec := &data.CameraCredential{
		CameraID:       cameraID,
		MasterKID:      kid,
		DEKNonce:       dekNonce,
		DEKCiphertext:  dekCT,
		DEKTag:         dekTag,
		DataNonce:      dataNonce,
		DataCiphertext: dataCT,
		DataTag:        dataTag,
	}
	if err := s.Credentials.Upsert(ctx, rec); err != nil {
		return err
	}
	s.credCache.Remove(cameraID)
	return nil
}
