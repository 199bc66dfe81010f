package crypto_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/technosupport/ts-relay/internal/crypto"
)

func TestAESGCM_RoundTrip(t *testing.T) {
	key, _ := crypto.GenerateDEK()
	plaintext := []byte(`{"username":"admin","password":"secret"}`)
	aad := []byte("camera-ctx")

	nonce, ciphertext, tag, err := crypto.EncryptGCM(key, plaintext, aad)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	decrypted, err := crypto.DecryptGCM(key, nonce, ciphertext, tag, aad)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Error("Decrypted text mismatch")
	}
}

func TestAESGCM_AADMismatch(t *testing.T) {
	key, _ := crypto.GenerateDEK()
	nonce, ciphertext, tag, _ := crypto.EncryptGCM(key, []byte("secret"), []byte("valid-aad"))

	if _, err := crypto.DecryptGCM(key, nonce, ciphertext, tag, []byte("invalid-aad")); err == nil {
		t.Error("Expected error with wrong AAD")
	}
}

func TestAESGCM_Tamper(t *testing.T) {
	key, _ := crypto.GenerateDEK()
	nonce, ciphertext, tag, _ := crypto.EncryptGCM(key, []byte("secret"), nil)

	ciphertext[0] ^= 0xFF
	if _, err := crypto.DecryptGCM(key, nonce, ciphertext, tag, nil); err == nil {
		t.Error("Expected error on ciphertext tamper")
	}
	ciphertext[0] ^= 0xFF

	tag[0] ^= 0xFF
	if _, err := crypto.DecryptGCM(key, nonce, ciphertext, tag, nil); err == nil {
		t.Error("Expected error on tag tamper")
	}
}

func TestKeyring_WrapUnwrap(t *testing.T) {
	material := make([]byte, 32)
	for i := range material {
		material[i] = byte(i)
	}
	keysJSON, _ := json.Marshal([]crypto.MasterKey{
		{KID: "k1", Material: base64.StdEncoding.EncodeToString(material)},
	})
	t.Setenv("MASTER_KEYS", string(keysJSON))
	t.Setenv("ACTIVE_MASTER_KID", "k1")

	kr := crypto.NewKeyring()
	if err := kr.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	dek, _ := crypto.GenerateDEK()
	aad := []byte("ctx")

	kid, nonce, ct, tag, err := kr.WrapDEK(dek, aad)
	if err != nil {
		t.Fatalf("WrapDEK failed: %v", err)
	}
	if kid != "k1" {
		t.Errorf("expected kid k1, got %s", kid)
	}

	got, err := kr.UnwrapDEK(kid, nonce, ct, tag, aad)
	if err != nil {
		t.Fatalf("UnwrapDEK failed: %v", err)
	}
	if !bytes.Equal(dek, got) {
		t.Error("unwrapped DEK mismatch")
	}

	if _, err := kr.UnwrapDEK("missing", nonce, ct, tag, aad); err != crypto.ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestKeyring_PassphraseFallback(t *testing.T) {
	t.Setenv("MASTER_KEYS", "")
	t.Setenv("MASTER_PASSPHRASE", "correct horse battery staple")

	kr := crypto.NewKeyring()
	if err := kr.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	dek, _ := crypto.GenerateDEK()
	if _, _, _, _, err := kr.WrapDEK(dek, nil); err != nil {
		t.Fatalf("WrapDEK with derived key failed: %v", err)
	}
}
