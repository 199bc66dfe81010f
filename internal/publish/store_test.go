package publish

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-relay/internal/crypto"
)

func testKeyring(t *testing.T) *crypto.Keyring {
	t.Helper()
	t.Setenv("MASTER_KEYS", "")
	t.Setenv("MASTER_PASSPHRASE", "unit-test-passphrase")
	kr := crypto.NewKeyring()
	require.NoError(t, kr.LoadFromEnv())
	return kr
}

// credentialRow builds a stored envelope the way UpdateCredentials
// writes it: data encrypted with a DEK, DEK wrapped by the keyring.
func credentialRow(t *testing.T, kr *crypto.Keyring, cameraID uuid.UUID, payload string) *sqlmock.Rows {
	t.Helper()
	aad := credentialAAD(cameraID)

	dek, err := crypto.GenerateDEK()
	require.NoError(t, err)
	kid, dekNonce, dekCT, dekTag, err := kr.WrapDEK(dek, aad)
	require.NoError(t, err)
	dataNonce, dataCT, dataTag, err := crypto.EncryptGCM(dek, []byte(payload), aad)
	require.NoError(t, err)

	return sqlmock.NewRows([]string{
		"id", "camera_id", "master_kid",
		"dek_nonce", "dek_ciphertext", "dek_tag",
		"data_nonce", "data_ciphertext", "data_tag",
		"created_at", "updated_at",
	}).AddRow(
		uuid.New(), cameraID, kid,
		dekNonce, dekCT, dekTag,
		dataNonce, dataCT, dataTag,
		time.Now(), time.Now(),
	)
}

func TestGetCredentials(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	kr := testKeyring(t)
	store := NewStore(db, kr)
	cameraID := uuid.New()

	mock.ExpectQuery("FROM camera_credentials").
		WithArgs(cameraID).
		WillReturnRows(credentialRow(t, kr, cameraID, `{"username":"admin","password":"s3cret"}`))

	creds, err := store.GetCredentials(context.Background(), cameraID)
	require.NoError(t, err)
	assert.Equal(t, "admin", creds.Username)
	assert.Equal(t, "s3cret", creds.Password)

	// Second call is served from the cache: no further query expected.
	again, err := store.GetCredentials(context.Background(), cameraID)
	require.NoError(t, err)
	assert.Equal(t, creds, again)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCredentialsWrongCameraAAD(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	kr := testKeyring(t)
	store := NewStore(db, kr)
	cameraID := uuid.New()

	// Envelope bound to a different camera must not decrypt.
	mock.ExpectQuery("FROM camera_credentials").
		WithArgs(cameraID).
		WillReturnRows(credentialRow(t, kr, uuid.New(), `{"username":"admin","password":"x"}`))

	_, err = store.GetCredentials(context.Background(), cameraID)
	assert.Error(t, err)
}

func TestUpdateCredentialsInvalidatesCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	kr := testKeyring(t)
	store := NewStore(db, kr)
	cameraID := uuid.New()

	mock.ExpectQuery("FROM camera_credentials").
		WithArgs(cameraID).
		WillReturnRows(credentialRow(t, kr, cameraID, `{"username":"old","password":"old"}`))

	creds, err := store.GetCredentials(context.Background(), cameraID)
	require.NoError(t, err)
	assert.Equal(t, "old", creds.Username)

	mock.ExpectExec("INSERT INTO camera_credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateCredentials(context.Background(), cameraID, Credentials{Username: "new", Password: "new"}))

	// Cache was dropped, so the next read hits the database again.
	mock.ExpectQuery("FROM camera_credentials").
		WithArgs(cameraID).
		WillReturnRows(credentialRow(t, kr, cameraID, `{"username":"new","password":"new"}`))

	creds, err = store.GetCredentials(context.Background(), cameraID)
	require.NoError(t, err)
	assert.Equal(t, "new", creds.Username)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCameraLockIsStable(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db, testKeyring(t))
	id := uuid.New()

	assert.Same(t, store.CameraLock(id), store.CameraLock(id))
	assert.NotSame(t, store.CameraLock(id), store.CameraLock(uuid.New()))
}
