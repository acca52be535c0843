package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/augard/evmaps-sub001/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

const testSecret = "shared-access-group-secret"

func TestMain(m *testing.M) {
	// Keep key derivation fast in tests.
	scryptN = 1024
	os.Exit(m.Run())
}

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath, testSecret)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var testAuthorization = models.AuthorizationData{
	Stamp:              "stamp",
	DeviceID:           uuid.MustParse("9b2d30a4-6a2f-4d3e-9f7e-1d2c3b4a5f60"),
	AccessToken:        "access_123",
	ExpiresIn:          3600,
	RefreshToken:       "refresh_456",
	IsCcuCCS2Supported: true,
}

// --- Open / Close ---

func TestOpen_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := Open(dbPath, testSecret)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestOpen_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := Open(dbPath, testSecret)
	require.NoError(t, err)
	require.NoError(t, s1.SetAuthorization(testAuthorization))
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath, testSecret)
	require.NoError(t, err)
	defer s2.Close()

	auth, err := s2.Authorization()
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.Equal(t, testAuthorization, *auth)
}

func TestOpen_WrongSecret(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(dbPath, testSecret)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(dbPath, "another-secret")
	assert.ErrorIs(t, err, ErrWrongSecret)
}

func TestOpen_SecretIsNormalized(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	// U+FB01 (fi ligature) normalizes to "fi" under NFKC.
	s, err := Open(dbPath, "ﬁle-secret")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dbPath, "file-secret")
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpen_ValuesAreSealedOnDisk(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(dbPath, testSecret)
	require.NoError(t, err)
	require.NoError(t, s.SetLoginCredentials(models.LoginCredentials{Username: "driver@example.com", Password: "hunter2"}))
	require.NoError(t, s.Close())

	db, err := bolt.Open(dbPath, 0o600, nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(keychainBucket).Get(credentialsKey)
		require.NotNil(t, raw)
		assert.NotContains(t, string(raw), "hunter2")
		assert.NotContains(t, string(raw), "driver@example.com")
		return nil
	}))
}

// --- ReadOnly ---

func TestOpen_ReadOnlyMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.db"), testSecret, ReadOnly())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestOpen_ReadOnlyReadsButRejectsWrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(dbPath, testSecret)
	require.NoError(t, err)
	require.NoError(t, s.SetAuthorization(testAuthorization))
	require.NoError(t, s.SetSelectedVIN("KNA123"))
	require.NoError(t, s.Close())

	ro, err := Open(dbPath, testSecret, ReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	auth, err := ro.Authorization()
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.Equal(t, "access_123", auth.AccessToken)

	vin, err := ro.SelectedVIN()
	require.NoError(t, err)
	assert.Equal(t, "KNA123", vin)

	assert.ErrorIs(t, ro.SetAuthorization(testAuthorization), errReadOnly)
	assert.ErrorIs(t, ro.ClearLoginCredentials(), errReadOnly)
	assert.ErrorIs(t, ro.SetStatusSnapshot("KNA123", []byte("{}")), errReadOnly)

	id, err := ro.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, id)
}

func TestOpen_ReadOnlyTimesOutWhileWriterHoldsLock(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(dbPath, testSecret)
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dbPath, testSecret, ReadOnly(), OpenTimeout(50*time.Millisecond))
	assert.ErrorIs(t, err, ErrLocked)
}

// --- Authorization ---

func TestAuthorization_NilByDefault(t *testing.T) {
	s := testDB(t)
	auth, err := s.Authorization()
	require.NoError(t, err)
	assert.Nil(t, auth)
}

func TestAuthorization_SetOverwriteClear(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetAuthorization(testAuthorization))

	next := testAuthorization
	next.AccessToken = "access_999"
	require.NoError(t, s.SetAuthorization(next))

	auth, err := s.Authorization()
	require.NoError(t, err)
	assert.Equal(t, "access_999", auth.AccessToken)

	require.NoError(t, s.ClearAuthorization())
	auth, err = s.Authorization()
	require.NoError(t, err)
	assert.Nil(t, auth)
}

// --- LoginCredentials ---

func TestLoginCredentials_RoundTrip(t *testing.T) {
	s := testDB(t)

	creds, err := s.LoginCredentials()
	require.NoError(t, err)
	assert.Nil(t, creds)

	require.NoError(t, s.SetLoginCredentials(models.LoginCredentials{Username: "u", Password: "p"}))

	creds, err = s.LoginCredentials()
	require.NoError(t, err)
	assert.Equal(t, &models.LoginCredentials{Username: "u", Password: "p"}, creds)

	require.NoError(t, s.ClearLoginCredentials())
	creds, err = s.LoginCredentials()
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestClear_MissingIsNoop(t *testing.T) {
	s := testDB(t)
	assert.NoError(t, s.ClearAuthorization())
	assert.NoError(t, s.ClearLoginCredentials())
}

// --- SelectedVIN ---

func TestSelectedVIN_SetAndClear(t *testing.T) {
	s := testDB(t)

	vin, err := s.SelectedVIN()
	require.NoError(t, err)
	assert.Equal(t, "", vin)

	require.NoError(t, s.SetSelectedVIN("KNA123"))
	vin, _ = s.SelectedVIN()
	assert.Equal(t, "KNA123", vin)

	require.NoError(t, s.SetSelectedVIN(""))
	vin, _ = s.SelectedVIN()
	assert.Equal(t, "", vin)
}

// --- DeviceID ---

func TestDeviceID_StableAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(dbPath, testSecret)
	require.NoError(t, err)

	first, err := s.DeviceID()
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first)

	again, err := s.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, first, again)
	require.NoError(t, s.Close())

	s, err = Open(dbPath, testSecret)
	require.NoError(t, err)
	defer s.Close()

	reopened, err := s.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, first, reopened)
}

// --- StatusSnapshot ---

func TestStatusSnapshot_PerVIN(t *testing.T) {
	s := testDB(t)

	data, err := s.StatusSnapshot("A")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.SetStatusSnapshot("A", []byte(`{"soc":80}`)))
	require.NoError(t, s.SetStatusSnapshot("B", []byte(`{"soc":20}`)))

	a, _ := s.StatusSnapshot("A")
	b, _ := s.StatusSnapshot("B")
	assert.Equal(t, `{"soc":80}`, string(a))
	assert.Equal(t, `{"soc":20}`, string(b))
}

// --- sealing ---

func TestSeal_BoundToEntryName(t *testing.T) {
	key, err := deriveKey(testSecret, []byte("salt-salt-salt-1"))
	require.NoError(t, err)

	aead, err := newAEAD(key)
	require.NoError(t, err)

	sealed, err := seal(aead, []byte("a"), []byte("value"))
	require.NoError(t, err)

	_, err = open(aead, []byte("b"), sealed)
	assert.Error(t, err)

	pt, err := open(aead, []byte("a"), sealed)
	require.NoError(t, err)
	assert.Equal(t, "value", string(pt))

	_, err = open(aead, []byte("a"), sealed[:4])
	assert.Error(t, err)
}

// --- Rekey ---

func TestRekey_ReopensWithNewSecretOnly(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(dbPath, testSecret)
	require.NoError(t, err)
	require.NoError(t, s.SetAuthorization(testAuthorization))
	require.NoError(t, s.SetSelectedVIN("VIN1"))

	id, err := s.DeviceID()
	require.NoError(t, err)

	require.NoError(t, s.Rekey("rotated-secret"))

	// The open handle keeps working under the new key.
	got, err := s.Authorization()
	require.NoError(t, err)
	assert.Equal(t, testAuthorization, *got)
	require.NoError(t, s.SetSelectedVIN("VIN2"))
	require.NoError(t, s.Close())

	_, err = Open(dbPath, testSecret)
	require.ErrorIs(t, err, ErrWrongSecret)

	s, err = Open(dbPath, "rotated-secret")
	require.NoError(t, err)
	defer s.Close()

	vin, err := s.SelectedVIN()
	require.NoError(t, err)
	assert.Equal(t, "VIN2", vin)

	again, err := s.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestRekey_ReadOnlyRejected(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(dbPath, testSecret)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ro, err := Open(dbPath, testSecret, ReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	require.Error(t, ro.Rekey("other"))
}
