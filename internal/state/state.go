package state

import (
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/augard/evmaps-sub001/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.evmaps/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// DBFile is the database file name inside the state directory.
	DBFile = "state.db"
)

var (
	metaBucket     = []byte("meta")
	keychainBucket = []byte("keychain")
	snapshotBucket = []byte("snapshots")

	saltKey  = []byte("salt")
	checkKey = []byte("check")

	authorizationKey = []byte("authorization")
	credentialsKey   = []byte("login_credentials")
	selectedVINKey   = []byte("selected_vin")
	deviceIDKey      = []byte("device_id")

	checkValue = []byte("evmaps-keychain-v1")
)

var (
	// ErrWrongSecret is returned by Open when the shared secret does not
	// match the one the database was created with.
	ErrWrongSecret = errors.New("state: shared secret does not match database")

	// ErrNotInitialized is returned by a read-only Open of a database the
	// app has never written.
	ErrNotInitialized = errors.New("state: database not initialized")

	// ErrLocked is returned by Open when another process holds the
	// database lock for longer than the open timeout.
	ErrLocked = errors.New("state: database locked by another process")

	errReadOnly = errors.New("state: store is read-only")
)

// State is the keychain analog: a bbolt database whose keychain entries
// are sealed with a key derived from the shared access-group secret.
type State struct {
	db       *bolt.DB
	readOnly bool

	// mu guards aead; Rekey holds it exclusively while resealing.
	mu   sync.RWMutex
	aead cipher.AEAD
}

type options struct {
	readOnly bool
	timeout  time.Duration
}

// Option configures Open.
type Option func(*options)

// ReadOnly opens the database with a shared lock and no writes. Extensions
// use it as a fallback when the app's credential server is unreachable.
// bbolt locks exclusively while the app holds the database open, so the
// fallback only succeeds while the app is not running.
func ReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// OpenTimeout bounds the wait for the database lock.
func OpenTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// DefaultDir returns ~/.evmaps.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".evmaps"), nil
}

// Open opens the state database at path, creating it if it does not exist.
// secret unlocks the keychain bucket.
func Open(path, secret string, opts ...Option) (*State, error) {
	o := options{timeout: stateOpenTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	if o.readOnly {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, ErrNotInitialized
			}

			return nil, fmt.Errorf("checking state db: %w", err)
		}
	} else if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: o.timeout, ReadOnly: o.readOnly})
	if err != nil {
		if errors.Is(err, bolterrors.ErrTimeout) {
			return nil, fmt.Errorf("opening state db: %w", ErrLocked)
		}

		return nil, fmt.Errorf("opening state db: %w", err)
	}

	s := &State{db: db, readOnly: o.readOnly}

	if err := s.unlock(secret); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// unlock loads (or on first open creates) the salt and verifier and
// derives the keychain cipher.
func (s *State) unlock(secret string) error {
	var salt, check []byte

	if s.readOnly {
		err := s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(metaBucket)
			if b == nil {
				return ErrNotInitialized
			}

			salt = clone(b.Get(saltKey))
			check = clone(b.Get(checkKey))

			return nil
		})
		if err != nil {
			return err
		}

		if salt == nil {
			return ErrNotInitialized
		}
	} else {
		err := s.db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{metaBucket, keychainBucket, snapshotBucket} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}

			b := tx.Bucket(metaBucket)

			salt = clone(b.Get(saltKey))
			if salt == nil {
				fresh, err := randomBytes(saltLen)
				if err != nil {
					return fmt.Errorf("generating salt: %w", err)
				}

				salt = fresh
				if err := b.Put(saltKey, salt); err != nil {
					return err
				}
			}

			check = clone(b.Get(checkKey))

			return nil
		})
		if err != nil {
			return fmt.Errorf("initializing state db: %w", err)
		}
	}

	key, err := deriveKey(secret, salt)
	if err != nil {
		return err
	}

	aead, err := newAEAD(key)
	if err != nil {
		return err
	}

	s.aead = aead

	if check == nil {
		if s.readOnly {
			return ErrNotInitialized
		}

		sealed, err := seal(aead, checkKey, checkValue)
		if err != nil {
			return err
		}

		return s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(metaBucket).Put(checkKey, sealed)
		})
	}

	if _, err := open(aead, checkKey, check); err != nil {
		return ErrWrongSecret
	}

	return nil
}

// Rekey reseals every keychain entry under a key derived from secret and
// a fresh salt, in one transaction. Use it when the shared secret rotates.
func (s *State) Rekey(secret string) error {
	if s.readOnly {
		return errReadOnly
	}

	salt, err := randomBytes(saltLen)
	if err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	key, err := deriveKey(secret, salt)
	if err != nil {
		return err
	}

	next, err := newAEAD(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bolt.Tx) error {
		kc := tx.Bucket(keychainBucket)

		resealed := map[string][]byte{}

		err := kc.ForEach(func(name, data []byte) error {
			plaintext, err := open(s.aead, name, data)
			if err != nil {
				return fmt.Errorf("reading %s: %w", name, err)
			}

			sealed, err := seal(next, name, plaintext)
			if err != nil {
				return err
			}

			resealed[string(name)] = sealed

			return nil
		})
		if err != nil {
			return err
		}

		for name, sealed := range resealed {
			if err := kc.Put([]byte(name), sealed); err != nil {
				return err
			}
		}

		check, err := seal(next, checkKey, checkValue)
		if err != nil {
			return err
		}

		meta := tx.Bucket(metaBucket)
		if err := meta.Put(saltKey, salt); err != nil {
			return err
		}

		return meta.Put(checkKey, check)
	})
	if err != nil {
		return fmt.Errorf("rekeying state db: %w", err)
	}

	s.aead = next

	return nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// getSealed decrypts the keychain entry name into v. It reports false when
// the entry does not exist.
func (s *State) getSealed(name []byte, v any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(keychainBucket)
		if b == nil {
			return nil
		}

		data = clone(b.Get(name))

		return nil
	})
	if err != nil || data == nil {
		return false, err
	}

	plaintext, err := open(s.aead, name, data)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", name, err)
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", name, err)
	}

	return true, nil
}

func (s *State) putSealed(name []byte, v any) error {
	if s.readOnly {
		return errReadOnly
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	sealed, err := seal(s.aead, name, data)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keychainBucket).Put(name, sealed)
	})
}

func (s *State) deleteSealed(name []byte) error {
	if s.readOnly {
		return errReadOnly
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keychainBucket).Delete(name)
	})
}

// Authorization returns the persisted session, or nil if there is none.
func (s *State) Authorization() (*models.AuthorizationData, error) {
	var auth models.AuthorizationData

	ok, err := s.getSealed(authorizationKey, &auth)
	if err != nil || !ok {
		return nil, err
	}

	return &auth, nil
}

// SetAuthorization persists the session, replacing any previous one.
func (s *State) SetAuthorization(auth models.AuthorizationData) error {
	return s.putSealed(authorizationKey, auth)
}

// ClearAuthorization removes the persisted session.
func (s *State) ClearAuthorization() error {
	return s.deleteSealed(authorizationKey)
}

// LoginCredentials returns the stored username and password, or nil.
func (s *State) LoginCredentials() (*models.LoginCredentials, error) {
	var creds models.LoginCredentials

	ok, err := s.getSealed(credentialsKey, &creds)
	if err != nil || !ok {
		return nil, err
	}

	return &creds, nil
}

// SetLoginCredentials persists the account credentials.
func (s *State) SetLoginCredentials(creds models.LoginCredentials) error {
	return s.putSealed(credentialsKey, creds)
}

// ClearLoginCredentials removes the stored account credentials.
func (s *State) ClearLoginCredentials() error {
	return s.deleteSealed(credentialsKey)
}

// SelectedVIN returns the VIN the user picked, or "".
func (s *State) SelectedVIN() (string, error) {
	var vin string

	_, err := s.getSealed(selectedVINKey, &vin)

	return vin, err
}

// SetSelectedVIN persists the selected VIN. An empty vin clears it.
func (s *State) SetSelectedVIN(vin string) error {
	if vin == "" {
		return s.deleteSealed(selectedVINKey)
	}

	return s.putSealed(selectedVINKey, vin)
}

// DeviceID returns the installation's device id, creating it on first use.
// A read-only store returns uuid.Nil when none has been created yet.
func (s *State) DeviceID() (uuid.UUID, error) {
	var id uuid.UUID

	ok, err := s.getSealed(deviceIDKey, &id)
	if err != nil {
		return uuid.Nil, err
	}

	if ok || s.readOnly {
		return id, nil
	}

	id = uuid.New()
	if err := s.putSealed(deviceIDKey, id); err != nil {
		return uuid.Nil, fmt.Errorf("storing device id: %w", err)
	}

	return id, nil
}

// StatusSnapshot returns the last cached status document for vin, or nil.
// Snapshots are telemetry, not secrets, and are stored unsealed.
func (s *State) StatusSnapshot(vin string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		if b == nil {
			return nil
		}

		data = clone(b.Get([]byte(vin)))

		return nil
	})

	return data, err
}

// SetStatusSnapshot caches the status document for vin.
func (s *State) SetStatusSnapshot(vin string, data []byte) error {
	if s.readOnly {
		return errReadOnly
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(vin), data)
	})
}

// clone copies a value out of a bolt transaction, which owns its memory.
func clone(b []byte) []byte {
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
