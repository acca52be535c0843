package state

import (
	"time"

	"github.com/augard/evmaps-sub001/internal/models"
)

// defaultSourceTimeout bounds the lock wait of one Source read.
const defaultSourceTimeout = 250 * time.Millisecond

// Source reads the keychain through short-lived read-only opens, so an
// extension never holds the lock the app needs. Secret is called on every
// read and may change between calls.
type Source struct {
	Path    string
	Secret  func() string
	Timeout time.Duration
}

func (s Source) open() (*State, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}

	return Open(s.Path, s.Secret(), ReadOnly(), OpenTimeout(timeout))
}

// Authorization returns the persisted session, or nil if there is none.
func (s Source) Authorization() (*models.AuthorizationData, error) {
	st, err := s.open()
	if err != nil {
		return nil, err
	}
	defer st.Close()

	return st.Authorization()
}

// SelectedVIN returns the selected vehicle, or "" if none.
func (s Source) SelectedVIN() (string, error) {
	st, err := s.open()
	if err != nil {
		return "", err
	}
	defer st.Close()

	return st.SelectedVIN()
}
