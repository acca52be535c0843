package credshare

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

const (
	// SecretFile is the shared secret file name inside the state directory.
	SecretFile = "shared.secret"

	secretBytes    = 32
	secretFilePerm = fs.FileMode(0o600)
	secretDirPerm  = fs.FileMode(0o700)
)

// ErrNoSecret is returned by ReadSecret when the secret file is missing or
// empty.
var ErrNoSecret = errors.New("credshare: shared secret not provisioned")

// LoadOrCreateSecret returns the secret stored at path, creating a random
// one on first use.
func LoadOrCreateSecret(path string) (string, error) {
	secret, err := ReadSecret(path)
	if err == nil {
		return secret, nil
	}

	if !errors.Is(err, ErrNoSecret) {
		return "", err
	}

	secret, err = NewSecret()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), secretDirPerm); err != nil {
		return "", fmt.Errorf("creating secret directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, secretFilePerm)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Another process created it first.
			return ReadSecret(path)
		}

		return "", fmt.Errorf("creating secret file: %w", err)
	}

	if _, err := f.WriteString(secret + "\n"); err != nil {
		f.Close()
		return "", fmt.Errorf("writing secret file: %w", err)
	}

	if err := f.Close(); err != nil {
		return "", fmt.Errorf("writing secret file: %w", err)
	}

	return secret, nil
}

// NewSecret returns a random hex-encoded secret.
func NewSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}

	return hex.EncodeToString(buf), nil
}

// WriteSecret replaces the file at path with secret. The file is swapped
// with a rename so watchers never observe a partial write.
func WriteSecret(path, secret string) error {
	if err := os.MkdirAll(filepath.Dir(path), secretDirPerm); err != nil {
		return fmt.Errorf("creating secret directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(secret+"\n"), secretFilePerm); err != nil {
		return fmt.Errorf("writing secret file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing secret file: %w", err)
	}

	return nil
}

// ReadSecret returns the trimmed secret stored at path.
func ReadSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoSecret
		}

		return "", fmt.Errorf("reading secret file: %w", err)
	}

	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", ErrNoSecret
	}

	return secret, nil
}

// WatchSecret calls onChange with the new secret whenever the file at path
// is written or replaced with a different non-empty value. It blocks until
// ctx is cancelled.
func WatchSecret(ctx context.Context, path string, logger *slog.Logger, onChange func(secret string)) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and atomic writers replace the file,
	// which drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching secret directory: %w", err)
	}

	current, _ := ReadSecret(path)
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			secret, err := ReadSecret(path)
			if err != nil || secret == current {
				continue
			}

			current = secret

			onChange(secret)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			logger.Warn("watching secret file", slog.String("error", err.Error()))
		}
	}
}
