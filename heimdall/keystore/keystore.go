// Package keystore provides durable storage of Ed25519 keypairs by logical
// id. Each id is stored as two side files, written atomically so a reader
// never observes a torn write (spec.md §4.1, §6, §5 "Key files are replaced
// atomically").
package keystore

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// ErrNotFound is returned when no keypair is stored under the given id.
var ErrNotFound = errors.New("keystore: not found")

// StorageError wraps an I/O or corruption failure for a specific id and
// operation, matching spec.md §4.1's KeyStorageError.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("keystore: %s %q: %v", e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// KeyPair is an Ed25519 keypair identified by a logical id (e.g. "heimdall",
// "heimdall.deprecated").
type KeyPair struct {
	ID     string
	Public ed25519.PublicKey
	Secret ed25519.PrivateKey
}

// Store is the single-writer-per-id key storage contract.
type Store interface {
	// StoreKey persists kp under its ID, replacing any existing material.
	StoreKey(kp KeyPair) error
	// Load returns the keypair stored under id, or ErrNotFound.
	Load(id string) (KeyPair, error)
	// Copy duplicates the keypair stored under fromID to toID.
	Copy(fromID, toID string) error
	// Remove deletes the keypair stored under id. Idempotent.
	Remove(id string) error

	// RotatedAt returns the wall-clock time the logical name behind id was
	// last rotated, and whether a marker exists at all.
	RotatedAt(id string) (t time.Time, ok bool, err error)
	// SetRotatedAt atomically records the rotation time for id.
	SetRotatedAt(id string, t time.Time) error
}

var _ Store = (*FileStore)(nil)

// FileStore is the on-disk implementation: X.pub / X.key / .rotated_at.X
// under a single base directory, replaced via write-temp-then-rename
// (github.com/google/renameio/v2) so readers always see the old or new file.
type FileStore struct {
	baseDir string
}

// NewFileStore returns a FileStore rooted at baseDir. baseDir must already
// exist and be writable.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

func (f *FileStore) pubPath(id string) string { return filepath.Join(f.baseDir, id+".pub") }
func (f *FileStore) keyPath(id string) string { return filepath.Join(f.baseDir, id+".key") }
func (f *FileStore) markerPath(id string) string {
	return filepath.Join(f.baseDir, ".rotated_at."+id)
}

func (f *FileStore) StoreKey(kp KeyPair) error {
	if len(kp.Public) != ed25519.PublicKeySize || len(kp.Secret) != ed25519.PrivateKeySize {
		return &StorageError{Op: "store", ID: kp.ID, Err: errors.New("malformed key material")}
	}
	if err := renameio.WriteFile(f.pubPath(kp.ID), kp.Public, 0o644); err != nil {
		return &StorageError{Op: "store", ID: kp.ID, Err: err}
	}
	if err := renameio.WriteFile(f.keyPath(kp.ID), kp.Secret, 0o600); err != nil {
		return &StorageError{Op: "store", ID: kp.ID, Err: err}
	}
	return nil
}

func (f *FileStore) Load(id string) (KeyPair, error) {
	pub, err := os.ReadFile(f.pubPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return KeyPair{}, ErrNotFound
	}
	if err != nil {
		return KeyPair{}, &StorageError{Op: "load", ID: id, Err: err}
	}
	sec, err := os.ReadFile(f.keyPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return KeyPair{}, ErrNotFound
	}
	if err != nil {
		return KeyPair{}, &StorageError{Op: "load", ID: id, Err: err}
	}
	if len(pub) != ed25519.PublicKeySize || len(sec) != ed25519.PrivateKeySize {
		return KeyPair{}, &StorageError{Op: "load", ID: id, Err: errors.New("corrupt key material")}
	}
	return KeyPair{ID: id, Public: ed25519.PublicKey(pub), Secret: ed25519.PrivateKey(sec)}, nil
}

func (f *FileStore) Copy(fromID, toID string) error {
	kp, err := f.Load(fromID)
	if err != nil {
		return err
	}
	kp.ID = toID
	return f.StoreKey(kp)
}

func (f *FileStore) Remove(id string) error {
	for _, p := range []string{f.pubPath(id), f.keyPath(id), f.markerPath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &StorageError{Op: "remove", ID: id, Err: err}
		}
	}
	return nil
}

func (f *FileStore) RotatedAt(id string) (time.Time, bool, error) {
	b, err := os.ReadFile(f.markerPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, &StorageError{Op: "rotated_at", ID: id, Err: err}
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return time.Time{}, false, &StorageError{Op: "rotated_at", ID: id, Err: err}
	}
	return time.Unix(sec, 0).UTC(), true, nil
}

func (f *FileStore) SetRotatedAt(id string, t time.Time) error {
	b := []byte(strconv.FormatInt(t.Unix(), 10))
	if err := renameio.WriteFile(f.markerPath(id), b, 0o644); err != nil {
		return &StorageError{Op: "rotated_at", ID: id, Err: err}
	}
	return nil
}
