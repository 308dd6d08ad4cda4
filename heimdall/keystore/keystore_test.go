package keystore_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heimdallr-mesh/fabric/heimdall/keystore"
)

func genKeyPair(id string) keystore.KeyPair {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return keystore.KeyPair{ID: id, Public: pub, Secret: sec}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	s := keystore.NewFileStore(t.TempDir())
	kp := genKeyPair("heimdall")

	require.NoError(t, s.StoreKey(kp))

	got, err := s.Load("heimdall")
	require.NoError(t, err)
	require.Equal(t, kp.Public, got.Public)
	require.Equal(t, kp.Secret, got.Secret)
}

func TestLoadMissingIsNotFound(t *testing.T) {
	s := keystore.NewFileStore(t.TempDir())
	_, err := s.Load("nope")
	require.ErrorIs(t, err, keystore.ErrNotFound)
}

func TestCopy(t *testing.T) {
	s := keystore.NewFileStore(t.TempDir())
	kp := genKeyPair("heimdall")
	require.NoError(t, s.StoreKey(kp))

	require.NoError(t, s.Copy("heimdall", "heimdall.deprecated"))

	got, err := s.Load("heimdall.deprecated")
	require.NoError(t, err)
	require.Equal(t, kp.Public, got.Public)
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := keystore.NewFileStore(t.TempDir())
	kp := genKeyPair("heimdall")
	require.NoError(t, s.StoreKey(kp))

	require.NoError(t, s.Remove("heimdall"))
	require.NoError(t, s.Remove("heimdall")) // second call must not error

	_, err := s.Load("heimdall")
	require.ErrorIs(t, err, keystore.ErrNotFound)
}

func TestRotatedAtMarker(t *testing.T) {
	s := keystore.NewFileStore(t.TempDir())

	_, ok, err := s.RotatedAt("heimdall")
	require.NoError(t, err)
	require.False(t, ok)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SetRotatedAt("heimdall", now))

	got, ok, err := s.RotatedAt("heimdall")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(now))
}

func TestStoreRejectsMalformedMaterial(t *testing.T) {
	s := keystore.NewFileStore(t.TempDir())
	err := s.StoreKey(keystore.KeyPair{ID: "bad", Public: []byte("short"), Secret: []byte("short")})

	var storageErr *keystore.StorageError
	require.True(t, errors.As(err, &storageErr))
}
