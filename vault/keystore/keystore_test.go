package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	genOnce sync.Once
	genKey  *rsa.PrivateKey
)

func testKey(t *testing.T) *rsa.PrivateKey {
	genOnce.Do(func() {
		var err error
		genKey, err = rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
	})
	return genKey
}

func newStore(t *testing.T) (*Store, func()) {
	dir, err := ioutil.TempDir("", "keystore")
	require.NoError(t, err)
	s, err := New(filepath.Join(dir, "foil"), nil)
	require.NoError(t, err)
	return s, func() { os.RemoveAll(dir) }
}

func TestProbeMissing(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()
	require.Equal(t, KeyMissing, s.Probe())
}

func TestWriteUnlockRoundTrip(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()

	require.NoError(t, s.Write(testKey(t), "hunter2"))
	require.Equal(t, Locked, s.Probe())

	pair, err := s.TryUnlock("hunter2")
	require.NoError(t, err)
	require.Equal(t, testKey(t).D, pair.Private.D)
	require.Equal(t, &pair.Private.PublicKey, pair.Public)

	_, err = s.TryUnlock("wrong")
	require.Equal(t, ErrWrongPassphrase, err)
	// State unchanged after a failed unlock.
	require.Equal(t, Locked, s.Probe())
}

func TestProbeNotEncrypted(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()

	require.NoError(t, s.Write(testKey(t), ""))
	require.Equal(t, KeyNotEncrypted, s.Probe())

	pair, err := s.TryUnlock("")
	require.NoError(t, err)
	require.NotNil(t, pair)
}

func TestProbeInvalid(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()

	require.NoError(t, ioutil.WriteFile(s.Path(), []byte("garbage"), 0600))
	require.Equal(t, KeyInvalid, s.Probe())
}

func TestCheckPassphrase(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()

	require.NoError(t, s.Write(testKey(t), "pw"))
	require.True(t, s.CheckPassphrase("pw"))
	require.False(t, s.CheckPassphrase("nope"))

	// An unprotected key fails the check.
	require.NoError(t, s.Write(testKey(t), ""))
	require.False(t, s.CheckPassphrase(""))
}

func TestChangePassphrase(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()

	require.NoError(t, s.Write(testKey(t), "old"))
	require.Equal(t, ErrWrongPassphrase, s.ChangePassphrase("bad", "new"))
	require.NoError(t, s.ChangePassphrase("old", "new"))

	require.True(t, s.CheckPassphrase("new"))
	require.False(t, s.CheckPassphrase("old"))

	// No transient files left behind.
	_, err := os.Stat(s.Path() + ".new")
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.Path() + ".save")
	require.True(t, os.IsNotExist(err))
}

func TestRecoverFromInterruptedChange(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()

	require.NoError(t, s.Write(testKey(t), "pw"))

	// Simulate a crash after foil.key -> foil.key.save.
	require.NoError(t, os.Rename(s.Path(), s.Path()+".save"))
	s2, err := New(filepath.Dir(s.Path()), nil)
	require.NoError(t, err)
	require.Equal(t, Locked, s2.Probe())
	require.True(t, s2.CheckPassphrase("pw"))

	// Simulate a crash after installing the new key: stale save file.
	require.NoError(t, ioutil.WriteFile(s.Path()+".save", []byte("old"), 0600))
	s3, err := New(filepath.Dir(s.Path()), nil)
	require.NoError(t, err)
	require.Equal(t, Locked, s3.Probe())
	_, err = os.Stat(s.Path() + ".save")
	require.True(t, os.IsNotExist(err))
}

func TestKeyDirPermissions(t *testing.T) {
	s, cleanup := newStore(t)
	defer cleanup()

	info, err := os.Stat(filepath.Dir(s.Path()))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0700), info.Mode().Perm())
}
