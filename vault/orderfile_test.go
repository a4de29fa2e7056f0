package vault

import (
	"crypto/rand"
	"crypto/rsa"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foilvault-io/foilvault/vault/keystore"
)

var (
	orderKeyOnce sync.Once
	orderKeys    *keystore.KeyPair
)

func testKeys(t *testing.T) *keystore.KeyPair {
	orderKeyOnce.Do(func() {
		priv, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
		orderKeys = &keystore.KeyPair{Private: priv, Public: &priv.PublicKey}
	})
	return orderKeys
}

func TestOrderCodecRoundTrip(t *testing.T) {
	orders := [][]orderEntry{
		nil,
		{{Image: "00AA"}},
		{{Image: "00AA", Thumb: "00BB"}},
		{{Image: "00AA", Thumb: "00BB"}, {Image: "00CC"}, {Image: "00DD", Thumb: "00EE"}},
	}
	for _, order := range orders {
		require.Equal(t, order, decodeOrder(encodeOrder(order)))
	}
}

func TestDecodeOrderTolerant(t *testing.T) {
	order := decodeOrder("  00AA , , 00BB:00CC ,00DD,")
	require.Equal(t, []orderEntry{
		{Image: "00AA"},
		{Image: "00BB", Thumb: "00CC"},
		{Image: "00DD"},
	}, order)
	require.Empty(t, decodeOrder(""))
	require.Empty(t, decodeOrder(" , ,, "))
}

func TestOrderFileRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "orderfile")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	keys := testKeys(t)

	order := []orderEntry{
		{Image: "0123456789ABCDEF", Thumb: "FEDCBA9876543210"},
		{Image: "00000000000000AA"},
	}
	require.NoError(t, writeOrderFile(dir, keys, order))

	got, err := readOrderFile(dir, keys)
	require.NoError(t, err)
	require.Equal(t, order, got)
}

func TestReadOrderFileMissing(t *testing.T) {
	dir, err := ioutil.TempDir("", "orderfile")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	_, err = readOrderFile(dir, testKeys(t))
	require.Error(t, err)
}

func TestReadOrderFileGarbage(t *testing.T) {
	dir, err := ioutil.TempDir("", "orderfile")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, infoFileName)
	require.NoError(t, ioutil.WriteFile(path, []byte("garbage"), 0600))
	_, err = readOrderFile(dir, testKeys(t))
	require.Error(t, err)
}

func TestWriteOrderFileReplaces(t *testing.T) {
	dir, err := ioutil.TempDir("", "orderfile")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	keys := testKeys(t)

	require.NoError(t, writeOrderFile(dir, keys, []orderEntry{{Image: "AA"}}))
	require.NoError(t, writeOrderFile(dir, keys, []orderEntry{{Image: "BB"}}))

	got, err := readOrderFile(dir, keys)
	require.NoError(t, err)
	require.Equal(t, []orderEntry{{Image: "BB"}}, got)
}
