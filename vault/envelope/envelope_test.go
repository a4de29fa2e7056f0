package envelope

import (
	"bytes"
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
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	otherKey    *rsa.PrivateKey
)

func keys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	testKeyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
		otherKey, err = rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
	})
	return testKey, otherKey
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	priv, _ := keys(t)
	headers := []Header{
		{Name: "Original-Path", Value: "/home/nemo/Pictures/a.png"},
		{Name: "Title", Value: "a"},
		{Name: "Orientation", Value: "90"},
	}
	payload := []byte("not really a png")

	var buf bytes.Buffer
	err := Encrypt(&buf, payload, "image/png", headers, priv, &priv.PublicKey, Options{})
	require.NoError(t, err)

	env, err := Decrypt(priv, buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, "image/png", env.ContentType)
	require.Equal(t, headers, env.Headers)
	require.Equal(t, payload, env.Body)
	require.True(t, env.Verify(&priv.PublicKey))
}

func TestDecryptWrongKey(t *testing.T) {
	priv, other := keys(t)
	var buf bytes.Buffer
	err := Encrypt(&buf, []byte("secret"), "", nil, priv, &priv.PublicKey, Options{})
	require.NoError(t, err)

	_, err = Decrypt(other, buf.Bytes())
	require.Equal(t, ErrCryptoFailed, err)
}

func TestVerifyWrongKey(t *testing.T) {
	priv, other := keys(t)
	var buf bytes.Buffer
	err := Encrypt(&buf, []byte("secret"), "", nil, priv, &priv.PublicKey, Options{})
	require.NoError(t, err)

	env, err := Decrypt(priv, buf.Bytes())
	require.NoError(t, err)
	require.False(t, env.Verify(&other.PublicKey))
}

func TestDecryptCorrupted(t *testing.T) {
	priv, _ := keys(t)
	var buf bytes.Buffer
	err := Encrypt(&buf, bytes.Repeat([]byte("x"), 4096), "text/plain", nil,
		priv, &priv.PublicKey, Options{})
	require.NoError(t, err)

	data := buf.Bytes()
	// Flip a bit in the middle of the ciphertext.
	data[len(data)/2] ^= 0x01
	_, err = Decrypt(priv, data)
	require.Error(t, err)
}

func TestHeaderOrderAndDuplicates(t *testing.T) {
	priv, _ := keys(t)
	headers := []Header{
		{Name: "X", Value: "1"},
		{Name: "X", Value: "2"},
		{Name: "Y", Value: "3"},
	}
	var buf bytes.Buffer
	err := Encrypt(&buf, nil, "", headers, priv, &priv.PublicKey, Options{})
	require.NoError(t, err)

	env, err := Decrypt(priv, buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, headers, env.Headers)
	require.Equal(t, "1", env.Header("X"))
	require.Equal(t, "", env.Header("Z"))
}

func TestParse(t *testing.T) {
	priv, _ := keys(t)
	var buf bytes.Buffer
	err := Encrypt(&buf, []byte("payload"), "image/jpeg", nil, priv, &priv.PublicKey, Options{})
	require.NoError(t, err)

	info, ok := Parse(buf.Bytes())
	require.True(t, ok)
	require.Equal(t, CipherAES256GCM, info.Cipher)

	_, ok = Parse([]byte("plain old file contents"))
	require.False(t, ok)
	_, ok = Parse(nil)
	require.False(t, ok)
	_, ok = Parse(buf.Bytes()[:10])
	require.False(t, ok)

	// Truncated frame must not parse.
	_, ok = Parse(buf.Bytes()[:buf.Len()-1])
	require.False(t, ok)
}

func TestDecryptFile(t *testing.T) {
	priv, _ := keys(t)
	dir, err := ioutil.TempDir("", "envelope")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "env")
	f, err := os.Create(path)
	require.NoError(t, err)
	err = Encrypt(f, []byte("on disk"), "text/plain", nil, priv, &priv.PublicKey, Options{})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	env, err := DecryptFile(priv, path)
	require.NoError(t, err)
	require.Equal(t, []byte("on disk"), env.Body)

	_, err = DecryptFile(priv, filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestEncryptUnsupportedCipher(t *testing.T) {
	priv, _ := keys(t)
	var buf bytes.Buffer
	err := Encrypt(&buf, nil, "", nil, priv, &priv.PublicKey, Options{Cipher: 0x7f})
	require.Error(t, err)
}
