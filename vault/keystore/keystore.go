// Package keystore persists the vault's RSA key pair, passphrase-encrypted,
// in a dedicated per-user directory. The private key is serialized as PKCS#1
// DER and wrapped with AES-KWP under a key derived from the passphrase with
// Argon2id. A wrong passphrase is detected by the wrap integrity check.
package keystore

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/google/tink/go/kwp/subtle"
	atomic_file "github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"

	"github.com/foilvault-io/foilvault/vault/logger"
)

// State is the result of probing the key file.
type State int

const (
	// KeyMissing means the key file does not exist.
	KeyMissing State = iota
	// KeyNotEncrypted means the key file decrypts with an empty passphrase.
	KeyNotEncrypted
	// Locked means the key file is passphrase-encrypted.
	Locked
	// KeyInvalid means the file is present and parseable but is neither a
	// plaintext nor a passphrase-protected key.
	KeyInvalid
)

// KeyFileName is the fixed name of the key file inside the key directory.
const KeyFileName = "foil.key"

const (
	keyFileVersion = 0x01
	flagProtected  = 0x01
	saltLen        = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	kekLen       = 32
)

// keyFileMagicNumber marks the start of a key file frame.
var keyFileMagicNumber = []byte{0xF0, 0x9C, 0x4B, 0x59}

// ErrWrongPassphrase is returned by TryUnlock when the passphrase does not
// unwrap the private key.
var ErrWrongPassphrase = errors.New("keystore: wrong passphrase")

// KeyPair holds the vault's RSA keys. The public key is derived from the
// private key in memory; it is never stored separately.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// Store manages the key file in its directory.
type Store struct {
	dir    string
	path   string
	logger logger.Logger
}

// New opens (creating if necessary, mode 0700) the key directory and
// recovers any transient files left behind by an interrupted passphrase
// change: a foil.key.save without a foil.key is renamed back into place, a
// leftover foil.key.save next to a healthy foil.key is deleted, and a stale
// foil.key.new is always deleted.
func New(dir string, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewDiscardLogger()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "keystore: mkdir")
	}
	s := &Store{dir: dir, path: filepath.Join(dir, KeyFileName), logger: l}
	s.recover()
	return s, nil
}

// Path returns the location of the key file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) recover() {
	save := s.path + ".save"
	defer os.Remove(s.path + ".new")
	if _, err := os.Stat(save); err != nil {
		return
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		s.logger.Warnf("Restoring key file from %s", save)
		if err := os.Rename(save, s.path); err != nil {
			s.logger.Errorf("Failed to restore key file: %v", err)
		}
	} else {
		s.logger.Warnf("Removing stale %s", save)
		os.Remove(save)
	}
}

// Probe reports the state of the key file.
func (s *Store) Probe() State {
	data, err := ioutil.ReadFile(s.path)
	if os.IsNotExist(err) {
		return KeyMissing
	}
	if err != nil {
		s.logger.Errorf("Failed to read %s: %v", s.path, err)
		return KeyInvalid
	}
	flags, _, _, ok := parseKeyFile(data)
	if !ok {
		return KeyInvalid
	}
	if flags&flagProtected != 0 {
		return Locked
	}
	// Claims to be unprotected; make sure it actually unwraps.
	if _, err := unwrapKey(data, ""); err != nil {
		return KeyInvalid
	}
	return KeyNotEncrypted
}

// TryUnlock attempts to decrypt the private key with the given passphrase.
// On failure the on-disk state is unchanged.
func (s *Store) TryUnlock(passphrase string) (*KeyPair, error) {
	data, err := ioutil.ReadFile(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: read key file")
	}
	priv, err := unwrapKey(data, passphrase)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// CheckPassphrase reports whether the key file is passphrase-protected and
// the given passphrase unlocks it. A key stored without a passphrase fails
// the check.
func (s *Store) CheckPassphrase(passphrase string) bool {
	data, err := ioutil.ReadFile(s.path)
	if err != nil {
		s.logger.Warnf("Failed to read %s: %v", s.path, err)
		return false
	}
	flags, _, _, ok := parseKeyFile(data)
	if !ok {
		s.logger.Warn("Key invalid")
		return false
	}
	if flags&flagProtected == 0 {
		s.logger.Warn("Key not encrypted")
		return false
	}
	if _, err := unwrapKey(data, passphrase); err != nil {
		s.logger.Debug("Wrong passphrase")
		return false
	}
	return true
}

// Write encrypts the private key under the passphrase and atomically
// replaces the key file.
func (s *Store) Write(priv *rsa.PrivateKey, passphrase string) error {
	data, err := wrapKey(priv, passphrase)
	if err != nil {
		return err
	}
	return errors.Wrap(atomic_file.WriteFile(s.path, bytes.NewReader(data)),
		"keystore: write key file")
}

// ChangePassphrase re-encrypts the private key under a new passphrase using
// a write-new-then-rename protocol: write foil.key.new, rename
// foil.key -> foil.key.save, rename foil.key.new -> foil.key, delete
// foil.key.save. A failure mid-sequence leaves the transient files for the
// next open to recover.
func (s *Store) ChangePassphrase(oldPass, newPass string) error {
	if !s.CheckPassphrase(oldPass) {
		return ErrWrongPassphrase
	}
	pair, err := s.TryUnlock(oldPass)
	if err != nil {
		return err
	}

	data, err := wrapKey(pair.Private, newPass)
	if err != nil {
		return err
	}
	newPath := s.path + ".new"
	savePath := s.path + ".save"
	if err := ioutil.WriteFile(newPath, data, 0600); err != nil {
		return errors.Wrap(err, "keystore: write new key file")
	}
	os.Remove(savePath)
	if err := os.Rename(s.path, savePath); err != nil {
		return errors.Wrap(err, "keystore: save old key file")
	}
	if err := os.Rename(newPath, s.path); err != nil {
		return errors.Wrap(err, "keystore: install new key file")
	}
	os.Remove(savePath)
	s.logger.Debug("Passphrase changed")
	return nil
}

// Generate creates a new RSA private key of the given size. It is the
// caller's job to run this on a worker; key generation can take a while.
func Generate(bits int) (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	return priv, errors.Wrap(err, "keystore: generate key")
}

func deriveKEK(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory,
		argonThreads, kekLen)
}

func wrapKey(priv *rsa.PrivateKey, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "keystore: salt")
	}
	kw, err := subtle.NewKWP(deriveKEK(passphrase, salt))
	if err != nil {
		return nil, errors.Wrap(err, "keystore: key wrap init")
	}
	wrapped, err := kw.Wrap(x509.MarshalPKCS1PrivateKey(priv))
	if err != nil {
		return nil, errors.Wrap(err, "keystore: key wrap")
	}

	var flags byte
	if passphrase != "" {
		flags |= flagProtected
	}
	buf := make([]byte, 0, len(keyFileMagicNumber)+3+saltLen+4+len(wrapped))
	buf = append(buf, keyFileMagicNumber...)
	buf = append(buf, keyFileVersion, flags, byte(saltLen))
	buf = append(buf, salt...)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(wrapped)))
	buf = append(buf, u32[:]...)
	buf = append(buf, wrapped...)
	return buf, nil
}

func parseKeyFile(data []byte) (flags byte, salt, wrapped []byte, ok bool) {
	if len(data) < len(keyFileMagicNumber)+3 {
		return 0, nil, nil, false
	}
	for i, b := range keyFileMagicNumber {
		if data[i] != b {
			return 0, nil, nil, false
		}
	}
	pos := len(keyFileMagicNumber)
	if data[pos] != keyFileVersion {
		return 0, nil, nil, false
	}
	flags = data[pos+1]
	sl := int(data[pos+2])
	pos += 3
	if len(data) < pos+sl+4 {
		return 0, nil, nil, false
	}
	salt = data[pos : pos+sl]
	pos += sl
	wl := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if len(data) != pos+wl {
		return 0, nil, nil, false
	}
	return flags, salt, data[pos:], true
}

func unwrapKey(data []byte, passphrase string) (*rsa.PrivateKey, error) {
	_, salt, wrapped, ok := parseKeyFile(data)
	if !ok {
		return nil, errors.New("keystore: invalid key file")
	}
	kw, err := subtle.NewKWP(deriveKEK(passphrase, salt))
	if err != nil {
		return nil, errors.Wrap(err, "keystore: key wrap init")
	}
	der, err := kw.Unwrap(wrapped)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: parse key")
	}
	return priv, nil
}
