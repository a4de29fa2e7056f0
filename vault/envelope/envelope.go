// Package envelope implements the encrypted, authenticated container format
// used for every file the vault writes: images, thumbnails and the order
// file. An envelope carries an opaque payload, a content-type string and an
// ordered list of string headers. Confidentiality comes from an AES-256-GCM
// session key wrapped with RSA-OAEP; authenticity from an RSA-PSS signature
// verifiable with the public half of the same key pair.
package envelope

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"
)

// Cipher identifies the symmetric cipher of an envelope body.
type Cipher byte

// CipherAES256GCM is the only cipher this engine writes.
const CipherAES256GCM Cipher = 0x01

const (
	envelopeVersion = 0x01

	// flagSigned marks an envelope carrying a trailing signature. Always
	// set by this engine; tolerated clear on read for forward
	// compatibility.
	flagSigned = 0x01

	headerLen      = 8
	nonceLen       = 12
	sessionKeyLen  = 32
	maxHeaderCount = 1 << 16
)

var (
	// envelopeMagicNumber marks the start of an envelope frame. Chosen by
	// random but deliberately restricted to invalid UTF-8 to reduce the
	// chance of a collision with plaintext files.
	envelopeMagicNumber = []byte{0xF0, 0x9C, 0x17, 0xB6}

	// Encoding is the byte order used for frame serialization.
	Encoding = binary.BigEndian

	// ErrCryptoFailed is returned when an envelope fails to decrypt or
	// authenticate, which includes the wrong-key and corruption cases.
	ErrCryptoFailed = errors.New("envelope: decrypt or verify failed")

	// ErrNotEnvelope is returned when the data does not carry a valid
	// envelope frame.
	ErrNotEnvelope = errors.New("envelope: not an envelope")
)

// Header is one name-value pair attached to an envelope. Order is preserved
// and duplicate names are allowed, though this engine never produces them.
type Header struct {
	Name  string
	Value string
}

// Options control envelope encryption.
type Options struct {
	Cipher Cipher
}

// Envelope is a decrypted container. The signed region and signature are
// retained so the envelope can be authenticated after decryption.
type Envelope struct {
	ContentType string
	Headers     []Header
	Body        []byte

	signed []byte
	sig    []byte
}

// Header returns the value of the first header with the given name, or the
// empty string if the header is absent.
func (e *Envelope) Header(name string) string {
	for _, h := range e.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// Verify authenticates the envelope against the vault's public key.
func (e *Envelope) Verify(pub *rsa.PublicKey) bool {
	if pub == nil || len(e.sig) == 0 {
		return false
	}
	digest := sha256.Sum256(e.signed)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], e.sig, nil) == nil
}

// Info describes the structure of an envelope frame without decrypting it.
type Info struct {
	Version byte
	Cipher  Cipher
	BodyLen int
}

// Parse probes data for a structurally valid envelope frame. No key is
// required; it reports true iff the data looks like an envelope. Used by the
// startup scan to decide whether a vault directory may contain encrypted
// pictures.
func Parse(data []byte) (*Info, bool) {
	if len(data) < headerLen+2 {
		return nil, false
	}
	if !bytes.Equal(data[:len(envelopeMagicNumber)], envelopeMagicNumber) {
		return nil, false
	}
	if data[4] != envelopeVersion {
		return nil, false
	}
	cipherID := Cipher(data[6])
	if cipherID != CipherAES256GCM {
		return nil, false
	}
	pos := headerLen
	wrapLen := int(Encoding.Uint16(data[pos : pos+2]))
	pos += 2 + wrapLen
	if wrapLen == 0 || len(data) < pos+nonceLen+4 {
		return nil, false
	}
	pos += nonceLen
	bodyLen := int(Encoding.Uint32(data[pos : pos+4]))
	pos += 4 + bodyLen
	if len(data) < pos+2 {
		return nil, false
	}
	sigLen := int(Encoding.Uint16(data[pos : pos+2]))
	if len(data) != pos+2+sigLen {
		return nil, false
	}
	return &Info{Version: data[4], Cipher: cipherID, BodyLen: bodyLen}, true
}

// Encrypt writes a single authenticated envelope to w. The private key signs
// the frame; the public key wraps the session key. The codec performs no
// filesystem work beyond the writer it is given.
func Encrypt(w io.Writer, payload []byte, contentType string, headers []Header,
	priv *rsa.PrivateKey, pub *rsa.PublicKey, opts Options) error {

	if opts.Cipher == 0 {
		opts.Cipher = CipherAES256GCM
	}
	if opts.Cipher != CipherAES256GCM {
		return errors.Errorf("envelope: unsupported cipher: %v", opts.Cipher)
	}
	if priv == nil || pub == nil {
		return errors.New("envelope: key pair required")
	}

	inner := marshalInner(payload, contentType, headers)

	sessionKey := make([]byte, sessionKeyLen)
	if _, err := rand.Read(sessionKey); err != nil {
		return errors.Wrap(err, "envelope: session key")
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return errors.Wrap(err, "envelope: nonce")
	}
	ciphertext := gcm.Seal(nil, nonce, inner, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return errors.Wrap(err, "envelope: key wrap")
	}

	frame := make([]byte, headerLen)
	copy(frame, envelopeMagicNumber)
	frame[4] = envelopeVersion
	frame[5] = flagSigned
	frame[6] = byte(opts.Cipher)
	frame[7] = 0x00

	signed := make([]byte, 0, headerLen+nonceLen+len(ciphertext))
	signed = append(signed, frame...)
	signed = append(signed, nonce...)
	signed = append(signed, ciphertext...)
	digest := sha256.Sum256(signed)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], nil)
	if err != nil {
		return errors.Wrap(err, "envelope: sign")
	}

	var buf bytes.Buffer
	buf.Write(frame)
	var u16 [2]byte
	Encoding.PutUint16(u16[:], uint16(len(wrapped)))
	buf.Write(u16[:])
	buf.Write(wrapped)
	buf.Write(nonce)
	var u32 [4]byte
	Encoding.PutUint32(u32[:], uint32(len(ciphertext)))
	buf.Write(u32[:])
	buf.Write(ciphertext)
	Encoding.PutUint16(u16[:], uint16(len(sig)))
	buf.Write(u16[:])
	buf.Write(sig)

	_, err = w.Write(buf.Bytes())
	return errors.Wrap(err, "envelope: write")
}

// Decrypt reads one envelope out of data using the vault's private key.
func Decrypt(priv *rsa.PrivateKey, data []byte) (*Envelope, error) {
	if _, ok := Parse(data); !ok {
		return nil, ErrNotEnvelope
	}

	pos := headerLen
	wrapLen := int(Encoding.Uint16(data[pos : pos+2]))
	pos += 2
	wrapped := data[pos : pos+wrapLen]
	pos += wrapLen
	nonce := data[pos : pos+nonceLen]
	pos += nonceLen
	bodyLen := int(Encoding.Uint32(data[pos : pos+4]))
	pos += 4
	ciphertext := data[pos : pos+bodyLen]
	pos += bodyLen
	sigLen := int(Encoding.Uint16(data[pos : pos+2]))
	pos += 2
	sig := data[pos : pos+sigLen]

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, ErrCryptoFailed
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, ErrCryptoFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrCryptoFailed
	}
	inner, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCryptoFailed
	}

	env, err := unmarshalInner(inner)
	if err != nil {
		return nil, err
	}
	signed := make([]byte, 0, headerLen+nonceLen+len(ciphertext))
	signed = append(signed, data[:headerLen]...)
	signed = append(signed, nonce...)
	signed = append(signed, ciphertext...)
	env.signed = signed
	env.sig = append([]byte(nil), sig...)
	return env, nil
}

// DecryptFile reads and decrypts one envelope from path.
func DecryptFile(priv *rsa.PrivateKey, path string) (*Envelope, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "envelope: read file")
	}
	return Decrypt(priv, data)
}

// marshalInner serializes the confidential part of the envelope: the
// content type, the ordered header list and the payload, with uvarint
// length prefixes.
func marshalInner(payload []byte, contentType string, headers []Header) []byte {
	var buf bytes.Buffer
	writeUvarintString(&buf, contentType)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(headers)))
	buf.Write(tmp[:n])
	for _, h := range headers {
		writeUvarintString(&buf, h.Name)
		writeUvarintString(&buf, h.Value)
	}
	buf.Write(payload)
	return buf.Bytes()
}

func unmarshalInner(inner []byte) (*Envelope, error) {
	r := bytes.NewReader(inner)
	contentType, err := readUvarintString(r)
	if err != nil {
		return nil, ErrCryptoFailed
	}
	count, err := binary.ReadUvarint(r)
	if err != nil || count > maxHeaderCount {
		return nil, ErrCryptoFailed
	}
	headers := make([]Header, 0, count)
	for i := uint64(0); i < count; i++ {
		name, err := readUvarintString(r)
		if err != nil {
			return nil, ErrCryptoFailed
		}
		value, err := readUvarintString(r)
		if err != nil {
			return nil, ErrCryptoFailed
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	body := make([]byte, r.Len())
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, ErrCryptoFailed
	}
	return &Envelope{ContentType: contentType, Headers: headers, Body: body}, nil
}

func writeUvarintString(buf *bytes.Buffer, s string) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(s)))
	buf.Write(tmp[:n])
	buf.WriteString(s)
}

func readUvarintString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", errors.New("envelope: truncated string")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
