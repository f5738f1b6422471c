package relay

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// codecVersion is the first byte of every sealed record.
const codecVersion byte = 1

const codecKeyInfo = "RELAY_OUTBOX_KEY_V1"

// Codec seals and opens outbox records with a key bound to the application
// secret, the package identity and the device id.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the record key. It fails with EncryptionInitError when any
// input is missing or the cipher cannot be built.
func NewCodec(secret string, packageIdentity string, deviceID string) (*Codec, error) {
	if secret == "" {
		return nil, NewError(EncryptionInitError, "static secret is required")
	}
	if deviceID == "" {
		return nil, NewError(EncryptionInitError, "device id is required")
	}

	salt := sha256.Sum256([]byte(packageIdentity + "\x00" + deviceID))
	reader := hkdf.New(sha256.New, []byte(secret), salt[:], []byte(codecKeyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	defer wipe(key)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, NewError(EncryptionInitError, "derive key", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, NewError(EncryptionInitError, "create cipher", err)
	}
	return &Codec{aead: aead}, nil
}

// Seal encrypts plaintext into version || nonce || ciphertext.
func (codec *Codec) Seal(plaintext []byte) ([]byte, error) {
	if codec == nil {
		return nil, errors.New("nil codec")
	}
	nonce := make([]byte, codec.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, NewError(StorageError, "generate nonce", err)
	}
	output := make([]byte, 0, 1+len(nonce)+len(plaintext)+codec.aead.Overhead())
	output = append(output, codecVersion)
	output = append(output, nonce...)
	return codec.aead.Seal(output, nonce, plaintext, nil), nil
}

// Open decrypts a record produced by Seal.
func (codec *Codec) Open(record []byte) ([]byte, error) {
	if codec == nil {
		return nil, errors.New("nil codec")
	}
	nonceSize := codec.aead.NonceSize()
	if len(record) < 1+nonceSize+codec.aead.Overhead() {
		return nil, NewError(StorageError, "record too short")
	}
	if record[0] != codecVersion {
		return nil, NewError(StorageError, "unsupported record version")
	}
	plaintext, err := codec.aead.Open(nil, record[1:1+nonceSize], record[1+nonceSize:], nil)
	if err != nil {
		return nil, NewError(StorageError, "decrypt record", err)
	}
	return plaintext, nil
}

// NewWriter returns a writer that buffers plaintext and writes one sealed
// record to w on Close.
func (codec *Codec) NewWriter(w io.Writer) io.WriteCloser {
	return &sealWriter{codec: codec, target: w}
}

// NewReader reads one sealed record from r and returns its plaintext.
func (codec *Codec) NewReader(r io.Reader) (io.Reader, error) {
	record, err := io.ReadAll(r)
	if err != nil {
		return nil, NewError(StorageError, "read record", err)
	}
	plaintext, err := codec.Open(record)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(plaintext), nil
}

type sealWriter struct {
	codec  *Codec
	target io.Writer
	buffer bytes.Buffer
	closed bool
}

func (writer *sealWriter) Write(data []byte) (int, error) {
	if writer.closed {
		return 0, errors.New("write on closed seal writer")
	}
	return writer.buffer.Write(data)
}

func (writer *sealWriter) Close() error {
	if writer.closed {
		return nil
	}
	writer.closed = true
	plaintext := writer.buffer.Bytes()
	defer wipe(plaintext)
	record, err := writer.codec.Seal(plaintext)
	if err != nil {
		return err
	}
	_, err = writer.target.Write(record)
	return err
}

// wipe zeroes sensitive bytes.
func wipe(data []byte) {
	if len(data) == 0 {
		return
	}
	clear(data)
	runtime.KeepAlive(data)
}
