package relay

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec("s3cret", "com.example.app", "device-1")
	require.NoError(t, err)
	return codec
}

func TestCodecRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	large := make([]byte, MaxPayloadSize)
	_, err := rand.Read(large)
	require.NoError(t, err)

	for name, input := range map[string][]byte{
		"empty": {},
		"small": []byte("hello"),
		"max":   large,
	} {
		t.Run(name, func(t *testing.T) {
			record, err := codec.Seal(input)
			require.NoError(t, err)
			if len(input) > 0 {
				assert.False(t, bytes.Contains(record, input), "record must not contain plaintext")
			}
			output, err := codec.Open(record)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(input, output))
		})
	}
}

func TestCodecSealUsesFreshNonce(t *testing.T) {
	codec := newTestCodec(t)
	first, err := codec.Seal([]byte("same"))
	require.NoError(t, err)
	second, err := codec.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestCodecRejectsTamperedAndForeignRecords(t *testing.T) {
	codec := newTestCodec(t)
	record, err := codec.Seal([]byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), record...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = codec.Open(tampered)
	assert.ErrorIs(t, err, ErrStorage)

	badVersion := append([]byte(nil), record...)
	badVersion[0] = 9
	_, err = codec.Open(badVersion)
	assert.ErrorIs(t, err, ErrStorage)

	_, err = codec.Open(record[:5])
	assert.ErrorIs(t, err, ErrStorage)

	other, err := NewCodec("s3cret", "com.example.app", "device-2")
	require.NoError(t, err)
	_, err = other.Open(record)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestCodecInitFailures(t *testing.T) {
	_, err := NewCodec("", "pkg", "device")
	assert.ErrorIs(t, err, ErrEncryptionInit)
	_, err = NewCodec("secret", "pkg", "")
	assert.ErrorIs(t, err, ErrEncryptionInit)

	var codec *Codec
	_, err = codec.Seal(nil)
	assert.Error(t, err)
	_, err = codec.Open(nil)
	assert.Error(t, err)
}

func TestCodecStreams(t *testing.T) {
	codec := newTestCodec(t)
	var sealed bytes.Buffer

	writer := codec.NewWriter(&sealed)
	_, err := writer.Write([]byte("part one, "))
	require.NoError(t, err)
	_, err = writer.Write([]byte("part two"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	require.NoError(t, writer.Close())
	_, err = writer.Write([]byte("late"))
	assert.Error(t, err)

	reader, err := codec.NewReader(bytes.NewReader(sealed.Bytes()))
	require.NoError(t, err)
	plaintext, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "part one, part two", string(plaintext))

	_, err = codec.NewReader(bytes.NewReader([]byte("garbage")))
	assert.ErrorIs(t, err, ErrStorage)
}
