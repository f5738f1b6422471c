package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplyHelpers(t *testing.T) {
	ack := Ack(7)
	assert.Equal(t, TypeAck, ack.Type)
	assert.Equal(t, uint64(7), ack.Seq)
	assert.False(t, ack.IsRequest())

	reply := Error(8, CodeUnauthorized, "bad credentials")
	assert.False(t, reply.IsRequest())
	assert.Equal(t, CodeUnauthorized, reply.Code)

	assert.True(t, Frame{Type: TypeMessage}.IsRequest())
}

func TestDecodeKeepsBinaryPayload(t *testing.T) {
	data, err := json.Marshal(Frame{Type: TypeMessage, Seq: 1, ID: "m1", Destination: []string{"bob"}, Data: []byte{0, 1, 2}})
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, frame.Data)
	assert.Equal(t, []string{"bob"}, frame.Destination)

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}
