package transfer

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onlitec/onlidesk-broker/internal/fileguard"
)

func TestChunkFrameRoundTrip(t *testing.T) {
	payload := []byte("chunk payload bytes")
	header := ChunkHeader{
		TransferID: "t-1",
		ChunkIndex: 7,
		Checksum:   fileguard.ChunkChecksum(payload),
		IsLast:     true,
	}

	frame, err := EncodeChunkFrame(header, payload)
	require.NoError(t, err)

	decoded, gotPayload, err := DecodeChunkFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, header, decoded)
	assert.Equal(t, payload, gotPayload)
}

func TestChunkFrameEmptyPayload(t *testing.T) {
	frame, err := EncodeChunkFrame(ChunkHeader{TransferID: "t-1"}, nil)
	require.NoError(t, err)

	header, payload, err := DecodeChunkFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "t-1", header.TransferID)
	assert.Empty(t, payload)
}

func TestDecodeChunkFrameErrors(t *testing.T) {
	t.Run("too short for prefix", func(t *testing.T) {
		_, _, err := DecodeChunkFrame([]byte{0, 0})
		assert.ErrorIs(t, err, ErrFrameTooShort)
	})

	t.Run("header length beyond frame", func(t *testing.T) {
		frame := make([]byte, 8)
		binary.BigEndian.PutUint32(frame, 100)
		_, _, err := DecodeChunkFrame(frame)
		assert.ErrorIs(t, err, ErrFrameTooShort)
	})

	t.Run("absurd header length", func(t *testing.T) {
		frame := make([]byte, 8)
		binary.BigEndian.PutUint32(frame, 1<<30)
		_, _, err := DecodeChunkFrame(frame)
		assert.ErrorIs(t, err, ErrFrameHeaderTooLong)
	})

	t.Run("corrupt header json", func(t *testing.T) {
		frame := make([]byte, 4+5)
		binary.BigEndian.PutUint32(frame, 5)
		copy(frame[4:], "not{j")
		_, _, err := DecodeChunkFrame(frame)
		assert.Error(t, err)
	})
}
