package transfer

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ChunkHeader is the JSON header carried on every binary chunk frame.
type ChunkHeader struct {
	TransferID string `json:"transfer_id"`
	ChunkIndex int64  `json:"chunk_index"`
	Checksum   string `json:"checksum"`
	IsLast     bool   `json:"is_last"`
}

const (
	frameLengthPrefix = 4
	// maxHeaderLength bounds the header so a corrupt length prefix cannot
	// drive a huge allocation.
	maxHeaderLength = 4096
)

var (
	ErrFrameTooShort      = errors.New("chunk frame too short")
	ErrFrameHeaderTooLong = errors.New("chunk frame header exceeds limit")
)

// EncodeChunkFrame builds the wire form of a chunk: a 4-byte big-endian
// header length, the JSON header, then the raw payload.
func EncodeChunkFrame(header ChunkHeader, payload []byte) ([]byte, error) {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk header: %w", err)
	}
	if len(headerJSON) > maxHeaderLength {
		return nil, ErrFrameHeaderTooLong
	}

	frame := make([]byte, frameLengthPrefix+len(headerJSON)+len(payload))
	binary.BigEndian.PutUint32(frame[:frameLengthPrefix], uint32(len(headerJSON)))
	copy(frame[frameLengthPrefix:], headerJSON)
	copy(frame[frameLengthPrefix+len(headerJSON):], payload)
	return frame, nil
}

// DecodeChunkFrame parses a chunk frame into its header and payload. The
// payload slice aliases the input.
func DecodeChunkFrame(frame []byte) (ChunkHeader, []byte, error) {
	var header ChunkHeader

	if len(frame) < frameLengthPrefix {
		return header, nil, ErrFrameTooShort
	}
	headerLen := binary.BigEndian.Uint32(frame[:frameLengthPrefix])
	if headerLen > maxHeaderLength {
		return header, nil, ErrFrameHeaderTooLong
	}
	if uint32(len(frame)-frameLengthPrefix) < headerLen {
		return header, nil, ErrFrameTooShort
	}

	headerJSON := frame[frameLengthPrefix : frameLengthPrefix+int(headerLen)]
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return header, nil, fmt.Errorf("unmarshal chunk header: %w", err)
	}
	return header, frame[frameLengthPrefix+int(headerLen):], nil
}
