// Package wire implements the variable-length framing used on the
// obfuscated transport: a 1-byte header for payloads shorter than 0x7f
// 32-bit words, or a 4-byte header (0x7f marker plus a 3-byte little-endian
// word count) for longer ones.
package wire

import (
	"encoding/binary"
	"errors"
)

const (
	// MaxPacketSize bounds the total byte length of a single frame.
	MaxPacketSize = 64 * 1024 * 1024

	// MinFrameLen is the shortest legal frame: a 1-word payload behind a
	// 1-byte header.
	MinFrameLen = 5

	// WordSize is the payload alignment unit.
	WordSize = 4

	longHeaderMarker = 0x7f
)

var (
	// ErrShortHeader reports that fewer bytes are available than the
	// header needs; the caller must retry once more data arrives.
	ErrShortHeader = errors.New("wire: incomplete frame header")

	// ErrMalformedFrame reports a declared frame length outside
	// [MinFrameLen, MaxPacketSize] or a header/payload length mismatch.
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// DecodeHeader reads a frame header from the start of b. It returns the
// declared payload word count and the header length in bytes.
//
// A first byte above the long-form marker is not a legal header; it decodes
// to a zero word count so the resulting total length fails validation.
func DecodeHeader(b []byte) (wordCount, headerLen int, err error) {
	if len(b) < 1 {
		return 0, 0, ErrShortHeader
	}
	switch first := b[0]; {
	case first < longHeaderMarker:
		return int(first), 1, nil
	case first == longHeaderMarker:
		if len(b) < 4 {
			return 0, 0, ErrShortHeader
		}
		wc := int(b[1]) | int(b[2])<<8 | int(b[3])<<16
		return wc, 4, nil
	default:
		return 0, 1, nil
	}
}

// EncodeHeader emits the header for a payload of wordCount 32-bit words:
// one byte for counts below 0x7f, the 4-byte long form otherwise.
func EncodeHeader(wordCount int) []byte {
	if wordCount < longHeaderMarker {
		return []byte{byte(wordCount)}
	}
	return []byte{
		longHeaderMarker,
		byte(wordCount),
		byte(wordCount >> 8),
		byte(wordCount >> 16),
	}
}

// FrameLen returns the total byte length (header plus payload) of the frame
// starting at b, validated against the protocol bounds.
func FrameLen(b []byte) (int, error) {
	wc, hdr, err := DecodeHeader(b)
	if err != nil {
		return 0, err
	}
	total := hdr + wc*WordSize
	if total < MinFrameLen || total > MaxPacketSize {
		return 0, ErrMalformedFrame
	}
	return total, nil
}

// ParseFrame validates a complete frame and returns its payload words.
// The declared word count must match the bytes actually present.
func ParseFrame(frame []byte) ([]uint32, error) {
	if len(frame) < MinFrameLen || len(frame) > MaxPacketSize {
		return nil, ErrMalformedFrame
	}
	size := int(int8(frame[0]))
	payloadLen := len(frame) - 1
	if size == longHeaderMarker {
		size = int(frame[1]) | int(frame[2])<<8 | int(frame[3])<<16
		payloadLen -= 3
	}
	if size*WordSize != payloadLen {
		return nil, ErrMalformedFrame
	}
	return BytesToWords(frame[len(frame)-payloadLen:]), nil
}

// WordsToBytes serializes words as little-endian 32-bit values.
func WordsToBytes(words []uint32) []byte {
	out := make([]byte, len(words)*WordSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*WordSize:], w)
	}
	return out
}

// BytesToWords deserializes little-endian 32-bit values; len(b) must be
// word-aligned.
func BytesToWords(b []byte) []uint32 {
	out := make([]uint32, len(b)/WordSize)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*WordSize:])
	}
	return out
}
