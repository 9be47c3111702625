package obfs

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	cleartextPrefixLen = 56

	markerOffset = 56
	dcIDOffset   = 60

	// ProtocolMarker identifies the obfuscated transport to the server.
	// It is written inside the nonce tail, so it goes out encrypted.
	ProtocolMarker = 0xEFEFEFEF
)

// Reserved nonce prefixes. A fresh nonce is rejected while its first bytes
// would be recognizable as one of the plaintext transports (HTTP verbs, the
// padded-transport marker) or carry a zero second word.
var (
	reservedFirstByte = byte(0xEF)

	reservedFirstWords = [5]uint32{
		0x44414548, // "HEAD"
		0x54534F50, // "POST"
		0x20544547, // "GET "
		0x20544547,
		0xEEEEEEEE,
	}

	reservedSecondWord = uint32(0x00000000)
)

// ErrHandshakeWritten reports a second write attempt for the same nonce.
var ErrHandshakeWritten = errors.New("obfs: handshake already written")

// Handshake owns one connection's keystream pair and the one-shot nonce
// exchange that establishes it.
type Handshake struct {
	nonce   [NonceSize]byte
	dcID    int16
	written bool

	// Send and Recv are the per-direction keystreams. Each advances as
	// one continuous counter sequence for the connection's lifetime.
	Send cipher.Stream
	Recv cipher.Stream
}

// NewHandshake generates a nonce and derives the keystream pair for one
// connection attempt.
func NewHandshake(secret []byte, dcID int16) (*Handshake, error) {
	h := &Handshake{dcID: dcID}
	if err := generateNonce(&h.nonce); err != nil {
		return nil, err
	}
	send, recv, err := DeriveStreams(&h.nonce, secret)
	if err != nil {
		return nil, err
	}
	h.Send = send
	h.Recv = recv
	return h, nil
}

// WriteTo performs the handshake exchange on w as one atomic operation: it
// stamps the protocol marker and datacenter id into the nonce, writes the
// 56-byte cleartext prefix, runs the send keystream over the whole 64-byte
// buffer and writes the already-encrypted 8-byte tail. The keystreamed tail
// is indistinguishable from the ciphertext that follows it.
func (h *Handshake) WriteTo(w io.Writer) error {
	if h.written {
		return ErrHandshakeWritten
	}
	h.written = true

	binary.LittleEndian.PutUint32(h.nonce[markerOffset:], ProtocolMarker)
	binary.LittleEndian.PutUint16(h.nonce[dcIDOffset:], uint16(h.dcID))

	if _, err := w.Write(h.nonce[:cleartextPrefixLen]); err != nil {
		return fmt.Errorf("obfs: handshake prefix: %w", err)
	}
	h.Send.XORKeyStream(h.nonce[:], h.nonce[:])
	if _, err := w.Write(h.nonce[cleartextPrefixLen:]); err != nil {
		return fmt.Errorf("obfs: handshake tail: %w", err)
	}

	// The nonce is consumed; do not keep key material around.
	h.nonce = [NonceSize]byte{}
	return nil
}

// generateNonce fills nonce with randomness, rejecting any draw whose
// prefix matches a reserved pattern. The forbidden set is closed and
// finite, so this terminates almost immediately.
func generateNonce(nonce *[NonceSize]byte) error {
	for {
		if _, err := rand.Read(nonce[:]); err != nil {
			return fmt.Errorf("obfs: nonce: %w", err)
		}
		if nonceAllowed(nonce) {
			return nil
		}
	}
}

func nonceAllowed(nonce *[NonceSize]byte) bool {
	if nonce[0] == reservedFirstByte {
		return false
	}
	first := binary.LittleEndian.Uint32(nonce[0:4])
	for _, w := range reservedFirstWords {
		if first == w {
			return false
		}
	}
	second := binary.LittleEndian.Uint32(nonce[4:8])
	return second != reservedSecondWord
}
