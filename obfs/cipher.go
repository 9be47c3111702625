// Package obfs disguises the transport byte stream. A 64-byte random
// handshake nonce seeds two independent AES-256-CTR keystreams (one per
// direction); everything after the 56-byte cleartext handshake prefix is
// keystream-encrypted, so the stream carries no fixed protocol signature.
package obfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
)

const (
	// NonceSize is the length of the handshake nonce buffer.
	NonceSize = 64

	// SecretSize is the only shared-secret length that participates in
	// key derivation.
	SecretSize = 16

	keySize = 32
	ivSize  = 16

	// Key material lives in the middle region of the nonce: 32 key bytes
	// at offset 8 followed by 16 IV bytes. The receive direction derives
	// from the byte-reversed middle region.
	keyOffset    = 8
	middleRegion = keySize + ivSize
)

// DeriveStreams derives the send and receive keystreams from a handshake
// nonce. With a 16-byte secret each raw key source is hashed together with
// it; with no secret the raw source is the key; any other secret length
// degrades to an all-zero key rather than silently succeeding.
func DeriveStreams(nonce *[NonceSize]byte, secret []byte) (send, recv cipher.Stream, err error) {
	sendKey := prepareKey(nonce[keyOffset:keyOffset+keySize], secret)
	var sendIV [ivSize]byte
	copy(sendIV[:], nonce[keyOffset+keySize:keyOffset+middleRegion])

	var reversed [middleRegion]byte
	for i := range reversed {
		reversed[i] = nonce[keyOffset+middleRegion-1-i]
	}
	recvKey := prepareKey(reversed[:keySize], secret)
	var recvIV [ivSize]byte
	copy(recvIV[:], reversed[keySize:])

	send, err = newCTR(sendKey, sendIV[:])
	if err != nil {
		return nil, nil, err
	}
	recv, err = newCTR(recvKey, recvIV[:])
	if err != nil {
		return nil, nil, err
	}
	return send, recv, nil
}

func prepareKey(source, secret []byte) [keySize]byte {
	var key [keySize]byte
	switch len(secret) {
	case SecretSize:
		h := sha256.New()
		h.Write(source)
		h.Write(secret)
		h.Sum(key[:0])
	case 0:
		copy(key[:], source)
	default:
		// Leave the key zeroed: a misconfigured secret must not fall
		// back to an unkeyed stream.
	}
	return key
}

func newCTR(key [keySize]byte, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("obfs: ctr setup: %w", err)
	}
	return cipher.NewCTR(block, iv), nil
}
