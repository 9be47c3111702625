package wire

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
)

// The transport-confirmation probe is a one-shot request/response pair sent
// in the plain-message envelope: zero auth key id, a message id, a body
// length, then the body itself. Only the embedded nonce matters here; the
// rest of the response body is ignored.
const (
	probeRequestCtor  = 0x60469778
	probeResponseCtor = 0x05162463

	probeBodyLen = 20 // constructor word + 16-byte nonce
)

// reservedWords lead every outgoing payload buffer; the frame header is
// written into their byte image just before the payload on the wire.
const reservedWords = 3

// ErrBadProbeReply reports a probe response that does not parse or does not
// carry the expected constructor.
var ErrBadProbeReply = errors.New("wire: bad probe reply")

// ProbeNonce is the random value echoed back by a viable transport.
type ProbeNonce [16]byte

// NewProbeNonce returns a fresh random probe nonce.
func NewProbeNonce() (ProbeNonce, error) {
	var n ProbeNonce
	if _, err := rand.Read(n[:]); err != nil {
		return ProbeNonce{}, err
	}
	return n, nil
}

// BuildProbe serializes the probe request carrying nonce, including the
// reserved leading words expected by the frame sender.
func BuildProbe(nonce ProbeNonce) []uint32 {
	words := make([]uint32, reservedWords+10)
	// words[3:5] auth key id (zero), words[5:7] message id (zero for the
	// pre-auth probe), words[7] body length.
	words[reservedWords+4] = probeBodyLen
	words[reservedWords+5] = probeRequestCtor
	for i := 0; i < 4; i++ {
		words[reservedWords+6+i] = binary.LittleEndian.Uint32(nonce[i*4:])
	}
	return words
}

// ParseProbeReply extracts the nonce from a decoded probe response payload.
func ParseProbeReply(words []uint32) (ProbeNonce, error) {
	// Envelope: auth key id (2 words), message id (2 words), body length,
	// constructor, nonce (4 words).
	if len(words) < 10 {
		return ProbeNonce{}, ErrBadProbeReply
	}
	if words[0] != 0 || words[1] != 0 {
		return ProbeNonce{}, ErrBadProbeReply
	}
	if words[5] != probeResponseCtor {
		return ProbeNonce{}, ErrBadProbeReply
	}
	var nonce ProbeNonce
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(nonce[i*4:], words[6+i])
	}
	return nonce, nil
}

// BuildProbeReply serializes a probe response echoing nonce. Servers answer
// with more after the nonce; anything beyond it is ignored by the parser.
func BuildProbeReply(nonce ProbeNonce) []uint32 {
	words := make([]uint32, 10)
	words[4] = probeBodyLen
	words[5] = probeResponseCtor
	for i := 0; i < 4; i++ {
		words[6+i] = binary.LittleEndian.Uint32(nonce[i*4:])
	}
	return words
}
