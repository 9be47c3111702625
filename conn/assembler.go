package conn

import (
	"errors"

	"github.com/hnoh/mtpconn/wire"
)

const inlineBufSize = 4096

// assembler accumulates deobfuscated socket bytes and carves out complete
// frames. Small traffic stays in a fixed inline buffer; a frame that would
// overflow it promotes the accumulated bytes to a heap buffer, which is
// dropped again as soon as the buffer drains.
type assembler struct {
	inline [inlineBufSize]byte
	heap   []byte // nil while the inline buffer is in use
	length int    // buffered bytes not yet consumed by a complete frame
	// pending is the byte count still missing from the size-known frame
	// at the start of the buffer. While pending > 0 the buffer holds at
	// most that one in-progress frame.
	pending int
}

func (a *assembler) buf() []byte {
	if a.heap != nil {
		return a.heap
	}
	return a.inline[:]
}

func (a *assembler) reset() {
	a.heap = nil
	a.length = 0
	a.pending = 0
}

// push appends p and hands every complete frame to deliver, in arrival
// order. Frame slices passed to deliver alias the internal buffer and are
// only valid during the call. A non-nil return aborts the stream: either a
// malformed frame or an error from deliver.
func (a *assembler) push(p []byte, deliver func([]byte) error) error {
	a.grow(len(p))
	copy(a.buf()[a.length:], p)
	a.length += len(p)

	if a.pending > 0 {
		if len(p) < a.pending {
			a.pending -= len(p)
			return nil
		}
		a.pending = 0
	}
	return a.scan(deliver)
}

// scan re-reads headers from the start of the buffer, delivering complete
// frames until it runs out of whole ones. A single socket read can carry
// several frames back to back, so this loops rather than decoding once.
func (a *assembler) scan(deliver func([]byte) error) error {
	consumed := 0
	for a.length-consumed >= wire.WordSize {
		view := a.buf()[consumed:a.length]
		total, err := wire.FrameLen(view)
		if err != nil {
			if errors.Is(err, wire.ErrShortHeader) {
				break
			}
			return err
		}
		if len(view) < total {
			a.pending = total - len(view)
			break
		}
		if err := deliver(view[:total]); err != nil {
			return err
		}
		consumed += total
	}
	a.compact(consumed)
	return nil
}

func (a *assembler) compact(consumed int) {
	if consumed == 0 {
		return
	}
	remaining := a.length - consumed
	if remaining == 0 {
		a.reset()
		return
	}
	if a.heap != nil && remaining <= inlineBufSize {
		copy(a.inline[:], a.heap[consumed:a.length])
		a.heap = nil
	} else {
		b := a.buf()
		copy(b, b[consumed:a.length])
	}
	a.length = remaining
}

// grow makes room for n more bytes, promoting to (or resizing) the heap
// buffer when the inline one cannot hold the data. When the current frame's
// total size is already known the buffer is sized for the whole frame up
// front.
func (a *assembler) grow(n int) {
	need := a.length + n
	if a.pending > 0 {
		if t := a.length + a.pending; t > need {
			need = t
		}
	}
	if a.heap == nil {
		if need <= inlineBufSize {
			return
		}
		heap := make([]byte, need+wire.WordSize)
		copy(heap, a.inline[:a.length])
		a.heap = heap
		return
	}
	if need > len(a.heap) {
		heap := make([]byte, need+wire.WordSize)
		copy(heap, a.heap[:a.length])
		a.heap = heap
	}
}
