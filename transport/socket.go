// Package transport provides the byte-stream socket the connection runs
// over. Implementations deliver readiness events over a channel; reads are
// non-blocking drains of an internal receive queue, so the consumer keeps
// all protocol state on its own goroutine.
package transport

// EventKind identifies a socket readiness notification.
type EventKind int

const (
	// Connected reports the stream is established and writable.
	Connected EventKind = iota + 1
	// Disconnected reports the stream is gone; no more events follow
	// until the next Connect.
	Disconnected
	// Readable reports buffered bytes are available to Read.
	Readable
	// Fault reports a socket error. A Disconnected event follows.
	Fault
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Readable:
		return "readable"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// FaultClass tags a socket fault for diagnostics. It never influences
// control flow: every fault is equally fatal to the connection.
type FaultClass int

const (
	FaultOther FaultClass = iota
	FaultRefused
	FaultHostNotFound
	FaultTimeout
	FaultNetwork
	FaultProxy
)

func (c FaultClass) String() string {
	switch c {
	case FaultRefused:
		return "refused"
	case FaultHostNotFound:
		return "host-not-found"
	case FaultTimeout:
		return "timeout"
	case FaultNetwork:
		return "network"
	case FaultProxy:
		return "proxy"
	default:
		return "other"
	}
}

// Event is one readiness notification from a socket.
type Event struct {
	Kind  EventKind
	Class FaultClass
	Err   error
}

// State reflects the socket lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "idle"
	}
}

// Socket is the transport primitive consumed by the connection. Connect and
// Disconnect are asynchronous; outcomes arrive on the Events channel. Read
// drains buffered bytes and returns 0 when nothing is queued.
type Socket interface {
	Connect(host string, port int)
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Disconnect()
	Close() error
	Events() <-chan Event
	State() State
}
