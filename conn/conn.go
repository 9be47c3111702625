// Package conn manages the lifecycle of one obfuscated transport
// connection: socket events in, decoded frames out, with a
// transport-confirmation probe and timeout-driven reconnect in between.
//
// All connection state lives on a single run-loop goroutine. Socket
// readiness events, timer expiries and API calls are serialized onto it, so
// the keystreams, the receive buffer and the phase are never touched
// concurrently.
package conn

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hnoh/mtpconn/commons/logger"
	"github.com/hnoh/mtpconn/commons/metrics"
	"github.com/hnoh/mtpconn/obfs"
	"github.com/hnoh/mtpconn/transport"
	"github.com/hnoh/mtpconn/wire"
)

// Phase is the connection lifecycle state.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseAwaitingConfirmation
	PhaseActive
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseAwaitingConfirmation:
		return "awaiting-confirmation"
	case PhaseActive:
		return "active"
	case PhaseClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Error codes surfaced through Handler.OnError. Fatal conditions collapse
// to ErrCodeOther at this boundary; logs carry the detail.
const (
	ErrCodeOther       int32 = -499
	errCodeBadResponse int32 = -500
)

const (
	defaultRetryFloor   = 2 * time.Second
	defaultRetryCeiling = 8 * time.Second

	minSendWords = 3
)

// Handler receives connection events. Callbacks run on the connection's
// run-loop goroutine and must return promptly. Nil callbacks are skipped.
type Handler struct {
	OnConnected    func()
	OnDisconnected func()
	OnDataReceived func(payload []uint32)
	OnError        func(code int32)
}

// Options configures a Conn.
type Options struct {
	// Socket carries the byte stream. Required.
	Socket transport.Socket
	// Handler receives connection events.
	Handler Handler
	// RetryFloor and RetryCeiling bound the confirmation backoff.
	RetryFloor   time.Duration
	RetryCeiling time.Duration
	// Logger overrides the default component logger.
	Logger *slog.Logger
}

// Conn is one obfuscated transport connection.
type Conn struct {
	sock    transport.Socket
	handler Handler
	log     *slog.Logger

	floor   time.Duration
	ceiling time.Duration

	commands chan func()
	closed   chan struct{}

	// Cross-goroutine reads; written only by the run loop.
	phase atomic.Int32
	rtt   atomic.Int64

	stats metrics.ConnStats

	// Run-loop-owned state.
	host       string
	port       int
	secret     []byte
	dcID       int16
	hs         *obfs.Handshake
	asm        assembler
	packetNum  uint32
	probeNonce wire.ProbeNonce
	backoff    time.Duration
	timedOut   bool
	timer      *time.Timer
	timerArmed bool
	pingSentAt time.Time
	poisoned   bool
	readBuf    [4096]byte
}

// New creates a connection over sock and starts its run loop. The
// connection stays idle until Connect.
func New(opts Options) *Conn {
	floor := opts.RetryFloor
	if floor <= 0 {
		floor = defaultRetryFloor
	}
	ceiling := opts.RetryCeiling
	if ceiling < floor {
		ceiling = defaultRetryCeiling
	}
	log := opts.Logger
	if log == nil {
		log = logger.Component("conn")
	}
	c := &Conn{
		sock:     opts.Socket,
		handler:  opts.Handler,
		log:      log,
		floor:    floor,
		ceiling:  ceiling,
		commands: make(chan func(), 16),
		closed:   make(chan struct{}),
		backoff:  floor,
		timer:    time.NewTimer(time.Hour),
	}
	if !c.timer.Stop() {
		<-c.timer.C
	}
	go c.run()
	return c
}

// Connect starts connecting to host:port. A non-empty 16-byte secret keys
// the obfuscation; dcID identifies the target datacenter in the handshake.
func (c *Conn) Connect(host string, port int, secret []byte, dcID int16) {
	c.do(func() {
		if Phase(c.phase.Load()) != PhaseIdle {
			return
		}
		c.host = host
		c.port = port
		c.secret = append([]byte(nil), secret...)
		c.dcID = dcID
		c.backoff = c.floor
		c.setPhase(PhaseConnecting)
		c.sock.Connect(host, port)
	})
}

// Send transmits one payload. The first 3 words of the buffer are
// transport-reserved scratch for the frame header; shorter buffers are
// rejected as malformed. Failures surface through Handler.OnError.
func (c *Conn) Send(payload []uint32) {
	words := append([]uint32(nil), payload...)
	c.do(func() { c.sendWords(words) })
}

// Disconnect closes the connection. Terminal: all further operations are
// no-ops.
func (c *Conn) Disconnect() {
	c.do(func() { c.shutdown() })
}

// IsConnected reports whether the transport-confirmation handshake has
// completed.
func (c *Conn) IsConnected() bool {
	return Phase(c.phase.Load()) == PhaseActive
}

// Phase returns the current lifecycle phase.
func (c *Conn) Phase() Phase {
	return Phase(c.phase.Load())
}

// RoundTripTime returns the probe round-trip time, or 0 while not
// connected.
func (c *Conn) RoundTripTime() time.Duration {
	if !c.IsConnected() {
		return 0
	}
	return time.Duration(c.rtt.Load())
}

// Stats returns a snapshot of the connection diagnostics counters.
func (c *Conn) Stats() metrics.ConnStatsSnapshot {
	return c.stats.Snapshot()
}

func (c *Conn) setPhase(p Phase) {
	c.phase.Store(int32(p))
}

// do schedules fn on the run loop; it is dropped once the connection is
// closed.
func (c *Conn) do(fn func()) {
	select {
	case c.commands <- fn:
	case <-c.closed:
	}
}

func (c *Conn) run() {
	for {
		select {
		case <-c.closed:
			return
		case fn := <-c.commands:
			fn()
		case ev := <-c.sock.Events():
			c.handleSocketEvent(ev)
		case <-c.timer.C:
			if c.timerArmed {
				c.timerArmed = false
				c.handleTimeout()
			}
		}
	}
}

func (c *Conn) handleSocketEvent(ev transport.Event) {
	if Phase(c.phase.Load()) == PhaseClosed {
		return
	}
	switch ev.Kind {
	case transport.Connected:
		c.handleConnected()
	case transport.Readable:
		c.handleReadable()
	case transport.Disconnected:
		c.handleDisconnected()
	case transport.Fault:
		c.log.Error("socket fault", "class", ev.Class.String(), "err", ev.Err)
		c.fail(ErrCodeOther)
	}
}

// handleConnected starts a fresh transport confirmation: clean cipher and
// reassembly state, a new probe nonce, and the retry timer armed at the
// current backoff.
func (c *Conn) handleConnected() {
	phase := Phase(c.phase.Load())
	if phase != PhaseConnecting && phase != PhaseAwaitingConfirmation {
		return
	}
	c.hs = nil
	c.asm.reset()
	c.poisoned = false
	c.packetNum = 0
	c.timedOut = false

	nonce, err := wire.NewProbeNonce()
	if err != nil {
		c.log.Error("probe nonce generation failed", "err", err)
		c.fail(ErrCodeOther)
		return
	}
	c.probeNonce = nonce
	c.setPhase(PhaseAwaitingConfirmation)
	c.armTimer(c.backoff)
	c.pingSentAt = time.Now()
	c.log.Debug("sending transport probe", "host", c.host, "backoff", c.backoff)
	c.sendWords(wire.BuildProbe(nonce))
}

// handleReadable drains the socket. Bytes are deobfuscated as they arrive
// and fed to the assembler; a zero-byte read just ends the loop until the
// next readiness event.
func (c *Conn) handleReadable() {
	if c.poisoned {
		return
	}
	for {
		n, err := c.sock.Read(c.readBuf[:])
		if err != nil {
			c.log.Error("socket read failed", "err", err)
			c.fail(ErrCodeOther)
			return
		}
		if n == 0 {
			return
		}
		c.stats.BytesReceived.Add(int64(n))
		if c.hs == nil {
			c.log.Error("data received before handshake")
			c.fail(ErrCodeOther)
			return
		}
		chunk := c.readBuf[:n]
		c.hs.Recv.XORKeyStream(chunk, chunk)
		if err := c.asm.push(chunk, c.handleFrame); err != nil {
			if !c.poisoned {
				c.log.Error("frame stream corrupted", "err", err)
				c.fail(ErrCodeOther)
			}
			return
		}
	}
}

// errStopStream aborts frame delivery after a fatal error: nothing further
// from the byte stream may be processed.
var errStopStream = errors.New("conn: stream aborted")

func (c *Conn) handleFrame(frame []byte) error {
	if Phase(c.phase.Load()) == PhaseClosed {
		return nil
	}
	words, err := wire.ParseFrame(frame)
	if err != nil {
		c.log.Error("bad frame", "len", len(frame), "err", err)
		c.fail(errCodeBadResponse)
		return errStopStream
	}
	// A single-word frame is an error packet carrying its code.
	if len(words) == 1 {
		c.log.Error("error packet received", "code", int32(words[0]))
		c.fail(int32(words[0]))
		return errStopStream
	}

	switch Phase(c.phase.Load()) {
	case PhaseActive:
		c.stats.PacketsReceived.Add(1)
		if c.handler.OnDataReceived != nil {
			c.handler.OnDataReceived(append([]uint32(nil), words...))
		}
	case PhaseAwaitingConfirmation:
		nonce, err := wire.ParseProbeReply(words)
		if err != nil {
			// Not a usable probe reply; the handshake stays pending
			// and the retry timer keeps running.
			c.log.Debug("probe reply parse failed", "err", err)
			return nil
		}
		if nonce != c.probeNonce {
			c.log.Debug("probe nonce mismatch")
			return nil
		}
		c.disarmTimer()
		c.timedOut = false
		rtt := time.Since(c.pingSentAt)
		c.rtt.Store(int64(rtt))
		c.backoff = c.floor
		c.setPhase(PhaseActive)
		c.log.Info("transport confirmed", "host", c.host, "rtt", rtt)
		if c.handler.OnConnected != nil {
			c.handler.OnConnected()
		}
	}
	return nil
}

// handleTimeout fires while the confirmation is still pending: double the
// backoff up to the ceiling, then bounce the socket so the next attempt
// starts clean.
func (c *Conn) handleTimeout() {
	phase := Phase(c.phase.Load())
	if phase != PhaseConnecting && phase != PhaseAwaitingConfirmation {
		return
	}
	if c.backoff < c.ceiling {
		c.backoff *= 2
		if c.backoff > c.ceiling {
			c.backoff = c.ceiling
		}
	}
	c.timedOut = true
	c.log.Debug("confirmation timeout", "next_backoff", c.backoff)

	switch c.sock.State() {
	case transport.StateConnected, transport.StateConnecting:
		c.sock.Disconnect()
	case transport.StateClosing:
		// Teardown already in flight; the disconnect event reconnects.
	default:
		c.reconnect()
	}
}

// handleDisconnected either reconnects silently (when the drop was our own
// timeout-driven teardown) or surfaces the disconnection to the caller.
func (c *Conn) handleDisconnected() {
	if c.timedOut {
		c.timedOut = false
		phase := Phase(c.phase.Load())
		if phase == PhaseConnecting || phase == PhaseAwaitingConfirmation {
			c.reconnect()
			return
		}
	}
	switch Phase(c.phase.Load()) {
	case PhaseConnecting, PhaseAwaitingConfirmation, PhaseActive:
		c.disarmTimer()
		c.setPhase(PhaseIdle)
		c.log.Info("disconnected", "host", c.host)
		if c.handler.OnDisconnected != nil {
			c.handler.OnDisconnected()
		}
	}
}

func (c *Conn) reconnect() {
	c.stats.Reconnects.Add(1)
	c.setPhase(PhaseConnecting)
	c.sock.Connect(c.host, c.port)
}

// sendWords frames and transmits one payload buffer. The first send on a
// fresh transport performs the obfuscation handshake exactly once; the
// frame header is written into the byte image of the reserved words and
// everything from the header on is keystreamed.
func (c *Conn) sendWords(words []uint32) {
	if Phase(c.phase.Load()) == PhaseClosed {
		return
	}
	if len(words) < minSendWords {
		c.log.Error("send rejected: payload too short", "words", len(words))
		c.fail(ErrCodeOther)
		return
	}

	if c.hs == nil {
		hs, err := obfs.NewHandshake(c.secret, c.dcID)
		if err != nil {
			c.log.Error("handshake setup failed", "err", err)
			c.fail(ErrCodeOther)
			return
		}
		if err := hs.WriteTo(c.sock); err != nil {
			c.log.Error("handshake write failed", "err", err)
			c.fail(ErrCodeOther)
			return
		}
		c.hs = hs
	}
	c.packetNum++

	size := len(words) - minSendWords
	data := wire.WordsToBytes(words)
	var out []byte
	if size < 0x7f {
		data[11] = byte(size)
		out = data[11:]
	} else {
		data[8] = 0x7f
		data[9] = byte(size)
		data[10] = byte(size >> 8)
		data[11] = byte(size >> 16)
		out = data[8:]
	}
	c.hs.Send.XORKeyStream(out, out)
	if _, err := c.sock.Write(out); err != nil {
		c.log.Error("socket write failed", "packet", c.packetNum, "err", err)
		c.fail(ErrCodeOther)
		return
	}
	c.stats.PacketsSent.Add(1)
	c.stats.BytesSent.Add(int64(len(out)))
	c.log.Debug("packet written", "packet", c.packetNum, "len", len(out))
}

// fail discards any partially buffered data and raises the generic error
// signal. The caller is expected to close and recreate the connection.
func (c *Conn) fail(code int32) {
	c.poisoned = true
	c.asm.reset()
	if c.handler.OnError != nil {
		c.handler.OnError(code)
	}
}

func (c *Conn) shutdown() {
	if Phase(c.phase.Load()) == PhaseClosed {
		return
	}
	c.setPhase(PhaseClosed)
	c.disarmTimer()
	_ = c.sock.Close()
	close(c.closed)
}

func (c *Conn) armTimer(d time.Duration) {
	c.disarmTimer()
	c.timer.Reset(d)
	c.timerArmed = true
}

func (c *Conn) disarmTimer() {
	if !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
	c.timerArmed = false
}
