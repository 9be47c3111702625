package conn

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hnoh/mtpconn/obfs"
	"github.com/hnoh/mtpconn/transport"
	"github.com/hnoh/mtpconn/wire"
)

const waitTimeout = 2 * time.Second

// memSocket is an in-memory Socket driven by the test: Connect attempts are
// surfaced on a channel and completed with accept, inbound bytes are queued
// with deliver, and every Write is captured whole.
type memSocket struct {
	mu    sync.Mutex
	state transport.State
	rbuf  []byte

	events   chan transport.Event
	writes   chan []byte
	connects chan string
}

func newMemSocket() *memSocket {
	return &memSocket{
		events:   make(chan transport.Event, 64),
		writes:   make(chan []byte, 64),
		connects: make(chan string, 16),
	}
}

func (s *memSocket) Connect(host string, port int) {
	s.mu.Lock()
	s.state = transport.StateConnecting
	s.mu.Unlock()
	s.connects <- fmt.Sprintf("%s:%d", host, port)
}

func (s *memSocket) accept() {
	s.mu.Lock()
	s.state = transport.StateConnected
	s.mu.Unlock()
	s.events <- transport.Event{Kind: transport.Connected}
}

func (s *memSocket) deliver(p []byte) {
	s.mu.Lock()
	s.rbuf = append(s.rbuf, p...)
	s.mu.Unlock()
	s.events <- transport.Event{Kind: transport.Readable}
}

func (s *memSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(p, s.rbuf)
	s.rbuf = s.rbuf[n:]
	return n, nil
}

func (s *memSocket) Write(p []byte) (int, error) {
	s.writes <- append([]byte(nil), p...)
	return len(p), nil
}

func (s *memSocket) Disconnect() {
	s.mu.Lock()
	s.state = transport.StateIdle
	s.rbuf = nil
	s.mu.Unlock()
	s.events <- transport.Event{Kind: transport.Disconnected}
}

func (s *memSocket) Close() error {
	s.mu.Lock()
	s.state = transport.StateIdle
	s.mu.Unlock()
	return nil
}

func (s *memSocket) Events() <-chan transport.Event { return s.events }

func (s *memSocket) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// fakeServer plays the remote end of the obfuscated stream. It derives the
// keystream pair from the captured handshake the same way the remote does:
// from the 56-byte cleartext prefix, with the client-to-server stream
// advanced across the full 64-byte handshake image.
type fakeServer struct {
	t    *testing.T
	dec  cipher.Stream // decrypts client-to-server bytes
	enc  cipher.Stream // encrypts server-to-client bytes
	dcID int16
}

func newFakeServer(t *testing.T, secret, handshake []byte) *fakeServer {
	t.Helper()
	require.Len(t, handshake, obfs.NonceSize)

	var nonce [obfs.NonceSize]byte
	copy(nonce[:], handshake[:56])
	dec, enc, err := obfs.DeriveStreams(&nonce, secret)
	require.NoError(t, err)

	// Decrypting the full 64-byte image recovers the tail and leaves the
	// client-to-server stream positioned after the handshake.
	image := append([]byte(nil), handshake...)
	dec.XORKeyStream(image, image)
	require.Equal(t, uint32(obfs.ProtocolMarker), binary.LittleEndian.Uint32(image[56:60]),
		"handshake tail must carry the protocol marker")

	return &fakeServer{
		t:    t,
		dec:  dec,
		enc:  enc,
		dcID: int16(binary.LittleEndian.Uint16(image[60:62])),
	}
}

// decodeFrame decrypts one captured write and parses it as a frame.
func (s *fakeServer) decodeFrame(raw []byte) []uint32 {
	s.t.Helper()
	buf := append([]byte(nil), raw...)
	s.dec.XORKeyStream(buf, buf)
	words, err := wire.ParseFrame(buf)
	require.NoError(s.t, err)
	return words
}

// encodeFrame frames payload and encrypts it for the client.
func (s *fakeServer) encodeFrame(payload []uint32) []byte {
	buf := append(wire.EncodeHeader(len(payload)), wire.WordsToBytes(payload)...)
	s.enc.XORKeyStream(buf, buf)
	return buf
}

type recorder struct {
	connected    chan struct{}
	disconnected chan struct{}
	payloads     chan []uint32
	errs         chan int32
}

func newRecorder() *recorder {
	return &recorder{
		connected:    make(chan struct{}, 8),
		disconnected: make(chan struct{}, 8),
		payloads:     make(chan []uint32, 8),
		errs:         make(chan int32, 8),
	}
}

func (r *recorder) handler() Handler {
	return Handler{
		OnConnected:    func() { r.connected <- struct{}{} },
		OnDisconnected: func() { r.disconnected <- struct{}{} },
		OnDataReceived: func(p []uint32) { r.payloads <- p },
		OnError:        func(code int32) { r.errs <- code },
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func nextWrite(t *testing.T, sock *memSocket) []byte {
	t.Helper()
	select {
	case w := <-sock.writes:
		return w
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a socket write")
		return nil
	}
}

func nextConnect(t *testing.T, sock *memSocket) string {
	t.Helper()
	select {
	case addr := <-sock.connects:
		return addr
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a connect attempt")
		return ""
	}
}

// sync waits until the run loop has processed everything delivered so far.
func syncLoop(t *testing.T, c *Conn) {
	t.Helper()
	done := make(chan struct{})
	c.do(func() { close(done) })
	waitSignal(t, done, "run loop turnaround")
}

// drainHandshake collects the two handshake writes (56-byte cleartext
// prefix, 8-byte encrypted tail) and returns the full 64-byte image.
func drainHandshake(t *testing.T, sock *memSocket) []byte {
	t.Helper()
	prefix := nextWrite(t, sock)
	require.Len(t, prefix, 56)
	tail := nextWrite(t, sock)
	require.Len(t, tail, 8)
	return append(prefix, tail...)
}

func TestConfirmationHandshake(t *testing.T) {
	secret := []byte("0123456789abcdef")
	sock := newMemSocket()
	rec := newRecorder()
	c := New(Options{Socket: sock, Handler: rec.handler(), Logger: testLogger()})
	t.Cleanup(c.Disconnect)

	c.Connect("10.0.0.1", 443, secret, 2)
	require.Equal(t, "10.0.0.1:443", nextConnect(t, sock))
	sock.accept()

	srv := newFakeServer(t, secret, drainHandshake(t, sock))
	assert.Equal(t, int16(2), srv.dcID)

	probe := srv.decodeFrame(nextWrite(t, sock))
	require.Len(t, probe, 10)
	nonce, err := parseProbeRequest(probe)
	require.NoError(t, err)
	require.Equal(t, PhaseAwaitingConfirmation, c.Phase())

	sock.deliver(srv.encodeFrame(wire.BuildProbeReply(nonce)))
	waitSignal(t, rec.connected, "connected event")

	assert.True(t, c.IsConnected())
	assert.Equal(t, PhaseActive, c.Phase())
	assert.Greater(t, c.RoundTripTime(), time.Duration(0))

	syncLoop(t, c)
	assert.Empty(t, rec.connected, "connected event must fire exactly once")
}

func TestBackToBackFramesInOneRead(t *testing.T) {
	c, sock, srv, rec := establishActive(t, nil)
	defer c.Disconnect()

	first := srv.encodeFrame([]uint32{10, 20, 30})
	second := srv.encodeFrame([]uint32{1, 2, 3, 4, 5})
	sock.deliver(append(first, second...))

	got := nextPayload(t, rec)
	assert.Equal(t, []uint32{10, 20, 30}, got)
	got = nextPayload(t, rec)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, got)

	syncLoop(t, c)
	assert.Empty(t, rec.payloads)
}

func TestSendFramesPayload(t *testing.T) {
	c, sock, srv, _ := establishActive(t, []byte("fedcba9876543210"))
	defer c.Disconnect()

	c.Send([]uint32{0, 0, 0, 0xdeadbeef, 42})
	words := srv.decodeFrame(nextWrite(t, sock))
	assert.Equal(t, []uint32{0xdeadbeef, 42}, words)
}

func TestSendRejectsShortPayload(t *testing.T) {
	c, _, _, rec := establishActive(t, nil)
	defer c.Disconnect()

	c.Send([]uint32{1, 2})
	assert.Equal(t, ErrCodeOther, nextErr(t, rec))
}

func TestConfirmationBackoffDoubles(t *testing.T) {
	sock := newMemSocket()
	rec := newRecorder()
	c := New(Options{
		Socket:       sock,
		Handler:      rec.handler(),
		RetryFloor:   40 * time.Millisecond,
		RetryCeiling: 160 * time.Millisecond,
		Logger:       testLogger(),
	})
	t.Cleanup(c.Disconnect)

	c.Connect("10.0.0.1", 443, nil, 0)
	nextConnect(t, sock)
	sock.accept()
	drainHandshake(t, sock)
	nextWrite(t, sock) // probe frame

	// No reply: each expiry bounces the socket and reconnects with a
	// doubled backoff.
	nextConnect(t, sock)
	sock.accept()
	drainHandshake(t, sock)
	nextWrite(t, sock)
	assert.Equal(t, 80*time.Millisecond, currentBackoff(t, c))

	nextConnect(t, sock)
	sock.accept()
	drainHandshake(t, sock)
	nextWrite(t, sock)
	assert.Equal(t, 160*time.Millisecond, currentBackoff(t, c))

	// Ceiling reached: the next cycle keeps the same backoff.
	nextConnect(t, sock)
	sock.accept()
	drainHandshake(t, sock)
	nextWrite(t, sock)
	assert.Equal(t, 160*time.Millisecond, currentBackoff(t, c))

	assert.Equal(t, int64(3), c.Stats().Reconnects)
	assert.Empty(t, rec.disconnected, "timeout-driven drops stay silent")
}

func TestBackoffResetsOnConfirmation(t *testing.T) {
	sock := newMemSocket()
	rec := newRecorder()
	c := New(Options{
		Socket:       sock,
		Handler:      rec.handler(),
		RetryFloor:   40 * time.Millisecond,
		RetryCeiling: 320 * time.Millisecond,
		Logger:       testLogger(),
	})
	t.Cleanup(c.Disconnect)

	c.Connect("10.0.0.1", 443, nil, 0)
	nextConnect(t, sock)
	sock.accept()
	drainHandshake(t, sock)
	nextWrite(t, sock)

	// Let one timeout pass, then answer the second probe.
	nextConnect(t, sock)
	sock.accept()
	srv := newFakeServer(t, nil, drainHandshake(t, sock))
	probe := srv.decodeFrame(nextWrite(t, sock))
	nonce, err := parseProbeRequest(probe)
	require.NoError(t, err)
	sock.deliver(srv.encodeFrame(wire.BuildProbeReply(nonce)))
	waitSignal(t, rec.connected, "connected event")

	assert.Equal(t, 40*time.Millisecond, currentBackoff(t, c))
}

func TestMalformedFramePoisonsStream(t *testing.T) {
	c, sock, srv, rec := establishActive(t, nil)
	defer c.Disconnect()

	// A first byte above the long-form marker declares an impossible
	// total length.
	bad := []byte{0x80, 0, 0, 0}
	srv.enc.XORKeyStream(bad, bad)
	sock.deliver(bad)
	assert.Equal(t, ErrCodeOther, nextErr(t, rec))

	// Nothing further from this byte stream is processed.
	sock.deliver(srv.encodeFrame([]uint32{7, 8, 9}))
	syncLoop(t, c)
	assert.Empty(t, rec.payloads)
}

func TestErrorPacketSurfacesCode(t *testing.T) {
	c, sock, srv, rec := establishActive(t, nil)
	defer c.Disconnect()

	errCode := int32(-404)
	sock.deliver(srv.encodeFrame([]uint32{uint32(errCode)}))
	assert.Equal(t, int32(-404), nextErr(t, rec))

	sock.deliver(srv.encodeFrame([]uint32{7, 8, 9}))
	syncLoop(t, c)
	assert.Empty(t, rec.payloads)
}

func TestProbeReplyNonceMismatchIgnored(t *testing.T) {
	secret := []byte("0123456789abcdef")
	sock := newMemSocket()
	rec := newRecorder()
	c := New(Options{Socket: sock, Handler: rec.handler(), Logger: testLogger()})
	t.Cleanup(c.Disconnect)

	c.Connect("10.0.0.1", 443, secret, 2)
	nextConnect(t, sock)
	sock.accept()
	srv := newFakeServer(t, secret, drainHandshake(t, sock))
	probe := srv.decodeFrame(nextWrite(t, sock))
	nonce, err := parseProbeRequest(probe)
	require.NoError(t, err)

	var wrong wire.ProbeNonce
	copy(wrong[:], nonce[:])
	wrong[0] ^= 0xff
	sock.deliver(srv.encodeFrame(wire.BuildProbeReply(wrong)))
	syncLoop(t, c)
	assert.Equal(t, PhaseAwaitingConfirmation, c.Phase())
	assert.Empty(t, rec.connected)

	// The real reply still completes the handshake.
	sock.deliver(srv.encodeFrame(wire.BuildProbeReply(nonce)))
	waitSignal(t, rec.connected, "connected event")
	assert.Equal(t, PhaseActive, c.Phase())
}

func TestRemoteDisconnectSurfaces(t *testing.T) {
	c, sock, _, rec := establishActive(t, nil)
	defer c.Disconnect()

	sock.Disconnect()
	waitSignal(t, rec.disconnected, "disconnected event")
	assert.False(t, c.IsConnected())
}

func TestDisconnectIsTerminal(t *testing.T) {
	c, sock, _, _ := establishActive(t, nil)

	c.Disconnect()
	syncWait := time.After(waitTimeout)
	for c.Phase() != PhaseClosed {
		select {
		case <-syncWait:
			t.Fatal("connection never closed")
		case <-time.After(time.Millisecond):
		}
	}

	// Further operations are dropped without effect.
	c.Connect("10.0.0.2", 443, nil, 0)
	select {
	case addr := <-sock.connects:
		t.Fatalf("unexpected connect attempt to %s after close", addr)
	case <-time.After(50 * time.Millisecond):
	}
}

// establishActive is the scenario-1 exchange packaged as a fixture.
func establishActive(t *testing.T, secret []byte) (*Conn, *memSocket, *fakeServer, *recorder) {
	t.Helper()
	sock := newMemSocket()
	rec := newRecorder()
	c := New(Options{Socket: sock, Handler: rec.handler(), Logger: testLogger()})

	c.Connect("10.0.0.1", 443, secret, 2)
	nextConnect(t, sock)
	sock.accept()
	srv := newFakeServer(t, secret, drainHandshake(t, sock))
	probe := srv.decodeFrame(nextWrite(t, sock))
	nonce, err := parseProbeRequest(probe)
	require.NoError(t, err)
	sock.deliver(srv.encodeFrame(wire.BuildProbeReply(nonce)))
	waitSignal(t, rec.connected, "connected event")
	return c, sock, srv, rec
}

// parseProbeRequest extracts the nonce from a decoded probe request the same
// way a remote would: envelope words, then the request constructor.
func parseProbeRequest(words []uint32) (wire.ProbeNonce, error) {
	var nonce wire.ProbeNonce
	if len(words) < 10 || words[0] != 0 || words[1] != 0 {
		return nonce, fmt.Errorf("bad probe envelope")
	}
	if words[5] != 0x60469778 {
		return nonce, fmt.Errorf("bad probe constructor %#x", words[5])
	}
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(nonce[i*4:], words[6+i])
	}
	return nonce, nil
}

func currentBackoff(t *testing.T, c *Conn) time.Duration {
	t.Helper()
	got := make(chan time.Duration, 1)
	c.do(func() { got <- c.backoff })
	select {
	case d := <-got:
		return d
	case <-time.After(waitTimeout):
		t.Fatal("timed out reading backoff")
		return 0
	}
}

func nextPayload(t *testing.T, rec *recorder) []uint32 {
	t.Helper()
	select {
	case p := <-rec.payloads:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a data event")
		return nil
	}
}

func nextErr(t *testing.T, rec *recorder) int32 {
	t.Helper()
	select {
	case code := <-rec.errs:
		return code
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an error event")
		return 0
	}
}
