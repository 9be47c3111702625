package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/hnoh/mtpconn/commons/logger"
)

const eventQueueSize = 32

type dialFunc func(ctx context.Context, host string, port int) (net.Conn, error)

// streamSocket adapts any dialable byte stream to the evented Socket
// contract: a reader goroutine drains the stream into an internal queue and
// posts Readable notifications, so consumers never block on the network.
type streamSocket struct {
	dial   dialFunc
	events chan Event
	done   chan struct{}
	log    *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	state  State
	rbuf   bytes.Buffer
	gen    int
	cancel context.CancelFunc
	closed bool
}

func newStreamSocket(name string, dial dialFunc) *streamSocket {
	return &streamSocket{
		dial:   dial,
		events: make(chan Event, eventQueueSize),
		done:   make(chan struct{}),
		log:    logger.Component(name),
	}
}

func (s *streamSocket) Events() <-chan Event { return s.events }

func (s *streamSocket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *streamSocket) Connect(host string, port int) {
	s.mu.Lock()
	if s.closed || s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		conn, err := s.dial(ctx, host, port)

		s.mu.Lock()
		if gen != s.gen || s.state != StateConnecting {
			s.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.state = StateIdle
			s.mu.Unlock()
			class := Classify(err)
			s.log.Warn("dial failed", "class", class.String(), "host", host, "port", port, "err", err)
			s.post(Event{Kind: Fault, Class: class, Err: err})
			s.post(Event{Kind: Disconnected})
			return
		}
		s.conn = conn
		s.rbuf.Reset()
		s.state = StateConnected
		s.mu.Unlock()

		s.post(Event{Kind: Connected})
		go s.readLoop(conn, gen)
	}()
}

func (s *streamSocket) readLoop(conn net.Conn, gen int) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.mu.Lock()
			if gen != s.gen {
				s.mu.Unlock()
				return
			}
			s.rbuf.Write(buf[:n])
			s.mu.Unlock()
			s.post(Event{Kind: Readable})
		}
		if err != nil {
			s.mu.Lock()
			if gen != s.gen {
				s.mu.Unlock()
				return
			}
			closing := s.state == StateClosing
			s.state = StateIdle
			s.conn = nil
			s.mu.Unlock()

			if !closing && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				class := Classify(err)
				s.log.Warn("read failed", "class", class.String(), "err", err)
				s.post(Event{Kind: Fault, Class: class, Err: err})
			}
			s.post(Event{Kind: Disconnected})
			return
		}
	}
}

// Read drains buffered bytes into p. It returns 0 with no error when
// nothing is queued; a Readable event announces the next arrival.
func (s *streamSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rbuf.Len() == 0 {
		return 0, nil
	}
	return s.rbuf.Read(p)
}

func (s *streamSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, net.ErrClosed
	}
	return conn.Write(p)
}

func (s *streamSocket) Disconnect() {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.state = StateClosing
		conn := s.conn
		s.mu.Unlock()
		_ = conn.Close()
	case StateConnecting:
		s.state = StateIdle
		s.gen++
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.post(Event{Kind: Disconnected})
	default:
		s.mu.Unlock()
	}
}

func (s *streamSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.state = StateIdle
	s.mu.Unlock()

	close(s.done)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *streamSocket) post(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
