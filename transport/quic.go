package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
)

const quicALPN = "mtpconn"

// QUICConfig configures the QUIC stream socket.
type QUICConfig struct {
	TLS              *tls.Config
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
	IdleTimeout      time.Duration
}

// NewQUIC returns a Socket carried on a single bidirectional QUIC stream.
// The obfuscated protocol runs over the stream unchanged.
func NewQUIC(cfg QUICConfig) Socket {
	dial := func(ctx context.Context, host string, port int) (net.Conn, error) {
		tlsConf := cfg.TLS
		if tlsConf == nil {
			tlsConf = &tls.Config{
				MinVersion: tls.VersionTLS13,
				NextProtos: []string{quicALPN},
			}
		}
		quicConf := &quic.Config{
			HandshakeIdleTimeout: cfg.HandshakeTimeout,
			KeepAlivePeriod:      cfg.KeepAlive,
			MaxIdleTimeout:       cfg.IdleTimeout,
		}
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "")
			return nil, err
		}
		return &quicStreamConn{Stream: stream, conn: conn}, nil
	}
	return newStreamSocket("quic", dial)
}

// quicStreamConn presents one QUIC stream as a net.Conn; closing it closes
// the whole QUIC connection, matching the one-stream-per-connection model.
type quicStreamConn struct {
	quic.Stream
	conn quic.Connection
}

func (c *quicStreamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicStreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicStreamConn) Close() error {
	err := c.Stream.Close()
	_ = c.conn.CloseWithError(0, "")
	return err
}
