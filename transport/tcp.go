package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/proxy"
)

const defaultDialTimeout = 10 * time.Second

// TCPConfig configures the plain TCP socket. An optional SOCKS5 proxy can
// sit between the client and the server.
type TCPConfig struct {
	DialTimeout   time.Duration
	ProxyAddr     string
	ProxyUser     string
	ProxyPassword string
}

// NewTCP returns a Socket dialing direct TCP, or TCP through the configured
// SOCKS5 proxy.
func NewTCP(cfg TCPConfig) Socket {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dial := func(ctx context.Context, host string, port int) (net.Conn, error) {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		base := &net.Dialer{Timeout: timeout}
		if cfg.ProxyAddr == "" {
			return base.DialContext(ctx, "tcp", addr)
		}

		var auth *proxy.Auth
		if cfg.ProxyUser != "" {
			auth = &proxy.Auth{User: cfg.ProxyUser, Password: cfg.ProxyPassword}
		}
		socks, err := proxy.SOCKS5("tcp", cfg.ProxyAddr, auth, base)
		if err != nil {
			return nil, &ProxyError{Err: err}
		}
		cd, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, &ProxyError{Err: errors.New("proxy dialer lacks context support")}
		}
		conn, err := cd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &ProxyError{Err: err}
		}
		return conn, nil
	}
	return newStreamSocket("tcp", dial)
}

// ProxyError marks a failure on the proxy leg of a dial.
type ProxyError struct {
	Err error
}

func (e *ProxyError) Error() string { return fmt.Sprintf("proxy: %v", e.Err) }
func (e *ProxyError) Unwrap() error { return e.Err }

// Classify maps a socket error to its diagnostic class. The class feeds
// logging only; callers treat every fault the same way.
func Classify(err error) FaultClass {
	if err == nil {
		return FaultOther
	}
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		return FaultProxy
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FaultHostNotFound
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FaultTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return FaultRefused
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return FaultNetwork
	}
	return FaultOther
}
