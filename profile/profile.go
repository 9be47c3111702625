// Package profile defines the portable connection profile: everything a
// client needs to reach one datacenter over the obfuscated transport.
package profile

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/hnoh/mtpconn/commons/config"
	"github.com/hnoh/mtpconn/obfs"
	"github.com/hnoh/mtpconn/transport"
)

// Transport kinds.
const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
)

var errInvalidProfile = errors.New("invalid profile")

// Profile describes one connection target.
type Profile struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	// Secret is the optional 16-byte obfuscation secret, base64-encoded.
	Secret string `json:"secret,omitempty"`
	DCID   int16  `json:"dc_id"`
	// Transport selects the stream carrier: "tcp" (default) or "quic".
	Transport string `json:"transport,omitempty"`

	RetryFloor   config.Duration `json:"retry_floor,omitempty"`
	RetryCeiling config.Duration `json:"retry_ceiling,omitempty"`

	Proxy ProxyConfig `json:"proxy,omitempty"`
	Quic  QuicConfig  `json:"quic,omitempty"`
}

// ProxyConfig points the TCP transport at a SOCKS5 proxy.
type ProxyConfig struct {
	Addr     string `json:"addr,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

// QuicConfig tunes the QUIC stream transport.
type QuicConfig struct {
	KeepAlive   config.Duration `json:"keepalive,omitempty"`
	IdleTimeout config.Duration `json:"idle_timeout,omitempty"`
}

// Validate checks the profile for use.
func (p *Profile) Validate() error {
	if p.Address == "" {
		return fmt.Errorf("%w: address required", errInvalidProfile)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", errInvalidProfile, p.Port)
	}
	switch p.Transport {
	case "", TransportTCP, TransportQUIC:
	default:
		return fmt.Errorf("%w: unknown transport %q", errInvalidProfile, p.Transport)
	}
	if _, err := p.SecretBytes(); err != nil {
		return err
	}
	if p.RetryFloor.Duration < 0 || p.RetryCeiling.Duration < 0 {
		return fmt.Errorf("%w: negative retry bound", errInvalidProfile)
	}
	if p.RetryCeiling.Duration > 0 && p.RetryCeiling.Duration < p.RetryFloor.Duration {
		return fmt.Errorf("%w: retry ceiling below floor", errInvalidProfile)
	}
	return nil
}

// SecretBytes decodes the obfuscation secret. An empty secret is valid; a
// present one must decode to exactly 16 bytes.
func (p *Profile) SecretBytes() ([]byte, error) {
	if p.Secret == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(p.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: secret: %v", errInvalidProfile, err)
	}
	if len(raw) != obfs.SecretSize {
		return nil, fmt.Errorf("%w: secret must be %d bytes, got %d", errInvalidProfile, obfs.SecretSize, len(raw))
	}
	return raw, nil
}

// Socket builds the transport socket the profile asks for.
func (p *Profile) Socket() (transport.Socket, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Transport {
	case TransportQUIC:
		return transport.NewQUIC(transport.QUICConfig{
			KeepAlive:   p.Quic.KeepAlive.Duration,
			IdleTimeout: p.Quic.IdleTimeout.Duration,
		}), nil
	default:
		return transport.NewTCP(transport.TCPConfig{
			ProxyAddr:     p.Proxy.Addr,
			ProxyUser:     p.Proxy.User,
			ProxyPassword: p.Proxy.Password,
		}), nil
	}
}

// RetryBounds returns the configured backoff bounds, zero values meaning
// library defaults.
func (p *Profile) RetryBounds() (floor, ceiling time.Duration) {
	return p.RetryFloor.Duration, p.RetryCeiling.Duration
}
