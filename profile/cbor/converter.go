// Package cborprofile converts connection profiles between their JSON form
// and a compact integer-keyed CBOR form suitable for QR codes and deep
// links.
package cborprofile

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/hnoh/mtpconn/commons/config"
	"github.com/hnoh/mtpconn/profile"
)

// Version of the CBOR profile encoding.
const Version = 1

const (
	keyVersion      uint64 = 0
	keyName         uint64 = 1
	keyAddress      uint64 = 2
	keyPort         uint64 = 3
	keySecret       uint64 = 4
	keyDCID         uint64 = 5
	keyTransport    uint64 = 6
	keyRetryFloor   uint64 = 7 // milliseconds
	keyRetryCeiling uint64 = 8 // milliseconds
	keyProxy        uint64 = 9
	keyQuic         uint64 = 10
)

const (
	keyProxyAddr     uint64 = 1
	keyProxyUser     uint64 = 2
	keyProxyPassword uint64 = 3
)

const (
	keyQuicKeepAlive   uint64 = 1 // milliseconds
	keyQuicIdleTimeout uint64 = 2 // milliseconds
)

type cborMap = map[uint64]any

// Encode renders the profile as integer-keyed CBOR.
func Encode(p *profile.Profile) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	m := cborMap{
		keyVersion: uint64(Version),
		keyAddress: p.Address,
		keyPort:    uint64(p.Port),
		keyDCID:    int64(p.DCID),
	}
	if p.Name != "" {
		m[keyName] = p.Name
	}
	if p.Secret != "" {
		m[keySecret] = p.Secret
	}
	if p.Transport != "" {
		m[keyTransport] = p.Transport
	}
	if d := p.RetryFloor.Duration; d > 0 {
		m[keyRetryFloor] = uint64(d / time.Millisecond)
	}
	if d := p.RetryCeiling.Duration; d > 0 {
		m[keyRetryCeiling] = uint64(d / time.Millisecond)
	}
	if p.Proxy.Addr != "" {
		proxy := cborMap{keyProxyAddr: p.Proxy.Addr}
		if p.Proxy.User != "" {
			proxy[keyProxyUser] = p.Proxy.User
			proxy[keyProxyPassword] = p.Proxy.Password
		}
		m[keyProxy] = proxy
	}
	if p.Quic.KeepAlive.Duration > 0 || p.Quic.IdleTimeout.Duration > 0 {
		quic := cborMap{}
		if d := p.Quic.KeepAlive.Duration; d > 0 {
			quic[keyQuicKeepAlive] = uint64(d / time.Millisecond)
		}
		if d := p.Quic.IdleTimeout.Duration; d > 0 {
			quic[keyQuicIdleTimeout] = uint64(d / time.Millisecond)
		}
		m[keyQuic] = quic
	}
	return cbor.Marshal(m)
}

// Decode parses an integer-keyed CBOR profile.
func Decode(data []byte) (*profile.Profile, error) {
	var raw map[uint64]cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}

	var version uint64
	if err := unmarshalKey(raw, keyVersion, &version); err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("unsupported profile version %d", version)
	}

	p := &profile.Profile{}
	if err := unmarshalKey(raw, keyName, &p.Name); err != nil {
		return nil, err
	}
	if err := unmarshalKey(raw, keyAddress, &p.Address); err != nil {
		return nil, err
	}
	var port uint64
	if err := unmarshalKey(raw, keyPort, &port); err != nil {
		return nil, err
	}
	p.Port = int(port)
	if err := unmarshalKey(raw, keySecret, &p.Secret); err != nil {
		return nil, err
	}
	var dcID int64
	if err := unmarshalKey(raw, keyDCID, &dcID); err != nil {
		return nil, err
	}
	p.DCID = int16(dcID)
	if err := unmarshalKey(raw, keyTransport, &p.Transport); err != nil {
		return nil, err
	}
	if d, err := durationKey(raw, keyRetryFloor); err != nil {
		return nil, err
	} else {
		p.RetryFloor = config.Duration{Duration: d}
	}
	if d, err := durationKey(raw, keyRetryCeiling); err != nil {
		return nil, err
	} else {
		p.RetryCeiling = config.Duration{Duration: d}
	}

	var proxy map[uint64]cbor.RawMessage
	if err := unmarshalKey(raw, keyProxy, &proxy); err != nil {
		return nil, err
	}
	if proxy != nil {
		if err := unmarshalKey(proxy, keyProxyAddr, &p.Proxy.Addr); err != nil {
			return nil, err
		}
		if err := unmarshalKey(proxy, keyProxyUser, &p.Proxy.User); err != nil {
			return nil, err
		}
		if err := unmarshalKey(proxy, keyProxyPassword, &p.Proxy.Password); err != nil {
			return nil, err
		}
	}

	var quic map[uint64]cbor.RawMessage
	if err := unmarshalKey(raw, keyQuic, &quic); err != nil {
		return nil, err
	}
	if quic != nil {
		if d, err := durationKey(quic, keyQuicKeepAlive); err != nil {
			return nil, err
		} else {
			p.Quic.KeepAlive = config.Duration{Duration: d}
		}
		if d, err := durationKey(quic, keyQuicIdleTimeout); err != nil {
			return nil, err
		} else {
			p.Quic.IdleTimeout = config.Duration{Duration: d}
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func unmarshalKey(m map[uint64]cbor.RawMessage, key uint64, out any) error {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	if err := cbor.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode profile key %d: %w", key, err)
	}
	return nil
}

func durationKey(m map[uint64]cbor.RawMessage, key uint64) (time.Duration, error) {
	var ms uint64
	if err := unmarshalKey(m, key, &ms); err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
