// Package modbus implements the Modbus bridge protocol: a shared bus
// transport and per-register read and write tasks.
package modbus

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrTimeout is wrapped by transports when a unit did not answer in time.
var ErrTimeout = errors.New("modbus: request timed out")

// RegisterKind selects the Modbus data table.
type RegisterKind string

const (
	KindHolding  RegisterKind = "holding"
	KindInput    RegisterKind = "input"
	KindCoil     RegisterKind = "coil"
	KindDiscrete RegisterKind = "discrete"
)

// IsBit reports whether the table holds single bits.
func (k RegisterKind) IsBit() bool {
	return k == KindCoil || k == KindDiscrete
}

// ParseRegisterKind converts a config value. Empty means holding.
func ParseRegisterKind(s string) (RegisterKind, error) {
	switch RegisterKind(s) {
	case "":
		return KindHolding, nil
	case KindHolding, KindInput, KindCoil, KindDiscrete:
		return RegisterKind(s), nil
	}
	return "", fmt.Errorf("unknown register kind %q", s)
}

// Transport is a bus connection shared by all devices of a bridge. Calls
// are made from the bridge loop only and need not be concurrency safe.
type Transport interface {
	Open() error
	Close() error
	ReadRegisters(unit uint8, kind RegisterKind, addr, qty uint16) ([]uint16, error)
	ReadBits(unit uint8, kind RegisterKind, addr, qty uint16) ([]bool, error)
	WriteRegisters(unit uint8, addr uint16, values []uint16) error
	WriteCoil(unit uint8, addr uint16, value bool) error
}

// TransportConfig describes the bus.
type TransportConfig struct {
	// URL selects the backend: tcp://host:port, rtu:///dev/ttyUSB0,
	// rtuovertcp://host:port or ascii:///dev/ttyUSB0.
	URL      string
	BaudRate uint
	DataBits uint
	Parity   string // "N", "E" or "O"
	StopBits uint
	Timeout  time.Duration
}

// DefaultTransportConfig returns sensible serial defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		Timeout:  time.Second,
	}
}

// NewTransport creates the backend matching cfg.URL.
func NewTransport(cfg TransportConfig) (Transport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse modbus url: %w", err)
	}
	switch u.Scheme {
	case "tcp", "rtu", "rtuovertcp", "udp":
		return newSimonvetterTransport(cfg)
	case "ascii":
		return newASCIITransport(u.Path, cfg), nil
	}
	return nil, fmt.Errorf("unsupported modbus url scheme %q", u.Scheme)
}
