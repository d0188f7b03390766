package modbus

import (
	"encoding/binary"
	"fmt"
	"strings"

	gb "github.com/goburrow/modbus"
)

// asciiTransport serves ascii:// serial URLs, which the primary backend
// does not support.
type asciiTransport struct {
	handler *gb.ASCIIClientHandler
	client  gb.Client
}

func newASCIITransport(device string, cfg TransportConfig) *asciiTransport {
	h := gb.NewASCIIClientHandler(device)
	h.BaudRate = int(cfg.BaudRate)
	h.DataBits = int(cfg.DataBits)
	h.StopBits = int(cfg.StopBits)
	h.Timeout = cfg.Timeout
	switch cfg.Parity {
	case "E", "O":
		h.Parity = cfg.Parity
	default:
		h.Parity = "N"
	}
	return &asciiTransport{handler: h, client: gb.NewClient(h)}
}

func (t *asciiTransport) Open() error {
	if err := t.handler.Connect(); err != nil {
		return fmt.Errorf("open modbus ascii port: %w", err)
	}
	return nil
}

func (t *asciiTransport) Close() error {
	return t.handler.Close()
}

func (t *asciiTransport) ReadRegisters(unit uint8, kind RegisterKind, addr, qty uint16) ([]uint16, error) {
	t.handler.SlaveId = unit
	var (
		raw []byte
		err error
	)
	if kind == KindInput {
		raw, err = t.client.ReadInputRegisters(addr, qty)
	} else {
		raw, err = t.client.ReadHoldingRegisters(addr, qty)
	}
	if err != nil {
		return nil, asciiError(err)
	}
	return bytesToWords(raw, qty)
}

func (t *asciiTransport) ReadBits(unit uint8, kind RegisterKind, addr, qty uint16) ([]bool, error) {
	t.handler.SlaveId = unit
	var (
		raw []byte
		err error
	)
	if kind == KindDiscrete {
		raw, err = t.client.ReadDiscreteInputs(addr, qty)
	} else {
		raw, err = t.client.ReadCoils(addr, qty)
	}
	if err != nil {
		return nil, asciiError(err)
	}
	return bytesToBits(raw, qty)
}

func (t *asciiTransport) WriteRegisters(unit uint8, addr uint16, values []uint16) error {
	t.handler.SlaveId = unit
	var err error
	if len(values) == 1 {
		_, err = t.client.WriteSingleRegister(addr, values[0])
	} else {
		_, err = t.client.WriteMultipleRegisters(addr, uint16(len(values)), wordsToBytes(values))
	}
	return asciiError(err)
}

func (t *asciiTransport) WriteCoil(unit uint8, addr uint16, value bool) error {
	t.handler.SlaveId = unit
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := t.client.WriteSingleCoil(addr, v)
	return asciiError(err)
}

func asciiError(err error) error {
	if err == nil {
		return nil
	}
	// The serial backend reports read deadlines as plain errors.
	if isTimeout(err) || strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func bytesToWords(raw []byte, qty uint16) ([]uint16, error) {
	if len(raw) < int(qty)*2 {
		return nil, fmt.Errorf("short register response: %d bytes for %d registers", len(raw), qty)
	}
	out := make([]uint16, qty)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(raw[i*2:])
	}
	return out, nil
}

func wordsToBytes(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(out[i*2:], w)
	}
	return out
}

func bytesToBits(raw []byte, qty uint16) ([]bool, error) {
	if len(raw)*8 < int(qty) {
		return nil, fmt.Errorf("short bit response: %d bytes for %d bits", len(raw), qty)
	}
	out := make([]bool, qty)
	for i := range out {
		out[i] = raw[i/8]&(1<<(uint(i)%8)) != 0
	}
	return out, nil
}
