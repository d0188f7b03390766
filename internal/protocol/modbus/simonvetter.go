package modbus

import (
	"errors"
	"fmt"
	"net"
	"os"

	sv "github.com/simonvetter/modbus"
)

// simonvetterTransport serves tcp, rtu and rtuovertcp URLs.
type simonvetterTransport struct {
	client *sv.ModbusClient
	unit   int // last unit id sent to the client, -1 if none
}

func newSimonvetterTransport(cfg TransportConfig) (*simonvetterTransport, error) {
	var parity uint
	switch cfg.Parity {
	case "E":
		parity = sv.PARITY_EVEN
	case "O":
		parity = sv.PARITY_ODD
	default:
		parity = sv.PARITY_NONE
	}

	client, err := sv.NewClient(&sv.ClientConfiguration{
		URL:      cfg.URL,
		Speed:    cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   parity,
		StopBits: cfg.StopBits,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create modbus client: %w", err)
	}
	return &simonvetterTransport{client: client, unit: -1}, nil
}

func (t *simonvetterTransport) Open() error {
	if err := t.client.Open(); err != nil {
		return fmt.Errorf("open modbus connection: %w", err)
	}
	return nil
}

func (t *simonvetterTransport) Close() error {
	return t.client.Close()
}

func (t *simonvetterTransport) setUnit(unit uint8) error {
	if int(unit) == t.unit {
		return nil
	}
	if err := t.client.SetUnitId(unit); err != nil {
		return err
	}
	t.unit = int(unit)
	return nil
}

func (t *simonvetterTransport) ReadRegisters(unit uint8, kind RegisterKind, addr, qty uint16) ([]uint16, error) {
	if err := t.setUnit(unit); err != nil {
		return nil, err
	}
	regType := sv.HOLDING_REGISTER
	if kind == KindInput {
		regType = sv.INPUT_REGISTER
	}
	values, err := t.client.ReadRegisters(addr, qty, regType)
	return values, svError(err)
}

func (t *simonvetterTransport) ReadBits(unit uint8, kind RegisterKind, addr, qty uint16) ([]bool, error) {
	if err := t.setUnit(unit); err != nil {
		return nil, err
	}
	var (
		values []bool
		err    error
	)
	if kind == KindDiscrete {
		values, err = t.client.ReadDiscreteInputs(addr, qty)
	} else {
		values, err = t.client.ReadCoils(addr, qty)
	}
	return values, svError(err)
}

func (t *simonvetterTransport) WriteRegisters(unit uint8, addr uint16, values []uint16) error {
	if err := t.setUnit(unit); err != nil {
		return err
	}
	if len(values) == 1 {
		return svError(t.client.WriteRegister(addr, values[0]))
	}
	return svError(t.client.WriteRegisters(addr, values))
}

func (t *simonvetterTransport) WriteCoil(unit uint8, addr uint16, value bool) error {
	if err := t.setUnit(unit); err != nil {
		return err
	}
	return svError(t.client.WriteCoil(addr, value))
}

func svError(err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) || errors.Is(err, sv.ErrRequestTimedOut) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
