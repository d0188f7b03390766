package modbus

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	sv "github.com/simonvetter/modbus"
)

// registerBank is a simonvetter server handler backed by maps.
type registerBank struct {
	mu      sync.Mutex
	holding map[uint16]uint16
	coils   map[uint16]bool
	units   map[uint8]bool
}

func (b *registerBank) HandleCoils(req *sv.CoilsRequest) ([]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.units[req.UnitId] {
		return nil, sv.ErrIllegalFunction
	}
	if req.IsWrite {
		for i, v := range req.Args {
			b.coils[req.Addr+uint16(i)] = v
		}
		return nil, nil
	}
	out := make([]bool, req.Quantity)
	for i := range out {
		out[i] = b.coils[req.Addr+uint16(i)]
	}
	return out, nil
}

func (b *registerBank) HandleDiscreteInputs(req *sv.DiscreteInputsRequest) ([]bool, error) {
	return make([]bool, req.Quantity), nil
}

func (b *registerBank) HandleHoldingRegisters(req *sv.HoldingRegistersRequest) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.units[req.UnitId] {
		return nil, sv.ErrIllegalFunction
	}
	if req.IsWrite {
		for i, v := range req.Args {
			b.holding[req.Addr+uint16(i)] = v
		}
		return nil, nil
	}
	out := make([]uint16, req.Quantity)
	for i := range out {
		out[i] = b.holding[req.Addr+uint16(i)]
	}
	return out, nil
}

func (b *registerBank) HandleInputRegisters(req *sv.InputRegistersRequest) ([]uint16, error) {
	out := make([]uint16, req.Quantity)
	for i := range out {
		out[i] = uint16(req.Addr) + uint16(i)
	}
	return out, nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

func TestSimonvetterTransport_TCP(t *testing.T) {
	addr := freeAddr(t)
	bank := &registerBank{
		holding: map[uint16]uint16{10: 0x4148, 11: 0x0000},
		coils:   map[uint16]bool{},
		units:   map[uint8]bool{1: true, 2: true},
	}
	srv, err := sv.NewServer(&sv.ServerConfiguration{
		URL:        "tcp://" + addr,
		Timeout:    5 * time.Second,
		MaxClients: 2,
	}, bank)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	cfg := DefaultTransportConfig()
	cfg.URL = "tcp://" + addr
	cfg.Timeout = 500 * time.Millisecond
	tr, err := NewTransport(cfg)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	if err := tr.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	words, err := tr.ReadRegisters(1, KindHolding, 10, 2)
	if err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}
	v, _ := TypeFloat32.Decode(words)
	if v != 12.5 {
		t.Errorf("float32 = %v, want 12.5", v)
	}

	in, err := tr.ReadRegisters(2, KindInput, 7, 1)
	if err != nil || in[0] != 7 {
		t.Errorf("input register = %v, %v", in, err)
	}

	if err := tr.WriteRegisters(1, 20, []uint16{1, 2}); err != nil {
		t.Fatalf("WriteRegisters: %v", err)
	}
	if err := tr.WriteRegisters(1, 30, []uint16{9}); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	if err := tr.WriteCoil(1, 5, true); err != nil {
		t.Fatalf("WriteCoil: %v", err)
	}
	bits, err := tr.ReadBits(1, KindCoil, 5, 1)
	if err != nil || !bits[0] {
		t.Errorf("coil = %v, %v", bits, err)
	}

	bank.mu.Lock()
	got := fmt.Sprint(bank.holding[20], bank.holding[21], bank.holding[30])
	bank.mu.Unlock()
	if got != "1 2 9" {
		t.Errorf("holding after write = %s", got)
	}

	// Unknown unit answers with an exception, which is not a timeout.
	if _, err := tr.ReadRegisters(9, KindHolding, 0, 1); err == nil || errors.Is(err, ErrTimeout) {
		t.Errorf("unknown unit: err = %v", err)
	}
}

func TestSimonvetterTransport_OpenRefused(t *testing.T) {
	cfg := DefaultTransportConfig()
	cfg.URL = "tcp://" + freeAddr(t)
	cfg.Timeout = 200 * time.Millisecond
	tr, err := NewTransport(cfg)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	if err := tr.Open(); err == nil {
		tr.Close()
		t.Fatal("expected connection error")
	}
}
