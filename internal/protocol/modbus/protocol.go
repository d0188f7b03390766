package modbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/me/gobridge/internal/channel"
	"github.com/me/gobridge/internal/convert"
	"github.com/me/gobridge/internal/scheduler"
	"github.com/me/gobridge/internal/task"
)

// Register maps one channel of a device to a Modbus address.
type Register struct {
	Channel  string
	Kind     RegisterKind
	Address  uint16
	Type     DataType
	Priority task.Priority
	// Expression converts the decoded value after reading.
	Expression string
	// Writable registers get a write task that flushes pending setpoints.
	Writable bool
	// WriteExpression converts a setpoint before encoding.
	WriteExpression string
}

// Device is one Modbus unit on the bus.
type Device struct {
	Name      string
	Unit      uint8
	Registers []Register
}

// Protocol drives a Modbus bus for one bridge.
type Protocol struct {
	transport Transport
	values    *channel.Store
	guard     *scheduler.DefectiveGuard
	sources   []task.Source
	logger    *slog.Logger

	mu   sync.Mutex
	open bool
}

var _ scheduler.Protocol = (*Protocol)(nil)

// New builds read and write tasks for devices. Conversion expressions are
// compiled here so configuration errors surface before the bridge starts.
func New(transport Transport, devices []Device, values *channel.Store, guard *scheduler.DefectiveGuard, logger *slog.Logger) (*Protocol, error) {
	p := &Protocol{
		transport: transport,
		values:    values,
		guard:     guard,
		logger:    logger.With("component", "modbus"),
	}
	for _, d := range devices {
		src, err := p.buildSource(d)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.Name, err)
		}
		p.sources = append(p.sources, src)
	}
	return p, nil
}

// Sources returns one task source per device.
func (p *Protocol) Sources() []task.Source { return p.sources }

// Initialize (re)opens the transport.
func (p *Protocol) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		p.transport.Close()
		p.open = false
	}
	if err := p.transport.Open(); err != nil {
		return err
	}
	p.open = true
	p.logger.Info("modbus transport opened")
	return nil
}

// Dispose closes the transport.
func (p *Protocol) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return
	}
	if err := p.transport.Close(); err != nil {
		p.logger.Warn("close modbus transport", "error", err)
	}
	p.open = false
}

// UnitEndpoint is the defective-guard endpoint id of a unit.
func UnitEndpoint(unit uint8) string {
	return fmt.Sprintf("unit-%d", unit)
}

func (p *Protocol) buildSource(d Device) (task.Source, error) {
	var reads []task.ReadTask
	var writes []task.WriteTask
	for _, r := range d.Registers {
		if r.Kind == "" {
			r.Kind = KindHolding
		}
		if r.Type == "" {
			r.Type = TypeUint16
		}
		conv, err := convert.Compile(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", r.Channel, err)
		}
		reads = append(reads, p.readTask(d, r, conv))

		if !r.Writable {
			continue
		}
		if r.Kind == KindInput || r.Kind == KindDiscrete {
			return nil, fmt.Errorf("channel %s: %s registers are read-only", r.Channel, r.Kind)
		}
		wconv, err := convert.Compile(r.WriteExpression)
		if err != nil {
			return nil, fmt.Errorf("channel %s write: %w", r.Channel, err)
		}
		writes = append(writes, p.writeTask(d, r, wconv))
	}
	return task.NewStatic(d.Name, reads, writes), nil
}

func (p *Protocol) readTask(d Device, r Register, conv *convert.Expression) task.ReadTask {
	endpoint := UnitEndpoint(d.Unit)
	name := channel.Key(d.Name, r.Channel)
	return task.NewRead(name, endpoint, r.Priority, func(ctx context.Context) error {
		in, err := p.read(d.Unit, r)
		if err != nil {
			return p.classify(endpoint, err)
		}
		v, err := conv.Eval(in)
		if err != nil {
			return fmt.Errorf("convert %s: %w", name, err)
		}
		p.values.Set(d.Name, r.Channel, v)
		p.recovered(endpoint)
		return nil
	})
}

func (p *Protocol) read(unit uint8, r Register) (convert.Input, error) {
	if r.Kind.IsBit() {
		bits, err := p.transport.ReadBits(unit, r.Kind, r.Address, 1)
		if err != nil {
			return convert.Input{}, err
		}
		if len(bits) == 0 {
			return convert.Input{}, errors.New("empty bit response")
		}
		in := convert.Input{}
		if bits[0] {
			in.Value = 1
			in.Raw = []uint16{1}
		} else {
			in.Raw = []uint16{0}
		}
		return in, nil
	}

	words, err := p.transport.ReadRegisters(unit, r.Kind, r.Address, r.Type.Words())
	if err != nil {
		return convert.Input{}, err
	}
	v, err := r.Type.Decode(words)
	if err != nil {
		return convert.Input{}, err
	}
	return convert.Input{Value: v, Raw: words}, nil
}

func (p *Protocol) writeTask(d Device, r Register, conv *convert.Expression) task.WriteTask {
	endpoint := UnitEndpoint(d.Unit)
	name := channel.Key(d.Name, r.Channel)
	return task.NewWrite(name, endpoint, func(ctx context.Context) error {
		setpoint, ok := p.values.TakePending(d.Name, r.Channel)
		if !ok {
			return nil
		}
		if err := p.write(d.Unit, r, conv, setpoint); err != nil {
			p.values.RestorePending(d.Name, r.Channel, setpoint)
			return p.classify(endpoint, err)
		}
		p.logger.Debug("setpoint written", "channel", name, "value", setpoint)
		p.recovered(endpoint)
		return nil
	})
}

func (p *Protocol) write(unit uint8, r Register, conv *convert.Expression, setpoint float64) error {
	v, err := conv.Eval(convert.Input{Value: setpoint})
	if err != nil {
		return err
	}
	if r.Kind == KindCoil {
		return p.transport.WriteCoil(unit, r.Address, v != 0)
	}
	words, err := r.Type.Encode(v)
	if err != nil {
		return err
	}
	return p.transport.WriteRegisters(unit, r.Address, words)
}

// classify maps bus timeouts to defective-unit errors.
func (p *Protocol) classify(endpoint string, err error) error {
	if errors.Is(err, ErrTimeout) {
		return task.Defective(endpoint, err)
	}
	return err
}

func (p *Protocol) recovered(endpoint string) {
	if p.guard != nil && p.guard.Clear(endpoint) {
		p.logger.Info("unit answering again", "endpoint", endpoint)
	}
}
