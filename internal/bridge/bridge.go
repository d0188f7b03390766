// Package bridge assembles scheduling loops, protocols and their task
// sources from configuration and runs them against one cycle coordinator.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/gobridge/internal/channel"
	"github.com/me/gobridge/internal/config"
	"github.com/me/gobridge/internal/cycle"
	"github.com/me/gobridge/internal/metrics"
	"github.com/me/gobridge/internal/protocol/modbus"
	"github.com/me/gobridge/internal/protocol/rest"
	"github.com/me/gobridge/internal/scheduler"
	"github.com/me/gobridge/internal/task"
	"github.com/me/gobridge/pkg/model"
)

// Protocol is a transport that also owns the task sources of its devices.
type Protocol interface {
	scheduler.Protocol
	Sources() []task.Source
}

// Deps are the shared services every bridge is built against.
type Deps struct {
	Coordinator *cycle.Coordinator
	Values      *channel.Store
	// Recorders receive statistics of every bridge.
	Recorders []scheduler.Recorder
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Listeners are registered on every loop by name.
	Listeners map[string]scheduler.Listener
	Logger    *slog.Logger
}

// Bridge is one configured loop with its protocol.
type Bridge struct {
	cfg      config.BridgeConfig
	loop     *scheduler.Loop
	protocol Protocol
	trigger  *scheduler.EventTrigger
	events   <-chan cycle.Event
	devices  []string
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

// Build creates the bridge described by cfg. The protocol's sources are
// registered with the loop; the loop is not started.
func Build(cfg config.BridgeConfig, loopCfg scheduler.Config, deps Deps) (*Bridge, error) {
	if deps.Coordinator == nil || deps.Values == nil {
		return nil, fmt.Errorf("bridge %s: coordinator and channel store are required", cfg.ID)
	}
	logger := deps.Logger.With("component", "bridge", "bridge", cfg.ID)
	guard := scheduler.NewDefectiveGuard()

	protocol, devices, err := buildProtocol(cfg, deps.Values, guard, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", cfg.ID, err)
	}

	b := &Bridge{
		cfg:      cfg,
		protocol: protocol,
		devices:  devices,
		logger:   logger,
	}

	var trigger scheduler.Trigger
	if cfg.Mode == config.ModeEvent {
		b.trigger = scheduler.NewEventTrigger()
		trigger = b.trigger
	} else {
		trigger = scheduler.NewSleepTrigger()
	}

	recorders := append(scheduler.MultiRecorder{}, deps.Recorders...)
	if deps.Metrics != nil {
		b.metrics = deps.Metrics.ForBridge(cfg.ID)
		recorders = append(recorders, b.metrics)
	}

	b.loop = scheduler.NewLoop(cfg.ID, deps.Coordinator, protocol, trigger, loopCfg, deps.Logger,
		scheduler.WithGuard(guard),
		scheduler.WithRecorder(recorders),
	)
	for _, src := range protocol.Sources() {
		if err := b.loop.AddSource(src); err != nil {
			return nil, fmt.Errorf("bridge %s: %w", cfg.ID, err)
		}
	}

	names := make([]string, 0, len(deps.Listeners))
	for name := range deps.Listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.loop.Hub().Add(name, deps.Listeners[name])
	}

	b.events = deps.Coordinator.Subscribe()
	return b, nil
}

func buildProtocol(cfg config.BridgeConfig, values *channel.Store, guard *scheduler.DefectiveGuard, logger *slog.Logger) (Protocol, []string, error) {
	switch cfg.Type {
	case config.TypeModbus:
		if cfg.Modbus == nil {
			return nil, nil, fmt.Errorf("modbus section is required")
		}
		tc := modbus.DefaultTransportConfig()
		tc.URL = cfg.Modbus.URL
		if cfg.Modbus.BaudRate > 0 {
			tc.BaudRate = cfg.Modbus.BaudRate
		}
		if cfg.Modbus.DataBits > 0 {
			tc.DataBits = cfg.Modbus.DataBits
		}
		if cfg.Modbus.Parity != "" {
			tc.Parity = cfg.Modbus.Parity
		}
		if cfg.Modbus.StopBits > 0 {
			tc.StopBits = cfg.Modbus.StopBits
		}
		if cfg.Modbus.Timeout > 0 {
			tc.Timeout = cfg.Modbus.Timeout
		}
		transport, err := modbus.NewTransport(tc)
		if err != nil {
			return nil, nil, err
		}
		devices, err := modbusDevices(cfg.Modbus.Devices)
		if err != nil {
			return nil, nil, err
		}
		p, err := modbus.New(transport, devices, values, guard, logger)
		if err != nil {
			return nil, nil, err
		}
		names := make([]string, len(devices))
		for i, d := range devices {
			names[i] = d.Name
		}
		return p, names, nil

	case config.TypeREST:
		if cfg.REST == nil {
			return nil, nil, fmt.Errorf("rest section is required")
		}
		devices, err := restDevices(cfg.REST.Devices)
		if err != nil {
			return nil, nil, err
		}
		p, err := rest.New(devices, cfg.REST.Timeout, values, guard, logger)
		if err != nil {
			return nil, nil, err
		}
		names := make([]string, len(devices))
		for i, d := range devices {
			names[i] = d.Name
		}
		return p, names, nil
	}
	return nil, nil, fmt.Errorf("unknown bridge type %q", cfg.Type)
}

func modbusDevices(in []config.ModbusDevice) ([]modbus.Device, error) {
	out := make([]modbus.Device, 0, len(in))
	for _, d := range in {
		dev := modbus.Device{Name: d.Name, Unit: d.Unit}
		for _, r := range d.Registers {
			kind, err := modbus.ParseRegisterKind(r.Kind)
			if err != nil {
				return nil, fmt.Errorf("device %s/%s: %w", d.Name, r.Channel, err)
			}
			typ, err := modbus.ParseDataType(r.Type)
			if err != nil {
				return nil, fmt.Errorf("device %s/%s: %w", d.Name, r.Channel, err)
			}
			prio, err := task.ParsePriority(r.Priority)
			if err != nil {
				return nil, fmt.Errorf("device %s/%s: %w", d.Name, r.Channel, err)
			}
			dev.Registers = append(dev.Registers, modbus.Register{
				Channel:         r.Channel,
				Kind:            kind,
				Address:         r.Address,
				Type:            typ,
				Priority:        prio,
				Expression:      r.Expression,
				Writable:        r.Writable,
				WriteExpression: r.WriteExpression,
			})
		}
		out = append(out, dev)
	}
	return out, nil
}

func restDevices(in []config.RESTDevice) ([]rest.Device, error) {
	out := make([]rest.Device, 0, len(in))
	for _, d := range in {
		prio, err := task.ParsePriority(d.Priority)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.Name, err)
		}
		dev := rest.Device{
			Name:        d.Name,
			URL:         d.URL,
			WriteURL:    d.WriteURL,
			Priority:    prio,
			MinInterval: d.MinInterval,
			Headers:     d.Headers,
		}
		for _, c := range d.Channels {
			dev.Channels = append(dev.Channels, rest.Channel{
				Name:       c.Name,
				Expression: c.Expression,
				Writable:   c.Writable,
			})
		}
		out = append(out, dev)
	}
	return out, nil
}

// ID returns the bridge id.
func (b *Bridge) ID() string { return b.cfg.ID }

// Loop returns the scheduling loop.
func (b *Bridge) Loop() *scheduler.Loop { return b.loop }

// Devices returns the names of the devices served by this bridge.
func (b *Bridge) Devices() []string { return b.devices }

// Status returns the externally visible state.
func (b *Bridge) Status() model.BridgeStatus {
	mode := b.cfg.Mode
	if mode == "" {
		mode = config.ModeSleep
	}
	st := model.BridgeStatus{
		ID:        b.cfg.ID,
		Type:      b.cfg.Type,
		Mode:      mode,
		State:     b.loop.State(),
		Sources:   b.loop.Sources(),
		Defective: b.loop.Guard().List(),
		Tasks:     b.loop.Tasks(),
	}
	if last, ok := b.loop.LastCycle(); ok {
		st.LastCycle = &last
	}
	return st
}

// forward relays coordinator events to the loop until the coordinator
// closes the subscription or ctx is done.
func (b *Bridge) forward(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-b.events:
			if !ok {
				b.logger.Debug("cycle events closed")
				return nil
			}
			switch ev.Type {
			case cycle.EventCycleStart:
				if b.trigger != nil {
					b.trigger.Tick()
				}
				if b.metrics != nil {
					b.metrics.SetDefective(b.loop.Guard().Len())
				}
			case cycle.EventExecuteWrite:
				b.loop.TriggerWrite()
			}
		}
	}
}
