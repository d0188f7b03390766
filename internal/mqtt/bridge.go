// Package mqtt mirrors channel values to an MQTT broker and accepts
// setpoints from it.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/me/gobridge/internal/channel"
	"github.com/me/gobridge/internal/scheduler"
	"github.com/me/gobridge/pkg/model"
)

// Config holds MQTT connection settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Root is the topic prefix: values go to <root>/<device>/<channel>,
	// setpoints are read from <root>/<device>/<channel>/set.
	Root    string
	QoS     byte
	Retain  bool
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ClientID: "gobridge",
		Root:     "gobridge",
		QoS:      0,
		Timeout:  5 * time.Second,
	}
}

// Bridge publishes channel updates and buffers received setpoints until
// the next write phase of a cycle. It implements scheduler.Listener.
type Bridge struct {
	cfg    Config
	values *channel.Store
	logger *slog.Logger

	dial func(onConnect func(), onLost func(error)) (broker, error)
	conn broker

	mu      sync.Mutex
	inbox   map[string]float64
	onWrite func()
}

var _ scheduler.Listener = (*Bridge)(nil)

// New creates a Bridge. onSetpoint, if set, is called after a setpoint
// arrives so the owner can trigger a write.
func New(cfg Config, values *channel.Store, onSetpoint func(), logger *slog.Logger) *Bridge {
	cfg.Root = strings.Trim(cfg.Root, "/")
	b := &Bridge{
		cfg:     cfg,
		values:  values,
		logger:  logger.With("component", "mqtt"),
		inbox:   make(map[string]float64),
		onWrite: onSetpoint,
	}
	b.dial = func(onConnect func(), onLost func(error)) (broker, error) {
		return dialPaho(cfg, onConnect, onLost)
	}
	return b
}

// Run connects, then publishes value updates until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	conn, err := b.dial(b.resubscribe, func(err error) {
		b.logger.Warn("mqtt connection lost", "error", err)
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	defer conn.Disconnect()
	b.logger.Info("mqtt connected", "broker", b.cfg.Broker, "root", b.cfg.Root)

	updates := b.values.Subscribe(ctx)
	b.doSubscribe(conn)
	for v := range updates {
		b.publish(conn, v)
	}
	return nil
}

// resubscribe runs on every (re)connect. The first connect is handled by
// Run once the connection is stored.
func (b *Bridge) resubscribe() {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		b.doSubscribe(conn)
	}
}

func (b *Bridge) doSubscribe(conn broker) {
	topic := b.cfg.Root + "/+/+/set"
	if err := conn.Subscribe(topic, b.handleSet); err != nil {
		b.logger.Error("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	b.logger.Debug("mqtt subscribed", "topic", topic)
}

func (b *Bridge) publish(conn broker, v model.ChannelValue) {
	topic := b.cfg.Root + "/" + v.Key()
	payload := strconv.FormatFloat(v.Value, 'f', -1, 64)
	if err := conn.Publish(topic, []byte(payload), b.cfg.Retain); err != nil {
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

// handleSet buffers a setpoint received on <root>/<device>/<channel>/set.
func (b *Bridge) handleSet(topic string, payload []byte) {
	key, err := b.setpointKey(topic)
	if err != nil {
		b.logger.Warn("ignoring setpoint", "topic", topic, "error", err)
		return
	}
	v, err := parseSetpoint(payload)
	if err != nil {
		b.logger.Warn("ignoring setpoint", "topic", topic, "error", err)
		return
	}

	b.mu.Lock()
	b.inbox[key] = v
	notify := b.onWrite
	b.mu.Unlock()
	b.logger.Debug("setpoint received", "channel", key, "value", v)
	if notify != nil {
		notify()
	}
}

func (b *Bridge) setpointKey(topic string) (string, error) {
	rest, ok := strings.CutPrefix(topic, b.cfg.Root+"/")
	if !ok {
		return "", fmt.Errorf("topic outside root %q", b.cfg.Root)
	}
	rest, ok = strings.CutSuffix(rest, "/set")
	if !ok {
		return "", fmt.Errorf("not a set topic")
	}
	device, ch, err := channel.SplitKey(rest)
	if err != nil {
		return "", err
	}
	return channel.Key(device, ch), nil
}

// parseSetpoint accepts a bare number or {"value": <number>}.
func parseSetpoint(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	var doc struct {
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal([]byte(s), &doc); err != nil || doc.Value == nil {
		return 0, fmt.Errorf("invalid setpoint payload %q", s)
	}
	return *doc.Value, nil
}

// OnCycle moves buffered setpoints into the channel store right before the
// write phase, so the write tasks of this cycle pick them up.
func (b *Bridge) OnCycle(_ context.Context, pos scheduler.Position) error {
	if pos != scheduler.BeforeWrite {
		return nil
	}
	b.mu.Lock()
	inbox := b.inbox
	b.inbox = make(map[string]float64)
	b.mu.Unlock()

	for key, v := range inbox {
		device, ch, err := channel.SplitKey(key)
		if err != nil {
			continue
		}
		b.values.SetPending(device, ch, v)
	}
	return nil
}

// Buffered returns the number of setpoints waiting for a write phase.
func (b *Bridge) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inbox)
}
