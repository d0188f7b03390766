package mqtt

import (
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// broker is the subset of an MQTT client the bridge uses.
type broker interface {
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Disconnect()
}

// pahoBroker adapts a paho client.
type pahoBroker struct {
	client  paho.Client
	qos     byte
	timeout time.Duration
}

func newClientOptions(cfg Config) *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWriteTimeout(cfg.Timeout)
	opts.SetOrderMatters(false)
	// Subscriptions are restored by the OnConnect handler on reconnect.
	opts.SetResumeSubs(false)
	return opts
}

// dialPaho connects to the broker. onConnect runs after every successful
// (re)connect.
func dialPaho(cfg Config, onConnect func(), onLost func(error)) (*pahoBroker, error) {
	opts := newClientOptions(cfg)
	opts.SetOnConnectHandler(func(paho.Client) { onConnect() })
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) { onLost(err) })

	client := paho.NewClient(opts)
	if err := wait(client.Connect(), cfg.Timeout); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	return &pahoBroker{client: client, qos: cfg.QoS, timeout: cfg.Timeout}, nil
}

func (b *pahoBroker) Publish(topic string, payload []byte, retain bool) error {
	return wait(b.client.Publish(topic, b.qos, retain, payload), b.timeout)
}

func (b *pahoBroker) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	return wait(b.client.Subscribe(topic, b.qos, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	}), b.timeout)
}

func (b *pahoBroker) Disconnect() {
	b.client.Disconnect(250)
}

func wait(token paho.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return errors.New("mqtt: operation timed out")
	}
	return token.Error()
}
