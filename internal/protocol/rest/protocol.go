// Package rest implements a polling HTTP bridge protocol: one GET per device
// and cycle, with channel values extracted from the JSON body by conversion
// expressions, and setpoints POSTed back as JSON.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/me/gobridge/internal/channel"
	"github.com/me/gobridge/internal/convert"
	"github.com/me/gobridge/internal/scheduler"
	"github.com/me/gobridge/internal/task"
)

// DefaultTimeout is the per-request HTTP timeout.
const DefaultTimeout = 2 * time.Second

// maxBody caps response bodies read from devices.
const maxBody = 1 << 20

// Channel extracts one value from the device document.
type Channel struct {
	Name string
	// Expression is evaluated with the decoded JSON bound to data.
	Expression string
	// Writable channels are included in setpoint POSTs.
	Writable bool
}

// Device is one HTTP-polled device.
type Device struct {
	Name     string
	URL      string
	WriteURL string
	Priority task.Priority
	Channels []Channel
	// MinInterval limits how often the device is polled. Zero polls every
	// time the scheduler runs the task.
	MinInterval time.Duration
	Headers     map[string]string
}

// Protocol polls HTTP devices for one bridge.
type Protocol struct {
	client  *http.Client
	values  *channel.Store
	guard   *scheduler.DefectiveGuard
	sources []task.Source
	logger  *slog.Logger
}

var _ scheduler.Protocol = (*Protocol)(nil)

// New builds one read task per device and, for devices with writable
// channels, one write task.
func New(devices []Device, timeout time.Duration, values *channel.Store, guard *scheduler.DefectiveGuard, logger *slog.Logger) (*Protocol, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &Protocol{
		client: &http.Client{Timeout: timeout},
		values: values,
		guard:  guard,
		logger: logger.With("component", "rest"),
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

// Initialize drops pooled connections so the next requests dial fresh.
func (p *Protocol) Initialize(ctx context.Context) error {
	p.client.CloseIdleConnections()
	return nil
}

// Dispose releases pooled connections.
func (p *Protocol) Dispose() {
	p.client.CloseIdleConnections()
}

type compiledChannel struct {
	Channel
	expr *convert.Expression
}

func (p *Protocol) buildSource(d Device) (task.Source, error) {
	u, err := url.Parse(d.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", d.URL)
	}
	endpoint := u.Host

	channels := make([]compiledChannel, 0, len(d.Channels))
	writable := false
	for _, c := range d.Channels {
		e, err := convert.Compile(c.Expression)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", c.Name, err)
		}
		if e.IsIdentity() {
			return nil, fmt.Errorf("channel %s: expression required", c.Name)
		}
		channels = append(channels, compiledChannel{Channel: c, expr: e})
		writable = writable || c.Writable
	}

	var limiter *rate.Limiter
	if d.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(d.MinInterval), 1)
	}

	read := task.NewRead(d.Name, endpoint, d.Priority, func(ctx context.Context) error {
		if limiter != nil && !limiter.Allow() {
			return task.ErrNotReady
		}
		return p.poll(ctx, d, endpoint, channels)
	})

	var writes []task.WriteTask
	if writable {
		target := d.WriteURL
		if target == "" {
			target = d.URL
		}
		writes = append(writes, task.NewWrite(d.Name, endpoint, func(ctx context.Context) error {
			return p.push(ctx, d, target, endpoint, channels)
		}))
	}
	return task.NewStatic(d.Name, []task.ReadTask{read}, writes), nil
}

func (p *Protocol) poll(ctx context.Context, d Device, endpoint string, channels []compiledChannel) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return p.transportError(endpoint, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return err
	}

	var doc any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&doc); err != nil {
		return fmt.Errorf("decode %s response: %w", d.Name, err)
	}
	p.recovered(endpoint)

	var errs []error
	for _, c := range channels {
		v, err := c.expr.Eval(convert.Input{Data: doc})
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", c.Name, err))
			continue
		}
		p.values.Set(d.Name, c.Name, v)
	}
	return errors.Join(errs...)
}

func (p *Protocol) push(ctx context.Context, d Device, target, endpoint string, channels []compiledChannel) error {
	body := map[string]float64{}
	for _, c := range channels {
		if !c.Writable {
			continue
		}
		if v, ok := p.values.TakePending(d.Name, c.Name); ok {
			body[c.Name] = v
		}
	}
	if len(body) == 0 {
		return nil
	}

	err := p.post(ctx, d, target, endpoint, body)
	if err != nil {
		for name, v := range body {
			p.values.RestorePending(d.Name, name, v)
		}
		return err
	}
	p.logger.Debug("setpoints written", "device", d.Name, "count", len(body))
	return nil
}

func (p *Protocol) post(ctx context.Context, d Device, target, endpoint string, body map[string]float64) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal setpoints: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return p.transportError(endpoint, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	if err := statusError(resp); err != nil {
		return err
	}
	p.recovered(endpoint)
	return nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: HTTP %d", task.ErrNotReady, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}
	return nil
}

// transportError maps connection failures and timeouts to defective-device
// errors. A cancelled context is passed through unchanged.
func (p *Protocol) transportError(endpoint string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	var ue *url.Error
	if errors.As(err, &ne) || errors.As(err, &ue) {
		return task.Defective(endpoint, err)
	}
	return err
}

func (p *Protocol) recovered(endpoint string) {
	if p.guard != nil && p.guard.Clear(endpoint) {
		p.logger.Info("device answering again", "endpoint", endpoint)
	}
}
