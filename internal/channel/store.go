// Package channel holds the latest device channel values read by bridge
// tasks and the setpoints waiting to be written.
package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/smallnest/chanx"

	"github.com/me/gobridge/pkg/model"
)

// Key returns the "device/channel" address used throughout the store.
func Key(device, channel string) string {
	return device + "/" + channel
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (device, channel string, err error) {
	device, channel, ok := strings.Cut(key, "/")
	if !ok || device == "" || channel == "" {
		return "", "", fmt.Errorf("invalid channel key %q", key)
	}
	return device, channel, nil
}

// Store is safe for concurrent use. Updates are fanned out to subscribers
// through unbounded queues, so Set never blocks on a slow consumer.
type Store struct {
	mu      sync.RWMutex
	values  map[string]model.ChannelValue
	pending map[string]float64
	subs    map[int]*chanx.UnboundedChan[model.ChannelValue]
	nextSub int
	now     func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		values:  make(map[string]model.ChannelValue),
		pending: make(map[string]float64),
		subs:    make(map[int]*chanx.UnboundedChan[model.ChannelValue]),
		now:     time.Now,
	}
}

// Set stores a read value and notifies subscribers.
func (s *Store) Set(device, channel string, value float64) model.ChannelValue {
	v := model.ChannelValue{Device: device, Channel: channel, Value: value, UpdatedAt: s.now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[v.Key()] = v
	for _, sub := range s.subs {
		sub.In <- v
	}
	return v
}

// Get returns the latest value of a channel.
func (s *Store) Get(device, channel string) (model.ChannelValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[Key(device, channel)]
	return v, ok
}

// Snapshot returns all values sorted by key.
func (s *Store) Snapshot() []model.ChannelValue {
	s.mu.RLock()
	out := lo.Values(s.values)
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// SetPending queues a setpoint for the next write of the channel. A newer
// setpoint replaces an unwritten older one.
func (s *Store) SetPending(device, channel string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[Key(device, channel)] = value
}

// TakePending removes and returns the queued setpoint of a channel.
func (s *Store) TakePending(device, channel string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(device, channel)
	v, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	return v, ok
}

// RestorePending puts a setpoint back unless a newer one was queued in the
// meantime. Used when a write fails.
func (s *Store) RestorePending(device, channel string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(device, channel)
	if _, ok := s.pending[key]; !ok {
		s.pending[key] = value
	}
}

// Pending returns the number of queued setpoints.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Subscribe returns a stream of value updates until ctx is cancelled, after
// which the channel is closed and undelivered updates are discarded.
func (s *Store) Subscribe(ctx context.Context) <-chan model.ChannelValue {
	// The queue gets its own context: it must outlive ctx until the
	// subscription is unregistered, or Set could block on a dead queue.
	qctx, qcancel := context.WithCancel(context.Background())
	ch := chanx.NewUnboundedChan[model.ChannelValue](qctx, 16)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		qcancel()
	}()
	return ch.Out
}
