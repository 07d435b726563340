// Package subs tracks channel subscriptions across reconnects so the ledger
// never misses a fill because a stream silently died.
package subs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"perpd/internal/logger"
	"perpd/internal/metrics"
)

type Status int

const (
	StatusPending Status = iota
	StatusActive
	StatusStale
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Subscriber is the transport capability the manager drives.
type Subscriber interface {
	Subscribe(ctx context.Context, channels []string) error
	Unsubscribe(ctx context.Context, channels []string) error
}

type Manager struct {
	source Subscriber

	mu       sync.Mutex
	channels map[string]Status
}

func NewManager(source Subscriber) *Manager {
	return &Manager{source: source, channels: make(map[string]Status)}
}

// Subscribe is idempotent: an already-active channel is a no-op.
func (m *Manager) Subscribe(ctx context.Context, channel string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return fmt.Errorf("subs: empty channel name")
	}
	m.mu.Lock()
	if m.channels[channel] == StatusActive {
		m.mu.Unlock()
		return nil
	}
	m.channels[channel] = StatusPending
	m.mu.Unlock()

	if err := m.source.Subscribe(ctx, []string{channel}); err != nil {
		m.mu.Lock()
		m.channels[channel] = StatusStale
		m.mu.Unlock()
		return fmt.Errorf("subs: subscribing %s failed: %w", channel, err)
	}
	m.mu.Lock()
	m.channels[channel] = StatusActive
	m.mu.Unlock()
	return nil
}

func (m *Manager) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	_, known := m.channels[channel]
	delete(m.channels, channel)
	m.mu.Unlock()
	if !known {
		return nil
	}
	return m.source.Unsubscribe(ctx, []string{channel})
}

// MarkAllStale is called on disconnect: every tracked channel must be
// replayed before its data can be trusted again.
func (m *Manager) MarkAllStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.channels {
		m.channels[ch] = StatusStale
	}
}

// Replay re-subscribes every non-active channel. It runs in the transport's
// ready hook, after re-authentication and before normal dispatch resumes. A
// channel that fails stays stale and is retried on the next Replay.
func (m *Manager) Replay(ctx context.Context) error {
	m.mu.Lock()
	var todo []string
	for ch, status := range m.channels {
		if status != StatusActive {
			todo = append(todo, ch)
		}
	}
	m.mu.Unlock()
	if len(todo) == 0 {
		return nil
	}
	sort.Strings(todo)

	if err := m.source.Subscribe(ctx, todo); err != nil {
		logger.Warnf("subs: replay of %d channels failed: %v", len(todo), err)
		return err
	}
	m.mu.Lock()
	for _, ch := range todo {
		m.channels[ch] = StatusActive
	}
	m.mu.Unlock()
	metrics.SubscriptionReplays.Add(float64(len(todo)))
	logger.Infof("subs: replayed %d channels", len(todo))
	return nil
}

// Active returns the currently confirmed channels, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for ch, status := range m.channels {
		if status == StatusActive {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot reports every tracked channel and its status.
func (m *Manager) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.channels))
	for ch, status := range m.channels {
		out[ch] = status.String()
	}
	return out
}
