// Package connectivity tracks whether the server is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/worker"
)

type Prober interface {
	Health(ctx context.Context) error
}

// Monitor starts out optimistic: until the first probe the client assumes
// it is online and lets the first request find out.
type Monitor struct {
	prober Prober
	logger *zap.Logger

	mu        sync.RWMutex
	online    bool
	listeners []func(online bool)
}

func NewMonitor(prober Prober, logger *zap.Logger) *Monitor {
	return &Monitor{
		prober: prober,
		logger: logger,
		online: true,
	}
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Check probes the server and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.prober.Health(ctx)
	if err != nil {
		m.logger.Debug("health probe failed", zap.Error(err))
	}
	online := err == nil
	m.SetOnline(online)
	return online
}

// SetOnline records the state and notifies listeners when it changed.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, fn := range listeners {
		fn(online)
	}
}

func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Job probes the server every interval.
func (m *Monitor) Job(interval time.Duration) worker.Job {
	return worker.Job{
		Name:      "connectivity",
		Interval:  interval,
		Immediate: true,
		Run: func(ctx context.Context) error {
			m.Check(ctx)
			return nil
		},
	}
}
