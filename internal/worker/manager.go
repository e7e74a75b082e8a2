// Package worker runs the background pollers (storage sync, email watcher,
// KSeF ingester, workflow engine) under one lifecycle.
package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Worker is the contract every background poller implements. Start must be
// non-blocking; Stop must wait for in-flight work to drain.
type Worker interface {
	Start(ctx context.Context) error
	Stop()
	Name() string
}

// Manager starts and stops a fixed set of workers. Startup order is
// registration order; shutdown runs in reverse so downstream consumers
// outlive their producers.
type Manager struct {
	logger *zap.Logger

	mu      sync.Mutex
	workers []Worker
	started int
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register appends a worker. Must be called before StartAll.
func (m *Manager) Register(w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, w)
}

// StartAll starts every registered worker in order. On failure the workers
// already running are stopped again and the error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, w := range m.workers {
		if err := w.Start(ctx); err != nil {
			m.logger.Error("Worker failed to start",
				zap.String("worker", w.Name()),
				zap.Error(err))
			m.stopLocked(i)
			return fmt.Errorf("start %s: %w", w.Name(), err)
		}
		m.started = i + 1
		m.logger.Info("Worker started", zap.String("worker", w.Name()))
	}
	return nil
}

// StopAll stops the running workers in reverse start order.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(m.started)
	m.started = 0
}

func (m *Manager) stopLocked(n int) {
	for i := n - 1; i >= 0; i-- {
		w := m.workers[i]
		w.Stop()
		m.logger.Info("Worker stopped", zap.String("worker", w.Name()))
	}
}

// Count returns the number of registered workers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
