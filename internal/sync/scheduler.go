package sync

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/domain/entity"
)

// SchedulerConfig holds configuration for the storage sync scheduler.
type SchedulerConfig struct {
	PollInterval time.Duration
}

// DefaultSchedulerConfig returns default configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{PollInterval: 60 * time.Second}
}

// Scheduler runs the storage sync loop: an initial pass on start, then one
// pass per poll interval. Within a pass connections are polled sequentially
// in priority order. Stop is cooperative: the in-flight pass finishes, no new
// pass starts.
type Scheduler struct {
	config  SchedulerConfig
	drivers map[entity.Provider]Driver
	logger  *zap.Logger

	mu          gosync.RWMutex
	connections []*entity.Connection
	states      map[string]*entity.SyncState

	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	wg        gosync.WaitGroup
}

// NewScheduler creates the scheduler with the standard driver set.
func NewScheduler(config SchedulerConfig, sink Sink, bus dispatcher.Dispatcher, logger *zap.Logger) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultSchedulerConfig().PollInterval
	}
	return &Scheduler{
		config: config,
		drivers: map[entity.Provider]Driver{
			entity.ProviderLocal:     NewLocalDriver(sink, logger),
			entity.ProviderDropbox:   NewDropboxDriver(sink, bus, logger),
			entity.ProviderGDrive:    NewGDriveDriver(sink, bus, logger),
			entity.ProviderOneDrive:  NewOneDriveDriver(sink, bus, logger),
			entity.ProviderNextcloud: NewNextcloudDriver(sink, logger),
		},
		logger: logger,
		states: make(map[string]*entity.SyncState),
	}
}

// RegisterDriver overrides the driver for a provider.
func (s *Scheduler) RegisterDriver(p entity.Provider, d Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[p] = d
}

// SetConnections replaces the connection list.
func (s *Scheduler) SetConnections(conns []*entity.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections = conns
}

// SetState seeds a persisted sync state, typically at startup.
func (s *Scheduler) SetState(state *entity.SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.StateKey()] = state
}

// GetState returns the state for a (connection, folder) pair, nil if none.
func (s *Scheduler) GetState(connectionID, folder string) *entity.SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[entity.SyncState{ConnectionID: connectionID, Folder: folder}.StateKey()]
	if !ok {
		return nil
	}
	copied := *st
	return &copied
}

// States snapshots all sync states for persistence.
func (s *Scheduler) States() []*entity.SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entity.SyncState, 0, len(s.states))
	for _, st := range s.states {
		copied := *st
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StateKey() < out[j].StateKey() })
	return out
}

// Name implements the worker contract.
func (s *Scheduler) Name() string { return "storage-sync" }

// Start launches the poll loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("storage sync already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("Storage sync started",
		zap.Duration("poll_interval", s.config.PollInterval))
	return nil
}

// Stop cancels the loop and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("Storage sync stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	s.SyncNow(s.ctx)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SyncNow(s.ctx)
		}
	}
}

// SyncNow runs one pass over all enabled connections in priority order.
// Per-connection failures are logged and do not abort the pass.
func (s *Scheduler) SyncNow(ctx context.Context) int {
	conns := s.sortedConnections()
	total := 0
	for _, conn := range conns {
		if ctx.Err() != nil {
			return total
		}

		s.mu.RLock()
		driver, ok := s.drivers[conn.Provider]
		s.mu.RUnlock()
		if !ok {
			s.logger.Warn("No driver for provider",
				zap.String("provider", string(conn.Provider)))
			continue
		}

		state := s.stateFor(conn)
		added, err := driver.Sync(ctx, conn, state)
		total += added
		if err != nil {
			s.logger.Error("Connection sync failed",
				zap.String("connection_id", conn.ID),
				zap.String("provider", string(conn.Provider)),
				zap.Error(err))
			continue
		}
		if added > 0 {
			s.logger.Info("Connection sync finished",
				zap.String("connection_id", conn.ID),
				zap.String("provider", string(conn.Provider)),
				zap.Int("added", added))
		}
	}
	return total
}

// sortedConnections filters to enabled connections sorted by
// (effective priority, id).
func (s *Scheduler) sortedConnections() []*entity.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entity.Connection, 0, len(s.connections))
	for _, c := range s.connections {
		if c.Enabled {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].EffectivePriority(), out[j].EffectivePriority()
		if pi != pj {
			return pi < pj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// stateFor returns the live (shared) state record for a connection, creating
// it on first use. Drivers mutate it in place.
func (s *Scheduler) stateFor(conn *entity.Connection) *entity.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entity.SyncState{ConnectionID: conn.ID, Folder: conn.Path}.StateKey()
	st, ok := s.states[key]
	if !ok {
		st = &entity.SyncState{ConnectionID: conn.ID, Folder: conn.Path}
		s.states[key] = st
	}
	return st
}
