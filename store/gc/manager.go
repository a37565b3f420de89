// Package gc provides garbage collection for the binary cache: retention
// sweeps over archive entries followed by deletion of chunks that have been
// unreferenced for longer than the grace period.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/binary-cache/store"
	"github.com/wolfeidau/binary-cache/store/metadb"
)

// Config configures the GC manager.
type Config struct {
	Interval         time.Duration // How often to run (default: 12h, 0 disables the schedule)
	Schedule         string        // Cron expression, overrides Interval when set
	StartupDelay     time.Duration // Delay before the first interval run (default: 5m)
	DefaultRetention time.Duration // Retention for caches without their own (default: 0, never)
	GracePeriod      time.Duration // Minimum time a chunk stays unreferenced before deletion (default: 1h)
	BatchSize        int           // Rows fetched per index query (default: 1000)
}

// DefaultConfig returns the default GC configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     12 * time.Hour,
		StartupDelay: 5 * time.Minute,
		GracePeriod:  time.Hour,
		BatchSize:    1000,
	}
}

// Result contains the results of a GC run.
type Result struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	CachesSwept     int           `json:"caches_swept"`
	EntriesDeleted  int           `json:"entries_deleted"`
	ChunksDeleted   int           `json:"chunks_deleted"`
	ChunkClaimsLost int           `json:"chunk_claims_lost"`
	Inconsistencies int           `json:"inconsistencies"`
	BytesReclaimed  int64         `json:"bytes_reclaimed"`
	Errors          []string      `json:"errors,omitempty"`
}

func (r *Result) add(o *Result) {
	r.CachesSwept += o.CachesSwept
	r.EntriesDeleted += o.EntriesDeleted
	r.ChunksDeleted += o.ChunksDeleted
	r.ChunkClaimsLost += o.ChunkClaimsLost
	r.Inconsistencies += o.Inconsistencies
	r.BytesReclaimed += o.BytesReclaimed
	r.Errors = append(r.Errors, o.Errors...)
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Stores resolves a storage backend name to its chunk store.
type Stores interface {
	Get(name string) (store.Store, error)
}

// Manager manages garbage collection for the binary cache.
type Manager struct {
	index   metadb.Index
	stores  Stores
	config  Config
	metrics *Metrics
	logger  *slog.Logger
	locker  Locker
	now     func() time.Time

	// flight makes sweeps single-flight per cache and for the chunk phase.
	flight singleflight.Group

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// WithLocker sets a cross-process lock taken around each sweep.
func WithLocker(l Locker) ManagerOption {
	return func(m *Manager) {
		m.locker = l
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a new GC manager.
func New(index metadb.Index, stores Stores, config Config, opts ...ManagerOption) *Manager {
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.GracePeriod < 0 {
		config.GracePeriod = 0
	}
	m := &Manager{
		index:  index,
		stores: stores,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts background collection on the configured schedule. It is a
// no-op when neither a schedule nor an interval is set.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}

	var c *cron.Cron
	if m.config.Schedule != "" {
		c = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		if _, err := c.AddFunc(m.config.Schedule, func() { m.runGC(ctx) }); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("parsing gc schedule %q: %w", m.config.Schedule, err)
		}
	} else if m.config.Interval <= 0 {
		m.mu.Unlock()
		m.logger.Info("gc schedule disabled")
		return nil
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	if c != nil {
		go m.runCron(ctx, c)
	} else {
		go m.run(ctx)
	}
	return nil
}

// Stop gracefully stops the GC manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs one full collection synchronously.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	result := m.runGC(ctx)
	return result, ctx.Err()
}

// Status returns the last GC run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) runCron(ctx context.Context, c *cron.Cron) {
	defer close(m.doneCh)

	m.logger.Info("gc manager starting", "schedule", m.config.Schedule)
	c.Start()

	select {
	case <-m.stopCh:
		m.logger.Info("gc manager stopped")
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled")
	}

	<-c.Stop().Done()
	m.setRunning(false)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"grace_period", m.config.GracePeriod,
	)

	// Wait for startup delay
	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	m.runGC(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runGC(ctx)
		case <-m.stopCh:
			m.logger.Info("gc manager stopped")
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runGC(ctx context.Context) *Result {
	result := &Result{
		StartedAt: m.now(),
	}
	started := time.Now()

	m.logger.Info("starting gc run")

	// Phase 1: remove entries past their cache's retention period
	caches, err := m.index.ListCaches(ctx)
	if err != nil {
		result.addError("list caches: %v", err)
		m.logger.Error("failed to list caches", "error", err)
	}
	for _, c := range caches {
		if ctx.Err() != nil {
			break
		}
		result.add(m.SweepCache(ctx, c))
	}

	// Phase 2: delete chunks unreferenced for longer than the grace period
	if ctx.Err() == nil {
		result.add(m.SweepChunks(ctx))
	}

	result.Duration = time.Since(started)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("gc run completed",
		"duration", result.Duration,
		"caches_swept", result.CachesSwept,
		"entries_deleted", result.EntriesDeleted,
		"chunks_deleted", result.ChunksDeleted,
		"chunk_claims_lost", result.ChunkClaimsLost,
		"inconsistencies", result.Inconsistencies,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.entriesDeleted.Add(ctx, int64(result.EntriesDeleted))
	m.metrics.chunksDeleted.Add(ctx, int64(result.ChunksDeleted))
	m.metrics.chunkClaimsLost.Add(ctx, int64(result.ChunkClaimsLost))
	m.metrics.inconsistencies.Add(ctx, int64(result.Inconsistencies))
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}
