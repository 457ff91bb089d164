package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	// DefaultInterval is the default time between health checks.
	DefaultInterval = time.Second * 30
	// DefaultMaxFailures is the default number of consecutive failed checks
	// tolerated before the session is refreshed.
	DefaultMaxFailures = 3
	// healthTag tags the scheduled health check job.
	healthTag = "health"
)

// MonitorConfig represents the configuration of the connection health monitor.
type MonitorConfig struct {
	// Ping performs a cheap authenticated brokerage call.
	Ping func(ctx context.Context) error
	// RefreshSession renews the brokerage session.
	RefreshSession func(ctx context.Context) error
	// HaltEntries stops or resumes new entries.
	HaltEntries func(halted bool)
	// Interval is the time between health checks.
	Interval time.Duration
	// MaxFailures is the number of consecutive failed checks tolerated.
	MaxFailures int
	// JobScheduler represents the job scheduler.
	JobScheduler *gocron.Scheduler
	// Now returns the current time.
	Now func() time.Time
	// Logger represents the monitor logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *MonitorConfig) Validate() error {
	var errs error

	if cfg.Ping == nil {
		errs = errors.Join(errs, fmt.Errorf("ping function cannot be nil"))
	}
	if cfg.RefreshSession == nil {
		errs = errors.Join(errs, fmt.Errorf("refresh session function cannot be nil"))
	}
	if cfg.HaltEntries == nil {
		errs = errors.Join(errs, fmt.Errorf("halt entries function cannot be nil"))
	}
	if cfg.Interval <= 0 {
		errs = errors.Join(errs, fmt.Errorf("check interval must be positive"))
	}
	if cfg.MaxFailures <= 0 {
		errs = errors.Join(errs, fmt.Errorf("max failures must be positive"))
	}
	if cfg.JobScheduler == nil {
		errs = errors.Join(errs, fmt.Errorf("job scheduler cannot be nil"))
	}
	if cfg.Now == nil {
		errs = errors.Join(errs, fmt.Errorf("now function cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Health is a snapshot of the connection health.
type Health struct {
	LastSuccess         time.Time
	ConsecutiveFailures int
	EntriesHalted       bool
}

// Monitor periodically checks the brokerage connection, refreshing the
// session after consecutive failures and halting entries while it cannot.
type Monitor struct {
	cfg         *MonitorConfig
	failures    *atomic.Int32
	halted      *atomic.Bool
	lastSuccess *atomic.Time
	checkMtx    sync.Mutex
}

// NewMonitor initializes a new connection health monitor.
func NewMonitor(cfg *MonitorConfig) (*Monitor, error) {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating monitor config: %w", err)
	}

	return &Monitor{
		cfg:         cfg,
		failures:    atomic.NewInt32(0),
		halted:      atomic.NewBool(false),
		lastSuccess: atomic.NewTime(time.Time{}),
	}, nil
}

// refresh renews the session, halting entries when it fails and resuming
// them once it succeeds. Every failure halts entries again since a session
// reset may have resumed them in the meantime.
func (m *Monitor) refresh(ctx context.Context) {
	err := m.cfg.RefreshSession(ctx)
	if err != nil {
		m.cfg.Logger.Error().Msgf("session refresh failed, halting new entries: %v", err)
		m.halted.Store(true)
		m.cfg.HaltEntries(true)
		return
	}

	m.failures.Store(0)
	m.lastSuccess.Store(m.cfg.Now())
	if m.halted.Swap(false) {
		m.cfg.Logger.Info().Msg("session refreshed, resuming new entries")
		m.cfg.HaltEntries(false)
	}
}

// Check performs a single health check.
func (m *Monitor) Check(ctx context.Context) {
	m.checkMtx.Lock()
	defer m.checkMtx.Unlock()

	if m.halted.Load() {
		m.refresh(ctx)
		return
	}

	err := m.cfg.Ping(ctx)
	if err == nil {
		m.failures.Store(0)
		m.lastSuccess.Store(m.cfg.Now())
		m.cfg.Logger.Debug().Msg("connection health check ok")
		return
	}

	failures := m.failures.Inc()
	m.cfg.Logger.Warn().Msgf("connection health check failed (attempt %d): %v", failures, err)

	if int(failures) >= m.cfg.MaxFailures {
		m.cfg.Logger.Error().Msgf("%d consecutive connection failures, refreshing session", failures)
		m.refresh(ctx)
	}
}

// Start schedules the periodic health checks.
func (m *Monitor) Start(ctx context.Context) error {
	_, err := m.cfg.JobScheduler.Every(m.cfg.Interval).Tag(healthTag).SingletonMode().Do(func() {
		m.Check(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling health checks: %w", err)
	}

	return nil
}

// Stop removes the scheduled health checks.
func (m *Monitor) Stop() {
	err := m.cfg.JobScheduler.RemoveByTag(healthTag)
	if err != nil {
		m.cfg.Logger.Debug().Msgf("removing health checks: %v", err)
	}
}

// Health returns the current connection health.
func (m *Monitor) Health() Health {
	return Health{
		LastSuccess:         m.lastSuccess.Load(),
		ConsecutiveFailures: int(m.failures.Load()),
		EntriesHalted:       m.halted.Load(),
	}
}
