package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
)

type sessionMock struct {
	pingErrs    []error
	refreshErrs []error
	pings       int
	refreshes   int
	halts       []bool
}

func (s *sessionMock) Ping(ctx context.Context) error {
	s.pings++
	if len(s.pingErrs) == 0 {
		return nil
	}
	err := s.pingErrs[0]
	s.pingErrs = s.pingErrs[1:]
	return err
}

func (s *sessionMock) Refresh(ctx context.Context) error {
	s.refreshes++
	if len(s.refreshErrs) == 0 {
		return nil
	}
	err := s.refreshErrs[0]
	s.refreshErrs = s.refreshErrs[1:]
	return err
}

func setupMonitor(t *testing.T, session *sessionMock) *Monitor {
	logger := zerolog.Nop()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	m, err := NewMonitor(&MonitorConfig{
		Ping:           session.Ping,
		RefreshSession: session.Refresh,
		HaltEntries:    func(halted bool) { session.halts = append(session.halts, halted) },
		JobScheduler:   gocron.NewScheduler(time.UTC),
		Now:            func() time.Time { return now },
		Logger:         &logger,
	})
	assert.NoError(t, err)

	return m
}

func TestMonitorConfigValidate(t *testing.T) {
	logger := zerolog.Nop()
	noop := func(ctx context.Context) error { return nil }
	validConfig := func() *MonitorConfig {
		return &MonitorConfig{
			Ping:           noop,
			RefreshSession: noop,
			HaltEntries:    func(bool) {},
			Interval:       DefaultInterval,
			MaxFailures:    DefaultMaxFailures,
			JobScheduler:   gocron.NewScheduler(time.UTC),
			Now:            time.Now,
			Logger:         &logger,
		}
	}

	tests := []struct {
		name        string
		modify      func(cfg *MonitorConfig)
		wantErr     bool
		errContains string
	}{
		{
			name:    "valid config",
			modify:  func(cfg *MonitorConfig) {},
			wantErr: false,
		},
		{
			name:        "missing Ping",
			modify:      func(cfg *MonitorConfig) { cfg.Ping = nil },
			wantErr:     true,
			errContains: "ping function cannot be nil",
		},
		{
			name:        "missing RefreshSession",
			modify:      func(cfg *MonitorConfig) { cfg.RefreshSession = nil },
			wantErr:     true,
			errContains: "refresh session function cannot be nil",
		},
		{
			name:        "missing HaltEntries",
			modify:      func(cfg *MonitorConfig) { cfg.HaltEntries = nil },
			wantErr:     true,
			errContains: "halt entries function cannot be nil",
		},
		{
			name:        "negative Interval",
			modify:      func(cfg *MonitorConfig) { cfg.Interval = -time.Second },
			wantErr:     true,
			errContains: "check interval must be positive",
		},
		{
			name:        "negative MaxFailures",
			modify:      func(cfg *MonitorConfig) { cfg.MaxFailures = -1 },
			wantErr:     true,
			errContains: "max failures must be positive",
		},
		{
			name:        "missing JobScheduler",
			modify:      func(cfg *MonitorConfig) { cfg.JobScheduler = nil },
			wantErr:     true,
			errContains: "job scheduler cannot be nil",
		},
		{
			name:        "missing Logger",
			modify:      func(cfg *MonitorConfig) { cfg.Logger = nil },
			wantErr:     true,
			errContains: "logger cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, strings.Contains(err.Error(), tt.errContains))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestMonitorCheck(t *testing.T) {
	down := errors.New("connection refused")
	session := &sessionMock{}
	m := setupMonitor(t, session)
	ctx := context.Background()

	// Ensure successful checks record the last success.
	m.Check(ctx)
	health := m.Health()
	assert.Equal(t, health.ConsecutiveFailures, 0)
	assert.False(t, health.LastSuccess.IsZero())

	// Ensure failures below the threshold do not refresh the session.
	session.pingErrs = []error{down, down}
	m.Check(ctx)
	m.Check(ctx)
	assert.Equal(t, m.Health().ConsecutiveFailures, 2)
	assert.Equal(t, session.refreshes, 0)

	// Ensure a success resets the failure count.
	m.Check(ctx)
	assert.Equal(t, m.Health().ConsecutiveFailures, 0)

	// Ensure reaching the threshold refreshes the session.
	session.pingErrs = []error{down, down, down}
	m.Check(ctx)
	m.Check(ctx)
	m.Check(ctx)
	assert.Equal(t, session.refreshes, 1)
	assert.Equal(t, m.Health().ConsecutiveFailures, 0)
	assert.Equal(t, len(session.halts), 0)

	// Ensure a failed refresh halts new entries.
	session.pingErrs = []error{down, down, down}
	session.refreshErrs = []error{down, down}
	m.Check(ctx)
	m.Check(ctx)
	m.Check(ctx)
	assert.True(t, m.Health().EntriesHalted)
	assert.Equal(t, session.halts, []bool{true})

	// Ensure halted checks retry the refresh, halting again when it fails.
	pings := session.pings
	m.Check(ctx)
	assert.Equal(t, session.pings, pings)
	assert.Equal(t, session.refreshes, 3)
	assert.Equal(t, session.halts, []bool{true, true})

	// Ensure a successful refresh resumes new entries.
	m.Check(ctx)
	assert.False(t, m.Health().EntriesHalted)
	assert.Equal(t, session.halts, []bool{true, true, false})
	assert.Equal(t, m.Health().ConsecutiveFailures, 0)
}

func TestMonitorHaltOutlivesSessionReset(t *testing.T) {
	down := errors.New("token expired")
	session := &sessionMock{}
	m := setupMonitor(t, session)
	ctx := context.Background()

	entriesHalted := false
	m.cfg.HaltEntries = func(halted bool) { entriesHalted = halted }

	session.pingErrs = []error{down, down, down}
	session.refreshErrs = []error{down, down}
	m.Check(ctx)
	m.Check(ctx)
	m.Check(ctx)
	assert.True(t, entriesHalted)

	// Ensure entries resumed by a session reset are halted again while the
	// session stays unrefreshed.
	entriesHalted = false
	m.Check(ctx)
	assert.True(t, entriesHalted)
	assert.True(t, m.Health().EntriesHalted)

	// Ensure a successful refresh resumes them.
	m.Check(ctx)
	assert.False(t, entriesHalted)
	assert.False(t, m.Health().EntriesHalted)
}

func TestMonitorSchedule(t *testing.T) {
	session := &sessionMock{}
	m := setupMonitor(t, session)

	// Ensure health checks can be scheduled and removed.
	assert.NoError(t, m.Start(context.Background()))
	assert.Equal(t, len(m.cfg.JobScheduler.Jobs()), 1)
	m.Stop()
	assert.Equal(t, len(m.cfg.JobScheduler.Jobs()), 0)
}
