// Package sched runs periodic background jobs — certificate cache eviction
// and the §4.K status heartbeat — on cron schedules, grounded in the
// teacher pack's only cron-based scheduler
// (mercator-hq-jupiter/pkg/evidence/retention/scheduler.go).
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/syrahproxy/syrah/internal/eventbus"
	"github.com/syrahproxy/syrah/internal/metrics"
)

// CertSweeper is the subset of ca.Cache's surface the scheduler needs: a
// sweep that evicts expired leaf certificates and returns how many were
// removed.
type CertSweeper interface {
	Sweep() int
}

// StatusFunc produces a fresh §4.K status snapshot on demand. cmd/syrah
// supplies one that reads the live listener/connection-handler state.
type StatusFunc func() eventbus.StatusSnapshot

// Config controls job cadence. Empty schedules disable that job, matching
// the teacher's "empty PruneSchedule skips the scheduler" convention.
type Config struct {
	CertSweepSchedule string // e.g. "@every 10m"; "" disables
	HeartbeatSchedule string // e.g. "@every 1s"; "" disables
}

// DefaultConfig returns sensible cadences for both jobs. HeartbeatSchedule
// matches §4.K's 1-second heartbeat.
func DefaultConfig() Config {
	return Config{
		CertSweepSchedule: "@every 10m",
		HeartbeatSchedule: "@every 1s",
	}
}

// Scheduler owns one cron runner for both background jobs. It has no
// knowledge of the proxy's internals beyond the narrow interfaces it's
// constructed with, so it can be wired up or left out of cmd/syrah without
// either side depending on the other's concrete types.
type Scheduler struct {
	cfg     Config
	cron    *cron.Cron
	certs   CertSweeper
	status  StatusFunc
	bus     *eventbus.Bus
	metrics *metrics.Collector
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
}

// New builds a Scheduler. certs and bus/status may be nil to run only a
// subset of jobs (e.g. tests that only care about cert sweeping).
func New(cfg Config, certs CertSweeper, bus *eventbus.Bus, status StatusFunc, metricsCollector *metrics.Collector, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		cron:    cron.New(),
		certs:   certs,
		status:  status,
		bus:     bus,
		metrics: metricsCollector,
		logger:  logger.With("component", "sched"),
	}
}

// Start validates and registers both jobs, then starts the cron runner. A
// malformed schedule string is a configuration error returned immediately,
// before anything is started.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.CertSweepSchedule != "" && s.certs != nil {
		if _, err := s.cron.AddFunc(s.cfg.CertSweepSchedule, s.runCertSweep); err != nil {
			return fmt.Errorf("sched: invalid cert sweep schedule %q: %w", s.cfg.CertSweepSchedule, err)
		}
	}
	if s.cfg.HeartbeatSchedule != "" && s.status != nil {
		if _, err := s.cron.AddFunc(s.cfg.HeartbeatSchedule, s.runHeartbeat); err != nil {
			return fmt.Errorf("sched: invalid heartbeat schedule %q: %w", s.cfg.HeartbeatSchedule, err)
		}
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started",
		"cert_sweep_schedule", s.cfg.CertSweepSchedule,
		"heartbeat_schedule", s.cfg.HeartbeatSchedule,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) runCertSweep() {
	n := s.certs.Sweep()
	if n > 0 {
		s.logger.Debug("swept expired certificates", "count", n)
	}
}

func (s *Scheduler) runHeartbeat() {
	snap := s.status()
	s.metrics.ApplyStatus(snap)
	if s.bus != nil {
		s.bus.PublishStatus(snap)
	}
}

// Stop stops the cron runner and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil && s.running {
		doneCtx := s.cron.Stop()
		<-doneCtx.Done()
		s.running = false
		s.logger.Info("scheduler stopped")
	}
}

// IsRunning reports whether the cron runner is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
