// Package scheduler drives periodic fleet health collection. The collection
// loop keeps running unattended; results are surfaced on a channel for the
// caller to report or discard.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opsgate/opsgate/internal/access"
	"github.com/opsgate/opsgate/internal/monitor"
)

const (
	// DefaultInterval is how often the fleet is sampled.
	DefaultInterval = 5 * time.Minute
	// DefaultRetention is how long samples are kept before pruning.
	DefaultRetention = 7 * 24 * time.Hour
	// profileEvery is the number of collection passes between full
	// introspection refreshes.
	profileEvery = 12
)

// FleetCollector is the collection surface the scheduler drives.
type FleetCollector interface {
	CollectAll(ctx context.Context, hosts []access.Host) map[string]monitor.CollectResult
}

// ProfileCollector refreshes hardware profiles. Optional.
type ProfileCollector interface {
	Collect(ctx context.Context, host access.Host) (*monitor.SystemProfile, error)
}

// HostLister supplies the fleet to sample, resolved credentials included.
type HostLister interface {
	ListHosts() []access.Host
}

// Pruner trims old samples. Optional.
type Pruner interface {
	PruneSamples(retention time.Duration) (int64, error)
}

// PassResult summarizes one collection pass over the fleet.
type PassResult struct {
	StartedAt time.Time
	Results   map[string]monitor.CollectResult
}

// Scheduler runs the periodic collection loop.
type Scheduler struct {
	collector    FleetCollector
	introspector ProfileCollector
	hosts        HostLister
	pruner       Pruner
	interval     time.Duration
	retention    time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	resultsCh chan PassResult
}

// New creates a scheduler. introspector and pruner may be nil.
func New(collector FleetCollector, introspector ProfileCollector, hosts HostLister, pruner Pruner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		collector:    collector,
		introspector: introspector,
		hosts:        hosts,
		pruner:       pruner,
		interval:     interval,
		retention:    DefaultRetention,
		logger:       logger,
		resultsCh:    make(chan PassResult, 16),
	}
}

// Start begins the collection loop and blocks until the context is done or
// Stop is called. The first pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler started", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	pass := 0
	s.runPass(ctx, pass)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped by context")
			return
		case <-s.stopCh:
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			pass++
			s.runPass(ctx, pass)
		}
	}
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
}

// Results returns the channel carrying per-pass summaries. The channel is
// never closed; consumers select against their own context.
func (s *Scheduler) Results() <-chan PassResult {
	return s.resultsCh
}

func (s *Scheduler) runPass(ctx context.Context, pass int) {
	hosts := s.hosts.ListHosts()
	if len(hosts) == 0 {
		s.logger.Debug("no hosts to sample")
		return
	}

	started := time.Now().UTC()
	results := s.collector.CollectAll(ctx, hosts)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	s.logger.Info("collection pass finished",
		"hosts", len(hosts),
		"failed", failed,
		"elapsed", time.Since(started).String(),
	)

	select {
	case s.resultsCh <- PassResult{StartedAt: started, Results: results}:
	default:
		s.logger.Debug("results channel full, dropping pass summary")
	}

	if s.introspector != nil && pass%profileEvery == 0 {
		s.refreshProfiles(ctx, hosts)
	}
	if s.pruner != nil {
		if n, err := s.pruner.PruneSamples(s.retention); err != nil {
			s.logger.Warn("failed to prune samples", "error", err)
		} else if n > 0 {
			s.logger.Debug("pruned old samples", "deleted", n)
		}
	}
}

func (s *Scheduler) refreshProfiles(ctx context.Context, hosts []access.Host) {
	for _, h := range hosts {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := s.introspector.Collect(ctx, h); err != nil {
			s.logger.Warn("profile refresh failed", "host", h.Name, "error", err)
		}
	}
}
