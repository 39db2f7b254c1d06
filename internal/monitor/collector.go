package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsgate/opsgate/internal/access"
	"github.com/opsgate/opsgate/internal/remote"
)

// SampleStore is the persistence surface the collector writes through.
type SampleStore interface {
	AppendSample(s MetricSample) error
	SetHostStatus(hostID string, status access.HostStatus) error
}

// Collector samples host health. Each collection opens one session, runs the
// fixed metric commands, persists the sample and marks the host online or
// offline. The session is always closed before returning.
type Collector struct {
	dialer remote.Dialer
	store  SampleStore
	logger *slog.Logger
}

func NewCollector(dialer remote.Dialer, store SampleStore, logger *slog.Logger) *Collector {
	return &Collector{dialer: dialer, store: store, logger: logger}
}

// probe pairs a metric command with its output parser. Each metric has one
// primary command and one documented fallback.
type probe struct {
	command string
	parse   func(string) (float64, error)
}

var (
	cpuProbes = []probe{
		{"top -bn1 | grep -i 'cpu(s)'", parseCPUTop},
		{"grep 'cpu ' /proc/stat", parseCPUStat},
	}
	memProbes = []probe{
		{"free | grep -i mem:", parseMemFree},
		{"cat /proc/meminfo", parseMemInfo},
	}
	diskProbes = []probe{
		{"df -P /", parseDiskDF},
		{"df /", parseDiskDF},
	}
)

type stringProbe struct {
	command string
	parse   func(string) (string, error)
}

var loadProbes = []stringProbe{
	{"uptime", parseLoadUptime},
	{"cat /proc/loadavg", parseLoadAvgFile},
}

// CollectOne samples one host. Any connection or sampling failure marks the
// host offline and returns the error; success appends the sample and marks
// the host online.
func (c *Collector) CollectOne(ctx context.Context, host access.Host) (MetricSample, error) {
	sample := MetricSample{HostID: host.ID, Time: time.Now().UTC()}

	sess, err := c.dialer.Open(ctx, host)
	if err != nil {
		c.markStatus(host, access.StatusOffline)
		return sample, err
	}
	defer sess.Close()

	if sample.CPUPercent, err = c.sampleFloat(ctx, sess, cpuProbes); err != nil {
		c.markStatus(host, access.StatusOffline)
		return sample, fmt.Errorf("sample cpu on %s: %w", host.Name, err)
	}
	if sample.MemPercent, err = c.sampleFloat(ctx, sess, memProbes); err != nil {
		c.markStatus(host, access.StatusOffline)
		return sample, fmt.Errorf("sample memory on %s: %w", host.Name, err)
	}
	if sample.DiskPercent, err = c.sampleFloat(ctx, sess, diskProbes); err != nil {
		c.markStatus(host, access.StatusOffline)
		return sample, fmt.Errorf("sample disk on %s: %w", host.Name, err)
	}
	if sample.LoadAverage, err = c.sampleString(ctx, sess, loadProbes); err != nil {
		c.markStatus(host, access.StatusOffline)
		return sample, fmt.Errorf("sample load on %s: %w", host.Name, err)
	}

	c.markStatus(host, access.StatusOnline)
	if err := c.store.AppendSample(sample); err != nil {
		return sample, fmt.Errorf("persist sample for %s: %w", host.Name, err)
	}

	c.logger.Debug("collected sample",
		"host", host.Name,
		"cpu", sample.CPUPercent,
		"mem", sample.MemPercent,
		"disk", sample.DiskPercent,
		"load", sample.LoadAverage,
	)
	return sample, nil
}

// CollectResult is one host's entry in a fleet-wide collection.
type CollectResult struct {
	Sample MetricSample
	Err    error
}

// CollectAll samples every host independently. One host's failure never
// affects another's result.
func (c *Collector) CollectAll(ctx context.Context, hosts []access.Host) map[string]CollectResult {
	results := make(map[string]CollectResult, len(hosts))
	for _, host := range hosts {
		sample, err := c.CollectOne(ctx, host)
		results[host.ID] = CollectResult{Sample: sample, Err: err}
		if err != nil {
			c.logger.Warn("collection failed", "host", host.Name, "error", err)
		}
	}
	return results
}

func (c *Collector) sampleFloat(ctx context.Context, sess remote.Session, probes []probe) (float64, error) {
	var lastErr error
	for _, p := range probes {
		res, err := sess.Run(ctx, p.command)
		if err != nil {
			lastErr = err
			continue
		}
		v, err := p.parse(res.Stdout)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", p.command, err)
			continue
		}
		return v, nil
	}
	return 0, lastErr
}

func (c *Collector) sampleString(ctx context.Context, sess remote.Session, probes []stringProbe) (string, error) {
	var lastErr error
	for _, p := range probes {
		res, err := sess.Run(ctx, p.command)
		if err != nil {
			lastErr = err
			continue
		}
		v, err := p.parse(res.Stdout)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", p.command, err)
			continue
		}
		return v, nil
	}
	return "", lastErr
}

func (c *Collector) markStatus(host access.Host, status access.HostStatus) {
	if err := c.store.SetHostStatus(host.ID, status); err != nil {
		c.logger.Warn("failed to update host status",
			"host", host.Name, "status", status, "error", err)
	}
}
