// Package monitor samples fleet health and introspects host hardware over
// the remote session layer. Free-form command output is handled by pure
// parser functions so the edge cases stay unit-testable without a host.
package monitor

import "time"

// MetricSample is one timestamped health reading for a host. Samples are
// append-only; the store never updates one in place.
type MetricSample struct {
	HostID      string
	Time        time.Time
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
	LoadAverage string
}

// SystemProfile is the normalized result of a hardware introspection pass.
// Fields degrade independently to zero values when a probe fails.
type SystemProfile struct {
	HostID      string
	Hostname    string
	OS          string
	Kernel      string
	Arch        string
	CPUModel    string
	CPUCount    int
	MemoryModel string
	MemoryGB    float64
	GPUModel    string
	GPUCount    int
	DiskModel   string
	DiskGB      float64
	CollectedAt time.Time
}
