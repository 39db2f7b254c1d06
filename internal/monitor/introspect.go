package monitor

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/opsgate/opsgate/internal/access"
	"github.com/opsgate/opsgate/internal/remote"
)

// ProfileStore persists introspection results.
type ProfileStore interface {
	UpsertProfile(p SystemProfile) error
	SetHostStatus(hostID string, status access.HostStatus) error
}

// Introspector runs the hardware-detection battery against a host. The OS
// branch is chosen once per session; every sub-probe has its own fallback
// chain and degrades to a zero value instead of failing the collection.
type Introspector struct {
	dialer remote.Dialer
	store  ProfileStore
	logger *slog.Logger
}

func NewIntrospector(dialer remote.Dialer, store ProfileStore, logger *slog.Logger) *Introspector {
	return &Introspector{dialer: dialer, store: store, logger: logger}
}

// Collect connects, detects the OS dialect and fills a SystemProfile. Only a
// connection failure fails the collection as a whole.
func (in *Introspector) Collect(ctx context.Context, host access.Host) (*SystemProfile, error) {
	sess, err := in.dialer.Open(ctx, host)
	if err != nil {
		in.markStatus(host, access.StatusOffline)
		return nil, err
	}
	defer sess.Close()

	p := &SystemProfile{HostID: host.ID, CollectedAt: time.Now().UTC()}

	kernelName, _ := in.run(ctx, sess, "uname -s")
	if strings.EqualFold(kernelName, "Darwin") {
		in.collectDarwin(ctx, sess, p)
	} else {
		in.collectLinux(ctx, sess, p)
	}

	in.markStatus(host, access.StatusOnline)
	if in.store != nil {
		if err := in.store.UpsertProfile(*p); err != nil {
			in.logger.Warn("failed to persist profile", "host", host.Name, "error", err)
		}
	}
	in.logger.Info("introspected host",
		"host", host.Name, "os", p.OS, "cpu", p.CPUModel, "memory_gb", p.MemoryGB)
	return p, nil
}

func (in *Introspector) collectLinux(ctx context.Context, sess remote.Session, p *SystemProfile) {
	p.Hostname, _ = in.run(ctx, sess, "hostname")
	p.Kernel, _ = in.run(ctx, sess, "uname -r")
	p.Arch, _ = in.run(ctx, sess, "uname -m")

	// OS description: lsb_release, then os-release, then the issue banner.
	if out, ok := in.run(ctx, sess, "lsb_release -d"); ok {
		p.OS, _ = parseLsbDescription(out)
	}
	if p.OS == "" {
		if out, ok := in.run(ctx, sess, "cat /etc/os-release"); ok {
			p.OS, _ = parseOSRelease(out)
		}
	}
	if p.OS == "" {
		if out, ok := in.run(ctx, sess, "cat /etc/issue"); ok {
			p.OS, _ = parseIssue(out)
		}
	}

	if out, ok := in.run(ctx, sess, "lscpu"); ok {
		p.CPUModel, _ = parseCPUModel(out)
	}
	if p.CPUModel == "" {
		if out, ok := in.run(ctx, sess, "cat /proc/cpuinfo"); ok {
			p.CPUModel, _ = parseCPUModel(out)
		}
	}
	if out, ok := in.run(ctx, sess, "nproc"); ok {
		if n, err := strconv.Atoi(out); err == nil {
			p.CPUCount = n
		}
	}
	if p.CPUCount == 0 {
		if out, ok := in.run(ctx, sess, "cat /proc/cpuinfo"); ok {
			p.CPUCount, _ = parseCPUInfoCount(out)
		}
	}

	// Memory wants dmidecode, which needs elevation. When elevation is not
	// available the unprivileged fallbacks still give a usable total.
	if out, ok := in.runPrivileged(ctx, sess, "dmidecode -t 17"); ok {
		p.MemoryModel, p.MemoryGB, _ = parseDmidecodeMemory(out)
	}
	if p.MemoryGB == 0 {
		if out, ok := in.runPrivileged(ctx, sess, "lshw -short -C memory"); ok {
			p.MemoryGB, _ = parseLshwMemory(out)
		}
	}
	if p.MemoryGB == 0 {
		if out, ok := in.run(ctx, sess, "free -g"); ok {
			p.MemoryGB, _ = parseFreeTotalGB(out)
		}
	}

	if out, ok := in.run(ctx, sess, "nvidia-smi --query-gpu=name --format=csv,noheader"); ok {
		p.GPUModel, p.GPUCount, _ = parseGPUList(out)
	}
	if p.GPUCount == 0 {
		if out, ok := in.run(ctx, sess, "lspci | grep -i vga"); ok {
			p.GPUModel, p.GPUCount, _ = parseLspciVGA(out)
		}
	}

	if out, ok := in.run(ctx, sess, "lsblk -d -o NAME,MODEL,TYPE,SIZE"); ok {
		p.DiskModel, p.DiskGB, _ = parseLsblkDisks(out)
	}
	if p.DiskGB == 0 {
		if out, ok := in.run(ctx, sess, "df -P /"); ok {
			p.DiskGB, _ = parseDiskTotalDF(out)
		}
	}
}

func (in *Introspector) collectDarwin(ctx context.Context, sess remote.Session, p *SystemProfile) {
	p.Hostname, _ = in.run(ctx, sess, "hostname")
	p.Kernel, _ = in.run(ctx, sess, "uname -r")
	p.Arch, _ = in.run(ctx, sess, "uname -m")

	if out, ok := in.run(ctx, sess, "sw_vers"); ok {
		p.OS, _ = parseSwVers(out)
	}

	p.CPUModel, _ = in.run(ctx, sess, "sysctl -n machdep.cpu.brand_string")
	if out, ok := in.run(ctx, sess, "sysctl -n hw.ncpu"); ok {
		if n, err := strconv.Atoi(out); err == nil {
			p.CPUCount = n
		}
	}

	if out, ok := in.run(ctx, sess, "sysctl -n hw.memsize"); ok {
		p.MemoryGB, _ = parseMemsizeGB(out)
	}
	if out, ok := in.run(ctx, sess, "system_profiler SPMemoryDataType"); ok {
		p.MemoryModel, _ = parseProfilerMemoryType(out)
	}

	if out, ok := in.run(ctx, sess, "system_profiler SPDisplaysDataType"); ok {
		p.GPUModel, p.GPUCount, _ = parseProfilerChipset(out)
	}

	if out, ok := in.run(ctx, sess, "df -g /"); ok {
		p.DiskGB, _ = parseDFBlocksGB(out)
	}
	if out, ok := in.run(ctx, sess, "system_profiler SPStorageDataType"); ok {
		p.DiskModel, _ = parseProfilerMediaName(out)
	}
}

// run executes one probe and reports whether it produced output. Probe
// failures are logged at debug and degrade the field, never the collection.
func (in *Introspector) run(ctx context.Context, sess remote.Session, command string) (string, bool) {
	res, err := sess.Run(ctx, command)
	if err != nil {
		in.logger.Debug("probe failed", "command", command, "error", err)
		return "", false
	}
	return strings.TrimSpace(res.Stdout), true
}

func (in *Introspector) runPrivileged(ctx context.Context, sess remote.Session, command string) (string, bool) {
	res, err := sess.RunPrivileged(ctx, command)
	if err != nil {
		in.logger.Debug("privileged probe failed", "command", command, "error", err)
		return "", false
	}
	return strings.TrimSpace(res.Stdout), true
}

func (in *Introspector) markStatus(host access.Host, status access.HostStatus) {
	if in.store == nil {
		return
	}
	if err := in.store.SetHostStatus(host.ID, status); err != nil {
		in.logger.Warn("failed to update host status",
			"host", host.Name, "status", status, "error", err)
	}
}
