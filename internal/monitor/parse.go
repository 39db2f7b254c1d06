package monitor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	cpuIdleRe     = regexp.MustCompile(`([0-9.]+)[\s%]*id`)
	loadAverageRe = regexp.MustCompile(`load averages?:\s*(.+)$`)
	lsbDescRe     = regexp.MustCompile(`Description:\s*(.+)`)
	prettyNameRe  = regexp.MustCompile(`PRETTY_NAME="?([^"\n]+)"?`)
	modelNameRe   = regexp.MustCompile(`[Mm]odel name\s*:\s*(.+)`)
	dmiSizeRe     = regexp.MustCompile(`\tSize:\s*([0-9]+)\s*(GB|MB)`)
	dmiPartRe     = regexp.MustCompile(`\tPart Number:\s*(.+)`)
	lshwMemRe     = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*GiB`)
	chipsetRe     = regexp.MustCompile(`Chipset Model:\s*(.+)`)
	mediaNameRe   = regexp.MustCompile(`Media Name:\s*(.+)`)
	memTypeRe     = regexp.MustCompile(`Type:\s*(\S+)`)
)

// parseCPUTop extracts busy CPU percent from a top summary line, e.g.
// "%Cpu(s):  5.6 us,  1.7 sy,  0.0 ni, 91.2 id, ...".
func parseCPUTop(out string) (float64, error) {
	m := cpuIdleRe.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("no idle field in top output")
	}
	idle, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse idle %q: %w", m[1], err)
	}
	if idle < 0 || idle > 100 {
		return 0, fmt.Errorf("idle %v out of range", idle)
	}
	return 100 - idle, nil
}

// parseCPUStat derives busy percent from the aggregate cpu line of
// /proc/stat. A single read is an approximation over the whole uptime, which
// is acceptable for a fallback.
func parseCPUStat(out string) (float64, error) {
	fields := strings.Fields(out)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected /proc/stat line %q", out)
	}
	var total, idle float64
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, fmt.Errorf("parse field %q: %w", f, err)
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("zero total jiffies")
	}
	return (total - idle) / total * 100, nil
}

// parseMemFree reads used percent from the Mem row of free(1).
func parseMemFree(out string) (float64, error) {
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return 0, fmt.Errorf("unexpected free output %q", out)
	}
	total, err1 := strconv.ParseFloat(fields[1], 64)
	used, err2 := strconv.ParseFloat(fields[2], 64)
	if err1 != nil || err2 != nil || total == 0 {
		return 0, fmt.Errorf("unparsable free row %q", out)
	}
	return used / total * 100, nil
}

// parseMemInfo computes used percent from /proc/meminfo MemTotal and
// MemAvailable.
func parseMemInfo(out string) (float64, error) {
	var total, available float64
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("no MemTotal in meminfo")
	}
	return (total - available) / total * 100, nil
}

// parseDiskDF reads the use percent of the root filesystem from POSIX df
// output.
func parseDiskDF(out string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("df output too short")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return 0, fmt.Errorf("unexpected df row %q", lines[len(lines)-1])
	}
	pct := strings.TrimSuffix(fields[4], "%")
	v, err := strconv.ParseFloat(pct, 64)
	if err != nil {
		return 0, fmt.Errorf("parse df percent %q: %w", fields[4], err)
	}
	return v, nil
}

// parseDiskTotalDF reads the root filesystem size in GB from df -P 1K blocks.
func parseDiskTotalDF(out string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("df output too short")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected df row %q", lines[len(lines)-1])
	}
	blocks, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse df blocks %q: %w", fields[1], err)
	}
	return blocks / 1024 / 1024, nil
}

// parseLoadUptime extracts the three load figures from uptime(1), which
// prints "load average:" on Linux and "load averages:" on macOS.
func parseLoadUptime(out string) (string, error) {
	m := loadAverageRe.FindStringSubmatch(strings.TrimSpace(out))
	if m == nil {
		return "", fmt.Errorf("no load average in uptime output")
	}
	return strings.TrimSpace(m[1]), nil
}

// parseLoadAvgFile reads the first three fields of /proc/loadavg.
func parseLoadAvgFile(out string) (string, error) {
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return "", fmt.Errorf("unexpected loadavg %q", out)
	}
	return strings.Join(fields[:3], ", "), nil
}

// parseLsbDescription strips the label from lsb_release -d output.
func parseLsbDescription(out string) (string, error) {
	m := lsbDescRe.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("no Description in lsb_release output")
	}
	return strings.TrimSpace(m[1]), nil
}

// parseOSRelease returns PRETTY_NAME from /etc/os-release.
func parseOSRelease(out string) (string, error) {
	m := prettyNameRe.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("no PRETTY_NAME in os-release")
	}
	return strings.TrimSpace(m[1]), nil
}

// parseIssue takes the first line of /etc/issue, minus getty escapes.
func parseIssue(out string) (string, error) {
	line := strings.SplitN(out, "\n", 2)[0]
	line = strings.NewReplacer(`\n`, "", `\l`, "").Replace(line)
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("empty /etc/issue")
	}
	return line, nil
}

// parseCPUModel finds the model name in lscpu or /proc/cpuinfo output.
func parseCPUModel(out string) (string, error) {
	m := modelNameRe.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("no model name field")
	}
	return strings.TrimSpace(m[1]), nil
}

// parseCPUInfoCount counts processor entries in /proc/cpuinfo.
func parseCPUInfoCount(out string) (int, error) {
	count := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "processor") {
			count++
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("no processor entries")
	}
	return count, nil
}

// parseDmidecodeMemory sums populated DIMM sizes and picks the first part
// number as the module model from dmidecode -t 17 output.
func parseDmidecodeMemory(out string) (model string, gb float64, err error) {
	for _, m := range dmiSizeRe.FindAllStringSubmatch(out, -1) {
		v, perr := strconv.ParseFloat(m[1], 64)
		if perr != nil {
			continue
		}
		if m[2] == "MB" {
			v /= 1024
		}
		gb += v
	}
	if gb == 0 {
		return "", 0, fmt.Errorf("no populated memory devices")
	}
	if m := dmiPartRe.FindStringSubmatch(out); m != nil {
		part := strings.TrimSpace(m[1])
		if part != "" && !strings.EqualFold(part, "not specified") {
			model = part
		}
	}
	return model, gb, nil
}

// parseLshwMemory finds a System Memory size like "16GiB" in lshw output.
func parseLshwMemory(out string) (float64, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "System Memory") && !strings.Contains(line, "System memory") {
			continue
		}
		if m := lshwMemRe.FindStringSubmatch(line); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				return v, nil
			}
		}
	}
	return 0, fmt.Errorf("no System Memory entry")
}

// parseFreeTotalGB reads total memory in GB from free -g.
func parseFreeTotalGB(out string) (float64, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(strings.ToLower(line), "mem:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			break
		}
		return v, nil
	}
	return 0, fmt.Errorf("no Mem row in free output")
}

// parseGPUList handles nvidia-smi csv name output: one GPU per line.
func parseGPUList(out string) (model string, count int, err error) {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if model == "" {
			model = line
		}
		count++
	}
	if count == 0 {
		return "", 0, fmt.Errorf("no GPUs listed")
	}
	return model, count, nil
}

// parseLspciVGA handles "lspci | grep -i vga" rows, taking the text after
// the class label.
func parseLspciVGA(out string) (model string, count int, err error) {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if idx := strings.Index(line, ": "); idx >= 0 {
			line = line[idx+2:]
		}
		if model == "" {
			model = line
		}
		count++
	}
	if count == 0 {
		return "", 0, fmt.Errorf("no VGA devices listed")
	}
	return model, count, nil
}

// parseLsblkDisks sums disk-type rows of
// "lsblk -d -o NAME,MODEL,TYPE,SIZE" and picks the first model string.
func parseLsblkDisks(out string) (model string, gb float64, err error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i, line := range lines {
		if i == 0 { // header
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		size := fields[len(fields)-1]
		typ := fields[len(fields)-2]
		if typ != "disk" {
			continue
		}
		v, perr := parseSizeToGB(size)
		if perr != nil {
			continue
		}
		gb += v
		if model == "" && len(fields) > 3 {
			model = strings.Join(fields[1:len(fields)-2], " ")
		}
	}
	if gb == 0 {
		return "", 0, fmt.Errorf("no disk rows in lsblk output")
	}
	return model, gb, nil
}

// parseSizeToGB converts lsblk size strings like "931.5G" or "1.8T".
func parseSizeToGB(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	unit := s[len(s)-1]
	num := strings.ReplaceAll(s[:len(s)-1], ",", ".")
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	switch unit {
	case 'T':
		return v * 1024, nil
	case 'G':
		return v, nil
	case 'M':
		return v / 1024, nil
	case 'K':
		return v / 1024 / 1024, nil
	default:
		return 0, fmt.Errorf("unknown size unit in %q", s)
	}
}

// parseSwVers builds an OS description from sw_vers output.
func parseSwVers(out string) (string, error) {
	var name, version string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "ProductName:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "ProductName:"))
		case strings.HasPrefix(line, "ProductVersion:"):
			version = strings.TrimSpace(strings.TrimPrefix(line, "ProductVersion:"))
		}
	}
	if name == "" {
		return "", fmt.Errorf("no ProductName in sw_vers output")
	}
	return strings.TrimSpace(name + " " + version), nil
}

// parseMemsizeGB converts sysctl hw.memsize bytes to GB.
func parseMemsizeGB(out string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("parse hw.memsize %q: %w", out, err)
	}
	return v / (1 << 30), nil
}

// parseProfilerMemoryType finds the DIMM type in SPMemoryDataType output.
func parseProfilerMemoryType(out string) (string, error) {
	m := memTypeRe.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("no Type field in memory profile")
	}
	return m[1], nil
}

// parseProfilerChipset reads GPU chipset models from SPDisplaysDataType.
func parseProfilerChipset(out string) (model string, count int, err error) {
	for _, m := range chipsetRe.FindAllStringSubmatch(out, -1) {
		if model == "" {
			model = strings.TrimSpace(m[1])
		}
		count++
	}
	if count == 0 {
		return "", 0, fmt.Errorf("no Chipset Model in displays profile")
	}
	return model, count, nil
}

// parseProfilerMediaName reads the first media name from SPStorageDataType.
func parseProfilerMediaName(out string) (string, error) {
	m := mediaNameRe.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("no Media Name in storage profile")
	}
	return strings.TrimSpace(m[1]), nil
}

// parseDFBlocksGB reads total size from df -g (1G blocks) output.
func parseDFBlocksGB(out string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("df output too short")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected df row %q", lines[len(lines)-1])
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse df blocks %q: %w", fields[1], err)
	}
	return v, nil
}
