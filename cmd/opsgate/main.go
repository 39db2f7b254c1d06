// Package main is the entry point for the opsgate fleet access tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/opsgate/opsgate/internal/access"
	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/inventory"
	"github.com/opsgate/opsgate/internal/monitor"
	"github.com/opsgate/opsgate/internal/provision"
	"github.com/opsgate/opsgate/internal/remote"
	"github.com/opsgate/opsgate/internal/scheduler"
	"github.com/opsgate/opsgate/internal/secrets"
	"github.com/opsgate/opsgate/internal/store"

	"golang.org/x/term"
)

// version is set at build time via -ldflags.
var version = "dev"

// Config holds the shared tool configuration.
type Config struct {
	FleetPath      string
	DataDir        string
	KnownHostsPath string
	Insecure       bool

	Interval time.Duration

	LogLevel  string
	LogFormat string
}

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("opsgate %s\n", version)
			return
		case "collect":
			runCollect(os.Args[2:])
			return
		case "check":
			runCheck(os.Args[2:])
			return
		case "watch":
			runWatch(os.Args[2:])
			return
		case "introspect":
			runIntrospect(os.Args[2:])
			return
		case "status":
			runStatus(os.Args[2:])
			return
		case "history":
			runHistory(os.Args[2:])
			return
		case "audit":
			runAudit(os.Args[2:])
			return
		case "grant":
			runGrant(os.Args[2:])
			return
		case "revoke":
			runRevoke(os.Args[2:])
			return
		case "purge":
			runPurge(os.Args[2:])
			return
		case "secret":
			runSecret(os.Args[2:])
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	// No subcommand: run the collection daemon.
	runWatch(os.Args[1:])
}

// runWatch runs the periodic collection daemon until interrupted.
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cfg := parseFlags(fs, args)
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	db, hosts, dialer := mustOpen(cfg, logger)
	defer db.Close()

	collector := monitor.NewCollector(dialer, db, logger)
	introspector := monitor.NewIntrospector(dialer, db, logger)
	sched := scheduler.New(collector, introspector, hosts, db, cfg.Interval, logger)

	// Drain pass summaries so the channel never fills.
	go func() {
		for range sched.Results() {
		}
	}()

	logger.Info("starting opsgate",
		"fleet", cfg.FleetPath,
		"hosts", len(hosts.ListHosts()),
		"interval", cfg.Interval.String(),
		"version", version,
	)
	sched.Start(ctx)
}

// runCheck opens a verified session to one host and reports the result,
// prompting for a password when the inventory has none stored.
func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	hostID := fs.String("host", "", "Host ID to check")
	cfg := parseFlags(fs, args)
	if *hostID == "" {
		fmt.Fprintln(os.Stderr, "error: -host is required")
		os.Exit(1)
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	db, hosts, dialer := mustOpen(cfg, logger)
	defer db.Close()

	h, ok := hosts.GetHost(*hostID)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown host %q\n", *hostID)
		os.Exit(1)
	}
	if h.Auth == access.AuthPassword && h.Password == "" {
		fmt.Printf("Password for %s@%s: ", h.User, h.DialAddr())
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read password: %v\n", err)
			os.Exit(1)
		}
		h.Password = string(pw)
	}

	sess, err := dialer.Open(context.Background(), h)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	fmt.Printf("Connection to %s verified\n", h.DialAddr())
	if _, err := sess.RunPrivileged(context.Background(), "true"); err != nil {
		fmt.Printf("Privilege elevation unavailable: %v\n", err)
		return
	}
	fmt.Println("Privilege elevation verified")
}

func printUsage() {
	fmt.Println("Usage: opsgate [command] [flags]")
	fmt.Println()
	fmt.Println("Running without a command starts the periodic collection daemon.")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  watch                        Run the periodic collection daemon")
	fmt.Println("  collect                      Sample every fleet host once")
	fmt.Println("  check -host <id>             Verify connectivity and elevation")
	fmt.Println("  introspect -host <id>        Collect a host's hardware profile")
	fmt.Println("  status                       Show host liveness and latest samples")
	fmt.Println("  history -host <id>           Show a host's recent samples")
	fmt.Println("  audit [-principal|-host]     Query the operation audit trail")
	fmt.Println("  grant -host <id> -principal <login> -capability <name>")
	fmt.Println("  revoke -host <id> -principal <login> -capability <name>")
	fmt.Println("  purge -principal <login>     Remove an account from every host")
	fmt.Println("  secret set|delete <host-id>  Manage stored host passwords")
	fmt.Println("  version                      Print the version")
}

// parseFlags registers the shared flags on fs and parses args. Environment
// variables override flag defaults but not explicit flags.
func parseFlags(fs *flag.FlagSet, args []string) *Config {
	cfg := &Config{}

	fleetDefault := "fleet.yaml"
	if v := os.Getenv("OPSGATE_FLEET"); v != "" {
		fleetDefault = v
	}
	dataDirDefault := secrets.DefaultDataDir
	if v := os.Getenv("OPSGATE_DATA_DIR"); v != "" {
		dataDirDefault = v
	}
	knownHostsDefault := defaultKnownHostsPath()
	if v := os.Getenv("OPSGATE_KNOWN_HOSTS"); v != "" {
		knownHostsDefault = v
	}
	logLevelDefault := "info"
	if v := os.Getenv("OPSGATE_LOG_LEVEL"); v != "" {
		logLevelDefault = v
	}

	fs.StringVar(&cfg.FleetPath, "fleet", fleetDefault, "Fleet inventory file")
	fs.StringVar(&cfg.DataDir, "data-dir", dataDirDefault, "Data directory for the database and secrets")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", knownHostsDefault, "known_hosts file for host key verification")
	fs.BoolVar(&cfg.Insecure, "insecure", os.Getenv("OPSGATE_INSECURE") == "true", "Skip host key verification (development only)")
	fs.DurationVar(&cfg.Interval, "interval", scheduler.DefaultInterval, "Collection interval for daemon mode")
	fs.StringVar(&cfg.LogLevel, "log-level", logLevelDefault, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "Log format (text, json)")
	fs.Parse(args)

	return cfg
}

func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var slogHandler slog.Handler
	if format == "json" {
		slogHandler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		slogHandler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(slogHandler)
}

// mustOpen wires the store, fleet inventory and SSH dialer, exiting on any
// setup failure.
func mustOpen(cfg *Config, logger *slog.Logger) (*store.Store, *inventory.Resolver, *remote.SSHDialer) {
	db, err := store.New(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open data store: %v\n", err)
		os.Exit(1)
	}

	dir, err := inventory.Load(cfg.FleetPath)
	if err != nil {
		db.Close()
		fmt.Fprintf(os.Stderr, "Error: load fleet: %v\n", err)
		os.Exit(1)
	}
	hosts := inventory.NewResolver(dir, secrets.NewStore(cfg.DataDir))

	policy := remote.HostKeyStrict
	if cfg.Insecure {
		policy = remote.HostKeyInsecure
	}
	sink := audit.NewStoreSink(db, logger)
	dialer := remote.NewSSHDialer(remote.Options{
		HostKeyPolicy:  policy,
		KnownHostsPath: cfg.KnownHostsPath,
	}, sink, logger)

	return db, hosts, dialer
}

func runCollect(args []string) {
	fs := flag.NewFlagSet("collect", flag.ExitOnError)
	cfg := parseFlags(fs, args)
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	db, hosts, dialer := mustOpen(cfg, logger)
	defer db.Close()

	collector := monitor.NewCollector(dialer, db, logger)
	results := collector.CollectAll(context.Background(), hosts.ListHosts())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tSTATUS\tCPU%\tMEM%\tDISK%\tLOAD")
	for _, h := range hosts.ListHosts() {
		r, ok := results[h.ID]
		if !ok {
			continue
		}
		if r.Err != nil {
			fmt.Fprintf(w, "%s\toffline\t-\t-\t-\t%v\n", h.Name, r.Err)
			continue
		}
		s := r.Sample
		fmt.Fprintf(w, "%s\tonline\t%.1f\t%.1f\t%.1f\t%s\n",
			h.Name, s.CPUPercent, s.MemPercent, s.DiskPercent, s.LoadAverage)
	}
	w.Flush()
}

func runIntrospect(args []string) {
	fs := flag.NewFlagSet("introspect", flag.ExitOnError)
	hostID := fs.String("host", "", "Host ID to introspect")
	cfg := parseFlags(fs, args)
	if *hostID == "" {
		fmt.Fprintln(os.Stderr, "error: -host is required")
		os.Exit(1)
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	db, hosts, dialer := mustOpen(cfg, logger)
	defer db.Close()

	h, ok := hosts.GetHost(*hostID)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown host %q\n", *hostID)
		os.Exit(1)
	}

	introspector := monitor.NewIntrospector(dialer, db, logger)
	p, err := introspector.Collect(context.Background(), h)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printProfile(p)
}

func printProfile(p *monitor.SystemProfile) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Hostname:\t%s\n", p.Hostname)
	fmt.Fprintf(w, "OS:\t%s\n", p.OS)
	fmt.Fprintf(w, "Kernel:\t%s\n", p.Kernel)
	fmt.Fprintf(w, "Arch:\t%s\n", p.Arch)
	fmt.Fprintf(w, "CPU:\t%s (x%d)\n", p.CPUModel, p.CPUCount)
	fmt.Fprintf(w, "Memory:\t%s, %.1f GB\n", p.MemoryModel, p.MemoryGB)
	if p.GPUModel != "" {
		fmt.Fprintf(w, "GPU:\t%s (x%d)\n", p.GPUModel, p.GPUCount)
	}
	fmt.Fprintf(w, "Disk:\t%s, %.1f GB\n", p.DiskModel, p.DiskGB)
	w.Flush()
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfg := parseFlags(fs, args)
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	db, hosts, _ := mustOpen(cfg, logger)
	defer db.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tADDR\tSTATUS\tLAST SAMPLE\tCPU%\tMEM%\tDISK%")
	for _, h := range hosts.ListHosts() {
		status, err := db.HostStatus(h.ID)
		if err != nil {
			status = access.StatusUnknown
		}
		s, err := db.Latest(h.ID)
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\t%s\t-\t-\t-\t-\n", h.Name, h.DialAddr(), status)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%.1f\t%.1f\n",
			h.Name, h.DialAddr(), status,
			s.Time.Local().Format(time.DateTime),
			s.CPUPercent, s.MemPercent, s.DiskPercent)
	}
	w.Flush()
}

func runHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	hostID := fs.String("host", "", "Host ID")
	window := fs.Duration("window", 24*time.Hour, "How far back to look")
	cfg := parseFlags(fs, args)
	if *hostID == "" {
		fmt.Fprintln(os.Stderr, "error: -host is required")
		os.Exit(1)
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	db, _, _ := mustOpen(cfg, logger)
	defer db.Close()

	samples, err := db.History(*hostID, *window)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(samples) == 0 {
		fmt.Println("No samples")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCPU%\tMEM%\tDISK%\tLOAD")
	for _, s := range samples {
		fmt.Fprintf(w, "%s\t%.1f\t%.1f\t%.1f\t%s\n",
			s.Time.Local().Format(time.DateTime),
			s.CPUPercent, s.MemPercent, s.DiskPercent, s.LoadAverage)
	}
	w.Flush()
}

func runAudit(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	principal := fs.String("principal", "", "Filter by principal login")
	host := fs.String("host", "", "Filter by host name")
	limit := fs.Int("limit", 100, "Maximum entries to show")
	cfg := parseFlags(fs, args)
	if (*principal == "") == (*host == "") {
		fmt.Fprintln(os.Stderr, "error: exactly one of -principal or -host is required")
		os.Exit(1)
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	db, _, _ := mustOpen(cfg, logger)
	defer db.Close()

	var entries []audit.Entry
	var err error
	if *principal != "" {
		entries, err = db.AuditByPrincipal(*principal, *limit)
	} else {
		entries, err = db.AuditByHost(*host, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No entries")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tHOST\tPRINCIPAL\tOPERATION\tOK\tMESSAGE")
	for _, e := range entries {
		ok := "yes"
		if !e.Success {
			ok = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Time.Local().Format(time.DateTime),
			e.Kind, e.Host, e.Principal, e.Operation, ok, e.Message)
	}
	w.Flush()
}

// grantFlags holds the flags shared by grant and revoke.
type grantFlags struct {
	hostID        string
	principal     string
	capability    string
	account       string
	justification string
}

func registerGrantFlags(fs *flag.FlagSet, gf *grantFlags) {
	fs.StringVar(&gf.hostID, "host", "", "Host ID")
	fs.StringVar(&gf.principal, "principal", "", "Principal login")
	fs.StringVar(&gf.capability, "capability", "basic", "Capability (basic, sudo, docker, database, custom)")
	fs.StringVar(&gf.account, "account", "", "OS account override (defaults to the principal login)")
	fs.StringVar(&gf.justification, "justification", "", "Reason recorded with the grant")
}

func buildGrant(gf *grantFlags, state access.DesiredState) access.Grant {
	if gf.hostID == "" || gf.principal == "" {
		fmt.Fprintln(os.Stderr, "error: -host and -principal are required")
		os.Exit(1)
	}
	capability, err := access.ParseCapability(gf.capability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return access.Grant{
		ID:              fmt.Sprintf("cli-%d", time.Now().UnixNano()),
		HostID:          gf.hostID,
		Principal:       access.Principal{ID: gf.principal, Login: gf.principal},
		Capability:      capability,
		State:           state,
		AccountOverride: gf.account,
		Justification:   gf.justification,
	}
}

func newEngine(cfg *Config, logger *slog.Logger) (*store.Store, *provision.Engine) {
	db, hosts, dialer := mustOpen(cfg, logger)
	sink := audit.NewStoreSink(db, logger)
	return db, provision.NewEngine(dialer, hosts, sink, logger)
}

func runGrant(args []string) {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	var gf grantFlags
	registerGrantFlags(fs, &gf)
	cfg := parseFlags(fs, args)
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	g := buildGrant(&gf, access.StateGranted)
	db, engine := newEngine(cfg, logger)
	defer db.Close()

	outcomes := engine.Grant(context.Background(), []access.Grant{g})
	printOutcomes(outcomes)
	if !outcomesOK(outcomes) {
		os.Exit(1)
	}
}

func runRevoke(args []string) {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	var gf grantFlags
	registerGrantFlags(fs, &gf)
	cfg := parseFlags(fs, args)
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	g := buildGrant(&gf, access.StateRevoked)
	db, engine := newEngine(cfg, logger)
	defer db.Close()

	out := engine.Revoke(context.Background(), g)
	printOutcomes([]access.Outcome{out})
	if !out.Success {
		os.Exit(1)
	}
}

func runPurge(args []string) {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	principal := fs.String("principal", "", "Principal login")
	account := fs.String("account", "", "OS account override (defaults to the principal login)")
	cfg := parseFlags(fs, args)
	if *principal == "" {
		fmt.Fprintln(os.Stderr, "error: -principal is required")
		os.Exit(1)
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	db, hosts, dialer := mustOpen(cfg, logger)
	defer db.Close()
	sink := audit.NewStoreSink(db, logger)
	engine := provision.NewEngine(dialer, hosts, sink, logger)

	p := access.Principal{ID: *principal, Login: *principal}
	var grants []access.Grant
	for _, h := range hosts.ListHosts() {
		grants = append(grants, access.Grant{
			HostID:          h.ID,
			Principal:       p,
			Capability:      access.CapBasic,
			State:           access.StateRevoked,
			AccountOverride: *account,
		})
	}

	outs := engine.PurgeAccount(context.Background(), p, grants)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tOK\tMESSAGE")
	for _, o := range outs {
		ok := "yes"
		if !o.Success {
			ok = "no"
		}
		name := o.HostID
		if h, found := hosts.GetHost(o.HostID); found {
			name = h.Name
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, ok, o.Message)
	}
	w.Flush()
	if !provision.AllSucceeded(outs) {
		os.Exit(1)
	}
}

func printOutcomes(outcomes []access.Outcome) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tACCOUNT\tOK\tMESSAGE")
	for _, o := range outcomes {
		ok := "yes"
		if !o.Success {
			ok = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.HostID, o.Account, ok, o.Message)
	}
	w.Flush()
	for _, o := range outcomes {
		if o.GeneratedPassword != "" {
			fmt.Printf("\nGenerated password for %s@%s: %s\n", o.Account, o.HostID, o.GeneratedPassword)
			fmt.Println("Deliver it to the principal now; it is not stored.")
		}
	}
}

func outcomesOK(outcomes []access.Outcome) bool {
	for _, o := range outcomes {
		if !o.Success {
			return false
		}
	}
	return true
}

// runSecret manages stored host connection passwords.
// Usage: opsgate secret set|delete <host-id>
func runSecret(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: opsgate secret set|delete <host-id>")
		os.Exit(1)
	}
	verb, hostID := args[0], args[1]

	fs := flag.NewFlagSet("secret "+verb, flag.ExitOnError)
	cfg := parseFlags(fs, args[2:])
	secretStore := secrets.NewStore(cfg.DataDir)

	switch verb {
	case "set":
		fmt.Printf("Password for host %s: ", hostID)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read password: %v\n", err)
			os.Exit(1)
		}
		if len(strings.TrimSpace(string(pw))) == 0 {
			fmt.Fprintln(os.Stderr, "error: empty password")
			os.Exit(1)
		}
		if err := secretStore.Set(hostID, string(pw)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Password stored")
	case "delete":
		if err := secretStore.Delete(hostID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Password deleted")
	default:
		fmt.Fprintf(os.Stderr, "unknown secret subcommand: %s\n", verb)
		fmt.Fprintln(os.Stderr, "usage: opsgate secret set|delete <host-id>")
		os.Exit(1)
	}
}
