// Package store provides persistent storage for metric samples, system
// profiles, host status and the operation audit log.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opsgate/opsgate/internal/access"
	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/monitor"
)

// Store wraps the SQLite database. All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database under dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "opsgate.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps the scheduler's writes from blocking audit queries.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host_id TEXT NOT NULL,
		sampled_at DATETIME NOT NULL,
		cpu_percent REAL NOT NULL,
		mem_percent REAL NOT NULL,
		disk_percent REAL NOT NULL,
		load_average TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		at DATETIME NOT NULL,
		kind TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		principal TEXT NOT NULL DEFAULT '',
		operation TEXT NOT NULL DEFAULT '',
		command TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		privileged BOOLEAN NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS profiles (
		host_id TEXT PRIMARY KEY,
		hostname TEXT NOT NULL DEFAULT '',
		os TEXT NOT NULL DEFAULT '',
		kernel TEXT NOT NULL DEFAULT '',
		arch TEXT NOT NULL DEFAULT '',
		cpu_model TEXT NOT NULL DEFAULT '',
		cpu_count INTEGER NOT NULL DEFAULT 0,
		memory_model TEXT NOT NULL DEFAULT '',
		memory_gb REAL NOT NULL DEFAULT 0,
		gpu_model TEXT NOT NULL DEFAULT '',
		gpu_count INTEGER NOT NULL DEFAULT 0,
		disk_model TEXT NOT NULL DEFAULT '',
		disk_gb REAL NOT NULL DEFAULT 0,
		collected_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS host_status (
		host_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_metrics_host_time ON metrics(host_id, sampled_at);
	CREATE INDEX IF NOT EXISTS idx_audit_principal ON audit_entries(principal, at);
	CREATE INDEX IF NOT EXISTS idx_audit_host ON audit_entries(host, at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AppendSample records one metric sample. Samples are append-only.
func (s *Store) AppendSample(m monitor.MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO metrics (host_id, sampled_at, cpu_percent, mem_percent, disk_percent, load_average)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.HostID, m.Time, m.CPUPercent, m.MemPercent, m.DiskPercent, m.LoadAverage,
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// History returns a host's samples within the window, oldest first.
func (s *Store) History(hostID string, window time.Duration) ([]monitor.MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since := time.Now().UTC().Add(-window)
	rows, err := s.db.Query(`
		SELECT host_id, sampled_at, cpu_percent, mem_percent, disk_percent, load_average
		FROM metrics
		WHERE host_id = ? AND sampled_at >= ?
		ORDER BY sampled_at ASC`,
		hostID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var samples []monitor.MetricSample
	for rows.Next() {
		var m monitor.MetricSample
		if err := rows.Scan(&m.HostID, &m.Time, &m.CPUPercent, &m.MemPercent, &m.DiskPercent, &m.LoadAverage); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, m)
	}
	return samples, rows.Err()
}

// Latest returns a host's most recent sample, or sql.ErrNoRows when the host
// has never been sampled.
func (s *Store) Latest(hostID string) (monitor.MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m monitor.MetricSample
	err := s.db.QueryRow(`
		SELECT host_id, sampled_at, cpu_percent, mem_percent, disk_percent, load_average
		FROM metrics
		WHERE host_id = ?
		ORDER BY sampled_at DESC
		LIMIT 1`,
		hostID,
	).Scan(&m.HostID, &m.Time, &m.CPUPercent, &m.MemPercent, &m.DiskPercent, &m.LoadAverage)
	if err != nil {
		return monitor.MetricSample{}, err
	}
	return m, nil
}

// PruneSamples removes samples older than the retention period. Returns the
// number of rows deleted.
func (s *Store) PruneSamples(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.Exec("DELETE FROM metrics WHERE sampled_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return res.RowsAffected()
}

// SetHostStatus records a host's liveness transition.
func (s *Store) SetHostStatus(hostID string, status access.HostStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO host_status (host_id, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(host_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		hostID, string(status), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set host status: %w", err)
	}
	return nil
}

// HostStatus returns a host's last recorded liveness, StatusUnknown when the
// host has never been observed.
func (s *Store) HostStatus(hostID string) (access.HostStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var status string
	err := s.db.QueryRow("SELECT status FROM host_status WHERE host_id = ?", hostID).Scan(&status)
	if err == sql.ErrNoRows {
		return access.StatusUnknown, nil
	}
	if err != nil {
		return access.StatusUnknown, fmt.Errorf("query host status: %w", err)
	}
	return access.HostStatus(status), nil
}

// UpsertProfile stores the latest introspection result for a host.
func (s *Store) UpsertProfile(p monitor.SystemProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO profiles (host_id, hostname, os, kernel, arch, cpu_model, cpu_count,
			memory_model, memory_gb, gpu_model, gpu_count, disk_model, disk_gb, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(host_id) DO UPDATE SET
			hostname = excluded.hostname,
			os = excluded.os,
			kernel = excluded.kernel,
			arch = excluded.arch,
			cpu_model = excluded.cpu_model,
			cpu_count = excluded.cpu_count,
			memory_model = excluded.memory_model,
			memory_gb = excluded.memory_gb,
			gpu_model = excluded.gpu_model,
			gpu_count = excluded.gpu_count,
			disk_model = excluded.disk_model,
			disk_gb = excluded.disk_gb,
			collected_at = excluded.collected_at`,
		p.HostID, p.Hostname, p.OS, p.Kernel, p.Arch, p.CPUModel, p.CPUCount,
		p.MemoryModel, p.MemoryGB, p.GPUModel, p.GPUCount, p.DiskModel, p.DiskGB, p.CollectedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// LatestProfile returns the stored profile for a host, nil when none exists.
func (s *Store) LatestProfile(hostID string) (*monitor.SystemProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p monitor.SystemProfile
	err := s.db.QueryRow(`
		SELECT host_id, hostname, os, kernel, arch, cpu_model, cpu_count,
			memory_model, memory_gb, gpu_model, gpu_count, disk_model, disk_gb, collected_at
		FROM profiles WHERE host_id = ?`,
		hostID,
	).Scan(&p.HostID, &p.Hostname, &p.OS, &p.Kernel, &p.Arch, &p.CPUModel, &p.CPUCount,
		&p.MemoryModel, &p.MemoryGB, &p.GPUModel, &p.GPUCount, &p.DiskModel, &p.DiskGB, &p.CollectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	return &p, nil
}

// AppendAudit persists one audit entry. Entries are never updated or deleted
// by the core.
func (s *Store) AppendAudit(e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO audit_entries (id, at, kind, host, principal, operation, command, output, privileged, success, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time, string(e.Kind), e.Host, e.Principal, e.Operation,
		e.Command, e.Output, e.Privileged, e.Success, e.Message,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// AuditByPrincipal returns the newest entries for a principal.
func (s *Store) AuditByPrincipal(principal string, limit int) ([]audit.Entry, error) {
	return s.queryAudit("principal", principal, limit)
}

// AuditByHost returns the newest entries for a host.
func (s *Store) AuditByHost(host string, limit int) ([]audit.Entry, error) {
	return s.queryAudit("host", host, limit)
}

func (s *Store) queryAudit(column, value string, limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	// column is one of two fixed identifiers, never user input.
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT id, at, kind, host, principal, operation, command, output, privileged, success, message
		FROM audit_entries
		WHERE %s = ?
		ORDER BY at DESC, id DESC
		LIMIT ?`, column),
		value, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var kind string
		if err := rows.Scan(&e.ID, &e.Time, &kind, &e.Host, &e.Principal, &e.Operation,
			&e.Command, &e.Output, &e.Privileged, &e.Success, &e.Message); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Kind = audit.Kind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
