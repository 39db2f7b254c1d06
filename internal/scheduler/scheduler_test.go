package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/opsgate/opsgate/internal/access"
	"github.com/opsgate/opsgate/internal/monitor"
)

// mockCollector records CollectAll calls for test assertions.
type mockCollector struct {
	mu    sync.Mutex
	calls [][]access.Host
}

func (m *mockCollector) CollectAll(_ context.Context, hosts []access.Host) map[string]monitor.CollectResult {
	m.mu.Lock()
	m.calls = append(m.calls, hosts)
	m.mu.Unlock()

	out := make(map[string]monitor.CollectResult, len(hosts))
	for _, h := range hosts {
		out[h.ID] = monitor.CollectResult{
			Sample: monitor.MetricSample{HostID: h.ID, Time: time.Now().UTC()},
		}
	}
	return out
}

func (m *mockCollector) passes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockLister struct {
	hosts []access.Host
}

func (m *mockLister) ListHosts() []access.Host {
	return m.hosts
}

type mockPruner struct {
	mu    sync.Mutex
	calls int
}

func (m *mockPruner) PruneSamples(time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return 0, nil
}

func (m *mockPruner) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testHosts(ids ...string) []access.Host {
	hosts := make([]access.Host, 0, len(ids))
	for _, id := range ids {
		hosts = append(hosts, access.Host{ID: id, Name: id, Addr: "127.0.0.1"})
	}
	return hosts
}

func TestStart_RunsImmediatePass(t *testing.T) {
	mock := &mockCollector{}
	sched := New(mock, nil, &mockLister{hosts: testHosts("h1", "h2")}, nil, time.Hour, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	// The first pass runs before the ticker fires.
	deadline := time.After(2 * time.Second)
	for mock.passes() == 0 {
		select {
		case <-deadline:
			t.Fatal("no collection pass within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	if got := mock.passes(); got != 1 {
		t.Errorf("expected 1 pass, got %d", got)
	}
}

func TestStart_PeriodicPasses(t *testing.T) {
	mock := &mockCollector{}
	sched := New(mock, nil, &mockLister{hosts: testHosts("h1")}, nil, 20*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for mock.passes() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 passes, got %d", mock.passes())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestStop_StopsLoop(t *testing.T) {
	mock := &mockCollector{}
	sched := New(mock, nil, &mockLister{hosts: testHosts("h1")}, nil, time.Hour, slog.Default())

	done := make(chan struct{})
	go func() {
		sched.Start(context.Background())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for mock.passes() == 0 {
		select {
		case <-deadline:
			t.Fatal("no collection pass within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	sched.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	// Stop again is a no-op.
	sched.Stop()
}

func TestResults_CarriesPassSummary(t *testing.T) {
	mock := &mockCollector{}
	sched := New(mock, nil, &mockLister{hosts: testHosts("h1", "h2")}, nil, time.Hour, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx)

	select {
	case res := <-sched.Results():
		if len(res.Results) != 2 {
			t.Errorf("expected 2 host results, got %d", len(res.Results))
		}
		if res.StartedAt.IsZero() {
			t.Error("expected StartedAt to be set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pass summary within deadline")
	}
}

func TestRunPass_EmptyFleetSkipsCollection(t *testing.T) {
	mock := &mockCollector{}
	sched := New(mock, nil, &mockLister{}, nil, time.Hour, slog.Default())

	sched.runPass(context.Background(), 0)
	if got := mock.passes(); got != 0 {
		t.Errorf("expected 0 passes for empty fleet, got %d", got)
	}
}

func TestRunPass_PrunesAfterCollection(t *testing.T) {
	mock := &mockCollector{}
	pruner := &mockPruner{}
	sched := New(mock, nil, &mockLister{hosts: testHosts("h1")}, pruner, time.Hour, slog.Default())

	sched.runPass(context.Background(), 0)
	if got := pruner.count(); got != 1 {
		t.Errorf("expected 1 prune call, got %d", got)
	}
}
