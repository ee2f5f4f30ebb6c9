package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/outreach/internal/automation/batch"
	"github.com/vietddude/outreach/internal/automation/rotation"
	"github.com/vietddude/outreach/internal/core/domain"
)

// =============================================================================
// Fakes
// =============================================================================

type stubStats struct{ stats batch.Stats }

func (s *stubStats) Stats() batch.Stats { return s.stats }

type stubDashboard struct {
	mu    sync.Mutex
	d     *domain.FailureDashboard
	err   error
	calls int
}

func (s *stubDashboard) Dashboard(ctx context.Context) (*domain.FailureDashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.d, s.err
}

type stubPool struct{}

func (stubPool) PoolStats(ctx context.Context) (*rotation.PoolStats, error) {
	return &rotation.PoolStats{Total: 2}, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestMonitor(stats StatsSource, dash DashboardSource) (*Monitor, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMonitor(stats, dash, stubPool{}, time.Hour)
	m.now = c.now
	return m, c
}

func failing(ctx context.Context) error { return errors.New("connection refused") }
func passing(ctx context.Context) error { return nil }

// =============================================================================
// Monitor
// =============================================================================

func TestCheckHealthAggregation(t *testing.T) {
	tests := []struct {
		name      string
		required  Check
		optional  Check
		dashboard domain.SystemHealth
		lastOK    bool
		want      SystemStatus
	}{
		{"all healthy", passing, passing, domain.SystemHealthy, true, StatusHealthy},
		{"optional dependency down", passing, failing, domain.SystemHealthy, true, StatusDegraded},
		{"required dependency down", failing, passing, domain.SystemHealthy, true, StatusCritical},
		{"dashboard warning", passing, passing, domain.SystemWarning, true, StatusDegraded},
		{"dashboard critical", passing, passing, domain.SystemCritical, true, StatusCritical},
		{"last run failed", passing, passing, domain.SystemHealthy, false, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := &stubStats{}
			m, c := newTestMonitor(stats, &stubDashboard{
				d: &domain.FailureDashboard{SystemHealthStatus: tt.dashboard},
			})
			stats.stats = batch.Stats{
				Runs:       1,
				LastRunAt:  c.t.Add(-time.Minute),
				LastResult: &batch.Result{Success: tt.lastOK},
			}
			m.AddCheck("database", tt.required, true)
			m.AddCheck("redis", tt.optional, false)

			report := m.CheckHealth(context.Background())
			if report.SystemStatus != tt.want {
				t.Errorf("expected %s, got %s", tt.want, report.SystemStatus)
			}
			if len(report.Components) != 2 {
				t.Errorf("expected 2 components, got %d", len(report.Components))
			}
			if report.Proxies == nil || report.Proxies.Total != 2 {
				t.Errorf("expected pool stats in report, got %+v", report.Proxies)
			}
		})
	}
}

func TestCheckHealthStaleProcessor(t *testing.T) {
	stats := &stubStats{}
	m, c := newTestMonitor(stats, nil)
	stats.stats = batch.Stats{Runs: 3, LastRunAt: c.t.Add(-2 * time.Hour)}

	if got := m.CheckHealth(context.Background()).SystemStatus; got != StatusDegraded {
		t.Errorf("expected degraded for stale processor, got %s", got)
	}
}

func TestCheckHealthCachesReport(t *testing.T) {
	dash := &stubDashboard{d: &domain.FailureDashboard{SystemHealthStatus: domain.SystemHealthy}}
	m, c := newTestMonitor(nil, dash)

	m.CheckHealth(context.Background())
	m.CheckHealth(context.Background())
	if dash.calls != 1 {
		t.Errorf("expected cached report, dashboard called %d times", dash.calls)
	}

	c.t = c.t.Add(11 * time.Second)
	m.CheckHealth(context.Background())
	if dash.calls != 2 {
		t.Errorf("expected refresh after ttl, dashboard called %d times", dash.calls)
	}
}

func TestCheckHealthDashboardErrorIgnored(t *testing.T) {
	m, _ := newTestMonitor(nil, &stubDashboard{err: errors.New("db down")})

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusHealthy {
		t.Errorf("expected healthy, got %s", report.SystemStatus)
	}
	if report.Dashboard != nil {
		t.Error("expected no dashboard on error")
	}
}

func TestStatusChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []SystemStatus

	dbUp := true
	m, c := newTestMonitor(nil, nil)
	m.AddCheck("database", func(ctx context.Context) error {
		if dbUp {
			return nil
		}
		return errors.New("down")
	}, true)
	m.OnStatusChange(func(s SystemStatus) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	m.CheckHealth(context.Background())
	c.t = c.t.Add(time.Minute)
	m.CheckHealth(context.Background())
	dbUp = false
	c.t = c.t.Add(time.Minute)
	m.CheckHealth(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != StatusHealthy || seen[1] != StatusCritical {
		t.Errorf("expected [healthy critical], got %v", seen)
	}
}

// =============================================================================
// HTTP
// =============================================================================

func TestHTTPHealth(t *testing.T) {
	tests := []struct {
		name     string
		check    Check
		wantCode int
		want     string
	}{
		{"healthy", passing, http.StatusOK, "healthy"},
		{"critical", failing, http.StatusServiceUnavailable, "critical"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMonitor(nil, nil)
			m.AddCheck("database", tt.check, true)
			srv := httptest.NewServer(NewServer(m, 0).Handler())
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/health")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, resp.StatusCode)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["status"] != tt.want {
				t.Errorf("expected %s, got %s", tt.want, body["status"])
			}
		})
	}
}

func TestHTTPDetailed(t *testing.T) {
	stats := &stubStats{stats: batch.Stats{Runs: 4, TotalProcessed: 9}}
	m, _ := newTestMonitor(stats, &stubDashboard{
		d: &domain.FailureDashboard{PendingRetry: 7, SystemHealthStatus: domain.SystemHealthy},
	})
	m.AddCheck("sidecar", passing, false)
	srv := httptest.NewServer(NewServer(m, 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/detailed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var report Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Batch == nil || report.Batch.TotalProcessed != 9 {
		t.Errorf("expected batch stats, got %+v", report.Batch)
	}
	if report.Dashboard == nil || report.Dashboard.PendingRetry != 7 {
		t.Errorf("expected dashboard, got %+v", report.Dashboard)
	}
	if _, ok := report.Components["sidecar"]; !ok {
		t.Error("expected sidecar component")
	}
}

func TestHTTPMetrics(t *testing.T) {
	m, _ := newTestMonitor(nil, nil)
	srv := httptest.NewServer(NewServer(m, 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

// =============================================================================
// gRPC
// =============================================================================

func TestGRPCHealthFollowsMonitor(t *testing.T) {
	dbUp := true
	m, c := newTestMonitor(nil, nil)
	m.AddCheck("database", func(ctx context.Context) error {
		if dbUp {
			return nil
		}
		return errors.New("down")
	}, true)

	g := NewGRPCServer(m, 0)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = g.ServeListener(lis) }()
	defer g.Stop(context.Background())

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		return resp.GetStatus()
	}

	m.CheckHealth(context.Background())
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %s", got)
	}

	dbUp = false
	c.t = c.t.Add(time.Minute)
	m.CheckHealth(context.Background())
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING, got %s", got)
	}
}
