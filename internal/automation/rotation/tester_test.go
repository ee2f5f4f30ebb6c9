package rotation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/outreach/internal/core/domain"
)

func TestTester_MarksProxyByProbeResult(t *testing.T) {
	var gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// a forward proxy sees the absolute target URL
		gotHost = r.URL.Host
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadAddr := strings.TrimPrefix(dead.URL, "http://")
	dead.Close()

	good := proxy("good", "local")
	good.Endpoint = strings.TrimPrefix(upstream.URL, "http://")
	bad := proxy("bad", "local")
	bad.Endpoint = deadAddr

	f := newFixture(t, good, bad)
	tester := NewTester(f.engine, "http://target.example/robots.txt", 2*time.Second)
	ctx := context.Background()

	res, err := tester.Test(ctx, "good")
	if err != nil {
		t.Fatalf("test good: %v", err)
	}
	if !res.OK || res.StatusCode != http.StatusOK {
		t.Errorf("expected ok probe, got %+v", res)
	}
	if gotHost != "target.example" {
		t.Errorf("request did not go through proxy, host %q", gotHost)
	}

	res, err = tester.Test(ctx, "bad")
	if err != nil {
		t.Fatalf("test bad: %v", err)
	}
	if res.OK || res.Error == "" {
		t.Errorf("expected failed probe, got %+v", res)
	}

	p, _ := f.store.Proxies.Get(ctx, "good")
	if p.Status != domain.ProxyStatusActive || p.GlobalSuccessCount != 1 {
		t.Errorf("good proxy: %+v", p)
	}
	p, _ = f.store.Proxies.Get(ctx, "bad")
	if p.Status != domain.ProxyStatusInactive || p.GlobalFailureCount != 1 {
		t.Errorf("bad proxy: %+v", p)
	}
}

func TestTester_TestAllSkipsBanned(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	a := proxy("a", "local")
	a.Endpoint = strings.TrimPrefix(upstream.URL, "http://")
	b := proxy("b", "local")
	b.Status = domain.ProxyStatusBanned

	f := newFixture(t, a, b)
	results, err := NewTester(f.engine, "http://target.example/", time.Second).TestAll(context.Background())
	if err != nil {
		t.Fatalf("test all: %v", err)
	}
	if len(results) != 1 || results[0].ProxyID != "a" {
		t.Fatalf("expected only proxy a probed, got %+v", results)
	}
	if results[0].OK || results[0].StatusCode != http.StatusForbidden {
		t.Errorf("403 should fail the probe, got %+v", results[0])
	}
}
