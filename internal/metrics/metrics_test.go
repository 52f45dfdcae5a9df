package metrics

import (
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func find(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncLaunch("production", true)
	IncLaunch("production", false)
	IncRestart()
	ObserveHealthCheck("startup", false, 0.01)
	ObserveHealthCheck("monitor", true, 0.02)
	IncStatus(true)
	RecordStateTransition("starting", "ready")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, n := range []string{
		"sidecar_backend_launches_total",
		"sidecar_backend_restarts_total",
		"sidecar_health_checks_total",
		"sidecar_health_check_duration_seconds",
		"sidecar_status_published_total",
		"sidecar_supervisor_state_transitions_total",
		"sidecar_supervisor_state",
	} {
		mf := find(mfs, n)
		if mf == nil || len(mf.GetMetric()) == 0 {
			t.Fatalf("expected samples for %s", n)
		}
	}
	launches := find(mfs, "sidecar_backend_launches_total")
	if len(launches.GetMetric()) != 2 {
		t.Fatalf("want success and failure series, got %d", len(launches.GetMetric()))
	}

	state := find(mfs, "sidecar_supervisor_state")
	for _, m := range state.GetMetric() {
		var label string
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "state" {
				label = lp.GetValue()
			}
		}
		want := 0.0
		if label == "ready" {
			want = 1
		}
		if m.GetGauge().GetValue() != want {
			t.Fatalf("state %s = %v, want %v", label, m.GetGauge().GetValue(), want)
		}
	}
}

func TestHandlerServes(t *testing.T) {
	_ = Register(prometheus.DefaultRegisterer)
	IncRestart()

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "sidecar_backend_restarts_total") {
		t.Fatalf("metrics output missing restart counter")
	}
}

func TestResourceSamplerSelf(t *testing.T) {
	pid := os.Getpid()
	s := NewResourceSampler(10*time.Millisecond, func() int { return pid }, nil)
	reg := prometheus.NewRegistry()
	if err := s.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !s.Sample() {
		t.Fatalf("expected sample of own pid")
	}
	mfs, _ := reg.Gather()
	rss := find(mfs, "sidecar_backend_memory_rss_bytes")
	if rss == nil || len(rss.GetMetric()) != 1 || rss.GetMetric()[0].GetGauge().GetValue() <= 0 {
		t.Fatalf("rss gauge not recorded")
	}
}

func TestResourceSamplerNoBackendResets(t *testing.T) {
	pid := os.Getpid()
	s := NewResourceSampler(time.Second, func() int { return pid }, nil)
	reg := prometheus.NewRegistry()
	_ = s.Register(reg)
	s.Sample()

	pid = 0
	if s.Sample() {
		t.Fatalf("sampled without a backend")
	}
	mfs, _ := reg.Gather()
	if rss := find(mfs, "sidecar_backend_memory_rss_bytes"); rss != nil && len(rss.GetMetric()) != 0 {
		t.Fatalf("stale series kept after backend went away")
	}
}

func TestResourceSamplerStartStop(t *testing.T) {
	s := NewResourceSampler(5*time.Millisecond, func() int { return 0 }, nil)
	s.Start(t.Context())
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestResourceSamplerReplacementExportsSeries(t *testing.T) {
	pid := os.Getpid()
	reg := prometheus.NewRegistry()

	first := NewResourceSampler(time.Second, func() int { return pid }, nil)
	if err := first.Register(reg); err != nil {
		t.Fatalf("register first: %v", err)
	}
	first.Sample()
	first.Stop()

	second := NewResourceSampler(time.Second, func() int { return pid }, nil)
	if err := second.Register(reg); err != nil {
		t.Fatalf("register second: %v", err)
	}
	if !second.Sample() {
		t.Fatalf("expected sample of own pid")
	}
	mfs, _ := reg.Gather()
	rss := find(mfs, "sidecar_backend_memory_rss_bytes")
	if rss == nil || len(rss.GetMetric()) != 1 || rss.GetMetric()[0].GetGauge().GetValue() <= 0 {
		t.Fatalf("second sampler's readings not exported")
	}

	second.Stop()
	mfs, _ = reg.Gather()
	if rss := find(mfs, "sidecar_backend_memory_rss_bytes"); rss != nil && len(rss.GetMetric()) != 0 {
		t.Fatalf("series kept after the sampler stopped")
	}
}
