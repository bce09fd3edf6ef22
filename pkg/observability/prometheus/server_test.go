package prometheus_test

import (
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/statorio/stator/pkg/observability/prometheus"
)

// inmemClient serves Handler on an in-memory listener and returns a
// client dialing it.
func inmemClient(t *testing.T) *http.Client {
	t.Helper()

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: prometheus.Handler()}
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			Dial: func(network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := prometheus.GetMetrics()

	for i := 0; i < 3; i++ {
		m.ObserveSend("order", "completed", 0.02)
	}
	m.ObserveSend("order", "rejected", 0.001)
	m.ObserveLockWait("order", 0.004)
	m.AddAppended("order", 3)
	m.ObserveArchiveRoot("order", 0.12, 1800, 300)
	m.ObserveRestore("order", 0.05)
	m.SetEligibleRoots(7)
	m.AddArchivesDeleted(2)

	client := inmemClient(t)

	resp, err := client.Get("http://test/metrics")
	if err != nil {
		t.Fatalf("Failed to scrape metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	output := string(body)

	required := []string{
		"stator_sends_total",
		"stator_send_duration_seconds",
		"stator_lock_wait_seconds",
		"stator_events_appended_total",
		"stator_archive_runs_total",
		"stator_archive_original_bytes_total",
		"stator_archive_compressed_bytes_total",
		"stator_restores_total",
		"stator_archive_eligible_roots",
		"stator_archives_deleted_total",
	}
	for _, metric := range required {
		if !strings.Contains(output, metric) {
			t.Errorf("Metrics output missing required metric: %s", metric)
		}
	}

	t.Run("VerifyMetricValues", func(t *testing.T) {
		if !strings.Contains(output, `stator_sends_total{machine="order",result="completed",service="stator"} 3`) {
			t.Logf("Metrics output:\n%s", output)
			t.Error("Expected 3 completed sends for machine order")
		}
		if !strings.Contains(output, `stator_events_appended_total{machine="order",service="stator"} 3`) {
			t.Error("Expected 3 appended events for machine order")
		}
		if !strings.Contains(output, `stator_archive_original_bytes_total{machine="order",service="stator"} 1800`) {
			t.Error("Expected 1800 original bytes for machine order")
		}
		if !strings.Contains(output, `stator_archive_eligible_roots{service="stator"} 7`) {
			t.Error("Expected the eligible roots gauge at 7")
		}
	})

	t.Run("VerifyPrometheusFormat", func(t *testing.T) {
		if !strings.Contains(output, "# HELP") {
			t.Error("Expected HELP comments in Prometheus format")
		}
		if !strings.Contains(output, "# TYPE") {
			t.Error("Expected TYPE comments in Prometheus format")
		}

		contentType := resp.Header.Get("Content-Type")
		if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "application/openmetrics-text") {
			t.Errorf("Expected Prometheus content type, got: %s", contentType)
		}
	})

	t.Run("MultipleScrapes", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			resp, err := client.Get("http://test/metrics")
			if err != nil {
				t.Fatalf("Scrape %d failed: %v", i, err)
			}
			resp.Body.Close()
			if resp.StatusCode != 200 {
				t.Errorf("Scrape %d: expected status 200, got %d", i, resp.StatusCode)
			}
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	client := inmemClient(t)

	resp, err := client.Get("http://test/healthz")
	if err != nil {
		t.Fatalf("Failed to probe health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if string(body) != `{"status": "up"}` {
		t.Errorf("Unexpected health body: %s", body)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	client := inmemClient(t)

	resp, err := client.Get("http://test/nope")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestServeBindsListener(t *testing.T) {
	s, err := prometheus.Serve("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Serve() failed: %v", err)
	}
	defer s.Close()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("Failed to scrape metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if !strings.Contains(string(body), "# HELP") {
		t.Error("Expected Prometheus exposition output")
	}
}
