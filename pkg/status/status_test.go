package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nimdanitro/humidity-manager-go/pkg/apierr"
	"github.com/nimdanitro/humidity-manager-go/pkg/regulator"
	"github.com/nimdanitro/humidity-manager-go/pkg/sensorpush"
	"github.com/nimdanitro/humidity-manager-go/pkg/vesync"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
)

func newTestServer(t *testing.T, now time.Time) (*Server, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"}))

	s := New(":0", time.Minute, WithLogger(zaptest.NewLogger(t)), WithGatherer(reg))
	s.now = func() time.Time { return now }

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHealthz(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s, ts := newTestServer(t, now)

	if code, _ := get(t, ts.URL+"/healthz"); code != http.StatusServiceUnavailable {
		t.Errorf("before first tick: code = %d, want 503", code)
	}

	_ = s.Observe(context.Background(), regulator.Event{Time: now.Add(-2 * time.Minute)})
	if code, _ := get(t, ts.URL+"/healthz"); code != http.StatusOK {
		t.Errorf("recent tick: code = %d, want 200", code)
	}

	_ = s.Observe(context.Background(), regulator.Event{Time: now.Add(-4 * time.Minute)})
	if code, _ := get(t, ts.URL+"/healthz"); code != http.StatusServiceUnavailable {
		t.Errorf("stale tick: code = %d, want 503", code)
	}
}

func TestStatus(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s, ts := newTestServer(t, now)
	ctx := context.Background()

	_ = s.Observe(ctx, regulator.Event{
		Time:       now,
		Reading:    &sensorpush.Reading{SensorID: "s1", Humidity: 55},
		Commands:   []regulator.Command{{Outlet: "mister", State: vesync.On, Reason: "dry"}},
		State:      vesync.On,
		Thresholds: regulator.Thresholds{Low: 60, High: 70},
	})
	_ = s.Observe(ctx, regulator.Event{
		Time:       now.Add(time.Minute),
		Err:        apierr.Auth("login", errors.New("bad password")),
		State:      vesync.On,
		Thresholds: regulator.Thresholds{Low: 60, High: 70},
	})

	code, body := get(t, ts.URL+"/status")
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.State != "ON" || snap.Reading == nil || snap.Reading.Humidity != 55 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if !strings.Contains(body, `"outlet":"mister","state":"ON","reason":"dry"`) {
		t.Errorf("last command state missing from %s", body)
	}
	if snap.LastCommand == nil || snap.LastCommand.Reason != "dry" || snap.LastCommand.State != vesync.On {
		t.Errorf("last command = %+v", snap.LastCommand)
	}
	if snap.ErrorKind != "auth" || !strings.Contains(snap.LastError, "bad password") {
		t.Errorf("last error = %q (%s)", snap.LastError, snap.ErrorKind)
	}
	if snap.Thresholds.Low != 60 || snap.PollInterval != "1m0s" {
		t.Errorf("thresholds = %+v, interval = %s", snap.Thresholds, snap.PollInterval)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, time.Now())

	code, body := get(t, ts.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if !strings.Contains(body, "test_total") {
		t.Errorf("metrics body missing collector:\n%s", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, time.Now())

	resp, err := http.Post(ts.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("code = %d, want 405", resp.StatusCode)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New("127.0.0.1:0", time.Minute, WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
