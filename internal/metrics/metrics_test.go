package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.LineRead()
	m.LineRead()
	m.LineDispatched()
	m.OpenFailed()
	m.ReadFailed()
	m.Truncated()
	m.HandlerMatched("errors")
	m.HandlerMatched("errors")
	m.ActionFailed("errors")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"lines_read", testutil.ToFloat64(m.linesRead), 2},
		{"lines_dispatched", testutil.ToFloat64(m.linesDispatched), 1},
		{"open_errors", testutil.ToFloat64(m.openErrors), 1},
		{"read_errors", testutil.ToFloat64(m.readErrors), 1},
		{"truncations", testutil.ToFloat64(m.truncations), 1},
		{"handler_matches", testutil.ToFloat64(m.handlerMatches.WithLabelValues("errors")), 2},
		{"action_errors", testutil.ToFloat64(m.actionErrors.WithLabelValues("errors")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()
	m.SetTracked(3)
	m.SetQueueDepth(7)

	if v := testutil.ToFloat64(m.trackedFiles); v != 3 {
		t.Errorf("tracked_files = %v, want 3", v)
	}
	if v := testutil.ToFloat64(m.queueDepth); v != 7 {
		t.Errorf("queue_depth = %v, want 7", v)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.LineRead()
	m.LineDispatched()
	m.HandlerMatched("h")
	m.ActionFailed("h")
	m.OpenFailed()
	m.ReadFailed()
	m.Truncated()
	m.SetTracked(1)
	m.SetQueueDepth(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil Handler status = %d, want 404", rec.Code)
	}
}

func TestMetrics_HandlerExposition(t *testing.T) {
	m := New()
	m.LineRead()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "logwatch_lines_read_total 1") {
		t.Errorf("exposition missing lines_read counter:\n%s", body)
	}
}
