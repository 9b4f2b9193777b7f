package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExportsCounters(t *testing.T) {
	m := New()
	m.Inc(EventPeerJoined)
	m.Inc(EventPeerJoined)
	m.Inc(DropReasonMalformed)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Result().Body)
	out := string(body)

	if !strings.Contains(out, `huddle_signal_events_total{event="peer_joined"} 2`) {
		t.Fatalf("missing peer_joined counter, got:\n%s", out)
	}
	if !strings.Contains(out, `huddle_signal_events_total{event="malformed_message"} 1`) {
		t.Fatalf("missing malformed_message counter, got:\n%s", out)
	}
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 500 {
		t.Fatalf("expected 500 for nil metrics, got %d", rec.Code)
	}
}
