package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc("foo")
	m.Add("bar", 2)
	m.Inc(`quote"back\slash`)
	m.GaugeAdd(GaugeSockets, 3)
	m.GaugeAdd(GaugeSockets, -1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE moodsync_relay_events_total counter",
		`moodsync_relay_events_total{event="bar"} 2`,
		`moodsync_relay_events_total{event="foo"} 1`,
		`moodsync_relay_events_total{event="quote\"back\\slash"} 1`,
		"# TYPE moodsync_relay_gauge gauge",
		`moodsync_relay_gauge{name="sockets"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Index(body, `event="bar"`) > strings.Index(body, `event="foo"`) {
		t.Fatalf("expected series sorted by label: %s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(RoomJoins)
	m.GaugeAdd(GaugeRooms, 1)
	if m.Get(RoomJoins) != 0 || m.Gauge(GaugeRooms) != 0 {
		t.Fatalf("nil metrics should read as zero")
	}

	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}
