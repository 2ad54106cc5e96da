package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const (
	counterName = "moodsync_relay_events_total"
	gaugeName   = "moodsync_relay_gauge"
)

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format:
// every counter as one series of moodsync_relay_events_total{event=...} and
// every gauge as moodsync_relay_gauge{name=...}.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		writeFamily(w, counterName, "counter", "Relay event counters.", "event", m.Snapshot())
		writeFamily(w, gaugeName, "gauge", "Relay gauges.", "name", m.GaugeSnapshot())
	})
}

func writeFamily[V uint64 | int64](w io.Writer, name, typ, help, label string, values map[string]V) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, label, labelEscaper.Replace(k), values[k])
	}
}
