package handlers

import (
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"membersync/internal/platform/metrics"
	"membersync/internal/platform/sites"
)

// MetricsHandler exposes the shared per-site counters in prometheus text
// exposition format.
type MetricsHandler struct {
	registry *sites.Registry
	counters *metrics.Registry
}

func NewMetricsHandler(registry *sites.Registry, counters *metrics.Registry) *MetricsHandler {
	return &MetricsHandler{registry: registry, counters: counters}
}

var metricHelp = map[string]string{
	metrics.Enqueued:      "Events accepted onto the durable queue",
	metrics.Succeeded:     "Events applied to the sink",
	metrics.Retried:       "Delivery attempts rescheduled after a transient failure",
	metrics.DeadLettered:  "Events moved to the dead letter store",
	metrics.StaleSkipped:  "Stale redeliveries skipped by the ordering guard",
	metrics.BreakerOpened: "Circuit breaker closed to open transitions",
	metrics.BreakerClosed: "Circuit breaker open to closed transitions",
}

func (h *MetricsHandler) Export(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	snapshots := make(map[string]map[string]int64)
	for _, siteID := range h.registry.SiteIDs() {
		snap, err := h.counters.Snapshot(r.Context(), siteID)
		if err != nil {
			continue
		}
		snapshots[siteID] = snap
	}

	for _, name := range metrics.CounterNames() {
		fmt.Fprintf(w, "# HELP membersync_%s_total %s\n", name, metricHelp[name])
		fmt.Fprintf(w, "# TYPE membersync_%s_total counter\n", name)
		for _, siteID := range h.registry.SiteIDs() {
			snap, ok := snapshots[siteID]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "membersync_%s_total{site=%q} %d\n", name, siteID, snap[name])
		}
	}
}
