package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"membersync/internal/engine/breaker"
	"membersync/internal/engine/dlq"
	"membersync/internal/engine/queue"
	"membersync/internal/platform/models"
	"membersync/internal/platform/sites"
)

type HealthHandler struct {
	registry *sites.Registry
	queue    *queue.Queue
	breaker  *breaker.Breaker
	dead     *dlq.Store
}

func NewHealthHandler(registry *sites.Registry, q *queue.Queue, b *breaker.Breaker, dead *dlq.Store) *HealthHandler {
	return &HealthHandler{registry: registry, queue: q, breaker: b, dead: dead}
}

type siteHealth struct {
	Breaker  *models.BreakerState `json:"breaker"`
	QueueLen int64                `json:"queue_depth"`
	DLQLen   int64                `json:"dlq_depth"`
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	status := "healthy"
	checks := make(map[string]string)

	if err := h.queue.Ping(ctx); err != nil {
		checks["queue"] = "unhealthy: " + err.Error()
		status = "degraded"
	} else {
		checks["queue"] = "healthy"
	}

	perSite := make(map[string]*siteHealth)
	if status == "healthy" {
		for _, siteID := range h.registry.SiteIDs() {
			sh := &siteHealth{}
			if state, err := h.breaker.State(ctx, siteID); err == nil {
				sh.Breaker = state
			}
			sh.QueueLen, _ = h.queue.Depth(ctx, siteID)
			sh.DLQLen, _ = h.dead.Depth(ctx, siteID)
			perSite[siteID] = sh
		}
	}

	response := struct {
		Status    string                 `json:"status"`
		Timestamp int64                  `json:"timestamp"`
		Checks    map[string]string      `json:"checks"`
		Sites     map[string]*siteHealth `json:"sites,omitempty"`
	}{
		Status:    status,
		Timestamp: time.Now().Unix(),
		Checks:    checks,
		Sites:     perSite,
	}

	statusCode := http.StatusOK
	if status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}
