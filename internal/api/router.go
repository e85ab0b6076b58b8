package api

import (
	"github.com/julienschmidt/httprouter"

	"membersync/internal/api/handlers"
	"membersync/internal/api/middleware"
)

type Dependencies struct {
	WebhookHandler *handlers.WebhookHandler
	HealthHandler  *handlers.HealthHandler
	MetricsHandler *handlers.MetricsHandler
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	router.POST("/webhook/ghost/:site_id", middleware.RequestLog(deps.WebhookHandler.Handle))

	router.GET("/health", deps.HealthHandler.Check)
	router.GET("/metrics", deps.MetricsHandler.Export)

	return router
}
