package main

import (
	"staff-portal/internal/httpapi"
	"staff-portal/internal/observability"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, metrics *observability.Metrics) {
	// Scrape endpoint stays outside the API gate; restrict it at the network layer.
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	httpapi.Register(r, h, authMW)
}
