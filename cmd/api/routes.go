package main

import (
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/httpapi"
	"github.com/Amsterdam/brp-kennisgevingen-api/internal/scope"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		// Upstream register feed pushes mutation events here when Kafka
		// is not in play.
		v1.POST("/events", scope.RequireScopes(scope.FeedIngest), h.IngestEvent)

		subs := v1.Group("/subscriptions")
		subs.Use(scope.RequireScopes(scope.Volgindicaties))
		{
			subs.POST("", h.CreateSubscription)
			subs.GET("", h.ListSubscriptions)
			subs.GET("/:id", h.GetSubscription)
			subs.PUT("/:id/status", h.UpdateSubscriptionStatus)
			subs.PUT("/:id/end", h.EndSubscription)
		}

		v1.GET("/audit", scope.RequireScopes(scope.AuditRead), h.QueryAudit)
	}
}
