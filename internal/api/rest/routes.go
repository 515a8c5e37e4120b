package rest

import (
	"github.com/Dhoini/billing-sync/internal/api/rest/handlers"
	"github.com/Dhoini/billing-sync/internal/api/rest/middleware"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps зависимости маршрутизатора
type RouterDeps struct {
	Ingestor     handlers.EventIngestor
	Accounts     handlers.AccountReader
	Provisioner  handlers.FreePlanProvisioner
	Admin        handlers.AdminService
	Reconciler   handlers.Reconciler
	Store        handlers.Pinger
	Auth         *middleware.JWTMiddleware
	Registry     *prometheus.Registry
	HTTPMetrics  *metrics.HTTPMetrics
	MaxBodyBytes int64
}

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(deps RouterDeps, log *logger.Logger) *gin.Engine {
	r := gin.New()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(gin.Recovery())
	if deps.HTTPMetrics != nil {
		r.Use(deps.HTTPMetrics.Middleware())
	}

	r.GET("/health", handlers.HealthCheck)
	r.GET("/ready", handlers.NewReadyHandler(deps.Store, 0, log).Ready)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))

	webhookHandler := handlers.NewWebhookHandler(deps.Ingestor, deps.MaxBodyBytes, log)
	accountHandler := handlers.NewAccountHandler(deps.Accounts, deps.Provisioner, log)
	adminHandler := handlers.NewAdminHandler(deps.Admin, deps.Reconciler, log)

	// Вебхуки на корневом уровне роутера, аутентификация по подписи Stripe
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/stripe", webhookHandler.HandleStripeWebhook)
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/accounts/:user_id/subscription",
			deps.Auth.RequireScope(middleware.ScopeRead, middleware.ScopeAdmin), accountHandler.GetSubscription)
		v1.POST("/provisioning/free-plan",
			deps.Auth.RequireScope(middleware.ScopeProvision, middleware.ScopeAdmin), accountHandler.ProvisionFreePlan)
	}

	admin := r.Group("/admin", deps.Auth.RequireScope(middleware.ScopeAdmin))
	{
		admin.POST("/reconcile", adminHandler.Reconcile)
		admin.GET("/dead-letters", adminHandler.DeadLetters)
		admin.GET("/events/:event_id", adminHandler.Event)
		admin.POST("/events/:event_id/replay", adminHandler.Replay)
		admin.GET("/reconciliations", adminHandler.Reconciliations)
	}
	return r
}
