package main

import (
	"github.com/gin-gonic/gin"

	"peercall-backend/internal/domain"
	callHandler "peercall-backend/internal/handler/http/call"
	wsHandler "peercall-backend/internal/handler/ws"
	"peercall-backend/internal/middleware"
	"peercall-backend/pkg/jwt"
	"peercall-backend/pkg/metrics"
)

// callAPI is what the HTTP routes and the event stream need from the manager
type callAPI interface {
	callHandler.CallManager
	Subscribe() (<-chan domain.CallEvent, func())
}

type routerConfig struct {
	serviceName string
	origins     []string
	jwt         *jwt.JWTManager
	calls       callAPI
	history     callHandler.HistoryReader // nil when the call log is disabled
	metrics     *metrics.Metrics
	ready       func() bool
	maxStreams  int
}

// newRouter wires middleware and routes:
//
//	GET  /health, /metrics
//	     /v1/calls/...          call commands and state
//	     /v1/conversations/...  watch and unwatch
//	GET  /v1/events             WebSocket event stream
func newRouter(rc routerConfig) *gin.Engine {
	router := gin.New() // Don't use Default() to have full control
	_ = router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.HealthCheck(rc.serviceName, rc.ready))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(rc.origins))
	router.Use(middleware.NewPrometheusMiddleware(rc.metrics).Handler())

	router.GET("/metrics", middleware.MetricsHandler(rc.metrics))

	v1 := router.Group("/v1", middleware.AuthMiddleware(rc.jwt))
	callHandler.NewHandler(rc.calls, rc.history).RegisterRoutes(v1)
	v1.GET("/events", wsHandler.NewEventHub(rc.calls, rc.metrics, rc.origins, rc.maxStreams).ServeWS)

	return router
}
