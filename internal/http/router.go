// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"refuge/internal/http/handlers"
	"refuge/internal/http/middleware"
)

// RouterDeps are the services behind the API. Simulation may be nil to leave
// bulk runs off the public surface. Gatherer defaults to the global registry.
type RouterDeps struct {
	Shelters   handlers.ShelterLister
	Alerts     handlers.AlertStore
	Allocation handlers.Allocator
	Simulation handlers.Simulator
	Gatherer   prometheus.Gatherer
}

func NewRouter(deps RouterDeps) *gin.Engine {
	log := zap.L().Named("http")
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")

	shelterHandler := handlers.NewShelterHandler(deps.Shelters)
	api.GET("/shelters", shelterHandler.List)

	alertHandler := handlers.NewAlertHandler(deps.Alerts)
	api.PUT("/alerts/:id/active", alertHandler.SetActive)

	allocationHandler := handlers.NewAllocationHandler(deps.Alerts, deps.Allocation)
	api.POST("/alerts/:id/allocations", allocationHandler.Create)
	api.DELETE("/allocations/:user_id", allocationHandler.Release)

	if deps.Simulation != nil {
		simulationHandler := handlers.NewSimulationHandler(deps.Simulation)
		api.POST("/simulations", simulationHandler.Run)
	}
	return r
}
