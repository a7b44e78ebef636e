package bootstrap

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterHealthRoutes wires /healthz (process liveness, always 200 once
// the route is reachable) and /readyz (Run completed and every
// HealthCheck currently passes) onto engine.
func (r *Registry) RegisterHealthRoutes(engine *gin.Engine) {
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})

	engine.GET("/readyz", func(c *gin.Context) {
		if !r.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		if failed := r.Healthy(c.Request.Context()); len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failed": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
}
