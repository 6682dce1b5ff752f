package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/promptmesh"
)

// newStatusRouter exposes liveness, the active task table and the Prometheus
// metrics gathered from gatherer.
func newStatusRouter(mesh *promptmesh.PromptMesh, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"connected": mesh.Connected(),
		})
	})

	r.GET("/tasks", func(c *gin.Context) {
		c.JSON(http.StatusOK, mesh.Engine().Registry().Snapshots(c.Request.Context()))
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}
