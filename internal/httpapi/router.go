// Package httpapi is the HTTP surface (C8): it translates each request
// into a call against the control plane facade, and the facade's result
// into JSON, per the error-translation table in the design notes.
package httpapi

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/relaylabs/async-sidecar/internal/facade"
	"github.com/relaylabs/async-sidecar/internal/persistence"
	"github.com/relaylabs/async-sidecar/internal/traffic"
)

// Dependencies are the collaborators the router wires into handlers,
// mirroring the teacher's router.Dependencies grouping pattern.
type Dependencies struct {
	Facade  *facade.Facade
	History *persistence.HistoryStore
	Traffic *traffic.Log
	Logger  *slog.Logger
}

// SetupRouter builds the gin engine: middleware chain, then every route
// named in the external interfaces table.
func SetupRouter(deps Dependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceIDMiddleware())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	r.Use(TrafficMiddleware(deps.Traffic))

	h := &handler{facade: deps.Facade, history: deps.History, traffic: deps.Traffic}

	r.GET("/health", h.health)

	api := r.Group("/api")
	{
		async := api.Group("/async")
		async.POST("/submit", h.submit)
		async.GET("/status/:jobId", h.status)
		async.GET("/result/:jobId", h.result)
		async.POST("/cancel/:jobId", h.cancel)
		async.GET("/queue", h.queueSnapshot)
		async.GET("/state", h.state)
		async.GET("/metrics", h.metrics)
		async.GET("/aggressive/report", h.aggressiveReport)
		async.GET("/review/:jobId", h.review)

		replay := api.Group("/replay")
		replay.POST("/run", h.replayRun)
		replay.GET("/report/:replayId", h.replayReport)
		replay.GET("/history", h.replayHistory)

		debug := api.Group("/debug")
		debug.GET("/traffic", h.trafficRecent)
		debug.DELETE("/traffic", h.trafficClear)
	}

	return r
}
