package server

import (
	"net/http"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/app"

	"github.com/gin-gonic/gin"
)

func (s *Server) SetupRoutes(app *app.App) {
	s.ginEngine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.ginEngine.POST("/run", handlerWrapper(app, startRun))
	s.ginEngine.GET("/runs", handlerWrapper(app, listRuns))
	s.ginEngine.GET("/run/:id", handlerWrapper(app, getRun))
	s.ginEngine.GET("/run/:id/events", handlerWrapper(app, streamRun))
	s.ginEngine.GET("/run/:id/file/*filename", handlerWrapper(app, getRunFile))
	s.ginEngine.POST("/run/:id/cancel", handlerWrapper(app, cancelRun))

	s.ginEngine.GET("/media/:kind/:id", handlerWrapper(app, getMedia))

	s.ginEngine.GET("/configs", handlerWrapper(app, listConfigs))
	s.ginEngine.POST("/configs/reload", handlerWrapper(app, reloadConfigs))
}

func handlerWrapper(app *app.App, f func(c *gin.Context)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Set("app", app)
		f(ctx)
	}
}

func appFrom(c *gin.Context) *app.App {
	return c.MustGet("app").(*app.App)
}
