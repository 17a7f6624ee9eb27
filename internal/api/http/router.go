package http

import (
	"github.com/gin-gonic/gin"

	"github.com/overcastlabs/vmlink/internal/api/http/handler"
	"github.com/overcastlabs/vmlink/internal/api/http/middleware"
	"github.com/overcastlabs/vmlink/internal/session"
)

type Services struct {
	Registry   *session.Registry
	Bridge     *session.Bridge
	Controller *session.Controller
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	terminalHandler := handler.NewTerminalHandler(srvs.Bridge)
	execHandler := handler.NewExecHandler(srvs.Controller, srvs.Registry)

	api := engine.Group("/api")
	api.GET("/sessions", execHandler.List)
	api.GET("/sessions/terminal", terminalHandler.Stream)
	api.POST("/sessions/exec", execHandler.Execute)
	api.DELETE("/sessions/:session_id", execHandler.Abort)
}
