// Package routes 注册HTTP路由
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pbx_callcontrol/internal/handlers"
)

// RegisterRoutes 注册所有路由，ws 为 /ws/calls 的WebSocket处理函数
func RegisterRoutes(r *gin.Engine, app *handlers.AppHandler, ws http.HandlerFunc) {
	r.GET("/health", handlers.Health)

	api := r.Group("/api")
	{
		api.POST("/connect", app.Connect)
		api.POST("/disconnect", app.Disconnect)
		api.GET("/status", app.Status)
		api.POST("/dialing", app.Dialing)
		api.POST("/controlcall", app.ControlCall)
		api.POST("/setup/ivr", app.SetupIVR)
		api.POST("/dialer/setdevice", app.SetDevice)
		api.POST("/webhook/:appType", app.Webhook)
	}

	r.GET("/sse", app.SSE)
	if ws != nil {
		r.GET("/ws/calls", gin.WrapF(ws))
	}
}
