// Package handlers 实现对外HTTP接口
package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pbx_callcontrol/internal/apperr"
	"pbx_callcontrol/internal/types"
)

// AppController 按应用类型分发的会话操作，由 *services.AppService 实现
type AppController interface {
	Connect(ctx context.Context, appType types.AppType, cfg types.ConnectConfig) error
	Disconnect(appType types.AppType) error
	Status(appType types.AppType) (types.AppStatus, error)
	ControlParticipant(ctx context.Context, appType types.AppType, req types.ControlParticipantRequest) error
	StartDialing(ctx context.Context, appType types.AppType, setup types.DialingSetup) error
	SetupIVR(setup types.IVRSetup) error
	SetDialerActiveDevice(id string) (string, error)
	HandleWebhook(appType types.AppType, body []byte) error
}

// Subscriber 通话快照订阅，由 *services.Hub 实现
type Subscriber interface {
	Subscribe() (string, <-chan []byte)
	Unsubscribe(id string)
}

const messageAccepted = "Accepted"

// Health 健康检查
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// renderError 以 {errorCode, name, message} 返回错误
func renderError(c *gin.Context, err error) {
	appErr := apperr.From(err)
	if appErr.ErrorCode >= http.StatusInternalServerError {
		log.Printf("[ERROR] %s %s 失败: %v", c.Request.Method, c.Request.URL.Path, err)
	} else {
		log.Printf("[WARN] %s %s 请求被拒绝: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(appErr.ErrorCode, appErr)
}

// appTypeQuery 解析 appId 查询参数
func appTypeQuery(c *gin.Context) (types.AppType, error) {
	appType, err := types.ParseAppType(c.Query("appId"))
	if err != nil {
		return 0, apperr.BadRequest("Unknown application type")
	}
	return appType, nil
}
