package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pbx_callcontrol/internal/apperr"
	"pbx_callcontrol/internal/types"
)

// maxPromptSize 上传提示音的大小上限
const maxPromptSize = 32 << 20

// AppHandler 应用接口处理器
type AppHandler struct {
	apps AppController
	hub  Subscriber
}

// NewAppHandler 创建应用接口处理器
func NewAppHandler(apps AppController, hub Subscriber) *AppHandler {
	return &AppHandler{apps: apps, hub: hub}
}

// Connect POST /api/connect?appId=N
func (h *AppHandler) Connect(c *gin.Context) {
	appType, err := appTypeQuery(c)
	if err != nil {
		renderError(c, err)
		return
	}
	var cfg types.ConnectConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		renderError(c, apperr.BadRequest("App Connection configuration is broken"))
		return
	}
	if err := h.apps.Connect(c.Request.Context(), appType, cfg); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": messageAccepted})
}

// Disconnect POST /api/disconnect?appId=N
func (h *AppHandler) Disconnect(c *gin.Context) {
	appType, err := appTypeQuery(c)
	if err != nil {
		renderError(c, err)
		return
	}
	if err := h.apps.Disconnect(appType); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": messageAccepted})
}

// Status GET /api/status?appId=N
func (h *AppHandler) Status(c *gin.Context) {
	appType, err := appTypeQuery(c)
	if err != nil {
		renderError(c, err)
		return
	}
	status, err := h.apps.Status(appType)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Dialing POST /api/dialing?appId=N
func (h *AppHandler) Dialing(c *gin.Context) {
	appType, err := appTypeQuery(c)
	if err != nil {
		renderError(c, err)
		return
	}
	var setup types.DialingSetup
	if err := c.ShouldBindJSON(&setup); err != nil {
		renderError(c, apperr.BadRequest("Bad Request"))
		return
	}
	if err := h.apps.StartDialing(c.Request.Context(), appType, setup); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ControlCall POST /api/controlcall?appId=N
func (h *AppHandler) ControlCall(c *gin.Context) {
	appType, err := appTypeQuery(c)
	if err != nil {
		renderError(c, err)
		return
	}
	var req types.ControlParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, apperr.BadRequest("Bad Request"))
		return
	}
	if err := h.apps.ControlParticipant(c.Request.Context(), appType, req); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetupIVR POST /api/setup/ivr，multipart 表单
func (h *AppHandler) SetupIVR(c *gin.Context) {
	setup := types.IVRSetup{AIStreamMode: c.PostForm("aiStreamMode")}

	if raw := c.PostForm("keyCommands"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &setup.KeyCommands); err != nil {
			renderError(c, apperr.BadRequest(fmt.Sprintf("Failed to parse Config: %v", err)))
			return
		}
	}
	if raw := c.PostForm("aiModeOn"); raw != "" {
		on, err := strconv.ParseBool(raw)
		if err != nil {
			renderError(c, apperr.BadRequest(fmt.Sprintf("Failed to parse Config: invalid aiModeOn %q", raw)))
			return
		}
		setup.AIModeOn = on
	}

	file, err := c.FormFile("wavFile")
	switch {
	case err == nil:
		data, err := readUpload(file)
		if err != nil {
			renderError(c, apperr.BadRequest(fmt.Sprintf("Failed to parse Config: %v", err)))
			return
		}
		setup.WavSource = file.Filename
		setup.Prompt = data
	case !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart):
		renderError(c, apperr.BadRequest(fmt.Sprintf("Failed to parse Config: %v", err)))
		return
	}

	if err := h.apps.SetupIVR(setup); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": messageAccepted})
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	if file.Size > maxPromptSize {
		return nil, fmt.Errorf("提示音文件过大: %d 字节", file.Size)
	}
	f, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("打开上传文件失败: %v", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// SetDevice POST /api/dialer/setdevice
func (h *AppHandler) SetDevice(c *gin.Context) {
	var body struct {
		ActiveDeviceID string `json:"activeDeviceId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		renderError(c, apperr.BadRequest("Bad Request"))
		return
	}
	id, err := h.apps.SetDialerActiveDevice(body.ActiveDeviceID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"activeDeviceId": id, "message": messageAccepted})
}

// Webhook POST /api/webhook/:appType，事件格式与推送通道相同
func (h *AppHandler) Webhook(c *gin.Context) {
	appType, err := types.ParseAppTypeName(c.Param("appType"))
	if err != nil {
		renderError(c, apperr.BadRequest("Unknown application type"))
		return
	}
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		renderError(c, apperr.BadRequest("Bad Request"))
		return
	}
	if err := h.apps.HandleWebhook(appType, body); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": messageAccepted})
}

// SSE GET /sse，推送拨号器的当前通话
func (h *AppHandler) SSE(c *gin.Context) {
	id, messages := h.hub.Subscribe()
	defer h.hub.Unsubscribe(id)
	log.Printf("[INFO] SSE订阅者 %s 已连接", id)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		select {
		case message, ok := <-messages:
			if !ok {
				return false
			}
			c.SSEvent("message", json.RawMessage(message))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
	log.Printf("[INFO] SSE订阅者 %s 已断开", id)
}
