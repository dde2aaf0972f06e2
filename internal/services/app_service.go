package services

import (
	"context"
	"log"

	"pbx_callcontrol/internal/apperr"
	"pbx_callcontrol/internal/types"
)

// AppService 按应用类型把请求分发到对应会话
type AppService struct {
	ivr      *IVRSession
	campaign *CampaignSession
	dialer   *DialerSession
	sessions map[types.AppType]Session
}

// NewAppService 创建应用服务
func NewAppService(ivr *IVRSession, campaign *CampaignSession, dialer *DialerSession) *AppService {
	return &AppService{
		ivr:      ivr,
		campaign: campaign,
		dialer:   dialer,
		sessions: map[types.AppType]Session{
			types.AppTypeCustomIvr: ivr,
			types.AppTypeCampaign:  campaign,
			types.AppTypeDialer:    dialer,
		},
	}
}

func (a *AppService) session(appType types.AppType) (Session, error) {
	s, ok := a.sessions[appType]
	if !ok {
		return nil, apperr.BadRequest("Unknown application type")
	}
	return s, nil
}

// Connect 连接指定应用
func (a *AppService) Connect(ctx context.Context, appType types.AppType, cfg types.ConnectConfig) error {
	s, err := a.session(appType)
	if err != nil {
		return err
	}
	return s.Connect(ctx, cfg)
}

// Disconnect 断开指定应用
func (a *AppService) Disconnect(appType types.AppType) error {
	s, err := a.session(appType)
	if err != nil {
		return err
	}
	s.Disconnect()
	return nil
}

// Status 返回指定应用的状态
func (a *AppService) Status(appType types.AppType) (types.AppStatus, error) {
	s, err := a.session(appType)
	if err != nil {
		return types.AppStatus{}, err
	}
	return s.Status(), nil
}

// ControlParticipant 控制指定应用的参与者
func (a *AppService) ControlParticipant(ctx context.Context, appType types.AppType, req types.ControlParticipantRequest) error {
	s, err := a.session(appType)
	if err != nil {
		return err
	}
	return s.ControlParticipant(ctx, req)
}

// StartDialing 指定应用开始外呼
func (a *AppService) StartDialing(ctx context.Context, appType types.AppType, setup types.DialingSetup) error {
	s, err := a.session(appType)
	if err != nil {
		return err
	}
	return s.StartDialing(ctx, setup)
}

// SetupIVR 更新IVR配置
func (a *AppService) SetupIVR(setup types.IVRSetup) error {
	return a.ivr.Setup(setup)
}

// SetDialerActiveDevice 切换拨号器设备
func (a *AppService) SetDialerActiveDevice(id string) (string, error) {
	return a.dialer.SetActiveDevice(id)
}

// HandleWebhook 处理以webhook方式投递的推送事件
func (a *AppService) HandleWebhook(appType types.AppType, body []byte) error {
	s, err := a.session(appType)
	if err != nil {
		return err
	}
	s.HandlePush(body)
	return nil
}

// Shutdown 断开所有应用
func (a *AppService) Shutdown() {
	for appType, s := range a.sessions {
		if s.Status().Connected {
			log.Printf("[INFO] 正在断开 %s 应用", appType)
		}
		s.Disconnect()
	}
}
