package services

import (
	"context"
	"log"

	"pbx_callcontrol/internal/apperr"
	"pbx_callcontrol/internal/callcontrol"
	"pbx_callcontrol/internal/campaign"
	"pbx_callcontrol/internal/types"
)

// CampaignSession 外呼活动：把号码队列逐个拨出到绑定的IVR或队列
type CampaignSession struct {
	session
	driver *campaign.Driver
}

// NewCampaignSession 创建外呼会话
func NewCampaignSession(client PBX, failureLimit int) *CampaignSession {
	s := &CampaignSession{session: newSession(types.AppTypeCampaign, client)}
	s.driver = campaign.NewDriver(s.mirror, client, s.source, failureLimit)
	return s
}

// Connect 连接PBX，源DN为第一个IVR或队列
func (s *CampaignSession) Connect(ctx context.Context, cfg types.ConnectConfig) error {
	return s.connect(ctx, cfg, func(topology []types.DNInfo) (string, error) {
		for _, info := range topology {
			if (info.Type == types.DNTypeIVR || info.Type == types.DNTypeQueue) && info.DN != "" {
				return info.DN, nil
			}
		}
		return "", apperr.BadRequest("Application bound to the wrong dn, dn is not found or application hook is invalid, type should be IVR/Queue")
	}, s.HandlePush, func() {
		log.Printf("[WARN] 外呼推送通道重连次数耗尽，断开应用")
		s.Disconnect()
	})
}

// Disconnect 断开并清空队列和失败记录
func (s *CampaignSession) Disconnect() {
	s.disconnect()
	s.driver.Reset()
}

// Status 返回外呼状态
func (s *CampaignSession) Status() types.AppStatus {
	status := s.baseStatus()
	status.CallQueue = s.driver.Queue()
	status.FailedCalls = s.driver.Failures()
	status.CurrentParticipants = s.mirror.Participants(status.SourceDN)
	return status
}

// ControlParticipant 控制源DN上的参与者
func (s *CampaignSession) ControlParticipant(ctx context.Context, req types.ControlParticipantRequest) error {
	return s.controlParticipant(ctx, req)
}

// StartDialing 号码入队并尝试外呼，失败只记录不返回
func (s *CampaignSession) StartDialing(ctx context.Context, setup types.DialingSetup) error {
	s.driver.Enqueue(ctx, setup.Sources)
	return nil
}

// HandlePush 更新镜像，源DN空闲时继续出队
func (s *CampaignSession) HandlePush(message []byte) {
	msg, path, ok := s.parsePush(message)
	if !ok {
		return
	}
	src, _ := s.source()
	ctx := s.lifetime()

	switch msg.Event.EventType {
	case types.EventUpset:
		if err := s.applyUpset(ctx, msg.Event.Entity); err != nil {
			log.Printf("[ERROR] 外呼处理更新事件 %s 失败: %v", msg.Event.Entity, err)
		}

	case types.EventRemove:
		removed := s.applyRemove(msg.Event.Entity)
		if removed == nil || path.DN != src || path.Kind != callcontrol.KindParticipant {
			return
		}
		if s.mirror.ParticipantCount(src) == 0 {
			s.driver.DrainOne(ctx)
		}
	}
}
