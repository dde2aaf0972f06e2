package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"pbx_callcontrol/internal/apperr"
	"pbx_callcontrol/internal/cache"
	"pbx_callcontrol/internal/callcontrol"
	"pbx_callcontrol/internal/clients/pbx"
	"pbx_callcontrol/internal/types"
)

// PBX 会话使用的PBX接口，由 *pbx.Client 实现
type PBX interface {
	Setup(cfg types.ConnectConfig)
	ConnectPush(onEvent func([]byte), onTerminate func()) error
	PushConnected() bool
	Disconnect()
	FetchTopology(ctx context.Context) ([]types.DNInfo, error)
	FetchEntity(ctx context.Context, entity string) (json.RawMessage, error)
	MakeCall(ctx context.Context, dn, destination string) (*types.CallControlResult, error)
	MakeCallFromDevice(ctx context.Context, dn, deviceID, destination string) (*types.CallControlResult, error)
	ControlParticipant(ctx context.Context, dn string, participantID int, action, destination string) error
	PostAudioStream(ctx context.Context, dn string, participantID int, body io.Reader) error
	GetAudioStream(ctx context.Context, dn string, participantID int) (io.ReadCloser, error)
}

// Session 一种应用的PBX会话
type Session interface {
	Connect(ctx context.Context, cfg types.ConnectConfig) error
	Disconnect()
	Status() types.AppStatus
	ControlParticipant(ctx context.Context, req types.ControlParticipantRequest) error
	StartDialing(ctx context.Context, setup types.DialingSetup) error
	HandlePush(message []byte)
}

const errNotConnected = "Source Dn is not defined or application is not connected"

// pickSource 从快照中选出会话绑定的源DN
type pickSource func(topology []types.DNInfo) (string, error)

// session 三种应用共用的连接状态
type session struct {
	appType types.AppType
	pbx     PBX
	mirror  *callcontrol.Mirror

	mu        sync.RWMutex
	connected bool
	sourceDN  string
	ctx       context.Context
	cancel    context.CancelFunc
}

func newSession(appType types.AppType, client PBX) session {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return session{
		appType: appType,
		pbx:     client,
		mirror:  callcontrol.NewMirror(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// source 返回绑定的源DN
func (s *session) source() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sourceDN, s.connected && s.sourceDN != ""
}

// lifetime 返回本次连接的上下文，断开后取消
func (s *session) lifetime() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// connect 保存凭据、打开推送通道、加载快照并绑定源DN，失败时回滚
func (s *session) connect(ctx context.Context, cfg types.ConnectConfig, pick pickSource, onEvent func([]byte), onTerminate func()) (err error) {
	if cfg.AppID == "" || cfg.AppSecret == "" || cfg.PbxBase == "" {
		return apperr.BadRequest("App Connection configuration is broken")
	}

	// 重复连接先释放旧连接
	s.disconnect()

	defer func() {
		if err != nil {
			s.disconnect()
		}
	}()

	s.pbx.Setup(cfg)
	if err := s.pbx.ConnectPush(onEvent, onTerminate); err != nil {
		return classify("连接推送通道失败", err)
	}

	topology, err := s.pbx.FetchTopology(ctx)
	if err != nil {
		return classify("获取呼叫控制信息失败", err)
	}
	s.mirror.Load(topology)

	dn, err := pick(topology)
	if err != nil {
		return err
	}

	lifeCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.connected = true
	s.sourceDN = dn
	s.ctx = lifeCtx
	s.cancel = cancel
	s.mu.Unlock()

	log.Printf("[INFO] %s 应用已连接，源DN: %s", s.appType, dn)
	return nil
}

// disconnect 关闭推送通道，清空凭据、令牌和镜像
func (s *session) disconnect() {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.sourceDN = ""
	s.cancel()
	s.mu.Unlock()

	s.pbx.Disconnect()
	s.mirror.Clear()
	if wasConnected {
		log.Printf("[INFO] %s 应用已断开", s.appType)
	}
}

// parsePush 解析推送消息，未连接或实体为空时忽略
func (s *session) parsePush(message []byte) (types.PushMessage, callcontrol.Path, bool) {
	var msg types.PushMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Printf("[WARN] %s 推送消息无法解析: %v", s.appType, err)
		return msg, callcontrol.Path{}, false
	}
	if _, ok := s.source(); !ok || msg.Event.Entity == "" {
		return msg, callcontrol.Path{}, false
	}
	path, err := callcontrol.ParsePath(msg.Event.Entity)
	if err != nil {
		log.Printf("[WARN] %s 推送事件实体无效: %v", s.appType, err)
		return msg, callcontrol.Path{}, false
	}
	return msg, path, true
}

// applyUpset 拉取实体的最新数据写入镜像
func (s *session) applyUpset(ctx context.Context, entity string) error {
	raw, err := s.pbx.FetchEntity(ctx, entity)
	if err != nil {
		return err
	}
	if _, err := s.mirror.ApplyPatch(entity, raw); err != nil && !errors.Is(err, callcontrol.ErrUnknownDN) {
		return err
	}
	return nil
}

// applyRemove 从镜像删除实体，返回被删除的值
func (s *session) applyRemove(entity string) interface{} {
	removed, err := s.mirror.ApplyPatch(entity, nil)
	if err != nil && !errors.Is(err, callcontrol.ErrUnknownDN) {
		log.Printf("[WARN] %s 删除实体 %s 失败: %v", s.appType, entity, err)
	}
	return removed
}

// controlParticipant 对源DN上的参与者执行控制动作
func (s *session) controlParticipant(ctx context.Context, req types.ControlParticipantRequest) error {
	if req.ParticipantID == 0 || req.Action == "" {
		return apperr.BadRequest("Bad Request")
	}
	if !types.IsValidAction(req.Action) {
		return apperr.BadRequest(fmt.Sprintf("Unknown action: %s", req.Action))
	}
	dn, ok := s.source()
	if !ok {
		return apperr.InternalServerError(errNotConnected)
	}
	if _, _, ok := s.mirror.Participant(dn, req.ParticipantID); !ok {
		return apperr.NotFound(fmt.Sprintf("Participant %d not found", req.ParticipantID))
	}
	if err := s.pbx.ControlParticipant(ctx, dn, req.ParticipantID, req.Action, req.Destination); err != nil {
		return classify("控制参与者失败", err)
	}
	return nil
}

// baseStatus 返回连接相关的状态字段
func (s *session) baseStatus() types.AppStatus {
	dn, ok := s.source()
	return types.AppStatus{
		SourceDN:    dn,
		Connected:   ok,
		WSConnected: s.pbx.PushConnected(),
	}
}

// classify 把PBX和令牌错误转换为应用错误
func classify(op string, err error) error {
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var se *pbx.StatusError
	if errors.As(err, &se) {
		msg := se.ReasonText
		if msg == "" {
			msg = fmt.Sprintf("%s: PBX返回 %d", op, se.StatusCode)
		}
		switch {
		case se.StatusCode == http.StatusNotFound:
			return apperr.NotFound(msg)
		case se.StatusCode >= 400 && se.StatusCode < 500:
			return apperr.BadRequest(msg)
		default:
			return apperr.InternalServerError(msg)
		}
	}
	if errors.Is(err, cache.ErrNotConfigured) || errors.Is(err, cache.ErrTokenAcquisition) {
		return apperr.BadRequest(fmt.Sprintf("%s: %v", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
