package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pbx_callcontrol/internal/ai"
	"pbx_callcontrol/internal/apperr"
	"pbx_callcontrol/internal/audio"
	"pbx_callcontrol/internal/callcontrol"
	"pbx_callcontrol/internal/campaign"
	"pbx_callcontrol/internal/models"
	"pbx_callcontrol/internal/types"
)

// errInboundClosed 对方挂断后入站音频结束
var errInboundClosed = errors.New("入站音频已结束")

// AIBackends AI模式使用的语音与对话后端
type AIBackends struct {
	Transcriber models.Transcriber
	Synthesizer models.Synthesizer
	Responder   models.Responder
	Recognizer  ai.RecognizerOptions
	EchoPadding time.Duration
	StreamMode  string // 未指定时的默认流模式
}

// ivrConfig 通过 /api/setup/ivr 上传的配置
type ivrConfig struct {
	keymap       []string
	wavSource    string
	aiModeOn     bool
	aiStreamMode string
}

// IVRSession 自动话务员：接通后播放提示音，按键转接，或进入AI对话
type IVRSession struct {
	session
	prompts *audio.PromptStore
	driver  *campaign.Driver
	ai      *AIBackends

	cfgMu  sync.RWMutex
	config *ivrConfig

	wg sync.WaitGroup
}

// NewIVRSession 创建IVR会话，backends 为空时不支持AI模式
func NewIVRSession(client PBX, prompts *audio.PromptStore, failureLimit int, backends *AIBackends) *IVRSession {
	s := &IVRSession{
		session: newSession(types.AppTypeCustomIvr, client),
		prompts: prompts,
		ai:      backends,
	}
	s.driver = campaign.NewDriver(s.mirror, client, s.source, failureLimit)
	return s
}

// Connect 连接PBX，源DN为快照中的路由点
func (s *IVRSession) Connect(ctx context.Context, cfg types.ConnectConfig) error {
	s.shutdownAll()
	return s.connect(ctx, cfg, func(topology []types.DNInfo) (string, error) {
		for _, info := range topology {
			if info.Type == types.DNTypeRoutePoint && info.DN != "" {
				return info.DN, nil
			}
		}
		return "", apperr.BadRequest("Application bound to the wrong dn, dn is not found or application hook is invalid, type should be RoutePoint")
	}, s.HandlePush, s.onTerminate)
}

func (s *IVRSession) onTerminate() {
	log.Printf("[WARN] IVR推送通道重连次数耗尽，断开应用")
	s.Disconnect()
}

// Disconnect 关闭所有音频会话并清空配置
func (s *IVRSession) Disconnect() {
	s.shutdownAll()
	s.disconnect()
	s.cfgMu.Lock()
	s.config = nil
	s.cfgMu.Unlock()
	s.driver.Reset()
}

func (s *IVRSession) shutdownAll() {
	dn, ok := s.source()
	if !ok {
		return
	}
	for _, p := range s.mirror.Participants(dn) {
		s.shutdownStream(dn, p.ID)
	}
}

// Setup 保存按键映射和提示音
func (s *IVRSession) Setup(setup types.IVRSetup) error {
	mode := setup.AIStreamMode
	if mode == "" && s.ai != nil {
		mode = s.ai.StreamMode
	}
	if mode == "" {
		mode = types.AIStreamModeDuplex
	}
	if mode != types.AIStreamModeDuplex && mode != types.AIStreamModeGreeting {
		return apperr.BadRequest(fmt.Sprintf("Unknown aiStreamMode: %s", setup.AIStreamMode))
	}
	if setup.AIModeOn && s.ai == nil {
		return apperr.BadRequest("AI mode is not available: speech backends are not configured")
	}

	if len(setup.Prompt) > 0 {
		if err := s.prompts.Save(audio.PromptFile, setup.Prompt); err != nil {
			return apperr.BadRequest(fmt.Sprintf("Failed to parse Config: %v", err))
		}
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	wavSource := setup.WavSource
	if wavSource == "" && s.config != nil {
		wavSource = s.config.wavSource
	}
	s.config = &ivrConfig{
		keymap:       append([]string(nil), setup.KeyCommands...),
		wavSource:    wavSource,
		aiModeOn:     setup.AIModeOn,
		aiStreamMode: mode,
	}
	log.Printf("[INFO] IVR配置已更新: 按键 %v, AI模式 %v(%s)", setup.KeyCommands, setup.AIModeOn, mode)
	return nil
}

func (s *IVRSession) currentConfig() *ivrConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.config
}

// Status 返回IVR状态
func (s *IVRSession) Status() types.AppStatus {
	status := s.baseStatus()
	status.CallQueue = s.driver.Queue()
	status.FailedCalls = s.driver.Failures()
	status.CurrentParticipants = s.mirror.Participants(status.SourceDN)
	if cfg := s.currentConfig(); cfg != nil {
		status.Keymap = cfg.keymap
		status.WavSource = cfg.wavSource
		status.AIModeOn = cfg.aiModeOn
		status.AIStreamMode = cfg.aiStreamMode
	}
	return status
}

// ControlParticipant 控制源DN上的参与者
func (s *IVRSession) ControlParticipant(ctx context.Context, req types.ControlParticipantRequest) error {
	return s.controlParticipant(ctx, req)
}

// StartDialing 号码入队并尝试外呼
func (s *IVRSession) StartDialing(ctx context.Context, setup types.DialingSetup) error {
	s.driver.Enqueue(ctx, setup.Sources)
	return nil
}

// HandlePush 处理一条推送消息，同一连接上的消息按顺序处理
func (s *IVRSession) HandlePush(message []byte) {
	msg, path, ok := s.parsePush(message)
	if !ok {
		return
	}
	src, _ := s.source()
	ctx := s.lifetime()
	onSource := path.DN == src && path.Kind == callcontrol.KindParticipant

	switch msg.Event.EventType {
	case types.EventUpset:
		if err := s.applyUpset(ctx, msg.Event.Entity); err != nil {
			log.Printf("[ERROR] IVR处理更新事件 %s 失败: %v", msg.Event.Entity, err)
			return
		}
		if !onSource {
			return
		}
		id, err := path.ParticipantID()
		if err != nil {
			return
		}
		if p, _, ok := s.mirror.Participant(src, id); ok && p.Status == types.ParticipantStatusConnected {
			s.BeginStream(src, id)
		}

	case types.EventDTMFString:
		if !onSource || msg.Event.AttachedData == nil || msg.Event.AttachedData.DTMFInput == "" {
			return
		}
		id, err := path.ParticipantID()
		if err != nil {
			return
		}
		digits := msg.Event.AttachedData.DTMFInput
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.HandleDTMF(ctx, id, digits); err != nil {
				log.Printf("[WARN] IVR处理按键 %s 失败: %v", digits, err)
			}
		}()

	case types.EventRemove:
		if onSource {
			if id, err := path.ParticipantID(); err == nil {
				s.shutdownStream(src, id)
			}
		}
		s.applyRemove(msg.Event.Entity)
		if onSource && s.mirror.ParticipantCount(src) == 0 {
			s.driver.DrainOne(ctx)
		}

	case types.EventPromptPlaybackFinished:
		log.Printf("[DEBUG] IVR提示音播放完成: %s", msg.Event.Entity)
	}
}

// BeginStream 为已接通的参与者建立双向音频，已有写入端时不做任何事
func (s *IVRSession) BeginStream(dn string, id int) bool {
	cfg := s.currentConfig()
	if cfg == nil {
		log.Printf("[WARN] IVR未配置，参与者 %d 不播放提示音", id)
		return false
	}

	streamCtx, cancel := context.WithCancel(s.lifetime())
	pr, pw := io.Pipe()
	claimed := s.mirror.UpdateLocal(dn, id, func(p types.Participant, local *callcontrol.Local) bool {
		if local.Writer != nil || p.Status != types.ParticipantStatusConnected {
			return false
		}
		local.Writer = pw
		local.StreamCancel = cancel
		return true
	})
	if !claimed {
		cancel()
		return false
	}

	log.Printf("[INFO] 参与者 %d 开始音频会话", id)
	s.wg.Add(1)
	go s.runStream(streamCtx, cancel, dn, id, pr, pw, cfg)
	return true
}

func (s *IVRSession) runStream(ctx context.Context, cancel context.CancelFunc, dn string, id int, pr *io.PipeReader, pw *io.PipeWriter, cfg *ivrConfig) {
	defer s.wg.Done()
	defer s.shutdownStream(dn, id)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.pbx.PostAudioStream(gctx, dn, id, pr)
		if err == nil {
			err = errInboundClosed
		}
		pr.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		inbound, err := s.pbx.GetAudioStream(gctx, dn, id)
		if err != nil {
			return err
		}
		defer inbound.Close()

		if cfg.aiModeOn && s.ai != nil {
			return s.runBridge(gctx, dn, id, inbound, pw, cfg)
		}
		if _, err := io.Copy(io.Discard, inbound); err != nil {
			return err
		}
		return errInboundClosed
	})
	if !cfg.aiModeOn || s.ai == nil {
		s.Play(dn, id, audio.PromptFile, false, false)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errInboundClosed) && ctx.Err() == nil {
		log.Printf("[ERROR] 参与者 %d 音频会话异常结束: %v", id, err)
	}
	log.Printf("[INFO] 参与者 %d 音频会话结束", id)
}

// runBridge AI模式：入站音频送识别，回复合成后写回
func (s *IVRSession) runBridge(ctx context.Context, dn string, id int, inbound io.Reader, outbound io.Writer, cfg *ivrConfig) error {
	rec := ai.NewRecognizer(s.ai.Transcriber, s.ai.Recognizer)
	if !s.mirror.UpdateLocal(dn, id, func(_ types.Participant, local *callcontrol.Local) bool {
		if local.Writer == nil {
			return false
		}
		local.Recognizer = rec
		return true
	}) {
		rec.Close()
		return nil
	}

	var greeting []byte
	if cfg.aiStreamMode == types.AIStreamModeGreeting {
		pcm, err := s.prompts.Load(audio.PromptFile)
		if err != nil {
			log.Printf("[WARN] 加载开场提示音失败: %v", err)
		}
		greeting = pcm
	}

	bridge := ai.NewBridge(ai.BridgeConfig{
		SessionID:   fmt.Sprintf("%s/%d", dn, id),
		Recognizer:  rec,
		Responder:   s.ai.Responder,
		Synthesizer: s.ai.Synthesizer,
		EchoPadding: s.ai.EchoPadding,
		Greeting:    greeting,
	})
	if err := bridge.Run(ctx, inbound, outbound); err != nil {
		return err
	}
	return errInboundClosed
}

// Play 向参与者的写入端播放提示音，refresh 时先打断正在播放的片段
func (s *IVRSession) Play(dn string, id int, name string, refresh, loop bool) {
	pcm, err := s.prompts.Load(name)
	if err != nil {
		log.Printf("[ERROR] 参与者 %d 加载提示音失败: %v", id, err)
		return
	}

	var (
		flushCtx context.Context
		writer   io.Writer
	)
	ok := s.mirror.UpdateLocal(dn, id, func(_ types.Participant, local *callcontrol.Local) bool {
		if local.Writer == nil {
			return false
		}
		if local.FlushCancel != nil {
			if !refresh {
				// 已有片段在播放
				return false
			}
			local.FlushCancel()
		}
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithCancel(s.lifetime())
		local.FlushCancel = cancel
		writer = local.Writer
		return true
	})
	if !ok {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if loop {
			err = audio.Loop(flushCtx, pcm, writer)
		} else {
			err = audio.WriteSliced(flushCtx, pcm, writer)
		}
		if err != nil && flushCtx.Err() == nil {
			log.Printf("[WARN] 参与者 %d 播放 %s 中断: %v", id, name, err)
		}
	}()
}

// shutdownStream 停止播放并关闭参与者的音频会话，可重复调用
func (s *IVRSession) shutdownStream(dn string, id int) {
	var local callcontrol.Local
	s.mirror.UpdateLocal(dn, id, func(_ types.Participant, l *callcontrol.Local) bool {
		local = *l
		l.Writer = nil
		l.StreamCancel = nil
		l.FlushCancel = nil
		l.Recognizer = nil
		return true
	})

	if local.FlushCancel != nil {
		local.FlushCancel()
	}
	if local.StreamCancel != nil {
		local.StreamCancel()
	}
	if closer, ok := local.Writer.(io.Closer); ok {
		closer.Close()
	}
	if local.Recognizer != nil {
		local.Recognizer.Close()
	}
}

// HandleDTMF 按键转接：播放等待音，routeto 目标号码后挂断，失败时恢复提示音
func (s *IVRSession) HandleDTMF(ctx context.Context, id int, digits string) error {
	cfg := s.currentConfig()
	dn, ok := s.source()
	if cfg == nil || !ok {
		return apperr.BadRequest("Config is missing")
	}
	// 只处理有音频会话且没有转接在进行的参与者
	claimed := s.mirror.UpdateLocal(dn, id, func(_ types.Participant, local *callcontrol.Local) bool {
		if local.Writer == nil || local.DTMFInFlight {
			return false
		}
		local.DTMFInFlight = true
		return true
	})
	if !claimed {
		return nil
	}
	defer s.mirror.UpdateLocal(dn, id, func(_ types.Participant, local *callcontrol.Local) bool {
		local.DTMFInFlight = false
		return true
	})

	destination := ""
	if index, err := strconv.Atoi(strings.TrimSpace(digits)); err == nil && index >= 0 && index < len(cfg.keymap) {
		destination = strings.TrimSpace(cfg.keymap[index])
	}
	if destination == "" {
		return apperr.BadRequest("Redirection Number is not defined")
	}

	log.Printf("[INFO] 参与者 %d 按键 %s，转接到 %s", id, digits, destination)
	s.Play(dn, id, audio.HoldToneFile, true, true)

	if err := s.pbx.ControlParticipant(ctx, dn, id, types.ActionRouteTo, destination); err != nil {
		s.Play(dn, id, audio.PromptFile, true, false)
		return classify("转接失败", err)
	}

	s.shutdownStream(dn, id)
	if err := s.pbx.ControlParticipant(ctx, dn, id, types.ActionDrop, ""); err != nil {
		return classify("挂断失败", err)
	}
	return nil
}

// Wait 等待所有后台音频任务结束
func (s *IVRSession) Wait() {
	s.wg.Wait()
}
