package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"pbx_callcontrol/internal/ai"
	"pbx_callcontrol/internal/audio"
	"pbx_callcontrol/internal/cache"
	"pbx_callcontrol/internal/clients/asr"
	"pbx_callcontrol/internal/clients/ollama"
	"pbx_callcontrol/internal/clients/pbx"
	"pbx_callcontrol/internal/clients/tts"
	"pbx_callcontrol/internal/config"
	"pbx_callcontrol/internal/handlers"
	"pbx_callcontrol/internal/middleware"
	"pbx_callcontrol/internal/models"
	"pbx_callcontrol/internal/routes"
	"pbx_callcontrol/internal/services"
	"pbx_callcontrol/internal/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[INFO] PBX呼叫控制服务启动中...")

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[ERROR] 加载配置失败: %v", err)
	}

	tokens := cache.NewTokenCache(cfg.PBX.TokenTTL, &http.Client{Timeout: cfg.PBX.RequestTimeout})
	pbxConfig := pbx.Config{
		RequestTimeout:    cfg.PBX.RequestTimeout,
		ReconnectInterval: cfg.PBX.ReconnectInterval,
		MaxRetries:        cfg.PBX.MaxRetries,
		HeartbeatInterval: cfg.PBX.HeartbeatInterval,
	}
	newPBX := func(appType types.AppType) *pbx.Client {
		return pbx.NewClient(appType, tokens, pbxConfig, nil)
	}

	hub := services.NewHub(services.HubConfig{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		PingPeriod:      cfg.WebSocket.PingPeriod,
		PongWait:        cfg.WebSocket.PongWait,
	})
	go hub.Run()

	ivr := services.NewIVRSession(
		newPBX(types.AppTypeCustomIvr),
		audio.NewPromptStore(cfg.Prompts.Dir),
		cfg.Campaign.FailedCallsLimit,
		newAIBackends(cfg),
	)
	campaign := services.NewCampaignSession(newPBX(types.AppTypeCampaign), cfg.Campaign.FailedCallsLimit)
	dialer := services.NewDialerSession(newPBX(types.AppTypeDialer), hub)
	apps := services.NewAppService(ivr, campaign, dialer)

	// 创建Gin引擎
	r := gin.New()
	middleware.Setup(r)
	routes.RegisterRoutes(r, handlers.NewAppHandler(apps, hub), hub.HandleConnection)

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("[INFO] HTTP服务监听 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[ERROR] 启动服务器失败: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[INFO] 收到退出信号，正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] 关闭HTTP服务失败: %v", err)
	}

	apps.Shutdown()
	hub.Stop()
	ivr.Wait()
	dialer.Wait()
	log.Println("[INFO] 服务已退出")
}

// newAIBackends 配置了语音后端时启用IVR的AI模式
func newAIBackends(cfg *config.Config) *services.AIBackends {
	if !cfg.AIEnabled() {
		log.Println("[INFO] 未配置语音识别或合成服务，AI模式不可用")
		return nil
	}

	transcriber := newTranscriber(cfg.ASR)
	synthesizer := tts.NewClient(tts.Config{
		ServerURL: cfg.TTS.ServerURL,
		APIKey:    cfg.TTS.APIKey,
		Model:     cfg.TTS.Model,
		Voice:     cfg.TTS.Voice,
	})
	generator := ollama.NewClient(ollama.Config{
		Host:  cfg.Ollama.Host,
		Model: cfg.Ollama.Model,
	})

	log.Printf("[INFO] AI模式已启用: 识别 %s, 合成 %s, 模型 %s", cfg.ASR.Provider, cfg.TTS.ServerURL, cfg.Ollama.Model)
	return &services.AIBackends{
		Transcriber: transcriber,
		Synthesizer: synthesizer,
		Responder:   services.NewDialogService(generator, cfg),
		Recognizer: ai.RecognizerOptions{
			SilenceThreshold: cfg.ASR.SilenceThreshold,
			SilenceDuration:  time.Duration(cfg.ASR.SilenceDurationMs) * time.Millisecond,
			MinChunk:         time.Duration(cfg.ASR.MinChunkMs) * time.Millisecond,
			FlushInterval:    time.Duration(cfg.ASR.FlushIntervalMs) * time.Millisecond,
		},
		EchoPadding: time.Duration(cfg.AI.EchoPaddingMs) * time.Millisecond,
		StreamMode:  cfg.AI.StreamMode,
	}
}

func newTranscriber(c config.ASRConfig) models.Transcriber {
	if c.Provider == config.ASRProviderXunfei {
		return asr.NewXunfeiClient(asr.XunfeiConfig{
			AppID:     c.AppID,
			APIKey:    c.APIKey,
			APISecret: c.APISecret,
			HostURL:   c.HostURL,
			Language:  c.Language,
		})
	}
	return asr.NewWhisperClient(asr.Config{
		ServerURL: c.ServerURL,
		APIKey:    c.APIKey,
		Model:     c.Model,
		Language:  c.Language,
	})
}
