// Package config 提供配置加载和管理功能
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 应用程序配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	PBX       PBXConfig       `yaml:"pbx"`
	Prompts   PromptsConfig   `yaml:"prompts"`
	Campaign  CampaignConfig  `yaml:"campaign"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	ASR       ASRConfig       `yaml:"asr"`
	TTS       TTSConfig       `yaml:"tts"`
	AI        AIConfig        `yaml:"ai"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// ServerConfig HTTP服务器配置
type ServerConfig struct {
	Host string `yaml:"host"` // 服务器监听地址
	Port int    `yaml:"port"` // 服务器监听端口
}

// Addr 返回监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PBXConfig PBX连接配置
type PBXConfig struct {
	TokenTTL          time.Duration `yaml:"token_ttl"`          // 访问令牌有效期
	RequestTimeout    time.Duration `yaml:"request_timeout"`    // REST请求超时
	ReconnectInterval time.Duration `yaml:"reconnect_interval"` // 推送通道重连间隔
	MaxRetries        int           `yaml:"max_retries"`        // 推送通道最大重试次数
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 推送通道心跳间隔
}

// PromptsConfig 提示音配置
type PromptsConfig struct {
	Dir string `yaml:"dir"` // 提示音目录
}

// CampaignConfig 外呼配置
type CampaignConfig struct {
	FailedCallsLimit int `yaml:"failed_calls_limit"` // 失败记录上限
}

// OllamaConfig Ollama配置
type OllamaConfig struct {
	Host        string  `yaml:"host"`        // Ollama服务器地址
	Model       string  `yaml:"model"`       // 模型名称
	MaxTokens   int     `yaml:"max_tokens"`  // 最大生成token数
	Temperature float64 `yaml:"temperature"` // 温度参数
}

// 语音识别服务提供方
const (
	ASRProviderWhisper = "whisper"
	ASRProviderXunfei  = "xunfei"
)

// ASRConfig 语音识别配置，支持Whisper转写接口和讯飞听写
type ASRConfig struct {
	Provider          string  `yaml:"provider"`            // whisper 或 xunfei
	ServerURL         string  `yaml:"server_url"`          // Whisper服务器地址，为空时关闭AI模式
	APIKey            string  `yaml:"api_key"`             // API密钥
	Model             string  `yaml:"model"`               // 模型名称
	Language          string  `yaml:"language"`            // 识别语言
	AppID             string  `yaml:"app_id"`              // 讯飞应用ID
	APISecret         string  `yaml:"api_secret"`          // 讯飞API密钥
	HostURL           string  `yaml:"host_url"`            // 讯飞听写地址
	SilenceThreshold  float64 `yaml:"silence_threshold"`   // 静音能量阈值
	SilenceDurationMs int     `yaml:"silence_duration_ms"` // 判定说话结束的静音时长
	MinChunkMs        int     `yaml:"min_chunk_ms"`        // 最短识别片段
	FlushIntervalMs   int     `yaml:"flush_interval_ms"`   // 强制送识别的间隔
}

// TTSConfig 语音合成配置
type TTSConfig struct {
	ServerURL string `yaml:"server_url"` // 服务器地址
	APIKey    string `yaml:"api_key"`    // API密钥
	Model     string `yaml:"model"`      // 模型名称
	Voice     string `yaml:"voice"`      // 音色
}

// AIConfig AI对话配置
type AIConfig struct {
	SystemPrompt  string `yaml:"system_prompt"`   // 系统提示词
	EchoPaddingMs int    `yaml:"echo_padding_ms"` // 回声抑制的额外窗口
	StreamMode    string `yaml:"stream_mode"`     // 默认流模式 duplex/greeting
}

// WebSocketConfig 对外WebSocket推送配置
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`  // 读缓冲区大小
	WriteBufferSize int           `yaml:"write_buffer_size"` // 写缓冲区大小
	PingPeriod      time.Duration `yaml:"ping_period"`       // 心跳间隔
	PongWait        time.Duration `yaml:"pong_wait"`         // 等待Pong响应的超时时间
}

// Default 返回默认配置
func Default() *Config {
	cfg := &Config{Server: ServerConfig{Host: "0.0.0.0", Port: 3000}}
	applyDefaults(cfg)
	return cfg
}

// Load 从文件加载配置
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	// 设置默认值
	applyDefaults(config)

	// 验证配置
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return config, nil
}

func applyDefaults(config *Config) {
	if config.PBX.TokenTTL == 0 {
		config.PBX.TokenTTL = 1800 * time.Second
	}
	if config.PBX.RequestTimeout == 0 {
		config.PBX.RequestTimeout = 15 * time.Second
	}
	if config.PBX.ReconnectInterval == 0 {
		config.PBX.ReconnectInterval = 5 * time.Second
	}
	if config.PBX.MaxRetries == 0 {
		config.PBX.MaxRetries = 5
	}
	if config.PBX.HeartbeatInterval == 0 {
		config.PBX.HeartbeatInterval = 5 * time.Second
	}
	if config.Prompts.Dir == "" {
		config.Prompts.Dir = "public"
	}
	if config.Campaign.FailedCallsLimit <= 0 {
		config.Campaign.FailedCallsLimit = 100
	}
	if config.Ollama.Host == "" {
		config.Ollama.Host = "http://localhost:11434"
	}
	if config.Ollama.Model == "" {
		config.Ollama.Model = "qwen2.5"
	}
	if config.Ollama.MaxTokens <= 0 {
		config.Ollama.MaxTokens = 256
	}
	if config.Ollama.Temperature == 0 {
		config.Ollama.Temperature = 0.6
	}
	if config.ASR.Provider == "" {
		config.ASR.Provider = ASRProviderWhisper
	}
	if config.ASR.Model == "" {
		config.ASR.Model = "whisper-1"
	}
	if config.ASR.SilenceThreshold <= 0 {
		config.ASR.SilenceThreshold = 0.01
	}
	if config.ASR.SilenceDurationMs <= 0 {
		config.ASR.SilenceDurationMs = 2500
	}
	if config.ASR.MinChunkMs <= 0 {
		config.ASR.MinChunkMs = 1600
	}
	if config.ASR.FlushIntervalMs <= 0 {
		config.ASR.FlushIntervalMs = 2400
	}
	if config.TTS.ServerURL == "" {
		config.TTS.ServerURL = config.ASR.ServerURL
	}
	if config.TTS.APIKey == "" {
		config.TTS.APIKey = config.ASR.APIKey
	}
	if config.TTS.Model == "" {
		config.TTS.Model = "tts-1"
	}
	if config.TTS.Voice == "" {
		config.TTS.Voice = "alloy"
	}
	if config.AI.SystemPrompt == "" {
		config.AI.SystemPrompt = "你是电话语音助手，回答简短口语化，每次不超过两句话。"
	}
	if config.AI.EchoPaddingMs <= 0 {
		config.AI.EchoPaddingMs = 1500
	}
	if config.AI.StreamMode == "" {
		config.AI.StreamMode = "duplex"
	}
	if config.WebSocket.ReadBufferSize == 0 {
		config.WebSocket.ReadBufferSize = 1024
	}
	if config.WebSocket.WriteBufferSize == 0 {
		config.WebSocket.WriteBufferSize = 1024
	}
	if config.WebSocket.PingPeriod == 0 {
		config.WebSocket.PingPeriod = 30 * time.Second
	}
	if config.WebSocket.PongWait == 0 {
		config.WebSocket.PongWait = 60 * time.Second
	}
}

// validateConfig 验证配置是否有效
func validateConfig(config *Config) error {
	if config.Server.Host == "" {
		return ErrEmptyHost
	}
	if config.Server.Port <= 0 {
		return ErrInvalidPort
	}
	if config.Prompts.Dir == "" {
		return ErrEmptyPromptDir
	}
	if config.PBX.MaxRetries <= 0 {
		return ErrInvalidRetries
	}
	if config.AI.StreamMode != "duplex" && config.AI.StreamMode != "greeting" {
		return ErrInvalidStreamMod
	}
	if config.ASR.Provider != ASRProviderWhisper && config.ASR.Provider != ASRProviderXunfei {
		return ErrInvalidProvider
	}
	return nil
}

// AIEnabled 是否配置了AI语音后端
func (c *Config) AIEnabled() bool {
	if c.TTS.ServerURL == "" {
		return false
	}
	if c.ASR.Provider == ASRProviderXunfei {
		return c.ASR.AppID != "" && c.ASR.HostURL != ""
	}
	return c.ASR.ServerURL != ""
}
