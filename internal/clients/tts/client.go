// Package tts 提供语音合成客户端
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config 语音合成配置
type Config struct {
	ServerURL string // 服务器地址
	APIKey    string // API密钥
	Model     string // 模型名称
	Voice     string // 音色
}

// Client 调用 /v1/audio/speech 的客户端
type Client struct {
	config Config
	client *http.Client
}

// SpeechRequest 合成请求
type SpeechRequest struct {
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	Input          string `json:"input"`
	ResponseFormat string `json:"response_format"`
}

// NewClient 创建语音合成客户端
func NewClient(config Config) *Client {
	config.ServerURL = strings.TrimRight(config.ServerURL, "/")
	return &Client{
		config: config,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Synthesize 合成语音，返回WAV文件内容
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	data, err := json.Marshal(SpeechRequest{
		Model:          c.config.Model,
		Voice:          c.config.Voice,
		Input:          text,
		ResponseFormat: "wav",
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ServerURL+"/v1/audio/speech", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("服务器返回错误: %s", string(body))
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取音频失败: %v", err)
	}
	return wav, nil
}
