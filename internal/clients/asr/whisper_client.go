// Package asr 提供Whisper兼容的语音转写客户端
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config 转写客户端配置
type Config struct {
	ServerURL string // 服务器地址，例如 https://api.openai.com
	APIKey    string // API密钥
	Model     string // 模型名称
	Language  string // 识别语言，可为空
}

// WhisperClient 调用 /v1/audio/transcriptions 的客户端
type WhisperClient struct {
	config Config
	client *http.Client
}

// TranscriptionResponse 转写响应
type TranscriptionResponse struct {
	Text string `json:"text"`
}

// NewWhisperClient 创建新的 Whisper 客户端
func NewWhisperClient(config Config) *WhisperClient {
	config.ServerURL = strings.TrimRight(config.ServerURL, "/")
	return &WhisperClient{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Transcribe 上传一段WAV音频并返回识别文本
func (c *WhisperClient) Transcribe(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", fmt.Sprintf("ivr-segment-%s.wav", uuid.NewString()))
	if err != nil {
		return "", fmt.Errorf("构建表单失败: %v", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("构建表单失败: %v", err)
	}
	fields := map[string]string{
		"model":           c.config.Model,
		"response_format": "json",
	}
	if c.config.Language != "" {
		fields["language"] = c.config.Language
	}
	for k, v := range fields {
		if err := form.WriteField(k, v); err != nil {
			return "", fmt.Errorf("构建表单失败: %v", err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("构建表单失败: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ServerURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %v", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("发送请求失败: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("服务器返回错误: %s", string(data))
	}

	var result TranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("解析响应失败: %v", err)
	}
	return strings.TrimSpace(result.Text), nil
}
