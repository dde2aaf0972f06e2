package ollama

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

// Config Ollama客户端配置
type Config struct {
	Host  string // Ollama服务器地址（完整URL）
	Model string // 使用的模型名称
}

// Client Ollama客户端
type Client struct {
	config Config
	client *http.Client
}

// GenerateRequest 生成请求参数
type GenerateRequest struct {
	Model   string  `json:"model"`            // 模型名称
	Prompt  string  `json:"prompt"`           // 提示词
	System  string  `json:"system,omitempty"` // 系统提示词
	Stream  bool    `json:"stream"`           // 是否流式输出
	Options Options `json:"options"`          // 可选参数
}

// Options 生成选项
type Options struct {
	Temperature float64 `json:"temperature,omitempty"` // 温度参数
	TopP        float64 `json:"top_p,omitempty"`       // Top-p采样
	NumPredict  int     `json:"num_predict,omitempty"` // 最大生成token数
}

// GenerateResponse 生成响应
type GenerateResponse struct {
	Model         string `json:"model"`          // 模型名称
	CreatedAt     string `json:"created_at"`     // 创建时间
	Response      string `json:"response"`       // 生成的文本
	Done          bool   `json:"done"`           // 是否完成
	TotalDuration int64  `json:"total_duration"` // 总耗时(纳秒)
	EvalCount     int    `json:"eval_count"`     // 评估数量
}

// NewClient 创建新的Ollama客户端
func NewClient(config Config) *Client {
	config.Host = strings.TrimRight(config.Host, "/")
	return &Client{
		config: config,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Generate 生成文本
func (c *Client) Generate(ctx context.Context, prompt, system string, options Options) (*GenerateResponse, error) {
	jsonData, err := json.Marshal(GenerateRequest{
		Model:   c.config.Model,
		Prompt:  prompt,
		System:  system,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %v", err)
	}

	url := fmt.Sprintf("%s/api/generate", c.config.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("服务器返回错误: %s", string(body))
	}

	var response GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("解析响应失败: %v", err)
	}
	return &response, nil
}
