// Package models 定义AI通话相关的消息与后端接口
package models

import "context"

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 对话消息
type Message struct {
	Role    string `json:"role"`    // 消息角色：user/assistant
	Content string `json:"content"` // 消息内容
}

// Transcriber 语音转写接口，输入为WAV文件内容
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Synthesizer 语音合成接口，返回WAV文件内容
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Responder 对话接口，根据会话历史生成回复
type Responder interface {
	// Reply 处理用户消息并返回回复
	Reply(ctx context.Context, sessionID, text string) (string, error)

	// ClearHistory 清除对话历史
	ClearHistory(sessionID string)
}
