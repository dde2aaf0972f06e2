package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pbx_callcontrol/internal/clients/ollama"
	"pbx_callcontrol/internal/config"
	"pbx_callcontrol/internal/models"
)

// Generator 文本生成后端
type Generator interface {
	Generate(ctx context.Context, prompt, system string, options ollama.Options) (*ollama.GenerateResponse, error)
}

// DialogContext 对话上下文
type DialogContext struct {
	SessionID    string
	History      []models.Message
	LastActivity time.Time
	mu           sync.Mutex
}

// DialogService 按会话保存历史并调用大模型生成回复
type DialogService struct {
	generator Generator
	system    string
	options   ollama.Options
	sessions  map[string]*DialogContext
	mu        sync.Mutex
}

// NewDialogService 创建新的对话服务
func NewDialogService(generator Generator, cfg *config.Config) *DialogService {
	return &DialogService{
		generator: generator,
		system:    cfg.AI.SystemPrompt,
		options: ollama.Options{
			Temperature: cfg.Ollama.Temperature,
			NumPredict:  cfg.Ollama.MaxTokens,
		},
		sessions: make(map[string]*DialogContext),
	}
}

// getOrCreateSession 获取或创建会话
func (s *DialogService) getOrCreateSession(sessionID string) *DialogContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx, exists := s.sessions[sessionID]; exists {
		ctx.LastActivity = time.Now()
		return ctx
	}

	ctx := &DialogContext{
		SessionID:    sessionID,
		LastActivity: time.Now(),
	}
	s.sessions[sessionID] = ctx
	return ctx
}

// Reply 处理用户消息，失败时不写入历史
func (s *DialogService) Reply(ctx context.Context, sessionID, text string) (string, error) {
	dc := s.getOrCreateSession(sessionID)
	dc.mu.Lock()
	defer dc.mu.Unlock()

	prompt := buildPromptFromHistory(dc.History, text)
	response, err := s.generator.Generate(ctx, prompt, s.system, s.options)
	if err != nil {
		return "", fmt.Errorf("生成回复失败: %w", err)
	}

	reply := strings.TrimSpace(response.Response)
	dc.History = append(dc.History,
		models.Message{Role: models.RoleUser, Content: text},
		models.Message{Role: models.RoleAssistant, Content: reply},
	)
	return reply, nil
}

// buildPromptFromHistory 从历史记录和本轮输入构建提示词
func buildPromptFromHistory(history []models.Message, text string) string {
	var b strings.Builder
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			b.WriteString("User: " + msg.Content + "\n")
		case models.RoleAssistant:
			b.WriteString("Assistant: " + msg.Content + "\n")
		}
	}
	b.WriteString("User: " + text + "\nAssistant:")
	return b.String()
}

// GetHistory 获取对话历史
func (s *DialogService) GetHistory(sessionID string) []models.Message {
	dc := s.getOrCreateSession(sessionID)
	dc.mu.Lock()
	defer dc.mu.Unlock()

	history := make([]models.Message, len(dc.History))
	copy(history, dc.History)
	return history
}

// ClearHistory 清除对话历史
func (s *DialogService) ClearHistory(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}
