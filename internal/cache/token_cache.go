// Package cache 按应用类型缓存PBX凭据和访问令牌
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"pbx_callcontrol/internal/types"
)

// 缓存相关错误
var (
	ErrNotConfigured    = errors.New("应用凭据未配置")
	ErrTokenAcquisition = errors.New("获取访问令牌失败")
)

// DefaultTokenTTL 访问令牌默认有效期
const DefaultTokenTTL = 1800 * time.Second

type entry struct {
	cfg       *types.ConnectConfig
	token     string
	expiresAt time.Time
}

// TokenCache 凭据与令牌缓存
type TokenCache struct {
	mu      sync.Mutex
	entries map[types.AppType]*entry
	ttl     time.Duration
	client  *http.Client
	now     func() time.Time
}

// NewTokenCache 创建令牌缓存，client 为空时使用默认HTTP客户端
func NewTokenCache(ttl time.Duration, client *http.Client) *TokenCache {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &TokenCache{
		entries: make(map[types.AppType]*entry),
		ttl:     ttl,
		client:  client,
		now:     time.Now,
	}
}

// SetCredentials 保存应用凭据，旧令牌随之失效
func (c *TokenCache) SetCredentials(key types.AppType, cfg types.ConnectConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg.PbxBase = strings.TrimRight(cfg.PbxBase, "/")
	c.entries[key] = &entry{cfg: &cfg}
}

// BaseURL 返回PBX基础地址
func (c *TokenCache) BaseURL(key types.AppType) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.cfg == nil || e.cfg.PbxBase == "" {
		return "", fmt.Errorf("%w: %s 的PBX地址未定义", ErrNotConfigured, key)
	}
	return e.cfg.PbxBase, nil
}

// Token 返回 "Bearer <token>"，过期或缺失时执行 client-credentials 换取
func (c *TokenCache) Token(ctx context.Context, key types.AppType) (string, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.cfg == nil {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, key)
	}
	if e.token != "" && c.now().Before(e.expiresAt) {
		token := e.token
		c.mu.Unlock()
		return token, nil
	}
	cfg := *e.cfg
	c.mu.Unlock()

	if cfg.AppID == "" || cfg.AppSecret == "" {
		return "", fmt.Errorf("%w: %s 缺少appId或appSecret", ErrNotConfigured, key)
	}
	if cfg.PbxBase == "" {
		return "", fmt.Errorf("%w: %s 的PBX地址未定义", ErrNotConfigured, key)
	}

	accessToken, err := c.exchange(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenAcquisition, err)
	}

	token := "Bearer " + accessToken
	c.mu.Lock()
	defer c.mu.Unlock()
	// 换取期间可能已断开
	if cur, ok := c.entries[key]; ok && cur == e {
		e.token = token
		e.expiresAt = c.now().Add(c.ttl)
	}
	return token, nil
}

// Clear 原子地清除凭据与令牌
func (c *TokenCache) Clear(key types.AppType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// exchange 执行 POST /connect/token
func (c *TokenCache) exchange(ctx context.Context, cfg types.ConnectConfig) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	for k, v := range map[string]string{
		"client_id":     cfg.AppID,
		"client_secret": cfg.AppSecret,
		"grant_type":    "client_credentials",
	} {
		if err := form.WriteField(k, v); err != nil {
			return "", fmt.Errorf("构建表单失败: %v", err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("构建表单失败: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.PbxBase+"/connect/token", &body)
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %v", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("发送请求失败: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("服务器返回错误: %d %s", resp.StatusCode, string(data))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("解析响应失败: %v", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("响应中没有access_token")
	}
	return tr.AccessToken, nil
}
