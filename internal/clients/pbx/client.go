// Package pbx 提供PBX呼叫控制REST接口和推送通道的客户端
package pbx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"pbx_callcontrol/internal/cache"
	"pbx_callcontrol/internal/clients/ws"
	"pbx_callcontrol/internal/types"
)

// ErrNotSetup 客户端尚未完成Setup
var ErrNotSetup = errors.New("PBX客户端未配置")

// Config PBX客户端配置
type Config struct {
	RequestTimeout    time.Duration // REST请求超时
	ReconnectInterval time.Duration // 推送通道重连间隔
	MaxRetries        int           // 推送通道最大重试次数
	HeartbeatInterval time.Duration // 推送通道心跳间隔
}

// StatusError PBX返回的非2xx响应
type StatusError struct {
	StatusCode int
	ReasonText string
	Body       string
}

func (e *StatusError) Error() string {
	if e.ReasonText != "" {
		return fmt.Sprintf("PBX返回错误 %d: %s", e.StatusCode, e.ReasonText)
	}
	return fmt.Sprintf("PBX返回错误 %d: %s", e.StatusCode, e.Body)
}

// ReasonText 从错误链中提取PBX给出的原因文本
func ReasonText(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.ReasonText
	}
	return ""
}

// Client 单个应用类型的PBX客户端
type Client struct {
	appType types.AppType
	cache   *cache.TokenCache
	config  Config
	http    *http.Client

	mu   sync.Mutex
	push *ws.Client
}

// NewClient 创建PBX客户端，base 为空时使用默认传输层
func NewClient(appType types.AppType, tokens *cache.TokenCache, config Config, base http.RoundTripper) *Client {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 15 * time.Second
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{
		appType: appType,
		cache:   tokens,
		config:  config,
		http: &http.Client{
			Transport: &authTransport{appType: appType, cache: tokens, base: base},
		},
	}
}

// authTransport 为每个请求注入最新的访问令牌
type authTransport struct {
	appType types.AppType
	cache   *cache.TokenCache
	base    http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.cache.Token(req.Context(), t.appType)
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", token)
	return t.base.RoundTrip(r)
}

// Setup 保存连接凭据
func (c *Client) Setup(cfg types.ConnectConfig) {
	c.cache.SetCredentials(c.appType, cfg)
}

// ConnectPush 打开推送通道 ws(s)://{host}/callcontrol/ws
func (c *Client) ConnectPush(onEvent func([]byte), onTerminate func()) error {
	base, err := c.cache.BaseURL(c.appType)
	if err != nil {
		return err
	}
	wsURL, err := pushURL(base)
	if err != nil {
		return err
	}

	push := ws.NewClient(ws.Config{
		URL: wsURL,
		Header: func(ctx context.Context) (http.Header, error) {
			token, err := c.cache.Token(ctx, c.appType)
			if err != nil {
				return nil, err
			}
			return http.Header{"Authorization": []string{token}}, nil
		},
		ReconnectInterval: c.config.ReconnectInterval,
		MaxRetries:        c.config.MaxRetries,
		HeartbeatInterval: c.config.HeartbeatInterval,
		HeartbeatMessage:  []byte("ping"),
		OnMessage:         onEvent,
		OnTerminate:       onTerminate,
	})
	if err := push.Connect(); err != nil {
		push.Close()
		return err
	}

	c.mu.Lock()
	old := c.push
	c.push = push
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// PushConnected 推送通道是否在线
func (c *Client) PushConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.push != nil && c.push.Connected()
}

// Disconnect 关闭推送通道并清除缓存的凭据和令牌
func (c *Client) Disconnect() {
	c.mu.Lock()
	push := c.push
	c.push = nil
	c.mu.Unlock()

	if push != nil {
		push.Close()
	}
	c.cache.Clear(c.appType)
}

// FetchTopology 获取完整的呼叫控制快照
func (c *Client) FetchTopology(ctx context.Context) ([]types.DNInfo, error) {
	var info []types.DNInfo
	if err := c.doJSON(ctx, http.MethodGet, "/callcontrol", nil, &info); err != nil {
		return nil, fmt.Errorf("获取呼叫控制信息失败: %w", err)
	}
	return info, nil
}

// FetchEntity 按实体路径获取最新数据
func (c *Client) FetchEntity(ctx context.Context, entity string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, entity, nil, &raw); err != nil {
		return nil, fmt.Errorf("获取实体 %s 失败: %w", entity, err)
	}
	return raw, nil
}

type destinationBody struct {
	Destination string `json:"destination,omitempty"`
}

// MakeCall 从DN发起呼叫
func (c *Client) MakeCall(ctx context.Context, dn, destination string) (*types.CallControlResult, error) {
	var result types.CallControlResult
	path := fmt.Sprintf("/callcontrol/%s/makecall", url.PathEscape(dn))
	if err := c.doJSON(ctx, http.MethodPost, path, destinationBody{destination}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MakeCallFromDevice 从DN的指定设备发起呼叫
func (c *Client) MakeCallFromDevice(ctx context.Context, dn, deviceID, destination string) (*types.CallControlResult, error) {
	var result types.CallControlResult
	path := fmt.Sprintf("/callcontrol/%s/devices/%s/makecall", url.PathEscape(dn), url.PathEscape(deviceID))
	if err := c.doJSON(ctx, http.MethodPost, path, destinationBody{destination}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ControlParticipant 对参与者执行控制动作
func (c *Client) ControlParticipant(ctx context.Context, dn string, participantID int, action, destination string) error {
	if !types.IsValidAction(action) {
		return fmt.Errorf("不支持的控制动作: %s", action)
	}
	path := fmt.Sprintf("/callcontrol/%s/participants/%d/%s", url.PathEscape(dn), participantID, action)
	return c.doJSON(ctx, http.MethodPost, path, destinationBody{destination}, nil)
}

// PostAudioStream 以分块传输上传音频，直到 body 结束或 ctx 取消
func (c *Client) PostAudioStream(ctx context.Context, dn string, participantID int, body io.Reader) error {
	req, err := c.newRequest(ctx, http.MethodPost, streamPath(dn, participantID), body)
	if err != nil {
		return err
	}
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("上传音频流失败: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// GetAudioStream 打开参与者的入站音频流
func (c *Client) GetAudioStream(ctx context.Context, dn string, participantID int) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, streamPath(dn, participantID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("获取音频流失败: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func streamPath(dn string, participantID int) string {
	return fmt.Sprintf("/callcontrol/%s/participants/%d/stream", url.PathEscape(dn), participantID)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	base, err := c.cache.BaseURL(c.appType)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %v", err)
	}
	return req, nil
}

// doJSON 发送JSON请求并解析响应，REST调用不自动重试
func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %v", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("解析响应失败: %v", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	se := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	var result types.CallControlResult
	if json.Unmarshal(data, &result) == nil {
		se.ReasonText = result.ReasonText
	}
	return se
}

func pushURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("解析PBX地址失败: %v", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/callcontrol/ws"
	return u.String(), nil
}
