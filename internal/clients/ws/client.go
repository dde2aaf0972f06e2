// Package ws 提供带重连和心跳的WebSocket推送通道客户端
package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed 客户端已关闭
var ErrClosed = errors.New("WebSocket客户端已关闭")

// MessageHandler 消息处理函数类型
type MessageHandler func(message []byte)

// HeaderFunc 每次建立连接前生成请求头，用于注入最新的访问令牌
type HeaderFunc func(ctx context.Context) (http.Header, error)

// Config WebSocket客户端配置
type Config struct {
	URL               string        // WebSocket服务器地址
	Header            HeaderFunc    // 请求头生成函数
	ReconnectInterval time.Duration // 重连间隔
	MaxRetries        int           // 最大重试次数
	HeartbeatInterval time.Duration // 心跳间隔
	HeartbeatMessage  []byte        // 心跳消息内容
	OnMessage         MessageHandler
	OnTerminate       func() // 重试耗尽后调用
}

// Client WebSocket客户端
type Client struct {
	url    string
	header HeaderFunc
	dialer websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool

	// 重连控制
	reconnectInterval time.Duration
	maxRetries        int
	currentRetries    int

	// 心跳控制
	heartbeatInterval time.Duration
	heartbeatMessage  []byte
	lastPong          time.Time

	onMessage   MessageHandler
	onTerminate func()

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient 创建新的WebSocket客户端
func NewClient(config Config) *Client {
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = 5 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:               config.URL,
		header:            config.Header,
		dialer:            websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnectInterval: config.ReconnectInterval,
		maxRetries:        config.MaxRetries,
		currentRetries:    config.MaxRetries,
		heartbeatInterval: config.HeartbeatInterval,
		heartbeatMessage:  config.HeartbeatMessage,
		onMessage:         config.OnMessage,
		onTerminate:       config.OnTerminate,
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Connect 连接到WebSocket服务器，成功后重试计数恢复为最大值
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	log.Printf("[INFO] 正在连接WebSocket服务器: %s", c.url)

	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("解析URL失败: %v", err)
	}

	var header http.Header
	if c.header != nil {
		header, err = c.header(c.ctx)
		if err != nil {
			return fmt.Errorf("生成请求头失败: %w", err)
		}
	}

	conn, _, err := c.dialer.DialContext(c.ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("连接WebSocket失败: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.currentRetries = c.maxRetries
	c.lastPong = time.Now()
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	go c.heartbeatLoop(conn)
	go c.receiveLoop(conn)

	log.Printf("[INFO] 已成功连接到WebSocket服务器: %s", c.url)
	return nil
}

// Close 关闭连接并停止重连
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Connected 当前是否处于连接状态
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// RetriesLeft 剩余重试次数
func (c *Client) RetriesLeft() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentRetries
}

// heartbeatLoop 定时发送Ping并检查Pong
func (c *Client) heartbeatLoop(conn *websocket.Conn) {
	if c.heartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn
			lastPong := c.lastPong
			c.mu.Unlock()
			if !current {
				return
			}

			if time.Since(lastPong) > c.heartbeatInterval*2 {
				log.Printf("[WARN] 心跳超时，准备重连")
				c.handleConnectionError(conn)
				return
			}

			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, c.heartbeatMessage, time.Now().Add(c.heartbeatInterval))
			c.writeMu.Unlock()
			if err != nil {
				log.Printf("[ERROR] 发送心跳失败: %v", err)
				c.handleConnectionError(conn)
				return
			}
		}
	}
}

// receiveLoop 接收消息循环，消息按到达顺序同步分发
func (c *Client) receiveLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.Printf("[ERROR] 接收消息失败: %v", err)
			c.handleConnectionError(conn)
			return
		}
		if c.onMessage != nil {
			c.onMessage(message)
		}
	}
}

// handleConnectionError 关闭失效连接并按固定间隔重连
func (c *Client) handleConnectionError(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn.Close()
	c.conn = nil
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.currentRetries <= 0 {
			c.mu.Unlock()
			log.Printf("[ERROR] 重试次数超过最大限制，停止重连")
			if c.onTerminate != nil {
				c.onTerminate()
			}
			return
		}
		c.currentRetries--
		attempt := c.maxRetries - c.currentRetries
		c.mu.Unlock()

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.reconnectInterval):
		}

		log.Printf("[INFO] 正在尝试重新连接 (第 %d 次)", attempt)
		if err := c.Connect(); err != nil {
			log.Printf("[ERROR] 重新连接失败: %v", err)
			continue
		}
		return
	}
}
