package services

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// subscriberBuffer 每个订阅者最多积压的消息数
const subscriberBuffer = 16

// HubConfig 推送中心配置
type HubConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingPeriod      time.Duration
	PongWait        time.Duration
}

type subscription struct {
	id string
	ch chan []byte
}

// Hub 把拨号器的通话快照扇出给SSE和WebSocket订阅者
type Hub struct {
	config      HubConfig
	upgrader    websocket.Upgrader
	subscribers map[string]chan []byte
	register    chan subscription
	unregister  chan string
	broadcast   chan []byte
	done        chan struct{}
	stopOnce    sync.Once

	mu   sync.RWMutex
	last []byte
}

// NewHub 创建推送中心
func NewHub(config HubConfig) *Hub {
	if config.PingPeriod <= 0 {
		config.PingPeriod = 30 * time.Second
	}
	if config.PongWait <= config.PingPeriod {
		config.PongWait = config.PingPeriod * 2
	}
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		subscribers: make(map[string]chan []byte),
		register:    make(chan subscription),
		unregister:  make(chan string),
		broadcast:   make(chan []byte, 64),
		done:        make(chan struct{}),
	}
}

// Run 启动分发循环，Stop 后返回
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.subscribers[sub.id] = sub.ch
			h.mu.RLock()
			last := h.last
			h.mu.RUnlock()
			if last != nil {
				sub.ch <- last
			}

		case id := <-h.unregister:
			if ch, ok := h.subscribers[id]; ok {
				delete(h.subscribers, id)
				close(ch)
			}

		case message := <-h.broadcast:
			for id, ch := range h.subscribers {
				select {
				case ch <- message:
				default:
					log.Printf("[WARN] 订阅者 %s 消费过慢，丢弃一条快照", id)
				}
			}

		case <-h.done:
			for id, ch := range h.subscribers {
				delete(h.subscribers, id)
				close(ch)
			}
			return
		}
	}
}

// Stop 停止分发并关闭所有订阅
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Subscribe 注册订阅者，返回的通道在取消订阅或停止时关闭
func (h *Hub) Subscribe() (string, <-chan []byte) {
	sub := subscription{id: uuid.NewString(), ch: make(chan []byte, subscriberBuffer)}
	select {
	case h.register <- sub:
	case <-h.done:
		close(sub.ch)
	}
	return sub.id, sub.ch
}

// Unsubscribe 取消订阅
func (h *Hub) Unsubscribe(id string) {
	select {
	case h.unregister <- id:
	case <-h.done:
	}
}

// Publish 序列化并广播一条消息，新订阅者会先收到最近一条
func (h *Hub) Publish(v interface{}) {
	message, err := json.Marshal(v)
	if err != nil {
		log.Printf("[ERROR] 序列化推送消息失败: %v", err)
		return
	}
	h.mu.Lock()
	h.last = message
	h.mu.Unlock()

	select {
	case h.broadcast <- message:
	case <-h.done:
	default:
		log.Printf("[WARN] 推送队列已满，丢弃一条快照")
	}
}

// HandleConnection 把WebSocket连接注册为订阅者
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ERROR] 升级WebSocket连接失败: %v", err)
		return
	}
	defer conn.Close()

	id, messages := h.Subscribe()
	defer h.Unsubscribe(id)

	conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	// 读循环只用于感知关闭
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[WARN] 读取WebSocket消息错误: %v", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(h.config.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-messages:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[WARN] 发送消息失败: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
