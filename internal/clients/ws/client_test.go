package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_ReceiveAndHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"sequence":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"sequence":2}`))
		conn.ReadMessage()
	}))
	defer server.Close()

	var mu sync.Mutex
	var got []string
	client := NewClient(Config{
		URL: wsURL(server),
		Header: func(ctx context.Context) (http.Header, error) {
			return http.Header{"Authorization": []string{"Bearer t1"}}, nil
		},
		OnMessage: func(message []byte) {
			mu.Lock()
			got = append(got, string(message))
			mu.Unlock()
		},
	})
	defer client.Close()

	require.NoError(t, client.Connect())
	assert.True(t, client.Connected())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{`{"sequence":1}`, `{"sequence":2}`}, got)
	mu.Unlock()
}

func TestClient_RetryCounterResetAfterReconnect(t *testing.T) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := atomic.AddInt32(&connections, 1)
		if n == 1 {
			// 第一条连接立即断开，触发重连
			conn.Close()
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer server.Close()

	client := NewClient(Config{
		URL:               wsURL(server),
		ReconnectInterval: 10 * time.Millisecond,
		MaxRetries:        5,
	})
	defer client.Close()

	require.NoError(t, client.Connect())
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&connections) == 2 && client.Connected()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, client.RetriesLeft())
}

func TestClient_TerminateWhenRetriesExhausted(t *testing.T) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&connections, 1) > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	terminated := make(chan struct{})
	client := NewClient(Config{
		URL:               wsURL(server),
		ReconnectInterval: 5 * time.Millisecond,
		MaxRetries:        3,
		OnTerminate:       func() { close(terminated) },
	})
	defer client.Close()

	require.NoError(t, client.Connect())

	select {
	case <-terminated:
	case <-time.After(2 * time.Second):
		t.Fatal("重试耗尽后没有触发终止回调")
	}
	assert.Equal(t, 0, client.RetriesLeft())
	assert.False(t, client.Connected())
	// 首次连接加三次重试
	assert.Equal(t, int32(4), atomic.LoadInt32(&connections))
}

func TestClient_CloseStopsReconnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer server.Close()

	terminated := int32(0)
	client := NewClient(Config{
		URL:               wsURL(server),
		ReconnectInterval: 5 * time.Millisecond,
		OnTerminate:       func() { atomic.StoreInt32(&terminated, 1) },
	})
	require.NoError(t, client.Connect())
	require.NoError(t, client.Close())

	time.Sleep(50 * time.Millisecond)
	assert.False(t, client.Connected())
	assert.Equal(t, int32(0), atomic.LoadInt32(&terminated))
	assert.ErrorIs(t, client.Connect(), ErrClosed)
}
