package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbx_callcontrol/internal/types"
)

func newRunningHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(HubConfig{ReadBufferSize: 1024, WriteBufferSize: 1024, PingPeriod: time.Second})
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

// receiveUntil 读取直到收到期望的消息，新订阅者可能先收到重复的最近一条
func receiveUntil(t *testing.T, ch <-chan []byte, want string) {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case msg, ok := <-ch:
			require.True(t, ok, "订阅通道已关闭")
			if string(msg) == want {
				return
			}
		case <-timeout:
			t.Fatalf("没有收到消息 %s", want)
		}
	}
}

func TestHub_PublishFanOut(t *testing.T) {
	h := newRunningHub(t)

	id1, ch1 := h.Subscribe()
	id2, ch2 := h.Subscribe()
	assert.NotEqual(t, id1, id2)

	h.Publish(CallsUpdate{CurrentCalls: []types.CurrentCall{{ParticipantID: 1}}})
	want := `{"currentCalls":[{"participantId":1,"callid":0,"legid":0,"party":"","status":"","name":"","directControll":false}]}`
	receiveUntil(t, ch1, want)
	receiveUntil(t, ch2, want)

	h.Unsubscribe(id1)
	select {
	case _, ok := <-ch1:
		for ok {
			_, ok = <-ch1
		}
	case <-time.After(time.Second):
		t.Fatal("取消订阅后通道没有关闭")
	}
}

func TestHub_LateSubscriberGetsLastSnapshot(t *testing.T) {
	h := newRunningHub(t)

	h.Publish(CallsUpdate{CurrentCalls: []types.CurrentCall{}})
	_, ch := h.Subscribe()
	receiveUntil(t, ch, `{"currentCalls":[]}`)
}

func TestHub_StopClosesSubscribers(t *testing.T) {
	h := NewHub(HubConfig{})
	go h.Run()

	_, ch := h.Subscribe()
	h.Stop()
	h.Stop()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// 停止后订阅立即得到已关闭的通道
	_, late := h.Subscribe()
	_, ok := <-late
	assert.False(t, ok)
}

func TestHub_WebSocketSubscriber(t *testing.T) {
	h := newRunningHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleConnection))
	defer srv.Close()

	h.Publish(CallsUpdate{CurrentCalls: []types.CurrentCall{{ParticipantID: 9, Status: "Connected"}}})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var update CallsUpdate
	require.NoError(t, json.Unmarshal(data, &update))
	require.Len(t, update.CurrentCalls, 1)
	assert.Equal(t, 9, update.CurrentCalls[0].ParticipantID)
	assert.Equal(t, "Connected", update.CurrentCalls[0].Status)
}
