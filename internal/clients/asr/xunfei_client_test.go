package asr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbx_callcontrol/internal/audio"
)

type receivedFrame struct {
	Common   *xunfeiCommon   `json:"common"`
	Business *xunfeiBusiness `json:"business"`
	Data     xunfeiData      `json:"data"`
}

func resultMessage(status int, words ...string) map[string]interface{} {
	cw := make([]map[string]interface{}, 0, len(words))
	for _, w := range words {
		cw = append(cw, map[string]interface{}{"cw": []map[string]string{{"w": w}}})
	}
	return map[string]interface{}{
		"code": 0,
		"sid":  "iat000",
		"data": map[string]interface{}{"status": status, "result": map[string]interface{}{"ws": cw}},
	}
}

// xunfeiRecorder 记录模拟服务收到的帧和查询参数
type xunfeiRecorder struct {
	mu     sync.Mutex
	frames []receivedFrame
	query  url.Values
}

func (r *xunfeiRecorder) snapshot() ([]receivedFrame, url.Values) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]receivedFrame(nil), r.frames...), r.query
}

// newXunfeiServer 模拟讯飞听写服务，收到结束帧后返回结果
func newXunfeiServer(t *testing.T, reply func(conn *websocket.Conn)) (*httptest.Server, *xunfeiRecorder) {
	t.Helper()
	rec := &xunfeiRecorder{}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.query = r.URL.Query()
		rec.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		for {
			var f receivedFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			rec.mu.Lock()
			rec.frames = append(rec.frames, f)
			rec.mu.Unlock()
			if f.Data.Status == StatusLastFrame {
				reply(conn)
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v2/iat"
}

func TestXunfeiClient_Transcribe(t *testing.T) {
	srv, rec := newXunfeiServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(resultMessage(1, "你好"))
		conn.WriteJSON(resultMessage(2, "，请帮我转人工"))
	})

	client := NewXunfeiClient(XunfeiConfig{AppID: "app", APIKey: "key", APISecret: "secret", HostURL: wsURL(srv)})
	pcm := make([]byte, frameSize*2+100)
	text, err := client.Transcribe(context.Background(), audio.EncodeWAV(pcm, 8000, 1))
	require.NoError(t, err)
	assert.Equal(t, "你好，请帮我转人工", text)
	frames, query := rec.snapshot()

	// 首帧携带业务参数，结束帧状态为2
	require.Len(t, frames, 3)
	first := frames[0]
	require.NotNil(t, first.Common)
	assert.Equal(t, "app", first.Common.AppID)
	assert.Equal(t, "iat", first.Business.Domain)
	assert.Equal(t, "zh_cn", first.Business.Language)
	assert.Equal(t, "audio/L16;rate=8000", first.Data.Format)
	assert.Equal(t, StatusFirstFrame, first.Data.Status)
	assert.Nil(t, frames[1].Common)
	assert.Equal(t, StatusContinueFrame, frames[1].Data.Status)
	assert.Equal(t, StatusLastFrame, frames[2].Data.Status)

	total := 0
	for _, f := range frames {
		raw, err := base64.StdEncoding.DecodeString(f.Data.Audio)
		require.NoError(t, err)
		total += len(raw)
	}
	assert.Equal(t, len(pcm), total)

	// 鉴权参数
	auth, err := base64.StdEncoding.DecodeString(query.Get("authorization"))
	require.NoError(t, err)
	assert.Contains(t, string(auth), `api_key="key"`)
	assert.Contains(t, string(auth), `headers="host date request-line"`)
	assert.NotEmpty(t, query.Get("date"))
	assert.Equal(t, strings.TrimPrefix(srv.URL, "http://"), query.Get("host"))
}

func TestXunfeiClient_ShortSegment(t *testing.T) {
	srv, rec := newXunfeiServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(resultMessage(2, "好的"))
	})

	client := NewXunfeiClient(XunfeiConfig{AppID: "app", HostURL: wsURL(srv)})
	text, err := client.Transcribe(context.Background(), audio.EncodeWAV(make([]byte, 320), 16000, 1))
	require.NoError(t, err)
	assert.Equal(t, "好的", text)
	frames, _ := rec.snapshot()

	require.Len(t, frames, 2)
	assert.Equal(t, "audio/L16;rate=16000", frames[0].Data.Format)
	assert.Equal(t, StatusLastFrame, frames[1].Data.Status)
	assert.Empty(t, frames[1].Data.Audio)
}

func TestXunfeiClient_ServerError(t *testing.T) {
	srv, _ := newXunfeiServer(t, func(conn *websocket.Conn) {
		data, _ := json.Marshal(map[string]interface{}{"code": 10165, "message": "invalid handle"})
		conn.WriteMessage(websocket.TextMessage, data)
	})

	client := NewXunfeiClient(XunfeiConfig{AppID: "app", HostURL: wsURL(srv)})
	_, err := client.Transcribe(context.Background(), audio.EncodeWAV(make([]byte, 320), 8000, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid handle")

	_, err = client.Transcribe(context.Background(), []byte("garbage"))
	assert.ErrorIs(t, err, audio.ErrInvalidWAV)
}

func TestXunfeiClient_AuthURL(t *testing.T) {
	client := NewXunfeiClient(XunfeiConfig{APIKey: "key", APISecret: "secret", HostURL: "wss://iat-api.xfyun.cn/v2/iat"})
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	u, err := url.Parse(client.assembleAuthURL(now))
	require.NoError(t, err)
	assert.Equal(t, "iat-api.xfyun.cn", u.Query().Get("host"))
	assert.Equal(t, "Wed, 01 May 2024 08:00:00 GMT", u.Query().Get("date"))

	want := hmacWithSHA256("host: iat-api.xfyun.cn\ndate: Wed, 01 May 2024 08:00:00 GMT\nGET /v2/iat HTTP/1.1", "secret")
	auth, err := base64.StdEncoding.DecodeString(u.Query().Get("authorization"))
	require.NoError(t, err)
	assert.Contains(t, string(auth), `signature="`+want+`"`)
}
