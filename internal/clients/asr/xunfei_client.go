package asr

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"pbx_callcontrol/internal/audio"
)

// 音频帧状态
const (
	StatusFirstFrame    = 0 // 第一帧
	StatusContinueFrame = 1 // 中间帧
	StatusLastFrame     = 2 // 最后帧
)

// frameSize 每帧发送的PCM字节数
const frameSize = 1280

// XunfeiConfig 科大讯飞听写配置
type XunfeiConfig struct {
	AppID     string
	APIKey    string
	APISecret string
	HostURL   string // 例如 wss://iat-api.xfyun.cn/v2/iat
	Language  string // 默认 zh_cn
	Accent    string // 默认 mandarin
}

// XunfeiClient 科大讯飞语音听写客户端，每段音频建立一次连接
type XunfeiClient struct {
	config XunfeiConfig
	dialer websocket.Dialer
}

// XunfeiResponse 科大讯飞响应数据结构
type XunfeiResponse struct {
	Sid     string `json:"sid"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Result struct {
			Ws []struct {
				Cw []struct {
					W string `json:"w"`
				} `json:"cw"`
			} `json:"ws"`
		} `json:"result"`
		Status int `json:"status"`
	} `json:"data"`
}

// text 拼接本条结果中的词
func (r *XunfeiResponse) text() string {
	var b strings.Builder
	for _, ws := range r.Data.Result.Ws {
		for _, cw := range ws.Cw {
			b.WriteString(cw.W)
		}
	}
	return b.String()
}

type xunfeiCommon struct {
	AppID string `json:"app_id"`
}

type xunfeiBusiness struct {
	Language string `json:"language"`
	Domain   string `json:"domain"`
	Accent   string `json:"accent"`
}

type xunfeiData struct {
	Status   int    `json:"status"`
	Format   string `json:"format"`
	Audio    string `json:"audio"`
	Encoding string `json:"encoding"`
}

type xunfeiFrame struct {
	Common   *xunfeiCommon   `json:"common,omitempty"`
	Business *xunfeiBusiness `json:"business,omitempty"`
	Data     xunfeiData      `json:"data"`
}

// NewXunfeiClient 创建新的科大讯飞语音听写客户端
func NewXunfeiClient(config XunfeiConfig) *XunfeiClient {
	if config.Language == "" {
		config.Language = "zh_cn"
	}
	if config.Accent == "" {
		config.Accent = "mandarin"
	}
	return &XunfeiClient{
		config: config,
		dialer: websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}
}

// Transcribe 发送一段WAV音频并返回听写结果
func (c *XunfeiClient) Transcribe(ctx context.Context, wav []byte) (string, error) {
	decoded, err := audio.DecodeWAV(wav)
	if err != nil {
		return "", err
	}
	pcm := audio.Downmix(decoded.PCM, decoded.Channels)
	rate := decoded.SampleRate
	if rate != 8000 && rate != 16000 {
		pcm = audio.Resample(pcm, rate, 16000)
		rate = 16000
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.assembleAuthURL(time.Now()), nil)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("连接讯飞听写失败: %v, 响应: %s", err, readResp(resp))
		}
		return "", fmt.Errorf("连接讯飞听写失败: %v", err)
	}
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.sendFrames(gctx, conn, pcm, fmt.Sprintf("audio/L16;rate=%d", rate))
	})

	var text strings.Builder
	g.Go(func() error {
		// 取消时关闭连接使读取返回
		stop := context.AfterFunc(gctx, func() { conn.Close() })
		defer stop()
		for {
			var result XunfeiResponse
			if err := conn.ReadJSON(&result); err != nil {
				return fmt.Errorf("读取听写结果失败: %v", err)
			}
			if result.Code != 0 {
				return fmt.Errorf("讯飞听写返回错误 %d: %s", result.Code, result.Message)
			}
			text.WriteString(result.text())
			if result.Data.Status == StatusLastFrame {
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return strings.TrimSpace(text.String()), nil
}

// sendFrames 按首帧、中间帧、结束帧的顺序发送音频
func (c *XunfeiClient) sendFrames(ctx context.Context, conn *websocket.Conn, pcm []byte, format string) error {
	status := StatusFirstFrame
	for offset := 0; ; offset += frameSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := offset + frameSize
		if end > len(pcm) {
			end = len(pcm)
		}
		last := end >= len(pcm)

		frame := xunfeiFrame{Data: xunfeiData{
			Status:   status,
			Format:   format,
			Audio:    base64.StdEncoding.EncodeToString(pcm[offset:end]),
			Encoding: "raw",
		}}
		if status == StatusFirstFrame {
			frame.Common = &xunfeiCommon{AppID: c.config.AppID}
			frame.Business = &xunfeiBusiness{Language: c.config.Language, Domain: "iat", Accent: c.config.Accent}
		}
		if last && status != StatusFirstFrame {
			frame.Data.Status = StatusLastFrame
		}
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("发送音频帧失败: %v", err)
		}
		if last {
			break
		}
		status = StatusContinueFrame
	}

	// 音频不足一帧时补发结束帧
	if len(pcm) <= frameSize {
		end := xunfeiFrame{Data: xunfeiData{Status: StatusLastFrame, Format: format, Encoding: "raw"}}
		if err := conn.WriteJSON(end); err != nil {
			return fmt.Errorf("发送结束帧失败: %v", err)
		}
	}
	return nil
}

// assembleAuthURL 创建鉴权URL
func (c *XunfeiClient) assembleAuthURL(now time.Time) string {
	ul, err := url.Parse(c.config.HostURL)
	if err != nil {
		return c.config.HostURL
	}

	date := strings.Replace(now.UTC().Format(time.RFC1123), "UTC", "GMT", -1)
	signString := fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", ul.Host, date, ul.Path)
	signature := hmacWithSHA256(signString, c.config.APISecret)

	authorization := fmt.Sprintf("api_key=\"%s\", algorithm=\"%s\", headers=\"%s\", signature=\"%s\"",
		c.config.APIKey, "hmac-sha256", "host date request-line", signature)

	query := url.Values{}
	query.Add("authorization", base64.StdEncoding.EncodeToString([]byte(authorization)))
	query.Add("date", date)
	query.Add("host", ul.Host)
	return fmt.Sprintf("%s?%s", c.config.HostURL, query.Encode())
}

// hmacWithSHA256 计算HMAC-SHA256签名
func hmacWithSHA256(data, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// readResp 读取握手失败时的响应内容
func readResp(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return ""
	}
	return string(b)
}
