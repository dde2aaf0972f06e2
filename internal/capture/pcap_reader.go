// Package capture 从抓包文件中提取PBX推送事件并回放到webhook接口
package capture

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"pbx_callcontrol/internal/types"
)

// WebSocket 操作码
const (
	opText   = 0x1
	opBinary = 0x2
)

// maxFramePayload 单帧负载上限，超过视为误判
const maxFramePayload = 1 << 20

// PCAPReader 读取PCAP文件中的推送通道流量
type PCAPReader struct {
	filename string
}

// NewPCAPReader 创建新的PCAP读取器
func NewPCAPReader(filename string) (*PCAPReader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("打开PCAP文件失败: %v", err)
	}
	defer f.Close()
	if _, err := pcapgo.NewReader(f); err != nil {
		return nil, fmt.Errorf("解析PCAP文件头失败: %v", err)
	}
	return &PCAPReader{filename: filename}, nil
}

// eachPayload 依次回调每个非空TCP负载
func (r *PCAPReader) eachPayload(fn func(tcp *layers.TCP) bool) error {
	f, err := os.Open(r.filename)
	if err != nil {
		return fmt.Errorf("重新打开PCAP文件失败: %v", err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("解析PCAP文件头失败: %v", err)
	}
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	for {
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("读取数据包失败: %v", err)
		}
		tcpLayer := packet.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		tcp, ok := tcpLayer.(*layers.TCP)
		if !ok || len(tcp.Payload) == 0 {
			continue
		}
		if !fn(tcp) {
			return nil
		}
	}
}

// WebSocketHandshake WebSocket握手信息
type WebSocketHandshake struct {
	Path     string
	Headers  map[string]string
	Protocol string
	Key      string
	Version  string
}

// ExtractWebSocketHandshake 提取第一个WebSocket握手请求，没有时返回nil
func (r *PCAPReader) ExtractWebSocketHandshake() (*WebSocketHandshake, error) {
	var handshake *WebSocketHandshake
	err := r.eachPayload(func(tcp *layers.TCP) bool {
		payload := string(tcp.Payload)
		if !strings.HasPrefix(payload, "GET ") || !strings.Contains(strings.ToLower(payload), "upgrade: websocket") {
			return true
		}
		h, err := parseWebSocketHandshake(payload)
		if err != nil {
			return true
		}
		handshake = h
		return false
	})
	return handshake, err
}

// parseWebSocketHandshake 解析WebSocket握手信息
func parseWebSocketHandshake(data string) (*WebSocketHandshake, error) {
	lines := strings.Split(data, "\r\n")
	requestLine := strings.Split(lines[0], " ")
	if len(requestLine) != 3 || requestLine[0] != "GET" {
		return nil, fmt.Errorf("无效的HTTP请求行")
	}

	handshake := &WebSocketHandshake{
		Path:    requestLine[1],
		Headers: make(map[string]string),
	}
	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ": ", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		handshake.Headers[key] = value

		switch strings.ToLower(key) {
		case "sec-websocket-protocol":
			handshake.Protocol = value
		case "sec-websocket-key":
			handshake.Key = value
		case "sec-websocket-version":
			handshake.Version = value
		}
	}
	return handshake, nil
}

// ReadWebSocketFrames 读取所有完整的文本和二进制数据帧
func (r *PCAPReader) ReadWebSocketFrames() ([][]byte, error) {
	var frames [][]byte
	err := r.eachPayload(func(tcp *layers.TCP) bool {
		frames = append(frames, parseFrames(tcp.Payload)...)
		return true
	})
	return frames, err
}

// parseFrames 从负载开头顺序解析数据帧，遇到不完整或非法的帧即停止
func parseFrames(data []byte) [][]byte {
	var frames [][]byte
	for len(data) >= 2 {
		fin := data[0]&0x80 != 0
		rsv := data[0] & 0x70
		opcode := data[0] & 0x0F
		if rsv != 0 || opcode > 0xA {
			break
		}

		masked := data[1]&0x80 != 0
		payloadLen := uint64(data[1] & 0x7F)
		headerLen := 2
		switch payloadLen {
		case 126:
			if len(data) < 4 {
				return frames
			}
			payloadLen = uint64(binary.BigEndian.Uint16(data[2:4]))
			headerLen = 4
		case 127:
			if len(data) < 10 {
				return frames
			}
			payloadLen = binary.BigEndian.Uint64(data[2:10])
			headerLen = 10
		}
		if payloadLen > maxFramePayload {
			break
		}
		var maskKey []byte
		if masked {
			if len(data) < headerLen+4 {
				break
			}
			maskKey = data[headerLen : headerLen+4]
			headerLen += 4
		}
		end := headerLen + int(payloadLen)
		if len(data) < end {
			break
		}

		payload := make([]byte, payloadLen)
		copy(payload, data[headerLen:end])
		if masked {
			for i := range payload {
				payload[i] ^= maskKey[i%4]
			}
		}
		data = data[end:]

		// 控制帧与分片不参与回放
		if !fin || (opcode != opText && opcode != opBinary) {
			continue
		}
		if opcode == opText && !utf8.Valid(payload) {
			continue
		}
		frames = append(frames, payload)
	}
	return frames
}

// ExtractPushEvents 返回抓包中所有带实体路径的推送消息，保持抓包顺序
func (r *PCAPReader) ExtractPushEvents() ([][]byte, error) {
	frames, err := r.ReadWebSocketFrames()
	if err != nil {
		return nil, err
	}
	var events [][]byte
	for _, frame := range frames {
		var msg types.PushMessage
		if err := json.Unmarshal(frame, &msg); err != nil || msg.Event.Entity == "" {
			continue
		}
		events = append(events, frame)
	}
	return events, nil
}
