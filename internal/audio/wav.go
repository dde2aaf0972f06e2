package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zaf/g711"
)

// WAV编码格式
const (
	FormatPCM   uint16 = 1
	FormatALaw  uint16 = 6
	FormatMuLaw uint16 = 7
)

// ErrInvalidWAV 不是合法的WAV文件
var ErrInvalidWAV = errors.New("无效的WAV文件")

// WAV 解码后的音频，PCM 统一为16位小端
type WAV struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// DecodeWAV 解析WAV文件，支持PCM 8/16位以及G.711 A律、μ律
func DecodeWAV(data []byte) (*WAV, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrInvalidWAV
	}

	var (
		format        uint16
		channels      uint16
		sampleRate    uint32
		bitsPerSample uint16
		payload       []byte
		haveFmt       bool
	)

	for pos := 12; pos+8 <= len(data); {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("%w: fmt块过短", ErrInvalidWAV)
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = binary.LittleEndian.Uint16(data[body+2:])
			sampleRate = binary.LittleEndian.Uint32(data[body+4:])
			bitsPerSample = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true
		case "data":
			payload = data[body:end]
		}

		// 块按偶数字节对齐
		pos = body + size + size%2
	}

	if !haveFmt || payload == nil {
		return nil, fmt.Errorf("%w: 缺少fmt或data块", ErrInvalidWAV)
	}
	if channels == 0 || sampleRate == 0 {
		return nil, fmt.Errorf("%w: 声道数或采样率为0", ErrInvalidWAV)
	}

	var pcm []byte
	switch {
	case format == FormatPCM && bitsPerSample == 16:
		pcm = payload[:len(payload)-len(payload)%2]
	case format == FormatPCM && bitsPerSample == 8:
		pcm = make([]byte, len(payload)*2)
		for i, b := range payload {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(int(b)-128)<<8))
		}
	case format == FormatMuLaw:
		pcm = g711.DecodeUlaw(payload)
	case format == FormatALaw:
		pcm = g711.DecodeAlaw(payload)
	default:
		return nil, fmt.Errorf("%w: 不支持的编码格式 %d/%d位", ErrInvalidWAV, format, bitsPerSample)
	}

	return &WAV{SampleRate: int(sampleRate), Channels: int(channels), PCM: pcm}, nil
}

// Telephony 转换为8kHz单声道16位PCM
func (w *WAV) Telephony() []byte {
	mono := Downmix(w.PCM, w.Channels)
	return Resample(mono, w.SampleRate, SampleRate)
}

// Downmix 将多声道16位PCM平均为单声道
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frame := channels * 2
	frames := len(pcm) / frame
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[i*frame+c*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/channels)))
	}
	return out
}

// Resample 对单声道16位PCM做线性插值重采样
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	in := len(pcm) / 2
	if in == 0 {
		return nil
	}
	outLen := int(int64(in) * int64(to) / int64(from))
	out := make([]byte, outLen*2)
	ratio := float64(from) / float64(to)

	sample := func(i int) float64 {
		if i >= in {
			i = in - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	for i := 0; i < outLen; i++ {
		src := float64(i) * ratio
		idx := int(src)
		frac := src - float64(idx)
		v := sample(idx)*(1-frac) + sample(idx+1)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v))))
	}
	return out
}

// EncodeWAV 将16位PCM封装为WAV
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	var buf bytes.Buffer
	blockAlign := channels * 2
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, FormatPCM)
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// Energy 返回16位PCM的归一化RMS能量，范围0到1
func Energy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
