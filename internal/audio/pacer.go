// Package audio 提供实时节奏的音频写入和WAV处理
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// 电话音频参数：8kHz、16位、单声道
const (
	SampleRate = 8000
	BytesPerMs = SampleRate * 2 / 1000
	SliceSize  = 4096
	MaxLeadMs  = 500
)

// ErrEmptyAudio 没有可写入的音频
var ErrEmptyAudio = errors.New("音频数据为空")

// DurationOf 返回PCM数据的播放时长
func DurationOf(pcm []byte) time.Duration {
	return time.Duration(len(pcm)/BytesPerMs) * time.Millisecond
}

// pacer 记录已写出的音频时长，跨多次写入保持节奏
type pacer struct {
	start      time.Time
	providedMs int64
}

func newPacer() *pacer {
	return &pacer{start: time.Now()}
}

// WriteSliced 按实时节奏分片写入，写出的音频最多领先墙钟 MaxLeadMs
func WriteSliced(ctx context.Context, data []byte, w io.Writer) error {
	return newPacer().write(ctx, data, w)
}

// Loop 循环写入同一段音频直到 ctx 取消
func Loop(ctx context.Context, data []byte, w io.Writer) error {
	if len(data) == 0 {
		return ErrEmptyAudio
	}
	p := newPacer()
	for {
		if err := p.write(ctx, data, w); err != nil {
			return err
		}
	}
}

func (p *pacer) write(ctx context.Context, data []byte, w io.Writer) error {
	for pos := 0; pos < len(data); {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("音频写入被取消: %w", err)
		}

		n := len(data) - pos
		if n > SliceSize {
			n = SliceSize
		}
		chunkMs := int64((n + BytesPerMs - 1) / BytesPerMs)
		elapsed := time.Since(p.start).Milliseconds()

		if p.providedMs+chunkMs-elapsed <= MaxLeadMs {
			if _, err := w.Write(data[pos : pos+n]); err != nil {
				return fmt.Errorf("写入音频失败: %w", err)
			}
			pos += n
			p.providedMs += chunkMs
			continue
		}

		wait := time.Duration(p.providedMs-elapsed) * time.Millisecond / 2
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("音频写入被取消: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil
}
