package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"pbx_callcontrol/internal/audio"
	"pbx_callcontrol/internal/models"
)

// BridgeConfig 双工桥接配置
type BridgeConfig struct {
	SessionID   string             // 会话标识，用于区分对话历史
	Recognizer  *Recognizer        // 入向语音识别
	Responder   models.Responder   // 对话生成
	Synthesizer models.Synthesizer // 语音合成
	EchoPadding time.Duration      // 回声抑制窗口在播放时长之外的余量
	Greeting    []byte             // 开场提示音，8kHz单声道PCM，可为空
}

// Bridge 把入向音频转成文本，经大模型回复后合成语音写回通话
type Bridge struct {
	cfg   BridgeConfig
	guard *EchoGuard
}

// NewBridge 创建双工桥接
func NewBridge(cfg BridgeConfig) *Bridge {
	return &Bridge{cfg: cfg, guard: NewEchoGuard()}
}

// Guard 返回回声抑制器
func (b *Bridge) Guard() *EchoGuard {
	return b.guard
}

// Run 运行桥接直到入向音频结束或 ctx 取消
func (b *Bridge) Run(ctx context.Context, inbound io.Reader, outbound io.Writer) error {
	rec := b.cfg.Recognizer
	defer rec.Close()
	defer b.cfg.Responder.ClearHistory(b.cfg.SessionID)

	if len(b.cfg.Greeting) > 0 {
		if err := b.speak(ctx, b.cfg.Greeting, "", outbound); err != nil {
			return fmt.Errorf("播放开场提示音失败: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := io.Copy(rec, inbound)
		rec.Close()
		if err != nil && !errors.Is(err, ErrRecognizerClosed) {
			return fmt.Errorf("读取入向音频失败: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case text, ok := <-rec.Results():
				if !ok {
					return nil
				}
				if err := b.handle(gctx, text, outbound); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}

// handle 处理一条识别结果，只有写出音频失败才返回错误
func (b *Bridge) handle(ctx context.Context, text string, outbound io.Writer) error {
	if b.guard.IsEcho(text) {
		log.Printf("[INFO] 会话 %s 丢弃回声识别结果: %q", b.cfg.SessionID, text)
		return nil
	}
	log.Printf("[INFO] 会话 %s 识别结果: %s", b.cfg.SessionID, text)

	reply, err := b.cfg.Responder.Reply(ctx, b.cfg.SessionID, text)
	if err != nil {
		log.Printf("[ERROR] 会话 %s 生成回复失败: %v", b.cfg.SessionID, err)
		return nil
	}
	if reply == "" {
		return nil
	}

	wav, err := b.cfg.Synthesizer.Synthesize(ctx, reply)
	if err != nil {
		log.Printf("[ERROR] 会话 %s 语音合成失败: %v", b.cfg.SessionID, err)
		return nil
	}
	decoded, err := audio.DecodeWAV(wav)
	if err != nil {
		log.Printf("[ERROR] 会话 %s 合成音频无法解析: %v", b.cfg.SessionID, err)
		return nil
	}
	return b.speak(ctx, decoded.Telephony(), reply, outbound)
}

// speak 播放期间暂停识别，避免把自己的声音识别回来
func (b *Bridge) speak(ctx context.Context, pcm []byte, text string, outbound io.Writer) error {
	if text != "" {
		b.guard.Mark(text, audio.DurationOf(pcm)+b.cfg.EchoPadding)
	}
	b.cfg.Recognizer.Pause()
	defer b.cfg.Recognizer.Resume()
	return audio.WriteSliced(ctx, pcm, outbound)
}
