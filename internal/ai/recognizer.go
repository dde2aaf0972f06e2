// Package ai 实现通话中的语音识别分段、回声抑制与双工对话桥接
package ai

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"pbx_callcontrol/internal/audio"
	"pbx_callcontrol/internal/models"
)

// ErrRecognizerClosed 识别器已关闭
var ErrRecognizerClosed = errors.New("识别器已关闭")

// 常见的空音频幻觉文本
var hallucinations = []string{
	"thank you",
	"thanks for watching",
	"copyright",
	"subtitles",
	"subscribe",
	"like and subscribe",
	"altyazı",
	"teşekkürler",
	"abone ol",
}

// RecognizerOptions 分段参数
type RecognizerOptions struct {
	SilenceThreshold float64       // 静音能量阈值
	SilenceDuration  time.Duration // 判定说话结束的静音时长
	MinChunk         time.Duration // 最短识别片段，不少于1秒
	FlushInterval    time.Duration // 最后一次写入后强制送识别的间隔
}

// DefaultRecognizerOptions 默认分段参数
func DefaultRecognizerOptions() RecognizerOptions {
	return RecognizerOptions{
		SilenceThreshold: 0.01,
		SilenceDuration:  2500 * time.Millisecond,
		MinChunk:         1600 * time.Millisecond,
		FlushInterval:    2400 * time.Millisecond,
	}
}

// Recognizer 接收8kHz单声道PCM，按能量检测分段后送转写
type Recognizer struct {
	transcriber models.Transcriber
	opts        RecognizerOptions
	minBytes    int
	results     chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	buf             []byte
	paused          bool
	closed          bool
	processing      bool
	pendingForce    bool
	lastSpeech      time.Time
	silenceDetected bool
	timer           *time.Timer
}

// NewRecognizer 创建识别器
func NewRecognizer(transcriber models.Transcriber, opts RecognizerOptions) *Recognizer {
	minBytes := int(opts.MinChunk.Milliseconds()) * audio.BytesPerMs
	if minBytes < audio.SampleRate*2 {
		minBytes = audio.SampleRate * 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recognizer{
		transcriber: transcriber,
		opts:        opts,
		minBytes:    minBytes,
		results:     make(chan string, 8),
		ctx:         ctx,
		cancel:      cancel,
		lastSpeech:  time.Now(),
	}
}

// Results 返回最终识别文本，Close 后关闭
func (r *Recognizer) Results() <-chan string {
	return r.results
}

// Write 写入一段PCM音频
func (r *Recognizer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrRecognizerClosed
	}
	if r.paused {
		return len(p), nil
	}

	if audio.Energy(p) > r.opts.SilenceThreshold {
		r.lastSpeech = time.Now()
		r.silenceDetected = false
	} else if time.Since(r.lastSpeech) >= r.opts.SilenceDuration && len(r.buf) >= r.minBytes && !r.silenceDetected {
		r.silenceDetected = true
		log.Printf("[DEBUG] 检测到说话结束，静音 %v", time.Since(r.lastSpeech).Round(time.Millisecond))
		r.flushLocked(false)
		return len(p), nil
	}

	r.buf = append(r.buf, p...)

	if len(r.buf) >= r.minBytes*3 {
		r.flushLocked(false)
	} else {
		r.scheduleFlushLocked()
	}
	return len(p), nil
}

// Pause 暂停识别，期间写入的音频直接丢弃
func (r *Recognizer) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	r.stopTimerLocked()
}

// Resume 恢复识别并清空已缓存的音频
func (r *Recognizer) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	r.buf = nil
}

// Close 停止识别，未完成的转写结果被丢弃
func (r *Recognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.stopTimerLocked()
	r.buf = nil
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	close(r.results)
	return nil
}

func (r *Recognizer) scheduleFlushLocked() {
	r.stopTimerLocked()
	r.timer = time.AfterFunc(r.opts.FlushInterval, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.closed && !r.paused {
			r.flushLocked(false)
		}
	})
}

func (r *Recognizer) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// flushLocked 取出缓存送转写，同一时刻只有一个转写请求
func (r *Recognizer) flushLocked(force bool) {
	if r.processing {
		if force {
			r.pendingForce = true
		}
		return
	}
	if !force && len(r.buf) < r.minBytes {
		return
	}

	r.stopTimerLocked()
	segment := r.buf
	r.buf = nil
	if len(segment) == 0 {
		return
	}

	if energy := audio.Energy(segment); energy < r.opts.SilenceThreshold {
		log.Printf("[DEBUG] 音频能量过低(%.4f)，跳过识别", energy)
		return
	}

	r.processing = true
	r.wg.Add(1)
	go r.transcribe(segment)
}

func (r *Recognizer) transcribe(segment []byte) {
	defer r.wg.Done()

	text, err := r.transcriber.Transcribe(r.ctx, audio.EncodeWAV(segment, audio.SampleRate, 1))
	switch {
	case err != nil:
		if r.ctx.Err() == nil {
			log.Printf("[ERROR] 语音识别失败: %v", err)
		}
	case !IsValidTranscript(text):
		if text != "" {
			log.Printf("[WARN] 丢弃可疑识别结果: %q", text)
		}
	default:
		select {
		case r.results <- text:
		case <-r.ctx.Done():
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.processing = false
	if r.pendingForce && !r.closed {
		r.pendingForce = false
		r.flushLocked(true)
	}
}

// IsValidTranscript 过滤过短或疑似幻觉的识别结果
func IsValidTranscript(text string) bool {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)
	for _, pattern := range hallucinations {
		if strings.Contains(lower, pattern) {
			return false
		}
	}
	return len([]rune(text)) >= 3
}
