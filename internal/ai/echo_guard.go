package ai

import (
	"sync"
	"time"
	"unicode"
)

// echoOverlap 识别结果中落在上一句回复内的词占比阈值
const echoOverlap = 0.8

// EchoGuard 在回复播放后的窗口内丢弃与回复近似的识别结果
type EchoGuard struct {
	mu       sync.Mutex
	reply    []string
	deadline time.Time
	now      func() time.Time
}

// NewEchoGuard 创建回声抑制器
func NewEchoGuard() *EchoGuard {
	return &EchoGuard{now: time.Now}
}

// Mark 记录刚播放的回复，window 内生效
func (g *EchoGuard) Mark(text string, window time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reply = normalize(text)
	g.deadline = g.now().Add(window)
}

// IsEcho 判断识别结果是否为上一句回复的回声
func (g *EchoGuard) IsEcho(transcript string) bool {
	g.mu.Lock()
	reply := g.reply
	expired := g.now().After(g.deadline)
	g.mu.Unlock()

	if expired || len(reply) == 0 {
		return false
	}
	heard := normalize(transcript)
	if len(heard) == 0 {
		return false
	}

	if containsTokens(reply, heard) || containsTokens(heard, reply) {
		return true
	}

	vocab := make(map[string]struct{}, len(reply))
	for _, w := range reply {
		vocab[w] = struct{}{}
	}
	matched := 0
	for _, w := range heard {
		if _, ok := vocab[w]; ok {
			matched++
		}
	}
	return float64(matched)/float64(len(heard)) >= echoOverlap
}

// containsTokens 判断 inner 是否为 outer 中连续的一段词
func containsTokens(outer, inner []string) bool {
	if len(inner) == 0 || len(inner) > len(outer) {
		return false
	}
	for i := 0; i+len(inner) <= len(outer); i++ {
		match := true
		for j, w := range inner {
			if outer[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// normalize 转小写并去掉标点后切词，汉字逐字成词
func normalize(text string) []string {
	var (
		tokens []string
		word   []rune
	)
	flush := func() {
		if len(word) > 0 {
			tokens = append(tokens, string(word))
			word = word[:0]
		}
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, unicode.ToLower(r))
		default:
			flush()
		}
	}
	flush()
	return tokens
}
