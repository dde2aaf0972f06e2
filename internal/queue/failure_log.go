package queue

import (
	"sync"

	"pbx_callcontrol/internal/types"
)

// DefaultFailureLimit 失败记录默认上限
const DefaultFailureLimit = 100

// FailureLog 有界的外呼失败记录，超出上限时淘汰最早的记录
type FailureLog struct {
	mu    sync.Mutex
	limit int
	items []types.FailedCall
}

// NewFailureLog 创建失败记录
func NewFailureLog(limit int) *FailureLog {
	if limit <= 0 {
		limit = DefaultFailureLimit
	}
	return &FailureLog{limit: limit}
}

// Add 追加一条失败记录
func (l *FailureLog) Add(number, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, types.FailedCall{Number: number, Reason: reason})
	if over := len(l.items) - l.limit; over > 0 {
		l.items = append([]types.FailedCall(nil), l.items[over:]...)
	}
}

// Items 返回副本
func (l *FailureLog) Items() []types.FailedCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.FailedCall(nil), l.items...)
}

// Clear 清空
func (l *FailureLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
}
