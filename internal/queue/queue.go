// Package queue 提供外呼号码队列和有界的失败记录
package queue

import "sync"

// Queue 基于环形缓冲区的并发安全FIFO队列
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	size  int
}

// New 创建队列
func New[T any]() *Queue[T] {
	return &Queue[T]{items: make([]T, 8)}
}

// Push 入队
func (q *Queue[T]) Push(items ...T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range items {
		if q.size == len(q.items) {
			q.grow()
		}
		q.items[(q.head+q.size)%len(q.items)] = item
		q.size++
	}
}

// Pop 出队，队列为空时 ok 为 false
func (q *Queue[T]) Pop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return item, false
	}
	var zero T
	item = q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return item, true
}

// Len 队列长度
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Items 按出队顺序返回副本
func (q *Queue[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, q.size)
	for i := 0; i < q.size; i++ {
		out[i] = q.items[(q.head+i)%len(q.items)]
	}
	return out
}

// Clear 清空队列
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make([]T, 8)
	q.head = 0
	q.size = 0
}

func (q *Queue[T]) grow() {
	items := make([]T, len(q.items)*2)
	for i := 0; i < q.size; i++ {
		items[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = items
	q.head = 0
}
