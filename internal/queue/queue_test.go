package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"pbx_callcontrol/internal/types"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[string]()
	for i := 0; i < 20; i++ {
		q.Push(fmt.Sprint(i))
	}
	assert.Equal(t, 20, q.Len())

	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, fmt.Sprint(i), v)
	}

	// 环绕后继续扩容
	q.Push("a", "b")
	items := q.Items()
	assert.Len(t, items, 17)
	assert.Equal(t, "5", items[0])
	assert.Equal(t, "b", items[16])

	q.Clear()
	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Empty(t, q.Items())
}

func TestFailureLog_Bounded(t *testing.T) {
	l := NewFailureLog(3)
	for i := 0; i < 5; i++ {
		l.Add(fmt.Sprint(i), "source busy")
	}
	assert.Equal(t, []types.FailedCall{
		{Number: "2", Reason: "source busy"},
		{Number: "3", Reason: "source busy"},
		{Number: "4", Reason: "source busy"},
	}, l.Items())

	l.Clear()
	assert.Empty(t, l.Items())
}
