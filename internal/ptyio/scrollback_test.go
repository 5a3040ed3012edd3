package ptyio

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrollbackEvictsFIFO(t *testing.T) {
	sb := NewScrollback(5)
	for i := 0; i < 6; i++ {
		sb.Append(fmt.Sprintf("line-%d", i))
	}

	assert.Equal(t, 5, sb.LineCount())
	lines := sb.Lines()
	assert.Equal(t, "line-1", lines[0])
	assert.Equal(t, "line-5", lines[4])
}

func TestScrollbackByteCounterNonNegative(t *testing.T) {
	sb := NewScrollback(3)
	for i := 0; i < 10; i++ {
		sb.Append(fmt.Sprintf("line-%d", i))
	}
	assert.GreaterOrEqual(t, sb.TotalBytes(), 0)
	assert.LessOrEqual(t, sb.LineCount(), 3)
}

func TestScrollbackLastN(t *testing.T) {
	sb := NewScrollback(10)
	sb.Append("a")
	sb.Append("b")
	sb.Append("c")

	last := sb.LastN(2)
	assert.Equal(t, []string{"b", "c"}, last)

	assert.Equal(t, []string{"a", "b", "c"}, sb.LastN(100))
}
