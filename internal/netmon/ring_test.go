package netmon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing[int](3)

	assert.False(t, r.Push(1))
	assert.False(t, r.Push(2))
	assert.False(t, r.Push(3))
	assert.Equal(t, []int{1, 2, 3}, r.Items())

	assert.True(t, r.Push(4))
	assert.True(t, r.Push(5))
	assert.Equal(t, []int{3, 4, 5}, r.Items())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.Cap())
}

func TestRingReset(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)
	r.Push(2)
	r.Push(3)

	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Items())

	r.Push(7)
	assert.Equal(t, []int{7}, r.Items())
}

func TestRingMinimumCapacity(t *testing.T) {
	r := NewRing[string](0)
	assert.Equal(t, 1, r.Cap())

	r.Push("a")
	assert.True(t, r.Push("b"))
	assert.Equal(t, []string{"b"}, r.Items())
}
